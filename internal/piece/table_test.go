package piece

import (
	"crypto/sha1"
	"sync"
	"testing"

	"github.com/arborcore/peerflow/internal/bitfield"
)

func digestsFor(chunks ...[]byte) [][sha1.Size]byte {
	out := make([][sha1.Size]byte, len(chunks))
	for i, c := range chunks {
		out[i] = sha1.Sum(c)
	}
	return out
}

func TestReserveNextIsLowestIndexFirst(t *testing.T) {
	tbl := NewContentTable(30, 10, 10, digestsFor(
		make([]byte, 10), make([]byte, 10), make([]byte, 10),
	))

	idx, ok := tbl.ReserveNext("peer-a", nil)
	if !ok || idx != 0 {
		t.Fatalf("ReserveNext = (%d,%v), want (0,true)", idx, ok)
	}

	// Piece 0 is now reserved; the next reservation must be piece 1, never
	// a higher-numbered piece chosen for any other reason (e.g. rarity).
	idx, ok = tbl.ReserveNext("peer-b", nil)
	if !ok || idx != 1 {
		t.Fatalf("ReserveNext = (%d,%v), want (1,true)", idx, ok)
	}
}

// TestAtMostOneReservationPerPiece is the core concurrency invariant: with
// many goroutines racing to reserve from a small table, every piece is
// handed out exactly once.
func TestAtMostOneReservationPerPiece(t *testing.T) {
	const pieces = 50
	tbl := NewContentTable(int64(pieces*10), 10, 10, make([][sha1.Size]byte, pieces))

	var (
		mu   sync.Mutex
		seen = make(map[int]int)
		wg   sync.WaitGroup
	)

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(owner int) {
			defer wg.Done()
			for {
				idx, ok := tbl.ReserveNext(string(rune('a' + owner)), nil)
				if !ok {
					return
				}
				mu.Lock()
				seen[idx]++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if len(seen) != pieces {
		t.Fatalf("reserved %d distinct pieces, want %d", len(seen), pieces)
	}
	for idx, count := range seen {
		if count != 1 {
			t.Fatalf("piece %d reserved %d times, want exactly 1", idx, count)
		}
	}
}

func TestRecordBlockAndTryCompleteVerifies(t *testing.T) {
	blockA := []byte("0123456789")
	blockB := []byte("abcdefghij")
	digest := sha1.Sum(append(append([]byte{}, blockA...), blockB...))

	tbl := NewContentTable(20, 20, 10, [][sha1.Size]byte{digest})

	idx, ok := tbl.ReserveNext("peer", nil)
	if !ok || idx != 0 {
		t.Fatalf("ReserveNext failed")
	}

	if err := tbl.RecordBlock(0, "peer", 0, blockA); err != nil {
		t.Fatalf("RecordBlock(0) error: %v", err)
	}
	if complete, err := tbl.TryComplete(0, "peer"); complete || err != nil {
		t.Fatalf("TryComplete should not be done yet: complete=%v err=%v", complete, err)
	}

	if err := tbl.RecordBlock(0, "peer", 10, blockB); err != nil {
		t.Fatalf("RecordBlock(1) error: %v", err)
	}
	complete, err := tbl.TryComplete(0, "peer")
	if err != nil || !complete {
		t.Fatalf("TryComplete = (%v,%v), want (true,nil)", complete, err)
	}

	if !tbl.AllComplete() {
		t.Fatalf("expected AllComplete after the only piece finishes")
	}

	got, err := tbl.Bytes(0)
	if err != nil {
		t.Fatalf("Bytes error: %v", err)
	}
	want := append(append([]byte{}, blockA...), blockB...)
	if string(got) != string(want) {
		t.Fatalf("Bytes = %q, want %q", got, want)
	}
}

// TestTryCompleteRollsBackOnDigestMismatch covers the corrupt-data recovery
// path: a piece that hashes wrong is reset to "want" rather than silently
// accepted or left stuck.
func TestTryCompleteRollsBackOnDigestMismatch(t *testing.T) {
	wantDigest := sha1.Sum([]byte("the-real-content-10"))
	tbl := NewContentTable(10, 10, 10, [][sha1.Size]byte{wantDigest})

	idx, _ := tbl.ReserveNext("peer", nil)
	if err := tbl.RecordBlock(idx, "peer", 0, []byte("wrong-bytes")[:10]); err != nil {
		t.Fatalf("RecordBlock error: %v", err)
	}

	complete, err := tbl.TryComplete(idx, "peer")
	if complete || err != ErrVerificationFailed {
		t.Fatalf("TryComplete = (%v,%v), want (false,ErrVerificationFailed)", complete, err)
	}

	// The piece must be available to reserve again, not stuck reserved.
	again, ok := tbl.ReserveNext("peer-2", nil)
	if !ok || again != idx {
		t.Fatalf("expected piece %d available again after rollback, got (%d,%v)", idx, again, ok)
	}
}

func TestReleaseReturnsPieceToWant(t *testing.T) {
	tbl := NewContentTable(10, 10, 10, make([][sha1.Size]byte, 1))

	idx, _ := tbl.ReserveNext("peer", nil)
	if _, ok := tbl.ReserveNext("other", nil); ok {
		t.Fatalf("expected no piece available while reserved")
	}

	tbl.Release(idx, "peer")

	if _, ok := tbl.ReserveNext("other", nil); !ok {
		t.Fatalf("expected piece available again after Release")
	}
}

// TestReserveNextRespectsAvailability covers the disjoint-availability
// scenario: a piece absent from the caller's bitfield is never handed out
// to it, even though it's still in the "want" state.
func TestReserveNextRespectsAvailability(t *testing.T) {
	tbl := NewContentTable(40, 10, 10, make([][sha1.Size]byte, 4))

	has := bitfield.New(4)
	has.Set(2)
	has.Set(3)

	idx, ok := tbl.ReserveNext("peer-b", has)
	if !ok || idx != 2 {
		t.Fatalf("ReserveNext = (%d,%v), want (2,true)", idx, ok)
	}

	// peer-a only claims pieces 0 and 3; 0 is still "want" so it must win,
	// never piece 1 (absent from peer-a's has-set) or piece 2 (reserved).
	zeroAndThree := bitfield.New(4)
	zeroAndThree.Set(0)
	zeroAndThree.Set(3)
	if idx, ok := tbl.ReserveNext("peer-a", zeroAndThree); !ok || idx != 0 {
		t.Fatalf("ReserveNext = (%d,%v), want (0,true)", idx, ok)
	}

	// Pieces 1 and 3 are still "want" and piece 2 is reserved by peer-b; a
	// caller claiming only piece 2 must find nothing reservable.
	onlyPieceTwo := bitfield.New(4)
	onlyPieceTwo.Set(2)
	if _, ok := tbl.ReserveNext("peer-c", onlyPieceTwo); ok {
		t.Fatalf("expected no reservation: the only piece peer-c claims is already reserved")
	}
}

func TestMetadataTableWholeChunkPieces(t *testing.T) {
	data := make([]byte, MetadataPieceSize+100)
	tbl := NewMetadataTable(int64(len(data)))

	if tbl.Count() != 2 {
		t.Fatalf("Count = %d, want 2", tbl.Count())
	}

	idx, ok := tbl.ReserveNext("peer", nil)
	if !ok || idx != 0 {
		t.Fatalf("ReserveNext = (%d,%v), want (0,true)", idx, ok)
	}
	if err := tbl.RecordBlock(0, "peer", 0, data[:MetadataPieceSize]); err != nil {
		t.Fatalf("RecordBlock error: %v", err)
	}
	complete, err := tbl.TryComplete(0, "peer")
	if err != nil || !complete {
		t.Fatalf("TryComplete = (%v,%v), want (true,nil)", complete, err)
	}
}
