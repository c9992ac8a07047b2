// Package piece implements the piece table: the shared, concurrency-safe
// bookkeeping structure that tracks which pieces are wanted, reserved by a
// peer session, or verified complete (spec §4.2, "Piece Table").
//
// A Table never performs network I/O; it is driven entirely by explicit
// calls from peer sessions (ReserveNext/RecordBlock/TryComplete) and the
// manager (AllComplete). At most one peer may hold a reservation on a given
// piece at a time, and completion is monotonic — once a piece is marked
// done it never reverts. The verification-failure rollback in TryComplete
// applies only to a reserved piece whose digest check fails, before it is
// ever marked done.
package piece

import (
	"crypto/sha1"
	"errors"
	"sync"

	"github.com/arborcore/peerflow/internal/bitfield"
)

// Kind distinguishes a Table assembling torrent content from one
// reassembling the info dictionary over the metadata extension.
type Kind int

const (
	Content Kind = iota
	Metadata
)

type reservationState int

const (
	want reservationState = iota
	reservedState
	doneState
)

type entry struct {
	slot  slot
	state reservationState
	owner string
}

var (
	ErrNoSuchPiece          = errors.New("piece: index out of range")
	ErrNotReservedByOwner   = errors.New("piece: piece not reserved by this owner")
	ErrVerificationFailed   = errors.New("piece: digest mismatch, piece rolled back")
	ErrPieceAlreadyComplete = errors.New("piece: piece already complete")
)

// Table is the piece table described above. All exported methods are safe
// for concurrent use by multiple peer sessions.
type Table struct {
	mu      sync.Mutex
	kind    Kind
	entries []*entry
	done    int
}

// NewContentTable builds a Table for a torrent's actual content: size bytes
// split into pieces of pieceLen (the final piece may be shorter), each
// block-addressed in units of blockSize and verified against digests on
// completion.
func NewContentTable(size, pieceLen, blockSize int64, digests [][sha1.Size]byte) *Table {
	count := Count(size, pieceLen)
	entries := make([]*entry, count)

	for i := 0; i < count; i++ {
		length := LengthAt(i, size, pieceLen)
		var digest [sha1.Size]byte
		if i < len(digests) {
			digest = digests[i]
		}
		entries[i] = &entry{slot: newContentSlot(length, blockSize, digest)}
	}

	return &Table{kind: Content, entries: entries}
}

// NewMetadataTable builds a Table for reassembling an info dictionary of
// totalSize bytes, split into BEP 9's fixed MetadataPieceSize chunks.
func NewMetadataTable(totalSize int64) *Table {
	count := Count(totalSize, MetadataPieceSize)
	entries := make([]*entry, count)

	for i := 0; i < count; i++ {
		length := LengthAt(i, totalSize, MetadataPieceSize)
		entries[i] = &entry{slot: newMetadataSlot(length)}
	}

	return &Table{kind: Metadata, entries: entries}
}

// Kind reports which variant this table holds.
func (t *Table) Kind() Kind { return t.kind }

// Count returns the total number of pieces in the table.
func (t *Table) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// PieceLength returns the byte length of piece index.
func (t *Table) PieceLength(index int) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if index < 0 || index >= len(t.entries) {
		return 0, ErrNoSuchPiece
	}
	return t.entries[index].slot.length(), nil
}

// ReserveNext finds the lowest-index piece still in the "want" state and
// present in has (a nil has imposes no availability filter, as with a
// metadata table, where every connected peer is assumed to hold the whole
// dictionary), assigns it to owner, and returns it. It never picks by
// rarity or any other ordering — lowest index wins, every time. Returns
// ok=false when no piece is currently available to reserve (everything is
// either reserved by someone else, already complete, or absent from has);
// the caller is expected to retry after a short backoff.
func (t *Table) ReserveNext(owner string, has bitfield.Bitfield) (index int, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i, e := range t.entries {
		if e.state != want {
			continue
		}
		if has != nil && !has.Has(i) {
			continue
		}
		e.state = reservedState
		e.owner = owner
		return i, true
	}
	return 0, false
}

// Release returns a reserved piece to the "want" state, e.g. when the
// owning peer session disconnects before finishing it. Releasing a piece
// that is not reserved, or not reserved by owner, is a no-op.
func (t *Table) Release(index int, owner string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if index < 0 || index >= len(t.entries) {
		return
	}
	e := t.entries[index]
	if e.state == reservedState && e.owner == owner {
		e.state = want
		e.owner = ""
	}
}

// RecordBlock stores one block/chunk of piece index. owner must currently
// hold the reservation on it.
func (t *Table) RecordBlock(index int, owner string, begin int64, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if index < 0 || index >= len(t.entries) {
		return ErrNoSuchPiece
	}
	e := t.entries[index]
	if e.state == doneState {
		return ErrPieceAlreadyComplete
	}
	if e.state != reservedState || e.owner != owner {
		return ErrNotReservedByOwner
	}

	return e.slot.recordBlock(begin, data)
}

// TryComplete checks whether piece index has received every block. If so,
// for a content table it verifies the assembled bytes against the piece's
// SHA-1 digest: on success the piece is marked done (completion is
// monotonic from here on); on mismatch every block-received flag is cleared
// and the piece returns to "want" for someone to re-fetch, and
// ErrVerificationFailed is returned. A metadata table has no per-piece
// digest, so completion alone marks it done.
func (t *Table) TryComplete(index int, owner string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if index < 0 || index >= len(t.entries) {
		return false, ErrNoSuchPiece
	}
	e := t.entries[index]
	if e.state != reservedState || e.owner != owner {
		return false, ErrNotReservedByOwner
	}
	if !e.slot.complete() {
		return false, nil
	}

	if cs, ok := e.slot.(*contentSlot); ok {
		if !cs.verified() {
			cs.reset()
			e.state = want
			e.owner = ""
			return false, ErrVerificationFailed
		}
	}

	e.state = doneState
	e.owner = ""
	t.done++
	return true, nil
}

// AllComplete reports whether every piece in the table has been verified.
func (t *Table) AllComplete() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.done == len(t.entries)
}

// CompletedCount returns how many pieces have been verified so far.
func (t *Table) CompletedCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.done
}

// Bytes returns a copy of a completed piece's bytes. It returns an error if
// the piece has not yet been verified.
func (t *Table) Bytes(index int) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if index < 0 || index >= len(t.entries) {
		return nil, ErrNoSuchPiece
	}
	e := t.entries[index]
	if e.state != doneState {
		return nil, errors.New("piece: not yet complete")
	}

	src := e.slot.bytes()
	out := make([]byte, len(src))
	copy(out, src)
	return out, nil
}
