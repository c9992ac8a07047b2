package piece

import (
	"crypto/sha1"
	"errors"
)

// slot is the closed sum type backing each entry of a Table. A torrent
// splits into either content pieces (ordered blocks, a SHA-1 digest to
// verify against) or metadata pieces (opaque ut_metadata chunks, verified
// only once the whole info dictionary has been assembled — BEP 9 defines no
// per-piece hash for these). The two never share a struct; a slot is one or
// the other, never a bag of fields only one of them uses.
type slot interface {
	recordBlock(begin int64, data []byte) error
	complete() bool
	bytes() []byte
	length() int64
}

var (
	errBlockOutOfRange     = errors.New("piece: block index out of range")
	errBlockLengthMismatch = errors.New("piece: block does not match expected offset/length")
)

// contentSlot holds one piece of the torrent's actual content.
type contentSlot struct {
	buf       []byte
	received  []bool
	blockSize int64
	digest    [sha1.Size]byte
}

func newContentSlot(length, blockSize int64, digest [sha1.Size]byte) *contentSlot {
	return &contentSlot{
		buf:       make([]byte, length),
		received:  make([]bool, BlockCount(length, blockSize)),
		blockSize: blockSize,
		digest:    digest,
	}
}

func (s *contentSlot) recordBlock(begin int64, data []byte) error {
	idx := int(begin / s.blockSize)
	if begin < 0 || idx >= len(s.received) {
		return errBlockOutOfRange
	}

	wantBegin, wantLen := BlockBounds(int64(len(s.buf)), s.blockSize, idx)
	if begin != wantBegin || int64(len(data)) != wantLen {
		return errBlockLengthMismatch
	}

	copy(s.buf[begin:begin+int64(len(data))], data)
	s.received[idx] = true
	return nil
}

func (s *contentSlot) complete() bool {
	for _, got := range s.received {
		if !got {
			return false
		}
	}
	return true
}

func (s *contentSlot) bytes() []byte { return s.buf }
func (s *contentSlot) length() int64 { return int64(len(s.buf)) }

// verified reports whether the assembled piece matches its expected digest.
func (s *contentSlot) verified() bool { return sha1.Sum(s.buf) == s.digest }

// reset clears block-received state, used to roll a piece back to "want"
// after a failed digest check (spec §4.2, "Verification rollback").
func (s *contentSlot) reset() {
	for i := range s.received {
		s.received[i] = false
	}
}

// MetadataPieceSize is the fixed chunk size BEP 9 uses for ut_metadata
// pieces; only the final piece of the info dictionary may be shorter.
const MetadataPieceSize = 16 * 1024

// metadataSlot holds one chunk of the info dictionary being reassembled
// from a peer's metadata extension. It has no per-chunk digest: BEP 9
// verifies the dictionary as a whole against the info hash once every
// chunk has arrived.
type metadataSlot struct {
	buf  []byte
	have bool
}

func newMetadataSlot(length int64) *metadataSlot {
	return &metadataSlot{buf: make([]byte, length)}
}

func (s *metadataSlot) recordBlock(begin int64, data []byte) error {
	if begin != 0 || int64(len(data)) != int64(len(s.buf)) {
		return errBlockLengthMismatch
	}
	copy(s.buf, data)
	s.have = true
	return nil
}

func (s *metadataSlot) complete() bool { return s.have }
func (s *metadataSlot) bytes() []byte  { return s.buf }
func (s *metadataSlot) length() int64  { return int64(len(s.buf)) }
