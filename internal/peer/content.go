package peer

import (
	"context"
	"errors"
	"time"

	"github.com/arborcore/peerflow/internal/config"
	"github.com/arborcore/peerflow/internal/piece"
	"github.com/arborcore/peerflow/internal/protocol"
)

// contentLoop pulls pieces lowest-index-first from the shared piece table,
// requests every block of each, and hands completed pieces to the manager
// via OnPieceComplete (spec §4.3, "downloading" state).
func (s *Session) contentLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if s.table.AllComplete() {
			return nil
		}

		s.bitfieldMu.RLock()
		has := s.bf.Clone()
		s.bitfieldMu.RUnlock()

		index, ok := s.table.ReserveNext(s.addr, has)
		if !ok {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(config.Load().ReservationBackoff):
			}
			continue
		}

		if err := s.fetchContentPiece(ctx, index); err != nil {
			s.table.Release(index, s.addr)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			if errors.Is(err, piece.ErrVerificationFailed) {
				// Drop the failed piece from our own view of this peer's
				// availability so ReserveNext won't hand it straight back
				// to the same corrupt source.
				s.bitfieldMu.Lock()
				s.bf.Unset(index)
				s.bitfieldMu.Unlock()
			}
			s.log.Warn("content piece fetch failed", "piece", index, "error", err.Error())
			continue
		}
	}
}

func (s *Session) fetchContentPiece(ctx context.Context, index int) error {
	length, err := s.table.PieceLength(index)
	if err != nil {
		return err
	}

	blockCount := piece.BlockCount(length, s.blockSize)
	done := s.trackPiece(index)
	defer s.untrackPiece(index)

	for b := 0; b < blockCount; b++ {
		begin, blockLen := piece.BlockBounds(length, s.blockSize, b)
		req := protocol.MessageRequest(uint32(index), uint32(begin), uint32(blockLen))
		if !s.enqueueMessage(req) {
			return errors.New("peer: outbox closed mid-request")
		}
	}

	received := 0
	stallTimeout := config.Load().ReadTimeout * 4
	for received < blockCount {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-done:
			received++
		case <-time.After(stallTimeout):
			return errors.New("peer: timed out waiting for blocks")
		}
	}

	complete, err := s.table.TryComplete(index, s.addr)
	if err != nil {
		return err
	}
	if !complete {
		return errors.New("peer: piece still incomplete after all blocks received")
	}

	data, err := s.table.Bytes(index)
	if err != nil {
		return err
	}
	if s.cb.OnPieceComplete != nil {
		s.cb.OnPieceComplete(s.addr, index, data)
	}
	return nil
}
