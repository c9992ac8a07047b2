package peer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/arborcore/peerflow/internal/config"
	"github.com/arborcore/peerflow/internal/protocol"
)

// localMetadataExtID is the id this client registers for ut_metadata in its
// own extension handshake (spec §4.1/§4.4, "Extension handshake"). Peers
// address metadata messages TO us using this id; messages we send to THEM
// use the id they advertised in their own handshake instead.
const localMetadataExtID = 1

var errMetadataRejected = errors.New("peer: metadata piece request rejected")

// metadataHandshakeAndLoop performs the BEP 9 extension handshake and then
// drives metadata piece requests until the shared metadata table reports
// every piece assembled (spec §4.3, "metadata_handshaking" /
// "metadata_downloading" states).
func (s *Session) metadataHandshakeAndLoop(ctx context.Context) error {
	handshakeMsg, err := protocol.EncodeExtensionHandshake(protocol.ExtensionHandshake{
		M: map[string]uint8{protocol.ExtensionMetadataName: localMetadataExtID},
	})
	if err != nil {
		return fmt.Errorf("peer: encode extension handshake: %w", err)
	}
	if !s.enqueueMessage(handshakeMsg) {
		return errors.New("peer: outbox closed before extension handshake")
	}

	select {
	case <-ctx.Done():
		return nil
	case <-s.extensionReady():
	}

	if s.table == nil {
		return errors.New("peer: extension handshake never produced a metadata table")
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if s.table.AllComplete() {
			if s.cb.OnMetadataComplete != nil {
				s.cb.OnMetadataComplete(s.addr, s.table)
			}
			return nil
		}

		// Metadata-mode reservation is never filtered by availability: BEP 9
		// assumes any peer that completed the extension handshake can serve
		// any metadata piece (spec §4.3, "metadata_downloading").
		index, ok := s.table.ReserveNext(s.addr, nil)
		if !ok {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(config.Load().ReservationBackoff):
			}
			continue
		}

		if err := s.fetchMetadataPiece(ctx, index); err != nil {
			s.table.Release(index, s.addr)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			s.log.Warn("metadata piece fetch failed", "piece", index, "error", err.Error())
			continue
		}
	}
}

func (s *Session) fetchMetadataPiece(ctx context.Context, index int) error {
	remoteExtID := uint8(s.extMetadataID.Load())

	req, err := protocol.EncodeMetadataMessage(remoteExtID, protocol.MetadataMessage{
		Type:  protocol.MetadataRequest,
		Piece: index,
	})
	if err != nil {
		return err
	}
	if !s.enqueueMessage(req) {
		return errors.New("peer: outbox closed mid metadata request")
	}

	done := s.trackPiece(index)
	defer s.untrackPiece(index)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		if s.takeRejected(index) {
			return errMetadataRejected
		}
	case <-time.After(config.Load().ReadTimeout * 4):
		return errors.New("peer: timed out waiting for metadata piece")
	}

	complete, err := s.table.TryComplete(index, s.addr)
	if err != nil {
		return err
	}
	if !complete {
		return errors.New("peer: metadata piece still incomplete")
	}
	return nil
}

// extensionReady returns a channel closed once the extension handshake has
// been decoded and a table assigned.
func (s *Session) extensionReady() <-chan struct{} {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	if s.extReady == nil {
		s.extReady = make(chan struct{})
	}
	return s.extReady
}

func (s *Session) markExtensionReady() {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	if s.extReady == nil {
		s.extReady = make(chan struct{})
	}
	select {
	case <-s.extReady:
	default:
		close(s.extReady)
	}
}

func (s *Session) markRejected(index int) {
	s.pendingMu.Lock()
	if s.rejected == nil {
		s.rejected = make(map[int]bool)
	}
	s.rejected[index] = true
	s.pendingMu.Unlock()
}

func (s *Session) takeRejected(index int) bool {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	if s.rejected == nil {
		return false
	}
	was := s.rejected[index]
	delete(s.rejected, index)
	return was
}

func (s *Session) handleExtended(msg *protocol.Message) error {
	extID, body, ok := msg.ParseExtended()
	if !ok {
		return errors.New("peer: malformed extended message")
	}

	if extID == 0 {
		handshake, err := protocol.DecodeExtensionHandshake(body)
		if err != nil {
			return fmt.Errorf("peer: decode extension handshake: %w", err)
		}
		remoteID, ok := handshake.M[protocol.ExtensionMetadataName]
		if !ok {
			return errors.New("peer: remote does not support ut_metadata")
		}
		s.extMetadataID.Store(uint32(remoteID))

		if s.table == nil && s.cb.OnExtensionHandshake != nil {
			table, err := s.cb.OnExtensionHandshake(s.addr, handshake.MetadataSize)
			if err != nil {
				return fmt.Errorf("peer: extension handshake callback: %w", err)
			}
			s.table = table
		}
		s.markExtensionReady()
		return nil
	}

	if extID != localMetadataExtID {
		s.log.Debug("ignoring unknown extension message", "ext_id", extID)
		return nil
	}

	metaMsg, err := protocol.DecodeMetadataMessage(body)
	if err != nil {
		return fmt.Errorf("peer: decode metadata message: %w", err)
	}

	switch metaMsg.Type {
	case protocol.MetadataReject:
		s.markRejected(metaMsg.Piece)
		s.signalPending(metaMsg.Piece)
	case protocol.MetadataData:
		if err := s.table.RecordBlock(metaMsg.Piece, s.addr, 0, metaMsg.Data); err != nil {
			s.log.Warn("record metadata block failed", "piece", metaMsg.Piece, "error", err.Error())
		}
		s.signalPending(metaMsg.Piece)
	case protocol.MetadataRequest:
		// Seeding metadata to other peers is out of scope; requests are
		// acknowledged by the wire layer and otherwise ignored.
	}

	return nil
}
