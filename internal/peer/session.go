// Package peer implements the peer wire session: one TCP connection driven
// through the handshake, an optional metadata-extension phase, and ordinary
// piece exchange (spec §4.3, "Peer Session").
//
// A Session owns no global state. It is handed a piece.Table to pull work
// from and a set of Callbacks to report progress through, so the manager
// package can coordinate many sessions without this package depending on
// it.
package peer

import (
	"context"
	"crypto/sha1"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arborcore/peerflow/internal/bitfield"
	"github.com/arborcore/peerflow/internal/config"
	"github.com/arborcore/peerflow/internal/piece"
	"github.com/arborcore/peerflow/internal/protocol"
	"golang.org/x/sync/errgroup"
)

const (
	maskAmChoking      = 1 << 0
	maskAmInterested   = 1 << 1
	maskPeerChoking    = 1 << 2
	maskPeerInterested = 1 << 3
)

// Mode selects which half of the session state machine a Session drives:
// reassembling the info dictionary over BEP 9, or exchanging the torrent's
// actual content.
type Mode int

const (
	ModeContent Mode = iota
	ModeMetadata
)

// Stats is a point-in-time snapshot of a session's counters, safe to copy
// and pass around freely (unlike counters, below, it holds no atomics).
type Stats struct {
	Downloaded       uint64
	Uploaded         uint64
	MessagesReceived uint64
	MessagesSent     uint64
	RequestsSent     uint64
	PiecesReceived   uint64
	Errors           uint64
	ConnectedAt      time.Time
	DisconnectedAt   time.Time
}

// counters holds the live, concurrently-updated per-connection counters a
// Session mutates in place; Stats() reads them into an immutable snapshot.
type counters struct {
	Downloaded       atomic.Uint64
	Uploaded         atomic.Uint64
	MessagesReceived atomic.Uint64
	MessagesSent     atomic.Uint64
	RequestsSent     atomic.Uint64
	PiecesReceived   atomic.Uint64
	Errors           atomic.Uint64
	ConnectedAt      time.Time
	DisconnectedAt   time.Time
}

// Callbacks lets the owning manager observe and drive a session without
// this package importing the manager package.
type Callbacks struct {
	OnBitfield      func(addr string, bf bitfield.Bitfield)
	OnHave          func(addr string, index int)
	OnDisconnect    func(addr string)
	OnPieceComplete func(addr string, index int, data []byte)

	// OnExtensionHandshake fires once the remote side's BEP 9 handshake has
	// been decoded. It returns the metadata Table to pull pieces into
	// (typically a table shared across every metadata-mode session for the
	// same torrent). The remote's ut_metadata id is taken from the remote
	// handshake itself, not from this callback.
	OnExtensionHandshake func(addr string, metadataSize int) (*piece.Table, error)

	// OnMetadataComplete fires once every metadata piece in the table has
	// arrived; the manager is expected to verify the assembled bytes
	// against the expected info hash and, on success, transition the swarm
	// into content mode.
	OnMetadataComplete func(addr string, table *piece.Table)
}

// Opts configures a new Session.
type Opts struct {
	Log                 *slog.Logger
	Mode                Mode
	InfoHash            [sha1.Size]byte
	PieceCount          int // bitfield size; 0 when unknown (pure metadata fetch)
	Table               *piece.Table
	BlockSize           int64
	MaxInflightRequests int
	Callbacks           Callbacks
}

// Session drives one peer connection end to end.
type Session struct {
	log    *slog.Logger
	conn   net.Conn
	addr   string
	mode   Mode
	table  *piece.Table
	cb     Callbacks

	blockSize     int64
	extMetadataID atomic.Uint32 // remote's local id for ut_metadata; 0 until learned

	state uint32
	stats counters

	bitfieldMu sync.RWMutex
	bf         bitfield.Bitfield

	lastActivityAt atomic.Int64
	outbox         chan *protocol.Message
	closeOnce      sync.Once
	stopped        atomic.Bool
	cancel         context.CancelFunc

	pendingMu sync.Mutex
	pending   map[int]chan struct{}
	extReady  chan struct{}
	rejected  map[int]bool
}

// Dial connects to addr, performs the BitTorrent handshake (requesting the
// extension bit when opts.Mode is ModeMetadata), and returns a ready Session.
// The caller must still call Run to start its I/O loops.
func Dial(ctx context.Context, addr string, opts Opts) (*Session, error) {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	log = log.With("addr", addr)

	cfg := config.Load()

	dialCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()
	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("peer: dial %s: %w", addr, err)
	}

	wantExtensions := opts.Mode == ModeMetadata
	local := protocol.NewHandshake(opts.InfoHash, cfg.ClientID, wantExtensions)
	remote, err := local.Exchange(conn, true)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("peer: handshake with %s: %w", addr, err)
	}
	if wantExtensions && !remote.SupportsExtensions() {
		_ = conn.Close()
		return nil, errors.New("peer: remote does not support the extension protocol")
	}

	blockSize := opts.BlockSize
	if blockSize <= 0 {
		blockSize = int64(cfg.BlockSize)
	}
	maxInflight := opts.MaxInflightRequests
	if maxInflight <= 0 {
		maxInflight = 8
	}

	s := &Session{
		log:       log,
		conn:      conn,
		addr:      addr,
		mode:      opts.Mode,
		table:     opts.Table,
		cb:        opts.Callbacks,
		blockSize: blockSize,
		bf:        bitfield.New(opts.PieceCount),
		outbox:    make(chan *protocol.Message, cfg.PeerOutboundQueueBacklog),
		pending:   make(map[int]chan struct{}),
	}
	s.setState(maskAmChoking|maskPeerChoking, true)
	s.lastActivityAt.Store(time.Now().UnixNano())
	s.stats.ConnectedAt = time.Now()

	return s, nil
}

// Addr returns the session's peer address, used as the table reservation
// owner key.
func (s *Session) Addr() string { return s.addr }

// Run drives the session's I/O and work loops until ctx is cancelled, the
// connection fails, or Close is called. When the metadata or content loop
// finishes, the read and write loops keep the connection open until one of
// those happens.
func (s *Session) Run(ctx context.Context) error {
	defer s.Close()

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return s.readLoop(gctx) })
	g.Go(func() error { return s.writeLoop(gctx) })

	switch s.mode {
	case ModeMetadata:
		g.Go(func() error { return s.metadataHandshakeAndLoop(gctx) })
	case ModeContent:
		s.enqueueMessage(protocol.MessageInterested())
		g.Go(func() error { return s.contentLoop(gctx) })
	}

	return g.Wait()
}

// Close tears the session down exactly once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.stopped.Store(true)
		if s.cancel != nil {
			s.cancel()
		}
		_ = s.conn.Close()
		close(s.outbox)
		s.stats.DisconnectedAt = time.Now()
		if s.cb.OnDisconnect != nil {
			s.cb.OnDisconnect(s.addr)
		}
		s.log.Debug("session closed")
	})
}

func (s *Session) readLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		msg, err := s.readMessage()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			return err
		}

		if err := s.handleMessage(msg); err != nil {
			return err
		}
	}
}

func (s *Session) writeLoop(ctx context.Context) error {
	cfg := config.Load()
	ticker := time.NewTicker(cfg.KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case msg, ok := <-s.outbox:
			if !ok {
				return nil
			}
			if err := s.writeMessage(msg); err != nil {
				return err
			}

		case <-ticker.C:
			last := time.Unix(0, s.lastActivityAt.Load())
			if time.Since(last) >= cfg.KeepAliveInterval {
				s.enqueueMessage(nil)
			}
		}
	}
}

func (s *Session) readMessage() (*protocol.Message, error) {
	cfg := config.Load()
	_ = s.conn.SetReadDeadline(time.Now().Add(cfg.ReadTimeout))
	defer s.conn.SetReadDeadline(time.Time{})

	msg, err := protocol.ReadMessage(s.conn)
	if err != nil {
		s.stats.Errors.Add(1)
		return nil, err
	}

	s.stats.MessagesReceived.Add(1)
	s.lastActivityAt.Store(time.Now().UnixNano())
	return msg, nil
}

func (s *Session) writeMessage(msg *protocol.Message) error {
	cfg := config.Load()
	_ = s.conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
	defer s.conn.SetWriteDeadline(time.Time{})

	if err := protocol.WriteMessage(s.conn, msg); err != nil {
		s.stats.Errors.Add(1)
		return err
	}

	s.stats.MessagesSent.Add(1)
	s.lastActivityAt.Store(time.Now().UnixNano())
	s.onMessageWritten(msg)
	return nil
}

func (s *Session) onMessageWritten(msg *protocol.Message) {
	if msg == nil {
		return
	}
	switch msg.ID {
	case protocol.Choke:
		s.setState(maskAmChoking, true)
	case protocol.Unchoke:
		s.setState(maskAmChoking, false)
	case protocol.Interested:
		s.setState(maskAmInterested, true)
	case protocol.NotInterested:
		s.setState(maskAmInterested, false)
	case protocol.Request:
		s.stats.RequestsSent.Add(1)
	}
}

func (s *Session) handleMessage(msg *protocol.Message) error {
	if protocol.IsKeepAlive(msg) {
		return nil
	}

	switch msg.ID {
	case protocol.Choke:
		s.setState(maskPeerChoking, true)
	case protocol.Unchoke:
		s.setState(maskPeerChoking, false)
	case protocol.Interested:
		s.setState(maskPeerInterested, true)
	case protocol.NotInterested:
		s.setState(maskPeerInterested, false)

	case protocol.Bitfield:
		bf := bitfield.FromBytes(msg.Payload)
		s.bitfieldMu.Lock()
		s.bf = bf
		s.bitfieldMu.Unlock()
		if s.cb.OnBitfield != nil {
			s.cb.OnBitfield(s.addr, bf)
		}

	case protocol.Have:
		index, ok := msg.ParseHave()
		if !ok {
			return errors.New("peer: malformed have message")
		}
		s.bitfieldMu.Lock()
		s.bf.Set(int(index))
		s.bitfieldMu.Unlock()
		if s.cb.OnHave != nil {
			s.cb.OnHave(s.addr, int(index))
		}

	case protocol.Piece:
		index, begin, block, ok := msg.ParsePiece()
		if !ok {
			return errors.New("peer: malformed piece message")
		}
		s.stats.PiecesReceived.Add(1)
		s.stats.Downloaded.Add(uint64(len(block)))
		if err := s.table.RecordBlock(int(index), s.addr, int64(begin), block); err != nil {
			s.log.Warn("record block failed", "piece", index, "error", err.Error())
		}
		s.signalPending(int(index))

	case protocol.Request, protocol.Cancel:
		// Uploading is out of scope; requests from peers are acknowledged
		// by the wire layer and otherwise ignored.

	case protocol.Extended:
		return s.handleExtended(msg)

	default:
		return fmt.Errorf("peer: unhandled message id %d", msg.ID)
	}

	return nil
}

func (s *Session) enqueueMessage(msg *protocol.Message) bool {
	if s.stopped.Load() {
		return false
	}
	select {
	case s.outbox <- msg:
		return true
	default:
		return false
	}
}

func (s *Session) getState(mask uint32) bool { return atomic.LoadUint32(&s.state)&mask != 0 }

func (s *Session) setState(mask uint32, on bool) {
	for {
		old := atomic.LoadUint32(&s.state)
		next := old &^ mask
		if on {
			next = old | mask
		}
		if atomic.CompareAndSwapUint32(&s.state, old, next) {
			return
		}
	}
}

func (s *Session) AmChoking() bool      { return s.getState(maskAmChoking) }
func (s *Session) AmInterested() bool   { return s.getState(maskAmInterested) }
func (s *Session) PeerChoking() bool    { return s.getState(maskPeerChoking) }
func (s *Session) PeerInterested() bool { return s.getState(maskPeerInterested) }

// trackPiece/untrackPiece/signalPending implement the block-arrival signal
// the request loops below wait on: each outstanding piece gets a buffered
// channel that readLoop pings once per recorded block.
func (s *Session) trackPiece(index int) chan struct{} {
	ch := make(chan struct{}, 64)
	s.pendingMu.Lock()
	s.pending[index] = ch
	s.pendingMu.Unlock()
	return ch
}

func (s *Session) untrackPiece(index int) {
	s.pendingMu.Lock()
	delete(s.pending, index)
	s.pendingMu.Unlock()
}

func (s *Session) signalPending(index int) {
	s.pendingMu.Lock()
	ch := s.pending[index]
	s.pendingMu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Stats returns a point-in-time snapshot of this session's counters.
func (s *Session) Stats() Stats {
	return Stats{
		Downloaded:       s.stats.Downloaded.Load(),
		Uploaded:         s.stats.Uploaded.Load(),
		MessagesReceived: s.stats.MessagesReceived.Load(),
		MessagesSent:     s.stats.MessagesSent.Load(),
		RequestsSent:     s.stats.RequestsSent.Load(),
		PiecesReceived:   s.stats.PiecesReceived.Load(),
		Errors:           s.stats.Errors.Load(),
		ConnectedAt:      s.stats.ConnectedAt,
		DisconnectedAt:   s.stats.DisconnectedAt,
	}
}
