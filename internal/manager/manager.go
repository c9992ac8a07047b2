// Package manager implements the Manager component of spec §4.4: it owns
// the shared piece.Table and sink.Sink for one torrent, spawns a peer.Session
// per tracker-supplied address, and publishes the swarm's global termination
// condition (AllComplete).
//
// In metadata mode it also owns the one-time transition from a metadata
// piece.Table to the content piece.Table once the info dictionary has been
// reassembled and validated against the info hash (spec §4.3 step 4,
// "metadata_downloading").
//
// Ported from the teacher's pkg/peer.Manager (golang.org/x/sync/errgroup
// dial-pool pattern), generalized to drive peer.Session instead of the
// teacher's own Peer type and to own the metadata->content handoff the
// teacher never implements.
package manager

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arborcore/peerflow/internal/config"
	"github.com/arborcore/peerflow/internal/metainfo"
	"github.com/arborcore/peerflow/internal/peer"
	"github.com/arborcore/peerflow/internal/piece"
	"github.com/arborcore/peerflow/internal/sink"
	"github.com/arborcore/peerflow/internal/syncmap"
	"golang.org/x/sync/errgroup"
)

// ErrNoPeers reports that no peer addresses were supplied. Run does not
// return it: with no addresses admitted, Run keeps waiting on AdmitPeers
// until ctx is cancelled.
var ErrNoPeers = errors.New("manager: no peer addresses supplied")

// Opts configures a Manager for a single torrent/swarm.
type Opts struct {
	Log       *slog.Logger
	InfoHash  [sha1.Size]byte
	ClientID  [sha1.Size]byte
	BlockSize int64

	// Metainfo is the already-known content descriptor (content mode). Nil
	// selects metadata mode: the Manager starts with no content Table and
	// installs one once the swarm's metadata extension assembles it.
	Metainfo *metainfo.Metainfo

	// DownloadDir is where the File Sink materializes completed files; used
	// only once Metainfo (or its metadata-mode reconstruction) is known.
	DownloadDir string

	// MaxInflightRequests is passed to every peer session. Sessions do not
	// limit their requests by it: a content session requests every block of
	// its reserved piece at once, and a metadata session one piece at a time.
	MaxInflightRequests int
}

// Manager coordinates every Peer Session for one swarm against one shared
// Piece Table and File Sink (spec §4.4).
type Manager struct {
	log       *slog.Logger
	infoHash  [sha1.Size]byte
	clientID  [sha1.Size]byte
	blockSize int64
	maxInFlt  int

	downloadDir string

	mu       sync.Mutex
	table    *piece.Table // content table once known; nil in pure metadata mode
	metaTbl  *piece.Table // metadata table while reassembling the info dict
	metainfo *metainfo.Info
	fileSink *sink.Sink

	sessions *syncmap.Map[string, *peer.Session]

	addrCh chan string
	done   chan struct{}
	doneMu sync.Once

	runCtx atomic.Value // context.Context captured by Run, used to respawn sessions
}

// New constructs a Manager. When opts.Metainfo is nil the Manager starts in
// metadata mode; otherwise it is immediately ready to download content.
func New(opts Opts) (*Manager, error) {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "manager", "info_hash", hex.EncodeToString(opts.InfoHash[:]))

	blockSize := opts.BlockSize
	if blockSize <= 0 {
		blockSize = int64(config.Load().BlockSize)
	}

	m := &Manager{
		log:         log,
		infoHash:    opts.InfoHash,
		clientID:    opts.ClientID,
		blockSize:   blockSize,
		maxInFlt:    opts.MaxInflightRequests,
		downloadDir: opts.DownloadDir,
		sessions:    syncmap.New[string, *peer.Session](),
		addrCh:      make(chan string, 256),
		done:        make(chan struct{}),
	}

	if opts.Metainfo != nil {
		if err := m.installContentTable(opts.Metainfo); err != nil {
			return nil, err
		}
	}

	return m, nil
}

// AdmitPeers queues addresses (host:port) for the Manager to dial. Safe to
// call concurrently with Run, any number of times (spec §4.4, "spawns one
// Peer Session per tracker-supplied address").
func (m *Manager) AdmitPeers(addrs []string) {
	for _, addr := range addrs {
		select {
		case m.addrCh <- addr:
		default:
			m.log.Warn("peer queue full, dropping address", "addr", addr)
		}
	}
}

// Run dials every admitted address and blocks until the swarm completes or
// ctx is cancelled. It keeps waiting even when every session has exited.
func (m *Manager) Run(ctx context.Context) error {
	m.runCtx.Store(ctx)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return m.dialLoop(gctx) })
	g.Go(func() error { return m.watchCompletion(gctx) })

	err := g.Wait()
	m.closeSink()
	return err
}

func (m *Manager) dialLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-m.done:
			return nil
		case addr, ok := <-m.addrCh:
			if !ok {
				return nil
			}
			m.spawn(ctx, addr)
		}
	}
}

func (m *Manager) spawn(ctx context.Context, addr string) {
	if _, exists := m.sessions.Get(addr); exists {
		return
	}

	go func() {
		mode := peer.ModeContent
		var table *piece.Table
		var pieceCount int

		m.mu.Lock()
		if m.table != nil {
			table = m.table
			pieceCount = table.Count()
		} else {
			mode = peer.ModeMetadata
			table = m.metaTbl // may be nil; filled in by OnExtensionHandshake
		}
		m.mu.Unlock()

		sess, err := peer.Dial(ctx, addr, peer.Opts{
			Log:                 m.log,
			Mode:                mode,
			InfoHash:            m.infoHash,
			PieceCount:          pieceCount,
			Table:               table,
			BlockSize:           m.blockSize,
			MaxInflightRequests: m.maxInFlt,
			Callbacks: peer.Callbacks{
				OnPieceComplete:      m.onPieceComplete,
				OnExtensionHandshake: m.onExtensionHandshake,
				OnMetadataComplete:   m.onMetadataComplete,
				OnDisconnect:         m.onDisconnect,
			},
		})
		if err != nil {
			m.log.Debug("dial failed", "addr", addr, "error", err.Error())
			return
		}

		m.sessions.Put(addr, sess)

		if err := sess.Run(ctx); err != nil {
			m.log.Debug("session ended", "addr", addr, "error", err.Error())
		}
	}()
}

func (m *Manager) onDisconnect(addr string) {
	m.sessions.Delete(addr)
}

// ActivePeers returns how many peer sessions are currently live.
func (m *Manager) ActivePeers() int { return m.sessions.Len() }

// onExtensionHandshake is invoked by the first session to complete the BEP 9
// handshake; it creates the shared metadata Table exactly once (spec §4.3
// step 3, "if the Piece Table is still empty, create... metadata pieces").
func (m *Manager) onExtensionHandshake(_ string, metadataSize int) (*piece.Table, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.table != nil {
		// Content table already installed by a prior metadata completion;
		// nothing further to negotiate.
		return nil, nil
	}
	if m.metaTbl == nil {
		m.metaTbl = piece.NewMetadataTable(int64(metadataSize))
	}
	return m.metaTbl, nil
}

// onMetadataComplete is invoked once a session observes every metadata piece
// assembled. It reassembles the info dictionary, verifies it against the
// swarm's info hash, and installs the content table (spec §4.3 step 4).
func (m *Manager) onMetadataComplete(_ string, table *piece.Table) {
	m.mu.Lock()
	if m.table != nil {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	buf := make([]byte, 0, table.Count()*piece.MetadataPieceSize)
	for i := 0; i < table.Count(); i++ {
		b, err := table.Bytes(i)
		if err != nil {
			m.log.Error("metadata reassembly: missing piece", "piece", i, "error", err.Error())
			return
		}
		buf = append(buf, b...)
	}

	info, gotHash, err := metainfo.ParseInfo(buf)
	if err != nil {
		m.log.Error("metadata reassembly: parse failed", "error", err.Error())
		return
	}
	if gotHash != m.infoHash {
		m.log.Error("metadata reassembly: info hash mismatch")
		return
	}

	if err := m.installContentTable(&metainfo.Metainfo{Info: info, InfoHash: gotHash}); err != nil {
		m.log.Error("install content table", "error", err.Error())
		return
	}

	m.migrateToContentMode()
}

// installContentTable builds the content piece.Table and File Sink from a
// resolved descriptor and switches every future-spawned session into
// ModeContent.
func (m *Manager) installContentTable(mi *metainfo.Metainfo) error {
	fs, err := sink.New(mi.Info, m.downloadDir)
	if err != nil {
		return fmt.Errorf("manager: create sink: %w", err)
	}

	m.mu.Lock()
	m.metainfo = mi.Info
	m.fileSink = fs
	m.table = piece.NewContentTable(mi.Info.Size(), mi.Info.PieceLength, m.blockSize, mi.Info.Pieces)
	m.mu.Unlock()
	return nil
}

// migrateToContentMode closes every currently-connected metadata-mode
// session and immediately re-dials the same addresses, now that m.table is
// installed (spec §4.3 step 4, "metadata_downloading" -> "interested_wait").
// A metadata-only session has no content bitfield of its own and no
// contentLoop running, so in-place mode switching would need to fabricate
// peer availability; re-dialing instead gets each peer's real content
// bitfield and follows the same ModeContent path every tracker-sourced
// address already takes in spawn.
func (m *Manager) migrateToContentMode() {
	ctxVal := m.runCtx.Load()
	if ctxVal == nil {
		return
	}
	ctx := ctxVal.(context.Context)

	type liveSession struct {
		addr string
		sess *peer.Session
	}
	var live []liveSession
	m.sessions.Range(func(addr string, sess *peer.Session) bool {
		live = append(live, liveSession{addr, sess})
		return true
	})

	for _, ls := range live {
		ls.sess.Close()
		m.sessions.Delete(ls.addr)
		m.spawn(ctx, ls.addr)
	}
}

// onPieceComplete hands a verified piece's bytes to the File Sink and
// broadcasts completion; it never needs to fan out a "have" to other
// sessions for correctness (uploading is out of scope), only to let
// AllComplete propagate through watchCompletion.
func (m *Manager) onPieceComplete(addr string, index int, data []byte) {
	m.mu.Lock()
	fs := m.fileSink
	m.mu.Unlock()

	if fs == nil {
		m.log.Warn("piece completed with no sink installed", "addr", addr, "piece", index)
		return
	}
	if err := fs.WritePiece(index, data); err != nil {
		m.log.Error("sink write failed", "addr", addr, "piece", index, "error", err.Error())
	}
}

func (m *Manager) watchCompletion(ctx context.Context) error {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if m.AllComplete() {
				m.doneMu.Do(func() { close(m.done) })
				return nil
			}
		}
	}
}

// AllComplete reports whether the content table (once installed) has every
// piece verified. It is always false in metadata mode before the content
// table exists.
func (m *Manager) AllComplete() bool {
	m.mu.Lock()
	table := m.table
	m.mu.Unlock()
	return table != nil && table.AllComplete()
}

// Progress returns (completed, total) content pieces, or (0, 0) before the
// descriptor is known.
func (m *Manager) Progress() (completed, total int) {
	m.mu.Lock()
	table := m.table
	m.mu.Unlock()
	if table == nil {
		return 0, 0
	}
	return table.CompletedCount(), table.Count()
}

// Info returns the resolved content descriptor, or nil if it is not yet
// known (pure metadata mode, still downloading).
func (m *Manager) Info() *metainfo.Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.metainfo
}

func (m *Manager) closeSink() {
	m.mu.Lock()
	fs := m.fileSink
	m.mu.Unlock()
	if fs != nil {
		if err := fs.Close(); err != nil {
			m.log.Warn("close sink", "error", err.Error())
		}
	}
}
