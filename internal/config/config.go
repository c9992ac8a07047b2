// Package config holds the tunables the core consumes (§6 of the spec):
// block size, timeouts, and the local peer identity. It never reads files
// or flags itself — cmd/peerflow is responsible for populating it.
package config

import (
	"crypto/rand"
	"crypto/sha1"
	"time"
)

// Config defines behavior and resource limits for a torrent download.
type Config struct {
	// ClientID is this process's 20-byte BitTorrent peer id.
	ClientID [sha1.Size]byte

	// BlockSize is the fixed block length requested from peers. Default
	// 16384 per spec §3.
	BlockSize uint32

	// DialTimeout bounds the TCP connect step of a peer session.
	DialTimeout time.Duration

	// ReadTimeout/WriteTimeout bound a single socket read/write; they are
	// the mechanism by which a stalled peer eventually notices
	// all_complete() or a cancelled context (spec §5, "Cancellation").
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// KeepAliveInterval is the idle threshold after which a peer session
	// sends a keep-alive frame.
	KeepAliveInterval time.Duration

	// ReservationBackoff is the fixed delay a peer session waits before
	// retrying reserve_next when no piece was reservable (spec §4.3,
	// "Request scheduling within a reservation").
	ReservationBackoff time.Duration

	// PeerOutboundQueueBacklog bounds a peer session's outbound message
	// channel.
	PeerOutboundQueueBacklog int

	// DownloadDir is where the file sink materializes completed files.
	DownloadDir string
}

// Default returns sensible defaults for most use cases.
func Default() Config {
	clientID, err := generateClientID()
	if err != nil {
		// crypto/rand failing is unrecoverable; fall back to a
		// deterministic-but-valid id rather than propagate an error from
		// a package-level default.
		copy(clientID[:], []byte("-PF0001-fallback000"))
	}

	return Config{
		ClientID:                 clientID,
		BlockSize:                16 * 1024,
		DialTimeout:              10 * time.Second,
		ReadTimeout:              10 * time.Second,
		WriteTimeout:             10 * time.Second,
		KeepAliveInterval:        90 * time.Second,
		ReservationBackoff:       100 * time.Millisecond,
		PeerOutboundQueueBacklog: 64,
		DownloadDir:              "./complete",
	}
}

func generateClientID() ([sha1.Size]byte, error) {
	var id [sha1.Size]byte
	prefix := []byte("-PF0001-")
	copy(id[:], prefix)

	if _, err := rand.Read(id[len(prefix):]); err != nil {
		return id, err
	}
	return id, nil
}
