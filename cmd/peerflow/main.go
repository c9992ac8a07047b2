// Command peerflow is a thin CLI wrapping the core: it parses a .torrent
// file or a raw info-hash, resolves peer addresses (flags or a tracker
// announce), and runs the Manager until every declared file is complete.
//
// Everything spec.md names as an external collaborator — CLI parsing,
// progress reporting, tracker announcing, magnet-URI parsing — lives here
// and in internal/tracker, never inside internal/manager, internal/peer, or
// internal/piece.
package main

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/arborcore/peerflow/internal/config"
	"github.com/arborcore/peerflow/internal/logging"
	"github.com/arborcore/peerflow/internal/manager"
	"github.com/arborcore/peerflow/internal/metainfo"
	"github.com/arborcore/peerflow/internal/tracker"
)

type peerList []string

func (p *peerList) String() string { return strings.Join(*p, ",") }
func (p *peerList) Set(v string) error {
	*p = append(*p, v)
	return nil
}

func main() {
	setupLogger()

	var (
		torrentPath = flag.String("torrent", "", "path to a .torrent file (content mode)")
		infoHashHex = flag.String("infohash", "", "40-char hex info hash (metadata-only mode)")
		announce    = flag.String("announce", "", "tracker announce URL (optional if -peer is used)")
		downloadDir = flag.String("out", "./complete", "output directory for completed files")
		peers       peerList
	)
	flag.Var(&peers, "peer", "peer address host:port (repeatable)")
	flag.Parse()

	if err := run(*torrentPath, *infoHashHex, *announce, *downloadDir, peers); err != nil {
		slog.Error("peerflow: fatal", "error", err.Error())
		os.Exit(1)
	}
}

func run(torrentPath, infoHashHex, announce, downloadDir string, explicitPeers peerList) error {
	if torrentPath == "" && infoHashHex == "" {
		return fmt.Errorf("one of -torrent or -infohash is required")
	}
	if torrentPath != "" && infoHashHex != "" {
		return fmt.Errorf("-torrent and -infohash are mutually exclusive")
	}

	cfg := config.Default()
	cfg.DownloadDir = downloadDir
	config.Swap(cfg)

	var (
		mi       *metainfo.Metainfo
		infoHash [sha1.Size]byte
	)

	switch {
	case torrentPath != "":
		data, err := os.ReadFile(torrentPath)
		if err != nil {
			return fmt.Errorf("read torrent file: %w", err)
		}
		mi, err = metainfo.ParseMetainfo(data)
		if err != nil {
			return fmt.Errorf("parse torrent file: %w", err)
		}
		infoHash = mi.InfoHash
		if announce == "" {
			announce = mi.Announce
		}

	default:
		raw, err := hex.DecodeString(infoHashHex)
		if err != nil || len(raw) != sha1.Size {
			return fmt.Errorf("-infohash must be a 40-char hex SHA-1")
		}
		copy(infoHash[:], raw)
	}

	m, err := manager.New(manager.Opts{
		InfoHash:    infoHash,
		ClientID:    cfg.ClientID,
		BlockSize:   int64(cfg.BlockSize),
		Metainfo:    mi,
		DownloadDir: downloadDir,
	})
	if err != nil {
		return fmt.Errorf("construct manager: %w", err)
	}

	addrs := append([]string(nil), explicitPeers...)
	if announce != "" {
		fromTracker, err := announceOnce(infoHash, cfg.ClientID, announce)
		if err != nil {
			slog.Warn("tracker announce failed, continuing with explicit peers only", "error", err.Error())
		} else {
			addrs = append(addrs, fromTracker...)
		}
	}
	if len(addrs) == 0 {
		return fmt.Errorf("no peer addresses: supply -peer or a working -announce URL")
	}
	m.AdmitPeers(addrs)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case err := <-done:
			completed, total := m.Progress()
			slog.Info("download finished", "completed", completed, "total", total)
			return err
		case <-ticker.C:
			completed, total := m.Progress()
			slog.Info("progress", "completed", completed, "total", total)
		}
	}
}

func announceOnce(infoHash, clientID [sha1.Size]byte, announceURL string) ([]string, error) {
	client, err := tracker.New(announceURL, slog.Default())
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	resp, err := client.Announce(ctx, tracker.AnnounceParams{
		InfoHash: infoHash,
		PeerID:   clientID,
		Port:     6881,
		Event:    tracker.EventStarted,
		NumWant:  50,
	})
	if err != nil {
		return nil, err
	}

	addrs := make([]string, 0, len(resp.Peers))
	for _, p := range resp.Peers {
		addrs = append(addrs, p.String())
	}
	return addrs, nil
}

func setupLogger() {
	opts := logging.DefaultOptions()
	opts.SlogOpts.Level = slog.LevelInfo
	h := logging.NewPrettyHandler(os.Stdout, &opts)
	slog.SetDefault(slog.New(h))
}
