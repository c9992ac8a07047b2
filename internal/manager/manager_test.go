package manager

import (
	"context"
	"crypto/sha1"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/arborcore/peerflow/internal/metainfo"
	"github.com/arborcore/peerflow/internal/protocol"
)

func mustHash20(s string) [sha1.Size]byte {
	var a [sha1.Size]byte
	copy(a[:], []byte(s))
	return a
}

// listenOnce starts a one-shot TCP listener and hands the accepted
// connection to handle on a goroutine, returning the listener's address.
func listenOnce(t *testing.T, handle func(conn net.Conn)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		conn, err := ln.Accept()
		_ = ln.Close()
		if err != nil {
			return
		}
		defer conn.Close()
		handle(conn)
	}()
	return ln.Addr().String()
}

// fakePeerServer serves one full single-file download to whatever session
// connects: a bitfield claiming every piece, then request/piece exchanges
// for each (index, begin, length) it receives until the socket closes.
func fakePeerServer(t *testing.T, hash [sha1.Size]byte, content []byte, pieceCount int) func(net.Conn) {
	return func(conn net.Conn) {
		_, _ = protocol.ReadHandshake(conn)
		remote := protocol.NewHandshake(hash, mustHash20("remote_peer_id_00000"), false)
		_ = protocol.WriteHandshake(conn, *remote)

		bf := make([]byte, (pieceCount+7)/8)
		for i := 0; i < pieceCount; i++ {
			bf[i/8] |= 1 << (7 - uint(i%8))
		}
		_ = protocol.WriteMessage(conn, protocol.MessageBitfield(bf))

		if _, err := protocol.ReadMessage(conn); err != nil { // interested
			return
		}
		_ = protocol.WriteMessage(conn, protocol.MessageUnchoke())

		for {
			req, err := protocol.ReadMessage(conn)
			if err != nil {
				return
			}
			if req.ID != protocol.Request {
				continue
			}
			index, begin, length, ok := req.ParseRequest()
			if !ok {
				return
			}
			pieceStart := int64(index)*16384 + int64(begin)
			if err := protocol.WriteMessage(conn, protocol.MessagePiece(index, begin, content[pieceStart:pieceStart+int64(length)])); err != nil {
				return
			}
		}
	}
}

// TestManagerSingleFileSinglePeer drives spec.md's S1 scenario end to end
// through the Manager: one content peer, two fixed-size pieces, verified and
// written to the declared output file.
func TestManagerSingleFileSinglePeer(t *testing.T) {
	const pieceLen = 16384
	content := make([]byte, pieceLen*2)
	for i := range content {
		content[i] = byte(i)
	}
	d0 := sha1.Sum(content[:pieceLen])
	d1 := sha1.Sum(content[pieceLen:])

	hash := mustHash20("aaaaaaaaaaaaaaaaaaaa")
	mi := &metainfo.Metainfo{
		InfoHash: hash,
		Info: &metainfo.Info{
			Name:        "single.bin",
			PieceLength: pieceLen,
			Pieces:      [][sha1.Size]byte{d0, d1},
			Length:      int64(len(content)),
		},
	}

	addr := listenOnce(t, fakePeerServer(t, hash, content, 2))

	dir := t.TempDir()
	m, err := New(Opts{
		InfoHash:    hash,
		ClientID:    mustHash20("local_peer_id_000000"),
		BlockSize:   pieceLen,
		Metainfo:    mi,
		DownloadDir: dir,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	m.AdmitPeers([]string{addr})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- m.Run(ctx) }()

	deadline := time.After(4 * time.Second)
	for {
		if m.AllComplete() {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for download to complete")
		case <-time.After(20 * time.Millisecond):
		}
	}

	got, err := os.ReadFile(filepath.Join(dir, "single.bin"))
	if err != nil {
		t.Fatalf("read output file: %v", err)
	}
	if string(got) != string(content) {
		t.Fatalf("output file mismatch: got %d bytes, want %d", len(got), len(content))
	}

	cancel()
	<-runErr
}
