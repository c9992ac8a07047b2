package tracker

import (
	"context"
	"crypto/sha1"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/arborcore/peerflow/internal/bencode"
)

func TestAnnounceParsesCompactPeers(t *testing.T) {
	compact := []byte{127, 0, 0, 1, 0x1A, 0xE1} // 127.0.0.1:6881

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := bencode.Marshal(map[string]any{
			"interval": int64(1800),
			"complete": int64(3),
			"incomplete": int64(1),
			"peers":    string(compact),
		})
		w.Write(body)
	}))
	defer srv.Close()

	c, err := New(srv.URL, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var hash, peerID [sha1.Size]byte
	resp, err := c.Announce(context.Background(), AnnounceParams{
		InfoHash: hash,
		PeerID:   peerID,
		Port:     6881,
		Left:     1000,
		Event:    EventStarted,
	})
	if err != nil {
		t.Fatalf("Announce: %v", err)
	}

	if resp.Interval.Seconds() != 1800 {
		t.Errorf("interval = %v, want 1800s", resp.Interval)
	}
	if resp.Seeders != 3 || resp.Leechers != 1 {
		t.Errorf("seeders/leechers = %d/%d, want 3/1", resp.Seeders, resp.Leechers)
	}
	if len(resp.Peers) != 1 {
		t.Fatalf("got %d peers, want 1", len(resp.Peers))
	}
	if resp.Peers[0].String() != "127.0.0.1:6881" {
		t.Errorf("peer = %s, want 127.0.0.1:6881", resp.Peers[0])
	}
}

func TestAnnounceSurfacesFailureReason(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := bencode.Marshal(map[string]any{"failure reason": "torrent not found"})
		w.Write(body)
	}))
	defer srv.Close()

	c, _ := New(srv.URL, nil)
	_, err := c.Announce(context.Background(), AnnounceParams{})
	if err == nil {
		t.Fatalf("expected an error from a failure-reason response")
	}
}
