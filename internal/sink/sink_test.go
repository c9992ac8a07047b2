package sink

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/arborcore/peerflow/internal/metainfo"
)

func TestWritePieceSingleFile(t *testing.T) {
	dir := t.TempDir()
	info := &metainfo.Info{Name: "solo.bin", PieceLength: 10, Length: 25}

	s, err := New(info, dir)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	defer s.Close()

	if err := s.WritePiece(0, []byte("0123456789")); err != nil {
		t.Fatalf("WritePiece(0) error: %v", err)
	}
	if err := s.WritePiece(2, []byte("abcde")); err != nil {
		t.Fatalf("WritePiece(2) error: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(dir, "solo.bin"))
	if err != nil {
		t.Fatalf("ReadFile error: %v", err)
	}
	want := "0123456789\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00abcde"
	if string(got) != want {
		t.Fatalf("file contents = %q, want %q", got, want)
	}
}

// TestWritePieceSpansFileBoundary covers a piece whose bytes land in two
// different files of a multi-file torrent.
func TestWritePieceSpansFileBoundary(t *testing.T) {
	dir := t.TempDir()
	info := &metainfo.Info{
		Name:        "pack",
		PieceLength: 10,
		Files: []*metainfo.File{
			{Length: 6, Path: []string{"first.bin"}},
			{Length: 14, Path: []string{"second.bin"}},
		},
	}

	s, err := New(info, dir)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	defer s.Close()

	// Piece 0 covers content bytes [0,10): first 6 go to first.bin, the
	// remaining 4 are the start of second.bin.
	if err := s.WritePiece(0, []byte("AAAAAABBBB")); err != nil {
		t.Fatalf("WritePiece(0) error: %v", err)
	}

	first, err := os.ReadFile(filepath.Join(dir, "pack", "first.bin"))
	if err != nil {
		t.Fatalf("ReadFile(first): %v", err)
	}
	if string(first) != "AAAAAA" {
		t.Fatalf("first.bin = %q, want %q", first, "AAAAAA")
	}

	second, err := os.ReadFile(filepath.Join(dir, "pack", "second.bin"))
	if err != nil {
		t.Fatalf("ReadFile(second): %v", err)
	}
	wantSecond := "BBBB" + string(make([]byte, 10))
	if string(second) != wantSecond {
		t.Fatalf("second.bin = %q, want %q", second, wantSecond)
	}
}

func TestReadPieceRoundTrip(t *testing.T) {
	dir := t.TempDir()
	info := &metainfo.Info{Name: "solo.bin", PieceLength: 8, Length: 16}

	s, err := New(info, dir)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	defer s.Close()

	if err := s.WritePiece(1, []byte("deadbeef")); err != nil {
		t.Fatalf("WritePiece error: %v", err)
	}

	buf := make([]byte, 8)
	if err := s.ReadPiece(1, buf); err != nil {
		t.Fatalf("ReadPiece error: %v", err)
	}
	if string(buf) != "deadbeef" {
		t.Fatalf("ReadPiece = %q, want %q", buf, "deadbeef")
	}
}
