package protocol

import (
	"bytes"
	"io"
	"testing"
)

func TestMessageKeepAliveMarshalUnmarshal(t *testing.T) {
	var m *Message
	b, err := m.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary keep-alive error: %v", err)
	}
	if want := []byte{0, 0, 0, 0}; !bytes.Equal(b, want) {
		t.Fatalf("keep-alive encoded = %v, want %v", b, want)
	}

	var dec Message
	if err := (&dec).UnmarshalBinary(b); err != nil {
		t.Fatalf("UnmarshalBinary keep-alive: %v", err)
	}
	if dec.ID != 0 || dec.Payload != nil {
		t.Fatalf("decoded keep-alive unexpected: %+v", dec)
	}
}

func TestMessageConstructorsAndParsers(t *testing.T) {
	m := MessageHave(42)
	if idx, ok := m.ParseHave(); !ok || idx != 42 {
		t.Fatalf("ParseHave = (%d,%v), want (42,true)", idx, ok)
	}

	m = MessageRequest(7, 16, 16384)
	i, b, l, ok := m.ParseRequest()
	if !ok || i != 7 || b != 16 || l != 16384 {
		t.Fatalf("ParseRequest got (%d,%d,%d,%v)", i, b, l, ok)
	}

	block := []byte("data block")
	m = MessagePiece(3, 32, block)
	pi, pb, blk, ok := m.ParsePiece()
	if !ok || pi != 3 || pb != 32 || !bytes.Equal(blk, block) {
		t.Fatalf("ParsePiece mismatch")
	}

	m = MessageExtended(1, []byte("d1:ai1ee"))
	extID, body, ok := m.ParseExtended()
	if !ok || extID != 1 || string(body) != "d1:ai1ee" {
		t.Fatalf("ParseExtended mismatch: id=%d body=%q ok=%v", extID, body, ok)
	}
	if err := m.ValidatePayloadSize(); err != nil {
		t.Fatalf("ValidatePayloadSize(Extended) err: %v", err)
	}
}

func TestMessageRoundTripWriteToReadFrom(t *testing.T) {
	msgs := []*Message{
		MessageChoke(),
		MessageBitfield([]byte{0xff, 0x00}),
		MessageRequest(1, 2, 3),
		MessagePiece(1, 0, []byte("hello")),
		MessageExtended(0, []byte("d1:mde12:metadata_sizei100ee")),
	}

	for _, m := range msgs {
		var buf bytes.Buffer
		if _, err := m.WriteTo(&buf); err != nil {
			t.Fatalf("WriteTo error: %v", err)
		}

		got, err := ReadMessage(&buf)
		if err != nil {
			t.Fatalf("ReadMessage error: %v", err)
		}
		if got.ID != m.ID || !bytes.Equal(got.Payload, m.Payload) {
			t.Fatalf("round trip mismatch: got %+v, want %+v", got, m)
		}
	}
}

// TestMessageSplitAcrossReads mirrors the "partial frame" scenario: a
// request message's 17-byte wire frame arrives split into writes of 5 and
// 12 bytes, so the length prefix and id arrive before the request body.
// ReadMessage must still decode exactly one message once the full frame is
// available.
func TestMessageSplitAcrossReads(t *testing.T) {
	m := MessageRequest(1, 2, 16384)
	full, err := m.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary error: %v", err)
	}
	if len(full) != 17 {
		t.Fatalf("expected a 17-byte frame, got %d", len(full))
	}

	r, w := io.Pipe()
	go func() {
		w.Write(full[:5])
		w.Write(full[5:])
		w.Close()
	}()

	got, err := ReadMessage(r)
	if err != nil {
		t.Fatalf("ReadMessage error: %v", err)
	}
	idx, begin, length, ok := got.ParseRequest()
	if !ok || idx != 1 || begin != 2 || length != 16384 {
		t.Fatalf("unexpected decoded request: idx=%d begin=%d length=%d ok=%v", idx, begin, length, ok)
	}
}
