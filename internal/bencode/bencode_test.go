package bencode

import (
	"reflect"
	"testing"
)

func TestDecodeOK(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want any
	}{
		{"string", "4:spam", any("spam")},
		{"empty-string", "0:", any("")},
		{"int-neg", "i-1e", any(int64(-1))},
		{"int-zero", "i0e", any(int64(0))},
		{"list", "l4:spami1ee", any([]any{"spam", int64(1)})},
		{
			"dict",
			"d1:ai1e1:bl1:xi3eee",
			any(map[string]any{"a": int64(1), "b": []any{"x", int64(3)}}),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Unmarshal([]byte(tt.in))
			if err != nil {
				t.Fatalf("Unmarshal(%q) error = %v", tt.in, err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("Unmarshal(%q) = %#v, want %#v", tt.in, got, tt.want)
			}
		})
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	tests := []string{
		"i01e",   // leading zero
		"i-0e",   // negative zero
		"i-e",    // lone minus
		"5:abc",  // short string
		"de",     // fine actually — empty dict; excluded below
		"l1:a",   // unterminated list
		"d1:ae",  // value missing for key
		"",       // empty input
		"x",      // unknown token
	}

	for _, in := range tests {
		if in == "de" {
			continue
		}
		if _, err := Unmarshal([]byte(in)); err == nil {
			t.Fatalf("Unmarshal(%q) expected error, got none", in)
		}
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	values := []any{
		int64(0),
		int64(-42),
		"hello world",
		[]any{int64(1), "two", []any{"three"}},
		map[string]any{"z": int64(1), "a": int64(2), "m": "mid"},
	}

	for _, v := range values {
		enc, err := Marshal(v)
		if err != nil {
			t.Fatalf("Marshal(%#v) error = %v", v, err)
		}
		dec, err := Unmarshal(enc)
		if err != nil {
			t.Fatalf("Unmarshal(%q) error = %v", enc, err)
		}
		if !reflect.DeepEqual(dec, v) {
			t.Fatalf("round trip mismatch: got %#v, want %#v", dec, v)
		}
	}
}

func TestEncodeDictKeysSorted(t *testing.T) {
	enc, err := Marshal(map[string]any{"b": int64(2), "a": int64(1)})
	if err != nil {
		t.Fatalf("Marshal error = %v", err)
	}
	want := "d1:ai1e1:bi2ee"
	if string(enc) != want {
		t.Fatalf("Marshal = %q, want %q", enc, want)
	}
}

// TestDecodeValueSplit exercises the length-tracking decode used to locate
// the raw-byte tail of an extension metadata "data" message: a bencoded
// dict immediately followed by raw bytes that may themselves contain the
// literal bytes "ee" without being mistaken for the dict's terminator.
func TestDecodeValueSplit(t *testing.T) {
	dict := "d8:msg_typei1e5:piecei0ee"
	raw := []byte("piece-bytes-with-ee-inside-them")
	input := append([]byte(dict), raw...)

	value, consumed, err := DecodeValue(input)
	if err != nil {
		t.Fatalf("DecodeValue error = %v", err)
	}
	if consumed != len(dict) {
		t.Fatalf("consumed = %d, want %d", consumed, len(dict))
	}

	m, ok := value.(map[string]any)
	if !ok {
		t.Fatalf("decoded value is %T, want map[string]any", value)
	}
	if m["msg_type"] != int64(1) || m["piece"] != int64(0) {
		t.Fatalf("unexpected dict contents: %#v", m)
	}

	tail := input[consumed:]
	if string(tail) != string(raw) {
		t.Fatalf("tail = %q, want %q", tail, raw)
	}
}
