// Package bencode implements a minimal bencode codec: integers (i<n>e),
// byte strings (<len>:<bytes>), lists (l...e), and dictionaries (d...e,
// keys sorted on encode). It backs the metainfo descriptor, the tracker
// announce response, and the metadata extension's sub-messages (spec §4.1).
package bencode

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
)

// Token identifies syntactic markers in the bencode stream.
type Token byte

func (t Token) Byte() byte { return byte(t) }

const (
	TokenDict            Token = 'd'
	TokenInteger         Token = 'i'
	TokenEnding          Token = 'e'
	TokenList            Token = 'l'
	TokenStringSeparator Token = ':'
)

// Decoder reads bencoded values from an in-memory byte slice using a
// *bytes.Reader rather than a buffered reader, so that the number of bytes
// consumed by a single Decode can be recovered exactly (initial length minus
// r.Len()). This is what lets the extension metadata message (spec §4.1,
// "Extension metadata piece") locate the raw-byte tail that follows the
// bencoded dictionary without the unsafe "search for the literal bytes ee"
// shortcut the spec's §9 Open Question calls out.
type Decoder struct {
	r         *bytes.Reader
	maxDepth  int
	maxStrLen int64
	maxDigits int
}

// NewDecoder returns a new Decoder reading from data with conservative
// limits against malicious/malformed input.
func NewDecoder(data []byte) *Decoder {
	return &Decoder{
		r:         bytes.NewReader(data),
		maxDepth:  512,
		maxStrLen: 64 << 20, // 64 MiB; generous enough for a metadata piece or a large multi-file descriptor
		maxDigits: 19,
	}
}

// Unmarshal parses a single complete bencoded value from data and returns
// it. It is an error for trailing bytes to remain after the value — use
// DecodeValue when the caller needs to know where the value ended (e.g. to
// recover bytes following it in the same message).
func Unmarshal(data []byte) (any, error) {
	d := NewDecoder(data)
	v, err := d.Decode()
	if err != nil {
		return nil, err
	}
	if d.r.Len() != 0 {
		return nil, fmt.Errorf("bencode: trailing data after first value")
	}
	return v, nil
}

// DecodeValue parses a single bencoded value from the front of data and
// returns it along with the number of bytes it consumed. Any bytes after
// that offset are untouched and may be raw (non-bencoded) payload, as in
// the metadata extension's "data" message.
func DecodeValue(data []byte) (value any, consumed int, err error) {
	d := NewDecoder(data)
	v, err := d.Decode()
	if err != nil {
		return nil, 0, err
	}
	return v, len(data) - d.r.Len(), nil
}

// Decode parses and returns the next bencoded value. The result is one of
// int64, string, []any, or map[string]any.
func (d *Decoder) Decode() (any, error) { return d.decode(0) }

func (d *Decoder) decode(depth int) (any, error) {
	if depth > d.maxDepth {
		return nil, errors.New("bencode: max depth exceeded")
	}

	delim, err := d.r.ReadByte()
	if err != nil {
		return nil, err
	}

	switch delim {
	case byte(TokenDict):
		return d.decodeDict(depth + 1)
	case byte(TokenList):
		return d.decodeList(depth + 1)
	case byte(TokenInteger):
		return d.decodeInteger()
	default:
		if err := d.r.UnreadByte(); err != nil {
			return nil, err
		}
		return d.decodeString()
	}
}

func (d *Decoder) peekByte() (byte, error) {
	b, err := d.r.ReadByte()
	if err != nil {
		return 0, err
	}
	_ = d.r.UnreadByte()
	return b, nil
}

func (d *Decoder) decodeDict(depth int) (map[string]any, error) {
	dict := make(map[string]any, 8)

	for {
		next, err := d.peekByte()
		if err != nil {
			return nil, err
		}
		if next == byte(TokenEnding) {
			d.r.ReadByte()
			break
		}

		k, err := d.decodeString()
		if err != nil {
			return nil, err
		}
		v, err := d.decode(depth + 1)
		if err != nil {
			return nil, err
		}
		dict[k] = v
	}

	return dict, nil
}

func (d *Decoder) decodeList(depth int) ([]any, error) {
	var list []any

	for {
		next, err := d.peekByte()
		if err != nil {
			return nil, err
		}
		if next == byte(TokenEnding) {
			d.r.ReadByte()
			break
		}

		v, err := d.decode(depth + 1)
		if err != nil {
			return nil, err
		}
		list = append(list, v)
	}

	return list, nil
}

func (d *Decoder) decodeInteger() (int64, error) {
	return d.readInteger(TokenEnding)
}

func (d *Decoder) decodeString() (string, error) {
	n, err := d.readInteger(TokenStringSeparator)
	if err != nil {
		return "", err
	}
	if n < 0 {
		return "", fmt.Errorf("bencode: string length cannot be negative")
	}
	if n > d.maxStrLen {
		return "", fmt.Errorf("bencode: string too large: %d > %d", n, d.maxStrLen)
	}
	if n == 0 {
		return "", nil
	}

	buf := make([]byte, n)
	if _, err := io.ReadFull(d.r, buf); err != nil {
		return "", fmt.Errorf("bencode: read string: %w", err)
	}
	return string(buf), nil
}

// readInteger reads a base-10, optionally signed integer terminated by
// delim, byte by byte (bytes.Reader has no ReadSlice), enforcing maxDigits
// and rejecting leading zeros / "-0" for canonicality.
func (d *Decoder) readInteger(delim Token) (int64, error) {
	var digits []byte

	for {
		b, err := d.r.ReadByte()
		if err != nil {
			return 0, err
		}
		if b == byte(delim) {
			break
		}
		digits = append(digits, b)
		if len(digits) > d.maxDigits+1 {
			return 0, fmt.Errorf("bencode: integer too long")
		}
	}

	if len(digits) == 0 {
		return 0, fmt.Errorf("bencode: empty integer")
	}
	if digits[0] == '-' {
		if len(digits) == 1 {
			return 0, fmt.Errorf("bencode: lone '-'")
		}
		if digits[1] == '0' {
			return 0, fmt.Errorf("bencode: negative zero")
		}
	} else if digits[0] == '0' && len(digits) > 1 {
		return 0, fmt.Errorf("bencode: leading zero")
	}

	v, err := strconv.ParseInt(string(digits), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bencode: invalid integer: %w", err)
	}
	return v, nil
}
