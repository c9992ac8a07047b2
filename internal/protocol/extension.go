package protocol

import (
	"errors"
	"fmt"

	"github.com/arborcore/peerflow/internal/bencode"
)

// ExtensionMetadataName is the name the extension handshake advertises for
// the metadata extension in its "m" dictionary (BEP 9).
const ExtensionMetadataName = "ut_metadata"

// Metadata piece message types, carried in the "msg_type" key of a metadata
// extension sub-message.
const (
	MetadataRequest uint8 = 0
	MetadataData    uint8 = 1
	MetadataReject  uint8 = 2
)

var (
	ErrExtensionNoDict     = errors.New("protocol: extension payload is not a dictionary")
	ErrExtensionNoM        = errors.New("protocol: extension handshake missing \"m\" dictionary")
	ErrExtensionNoSize     = errors.New("protocol: extension handshake missing \"metadata_size\"")
	ErrExtensionNoMsgType  = errors.New("protocol: metadata message missing \"msg_type\"")
	ErrExtensionNoPiece    = errors.New("protocol: metadata message missing \"piece\"")
	ErrExtensionBadMsgType = errors.New("protocol: metadata message has unknown msg_type")
)

// ExtensionHandshake is the bencoded dict exchanged as the body of an
// Extended message with ext_id 0 (spec §4.1, "Extension handshake").
type ExtensionHandshake struct {
	// M maps extension names to the local id the sender wants them
	// addressed by in subsequent Extended messages.
	M map[string]uint8
	// MetadataSize is the size in bytes of the info dictionary, present
	// once the sender actually holds the full metadata.
	MetadataSize int
}

// EncodeExtensionHandshake bencodes h into a ready-to-send Extended message
// payload (ext_id 0 plus body).
func EncodeExtensionHandshake(h ExtensionHandshake) (*Message, error) {
	m := make(map[string]any, len(h.M))
	for name, id := range h.M {
		m[name] = int64(id)
	}

	dict := map[string]any{"m": m}
	if h.MetadataSize > 0 {
		dict["metadata_size"] = int64(h.MetadataSize)
	}

	body, err := bencode.Marshal(dict)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode extension handshake: %w", err)
	}
	return MessageExtended(0, body), nil
}

// DecodeExtensionHandshake parses the body of an ext_id-0 Extended message.
func DecodeExtensionHandshake(body []byte) (ExtensionHandshake, error) {
	v, err := bencode.Unmarshal(body)
	if err != nil {
		return ExtensionHandshake{}, fmt.Errorf("protocol: decode extension handshake: %w", err)
	}
	dict, ok := v.(map[string]any)
	if !ok {
		return ExtensionHandshake{}, ErrExtensionNoDict
	}

	mRaw, ok := dict["m"]
	if !ok {
		return ExtensionHandshake{}, ErrExtensionNoM
	}
	mDict, ok := mRaw.(map[string]any)
	if !ok {
		return ExtensionHandshake{}, ErrExtensionNoM
	}

	m := make(map[string]uint8, len(mDict))
	for name, v := range mDict {
		id, ok := v.(int64)
		if !ok {
			return ExtensionHandshake{}, fmt.Errorf("protocol: extension id for %q is not an integer", name)
		}
		m[name] = uint8(id)
	}

	size := 0
	if sizeRaw, ok := dict["metadata_size"]; ok {
		n, ok := sizeRaw.(int64)
		if !ok {
			return ExtensionHandshake{}, ErrExtensionNoSize
		}
		size = int(n)
	}

	return ExtensionHandshake{M: m, MetadataSize: size}, nil
}

// MetadataMessage is one ut_metadata sub-message: a request for a metadata
// piece, the piece's data, or a reject (spec §4.1, "Extension metadata
// piece").
type MetadataMessage struct {
	Type  uint8
	Piece int
	Data  []byte // only set when Type == MetadataData
}

// EncodeMetadataMessage bencodes msg and, for a data message, appends its raw
// byte payload after the dictionary — the two are NOT both inside the
// bencoded structure, matching how receivers split them back apart.
func EncodeMetadataMessage(extID uint8, msg MetadataMessage) (*Message, error) {
	dict := map[string]any{
		"msg_type": int64(msg.Type),
		"piece":    int64(msg.Piece),
	}

	head, err := bencode.Marshal(dict)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode metadata message: %w", err)
	}

	body := head
	if msg.Type == MetadataData {
		body = make([]byte, len(head)+len(msg.Data))
		copy(body, head)
		copy(body[len(head):], msg.Data)
	}

	return MessageExtended(extID, body), nil
}

// DecodeMetadataMessage parses the body of a ut_metadata Extended message.
//
// It decodes only as much of body as the bencoded dictionary occupies (via
// bencode.DecodeValue's consumed-byte count) rather than scanning for the
// literal bytes "ee", since a metadata piece's raw bytes may themselves
// contain that sequence.
func DecodeMetadataMessage(body []byte) (MetadataMessage, error) {
	v, consumed, err := bencode.DecodeValue(body)
	if err != nil {
		return MetadataMessage{}, fmt.Errorf("protocol: decode metadata message: %w", err)
	}
	dict, ok := v.(map[string]any)
	if !ok {
		return MetadataMessage{}, ErrExtensionNoDict
	}

	msgTypeRaw, ok := dict["msg_type"]
	if !ok {
		return MetadataMessage{}, ErrExtensionNoMsgType
	}
	msgType64, ok := msgTypeRaw.(int64)
	if !ok {
		return MetadataMessage{}, ErrExtensionNoMsgType
	}
	msgType := uint8(msgType64)

	if msgType > MetadataReject {
		return MetadataMessage{}, ErrExtensionBadMsgType
	}

	pieceRaw, ok := dict["piece"]
	if !ok {
		return MetadataMessage{}, ErrExtensionNoPiece
	}
	piece64, ok := pieceRaw.(int64)
	if !ok {
		return MetadataMessage{}, ErrExtensionNoPiece
	}

	msg := MetadataMessage{Type: msgType, Piece: int(piece64)}
	if msgType == MetadataData {
		msg.Data = append([]byte(nil), body[consumed:]...)
	}
	return msg, nil
}
