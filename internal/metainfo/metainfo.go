// Package metainfo parses the bencoded torrent descriptor: either a
// complete .torrent file, or just the "info" dictionary assembled from a
// peer's ut_metadata extension (spec §4.4, "Metadata reconstruction").
//
// Magnet-URI parsing is out of scope; a caller obtains the info hash
// elsewhere (a .torrent file or a user-supplied hex string) and hands it to
// this package only to validate a reconstructed info dictionary.
package metainfo

import (
	"crypto/sha1"
	"errors"
	"fmt"
	"time"

	"github.com/arborcore/peerflow/internal/bencode"
)

type Metainfo struct {
	Info         *Info
	Announce     string
	AnnounceList [][]string
	CreationDate time.Time
	CreatedBy    string
	Comment      string
	Encoding     string
	InfoHash     [sha1.Size]byte
}

type Info struct {
	Name        string
	PieceLength int64
	Pieces      [][sha1.Size]byte
	Private     bool
	Length      int64
	Files       []*File
}

type File struct {
	Length int64
	Path   []string
}

var (
	ErrTopLevelNotDict     = errors.New("metainfo: top-level is not a dict")
	ErrAnnounceMissing     = errors.New("metainfo: both announce and announce-list missing")
	ErrInfoMissing         = errors.New("metainfo: 'info' missing")
	ErrInfoNotDict         = errors.New("metainfo: 'info' is not a dict")
	ErrNameMissing         = errors.New("metainfo: 'info' name missing")
	ErrPieceLenMissing     = errors.New("metainfo: 'info' piece length missing")
	ErrPieceLenNonPositive = errors.New("metainfo: 'info' piece length must be > 0")
	ErrPiecesMissing       = errors.New("metainfo: 'info' pieces missing")
	ErrPiecesLenInvalid    = errors.New("metainfo: 'info' pieces length not a multiple of 20")
	ErrLayoutInvalid       = errors.New("metainfo: invalid single/multi-file layout")
	ErrCreationDateInvalid = errors.New("metainfo: invalid creation date")
)

// Size returns the total content length described by Info, across either
// layout.
func (i *Info) Size() int64 {
	if len(i.Files) == 0 {
		return i.Length
	}

	var sum int64
	for _, f := range i.Files {
		sum += f.Length
	}
	return sum
}

// ParseMetainfo parses a complete bencoded .torrent file.
func ParseMetainfo(data []byte) (*Metainfo, error) {
	raw, err := bencode.Unmarshal(data)
	if err != nil {
		return nil, err
	}
	root, ok := raw.(map[string]any)
	if !ok {
		return nil, ErrTopLevelNotDict
	}

	announce, err := parseOptionalString(root["announce"])
	if err != nil {
		return nil, err
	}
	announceList, err := parseAnnounceList(root["announce-list"])
	if err != nil {
		return nil, err
	}
	if announce == "" && len(announceList) == 0 {
		return nil, ErrAnnounceMissing
	}

	var creationDate time.Time
	if v, ok := root["creation date"]; ok {
		secs, err := toInt(v)
		if err != nil || secs < 0 {
			return nil, ErrCreationDateInvalid
		}
		creationDate = time.Unix(secs, 0).UTC()
	}

	createdBy, err := parseOptionalString(root["created by"])
	if err != nil {
		return nil, err
	}
	comment, err := parseOptionalString(root["comment"])
	if err != nil {
		return nil, err
	}
	encoding, err := parseOptionalString(root["encoding"])
	if err != nil {
		return nil, err
	}

	infoDict, ok := root["info"].(map[string]any)
	if !ok {
		return nil, ErrInfoMissing
	}
	info, err := parseInfo(infoDict)
	if err != nil {
		return nil, err
	}

	infoBytes, err := bencode.Marshal(infoDict)
	if err != nil {
		return nil, fmt.Errorf("metainfo: re-encode info dict: %w", err)
	}

	return &Metainfo{
		Info:         info,
		InfoHash:     sha1.Sum(infoBytes),
		Announce:     announce,
		AnnounceList: announceList,
		CreationDate: creationDate,
		CreatedBy:    createdBy,
		Comment:      comment,
		Encoding:     encoding,
	}, nil
}

// ParseInfo parses the raw bytes of just an "info" dictionary — the shape
// assembled piece-by-piece from a peer's ut_metadata extension once all
// metadata pieces have arrived (spec §4.4). It returns the SHA-1 of
// infoBytes for the caller to compare with the expected info hash; the hash
// is computed directly from infoBytes, since those are the exact bytes the
// swarm agrees on, not a re-encoding of them.
func ParseInfo(infoBytes []byte) (*Info, [sha1.Size]byte, error) {
	raw, err := bencode.Unmarshal(infoBytes)
	if err != nil {
		return nil, [sha1.Size]byte{}, err
	}
	dict, ok := raw.(map[string]any)
	if !ok {
		return nil, [sha1.Size]byte{}, ErrInfoNotDict
	}

	info, err := parseInfo(dict)
	if err != nil {
		return nil, [sha1.Size]byte{}, err
	}
	return info, sha1.Sum(infoBytes), nil
}

func parseInfo(dict map[string]any) (*Info, error) {
	var (
		out Info
		err error
	)

	nameVal, ok := dict["name"]
	if !ok {
		return nil, ErrNameMissing
	}
	out.Name, err = toString(nameVal)
	if err != nil || out.Name == "" {
		return nil, fmt.Errorf("metainfo: invalid 'name': %w", err)
	}

	plVal, ok := dict["piece length"]
	if !ok {
		return nil, ErrPieceLenMissing
	}
	plen, err := toInt(plVal)
	if err != nil || plen <= 0 {
		return nil, ErrPieceLenNonPositive
	}
	out.PieceLength = plen

	out.Pieces, err = parsePieces(dict["pieces"])
	if err != nil {
		return nil, err
	}

	if v, ok := dict["private"]; ok {
		privInt, err := toInt(v)
		if err != nil || (privInt != 0 && privInt != 1) {
			return nil, fmt.Errorf("metainfo: invalid 'private' flag")
		}
		out.Private = privInt == 1
	}

	lengthVal, hasLength := dict["length"]
	filesVal, hasFiles := dict["files"]

	switch {
	case hasLength && !hasFiles:
		length, err := toInt(lengthVal)
		if err != nil || length < 0 {
			return nil, fmt.Errorf("metainfo: invalid 'length'")
		}
		out.Length = length

	case hasFiles && !hasLength:
		out.Files, err = parseFiles(filesVal)
		if err != nil {
			return nil, err
		}
	default:
		return nil, ErrLayoutInvalid
	}

	return &out, nil
}

func parseFiles(v any) ([]*File, error) {
	arr, ok := v.([]any)
	if !ok || len(arr) == 0 {
		return nil, fmt.Errorf("metainfo: invalid or empty 'files'")
	}

	files := make([]*File, 0, len(arr))
	for i, it := range arr {
		m, ok := it.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("metainfo: files[%d]: not a dict", i)
		}

		fl, ok := m["length"]
		if !ok {
			return nil, fmt.Errorf("metainfo: files[%d]: length missing", i)
		}
		ln, err := toInt(fl)
		if err != nil || ln < 0 {
			return nil, fmt.Errorf("metainfo: files[%d]: invalid length", i)
		}

		rawPath, ok := m["path"]
		if !ok {
			return nil, fmt.Errorf("metainfo: files[%d]: path missing", i)
		}
		segments, err := toStringSlice(rawPath)
		if err != nil || len(segments) == 0 {
			return nil, fmt.Errorf("metainfo: files[%d]: invalid path", i)
		}

		files = append(files, &File{Length: ln, Path: segments})
	}
	return files, nil
}

func parseAnnounceList(v any) ([][]string, error) {
	if v == nil {
		return nil, nil
	}
	raw, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("metainfo: invalid announce-list")
	}
	tiered, err := toTieredStrings(raw)
	if err != nil {
		return nil, fmt.Errorf("metainfo: invalid announce-list: %w", err)
	}

	out := make([][]string, 0, len(tiered))
	for _, tier := range tiered {
		if len(tier) > 0 {
			out = append(out, tier)
		}
	}
	return out, nil
}

func parseOptionalString(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	return toString(v)
}

func parsePieces(v any) ([][sha1.Size]byte, error) {
	if v == nil {
		return nil, ErrPiecesMissing
	}

	pieceBytes, err := toBytes(v)
	if err != nil {
		return nil, fmt.Errorf("metainfo: 'pieces': %w", err)
	}
	if len(pieceBytes)%sha1.Size != 0 {
		return nil, ErrPiecesLenInvalid
	}

	n := len(pieceBytes) / sha1.Size
	out := make([][sha1.Size]byte, n)
	for i := 0; i < n; i++ {
		copy(out[i][:], pieceBytes[i*sha1.Size:(i+1)*sha1.Size])
	}
	return out, nil
}
