// Package tracker implements the thin external-collaborator the core
// consumes per spec §1: something that turns a torrent's info hash into a
// list of candidate peer addresses. The core (manager, peer, piece) never
// imports this package directly — only cmd/peerflow does, preserving the
// core/collaborator boundary spec.md draws.
//
// Ported from the teacher's pkg/tracker (HTTPTracker, AnnounceParams,
// compact-peers decoding), trimmed to the HTTP/compact-peers announce path
// only: no UDP tracker, no scrape, no multi-tracker failover, since
// SPEC_FULL.md's demo binary never exercises those and spec.md names the
// tracker client itself as out of scope for the core.
package tracker

import (
	"context"
	"crypto/sha1"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/netip"
	"net/url"
	"strconv"
	"time"

	"github.com/arborcore/peerflow/internal/bencode"
)

// Event signals a lifecycle transition to the tracker, per the common
// tracker announce convention.
type Event uint32

const (
	EventNone Event = iota
	EventStarted
	EventStopped
	EventCompleted
)

func (e Event) String() string {
	switch e {
	case EventStarted:
		return "started"
	case EventStopped:
		return "stopped"
	case EventCompleted:
		return "completed"
	default:
		return ""
	}
}

// AnnounceParams carries one announce request's worth of swarm state.
type AnnounceParams struct {
	InfoHash   [sha1.Size]byte
	PeerID     [sha1.Size]byte
	Port       uint16
	Uploaded   uint64
	Downloaded uint64
	Left       uint64
	Event      Event
	NumWant    int
}

// AnnounceResponse is the tracker's reply: an interval to wait before the
// next announce and a list of connectable peer addresses.
type AnnounceResponse struct {
	Interval time.Duration
	Seeders  int64
	Leechers int64
	Peers    []netip.AddrPort
}

// Client announces against a single HTTP tracker (BEP 3) and decodes its
// compact or dictionary peer list.
type Client struct {
	baseURL *url.URL
	http    *http.Client
	log     *slog.Logger
}

// New builds a Client for the tracker announce URL parsed from rawURL.
func New(rawURL string, log *slog.Logger) (*Client, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("tracker: parse announce url: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}

	return &Client{
		baseURL: u,
		log:     log.With("component", "tracker"),
		http: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:          50,
				IdleConnTimeout:       30 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ResponseHeaderTimeout: 15 * time.Second,
			},
		},
	}, nil
}

// Announce performs one HTTP GET announce and returns the decoded response.
func (c *Client) Announce(ctx context.Context, params AnnounceParams) (*AnnounceResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.announceURL(params), nil)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Warn("announce failed", "error", err.Error(), "latency", time.Since(start))
		return nil, fmt.Errorf("tracker: announce: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("tracker: announce returned status %d: %s", resp.StatusCode, body)
	}

	r, err := parseAnnounceResponse(resp.Body)
	if err != nil {
		return nil, err
	}
	c.log.Info("announce ok",
		"latency", time.Since(start),
		"interval", r.Interval,
		"peers", len(r.Peers),
		"seeders", r.Seeders,
		"leechers", r.Leechers,
	)
	return r, nil
}

func (c *Client) announceURL(p AnnounceParams) string {
	u := *c.baseURL
	q := u.Query()
	q.Set("info_hash", string(p.InfoHash[:]))
	q.Set("peer_id", string(p.PeerID[:]))
	q.Set("port", strconv.Itoa(int(p.Port)))
	q.Set("uploaded", strconv.FormatUint(p.Uploaded, 10))
	q.Set("downloaded", strconv.FormatUint(p.Downloaded, 10))
	q.Set("left", strconv.FormatUint(p.Left, 10))
	q.Set("compact", "1")
	if p.NumWant > 0 {
		q.Set("numwant", strconv.Itoa(p.NumWant))
	}
	if p.Event != EventNone {
		q.Set("event", p.Event.String())
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func parseAnnounceResponse(r io.Reader) (*AnnounceResponse, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	raw, err := bencode.Unmarshal(data)
	if err != nil {
		return nil, err
	}
	dict, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("tracker: announce response is not a dict (%T)", raw)
	}

	if reason, ok := dict["failure reason"].(string); ok {
		return nil, fmt.Errorf("tracker: announce failure: %s", reason)
	}

	interval, _ := toInt(dict["interval"])
	seeders, _ := toInt(dict["complete"])
	leechers, _ := toInt(dict["incomplete"])

	peers, err := parsePeers(dict)
	if err != nil {
		return nil, fmt.Errorf("tracker: invalid peer list: %w", err)
	}

	return &AnnounceResponse{
		Interval: time.Duration(interval) * time.Second,
		Seeders:  seeders,
		Leechers: leechers,
		Peers:    peers,
	}, nil
}

func parsePeers(dict map[string]any) ([]netip.AddrPort, error) {
	var out []netip.AddrPort

	if v, ok := dict["peers"]; ok {
		ps, err := decodePeers(v)
		if err != nil {
			return nil, err
		}
		out = append(out, ps...)
	}
	if v6, ok := dict["peers6"]; ok {
		b6, err := toString(v6)
		if err != nil {
			return nil, fmt.Errorf("peers6: %w", err)
		}
		ps, err := decodeCompactPeers([]byte(b6), 18, true)
		if err != nil {
			return nil, err
		}
		out = append(out, ps...)
	}
	return out, nil
}

func decodePeers(v any) ([]netip.AddrPort, error) {
	switch t := v.(type) {
	case string:
		return decodeCompactPeers([]byte(t), 6, false)
	case []byte:
		return decodeCompactPeers(t, 6, false)
	case []any:
		return decodeDictPeers(t)
	default:
		return nil, fmt.Errorf("unsupported peers field type %T", v)
	}
}

func decodeCompactPeers(b []byte, stride int, ipv6 bool) ([]netip.AddrPort, error) {
	if len(b)%stride != 0 {
		return nil, errors.New("tracker: compact peer list length not a multiple of entry size")
	}

	n := len(b) / stride
	peers := make([]netip.AddrPort, 0, n)
	for i, off := 0, 0; i < n; i, off = i+1, off+stride {
		var addr netip.Addr
		var port uint16
		if ipv6 {
			var a16 [16]byte
			copy(a16[:], b[off:off+16])
			addr = netip.AddrFrom16(a16)
			port = binary.BigEndian.Uint16(b[off+16 : off+18])
		} else {
			addr = netip.AddrFrom4([4]byte{b[off], b[off+1], b[off+2], b[off+3]})
			port = binary.BigEndian.Uint16(b[off+4 : off+6])
		}
		peers = append(peers, netip.AddrPortFrom(addr, port))
	}
	return peers, nil
}

func decodeDictPeers(list []any) ([]netip.AddrPort, error) {
	peers := make([]netip.AddrPort, 0, len(list))
	for i, it := range list {
		m, ok := it.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("peer[%d]: not a dict", i)
		}

		ipStr, err := toString(m["ip"])
		if err != nil {
			return nil, fmt.Errorf("peer[%d]: invalid ip: %w", i, err)
		}
		addr, err := netip.ParseAddr(ipStr)
		if err != nil {
			return nil, fmt.Errorf("peer[%d]: bad ip %q: %w", i, ipStr, err)
		}

		port, err := toInt(m["port"])
		if err != nil || port < 1 || port > 65535 {
			return nil, fmt.Errorf("peer[%d]: invalid port", i)
		}

		peers = append(peers, netip.AddrPortFrom(addr, uint16(port)))
	}
	return peers, nil
}

func toInt(v any) (int64, error) {
	switch t := v.(type) {
	case int64:
		return t, nil
	case int:
		return int64(t), nil
	default:
		return 0, fmt.Errorf("not an int (%T)", v)
	}
}

func toString(v any) (string, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case []byte:
		return string(t), nil
	default:
		return "", fmt.Errorf("not a string (%T)", v)
	}
}
