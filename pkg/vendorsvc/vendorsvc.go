// Package vendorsvc implements the vendor directory service (§6): the
// rendezvous point mirrors advertise themselves to and clients query for the
// manifest and the current mirror list. Every exchange is one ASCII command
// frame in, one reply frame out, reusing the same session framing as the
// mirror protocol (§9's "thread immutable config, no global state" note
// drove the lock-protected-map-of-records shape below, grounded on the
// content package's provider TTL bookkeeping).
package vendorsvc

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/WebFirstLanguage/raidpir/pkg/codec/cborcanon"
	"github.com/WebFirstLanguage/raidpir/pkg/constants"
	"github.com/WebFirstLanguage/raidpir/pkg/manifest"
	"github.com/WebFirstLanguage/raidpir/pkg/wireproto"
)

// ASCII commands exchanged over the vendor channel (§6).
const (
	CmdGetManifest       = "GET MANIFEST"
	CmdGetMirrorList     = "GET MIRRORLIST"
	CmdMirrorAdvertise   = "MIRRORADVERTISE"
	CmdManifestUpdate    = "MANIFEST UPDATE"
	CmdHello             = "HELLO"
	RespVendorHi         = "VENDORHI!"
	RespOK               = "OK"
	RespErrTooLarge      = "Error, mirrorinfo too large!"
	RespErrUnpack        = "Error cannot unpack mirrorinfo!"
	RespErrInvalidFormat = "Error, mirrorinfo has an invalid format."
	RespErrInvalidIP     = "Error, must provide mirrorinfo from the mirror's IP"
	RespErrUnknownCmd    = "Invalid request type"
)

// MirrorInfo is a mirror's self-advertised contact address, the payload of a
// MIRRORADVERTISE command.
type MirrorInfo struct {
	Address string `cbor:"address"`
}

type mirrorRecord struct {
	info      MirrorInfo
	remoteIP  string
	expiresAt time.Time
}

// Service answers vendor-channel requests for one manifest. It tracks
// mirror advertisements in a lock-protected map and expires them after TTL
// of inactivity, the same bookkeeping shape as pkg/content's provider
// records but keyed by mirror address instead of content ID.
type Service struct {
	manifestData []byte
	manifest     *manifest.Manifest

	ttl              time.Duration
	maxAdvertiseSize int
	checkMirrorIP    bool

	mu      sync.Mutex
	mirrors map[string]mirrorRecord
}

// Config holds the vendor's tunable behavior, matching the reference
// vendor's --maxmirrorinfo, --mirrorexpirytime, and --checkmirrorip flags.
type Config struct {
	TTL              time.Duration
	MaxAdvertiseSize int
	CheckMirrorIP    bool
}

// DefaultConfig returns the reference vendor's defaults.
func DefaultConfig() Config {
	return Config{
		TTL:              constants.MirrorAdvertiseTTL,
		MaxAdvertiseSize: constants.MaxMirrorAdvertiseSize,
		CheckMirrorIP:    false,
	}
}

// New creates a Service serving m, whose canonical encoding is manifestData
// (so GET MANIFEST can hand back the exact bytes a client's hash-of-manifest
// check, if any, expects).
func New(manifestData []byte, m *manifest.Manifest, cfg Config) *Service {
	return &Service{
		manifestData:     manifestData,
		manifest:         m,
		ttl:              cfg.TTL,
		maxAdvertiseSize: cfg.MaxAdvertiseSize,
		checkMirrorIP:    cfg.CheckMirrorIP,
		mirrors:          make(map[string]mirrorRecord),
	}
}

// Mirrors returns the addresses of every mirror whose advertisement has not
// expired, sweeping stale entries first.
func (s *Service) Mirrors() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked()
	out := make([]string, 0, len(s.mirrors))
	for _, rec := range s.mirrors {
		out = append(out, rec.info.Address)
	}
	return out
}

func (s *Service) expireLocked() {
	now := time.Now()
	for k, rec := range s.mirrors {
		if now.After(rec.expiresAt) {
			delete(s.mirrors, k)
		}
	}
}

// Advertise records that the mirror at info.Address is alive, refreshing its
// TTL. remoteIP is the address the request was actually received from, used
// only when Config.CheckMirrorIP requires it to match info.Address's host.
func (s *Service) Advertise(info MirrorInfo, remoteIP string) error {
	if info.Address == "" {
		return errors.New(RespErrInvalidFormat)
	}
	if s.checkMirrorIP && !hostMatches(info.Address, remoteIP) {
		return errors.New(RespErrInvalidIP)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mirrors[info.Address] = mirrorRecord{
		info:      info,
		remoteIP:  remoteIP,
		expiresAt: time.Now().Add(s.ttl),
	}
	return nil
}

func hostMatches(advertised, remoteIP string) bool {
	host, _, err := splitHostPort(advertised)
	if err != nil {
		return false
	}
	return host == remoteIP
}

func splitHostPort(addr string) (host, port string, err error) {
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == ':' {
			return addr[:i], addr[i+1:], nil
		}
	}
	return "", "", fmt.Errorf("vendorsvc: address %q has no port", addr)
}

// HandleConn serves vendor-channel requests on conn until it closes or a
// framing error occurs. remoteIP identifies the peer for CheckMirrorIP.
func (s *Service) HandleConn(conn io.ReadWriter, remoteIP string) error {
	r := wireproto.NewReader(conn)
	for {
		payload, err := wireproto.ReadFrame(r)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("vendorsvc: read request: %w", err)
		}
		reply, err := s.dispatch(string(payload), remoteIP)
		if err != nil {
			return err
		}
		if err := wireproto.WriteFrame(conn, reply); err != nil {
			return fmt.Errorf("vendorsvc: write response: %w", err)
		}
	}
}

func (s *Service) dispatch(req, remoteIP string) ([]byte, error) {
	switch {
	case req == CmdGetManifest:
		return s.manifestData, nil

	case req == CmdGetMirrorList:
		return cborcanon.Marshal(s.Mirrors())

	case req == CmdHello:
		return []byte(RespVendorHi), nil

	case req == CmdManifestUpdate:
		// The reference vendor pushes MANIFEST UPDATE onward to every known
		// mirror from here; that fan-out is the mirror's responsibility to
		// react to, not this handler's, so acknowledging is enough.
		return []byte(RespOK), nil

	case hasPrefix(req, CmdMirrorAdvertise):
		payload := []byte(req[len(CmdMirrorAdvertise):])
		if len(payload) > s.maxAdvertiseSize {
			return []byte(RespErrTooLarge), nil
		}
		var info MirrorInfo
		if err := cborcanon.Unmarshal(payload, &info); err != nil {
			return []byte(RespErrUnpack), nil
		}
		if err := s.Advertise(info, remoteIP); err != nil {
			return []byte(err.Error()), nil
		}
		return []byte(RespOK), nil

	default:
		return []byte(RespErrUnknownCmd), nil
	}
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

// EncodeAdvertise builds the MIRRORADVERTISE request payload a mirror sends
// to announce itself.
func EncodeAdvertise(info MirrorInfo) ([]byte, error) {
	body, err := cborcanon.Marshal(info)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(CmdMirrorAdvertise)+len(body))
	out = append(out, []byte(CmdMirrorAdvertise)...)
	out = append(out, body...)
	return out, nil
}
