package admission

import (
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"

	"github.com/statuscard/statuscard/internal/config"
)

// KeyStrategy extracts the admission key (ClientKey) from a request.
type KeyStrategy interface {
	Extract(req *http.Request) (string, error)
}

// ClientIPStrategy keys requests by client address. Proxy headers
// (X-Forwarded-For, X-Real-IP) are only honored when the direct peer is in
// a trusted prefix; otherwise any client could spoof its own key.
type ClientIPStrategy struct {
	trusted []netip.Prefix
}

// NewClientIPStrategy parses the trusted proxy CIDRs.
func NewClientIPStrategy(trustedProxies []string) (*ClientIPStrategy, error) {
	s := &ClientIPStrategy{}
	for _, cidr := range trustedProxies {
		p, err := netip.ParsePrefix(strings.TrimSpace(cidr))
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy %q: %w", cidr, err)
		}
		s.trusted = append(s.trusted, p.Masked())
	}
	return s, nil
}

// Extract returns the client IP.
func (s *ClientIPStrategy) Extract(req *http.Request) (string, error) {
	peer := remoteIP(req.RemoteAddr)
	if !s.isTrusted(peer) {
		return peer, nil
	}

	// Walk X-Forwarded-For right to left and return the first hop that is
	// not itself a trusted proxy.
	if xff := req.Header.Get("X-Forwarded-For"); xff != "" {
		hops := strings.Split(xff, ",")
		for i := len(hops) - 1; i >= 0; i-- {
			hop := strings.TrimSpace(hops[i])
			if hop == "" {
				continue
			}
			if !s.isTrusted(hop) || i == 0 {
				return hop, nil
			}
		}
	}
	if xri := strings.TrimSpace(req.Header.Get("X-Real-IP")); xri != "" {
		return xri, nil
	}
	return peer, nil
}

func (s *ClientIPStrategy) isTrusted(ip string) bool {
	if len(s.trusted) == 0 {
		return false
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range s.trusted {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

func remoteIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

// HeaderStrategy keys requests by a header value, for deployments behind
// a gateway that stamps a client identity.
type HeaderStrategy struct {
	HeaderName string
}

// Extract returns the header value, or an error if it is missing.
func (s *HeaderStrategy) Extract(req *http.Request) (string, error) {
	v := req.Header.Get(s.HeaderName)
	if v == "" {
		return "", fmt.Errorf("header %q is empty or missing", s.HeaderName)
	}
	return v, nil
}

// NewKeyStrategy creates a KeyStrategy from configuration.
func NewKeyStrategy(cfg config.KeyStrategyConfig) (KeyStrategy, error) {
	switch cfg.Type {
	case config.KeyStrategyClientIP, "":
		return NewClientIPStrategy(cfg.TrustedProxies)
	case config.KeyStrategyHeader:
		if cfg.HeaderName == "" {
			return nil, fmt.Errorf("header_name is required when type is %q", cfg.Type)
		}
		return &HeaderStrategy{HeaderName: http.CanonicalHeaderKey(cfg.HeaderName)}, nil
	default:
		return nil, fmt.Errorf("unknown key strategy type %q: must be clientip or header", cfg.Type)
	}
}
