package render

import (
	"net/url"
	"strings"
)

// Policy decides, per intercepted subresource request, whether the
// browser may fetch it. Allowlisted origins always load; otherwise a
// request is denied when its resource type is blocked.
type Policy struct {
	allowedHosts []string
	blocked      map[string]struct{}
}

// NewPolicy builds a policy. allowedHosts match exactly or as a parent
// domain; blockedTypes are CDP resource types such as "Image" or "Font".
func NewPolicy(allowedHosts, blockedTypes []string) *Policy {
	p := &Policy{blocked: make(map[string]struct{}, len(blockedTypes))}
	for _, h := range allowedHosts {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			p.allowedHosts = append(p.allowedHosts, h)
		}
	}
	for _, t := range blockedTypes {
		p.blocked[strings.ToLower(strings.TrimSpace(t))] = struct{}{}
	}
	return p
}

// Allow reports whether a request for rawURL of resourceType may proceed.
func (p *Policy) Allow(rawURL, resourceType string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	switch u.Scheme {
	case "data", "about", "blob":
		return true
	case "http", "https":
	default:
		return false
	}
	if p.allowedHost(u.Hostname()) {
		return true
	}
	_, blocked := p.blocked[strings.ToLower(resourceType)]
	return !blocked
}

func (p *Policy) allowedHost(host string) bool {
	host = strings.ToLower(host)
	for _, h := range p.allowedHosts {
		if host == h || strings.HasSuffix(host, "."+h) {
			return true
		}
	}
	return false
}
