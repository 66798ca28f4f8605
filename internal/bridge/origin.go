package bridge

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"sync"
)

// OriginPolicy is the sender allow-list. The same origin is always allowed,
// configured trusted origins are allowed, and origins matching a trusted
// deployment pattern are admitted automatically.
type OriginPolicy struct {
	same     string
	patterns []*regexp.Regexp

	mu      sync.RWMutex
	trusted map[string]struct{}
}

// NewOriginPolicy compiles the trusted patterns.
func NewOriginPolicy(same string, trusted, patterns []string) (*OriginPolicy, error) {
	p := &OriginPolicy{same: normalizeOrigin(same)}
	for _, expr := range patterns {
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("bridge: trusted pattern %q: %w", expr, err)
		}
		p.patterns = append(p.patterns, re)
	}
	p.SetTrusted(trusted)
	return p, nil
}

// SetTrusted replaces the trusted origin list.
func (p *OriginPolicy) SetTrusted(origins []string) {
	m := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		if n := normalizeOrigin(o); n != "" {
			m[n] = struct{}{}
		}
	}
	p.mu.Lock()
	p.trusted = m
	p.mu.Unlock()
}

// Trusted returns the configured trusted origins.
func (p *OriginPolicy) Trusted() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.trusted))
	for o := range p.trusted {
		out = append(out, o)
	}
	return out
}

// Allowed reports whether origin may talk to the bridge. An empty origin is a
// sender without a browser origin, such as a local tool, and counts as the
// same origin.
func (p *OriginPolicy) Allowed(origin string) bool {
	o := normalizeOrigin(origin)
	if o == "" || o == p.same {
		return true
	}
	p.mu.RLock()
	_, ok := p.trusted[o]
	p.mu.RUnlock()
	if ok {
		return true
	}
	for _, re := range p.patterns {
		if re.MatchString(o) {
			return true
		}
	}
	return false
}

// normalizeOrigin lowercases scheme and host and drops any path. Values that
// do not parse as scheme://host are kept lowercased so they can still match
// exactly, but never match a real origin.
func normalizeOrigin(origin string) string {
	o := strings.TrimSpace(origin)
	if o == "" {
		return ""
	}
	u, err := url.Parse(o)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return strings.ToLower(strings.TrimRight(o, "/"))
	}
	return strings.ToLower(u.Scheme + "://" + u.Host)
}
