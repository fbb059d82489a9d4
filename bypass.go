package sentinel

import (
	"strings"
	"sync"
)

// Bypass is the set of domains exempt from TLS interception. Matching
// sessions are tunneled byte-for-byte instead of being terminated with
// an issued certificate. Typical entries are certificate-pinned
// services and sites with regulatory inspection exemptions.
//
// A rule covers the domain itself and every subdomain, the same
// semantics the block rules use.
type Bypass struct {
	mu      sync.RWMutex
	domains map[string]struct{}
}

// NewBypass creates a bypass list seeded with the given domains.
func NewBypass(domains ...string) *Bypass {
	b := &Bypass{domains: make(map[string]struct{})}
	for _, d := range domains {
		b.Add(d)
	}
	return b
}

// Add inserts a domain. Safe for concurrent use.
func (b *Bypass) Add(domain string) {
	domain = normalizeHost(strings.TrimPrefix(strings.TrimSpace(domain), "*."))
	if domain == "" {
		return
	}
	b.mu.Lock()
	b.domains[domain] = struct{}{}
	b.mu.Unlock()
}

// Remove deletes a domain. Returns false if it was not present.
func (b *Bypass) Remove(domain string) bool {
	domain = normalizeHost(strings.TrimPrefix(strings.TrimSpace(domain), "*."))
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.domains[domain]; !ok {
		return false
	}
	delete(b.domains, domain)
	return true
}

// Contains reports whether host or any of its parent domains is on the
// bypass list.
func (b *Bypass) Contains(host string) bool {
	host = normalizeHost(host)
	if host == "" {
		return false
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for {
		if _, ok := b.domains[host]; ok {
			return true
		}
		dot := strings.IndexByte(host, '.')
		if dot < 0 {
			return false
		}
		host = host[dot+1:]
	}
}

// Count returns the number of bypass rules.
func (b *Bypass) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.domains)
}

// Domains returns a copy of the current rule set.
func (b *Bypass) Domains() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.domains))
	for d := range b.domains {
		out = append(out, d)
	}
	return out
}
