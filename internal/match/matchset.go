// Package match implements the two-tier (exact + wildcard) hostname
// matching engine used to decide whether an observed SNI hostname should be
// dialed directly, relayed through SOCKS5, or rejected.
package match

import (
	"sort"
	"strings"
)

// Decision is the outcome of classifying a hostname.
type Decision int

const (
	// Reject means the hostname matched neither allow-list.
	Reject Decision = iota
	// Direct means the hostname should be dialed directly.
	Direct
	// Socks5 means the hostname should be relayed through the upstream
	// SOCKS5 proxy.
	Socks5
)

// String implements fmt.Stringer for Decision.
func (d Decision) String() string {
	switch d {
	case Direct:
		return "direct"
	case Socks5:
		return "socks5"
	default:
		return "reject"
	}
}

// MatchSet is an allow-list compiled into an exact-hostname set and a
// length-sorted sequence of wildcard suffixes. It is immutable after
// construction and safe for concurrent read access.
type MatchSet struct {
	exact     map[string]struct{}
	wildcards []string // bare suffixes, e.g. "example.com" for "*.example.com", sorted longest-first
}

// NewMatchSet compiles patterns into a MatchSet. Each pattern is either an
// exact hostname or a "*.suffix" wildcard; matching is always
// case-insensitive, so patterns are lower-cased at compile time. Empty or
// blank patterns are ignored.
func NewMatchSet(patterns []string) *MatchSet {
	ms := &MatchSet{
		exact: make(map[string]struct{}),
	}

	for _, p := range patterns {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" {
			continue
		}

		if suffix, ok := wildcardSuffix(p); ok {
			if suffix != "" {
				ms.wildcards = append(ms.wildcards, suffix)
			}
			continue
		}

		ms.exact[p] = struct{}{}
	}

	// Longest suffix first, so the most specific pattern is considered
	// first. Not required for correctness (every matching wildcard matches
	// the hostname), but keeps iteration order deterministic and matches
	// spec's invariant that wildcards are stored non-increasing by length.
	sort.Slice(ms.wildcards, func(i, j int) bool {
		return len(ms.wildcards[i]) > len(ms.wildcards[j])
	})

	return ms
}

// wildcardSuffix reports whether p has the form "*.suffix" and, if so,
// returns suffix.
func wildcardSuffix(p string) (suffix string, ok bool) {
	if !strings.HasPrefix(p, "*.") {
		return "", false
	}
	return p[2:], true
}

// Matches reports whether hostname is covered by ms, via either an exact
// entry or a wildcard whose suffix hostname strictly extends.
func (ms *MatchSet) Matches(hostname string) bool {
	hostname = strings.ToLower(hostname)

	if _, ok := ms.exact[hostname]; ok {
		return true
	}

	for _, suffix := range ms.wildcards {
		if len(hostname) > len(suffix) && strings.HasSuffix(hostname, suffix) {
			// The character immediately before the suffix must be the
			// label separator, so "*.example.com" matches "a.example.com"
			// but not "notexample.com".
			if hostname[len(hostname)-len(suffix)-1] == '.' {
				return true
			}
		}
	}

	return false
}

// Empty reports whether the MatchSet carries no patterns at all.
func (ms *MatchSet) Empty() bool {
	return len(ms.exact) == 0 && len(ms.wildcards) == 0
}

// HostnameMatcher pairs a direct and a socks5 MatchSet and implements the
// dispatch decision of §4.2: socks5 is checked first, so a hostname present
// in both lists resolves to Socks5.
type HostnameMatcher struct {
	direct *MatchSet
	socks5 *MatchSet
}

// NewHostnameMatcher builds a HostnameMatcher from the direct and socks5
// allow-lists.
func NewHostnameMatcher(direct, socks5 *MatchSet) *HostnameMatcher {
	return &HostnameMatcher{direct: direct, socks5: socks5}
}

// Classify returns the dispatch decision for hostname. It is deterministic:
// repeated calls with the same hostname always return the same decision, and
// the decision is unaffected by the case of hostname.
func (m *HostnameMatcher) Classify(hostname string) Decision {
	if m.socks5 != nil && !m.socks5.Empty() && m.socks5.Matches(hostname) {
		return Socks5
	}
	if m.direct.Matches(hostname) {
		return Direct
	}
	return Reject
}
