// Package ipmatch implements the optional source-IP allow-list consulted by
// the connection handler before any other processing happens.
package ipmatch

import "net/netip"

// IPMatcher matches a connecting peer address against a set of literal IPs
// and CIDR ranges. A nil *IPMatcher (or one built from an empty pattern
// list) is treated by callers as "no filter configured".
type IPMatcher struct {
	exact    map[netip.Addr]struct{}
	prefixes []netip.Prefix
}

// New compiles ipWhitelist into an IPMatcher. Each entry is either a literal
// IP address or a CIDR range ("10.0.0.0/8"). Unparseable entries are
// dropped; callers validate the configuration up front and should not feed
// this function invalid entries in the first place.
func New(patterns []string) *IPMatcher {
	m := &IPMatcher{exact: make(map[netip.Addr]struct{})}

	for _, p := range patterns {
		if prefix, err := netip.ParsePrefix(p); err == nil {
			m.prefixes = append(m.prefixes, prefix)
			continue
		}
		if addr, err := netip.ParseAddr(p); err == nil {
			m.exact[addr] = struct{}{}
		}
	}

	return m
}

// Empty reports whether the matcher carries no patterns, meaning no
// filtering should occur.
func (m *IPMatcher) Empty() bool {
	return m == nil || (len(m.exact) == 0 && len(m.prefixes) == 0)
}

// Allowed reports whether addr is covered by an exact entry or a CIDR range.
func (m *IPMatcher) Allowed(addr netip.Addr) bool {
	if m == nil {
		return true
	}

	addr = addr.Unmap()
	if _, ok := m.exact[addr]; ok {
		return true
	}
	for _, prefix := range m.prefixes {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}
