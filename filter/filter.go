// Package filter implements the longest-prefix-match IP-of-interest
// set membership test. It is written exclusively
// by an external populator (package k8swatch in this repo) and read
// on the packet-processing path from decoder-adjacent code.
package filter

import (
	"sync"

	"inet.af/netaddr"
)

// Table is a set of IPv4 prefixes queried by prefix-match membership.
// The zero value is not usable; construct with New.
type Table struct {
	mu       sync.RWMutex
	prefixes []netaddr.IPPrefix
	bypass   bool
}

// New creates an empty Table.
func New() *Table {
	return &Table{}
}

// SetBypass toggles BYPASS_FILTER: while true, Contains always
// reports true without consulting the prefix set.
func (t *Table) SetBypass(bypass bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.bypass = bypass
}

// Insert adds prefix/prefixLen to the set of interesting prefixes.
// Duplicate inserts of the same prefix are harmless no-ops.
func (t *Table) Insert(prefix [4]byte, prefixLen uint8) {
	ip := netaddr.IPv4(prefix[0], prefix[1], prefix[2], prefix[3])
	p := netaddr.IPPrefixFrom(ip, prefixLen)

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, existing := range t.prefixes {
		if existing == p {
			return
		}
	}
	t.prefixes = append(t.prefixes, p)
}

// Remove drops prefix/prefixLen from the set, if present.
func (t *Table) Remove(prefix [4]byte, prefixLen uint8) {
	ip := netaddr.IPv4(prefix[0], prefix[1], prefix[2], prefix[3])
	p := netaddr.IPPrefixFrom(ip, prefixLen)

	t.mu.Lock()
	defer t.mu.Unlock()
	for i, existing := range t.prefixes {
		if existing == p {
			t.prefixes = append(t.prefixes[:i], t.prefixes[i+1:]...)
			return
		}
	}
}

// Contains reports whether ipv4 (host-order uint32) falls under any
// inserted prefix, honoring BYPASS_FILTER. Membership is the only
// question asked of the prefix set — any matching prefix, longest or
// not, makes the address of interest — so this is a linear scan
// rather than a route-lookup trie.
func (t *Table) Contains(ipv4 uint32) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.bypass {
		return true
	}
	ip := netaddr.IPv4(byte(ipv4>>24), byte(ipv4>>16), byte(ipv4>>8), byte(ipv4))
	for _, p := range t.prefixes {
		if p.Contains(ip) {
			return true
		}
	}
	return false
}

// IsOfInterest reports whether either endpoint of a packet is of
// interest: `Contains(src) || Contains(dst)`.
func (t *Table) IsOfInterest(srcIP, dstIP uint32) bool {
	return t.Contains(srcIP) || t.Contains(dstIP)
}

// Len returns the number of distinct prefixes currently held.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.prefixes)
}
