// Package policy gates requests on agent identity: a wallet blacklist
// and an optional on-chain reputation check.
package policy

import (
	"sort"
	"strings"
	"sync"
)

// Blacklist is a concurrent set of blocked wallet addresses. Addresses
// compare case-insensitively.
type Blacklist struct {
	mu    sync.RWMutex
	addrs map[string]struct{}
}

// NewBlacklist creates an empty blacklist.
func NewBlacklist() *Blacklist {
	return &Blacklist{addrs: make(map[string]struct{})}
}

func normalizeAddr(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

// Add inserts an address.
func (b *Blacklist) Add(addr string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.addrs[normalizeAddr(addr)] = struct{}{}
}

// Remove deletes an address; returns false when it was not present.
func (b *Blacklist) Remove(addr string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := normalizeAddr(addr)
	if _, ok := b.addrs[key]; !ok {
		return false
	}
	delete(b.addrs, key)
	return true
}

// Contains reports whether addr is blocked.
func (b *Blacklist) Contains(addr string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.addrs[normalizeAddr(addr)]
	return ok
}

// List returns the blocked addresses, sorted.
func (b *Blacklist) List() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.addrs))
	for a := range b.addrs {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}
