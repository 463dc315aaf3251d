package firewall

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// dnsCacheTTL and dnsCacheMaxEntries implement §3's DNSCacheEntry
// invariants: "TTL = 300 s; bounded by max 1024 entries; eviction is
// oldest-first".
const (
	dnsCacheTTL        = 300 * time.Second
	dnsCacheMaxEntries = 1024
)

// LookupFunc resolves a hostname to its IP addresses. Swappable for tests,
// the same functional-options seam the teacher's DNSResolver exposes.
type LookupFunc func(ctx context.Context, host string) ([]net.IP, error)

func defaultLookup(ctx context.Context, host string) ([]net.IP, error) {
	ips, err := net.DefaultResolver.LookupIP(ctx, "ip", host)
	if err != nil {
		return nil, err
	}
	return ips, nil
}

// cacheEntry is §3's DNSCacheEntry.
type cacheEntry struct {
	ip         string
	insertedAt time.Time
}

// dnsCache is the global TTL-bounded resolution cache, plus a per-request
// pin map that freezes a host's resolved address for the duration of a
// single tool call — the rebinding-protection pattern grounded on the
// teacher's DNSResolver.requestPins.
type dnsCache struct {
	mu      sync.RWMutex
	entries map[uint64]cacheEntry
	order   []uint64 // insertion order, oldest first, for eviction

	pinMu sync.Mutex
	pins  map[string]map[uint64]string // requestID -> hostKey -> ip

	lookup LookupFunc
	now    func() time.Time
}

func newDNSCache(lookup LookupFunc) *dnsCache {
	if lookup == nil {
		lookup = defaultLookup
	}
	return &dnsCache{
		entries: make(map[uint64]cacheEntry),
		pins:    make(map[string]map[uint64]string),
		lookup:  lookup,
		now:     time.Now,
	}
}

func hostKey(host string) uint64 {
	return xxhash.Sum64String(host)
}

// resolve returns the first resolved IP for host, consulting the cache
// first and, if requestID is non-empty, honoring/recording a pin so
// repeated lookups within the same tool call cannot observe a mid-call
// rebind.
func (c *dnsCache) resolve(ctx context.Context, host, requestID string) (string, error) {
	key := hostKey(host)

	if requestID != "" {
		c.pinMu.Lock()
		if pinned, ok := c.pins[requestID]; ok {
			if ip, ok := pinned[key]; ok {
				c.pinMu.Unlock()
				return ip, nil
			}
		}
		c.pinMu.Unlock()
	}

	if ip, ok := c.get(key); ok {
		c.pin(requestID, key, ip)
		return ip, nil
	}

	ips, err := c.lookup(ctx, host)
	if err != nil || len(ips) == 0 {
		return "", &BlockedError{Reason: ReasonDNSResolutionFail, Host: host}
	}
	ip := ips[0].String()
	c.insert(key, ip)
	c.pin(requestID, key, ip)
	return ip, nil
}

func (c *dnsCache) get(key uint64) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	if !ok {
		return "", false
	}
	if c.now().Sub(e.insertedAt) > dnsCacheTTL {
		return "", false
	}
	return e.ip, true
}

func (c *dnsCache) insert(key uint64, ip string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists {
		c.order = append(c.order, key)
	}
	c.entries[key] = cacheEntry{ip: ip, insertedAt: c.now()}

	for len(c.order) > dnsCacheMaxEntries {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, oldest)
	}
}

func (c *dnsCache) pin(requestID string, key uint64, ip string) {
	if requestID == "" {
		return
	}
	c.pinMu.Lock()
	defer c.pinMu.Unlock()
	m, ok := c.pins[requestID]
	if !ok {
		m = make(map[uint64]string)
		c.pins[requestID] = m
	}
	m[key] = ip
}

// releaseRequest discards all pins held for requestID, called once the
// tool call that opened them completes.
func (c *dnsCache) releaseRequest(requestID string) {
	if requestID == "" {
		return
	}
	c.pinMu.Lock()
	defer c.pinMu.Unlock()
	delete(c.pins, requestID)
}

// cleanExpired removes cache entries past their TTL. Called periodically
// by the Firewall's background goroutine, mirroring the DNS resolver
// cleanup cadence the teacher uses.
func (c *dnsCache) cleanExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	kept := c.order[:0]
	for _, key := range c.order {
		e := c.entries[key]
		if now.Sub(e.insertedAt) > dnsCacheTTL {
			delete(c.entries, key)
			continue
		}
		kept = append(kept, key)
	}
	c.order = kept
}
