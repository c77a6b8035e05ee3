package target

import (
	"context"
	"net"
	"sync"
	"time"
)

// CachingResolver caches lookups so repeated assessments of the same host in
// server mode do not hit DNS each time. Failed lookups are cached for a
// shorter negative TTL.
type CachingResolver struct {
	next        Resolver
	ttl         time.Duration
	negativeTTL time.Duration
	now         func() time.Time

	mu      sync.Mutex
	entries map[string]cacheEntry
}

type cacheEntry struct {
	addrs     []string
	err       error
	expiresAt time.Time
}

// NewCachingResolver wraps next (net.DefaultResolver when nil).
func NewCachingResolver(next Resolver, ttl, negativeTTL time.Duration) *CachingResolver {
	if next == nil {
		next = &net.Resolver{PreferGo: true}
	}
	return &CachingResolver{
		next:        next,
		ttl:         ttl,
		negativeTTL: negativeTTL,
		now:         time.Now,
		entries:     make(map[string]cacheEntry),
	}
}

// LookupHost returns cached addresses for host, refreshing expired entries.
func (c *CachingResolver) LookupHost(ctx context.Context, host string) ([]string, error) {
	now := c.now()
	c.mu.Lock()
	if e, ok := c.entries[host]; ok && now.Before(e.expiresAt) {
		c.mu.Unlock()
		return e.addrs, e.err
	}
	c.mu.Unlock()

	addrs, err := c.next.LookupHost(ctx, host)
	// A cancelled lookup says nothing about the host.
	if ctx.Err() != nil {
		return addrs, err
	}
	ttl := c.ttl
	if err != nil {
		ttl = c.negativeTTL
	}
	c.mu.Lock()
	c.entries[host] = cacheEntry{addrs: addrs, err: err, expiresAt: now.Add(ttl)}
	// Lazy eviction keeps the map bounded by live hosts.
	for h, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, h)
		}
	}
	c.mu.Unlock()
	return addrs, err
}

// Invalidate drops host from the cache.
func (c *CachingResolver) Invalidate(host string) {
	c.mu.Lock()
	delete(c.entries, host)
	c.mu.Unlock()
}
