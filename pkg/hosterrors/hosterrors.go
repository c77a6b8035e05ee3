// Package hosterrors tracks endpoints that keep failing at the network
// level during a run so the prober stops spending its rate budget on them.
// Entries are keyed by host:port; a dead web port does not mute the others.
package hosterrors

import (
	"errors"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"
)

// DefaultMaxErrors is the number of consecutive failures that marks an
// endpoint dead.
const DefaultMaxErrors = 5

// ErrHostDown is returned for requests to an endpoint marked dead.
var ErrHostDown = errors.New("hosterrors: endpoint marked unreachable")

type state struct {
	count    int
	markedAt time.Time
}

// Cache is safe for concurrent use. The zero value is not usable; call New.
type Cache struct {
	mu        sync.Mutex
	endpoints map[string]*state
	maxErrors int
	expiry    time.Duration
	now       func() time.Time
}

// New creates a cache that marks an endpoint dead after maxErrors
// consecutive failures and forgets the mark after expiry (zero keeps it
// for the life of the cache).
func New(maxErrors int, expiry time.Duration) *Cache {
	if maxErrors <= 0 {
		maxErrors = DefaultMaxErrors
	}
	return &Cache{
		endpoints: map[string]*state{},
		maxErrors: maxErrors,
		expiry:    expiry,
		now:       time.Now,
	}
}

// MarkError records a failure for the endpoint of rawURL and reports
// whether it is now considered down.
func (c *Cache) MarkError(rawURL string) bool {
	key := Key(rawURL)
	if key == "" {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.endpoints[key]
	if s == nil {
		s = &state{}
		c.endpoints[key] = s
	}
	if c.expiredLocked(s) {
		*s = state{}
	}
	s.count++
	if s.count >= c.maxErrors && s.markedAt.IsZero() {
		s.markedAt = c.now()
	}
	return s.count >= c.maxErrors
}

// MarkSuccess resets the failure streak for the endpoint of rawURL.
func (c *Cache) MarkSuccess(rawURL string) {
	key := Key(rawURL)
	c.mu.Lock()
	delete(c.endpoints, key)
	c.mu.Unlock()
}

// Down reports whether the endpoint of rawURL should be skipped.
func (c *Cache) Down(rawURL string) bool {
	if c == nil {
		return false
	}
	key := Key(rawURL)
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.endpoints[key]
	if s == nil || s.count < c.maxErrors {
		return false
	}
	if c.expiredLocked(s) {
		delete(c.endpoints, key)
		return false
	}
	return true
}

// Len returns the number of endpoints currently marked down.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, s := range c.endpoints {
		if s.count >= c.maxErrors && !c.expiredLocked(s) {
			n++
		}
	}
	return n
}

func (c *Cache) expiredLocked(s *state) bool {
	return c.expiry > 0 && !s.markedAt.IsZero() && c.now().Sub(s.markedAt) > c.expiry
}

// Key returns the lowercased host:port of rawURL, filling in the scheme's
// default port. Inputs without a scheme are taken as host[:port].
func Key(rawURL string) string {
	in := strings.TrimSpace(rawURL)
	if in == "" {
		return ""
	}
	scheme := ""
	if strings.Contains(in, "://") {
		u, err := url.Parse(in)
		if err != nil || u.Host == "" {
			return ""
		}
		scheme, in = u.Scheme, u.Host
	}
	host, port, err := net.SplitHostPort(in)
	if err != nil {
		host = in
		switch scheme {
		case "https":
			port = "443"
		case "http":
			port = "80"
		}
	}
	host = strings.ToLower(strings.Trim(host, "[]"))
	if port == "" {
		return host
	}
	return net.JoinHostPort(host, port)
}

// IsNetworkError reports whether err means the endpoint could not be
// reached at all, as opposed to answering badly.
func IsNetworkError(err error) bool {
	if err == nil {
		return false
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"connection refused", "no route to host", "network is unreachable", "connection reset", "i/o timeout"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
