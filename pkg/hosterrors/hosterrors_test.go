package hosterrors

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestKey(t *testing.T) {
	tests := map[string]string{
		"http://Example.com/path?q=1": "example.com:80",
		"https://example.com":         "example.com:443",
		"http://example.com:8080/":    "example.com:8080",
		"http://[::1]:9000/x":         "[::1]:9000",
		"example.com:22":              "example.com:22",
		"example.com":                 "example.com",
		"":                            "",
		"http://":                     "",
	}
	for in, want := range tests {
		assert.Equal(t, want, Key(in), in)
	}
}

func TestMarkErrorReachesThreshold(t *testing.T) {
	c := New(3, 0)
	u := "http://t.example:8080/a"

	assert.False(t, c.MarkError(u))
	assert.False(t, c.MarkError(u))
	assert.False(t, c.Down(u))
	assert.True(t, c.MarkError(u))
	assert.True(t, c.Down("http://t.example:8080/other"), "same endpoint, different path")
	assert.False(t, c.Down("http://t.example:8081/"), "other port unaffected")
	assert.Equal(t, 1, c.Len())
}

func TestMarkSuccessResetsStreak(t *testing.T) {
	c := New(2, 0)
	u := "http://t.example/"
	c.MarkError(u)
	c.MarkSuccess(u)
	assert.False(t, c.MarkError(u))
	assert.False(t, c.Down(u))
}

func TestExpiry(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	c := New(1, time.Minute)
	c.now = func() time.Time { return now }
	u := "http://t.example/"

	assert.True(t, c.MarkError(u))
	assert.True(t, c.Down(u))

	now = now.Add(2 * time.Minute)
	assert.False(t, c.Down(u))
	assert.Equal(t, 0, c.Len())
}

func TestNilCacheIsNeverDown(t *testing.T) {
	var c *Cache
	assert.False(t, c.Down("http://t.example/"))
}

func TestConcurrentMarks(t *testing.T) {
	c := New(50, 0)
	var wg sync.WaitGroup
	for range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.MarkError("http://t.example/")
		}()
	}
	wg.Wait()
	assert.True(t, c.Down("http://t.example/"))
}

func TestIsNetworkError(t *testing.T) {
	refused := &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connect: connection refused")}
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"op error", refused, true},
		{"wrapped op error", fmt.Errorf("probe: %w", refused), true},
		{"dns", &net.DNSError{Err: "no such host", Name: "x"}, true},
		{"reset text", errors.New("read: connection reset by peer"), true},
		{"http status", errors.New("unexpected status 500"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsNetworkError(tt.err))
		})
	}
}
