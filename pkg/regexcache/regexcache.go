// Package regexcache shares compiled patterns between the fingerprint
// table, the test catalog and operator-supplied rows, so a pattern that
// appears in several rows is compiled once per process.
package regexcache

import (
	"fmt"
	"regexp"
	"sync"
)

var cache sync.Map // pattern -> *regexp.Regexp

// Get returns the compiled pattern, compiling and caching it on first use.
func Get(pattern string) (*regexp.Regexp, error) {
	if re, ok := cache.Load(pattern); ok {
		return re.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	actual, _ := cache.LoadOrStore(pattern, re)
	return actual.(*regexp.Regexp), nil
}

// MustGet is Get for patterns known at compile time. It panics on error.
func MustGet(pattern string) *regexp.Regexp {
	re, err := Get(pattern)
	if err != nil {
		panic(err)
	}
	return re
}

// GetAll compiles every pattern, failing on the first invalid one.
func GetAll(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := Get(p)
		if err != nil {
			return nil, fmt.Errorf("regexcache: %q: %w", p, err)
		}
		out = append(out, re)
	}
	return out, nil
}

// Size returns the number of cached patterns.
func Size() int {
	n := 0
	cache.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Clear empties the cache.
func Clear() {
	cache.Range(func(k, _ any) bool {
		cache.Delete(k)
		return true
	})
}
