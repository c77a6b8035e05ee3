// Package fingerprint guesses the service behind an open port from its port
// number and banner using a ranked rule table.
package fingerprint

import (
	"bytes"
	_ "embed"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"regexp"
	"slices"
	"strings"
	"sync"
	"unicode/utf8"

	"gopkg.in/yaml.v3"

	"github.com/waftester/vulnassess/pkg/regexcache"
)

//go:embed rules.yaml
var defaultRules []byte

// ErrInvalidRules indicates a rule file that cannot be compiled.
var ErrInvalidRules = errors.New("fingerprint: invalid rules")

// Rule is one (pattern, confidence) entry.
type Rule struct {
	ID         string  `yaml:"id"`
	Service    string  `yaml:"service"`
	Product    string  `yaml:"product"`
	Banner     string  `yaml:"banner"`
	HexPrefix  string  `yaml:"hex_prefix"`
	Ports      []int   `yaml:"ports"`
	Confidence float64 `yaml:"confidence"`

	re     *regexp.Regexp
	prefix []byte
}

// OSRule maps a banner token to an operating system guess.
type OSRule struct {
	Pattern string `yaml:"pattern"`
	OS      string `yaml:"os"`

	re *regexp.Regexp
}

// Match is the outcome of fingerprinting one port.
type Match struct {
	RuleID     string
	Service    string
	Product    string
	Version    string
	OS         string
	Confidence float64
}

// Table is an immutable, ranked rule set.
type Table struct {
	Version int
	rules   []Rule
	os      []OSRule
}

type ruleFile struct {
	Version int      `yaml:"version"`
	Rules   []Rule   `yaml:"rules"`
	OS      []OSRule `yaml:"os"`
}

var (
	defaultOnce  sync.Once
	defaultTable *Table
	defaultErr   error
)

// Default returns the embedded rule table, compiled once.
func Default() (*Table, error) {
	defaultOnce.Do(func() {
		defaultTable, defaultErr = Parse(defaultRules)
	})
	return defaultTable, defaultErr
}

// LoadFile parses a rule file from disk.
func LoadFile(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("fingerprint: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse compiles a YAML rule table.
func Parse(data []byte) (*Table, error) {
	var f ruleFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRules, err)
	}
	t := &Table{Version: f.Version}
	for _, r := range f.Rules {
		if r.Service == "" {
			return nil, fmt.Errorf("%w: rule %q has no service", ErrInvalidRules, r.ID)
		}
		if r.Confidence <= 0 || r.Confidence > 1 {
			return nil, fmt.Errorf("%w: rule %q confidence %v outside (0,1]", ErrInvalidRules, r.ID, r.Confidence)
		}
		if r.Banner != "" {
			re, err := regexcache.Get(r.Banner)
			if err != nil {
				return nil, fmt.Errorf("%w: rule %q: %v", ErrInvalidRules, r.ID, err)
			}
			r.re = re
		}
		if r.HexPrefix != "" {
			b, err := hex.DecodeString(r.HexPrefix)
			if err != nil {
				return nil, fmt.Errorf("%w: rule %q hex_prefix: %v", ErrInvalidRules, r.ID, err)
			}
			r.prefix = b
		}
		if r.re == nil && r.prefix == nil && len(r.Ports) == 0 {
			return nil, fmt.Errorf("%w: rule %q matches nothing", ErrInvalidRules, r.ID)
		}
		t.rules = append(t.rules, r)
	}
	// Stable sort keeps file order among equal confidences.
	slices.SortStableFunc(t.rules, func(a, b Rule) int {
		switch {
		case a.Confidence > b.Confidence:
			return -1
		case a.Confidence < b.Confidence:
			return 1
		}
		return 0
	})
	for _, o := range f.OS {
		re, err := regexcache.Get(o.Pattern)
		if err != nil {
			return nil, fmt.Errorf("%w: os pattern %q: %v", ErrInvalidRules, o.Pattern, err)
		}
		o.re = re
		t.os = append(t.os, o)
	}
	return t, nil
}

// Len returns the number of service rules.
func (t *Table) Len() int { return len(t.rules) }

// Match fingerprints a port. ok is false when no rule fires.
func (t *Table) Match(port int, banner []byte) (m Match, ok bool) {
	for i := range t.rules {
		r := &t.rules[i]
		if !r.matches(port, banner) {
			continue
		}
		m = Match{RuleID: r.ID, Service: r.Service, Product: r.Product, Confidence: r.Confidence}
		if r.re != nil {
			if sub := r.re.FindSubmatch(banner); sub != nil {
				if idx := r.re.SubexpIndex("version"); idx > 0 && idx < len(sub) {
					m.Version = string(sub[idx])
				}
			}
		}
		ok = true
		break
	}
	if len(banner) > 0 {
		m.OS = t.guessOS(banner)
	}
	return m, ok
}

func (r *Rule) matches(port int, banner []byte) bool {
	if len(r.Ports) > 0 && !slices.Contains(r.Ports, port) {
		return false
	}
	if r.prefix != nil && !bytes.HasPrefix(banner, r.prefix) {
		return false
	}
	if r.re != nil && !r.re.Match(banner) {
		return false
	}
	return true
}

func (t *Table) guessOS(banner []byte) string {
	for _, o := range t.os {
		if o.re.Match(banner) {
			return o.OS
		}
	}
	return ""
}

// Sanitize renders a raw banner as a printable single string: invalid UTF-8
// and control bytes other than CR, LF and TAB become '.', surrounding
// whitespace is trimmed.
func Sanitize(banner []byte) string {
	var b strings.Builder
	b.Grow(len(banner))
	for len(banner) > 0 {
		r, size := utf8.DecodeRune(banner)
		banner = banner[size:]
		switch {
		case r == utf8.RuneError && size <= 1:
			b.WriteByte('.')
		case r == '\r' || r == '\n' || r == '\t':
			b.WriteRune(r)
		case r < 0x20 || r == 0x7f:
			b.WriteByte('.')
		default:
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}
