package cve

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
)

// VersionRange describes affected versions. Either Exact, Constraint (a
// semver constraint such as ">= 7.0, < 7.3"), or the NVD-style start/end
// bounds are set.
type VersionRange struct {
	Exact          string `json:"exact,omitempty"`
	Constraint     string `json:"constraint,omitempty"`
	StartIncluding string `json:"start_including,omitempty"`
	StartExcluding string `json:"start_excluding,omitempty"`
	EndIncluding   string `json:"end_including,omitempty"`
	EndExcluding   string `json:"end_excluding,omitempty"`
}

// Record is one vulnerability entry. Records are never mutated in the
// store; a sync replaces them whole.
type Record struct {
	ID          string         `json:"cve_id"`
	Product     string         `json:"product"`
	CVSS        float64        `json:"cvss_score"`
	Affected    []VersionRange `json:"affected_versions"`
	Description string         `json:"description"`
	CWE         string         `json:"cwe_id,omitempty"`
	Published   time.Time      `json:"published_date"`
	LastSynced  time.Time      `json:"last_synced"`

	// Stale is set on lookup results only: the record is past its TTL and
	// the last refresh failed.
	Stale bool `json:"stale"`
}

// Clone returns a deep copy.
func (r Record) Clone() Record {
	r.Affected = append([]VersionRange(nil), r.Affected...)
	return r
}

// Match links a record to the service it was found on.
type Match struct {
	Record     Record  `json:"record"`
	Port       int     `json:"port"`
	Service    string  `json:"service"`
	Product    string  `json:"product"`
	Version    string  `json:"version"`
	Confidence float64 `json:"confidence"`
}

// Ref identifies the match as evidence.
func (m Match) Ref() string { return m.Record.ID }

var leadingVersion = regexp.MustCompile(`^v?(\d+(?:\.\d+){0,2})`)

// CoerceVersion parses the leading numeric part of a product version, so
// OpenSSH's "7.2p2" compares as 7.2.0.
func CoerceVersion(v string) (*semver.Version, error) {
	m := leadingVersion.FindStringSubmatch(strings.TrimSpace(v))
	if m == nil {
		return nil, fmt.Errorf("cve: unparseable version %q", v)
	}
	return semver.NewVersion(m[1])
}

// Contains reports whether v falls inside the range.
func (vr VersionRange) Contains(v *semver.Version) bool {
	if vr.Exact != "" {
		e, err := CoerceVersion(vr.Exact)
		return err == nil && e.Equal(v)
	}
	if vr.Constraint != "" {
		c, err := semver.NewConstraint(vr.Constraint)
		return err == nil && c.Check(v)
	}
	bounded := false
	check := func(bound string, ok func(b *semver.Version) bool) bool {
		if bound == "" {
			return true
		}
		bounded = true
		b, err := CoerceVersion(bound)
		return err == nil && ok(b)
	}
	in := check(vr.StartIncluding, func(b *semver.Version) bool { return !v.LessThan(b) }) &&
		check(vr.StartExcluding, func(b *semver.Version) bool { return v.GreaterThan(b) }) &&
		check(vr.EndIncluding, func(b *semver.Version) bool { return !v.GreaterThan(b) }) &&
		check(vr.EndExcluding, func(b *semver.Version) bool { return v.LessThan(b) })
	return bounded && in
}

// Affects reports whether version is inside any affected range.
func (r Record) Affects(version string) bool {
	v, err := CoerceVersion(version)
	if err != nil {
		return false
	}
	for _, vr := range r.Affected {
		if vr.Contains(v) {
			return true
		}
	}
	return false
}

func (r Record) validate() error {
	if !strings.HasPrefix(r.ID, "CVE-") {
		return fmt.Errorf("cve: invalid id %q", r.ID)
	}
	if r.Product == "" {
		return fmt.Errorf("cve: %s has no product", r.ID)
	}
	if r.CVSS < 0 || r.CVSS > 10 {
		return fmt.Errorf("cve: %s cvss %v outside 0-10", r.ID, r.CVSS)
	}
	for _, vr := range r.Affected {
		if vr.Constraint != "" {
			if _, err := semver.NewConstraint(vr.Constraint); err != nil {
				return fmt.Errorf("cve: %s constraint %q: %w", r.ID, vr.Constraint, err)
			}
		}
	}
	return nil
}

// productAliases maps service and banner names to the product names the
// feed uses.
var productAliases = map[string]string{
	"ssh":           "openssh",
	"openssh":       "openssh",
	"httpd":         "apache",
	"apache":        "apache",
	"apache httpd":  "apache",
	"http_server":   "apache",
	"iis":           "iis",
	"microsoft-iis": "iis",
	"nginx":         "nginx",
	"mysql":         "mysql",
	"mariadb":       "mariadb",
	"vsftpd":        "vsftpd",
	"proftpd":       "proftpd",
	"exim":          "exim",
	"postfix":       "postfix",
	"redis":         "redis",
	"lighttpd":      "lighttpd",
	"dropbear":      "dropbear",
	"dropbear_ssh":  "dropbear",
}

// NormalizeProduct lowercases name and resolves known aliases.
func NormalizeProduct(name string) string {
	n := strings.ToLower(strings.TrimSpace(name))
	if a, ok := productAliases[n]; ok {
		return a
	}
	return n
}
