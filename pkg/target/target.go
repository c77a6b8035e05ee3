// Package target normalizes an assessment target spec into the immutable
// ScanTarget every phase works from.
package target

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"

	"github.com/waftester/vulnassess/pkg/finding"
)

// AuthContext is replayed on every probe request.
type AuthContext struct {
	Headers     map[string]string `json:"headers,omitempty" yaml:"headers"`
	Cookies     map[string]string `json:"cookies,omitempty" yaml:"cookies"`
	BearerToken string            `json:"-" yaml:"bearer_token"`
}

// Spec is the caller-supplied description of what to assess.
type Spec struct {
	Host     string       `json:"host" yaml:"host"`
	Ports    string       `json:"ports,omitempty" yaml:"ports"`
	BaseURLs []string     `json:"base_urls,omitempty" yaml:"base_urls"`
	Auth     *AuthContext `json:"auth,omitempty" yaml:"auth"`

	// Authorized asserts that consent exists; enforcement is external.
	Authorized bool `json:"authorized" yaml:"authorized"`
}

// ScanTarget is the resolved target. It is never modified after Resolve;
// accessors return copies.
type ScanTarget struct {
	Host        string       `json:"host"`
	ResolvedIPs []string     `json:"resolved_ips"`
	PortRange   PortRange    `json:"port_range"`
	BaseURLs    []string     `json:"base_urls"`
	Auth        *AuthContext `json:"auth,omitempty"`
}

// Resolver looks up host addresses.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// Validate checks spec without any network I/O.
func Validate(spec Spec) error {
	_, _, err := normalize(spec)
	return err
}

func normalize(spec Spec) (PortRange, []string, error) {
	if !spec.Authorized {
		return nil, nil, finding.ErrNotAuthorized
	}
	host := strings.TrimSpace(spec.Host)
	if host == "" {
		return nil, nil, fmt.Errorf("%w: host is required", finding.ErrConfiguration)
	}
	if strings.ContainsAny(host, " /?#@") || strings.Contains(host, "://") {
		return nil, nil, fmt.Errorf("%w: host %q must be a bare hostname or IP", finding.ErrConfiguration, host)
	}
	ports, err := ParsePorts(spec.Ports)
	if err != nil {
		return nil, nil, err
	}

	var urls []string
	for _, raw := range spec.BaseURLs {
		u, err := normalizeURL(raw, host)
		if err != nil {
			return nil, nil, err
		}
		urls = append(urls, u)
	}
	if len(urls) == 0 {
		urls = defaultBaseURLs(host, ports)
	}
	return ports, slices.Compact(urls), nil
}

func normalizeURL(raw, host string) (string, error) {
	raw = strings.TrimSpace(raw)
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: base url %q: %v", finding.ErrConfiguration, raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("%w: base url %q must be http or https", finding.ErrConfiguration, raw)
	}
	if !strings.EqualFold(u.Hostname(), host) && net.ParseIP(u.Hostname()) == nil {
		return "", fmt.Errorf("%w: base url %q is not on host %s", finding.ErrConfiguration, raw, host)
	}
	if u.Path == "" {
		u.Path = "/"
	}
	u.Fragment = ""
	return u.String(), nil
}

func defaultBaseURLs(host string, ports PortRange) []string {
	var out []string
	h := host
	if strings.Contains(h, ":") {
		h = "[" + h + "]"
	}
	if ports.Contains(80) {
		out = append(out, "http://"+h+"/")
	}
	if ports.Contains(443) {
		out = append(out, "https://"+h+"/")
	}
	return out
}

// Resolve validates spec and resolves its host. Resolution failure returns an
// error wrapping finding.ErrTargetUnresolvable.
func Resolve(ctx context.Context, spec Spec, r Resolver) (ScanTarget, error) {
	ports, urls, err := normalize(spec)
	if err != nil {
		return ScanTarget{}, err
	}
	host := strings.TrimSpace(spec.Host)

	var ips []string
	if ip := net.ParseIP(host); ip != nil {
		ips = []string{ip.String()}
	} else {
		if r == nil {
			r = net.DefaultResolver
		}
		ips, err = r.LookupHost(ctx, host)
		if err != nil {
			return ScanTarget{}, fmt.Errorf("%w: %s: %v", finding.ErrTargetUnresolvable, host, err)
		}
		if len(ips) == 0 {
			return ScanTarget{}, fmt.Errorf("%w: %s: no addresses", finding.ErrTargetUnresolvable, host)
		}
	}

	for _, raw := range urls {
		u, _ := url.Parse(raw)
		if h := u.Hostname(); !strings.EqualFold(h, host) && !slices.Contains(ips, h) {
			return ScanTarget{}, fmt.Errorf("%w: base url %q is not on host %s", finding.ErrConfiguration, raw, host)
		}
	}

	return ScanTarget{
		Host:        host,
		ResolvedIPs: ips,
		PortRange:   ports,
		BaseURLs:    urls,
		Auth:        spec.Auth,
	}, nil
}

// Address returns the address to dial: the first resolved IP, else the host.
func (t ScanTarget) Address() string {
	if len(t.ResolvedIPs) > 0 {
		return t.ResolvedIPs[0]
	}
	return t.Host
}

// URLs returns a copy of the base URLs.
func (t ScanTarget) URLs() []string {
	return slices.Clone(t.BaseURLs)
}

// Owns reports whether rawURL points at this target: same host (or one of
// its resolved IPs) and a port inside the port range or used by a base URL.
func (t ScanTarget) Owns(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return false
	}
	h := u.Hostname()
	if !strings.EqualFold(h, t.Host) && !slices.Contains(t.ResolvedIPs, h) {
		return false
	}
	port := urlPort(u)
	if t.PortRange.Contains(port) {
		return true
	}
	for _, b := range t.BaseURLs {
		if bu, err := url.Parse(b); err == nil && urlPort(bu) == port {
			return true
		}
	}
	return false
}

func urlPort(u *url.URL) int {
	if p := u.Port(); p != "" {
		n, _ := strconv.Atoi(p)
		return n
	}
	if u.Scheme == "https" {
		return 443
	}
	return 80
}

// URLPort returns the effective TCP port of rawURL, or 0 if it cannot be parsed.
func URLPort(rawURL string) int {
	u, err := url.Parse(rawURL)
	if err != nil {
		return 0
	}
	return urlPort(u)
}

// Apply sets the auth headers, cookies and bearer token on req.
func (a *AuthContext) Apply(req *http.Request) {
	if a == nil {
		return
	}
	for k, v := range a.Headers {
		req.Header.Set(k, v)
	}
	for k, v := range a.Cookies {
		req.AddCookie(&http.Cookie{Name: k, Value: v})
	}
	if a.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+a.BearerToken)
	}
}
