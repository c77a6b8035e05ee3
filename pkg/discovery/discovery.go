// Package discovery finds the endpoints the prober injects into: links and
// forms reachable from the target's base URLs, and well-known API paths.
package discovery

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"github.com/waftester/vulnassess/pkg/defaults"
	"github.com/waftester/vulnassess/pkg/duration"
	"github.com/waftester/vulnassess/pkg/httpclient"
	"github.com/waftester/vulnassess/pkg/iohelper"
	"github.com/waftester/vulnassess/pkg/ratelimit"
	"github.com/waftester/vulnassess/pkg/target"
)

// Endpoint is an injectable URL with the parameter names it is known to
// accept.
type Endpoint struct {
	URL    string   `json:"url"`
	Method string   `json:"method"`
	Params []string `json:"params,omitempty"`
	Source string   `json:"source"`
	API    bool     `json:"api"`
}

// Key identifies an endpoint for deduplication.
func (e Endpoint) Key() string {
	return e.Method + " " + e.URL
}

// DefaultAPIPaths are probed under every base URL for the API phase.
var DefaultAPIPaths = []string{
	"/api", "/api/v1", "/api/v2", "/graphql", "/api/graphql",
	"/openapi.json", "/swagger.json", "/v2/api-docs", "/v1",
}

// Options configures a Discoverer.
type Options struct {
	Client       *http.Client
	Limiter      *ratelimit.Limiter
	MaxEndpoints int
	APIPaths     []string
	Logger       *slog.Logger
}

// Discoverer crawls one level below each base URL.
type Discoverer struct {
	opts Options
}

// New creates a Discoverer with defaults applied.
func New(opts Options) *Discoverer {
	if opts.Client == nil {
		cfg := httpclient.Probe()
		cfg.Timeout = duration.DiscoveryTimeout
		opts.Client = httpclient.New(cfg)
	}
	if opts.MaxEndpoints <= 0 {
		opts.MaxEndpoints = defaults.DiscoveryMaxEndpoints
	}
	if opts.APIPaths == nil {
		opts.APIPaths = DefaultAPIPaths
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Discoverer{opts: opts}
}

// Web returns every base URL plus the same-origin links and forms found on
// it. Fetch failures drop that base URL's children but keep the base URL.
func (d *Discoverer) Web(ctx context.Context, t target.ScanTarget) []Endpoint {
	var all []Endpoint
	for _, base := range t.URLs() {
		bu, err := url.Parse(base)
		if err != nil {
			continue
		}
		all = append(all, Endpoint{URL: base, Method: http.MethodGet, Source: "base"})

		resp, err := d.get(ctx, t, base)
		if err != nil {
			d.opts.Logger.Debug("discovery fetch failed", slog.String("url", base), slog.String("error", err.Error()))
			continue
		}
		found := d.children(resp, bu, t)
		all = append(all, found...)
	}
	return Merge(all)
}

func (d *Discoverer) children(resp *http.Response, base *url.URL, t target.ScanTarget) []Endpoint {
	defer iohelper.DrainAndClose(resp.Body)
	if !strings.Contains(resp.Header.Get("Content-Type"), "html") {
		return nil
	}
	body := iohelper.ReadBodyOrLog(resp.Body, defaults.ProbeMaxBody, d.opts.Logger)
	var out []Endpoint
	for _, ep := range Extract(body, base) {
		if !t.Owns(ep.URL) {
			continue
		}
		out = append(out, ep)
		if len(out) >= d.opts.MaxEndpoints {
			break
		}
	}
	return out
}

// API probes the well-known API paths under each base URL and returns those
// that exist.
func (d *Discoverer) API(ctx context.Context, t target.ScanTarget) []Endpoint {
	var out []Endpoint
	for _, base := range t.URLs() {
		bu, err := url.Parse(base)
		if err != nil {
			continue
		}
		for _, p := range d.opts.APIPaths {
			if ctx.Err() != nil {
				return Merge(out)
			}
			u := bu.ResolveReference(&url.URL{Path: p}).String()
			resp, err := d.get(ctx, t, u)
			if err != nil {
				continue
			}
			status := resp.StatusCode
			iohelper.DrainAndClose(resp.Body)
			if !apiExists(status) {
				continue
			}
			out = append(out, Endpoint{URL: u, Method: http.MethodGet, Source: "api-seed", API: true})
		}
	}
	return Merge(out)
}

// apiExists treats any answer other than not-found or a server error as a
// live endpoint; GraphQL servers commonly answer a bare GET with 400 or 405.
func apiExists(status int) bool {
	switch {
	case status == http.StatusNotFound, status == http.StatusGone:
		return false
	case status >= 500:
		return false
	}
	return true
}

func (d *Discoverer) get(ctx context.Context, t target.ScanTarget, u string) (*http.Response, error) {
	if err := d.opts.Limiter.WaitForHost(ctx, t.Host); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", defaults.UserAgent)
	t.Auth.Apply(req)
	return d.opts.Client.Do(req)
}

// Merge deduplicates endpoints by method and URL, unioning their
// parameters. Order of first appearance is kept.
func Merge(eps []Endpoint) []Endpoint {
	idx := make(map[string]int, len(eps))
	var out []Endpoint
	for _, ep := range eps {
		if i, ok := idx[ep.Key()]; ok {
			for _, p := range ep.Params {
				if !slices.Contains(out[i].Params, p) {
					out[i].Params = append(out[i].Params, p)
				}
			}
			out[i].API = out[i].API || ep.API
			continue
		}
		idx[ep.Key()] = len(out)
		ep.Params = slices.Clone(ep.Params)
		out = append(out, ep)
	}
	return out
}
