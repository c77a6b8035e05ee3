// Package httpclient provides the HTTP client factory shared by discovery,
// the prober and the CVE feed client.
package httpclient

import (
	"crypto/tls"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/waftester/vulnassess/pkg/duration"
)

// Config holds HTTP client configuration options.
type Config struct {
	// Timeout is the total request timeout
	Timeout time.Duration

	// InsecureSkipVerify skips TLS certificate verification (true for probing)
	InsecureSkipVerify bool

	// FollowRedirects lets the client follow 3xx responses. Probing keeps it
	// off so redirect-based predicates see the Location header.
	FollowRedirects bool

	// Proxy is the HTTP/HTTPS proxy URL (optional)
	Proxy string

	// MaxConnsPerHost caps connections to one target
	MaxConnsPerHost int

	// DialTimeout bounds connection establishment
	DialTimeout time.Duration
}

// Probe returns the configuration used against assessment targets.
func Probe() Config {
	return Config{
		Timeout:            duration.ProbeTimeout,
		InsecureSkipVerify: true,
		MaxConnsPerHost:    50,
		DialTimeout:        duration.ConnectTimeout * 2,
	}
}

// Feed returns the configuration used for the vulnerability feed.
func Feed() Config {
	return Config{
		Timeout:         duration.FeedTimeout,
		FollowRedirects: true,
		MaxConnsPerHost: 4,
		DialTimeout:     duration.TelemetryConnect,
	}
}

// New creates an HTTP client with the given configuration.
func New(cfg Config) *http.Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = duration.ProbeTimeout
	}
	if cfg.MaxConnsPerHost == 0 {
		cfg.MaxConnsPerHost = 25
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = duration.ConnectTimeout
	}

	dialer := &net.Dialer{
		Timeout:   cfg.DialTimeout,
		KeepAlive: 30 * time.Second,
	}

	transport := &http.Transport{
		MaxIdleConns:          cfg.MaxConnsPerHost * 2,
		MaxIdleConnsPerHost:   cfg.MaxConnsPerHost,
		MaxConnsPerHost:       cfg.MaxConnsPerHost,
		IdleConnTimeout:       90 * time.Second,
		ForceAttemptHTTP2:     true,
		ExpectContinueTimeout: 1 * time.Second,
		TLSHandshakeTimeout:   cfg.DialTimeout,
		DialContext:           dialer.DialContext,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: cfg.InsecureSkipVerify,
		},
	}

	if cfg.Proxy != "" {
		if proxyURL, err := url.Parse(cfg.Proxy); err == nil {
			transport.Proxy = http.ProxyURL(proxyURL)
		}
	}

	client := &http.Client{
		Transport: transport,
		Timeout:   cfg.Timeout,
	}
	if !cfg.FollowRedirects {
		client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		}
	}
	return client
}
