// Package portscan discovers open TCP ports on a target and fingerprints the
// services behind them.
package portscan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/waftester/vulnassess/pkg/defaults"
	"github.com/waftester/vulnassess/pkg/duration"
	"github.com/waftester/vulnassess/pkg/finding"
	"github.com/waftester/vulnassess/pkg/fingerprint"
	"github.com/waftester/vulnassess/pkg/iohelper"
	"github.com/waftester/vulnassess/pkg/target"
	"github.com/waftester/vulnassess/pkg/workerpool"
)

// State is the observed state of a port.
type State string

const (
	StateOpen     State = "open"
	StateClosed   State = "closed"
	StateFiltered State = "filtered"
)

// PortFinding is the result of probing one port.
type PortFinding struct {
	Port         int     `json:"port"`
	Protocol     string  `json:"protocol"`
	State        State   `json:"state"`
	ServiceGuess string  `json:"service_guess"`
	Product      string  `json:"product,omitempty"`
	Version      string  `json:"version,omitempty"`
	Banner       string  `json:"banner,omitempty"`
	OSGuess      string  `json:"os_guess,omitempty"`
	Confidence   float64 `json:"confidence"`
	LatencyMs    int64   `json:"latency_ms"`
}

// Ref identifies the finding as evidence, e.g. "tcp/22".
func (p PortFinding) Ref() string {
	return p.Protocol + "/" + strconv.Itoa(p.Port)
}

// Options configures a Scanner. Zero values take package defaults.
type Options struct {
	Workers        int
	ConnectTimeout time.Duration
	BannerTimeout  time.Duration
	BannerMaxBytes int

	// IncludeClosed returns closed and filtered ports too.
	IncludeClosed bool

	Rules *fingerprint.Table

	// Stop, when closed, stops dispatching new ports; in-flight connects
	// finish normally.
	Stop <-chan struct{}

	// OnResult observes every classified port, in completion order.
	OnResult func(PortFinding)

	// Dial overrides the connect function (tests).
	Dial func(ctx context.Context, network, addr string) (net.Conn, error)

	Logger *slog.Logger
}

// Scanner is a configured port scanner. Safe for concurrent use.
type Scanner struct {
	opts Options
}

// New creates a Scanner, loading the embedded fingerprint table when none
// is supplied.
func New(opts Options) (*Scanner, error) {
	if opts.Workers <= 0 {
		opts.Workers = defaults.PortWorkers
	}
	opts.Workers = min(opts.Workers, defaults.PortWorkersMax)
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = duration.ConnectTimeout
	}
	if opts.BannerTimeout <= 0 {
		opts.BannerTimeout = duration.BannerTimeout
	}
	if opts.BannerMaxBytes <= 0 {
		opts.BannerMaxBytes = defaults.BannerMaxBytes
	}
	if opts.Rules == nil {
		tbl, err := fingerprint.Default()
		if err != nil {
			return nil, err
		}
		opts.Rules = tbl
	}
	if opts.Dial == nil {
		d := &net.Dialer{Timeout: opts.ConnectTimeout}
		opts.Dial = d.DialContext
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Scanner{opts: opts}, nil
}

// ScanPorts scans t with a default Scanner.
func ScanPorts(ctx context.Context, t target.ScanTarget, profile Profile) ([]PortFinding, error) {
	s, err := New(Options{})
	if err != nil {
		return nil, err
	}
	return s.ScanPorts(ctx, t, profile)
}

// ScanPorts probes every port of profile inside t.PortRange and returns the
// findings sorted by port. Only open ports are returned unless
// IncludeClosed is set.
func (s *Scanner) ScanPorts(ctx context.Context, t target.ScanTarget, profile Profile) ([]PortFinding, error) {
	if err := profile.Validate(); err != nil {
		return nil, err
	}
	addr := t.Address()
	if addr == "" {
		return nil, fmt.Errorf("%w: no address for %q", finding.ErrTargetUnresolvable, t.Host)
	}
	ports := profile.PortList(t.PortRange)
	s.opts.Logger.Debug("port scan starting",
		slog.String("host", t.Host),
		slog.String("address", addr),
		slog.String("profile", profile.String()),
		slog.Int("ports", len(ports)),
	)

	var (
		mu      sync.Mutex
		results []PortFinding
	)
	pool := workerpool.New(min(s.opts.Workers, max(len(ports), 1)))

dispatch:
	for _, port := range ports {
		select {
		case <-ctx.Done():
			break dispatch
		case <-s.opts.Stop:
			break dispatch
		default:
		}
		pool.Submit(func() {
			pf, ok := s.probe(ctx, addr, port)
			if !ok {
				return
			}
			if s.opts.OnResult != nil {
				s.opts.OnResult(pf)
			}
			if pf.State != StateOpen && !s.opts.IncludeClosed {
				return
			}
			mu.Lock()
			results = append(results, pf)
			mu.Unlock()
		})
	}
	pool.Close()

	slices.SortFunc(results, func(a, b PortFinding) int { return a.Port - b.Port })
	s.opts.Logger.Debug("port scan finished",
		slog.String("host", t.Host),
		slog.Int("scanned", int(pool.Completed())),
		slog.Int("reported", len(results)),
	)
	return results, ctx.Err()
}

// probe connects to one port. ok is false when the context ended before the
// port could be classified.
func (s *Scanner) probe(ctx context.Context, addr string, port int) (PortFinding, bool) {
	pf := PortFinding{Port: port, Protocol: "tcp"}
	if ctx.Err() != nil {
		return pf, false
	}

	dctx, cancel := context.WithTimeout(ctx, s.opts.ConnectTimeout)
	start := time.Now()
	conn, err := s.opts.Dial(dctx, "tcp", net.JoinHostPort(addr, strconv.Itoa(port)))
	cancel()
	pf.LatencyMs = time.Since(start).Milliseconds()
	if err != nil {
		if ctx.Err() != nil {
			return pf, false
		}
		pf.State = classify(err)
		return pf, true
	}
	defer conn.Close()

	pf.State = StateOpen
	banner := s.grabBanner(conn, port)
	if len(banner) > 0 {
		pf.Banner = fingerprint.Sanitize(banner)
	}
	if m, ok := s.opts.Rules.Match(port, banner); ok {
		pf.ServiceGuess = m.Service
		pf.Product = m.Product
		pf.Version = m.Version
		pf.Confidence = m.Confidence
		pf.OSGuess = m.OS
	} else {
		pf.ServiceGuess = "unknown"
		pf.OSGuess = m.OS
	}
	return pf, true
}

const httpProbe = "HEAD / HTTP/1.0\r\n\r\n"

// grabBanner reads a server greeting within BannerTimeout. Client-first
// ports get the HTTP probe immediately; other ports get it only if they stay
// silent for half the budget.
func (s *Scanner) grabBanner(conn net.Conn, port int) []byte {
	half := s.opts.BannerTimeout / 2
	if !clientFirstPorts[port] {
		b, err := iohelper.ReadBanner(conn, s.opts.BannerMaxBytes, half)
		if len(b) > 0 || err != nil {
			return b
		}
	}
	_ = conn.SetWriteDeadline(time.Now().Add(half))
	if _, err := conn.Write([]byte(httpProbe)); err != nil {
		return nil
	}
	wait := half
	if clientFirstPorts[port] {
		wait = s.opts.BannerTimeout
	}
	b, _ := iohelper.ReadBanner(conn, s.opts.BannerMaxBytes, wait)
	return b
}

// classify maps a dial error to a port state. Refused means a host answered
// with RST; anything else means nothing answered.
func classify(err error) State {
	if errors.Is(err, syscall.ECONNREFUSED) {
		return StateClosed
	}
	return StateFiltered
}
