// Package probe runs catalog test cases against a target's endpoints.
//
// Every active test sends a baseline request carrying a benign value and a
// payload request; a case matches only if its predicate holds on the
// payload response and not on the baseline. Passive cases, which send no
// payload, must hold on two independent requests.
package probe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/waftester/vulnassess/pkg/catalog"
	"github.com/waftester/vulnassess/pkg/defaults"
	"github.com/waftester/vulnassess/pkg/discovery"
	"github.com/waftester/vulnassess/pkg/finding"
	"github.com/waftester/vulnassess/pkg/hosterrors"
	"github.com/waftester/vulnassess/pkg/httpclient"
	"github.com/waftester/vulnassess/pkg/iohelper"
	"github.com/waftester/vulnassess/pkg/ratelimit"
	"github.com/waftester/vulnassess/pkg/retry"
	"github.com/waftester/vulnassess/pkg/target"
	"github.com/waftester/vulnassess/pkg/workerpool"
)

// Options configures a Prober.
type Options struct {
	Client  *http.Client
	Limiter *ratelimit.Limiter
	Workers int
	Retry   retry.Config
	MaxBody int64

	// API selects the API phase: API endpoints are discovered and results
	// are labelled as API results.
	API bool

	// Discoverer finds endpoints for RunProbes.
	Discoverer *discovery.Discoverer

	// Stop, when closed, stops dispatching new cases; in-flight requests
	// finish and their results are kept.
	Stop <-chan struct{}

	// OnResult observes every result as it is produced.
	OnResult func(Result)

	// HostErrors, when set, short-circuits requests to endpoints that keep
	// failing at the network level. Share one cache across a run's phases.
	HostErrors *hosterrors.Cache

	Logger *slog.Logger
}

// Prober is safe for concurrent use.
type Prober struct {
	opts Options
}

// New creates a Prober with defaults applied.
func New(opts Options) *Prober {
	if opts.Client == nil {
		opts.Client = httpclient.New(httpclient.Probe())
	}
	if opts.Workers <= 0 {
		opts.Workers = defaults.WebProbeWorkers
		if opts.API {
			opts.Workers = defaults.APIProbeWorkers
		}
	}
	opts.Workers = min(opts.Workers, defaults.ProbeWorkersMax)
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = retry.Probe()
	}
	if opts.MaxBody <= 0 {
		opts.MaxBody = defaults.ProbeMaxBody
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Discoverer == nil {
		opts.Discoverer = discovery.New(discovery.Options{
			Client:  opts.Client,
			Limiter: opts.Limiter,
			Logger:  opts.Logger,
		})
	}
	return &Prober{opts: opts}
}

// RunProbes discovers the target's endpoints for this phase and runs cases
// against them.
func (p *Prober) RunProbes(ctx context.Context, t target.ScanTarget, cases []catalog.TestCase) ([]Result, error) {
	var eps []discovery.Endpoint
	if p.opts.API {
		eps = p.opts.Discoverer.API(ctx, t)
	} else {
		eps = p.opts.Discoverer.Web(ctx, t)
	}
	p.opts.Logger.Debug("endpoints discovered",
		slog.String("host", t.Host),
		slog.Bool("api", p.opts.API),
		slog.Int("endpoints", len(eps)),
	)
	return p.ProbeEndpoints(ctx, t, eps, cases)
}

type job struct {
	ep    discovery.Endpoint
	tc    catalog.TestCase
	param string
}

// ProbeEndpoints runs cases against eps. Endpoints the target does not own
// are skipped. Results are sorted by endpoint, test case and parameter.
func (p *Prober) ProbeEndpoints(ctx context.Context, t target.ScanTarget, eps []discovery.Endpoint, cases []catalog.TestCase) ([]Result, error) {
	var jobs []job
	for _, ep := range eps {
		if !t.Owns(ep.URL) {
			p.opts.Logger.Warn("skipping endpoint outside target", slog.String("url", ep.URL))
			continue
		}
		for _, tc := range cases {
			if !tc.AppliesTo(ep.URL) {
				continue
			}
			if !tc.Parameterized() {
				jobs = append(jobs, job{ep: ep, tc: tc})
				continue
			}
			for _, param := range tc.ParamsFor(ep.Params) {
				jobs = append(jobs, job{ep: ep, tc: tc, param: param})
			}
		}
	}

	var (
		mu      sync.Mutex
		results []Result
	)
	pool := workerpool.New(min(p.opts.Workers, max(len(jobs), 1)))
dispatch:
	for _, j := range jobs {
		if p.stopped(ctx) {
			break dispatch
		}
		pool.Submit(func() {
			if p.stopped(ctx) {
				return
			}
			r := p.runJob(ctx, t, j)
			if r.Request.URL != "" && !t.Owns(r.Request.URL) {
				return
			}
			if p.opts.OnResult != nil {
				p.opts.OnResult(r)
			}
			mu.Lock()
			results = append(results, r)
			mu.Unlock()
		})
	}
	pool.Close()

	slices.SortFunc(results, func(a, b Result) int {
		if c := strings.Compare(a.Endpoint, b.Endpoint); c != 0 {
			return c
		}
		if c := strings.Compare(a.TestCaseID, b.TestCaseID); c != 0 {
			return c
		}
		return strings.Compare(a.Param, b.Param)
	})
	return results, ctx.Err()
}

func (p *Prober) stopped(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	select {
	case <-p.opts.Stop:
		return true
	default:
		return false
	}
}

// runJob never panics: a panicking case becomes an inconclusive result.
func (p *Prober) runJob(ctx context.Context, t target.ScanTarget, j job) (r Result) {
	r = Result{
		TestCaseID: j.tc.ID,
		Endpoint:   j.ep.URL,
		Param:      j.param,
		Location:   location(j),
		API:        p.opts.API,
		ProbedAt:   time.Now(),
	}
	defer func() {
		if rec := recover(); rec != nil {
			p.opts.Logger.Error("probe case panicked",
				slog.String("test_case", j.tc.ID),
				slog.String("endpoint", j.ep.URL),
				slog.String("error", fmt.Sprint(rec)),
			)
			r = inconclusive(r, fmt.Errorf("panic: %v", rec))
		}
	}()

	if j.tc.Passive() {
		return p.runPassive(ctx, t, j, r)
	}
	return p.runActive(ctx, t, j, r)
}

func (p *Prober) runActive(ctx context.Context, t target.ScanTarget, j job, r Result) Result {
	baseReq, err := build(j, j.tc.Baseline)
	if err != nil {
		return inconclusive(r, err)
	}
	base, err := p.send(ctx, t, baseReq)
	if err != nil {
		return inconclusive(r, err)
	}
	payReq, err := build(j, j.tc.Payload)
	if err != nil {
		return inconclusive(r, err)
	}
	pay, err := p.send(ctx, t, payReq)
	r.Request = payReq.snapshot()
	if err != nil {
		return inconclusive(r, err)
	}

	extra := j.tc.Predicate.Header
	r.Response = snapshot(pay, extra)
	bs := snapshot(base, extra)
	r.Baseline = &bs

	payHit, evidence := j.tc.Predicate.Eval(pay.Observation, &base.Observation, j.tc.Payload)
	baseHit, _ := j.tc.Predicate.Eval(base.Observation, &base.Observation, j.tc.Payload)
	if payHit && !baseHit {
		r.Matched = true
		r.Evidence = evidence
		r.Confidence = j.tc.Confidence
	}
	return r
}

func (p *Prober) runPassive(ctx context.Context, t target.ScanTarget, j job, r Result) Result {
	req, err := build(j, "")
	if err != nil {
		return inconclusive(r, err)
	}
	r.Request = req.snapshot()
	first, err := p.send(ctx, t, req)
	if err != nil {
		return inconclusive(r, err)
	}

	var second observation
	if j.tc.Predicate.Kind == catalog.PredicateBurst {
		second, err = p.burst(ctx, t, req, j.tc.Predicate.Count)
	} else {
		second, err = p.send(ctx, t, req)
	}
	if err != nil {
		return inconclusive(r, err)
	}

	extra := j.tc.Predicate.Header
	r.Response = snapshot(second, extra)
	fs := snapshot(first, extra)
	r.Baseline = &fs

	firstHit, _ := j.tc.Predicate.Eval(first.Observation, nil, "")
	secondHit, evidence := j.tc.Predicate.Eval(second.Observation, nil, "")
	if firstHit && secondHit {
		r.Matched = true
		r.Evidence = evidence
		r.Confidence = j.tc.Confidence
	}
	return r
}

// burst sends n requests back to back and returns the last observation
// with every status recorded.
func (p *Prober) burst(ctx context.Context, t target.ScanTarget, req request, n int) (observation, error) {
	var last observation
	statuses := make([]int, 0, n)
	for range n {
		if p.stopped(ctx) {
			break
		}
		o, err := p.send(ctx, t, req)
		if err != nil {
			return observation{}, err
		}
		statuses = append(statuses, o.Status)
		last = o
	}
	last.BurstStatuses = statuses
	return last, nil
}

type observation struct {
	catalog.Observation
}

// send issues req under the rate limit with the configured retry policy.
func (p *Prober) send(ctx context.Context, t target.ScanTarget, req request) (observation, error) {
	var obs observation
	if p.opts.HostErrors.Down(req.url) {
		return obs, fmt.Errorf("%w: %s", hosterrors.ErrHostDown, hosterrors.Key(req.url))
	}
	err := retry.Do(ctx, p.opts.Retry, func() error {
		if err := p.opts.Limiter.WaitForHost(ctx, t.Host); err != nil {
			return retry.Stop(err)
		}
		hr, err := req.httpRequest(ctx)
		if err != nil {
			return retry.Stop(err)
		}
		t.Auth.Apply(hr)

		start := time.Now()
		resp, err := p.opts.Client.Do(hr)
		if err != nil {
			if retry.IsTransient(err) {
				return fmt.Errorf("%w: %v", finding.ErrProbeTransient, err)
			}
			return retry.Stop(err)
		}
		body, err := iohelper.ReadBody(resp.Body, p.opts.MaxBody)
		iohelper.DrainAndClose(resp.Body)
		if err != nil && retry.IsTransient(err) {
			return fmt.Errorf("%w: %v", finding.ErrProbeTransient, err)
		}
		if resp.StatusCode == http.StatusTooManyRequests {
			p.opts.Limiter.Throttle(t.Host)
		}
		obs = observation{catalog.Observation{
			Status:  resp.StatusCode,
			Header:  resp.Header,
			Body:    body,
			Latency: time.Since(start),
		}}
		return nil
	})
	if hc := p.opts.HostErrors; hc != nil {
		switch {
		case err == nil:
			hc.MarkSuccess(req.url)
		case hosterrors.IsNetworkError(err) && hc.MarkError(req.url):
			p.opts.Logger.Warn("endpoint unreachable, skipping remaining probes",
				slog.String("endpoint", hosterrors.Key(req.url)),
				slog.String("error", err.Error()),
			)
		}
	}
	return obs, err
}

func inconclusive(r Result, err error) Result {
	r.Matched = false
	r.Inconclusive = true
	r.Confidence = 0
	r.Evidence = EvidenceProbeError
	if err != nil && !errors.Is(err, context.Canceled) {
		r.Error = err.Error()
	}
	return r
}

func location(j job) string {
	switch j.tc.Injection {
	case catalog.InjectQuery, catalog.InjectBody:
		if j.param != "" {
			return fmt.Sprintf("%s %s [%s:%s]", j.tc.HTTPMethod(), j.ep.URL, j.tc.Injection, j.param)
		}
		return fmt.Sprintf("%s %s [%s]", j.tc.HTTPMethod(), j.ep.URL, j.tc.Injection)
	case catalog.InjectHeader:
		return fmt.Sprintf("%s %s [header:%s]", j.tc.HTTPMethod(), j.ep.URL, j.tc.HeaderName)
	case catalog.InjectPath:
		return fmt.Sprintf("%s %s [path:%s]", j.tc.HTTPMethod(), j.ep.URL, j.tc.Payload)
	}
	return j.ep.URL
}
