// Package assessment runs assessments end to end: it drives a target
// through port scanning, web and API probing, CVE matching and aggregation
// as an explicit state machine, persisting and publishing every transition.
package assessment

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/waftester/vulnassess/pkg/catalog"
	"github.com/waftester/vulnassess/pkg/cve"
	"github.com/waftester/vulnassess/pkg/defaults"
	"github.com/waftester/vulnassess/pkg/duration"
	"github.com/waftester/vulnassess/pkg/finding"
	"github.com/waftester/vulnassess/pkg/fingerprint"
	"github.com/waftester/vulnassess/pkg/hooks"
	"github.com/waftester/vulnassess/pkg/httpclient"
	"github.com/waftester/vulnassess/pkg/portscan"
	"github.com/waftester/vulnassess/pkg/ratelimit"
	"github.com/waftester/vulnassess/pkg/report"
	"github.com/waftester/vulnassess/pkg/scoring"
	"github.com/waftester/vulnassess/pkg/target"
)

// Config holds engine configuration. Zero values take package defaults.
type Config struct {
	PortWorkers int
	WebWorkers  int
	APIWorkers  int

	ConnectTimeout time.Duration
	BannerTimeout  time.Duration
	RunTimeout     time.Duration

	// RateLimit is the per-target request ceiling shared by both probe
	// phases (req/s). There is always a ceiling; zero means the default.
	RateLimit float64

	// Classes restricts probing to these vulnerability classes (all when
	// empty).
	Classes []catalog.Class

	// SkipWeb and SkipAPI leave a probe phase out; the phase is still
	// recorded.
	SkipWeb bool
	SkipAPI bool

	Catalog *catalog.Catalog
	Rules   *fingerprint.Table
	Scoring scoring.Profile

	// CVE is the knowledge store consulted in CVE_MATCH. Without one the
	// phase records a caveat.
	CVE *cve.Store

	Client   *http.Client
	Resolver target.Resolver

	// Dial overrides the port scanner's connect function (tests).
	Dial func(ctx context.Context, network, addr string) (net.Conn, error)
}

// DefaultConfig returns sensible defaults for an engine.
func DefaultConfig() *Config {
	return &Config{
		PortWorkers:    defaults.PortWorkers,
		WebWorkers:     defaults.WebProbeWorkers,
		APIWorkers:     defaults.APIProbeWorkers,
		ConnectTimeout: duration.ConnectTimeout,
		BannerTimeout:  duration.BannerTimeout,
		RunTimeout:     duration.RunTimeout,
		RateLimit:      defaults.ProbeRateLimit,
		Scoring:        scoring.Default(),
	}
}

// RunStore persists run records. history.Store satisfies it.
type RunStore interface {
	Save(run *report.AssessmentRun) error
	Get(id string) (*report.AssessmentRun, error)
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine's logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithStore persists every run transition to s.
func WithStore(s RunStore) Option {
	return func(e *Engine) { e.store = s }
}

// WithHooks publishes run events through d.
func WithHooks(d *hooks.Dispatcher) Option {
	return func(e *Engine) { e.hooks = d }
}

// WithClock overrides the clock used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Engine runs assessments. Safe for concurrent use.
type Engine struct {
	cfg     Config
	limiter *ratelimit.Limiter
	store   RunStore
	hooks   *hooks.Dispatcher
	logger  *slog.Logger
	now     func() time.Time

	mu   sync.RWMutex
	runs map[string]*run
	wg   sync.WaitGroup
}

// New creates an engine. A nil cfg uses DefaultConfig.
func New(cfg *Config, opts ...Option) (*Engine, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	c := *cfg
	def := DefaultConfig()
	if c.PortWorkers <= 0 {
		c.PortWorkers = def.PortWorkers
	}
	if c.WebWorkers <= 0 {
		c.WebWorkers = def.WebWorkers
	}
	if c.APIWorkers <= 0 {
		c.APIWorkers = def.APIWorkers
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.BannerTimeout <= 0 {
		c.BannerTimeout = def.BannerTimeout
	}
	if c.RunTimeout <= 0 {
		c.RunTimeout = def.RunTimeout
	}
	if c.RateLimit <= 0 {
		c.RateLimit = def.RateLimit
	}
	if c.Scoring.Name == "" {
		c.Scoring = def.Scoring
	}
	if err := c.Scoring.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", finding.ErrConfiguration, err)
	}
	if c.Catalog == nil {
		cat, err := catalog.Default()
		if err != nil {
			return nil, err
		}
		c.Catalog = cat
	}
	known := c.Catalog.Classes()
	for _, cl := range c.Classes {
		if !slices.Contains(known, cl) {
			return nil, fmt.Errorf("%w: unknown class %q", finding.ErrConfiguration, cl)
		}
	}
	if c.Rules == nil {
		tbl, err := fingerprint.Default()
		if err != nil {
			return nil, err
		}
		c.Rules = tbl
	}
	if c.Client == nil {
		c.Client = httpclient.New(httpclient.Probe())
	}

	e := &Engine{
		cfg: c,
		limiter: ratelimit.New(ratelimit.Config{
			RequestsPerSecond: c.RateLimit,
			Burst:             defaults.ProbeBurst,
			PerHost:           true,
			AdaptiveSlowdown:  true,
		}),
		logger: slog.Default(),
		now:    time.Now,
		runs:   make(map[string]*run),
	}
	for _, o := range opts {
		o(e)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	return e, nil
}

// Start validates spec and profile, then launches the assessment in the
// background and returns its id. Invalid input is rejected with an error
// wrapping finding.ErrConfiguration before any network I/O. ctx scopes only
// the call; the run itself is bounded by Config.RunTimeout and Cancel.
func (e *Engine) Start(ctx context.Context, spec target.Spec, profile portscan.Profile) (string, error) {
	if err := profile.Validate(); err != nil {
		return "", err
	}
	if err := target.Validate(spec); err != nil {
		return "", err
	}

	now := e.now()
	rec := &report.AssessmentRun{
		ID:             uuid.NewString(),
		Target:         target.ScanTarget{Host: spec.Host, BaseURLs: slices.Clone(spec.BaseURLs), Auth: spec.Auth},
		Profile:        profile.String(),
		ScoringProfile: e.cfg.Scoring.Name,
		Phase:          report.PhaseCreated,
		StartedAt:      now,
		PhaseHistory:   []report.PhaseTransition{{Phase: report.PhaseCreated, At: now}},
	}
	r := newRun(rec)

	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.RunTimeout)
	r.cancelCtx = cancel

	e.mu.Lock()
	e.runs[rec.ID] = r
	e.mu.Unlock()

	e.persist(r)
	e.emit(runCtx, r, hooks.Event{Type: hooks.EventRunStarted})
	e.logger.Info("assessment accepted",
		slog.String("id", rec.ID),
		slog.String("host", spec.Host),
		slog.String("profile", rec.Profile),
	)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer cancel()
		defer close(r.done)
		e.execute(runCtx, r, spec, profile)
	}()
	return rec.ID, nil
}

func (e *Engine) lookup(id string) (*run, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.runs[id]
	return r, ok
}

// GetStatus reports a run's progress. It has no side effects. Runs that
// are no longer in memory are read from the store.
func (e *Engine) GetStatus(id string) (report.Status, error) {
	if r, ok := e.lookup(id); ok {
		return r.status(), nil
	}
	rec, err := e.stored(id)
	if err != nil {
		return report.Status{}, err
	}
	return rec.Status(), nil
}

// GetReport returns a redacted copy of the run: complete once COMPLETED,
// partial on FAILED and while running.
func (e *Engine) GetReport(id string) (*report.AssessmentRun, error) {
	if r, ok := e.lookup(id); ok {
		return r.snapshot().Redacted(), nil
	}
	return e.stored(id)
}

func (e *Engine) stored(id string) (*report.AssessmentRun, error) {
	if e.store == nil {
		return nil, fmt.Errorf("%w: %s", finding.ErrNotFound, id)
	}
	return e.store.Get(id)
}

// Cancel asks a run to stop. New work stops being dispatched at once;
// in-flight probes drain and the run ends FAILED with reason cancelled.
// Cancelling a finished run is a no-op.
func (e *Engine) Cancel(id string) error {
	r, ok := e.lookup(id)
	if !ok {
		if _, err := e.stored(id); err != nil {
			return err
		}
		return nil
	}
	if r.stopRequested() {
		return nil
	}
	e.logger.Info("assessment cancel requested", slog.String("id", id))
	r.requestStop()
	return nil
}

// Wait blocks until the run reaches a terminal phase or ctx ends, and
// returns its report.
func (e *Engine) Wait(ctx context.Context, id string) (*report.AssessmentRun, error) {
	r, ok := e.lookup(id)
	if !ok {
		return e.stored(id)
	}
	select {
	case <-r.done:
		return r.snapshot().Redacted(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// List returns the status of every run held in memory, newest first.
func (e *Engine) List() []report.Status {
	e.mu.RLock()
	out := make([]report.Status, 0, len(e.runs))
	for _, r := range e.runs {
		out = append(out, r.status())
	}
	e.mu.RUnlock()
	slices.SortFunc(out, func(a, b report.Status) int { return b.StartedAt.Compare(a.StartedAt) })
	return out
}

// Forget drops a finished run from memory; it stays readable through the
// store.
func (e *Engine) Forget(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if r, ok := e.runs[id]; ok && r.status().Phase.Terminal() {
		delete(e.runs, id)
	}
}

// Shutdown cancels every active run and waits for them to finish or for
// ctx to end.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.RLock()
	for _, r := range e.runs {
		r.requestStop()
	}
	e.mu.RUnlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// persist stores a snapshot of r. Store failures are logged, never fatal.
func (e *Engine) persist(r *run) {
	if e.store == nil {
		return
	}
	if err := e.store.Save(r.snapshot()); err != nil {
		e.logger.Warn("run store save failed",
			slog.String("id", r.id),
			slog.String("error", err.Error()),
		)
	}
}

// emit fills the run fields of ev and dispatches it. Callers must not hold
// r.mu.
func (e *Engine) emit(ctx context.Context, r *run, ev hooks.Event) {
	st := r.status()
	ev.RunID = r.id
	ev.Host = r.host
	ev.Phase = st.Phase
	ev.ProgressPct = st.ProgressPct
	if ev.At.IsZero() {
		ev.At = e.now()
	}
	if ev.Type == hooks.EventRunCompleted || ev.Type == hooks.EventRunFailed {
		ev.Status = &st
	}
	e.hooks.Dispatch(context.WithoutCancel(ctx), ev)
}
