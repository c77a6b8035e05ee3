package assessment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/waftester/vulnassess/pkg/aggregate"
	"github.com/waftester/vulnassess/pkg/cve"
	"github.com/waftester/vulnassess/pkg/finding"
	"github.com/waftester/vulnassess/pkg/hooks"
	"github.com/waftester/vulnassess/pkg/hosterrors"
	"github.com/waftester/vulnassess/pkg/portscan"
	"github.com/waftester/vulnassess/pkg/probe"
	"github.com/waftester/vulnassess/pkg/report"
	"github.com/waftester/vulnassess/pkg/scoring"
	"github.com/waftester/vulnassess/pkg/target"
)

// run is the live state of one assessment. rec is only touched under mu;
// readers get clones.
type run struct {
	id   string
	host string

	mu  sync.Mutex
	rec *report.AssessmentRun

	stop      chan struct{}
	stopOnce  sync.Once
	done      chan struct{}
	cancelCtx context.CancelFunc

	// hostErrs is shared by the web and API phases.
	hostErrs *hosterrors.Cache
}

func newRun(rec *report.AssessmentRun) *run {
	return &run{
		id:       rec.ID,
		host:     rec.Target.Host,
		rec:      rec,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		hostErrs: hosterrors.New(hosterrors.DefaultMaxErrors, 0),
	}
}

func (r *run) requestStop() {
	r.stopOnce.Do(func() { close(r.stop) })
}

func (r *run) stopRequested() bool {
	select {
	case <-r.stop:
		return true
	default:
		return false
	}
}

func (r *run) status() report.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rec.Status()
}

func (r *run) snapshot() *report.AssessmentRun {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rec.Clone()
}

func (r *run) update(fn func(rec *report.AssessmentRun)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(r.rec)
}

func (r *run) caveat(msg string) {
	r.update(func(rec *report.AssessmentRun) {
		if !slices.Contains(rec.Caveats, msg) {
			rec.Caveats = append(rec.Caveats, msg)
		}
	})
}

// execute drives r through the state machine. Phase completion is a
// barrier: a phase starts only after the previous one has drained.
func (e *Engine) execute(ctx context.Context, r *run, spec target.Spec, profile portscan.Profile) {
	defer func() {
		if rec := recover(); rec != nil {
			e.logger.Error("assessment panicked",
				slog.String("id", r.id),
				slog.String("error", fmt.Sprint(rec)),
			)
			e.fail(ctx, r, report.ReasonInternal, fmt.Sprint(rec))
		}
	}()

	tgt, err := target.Resolve(ctx, spec, e.cfg.Resolver)
	if err != nil {
		if e.halted(ctx, r) {
			return
		}
		reason := report.ReasonInternal
		if errors.Is(err, finding.ErrTargetUnresolvable) {
			reason = report.ReasonUnresolvable
		}
		e.fail(ctx, r, reason, err.Error())
		return
	}
	r.update(func(rec *report.AssessmentRun) { rec.Target = tgt })

	if e.halted(ctx, r) {
		return
	}
	e.transition(ctx, r, report.PhasePortScan, profile.String())
	if err := e.scanPorts(ctx, r, tgt, profile); err != nil {
		if errors.Is(err, finding.ErrTargetUnresolvable) {
			e.fail(ctx, r, report.ReasonUnresolvable, err.Error())
			return
		}
		if !interrupted(err) {
			r.caveat("port scan: " + err.Error())
		}
	}

	if e.halted(ctx, r) {
		return
	}
	e.runProbePhases(ctx, r, tgt)

	if e.halted(ctx, r) {
		return
	}
	e.transition(ctx, r, report.PhaseCVEMatch, "")
	e.matchCVEs(ctx, r)

	if e.halted(ctx, r) {
		return
	}
	e.transition(ctx, r, report.PhaseAggregate, "")
	findings := e.aggregate(r)
	e.publishFindings(ctx, r, findings)

	e.finish(ctx, r, report.PhaseCompleted, "", "")
}

func interrupted(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// halted ends the run as FAILED when it was cancelled or timed out, and
// reports whether it did.
func (e *Engine) halted(ctx context.Context, r *run) bool {
	switch {
	case r.stopRequested():
		e.fail(ctx, r, report.ReasonCancelled, finding.ErrCancelled.Error())
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		e.fail(ctx, r, report.ReasonTimeout, finding.ErrRunTimeout.Error())
	case ctx.Err() != nil:
		e.fail(ctx, r, report.ReasonCancelled, ctx.Err().Error())
	default:
		return false
	}
	return true
}

// transition enters phase. Progress only rises.
func (e *Engine) transition(ctx context.Context, r *run, phase report.Phase, note string) {
	r.update(func(rec *report.AssessmentRun) {
		rec.Phase = phase
		rec.ProgressPct = max(rec.ProgressPct, phase.Checkpoint())
		rec.PhaseHistory = append(rec.PhaseHistory, report.PhaseTransition{
			Phase:       phase,
			At:          e.now(),
			ProgressPct: rec.ProgressPct,
			Note:        note,
		})
	})
	e.persist(r)
	e.emit(ctx, r, hooks.Event{Type: hooks.EventPhaseChanged})
}

func (e *Engine) scanPorts(ctx context.Context, r *run, tgt target.ScanTarget, profile portscan.Profile) error {
	s, err := portscan.New(portscan.Options{
		Workers:        e.cfg.PortWorkers,
		ConnectTimeout: e.cfg.ConnectTimeout,
		BannerTimeout:  e.cfg.BannerTimeout,
		Rules:          e.cfg.Rules,
		Stop:           r.stop,
		Dial:           e.cfg.Dial,
		Logger:         e.logger,
		OnResult: func(pf portscan.PortFinding) {
			if pf.State != portscan.StateOpen {
				return
			}
			r.update(func(rec *report.AssessmentRun) { rec.PortFindings = append(rec.PortFindings, pf) })
			e.emit(ctx, r, hooks.Event{Type: hooks.EventPortOpen, Port: &pf})
		},
	})
	if err != nil {
		return err
	}
	ports, err := s.ScanPorts(ctx, tgt, profile)
	r.update(func(rec *report.AssessmentRun) { rec.PortFindings = ports })
	return err
}

// runProbePhases runs WEB_PROBE and API_PROBE concurrently. Both are
// recorded as entered; the run reports WEB_PROBE until both drain, then
// API_PROBE's checkpoint.
func (e *Engine) runProbePhases(ctx context.Context, r *run, tgt target.ScanTarget) {
	e.transition(ctx, r, report.PhaseWebProbe, "")
	r.update(func(rec *report.AssessmentRun) {
		rec.PhaseHistory = append(rec.PhaseHistory, report.PhaseTransition{
			Phase:       report.PhaseAPIProbe,
			At:          e.now(),
			ProgressPct: rec.ProgressPct,
			Note:        "concurrent with " + string(report.PhaseWebProbe),
		})
	})
	e.persist(r)

	var (
		wg             sync.WaitGroup
		web, api       []probe.Result
		webErr, apiErr error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		web, webErr = e.probePhase(ctx, r, tgt, false)
	}()
	go func() {
		defer wg.Done()
		api, apiErr = e.probePhase(ctx, r, tgt, true)
	}()
	wg.Wait()

	results := slices.Concat(web, api)
	r.update(func(rec *report.AssessmentRun) { rec.ProbeResults = results })
	if webErr != nil && !interrupted(webErr) {
		r.caveat("web probe: " + webErr.Error())
	}
	if apiErr != nil && !interrupted(apiErr) {
		r.caveat("api probe: " + apiErr.Error())
	}
	if n := r.hostErrs.Len(); n > 0 {
		r.caveat(fmt.Sprintf("%d endpoint(s) stopped responding during probing; their remaining cases are inconclusive", n))
	}
	if r.stopRequested() || ctx.Err() != nil {
		return
	}
	e.transition(ctx, r, report.PhaseAPIProbe, "probe phases drained")
}

func (e *Engine) probePhase(ctx context.Context, r *run, tgt target.ScanTarget, api bool) ([]probe.Result, error) {
	if (api && e.cfg.SkipAPI) || (!api && e.cfg.SkipWeb) {
		return nil, nil
	}
	cases := e.cfg.Catalog.Filter(e.cfg.Classes, api)
	if len(cases) == 0 {
		return nil, nil
	}
	workers := e.cfg.WebWorkers
	if api {
		workers = e.cfg.APIWorkers
	}
	p := probe.New(probe.Options{
		Client:     e.cfg.Client,
		Limiter:    e.limiter,
		Workers:    workers,
		API:        api,
		Stop:       r.stop,
		HostErrors: r.hostErrs,
		Logger:     e.logger,
		OnResult: func(res probe.Result) {
			r.update(func(rec *report.AssessmentRun) { rec.ProbeResults = append(rec.ProbeResults, res) })
			e.emit(ctx, r, hooks.Event{Type: hooks.EventProbeResult, Probe: &res})
		},
	})
	return p.RunProbes(ctx, tgt, cases)
}

// matchCVEs looks up every open port with an identified version. A cache
// past its TTL is refreshed first; if that fails the cached records are
// still used and come back flagged stale.
func (e *Engine) matchCVEs(ctx context.Context, r *run) {
	store := e.cfg.CVE
	if store == nil {
		r.caveat("cve matching skipped: no knowledge store configured")
		return
	}
	if store.Expired() {
		n, err := store.Sync(ctx, store.LastSync())
		ev := hooks.Event{Type: hooks.EventCVESync, Updated: n}
		if err != nil {
			ev.Error = err.Error()
			r.caveat("cve knowledge store refresh failed; using cached records")
		}
		e.emit(ctx, r, ev)
	}
	if store.Len() == 0 {
		r.caveat("cve knowledge store is empty")
	}
	ports := r.snapshot().PortFindings
	var matches []cve.Match
	for _, pf := range ports {
		if pf.State != portscan.StateOpen || pf.Version == "" {
			continue
		}
		matches = append(matches, store.MatchService(pf.Port, pf.ServiceGuess, pf.Product, pf.Version, pf.Confidence)...)
	}
	if slices.ContainsFunc(matches, func(m cve.Match) bool { return m.Record.Stale }) {
		r.caveat("cve records are past their ttl and the last refresh failed")
	}
	r.update(func(rec *report.AssessmentRun) { rec.CVEMatches = matches })
}

// aggregate turns the evidence collected so far into scored findings.
func (e *Engine) aggregate(r *run) []finding.Finding {
	snap := r.snapshot()
	agg := &aggregate.Aggregator{
		Catalog: e.cfg.Catalog,
		Profile: e.cfg.Scoring,
		Now:     e.now,
		Logger:  e.logger,
	}
	findings := agg.Aggregate(snap.PortFindings, snap.ProbeResults, snap.CVEMatches)
	score := scoring.OverallScore(findings, e.cfg.Scoring)
	r.update(func(rec *report.AssessmentRun) {
		rec.Findings = findings
		rec.OverallScore = score
	})
	return findings
}

func (e *Engine) publishFindings(ctx context.Context, r *run, findings []finding.Finding) {
	for i := range findings {
		f := findings[i].Clone()
		e.emit(ctx, r, hooks.Event{Type: hooks.EventFinding, Finding: &f})
	}
}

// fail ends r as FAILED, keeping partial findings aggregated from whatever
// evidence exists.
func (e *Engine) fail(ctx context.Context, r *run, reason, detail string) {
	if r.status().Phase.Terminal() {
		return
	}
	findings := e.aggregate(r)
	e.publishFindings(ctx, r, findings)
	e.finish(ctx, r, report.PhaseFailed, reason, detail)
}

func (e *Engine) finish(ctx context.Context, r *run, phase report.Phase, reason, detail string) {
	r.update(func(rec *report.AssessmentRun) {
		now := e.now()
		rec.Phase = phase
		if phase == report.PhaseCompleted {
			rec.ProgressPct = phase.Checkpoint()
		}
		rec.FailureReason = reason
		rec.CompletedAt = now
		rec.PhaseHistory = append(rec.PhaseHistory, report.PhaseTransition{
			Phase:       phase,
			At:          now,
			ProgressPct: rec.ProgressPct,
			Note:        detail,
		})
	})
	e.persist(r)

	st := r.status()
	attrs := []slog.Attr{
		slog.String("id", r.id),
		slog.String("host", r.host),
		slog.String("phase", string(st.Phase)),
		slog.Int("findings", st.PartialFindingsCount),
		slog.Float64("overall_score", st.OverallScore),
	}
	typ := hooks.EventRunCompleted
	if phase == report.PhaseFailed {
		typ = hooks.EventRunFailed
		attrs = append(attrs, slog.String("reason", reason))
	}
	e.logger.LogAttrs(ctx, slog.LevelInfo, "assessment finished", attrs...)
	e.emit(ctx, r, hooks.Event{Type: typ})
}
