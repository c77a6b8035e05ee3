package hooks

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/waftester/vulnassess/pkg/finding"
	"github.com/waftester/vulnassess/pkg/portscan"
	"github.com/waftester/vulnassess/pkg/probe"
	"github.com/waftester/vulnassess/pkg/report"
)

type recorder struct {
	mu     sync.Mutex
	types  []EventType
	filter []EventType
	err    error
	closed bool
}

func (r *recorder) OnEvent(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types = append(r.types, e.Type)
	return r.err
}

func (r *recorder) EventTypes() []EventType { return r.filter }

func (r *recorder) Close() error {
	r.closed = true
	return nil
}

func (r *recorder) seen() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]EventType(nil), r.types...)
}

func runEvents() []Event {
	at := time.Now()
	return []Event{
		{Type: EventRunStarted, RunID: "r1", Host: "h", At: at},
		{Type: EventPhaseChanged, RunID: "r1", Phase: report.PhasePortScan, ProgressPct: 10, At: at},
		{Type: EventPortOpen, RunID: "r1", Port: &portscan.PortFinding{Port: 22, ServiceGuess: "ssh"}, At: at},
		{Type: EventPhaseChanged, RunID: "r1", Phase: report.PhaseWebProbe, ProgressPct: 25, At: at},
		{Type: EventProbeResult, RunID: "r1", Probe: &probe.Result{TestCaseID: "xss-script-tag", Matched: true, Response: probe.ResponseSnapshot{LatencyMs: 12}}, At: at},
		{Type: EventProbeResult, RunID: "r1", Probe: &probe.Result{TestCaseID: "sqli-time-mysql", Inconclusive: true}, At: at},
		{Type: EventFinding, RunID: "r1", Finding: &finding.Finding{Category: finding.CategoryWeb, Severity: finding.High}, At: at},
		{Type: EventRunCompleted, RunID: "r1", Host: "h", Phase: report.PhaseCompleted, ProgressPct: 100, Status: &report.Status{OverallScore: 42.5, PartialFindingsCount: 1}, At: at},
	}
}

func TestDispatcherFiltersAndSurvivesErrors(t *testing.T) {
	d := NewDispatcher(Config{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	all := &recorder{err: errors.New("boom")}
	only := &recorder{filter: []EventType{EventFinding}}
	d.Register(all, only, HookFunc(func(context.Context, Event) error { panic("bad hook") }))

	for _, e := range runEvents() {
		d.Dispatch(context.Background(), e)
	}
	assert.Len(t, all.seen(), len(runEvents()))
	assert.Equal(t, []EventType{EventFinding}, only.seen())

	require.NoError(t, d.Close())
	assert.True(t, all.closed)
	d.Dispatch(context.Background(), Event{Type: EventFinding})
	assert.Len(t, only.seen(), 1, "closed dispatcher drops events")
}

func TestAsyncDispatcherDrainsOnClose(t *testing.T) {
	d := NewDispatcher(Config{Async: true})
	var n atomic.Int32
	d.Register(HookFunc(func(context.Context, Event) error {
		time.Sleep(time.Millisecond)
		n.Add(1)
		return nil
	}))
	for range 20 {
		d.Dispatch(context.Background(), Event{Type: EventProbeResult})
	}
	require.NoError(t, d.Close())
	assert.EqualValues(t, 20, n.Load())
}

func TestNilDispatcherIsNoop(t *testing.T) {
	var d *Dispatcher
	assert.NotPanics(t, func() { d.Dispatch(context.Background(), Event{Type: EventFinding}) })
}

func TestLoggerHook(t *testing.T) {
	var buf bytes.Buffer
	h := NewLoggerHook(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo})))
	for _, e := range runEvents() {
		require.NoError(t, h.OnEvent(context.Background(), e))
	}
	out := buf.String()
	assert.Contains(t, out, "assessment started")
	assert.Contains(t, out, "phase=WEB_PROBE")
	assert.Contains(t, out, "severity=high")
	assert.Contains(t, out, "assessment completed")
	assert.NotContains(t, out, "probe result", "probe events are debug level")
}

func TestPrometheusHook(t *testing.T) {
	h, err := NewPrometheusHook()
	require.NoError(t, err)
	for _, e := range runEvents() {
		require.NoError(t, h.OnEvent(context.Background(), e))
	}
	require.NoError(t, h.OnEvent(context.Background(), Event{Type: EventCVESync, Error: "503"}))

	assert.InDelta(t, 1, testutil.ToFloat64(h.portsOpenTotal.WithLabelValues("ssh")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(h.probesTotal.WithLabelValues("web", "matched")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(h.probesTotal.WithLabelValues("web", "inconclusive")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(h.findingsTotal.WithLabelValues("web", "high")), 0)
	assert.InDelta(t, 42.5, testutil.ToFloat64(h.overallScore.WithLabelValues("h")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(h.runsTotal.WithLabelValues("COMPLETED", "")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(h.cveSyncTotal.WithLabelValues("failed")), 0)
	assert.Zero(t, h.Running())

	rec := httptest.NewRecorder()
	h.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.True(t, strings.Contains(rec.Body.String(), "vulnassess_findings_total"))
}

func TestOTelHookSpans(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	h := NewOTelHookWithProvider(tp, OTelOptions{ShutdownTimeout: time.Second})

	for _, e := range runEvents() {
		require.NoError(t, h.OnEvent(context.Background(), e))
	}
	spans := exp.GetSpans()
	var names []string
	for _, s := range spans {
		names = append(names, s.Name)
	}
	assert.ElementsMatch(t, []string{"phase.PORT_SCAN", "phase.WEB_PROBE", "vulnassess.run"}, names)

	for _, s := range spans {
		if s.Name == "vulnassess.run" {
			require.Len(t, s.Events, 1)
			assert.Equal(t, "finding", s.Events[0].Name)
		} else {
			assert.True(t, s.Parent.IsValid(), "phase spans are children of the run")
		}
	}
	require.NoError(t, h.Close())
	require.NoError(t, h.Close())
}

func TestOTelHookClosesDanglingRuns(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	h := NewOTelHookWithProvider(sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp)), OTelOptions{})
	require.NoError(t, h.OnEvent(context.Background(), Event{Type: EventRunStarted, RunID: "r", At: time.Now()}))
	require.NoError(t, h.OnEvent(context.Background(), Event{Type: EventPhaseChanged, RunID: "r", Phase: report.PhasePortScan, At: time.Now()}))
	assert.Empty(t, exp.GetSpans(), "nothing ended yet")
	require.NoError(t, h.Close())
	assert.Empty(t, h.runs)
	assert.NoError(t, h.OnEvent(context.Background(), Event{Type: EventRunStarted, RunID: "late"}), "closed hook ignores events")
	assert.Empty(t, h.runs)
}
