package hooks

import (
	"context"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/waftester/vulnassess/pkg/defaults"
)

var _ Hook = (*PrometheusHook)(nil)

// PrometheusHook keeps assessment metrics on a private registry. Serve
// them with Handler.
type PrometheusHook struct {
	registry *prometheus.Registry

	runsTotal        *prometheus.CounterVec
	portsOpenTotal   *prometheus.CounterVec
	probesTotal      *prometheus.CounterVec
	findingsTotal    *prometheus.CounterVec
	cveSyncTotal     *prometheus.CounterVec
	runProgress      *prometheus.GaugeVec
	overallScore     *prometheus.GaugeVec
	probeLatencySecs *prometheus.HistogramVec

	mu      sync.Mutex
	running map[string]string // run id -> host
}

// NewPrometheusHook creates the hook and registers its collectors.
func NewPrometheusHook() (*PrometheusHook, error) {
	ns := defaults.ToolName
	h := &PrometheusHook{
		registry: prometheus.NewRegistry(),
		running:  make(map[string]string),
		runsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "runs_total", Help: "Assessment runs by final state and failure reason.",
		}, []string{"phase", "reason"}),
		portsOpenTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "ports_open_total", Help: "Open ports found, by guessed service.",
		}, []string{"service"}),
		probesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "probes_total", Help: "Probe results by phase and outcome.",
		}, []string{"phase", "outcome"}),
		findingsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "findings_total", Help: "Findings by category and severity.",
		}, []string{"category", "severity"}),
		cveSyncTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "cve_sync_total", Help: "CVE feed sync attempts by result.",
		}, []string{"result"}),
		runProgress: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns, Name: "run_progress_percent", Help: "Progress of in-flight runs.",
		}, []string{"run"}),
		overallScore: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns, Name: "overall_score", Help: "Overall risk score of the latest completed run per host.",
		}, []string{"host"}),
		probeLatencySecs: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns, Name: "probe_latency_seconds", Help: "Payload response latency.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
		}, []string{"phase"}),
	}
	collectors := []prometheus.Collector{
		h.runsTotal, h.portsOpenTotal, h.probesTotal, h.findingsTotal,
		h.cveSyncTotal, h.runProgress, h.overallScore, h.probeLatencySecs,
	}
	for _, c := range collectors {
		if err := h.registry.Register(c); err != nil {
			return nil, err
		}
	}
	return h, nil
}

// Registry exposes the private registry (tests, extra collectors).
func (h *PrometheusHook) Registry() *prometheus.Registry { return h.registry }

// Handler serves the metrics in the Prometheus exposition format.
func (h *PrometheusHook) Handler() http.Handler {
	return promhttp.HandlerFor(h.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

func (h *PrometheusHook) EventTypes() []EventType { return nil }

func (h *PrometheusHook) OnEvent(_ context.Context, e Event) error {
	switch e.Type {
	case EventRunStarted:
		h.mu.Lock()
		h.running[e.RunID] = e.Host
		h.mu.Unlock()
		h.runProgress.WithLabelValues(e.RunID).Set(0)
	case EventPhaseChanged:
		h.runProgress.WithLabelValues(e.RunID).Set(float64(e.ProgressPct))
	case EventPortOpen:
		if e.Port != nil {
			h.portsOpenTotal.WithLabelValues(e.Port.ServiceGuess).Inc()
		}
	case EventProbeResult:
		if e.Probe == nil {
			return nil
		}
		phase := "web"
		if e.Probe.API {
			phase = "api"
		}
		outcome := "clean"
		switch {
		case e.Probe.Inconclusive:
			outcome = "inconclusive"
		case e.Probe.Matched:
			outcome = "matched"
		}
		h.probesTotal.WithLabelValues(phase, outcome).Inc()
		if e.Probe.Response.LatencyMs > 0 {
			h.probeLatencySecs.WithLabelValues(phase).Observe(float64(e.Probe.Response.LatencyMs) / 1000)
		}
	case EventFinding:
		if e.Finding != nil {
			h.findingsTotal.WithLabelValues(string(e.Finding.Category), string(e.Finding.Severity)).Inc()
		}
	case EventRunCompleted, EventRunFailed:
		reason := ""
		if e.Status != nil {
			reason = e.Status.FailureReason
			if e.Type == EventRunCompleted {
				h.overallScore.WithLabelValues(e.Host).Set(e.Status.OverallScore)
			}
		}
		h.runsTotal.WithLabelValues(string(e.Phase), reason).Inc()
		h.runProgress.DeleteLabelValues(e.RunID)
		h.mu.Lock()
		delete(h.running, e.RunID)
		h.mu.Unlock()
	case EventCVESync:
		result := "ok"
		if e.Error != "" {
			result = "failed"
		}
		h.cveSyncTotal.WithLabelValues(result).Inc()
	}
	return nil
}

// Running returns the number of runs started and not yet finished.
func (h *PrometheusHook) Running() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.running)
}
