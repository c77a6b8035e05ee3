package hooks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/waftester/vulnassess/pkg/defaults"
	"github.com/waftester/vulnassess/pkg/duration"
)

var _ Hook = (*OTelHook)(nil)

// OTelHook traces each run as a root span with one child span per phase.
// Findings and failed probes are recorded as span events.
type OTelHook struct {
	opts     OTelOptions
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer

	mu     sync.Mutex
	runs   map[string]*runSpans
	closed bool
}

type runSpans struct {
	ctx   context.Context
	root  trace.Span
	phase trace.Span
}

// OTelOptions configures the OTLP exporter.
type OTelOptions struct {
	// Endpoint is the OTLP/gRPC collector address, e.g. "localhost:4317".
	Endpoint    string
	ServiceName string
	Insecure    bool
	Headers     map[string]string

	ShutdownTimeout   time.Duration
	ConnectionTimeout time.Duration
}

// NewOTelHook creates a hook exporting over OTLP/gRPC. Connection failures
// surface at export time and never block a run.
func NewOTelHook(opts OTelOptions) (*OTelHook, error) {
	if opts.ServiceName == "" {
		opts.ServiceName = defaults.ToolName
	}
	if opts.Endpoint == "" {
		opts.Endpoint = "localhost:4317"
	}
	if opts.ConnectionTimeout == 0 {
		opts.ConnectionTimeout = duration.TelemetryConnect
	}

	exporterOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(opts.Endpoint)}
	if opts.Insecure {
		exporterOpts = append(exporterOpts,
			otlptracegrpc.WithInsecure(),
			otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())))
	}
	if len(opts.Headers) > 0 {
		exporterOpts = append(exporterOpts, otlptracegrpc.WithHeaders(opts.Headers))
	}

	ctx, cancel := context.WithTimeout(context.Background(), opts.ConnectionTimeout)
	defer cancel()
	exporter, err := otlptracegrpc.New(ctx, exporterOpts...)
	if err != nil {
		return nil, fmt.Errorf("otel: create exporter: %w", err)
	}

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(opts.ServiceName),
		semconv.ServiceVersion(defaults.Version),
		attribute.String("service.component", "assessment"),
	)
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	return NewOTelHookWithProvider(provider, opts), nil
}

// NewOTelHookWithProvider traces through an existing provider. Close shuts
// the provider down.
func NewOTelHookWithProvider(provider *sdktrace.TracerProvider, opts OTelOptions) *OTelHook {
	if opts.ShutdownTimeout == 0 {
		opts.ShutdownTimeout = duration.TelemetryShutdown
	}
	return &OTelHook{
		opts:     opts,
		provider: provider,
		tracer:   provider.Tracer(defaults.ToolName + "/assessment"),
		runs:     make(map[string]*runSpans),
	}
}

func (h *OTelHook) EventTypes() []EventType {
	return []EventType{EventRunStarted, EventPhaseChanged, EventProbeResult, EventFinding, EventRunCompleted, EventRunFailed}
}

func (h *OTelHook) OnEvent(ctx context.Context, e Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}

	if e.Type == EventRunStarted {
		spanCtx, root := h.tracer.Start(context.WithoutCancel(ctx), defaults.ToolName+".run",
			trace.WithSpanKind(trace.SpanKindClient),
			trace.WithTimestamp(e.At),
			trace.WithAttributes(
				attribute.String("run_id", e.RunID),
				attribute.String("target", e.Host),
			))
		h.runs[e.RunID] = &runSpans{ctx: spanCtx, root: root}
		return nil
	}

	rs, ok := h.runs[e.RunID]
	if !ok {
		return nil
	}
	switch e.Type {
	case EventPhaseChanged:
		if rs.phase != nil {
			rs.phase.End(trace.WithTimestamp(e.At))
		}
		_, rs.phase = h.tracer.Start(rs.ctx, "phase."+string(e.Phase),
			trace.WithTimestamp(e.At),
			trace.WithAttributes(attribute.Int("progress_pct", e.ProgressPct)))
	case EventProbeResult:
		if e.Probe != nil && e.Probe.Inconclusive && rs.phase != nil {
			rs.phase.AddEvent("probe_inconclusive", trace.WithAttributes(
				attribute.String("test_id", e.Probe.TestCaseID),
				attribute.String("location", e.Probe.Location),
			))
		}
	case EventFinding:
		if e.Finding != nil {
			rs.root.AddEvent("finding", trace.WithAttributes(
				attribute.String("category", string(e.Finding.Category)),
				attribute.String("severity", string(e.Finding.Severity)),
				attribute.String("cwe", e.Finding.CWEID),
				attribute.String("location", e.Finding.Location),
			))
		}
	case EventRunCompleted, EventRunFailed:
		if rs.phase != nil {
			rs.phase.End(trace.WithTimestamp(e.At))
		}
		if e.Status != nil {
			rs.root.SetAttributes(
				attribute.Int("findings", e.Status.PartialFindingsCount),
				attribute.Float64("overall_score", e.Status.OverallScore),
			)
		}
		if e.Type == EventRunFailed {
			reason := ""
			if e.Status != nil {
				reason = e.Status.FailureReason
			}
			rs.root.SetStatus(codes.Error, reason)
		} else {
			rs.root.SetStatus(codes.Ok, "")
		}
		rs.root.End(trace.WithTimestamp(e.At))
		delete(h.runs, e.RunID)
	}
	return nil
}

// Close ends open spans and flushes the provider.
func (h *OTelHook) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	for id, rs := range h.runs {
		if rs.phase != nil {
			rs.phase.End()
		}
		rs.root.End()
		delete(h.runs, id)
	}
	ctx, cancel := context.WithTimeout(context.Background(), h.opts.ShutdownTimeout)
	defer cancel()
	if err := h.provider.Shutdown(ctx); err != nil {
		return fmt.Errorf("otel: shutdown tracer provider: %w", err)
	}
	return nil
}

// Endpoint returns the configured collector address.
func (h *OTelHook) Endpoint() string { return h.opts.Endpoint }
