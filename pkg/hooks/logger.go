package hooks

import (
	"context"
	"log/slog"
)

// orDefault returns l if non-nil, otherwise slog.Default().
func orDefault(l *slog.Logger) *slog.Logger {
	if l != nil {
		return l
	}
	return slog.Default()
}

// LoggerHook writes events as structured log records. Per-port and
// per-probe events log at debug level.
type LoggerHook struct {
	logger *slog.Logger
}

// NewLoggerHook creates a logging hook; nil uses slog.Default().
func NewLoggerHook(l *slog.Logger) *LoggerHook {
	return &LoggerHook{logger: orDefault(l)}
}

func (h *LoggerHook) EventTypes() []EventType { return nil }

func (h *LoggerHook) OnEvent(ctx context.Context, e Event) error {
	attrs := []slog.Attr{slog.String("run", e.RunID)}
	if e.Host != "" {
		attrs = append(attrs, slog.String("host", e.Host))
	}
	level := slog.LevelInfo
	msg := string(e.Type)

	switch e.Type {
	case EventRunStarted:
		msg = "assessment started"
	case EventPhaseChanged:
		msg = "phase changed"
		attrs = append(attrs, slog.String("phase", string(e.Phase)), slog.Int("progress", e.ProgressPct))
	case EventPortOpen:
		level = slog.LevelDebug
		msg = "open port"
		if e.Port != nil {
			attrs = append(attrs, slog.Int("port", e.Port.Port), slog.String("service", e.Port.ServiceGuess), slog.String("version", e.Port.Version))
		}
	case EventProbeResult:
		level = slog.LevelDebug
		msg = "probe result"
		if e.Probe != nil {
			attrs = append(attrs, slog.String("test", e.Probe.TestCaseID), slog.String("location", e.Probe.Location),
				slog.Bool("matched", e.Probe.Matched), slog.Bool("inconclusive", e.Probe.Inconclusive))
		}
	case EventFinding:
		msg = "finding"
		if e.Finding != nil {
			attrs = append(attrs, slog.String("severity", string(e.Finding.Severity)), slog.String("category", string(e.Finding.Category)),
				slog.String("title", e.Finding.Title), slog.String("location", e.Finding.Location))
		}
	case EventRunCompleted:
		msg = "assessment completed"
		if e.Status != nil {
			attrs = append(attrs, slog.Int("findings", e.Status.PartialFindingsCount), slog.Float64("score", e.Status.OverallScore))
		}
	case EventRunFailed:
		level = slog.LevelWarn
		msg = "assessment failed"
		if e.Status != nil {
			attrs = append(attrs, slog.String("reason", e.Status.FailureReason), slog.Int("partial_findings", e.Status.PartialFindingsCount))
		}
	case EventCVESync:
		msg = "cve sync"
		attrs = append(attrs, slog.Int("updated", e.Updated))
		if e.Error != "" {
			level = slog.LevelWarn
			attrs = append(attrs, slog.String("error", e.Error))
		}
	}
	h.logger.LogAttrs(ctx, level, msg, attrs...)
	return nil
}
