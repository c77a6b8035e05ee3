package ui

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/waftester/vulnassess/pkg/hooks"
	"github.com/waftester/vulnassess/pkg/report"
)

// ProgressBar renders a fixed-width bar for pct (0-100).
func ProgressBar(pct, width int) string {
	pct = max(0, min(100, pct))
	if width <= 0 {
		width = 30
	}
	filled := width * pct / 100
	return "[" +
		ProgressFullStyle.Render(strings.Repeat(Icon("█", "#"), filled)) +
		ProgressEmptyStyle.Render(strings.Repeat(Icon("░", "."), width-filled)) +
		"]"
}

// StatusLine formats a one-line run status.
func StatusLine(s report.Status) string {
	line := fmt.Sprintf("%s %3d%% %s",
		ProgressBar(s.ProgressPct, 30), s.ProgressPct, PhaseStyle(s.Phase).Render(string(s.Phase)))
	if s.PartialFindingsCount > 0 {
		line += StatLabelStyle.Render(fmt.Sprintf(" | %d findings", s.PartialFindingsCount))
	}
	if s.FailureReason != "" {
		line += " " + ErrorStyle.Render(s.FailureReason)
	}
	return line
}

// LiveProgress is a hook that narrates a run on a terminal: phase changes
// and matched probes as they happen, and a final status line.
type LiveProgress struct {
	mu      sync.Mutex
	w       io.Writer
	verbose bool
	started time.Time
	ports   int
	probes  int
}

// NewLiveProgress creates a LiveProgress writing to w. When verbose is set
// every open port is reported too.
func NewLiveProgress(w io.Writer, verbose bool) *LiveProgress {
	return &LiveProgress{w: w, verbose: verbose, started: time.Now()}
}

// EventTypes implements hooks.Hook.
func (p *LiveProgress) EventTypes() []hooks.EventType {
	return []hooks.EventType{
		hooks.EventPhaseChanged,
		hooks.EventPortOpen,
		hooks.EventProbeResult,
		hooks.EventRunCompleted,
		hooks.EventRunFailed,
	}
}

// OnEvent implements hooks.Hook.
func (p *LiveProgress) OnEvent(_ context.Context, e hooks.Event) error {
	if IsSilent() {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	switch e.Type {
	case hooks.EventPhaseChanged:
		fmt.Fprintf(p.w, "%s %3d%% %s\n",
			BracketStyle.Render("["+time.Since(p.started).Round(time.Second).String()+"]"),
			e.ProgressPct, PhaseStyle(e.Phase).Render(string(e.Phase)))
	case hooks.EventPortOpen:
		p.ports++
		if p.verbose && e.Port != nil {
			fmt.Fprintf(p.w, "  %s %s %s\n",
				BracketStyle.Render("[port]"), e.Port.Ref(), StatLabelStyle.Render(e.Port.ServiceGuess))
		}
	case hooks.EventProbeResult:
		p.probes++
		if e.Probe != nil && e.Probe.Matched {
			fmt.Fprintf(p.w, "  %s %s %s\n",
				BracketStyle.Render("["+e.Probe.TestCaseID+"]"),
				URLStyle.Render(e.Probe.Location),
				StatLabelStyle.Render(Truncate(e.Probe.Evidence, 60)))
		}
	case hooks.EventRunCompleted, hooks.EventRunFailed:
		if e.Status != nil {
			fmt.Fprintln(p.w, StatusLine(*e.Status))
		}
		fmt.Fprintf(p.w, "%s\n", StatLabelStyle.Render(
			fmt.Sprintf("%d open ports, %d probes in %s", p.ports, p.probes, time.Since(p.started).Round(time.Millisecond))))
	}
	return nil
}
