// Package hooks routes assessment events to consumers: structured logging,
// Prometheus metrics, OpenTelemetry traces and live status streams.
package hooks

import (
	"time"

	"github.com/waftester/vulnassess/pkg/finding"
	"github.com/waftester/vulnassess/pkg/portscan"
	"github.com/waftester/vulnassess/pkg/probe"
	"github.com/waftester/vulnassess/pkg/report"
)

// EventType names an event.
type EventType string

const (
	EventRunStarted   EventType = "run_started"
	EventPhaseChanged EventType = "phase_changed"
	EventPortOpen     EventType = "port_open"
	EventProbeResult  EventType = "probe_result"
	EventFinding      EventType = "finding"
	EventRunCompleted EventType = "run_completed"
	EventRunFailed    EventType = "run_failed"
	EventCVESync      EventType = "cve_sync"
)

// Event is one notification. Only the fields relevant to Type are set.
type Event struct {
	Type  EventType `json:"type"`
	RunID string    `json:"run_id,omitempty"`
	Host  string    `json:"host,omitempty"`
	At    time.Time `json:"at"`

	// Phase and ProgressPct are set on every run event.
	Phase       report.Phase `json:"phase,omitempty"`
	ProgressPct int          `json:"progress_pct"`

	Port    *portscan.PortFinding `json:"port,omitempty"`
	Probe   *probe.Result         `json:"probe,omitempty"`
	Finding *finding.Finding      `json:"finding,omitempty"`

	// Status is set on run_completed and run_failed.
	Status *report.Status `json:"status,omitempty"`

	// CVE sync outcome.
	Updated int    `json:"updated"`
	Error   string `json:"error,omitempty"`
}

// Terminal reports whether e ends a run.
func (e Event) Terminal() bool {
	return e.Type == EventRunCompleted || e.Type == EventRunFailed
}
