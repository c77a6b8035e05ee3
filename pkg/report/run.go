package report

import (
	"slices"
	"time"

	"github.com/waftester/vulnassess/pkg/cve"
	"github.com/waftester/vulnassess/pkg/finding"
	"github.com/waftester/vulnassess/pkg/portscan"
	"github.com/waftester/vulnassess/pkg/probe"
	"github.com/waftester/vulnassess/pkg/target"
)

// Phase is a state of the assessment state machine.
type Phase string

const (
	PhaseCreated   Phase = "CREATED"
	PhasePortScan  Phase = "PORT_SCAN"
	PhaseWebProbe  Phase = "WEB_PROBE"
	PhaseAPIProbe  Phase = "API_PROBE"
	PhaseCVEMatch  Phase = "CVE_MATCH"
	PhaseAggregate Phase = "AGGREGATE"
	PhaseCompleted Phase = "COMPLETED"
	PhaseFailed    Phase = "FAILED"
)

// Checkpoint returns the progress percentage reached on entering p. FAILED
// has no checkpoint of its own; a failed run keeps its last progress.
func (p Phase) Checkpoint() int {
	switch p {
	case PhasePortScan:
		return 10
	case PhaseWebProbe:
		return 25
	case PhaseAPIProbe:
		return 40
	case PhaseCVEMatch:
		return 60
	case PhaseAggregate:
		return 80
	case PhaseCompleted:
		return 100
	}
	return 0
}

// Terminal reports whether no further transitions can happen.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseFailed
}

// Failure reasons reported on FAILED runs.
const (
	ReasonCancelled    = "cancelled"
	ReasonTimeout      = "timeout"
	ReasonUnresolvable = "target_unresolvable"
	ReasonInternal     = "internal_error"
)

// PhaseTransition is one audit entry in a run's phase history.
type PhaseTransition struct {
	Phase       Phase     `json:"phase"`
	At          time.Time `json:"at"`
	ProgressPct int       `json:"progress_pct"`
	Note        string    `json:"note,omitempty"`
}

// AssessmentRun is the full record of one assessment.
type AssessmentRun struct {
	ID             string                 `json:"id"`
	Target         target.ScanTarget      `json:"target"`
	Profile        string                 `json:"profile"`
	ScoringProfile string                 `json:"scoring_profile"`
	Phase          Phase                  `json:"phase"`
	ProgressPct    int                    `json:"progress_pct"`
	Findings       []finding.Finding      `json:"findings"`
	OverallScore   float64                `json:"overall_score"`
	StartedAt      time.Time              `json:"started_at"`
	CompletedAt    time.Time              `json:"completed_at"`
	FailureReason  string                 `json:"failure_reason,omitempty"`
	PhaseHistory   []PhaseTransition      `json:"phase_history"`
	Caveats        []string               `json:"caveats,omitempty"`
	PortFindings   []portscan.PortFinding `json:"port_findings"`
	ProbeResults   []probe.Result         `json:"probe_results"`
	CVEMatches     []cve.Match            `json:"cve_matches"`
}

// Clone returns a deep copy that shares nothing mutable with r.
func (r *AssessmentRun) Clone() *AssessmentRun {
	c := *r
	c.Target = cloneTarget(r.Target)
	c.Findings = make([]finding.Finding, len(r.Findings))
	for i, f := range r.Findings {
		c.Findings[i] = f.Clone()
	}
	c.PhaseHistory = slices.Clone(r.PhaseHistory)
	c.Caveats = slices.Clone(r.Caveats)
	c.PortFindings = slices.Clone(r.PortFindings)
	c.ProbeResults = make([]probe.Result, len(r.ProbeResults))
	for i, p := range r.ProbeResults {
		c.ProbeResults[i] = p.Clone()
	}
	c.CVEMatches = make([]cve.Match, len(r.CVEMatches))
	for i, m := range r.CVEMatches {
		m.Record = m.Record.Clone()
		c.CVEMatches[i] = m
	}
	return &c
}

func cloneTarget(t target.ScanTarget) target.ScanTarget {
	t.ResolvedIPs = slices.Clone(t.ResolvedIPs)
	t.PortRange = slices.Clone(t.PortRange)
	t.BaseURLs = slices.Clone(t.BaseURLs)
	if t.Auth != nil {
		a := *t.Auth
		a.Headers = cloneMap(a.Headers)
		a.Cookies = cloneMap(a.Cookies)
		t.Auth = &a
	}
	return t
}

func cloneMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Redacted returns a clone with credential values masked, for storage and
// export.
func (r *AssessmentRun) Redacted() *AssessmentRun {
	c := r.Clone()
	if c.Target.Auth != nil {
		for k := range c.Target.Auth.Headers {
			c.Target.Auth.Headers[k] = redacted
		}
		for k := range c.Target.Auth.Cookies {
			c.Target.Auth.Cookies[k] = redacted
		}
		c.Target.Auth.BearerToken = ""
	}
	return c
}

const redacted = "[redacted]"

// PartialFindingsCount is the number of findings a report would carry
// now: the aggregated findings once they exist, otherwise the number of
// evidence records collected so far.
func (r *AssessmentRun) PartialFindingsCount() int {
	if len(r.Findings) > 0 {
		return len(r.Findings)
	}
	n := len(r.CVEMatches)
	for _, p := range r.ProbeResults {
		if p.Matched && !p.Inconclusive {
			n++
		}
	}
	return n
}

// Status is the side-effect-free view of a run's progress.
type Status struct {
	ID                   string    `json:"id"`
	Phase                Phase     `json:"phase"`
	ProgressPct          int       `json:"progress_pct"`
	PartialFindingsCount int       `json:"partial_findings_count"`
	FailureReason        string    `json:"failure_reason,omitempty"`
	OverallScore         float64   `json:"overall_score"`
	StartedAt            time.Time `json:"started_at"`
	CompletedAt          time.Time `json:"completed_at"`
}

// Status summarizes r.
func (r *AssessmentRun) Status() Status {
	return Status{
		ID:                   r.ID,
		Phase:                r.Phase,
		ProgressPct:          r.ProgressPct,
		PartialFindingsCount: r.PartialFindingsCount(),
		FailureReason:        r.FailureReason,
		OverallScore:         r.OverallScore,
		StartedAt:            r.StartedAt,
		CompletedAt:          r.CompletedAt,
	}
}
