package finding

import (
	"slices"
	"time"

	"github.com/google/uuid"
)

// Category groups findings by the phase that produced their evidence.
type Category string

const (
	CategoryWeb     Category = "web"
	CategoryAPI     Category = "api"
	CategoryCVE     Category = "cve"
	CategoryNetwork Category = "network"
)

// AllCategories lists every category in reporting order.
func AllCategories() []Category {
	return []Category{CategoryCVE, CategoryWeb, CategoryAPI, CategoryNetwork}
}

// EvidenceKind names the kind of record a piece of evidence points at.
type EvidenceKind string

const (
	EvidenceProbe EvidenceKind = "probe"
	EvidencePort  EvidenceKind = "port"
	EvidenceCVE   EvidenceKind = "cve"
)

// Evidence references one evidentiary record backing a finding.
type Evidence struct {
	Kind       EvidenceKind `json:"kind"`
	Ref        string       `json:"ref"` // test case id, "tcp/22", or CVE id
	Location   string       `json:"location,omitempty"`
	Excerpt    string       `json:"excerpt,omitempty"`
	Confidence float64      `json:"confidence"`
}

// Finding is a derived, scored result. Treat values as immutable; use Revise
// to correct one.
type Finding struct {
	ID         string `json:"id"`
	Version    int    `json:"version"`
	Supersedes string `json:"supersedes,omitempty"`

	Category Category `json:"category"`
	Title    string   `json:"title"`
	Severity Severity `json:"severity"`
	CWEID    string   `json:"cwe_id,omitempty"`
	OWASPID  string   `json:"owasp_id,omitempty"`
	Location string   `json:"location"`

	Evidence          []Evidence `json:"evidence"`
	Remediation       string     `json:"remediation_text,omitempty"`
	Confidence        float64    `json:"confidence"`
	ScoreContribution float64    `json:"score_contribution"`
	CreatedAt         time.Time  `json:"created_at"`
}

// NewID returns a fresh finding identifier.
func NewID() string {
	return uuid.NewString()
}

// Revise returns a corrected copy of f under a new id and version. The
// receiver is left untouched.
func (f Finding) Revise(mutate func(*Finding)) Finding {
	next := f.Clone()
	next.ID = NewID()
	next.Version = f.Version + 1
	next.Supersedes = f.ID
	next.CreatedAt = time.Now()
	if mutate != nil {
		mutate(&next)
	}
	return next
}

// Clone returns a deep copy of f.
func (f Finding) Clone() Finding {
	f.Evidence = slices.Clone(f.Evidence)
	return f
}

// HasEvidence reports whether f traces to at least one evidentiary record.
func (f Finding) HasEvidence() bool {
	return len(f.Evidence) > 0
}

// SortBySeverity orders findings most severe first, then by score
// contribution, then by location for stable output.
func SortBySeverity(fs []Finding) {
	slices.SortStableFunc(fs, func(a, b Finding) int {
		if d := b.Severity.Rank() - a.Severity.Rank(); d != 0 {
			return d
		}
		switch {
		case a.ScoreContribution > b.ScoreContribution:
			return -1
		case a.ScoreContribution < b.ScoreContribution:
			return 1
		}
		switch {
		case a.Location < b.Location:
			return -1
		case a.Location > b.Location:
			return 1
		}
		return 0
	})
}
