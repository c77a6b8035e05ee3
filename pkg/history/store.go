// Package history persists assessment runs as JSON files with an index for
// listing, trend and comparison queries. Every phase transition of a run is
// saved, so the stored phase history doubles as an audit trail.
package history

import (
	"cmp"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"sync"
	"time"

	"github.com/waftester/vulnassess/pkg/finding"
	"github.com/waftester/vulnassess/pkg/jsonutil"
	"github.com/waftester/vulnassess/pkg/report"
)

// Store manages runs on disk. Safe for concurrent use.
type Store struct {
	mu       sync.RWMutex
	basePath string
	index    *storeIndex
}

type storeIndex struct {
	Runs map[string]*Entry `json:"runs"`
}

// Entry is the indexed summary of a stored run.
type Entry struct {
	ID            string                   `json:"id"`
	Host          string                   `json:"host"`
	Profile       string                   `json:"profile"`
	Phase         report.Phase             `json:"phase"`
	FailureReason string                   `json:"failure_reason,omitempty"`
	OverallScore  float64                  `json:"overall_score"`
	Findings      int                      `json:"findings"`
	BySeverity    map[finding.Severity]int `json:"by_severity"`
	StartedAt     time.Time                `json:"started_at"`
	CompletedAt   time.Time                `json:"completed_at"`
	UpdatedAt     time.Time                `json:"updated_at"`
}

// TrendPoint is one run in a host's score history.
type TrendPoint struct {
	ID           string    `json:"id"`
	StartedAt    time.Time `json:"started_at"`
	OverallScore float64   `json:"overall_score"`
	Findings     int       `json:"findings"`
}

// Stats summarizes the store.
type Stats struct {
	TotalRuns        int       `json:"total_runs"`
	UniqueHosts      int       `json:"unique_hosts"`
	Oldest           time.Time `json:"oldest"`
	Newest           time.Time `json:"newest"`
	StorageSizeBytes int64     `json:"storage_size_bytes"`
}

var validID = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// NewStore opens (creating if needed) a store rooted at basePath.
func NewStore(basePath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(basePath, "runs"), 0o755); err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}
	s := &Store{
		basePath: basePath,
		index:    &storeIndex{Runs: make(map[string]*Entry)},
	}
	if err := jsonutil.ReadFile(s.indexPath(), s.index); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("history: load index: %w", err)
	}
	if s.index.Runs == nil {
		s.index.Runs = make(map[string]*Entry)
	}
	return s, nil
}

func (s *Store) indexPath() string { return filepath.Join(s.basePath, "index.json") }

func (s *Store) runPath(id string) string {
	return filepath.Join(s.basePath, "runs", id+".json")
}

// Save writes run (credentials redacted) and updates the index.
func (s *Store) Save(run *report.AssessmentRun) error {
	if !validID.MatchString(run.ID) {
		return fmt.Errorf("history: invalid run id %q", run.ID)
	}
	r := run.Redacted()
	e := &Entry{
		ID:            r.ID,
		Host:          r.Target.Host,
		Profile:       r.Profile,
		Phase:         r.Phase,
		FailureReason: r.FailureReason,
		OverallScore:  r.OverallScore,
		Findings:      len(r.Findings),
		BySeverity:    make(map[finding.Severity]int),
		StartedAt:     r.StartedAt,
		CompletedAt:   r.CompletedAt,
		UpdatedAt:     time.Now(),
	}
	for _, f := range r.Findings {
		e.BySeverity[f.Severity]++
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := jsonutil.WriteFileAtomic(s.runPath(r.ID), r); err != nil {
		return fmt.Errorf("history: save %s: %w", r.ID, err)
	}
	s.index.Runs[r.ID] = e
	return s.saveIndex()
}

// saveIndex must be called with mu held.
func (s *Store) saveIndex() error {
	if err := jsonutil.WriteFileAtomic(s.indexPath(), s.index); err != nil {
		return fmt.Errorf("history: save index: %w", err)
	}
	return nil
}

// Get loads the full run with id.
func (s *Store) Get(id string) (*report.AssessmentRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.index.Runs[id]; !ok {
		return nil, fmt.Errorf("%w: run %s", finding.ErrNotFound, id)
	}
	var run report.AssessmentRun
	if err := jsonutil.ReadFile(s.runPath(id), &run); err != nil {
		return nil, fmt.Errorf("history: load %s: %w", id, err)
	}
	return &run, nil
}

// List returns entries for host (all hosts when empty) started within
// [since, until], newest first, at most limit when limit > 0.
func (s *Store) List(host string, since, until time.Time, limit int) []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Entry
	for _, e := range s.index.Runs {
		if host != "" && e.Host != host {
			continue
		}
		if e.StartedAt.Before(since) || (!until.IsZero() && e.StartedAt.After(until)) {
			continue
		}
		out = append(out, copyEntry(e))
	}
	slices.SortFunc(out, func(a, b Entry) int {
		if c := b.StartedAt.Compare(a.StartedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// ListAll returns every entry, newest first.
func (s *Store) ListAll(limit int) []Entry {
	return s.List("", time.Time{}, time.Time{}, limit)
}

// Latest returns the most recent completed run for host.
func (s *Store) Latest(host string) (*report.AssessmentRun, error) {
	for _, e := range s.List(host, time.Time{}, time.Time{}, 0) {
		if e.Phase == report.PhaseCompleted {
			return s.Get(e.ID)
		}
	}
	return nil, fmt.Errorf("%w: no completed run for %s", finding.ErrNotFound, host)
}

// Trend returns completed runs for host since since, oldest first.
func (s *Store) Trend(host string, since time.Time) []TrendPoint {
	entries := s.List(host, since, time.Time{}, 0)
	var out []TrendPoint
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if e.Phase != report.PhaseCompleted {
			continue
		}
		out = append(out, TrendPoint{ID: e.ID, StartedAt: e.StartedAt, OverallScore: e.OverallScore, Findings: e.Findings})
	}
	return out
}

// Compare diffs two stored runs.
func (s *Store) Compare(baseID, currentID string) (*report.Comparison, error) {
	base, err := s.Get(baseID)
	if err != nil {
		return nil, err
	}
	cur, err := s.Get(currentID)
	if err != nil {
		return nil, err
	}
	return report.Compare(base, cur), nil
}

// Delete removes a run.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.index.Runs[id]; !ok {
		return fmt.Errorf("%w: run %s", finding.ErrNotFound, id)
	}
	delete(s.index.Runs, id)
	if err := os.Remove(s.runPath(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("history: delete %s: %w", id, err)
	}
	return s.saveIndex()
}

// Prune removes runs started more than olderThan ago.
func (s *Store) Prune(olderThan time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-olderThan)
	count := 0
	for id, e := range s.index.Runs {
		if e.StartedAt.Before(cutoff) {
			delete(s.index.Runs, id)
			_ = os.Remove(s.runPath(id))
			count++
		}
	}
	if count > 0 {
		if err := s.saveIndex(); err != nil {
			return count, err
		}
	}
	return count, nil
}

// Stats returns storage statistics.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Stats{TotalRuns: len(s.index.Runs)}
	hosts := make(map[string]bool)
	for id, e := range s.index.Runs {
		hosts[e.Host] = true
		if st.Oldest.IsZero() || e.StartedAt.Before(st.Oldest) {
			st.Oldest = e.StartedAt
		}
		if e.StartedAt.After(st.Newest) {
			st.Newest = e.StartedAt
		}
		if info, err := os.Stat(s.runPath(id)); err == nil {
			st.StorageSizeBytes += info.Size()
		}
	}
	st.UniqueHosts = len(hosts)
	if info, err := os.Stat(s.indexPath()); err == nil {
		st.StorageSizeBytes += info.Size()
	}
	return st
}

func copyEntry(e *Entry) Entry {
	c := *e
	if e.BySeverity != nil {
		c.BySeverity = make(map[finding.Severity]int, len(e.BySeverity))
		for k, v := range e.BySeverity {
			c.BySeverity[k] = v
		}
	}
	return c
}
