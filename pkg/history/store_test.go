package history

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/waftester/vulnassess/pkg/finding"
	"github.com/waftester/vulnassess/pkg/report"
	"github.com/waftester/vulnassess/pkg/target"
)

func run(id, host string, started time.Time, phase report.Phase, score float64, fs ...finding.Finding) *report.AssessmentRun {
	return &report.AssessmentRun{
		ID:           id,
		Target:       target.ScanTarget{Host: host, Auth: &target.AuthContext{Cookies: map[string]string{"sid": "abc"}}},
		Phase:        phase,
		StartedAt:    started,
		OverallScore: score,
		Findings:     fs,
		PhaseHistory: []report.PhaseTransition{{Phase: report.PhaseCreated, At: started}},
	}
}

func TestSaveGetRoundTrip(t *testing.T) {
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)

	now := time.Now().UTC().Truncate(time.Second)
	r := run("run-1", "a.example", now, report.PhaseCompleted, 42, finding.Finding{ID: "f", Severity: finding.High, Category: finding.CategoryWeb})
	require.NoError(t, s.Save(r))

	got, err := s.Get("run-1")
	require.NoError(t, err)
	assert.Equal(t, "a.example", got.Target.Host)
	assert.Equal(t, "[redacted]", got.Target.Auth.Cookies["sid"])
	assert.Equal(t, "abc", r.Target.Auth.Cookies["sid"], "caller's run untouched")
	require.Len(t, got.PhaseHistory, 1)

	_, err = s.Get("missing")
	assert.ErrorIs(t, err, finding.ErrNotFound)
}

func TestSaveRejectsPathLikeIDs(t *testing.T) {
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)
	assert.Error(t, s.Save(run("../evil", "h", time.Now(), report.PhaseCreated, 0)))
}

func TestIndexSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir)
	require.NoError(t, err)
	require.NoError(t, s.Save(run("run-1", "a.example", time.Now(), report.PhaseCompleted, 10)))

	s2, err := NewStore(dir)
	require.NoError(t, err)
	all := s2.ListAll(0)
	require.Len(t, all, 1)
	assert.Equal(t, "run-1", all[0].ID)
}

func TestListTrendLatestCompare(t *testing.T) {
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)
	t0 := time.Now().Add(-3 * time.Hour)
	fA := finding.Finding{Category: finding.CategoryWeb, Location: "/", CWEID: "CWE-79", Title: "xss"}
	fB := finding.Finding{Category: finding.CategoryCVE, Location: "tcp/22", Title: "CVE-1-1"}
	require.NoError(t, s.Save(run("r1", "a.example", t0, report.PhaseCompleted, 60, fA, fB)))
	require.NoError(t, s.Save(run("r2", "a.example", t0.Add(time.Hour), report.PhaseFailed, 30, fA)))
	require.NoError(t, s.Save(run("r3", "a.example", t0.Add(2*time.Hour), report.PhaseCompleted, 35, fA)))
	require.NoError(t, s.Save(run("r4", "b.example", t0, report.PhaseCompleted, 5)))

	list := s.List("a.example", time.Time{}, time.Time{}, 2)
	require.Len(t, list, 2)
	assert.Equal(t, "r3", list[0].ID)

	trend := s.Trend("a.example", time.Time{})
	require.Len(t, trend, 2)
	assert.Equal(t, "r1", trend[0].ID)
	assert.Equal(t, "r3", trend[1].ID)

	latest, err := s.Latest("a.example")
	require.NoError(t, err)
	assert.Equal(t, "r3", latest.ID)
	_, err = s.Latest("c.example")
	assert.ErrorIs(t, err, finding.ErrNotFound)

	cmp, err := s.Compare("r1", "r3")
	require.NoError(t, err)
	assert.Len(t, cmp.Fixed, 1)
	assert.Equal(t, "improving", cmp.Trend)

	st := s.Stats()
	assert.Equal(t, 4, st.TotalRuns)
	assert.Equal(t, 2, st.UniqueHosts)
	assert.Greater(t, st.StorageSizeBytes, int64(0))
}

func TestDeleteAndPrune(t *testing.T) {
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, s.Save(run("old", "h", time.Now().Add(-48*time.Hour), report.PhaseCompleted, 1)))
	require.NoError(t, s.Save(run("new", "h", time.Now(), report.PhaseCompleted, 1)))

	n, err := s.Prune(24 * time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.NoError(t, s.Delete("new"))
	assert.ErrorIs(t, s.Delete("new"), finding.ErrNotFound)
	assert.Empty(t, s.ListAll(0))
}
