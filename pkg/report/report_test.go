package report

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/waftester/vulnassess/pkg/finding"
	"github.com/waftester/vulnassess/pkg/jsonutil"
	"github.com/waftester/vulnassess/pkg/portscan"
	"github.com/waftester/vulnassess/pkg/probe"
	"github.com/waftester/vulnassess/pkg/target"
)

func sampleRun() *AssessmentRun {
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	return &AssessmentRun{
		ID: "run-1",
		Target: target.ScanTarget{
			Host:     "app.example",
			BaseURLs: []string{"http://app.example/"},
			Auth:     &target.AuthContext{Headers: map[string]string{"X-Api-Key": "s3cret"}, BearerToken: "tok"},
		},
		Profile:        "quick",
		ScoringProfile: "default",
		Phase:          PhaseCompleted,
		ProgressPct:    100,
		OverallScore:   71.5,
		StartedAt:      start,
		CompletedAt:    start.Add(90 * time.Second),
		Findings: []finding.Finding{
			{ID: "f2", Category: finding.CategoryWeb, Title: "Missing CSP", Severity: finding.Low, OWASPID: "A05:2021", Location: "GET http://app.example/", Remediation: "Add a CSP.",
				Evidence: []finding.Evidence{{Kind: finding.EvidenceProbe, Ref: "headers-csp-missing"}}},
			{ID: "f1", Category: finding.CategoryCVE, Title: "CVE-2016-6210", Severity: finding.Critical, CWEID: "CWE-200", OWASPID: "A06:2021", Location: "tcp/22", Remediation: "Upgrade openssh.",
				Evidence: []finding.Evidence{{Kind: finding.EvidenceCVE, Ref: "CVE-2016-6210", Excerpt: "<openssh 7.2>"}}},
		},
		PortFindings: []portscan.PortFinding{{Port: 22, Protocol: "tcp", State: portscan.StateOpen}},
		ProbeResults: []probe.Result{{TestCaseID: "a", Matched: true}, {TestCaseID: "b", Inconclusive: true}},
	}
}

func TestPhaseCheckpointsRise(t *testing.T) {
	order := []Phase{PhaseCreated, PhasePortScan, PhaseWebProbe, PhaseAPIProbe, PhaseCVEMatch, PhaseAggregate, PhaseCompleted}
	for i := 1; i < len(order); i++ {
		assert.Greater(t, order[i].Checkpoint(), order[i-1].Checkpoint(), order[i])
	}
	assert.True(t, PhaseFailed.Terminal())
	assert.False(t, PhaseAggregate.Terminal())
}

func TestCloneIsDeep(t *testing.T) {
	r := sampleRun()
	c := r.Clone()
	c.Findings[0].Evidence[0].Ref = "changed"
	c.Target.Auth.Headers["X-Api-Key"] = "other"
	c.ProbeResults[0].Matched = false
	assert.Equal(t, "headers-csp-missing", r.Findings[0].Evidence[0].Ref)
	assert.Equal(t, "s3cret", r.Target.Auth.Headers["X-Api-Key"])
	assert.True(t, r.ProbeResults[0].Matched)
}

func TestPartialFindingsCount(t *testing.T) {
	r := sampleRun()
	assert.Equal(t, 2, r.PartialFindingsCount())
	r.Findings = nil
	assert.Equal(t, 1, r.PartialFindingsCount(), "one matched probe, inconclusive ignored")
	st := r.Status()
	assert.Equal(t, PhaseCompleted, st.Phase)
	assert.Equal(t, 1, st.PartialFindingsCount)
}

func TestBuildSummary(t *testing.T) {
	rep := Build(sampleRun())
	s := rep.Summary
	assert.Equal(t, finding.Critical, s.OverallRisk)
	assert.Equal(t, 2, s.TotalFindings)
	assert.Equal(t, 1, s.BySeverity[finding.Critical])
	assert.Equal(t, []string{"CVE-2016-6210 (tcp/22)"}, s.KeyFindings)
	assert.Equal(t, []string{"Upgrade openssh.", "Add a CSP."}, s.Recommendations)
	require.Len(t, s.ByOWASP, 2)
	assert.Equal(t, "A05:2021", s.ByOWASP[0].Code)
	assert.Equal(t, "Vulnerable and Outdated Components", s.ByOWASP[1].Name)
	assert.Equal(t, int64(90000), s.DurationMs)
	assert.Equal(t, 1, s.Inconclusive)
	assert.Equal(t, "[redacted]", rep.Run.Target.Auth.Headers["X-Api-Key"])
	assert.Empty(t, rep.Run.Target.Auth.BearerToken)
}

func TestGenerateFormats(t *testing.T) {
	g := NewGenerator()
	rep := Build(sampleRun())

	js, err := g.GenerateToString(rep, FormatJSON)
	require.NoError(t, err)
	var back Report
	require.NoError(t, jsonutil.Unmarshal([]byte(js), &back))
	assert.Equal(t, "run-1", back.Run.ID)
	assert.NotContains(t, js, "s3cret")

	md, err := g.GenerateToString(rep, FormatMarkdown)
	require.NoError(t, err)
	assert.Contains(t, md, "### [CRITICAL] CVE-2016-6210")
	assert.Contains(t, md, "A06:2021 Vulnerable and Outdated Components")

	html, err := g.GenerateToString(rep, FormatHTML)
	require.NoError(t, err)
	assert.Contains(t, html, "&lt;openssh 7.2&gt;", "excerpts are escaped")
	assert.True(t, strings.HasPrefix(html, "<!DOCTYPE html>"))

	_, err = g.GenerateToString(rep, "pdf")
	assert.ErrorIs(t, err, finding.ErrConfiguration)
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat("md")
	require.NoError(t, err)
	assert.Equal(t, FormatMarkdown, f)
	_, err = ParseFormat("xml")
	assert.Error(t, err)
}

func TestCompare(t *testing.T) {
	base := sampleRun()
	cur := sampleRun()
	cur.ID = "run-2"
	cur.OverallScore = 20
	cur.Findings = []finding.Finding{
		base.Findings[0],
		{Category: finding.CategoryNetwork, Title: "Telnet", Location: "tcp/23", CWEID: "CWE-319"},
	}
	c := Compare(base, cur)
	assert.Len(t, c.New, 1)
	assert.Len(t, c.Fixed, 1)
	assert.Len(t, c.Unchanged, 1)
	assert.Equal(t, "improving", c.Trend)
	assert.Equal(t, "CVE-2016-6210", c.Fixed[0].Title)
}
