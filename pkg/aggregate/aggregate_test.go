package aggregate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/waftester/vulnassess/pkg/cve"
	"github.com/waftester/vulnassess/pkg/finding"
	"github.com/waftester/vulnassess/pkg/portscan"
	"github.com/waftester/vulnassess/pkg/probe"
	"github.com/waftester/vulnassess/pkg/scoring"
)

const xssLoc = "GET http://127.0.0.1:8080/ [query:q]"

func xssResult(id string, conf float64) probe.Result {
	return probe.Result{
		TestCaseID: id,
		Endpoint:   "http://127.0.0.1:8080/",
		Param:      "q",
		Location:   xssLoc,
		Matched:    true,
		Evidence:   "hello <script>alert('va-xss-7c1')</script>",
		Confidence: conf,
	}
}

func TestReflectedXSSBecomesOneWebFinding(t *testing.T) {
	fs := Aggregate(nil, []probe.Result{
		xssResult("xss-script-tag", 0.9),
		xssResult("xss-svg-attr", 0.85),
		{TestCaseID: "sqli-error-quote", Location: xssLoc, Matched: false},
		{TestCaseID: "traversal-etc-passwd", Location: xssLoc, Inconclusive: true, Evidence: probe.EvidenceProbeError},
	}, nil)

	require.Len(t, fs, 1)
	f := fs[0]
	assert.Equal(t, finding.CategoryWeb, f.Category)
	assert.Equal(t, "CWE-79", f.CWEID)
	assert.Equal(t, "A03:2021", f.OWASPID)
	assert.Equal(t, "http://127.0.0.1:8080/", f.Location)
	assert.Equal(t, xssLoc, f.Evidence[0].Location)
	assert.True(t, f.Severity.AtLeast(finding.Medium), "severity %s", f.Severity)
	require.Len(t, f.Evidence, 2)
	assert.Equal(t, "xss-script-tag", f.Evidence[0].Ref, "strongest evidence first")
	assert.InDelta(t, 0.9, f.Confidence, 1e-9)
	assert.Equal(t, 1, f.Version)
	assert.NotEmpty(t, f.ID)
	assert.NotEmpty(t, f.Remediation)
	assert.Greater(t, f.ScoreContribution, 0.0)
}

func TestCriticalCVEOnSSH(t *testing.T) {
	m := cve.Match{
		Record: cve.Record{
			ID:          "CVE-2016-6210",
			Product:     "openssh",
			CVSS:        9.8,
			CWE:         "CWE-200",
			Description: "sshd in OpenSSH before 7.3 allows user enumeration. More text.",
		},
		Port:       22,
		Service:    "ssh",
		Product:    "openssh",
		Version:    "7.2p2",
		Confidence: 0.95,
	}
	ports := []portscan.PortFinding{{Port: 22, Protocol: "tcp", State: portscan.StateOpen, ServiceGuess: "ssh", Product: "openssh", Version: "7.2p2", Confidence: 0.95}}

	fs := Aggregate(ports, nil, []cve.Match{m})
	require.Len(t, fs, 1)
	f := fs[0]
	assert.Equal(t, finding.CategoryCVE, f.Category)
	assert.Equal(t, finding.Critical, f.Severity)
	assert.Equal(t, "tcp/22", f.Location)
	assert.Equal(t, "A06:2021", f.OWASPID)
	assert.Equal(t, "CVE-2016-6210: sshd in OpenSSH before 7.3 allows user enumeration", f.Title)
	require.NotEmpty(t, f.Evidence)
	assert.Equal(t, finding.EvidenceCVE, f.Evidence[0].Kind)
}

func TestDistinctCVEsOnOnePortStaySeparate(t *testing.T) {
	mk := func(id string, cvss float64) cve.Match {
		return cve.Match{Record: cve.Record{ID: id, CVSS: cvss, CWE: "CWE-20"}, Port: 22, Product: "openssh", Version: "7.2", Confidence: 0.9}
	}
	fs := Aggregate(nil, nil, []cve.Match{mk("CVE-1-1", 5), mk("CVE-1-2", 9.1), mk("CVE-1-1", 5)})
	require.Len(t, fs, 2)
	assert.Equal(t, finding.Critical, fs[0].Severity)
	assert.Contains(t, fs[0].Title, "CVE-1-2")
	assert.Len(t, fs[1].Evidence, 2, "duplicate match merged without duplicating evidence")
}

func TestStaleCVEIsFlaggedInEvidence(t *testing.T) {
	fs := Aggregate(nil, nil, []cve.Match{{Record: cve.Record{ID: "CVE-1-1", CVSS: 7, Stale: true}, Port: 80, Product: "nginx", Version: "1.18.0", Confidence: 0.9}})
	require.Len(t, fs, 1)
	assert.Contains(t, fs[0].Evidence[0].Excerpt, "[stale record]")
}

func TestRiskyServicesBecomeNetworkFindings(t *testing.T) {
	ports := []portscan.PortFinding{
		{Port: 23, Protocol: "tcp", State: portscan.StateOpen, ServiceGuess: "telnet", Confidence: 0.9, Banner: "\xff\xfd\x18"},
		{Port: 6379, Protocol: "tcp", State: portscan.StateOpen, ServiceGuess: "redis", Confidence: 0.95},
		{Port: 443, Protocol: "tcp", State: portscan.StateOpen, ServiceGuess: "https", Confidence: 0.35},
		{Port: 21, Protocol: "tcp", State: portscan.StateClosed, ServiceGuess: "ftp"},
	}
	fs := Aggregate(ports, nil, nil)
	require.Len(t, fs, 2)
	locs := []string{fs[0].Location, fs[1].Location}
	assert.ElementsMatch(t, []string{"tcp/23", "tcp/6379"}, locs)
	for _, f := range fs {
		assert.Equal(t, finding.CategoryNetwork, f.Category)
		assert.Equal(t, "A05:2021", f.OWASPID)
		assert.True(t, f.HasEvidence())
	}
}

func TestAPIResultsUseAPICategory(t *testing.T) {
	fs := Aggregate(nil, []probe.Result{{
		TestCaseID: "api-graphql-introspection",
		Endpoint:   "http://h/graphql",
		Location:   "POST http://h/graphql [body]",
		API:        true,
		Matched:    true,
		Evidence:   `{"data":{"__schema":`,
	}}, nil)
	require.Len(t, fs, 1)
	assert.Equal(t, finding.CategoryAPI, fs[0].Category)
	assert.Greater(t, fs[0].Confidence, 0.0, "falls back to the row confidence")
}

func TestUnknownTestCaseIsDropped(t *testing.T) {
	assert.Empty(t, Aggregate(nil, []probe.Result{{TestCaseID: "no-such-row", Matched: true}}, nil))
}

func TestSameWeaknessOnOneEndpointMerges(t *testing.T) {
	const ep = "http://h/view"
	res := func(id, param string) probe.Result {
		return probe.Result{TestCaseID: id, Endpoint: ep, Param: param, Location: "GET " + ep + " [query:" + param + "]", Matched: true, Confidence: 0.8}
	}
	fs := Aggregate(nil, []probe.Result{
		res("traversal-etc-passwd", "file"),
		res("traversal-win-ini", "file"),
		res("traversal-etc-passwd", "path"),
		{TestCaseID: "traversal-etc-passwd", Endpoint: "http://h/other", Location: "GET http://h/other [query:file]", Matched: true, Confidence: 0.8},
	}, nil)
	require.Len(t, fs, 2)
	for _, f := range fs {
		assert.Equal(t, "CWE-22", f.CWEID)
	}
	merged := fs[0]
	if merged.Location != ep {
		merged = fs[1]
	}
	assert.Equal(t, ep, merged.Location)
	require.Len(t, merged.Evidence, 3)
	var locs []string
	for _, ev := range merged.Evidence {
		locs = append(locs, ev.Location)
	}
	assert.ElementsMatch(t, []string{
		"GET http://h/view [query:file]",
		"GET http://h/view [query:file]",
		"GET http://h/view [query:path]",
	}, locs)
}

func TestParamsAndPathRowsOnOneEndpointCollapse(t *testing.T) {
	const ep = "http://127.0.0.1:8080/"
	reflect := func(param string) probe.Result {
		return probe.Result{
			TestCaseID: "xss-script-tag",
			Endpoint:   ep,
			Param:      param,
			Location:   "GET " + ep + " [query:" + param + "]",
			Matched:    true,
			Evidence:   "<script>alert('va-xss-7c1')</script>",
			Confidence: 0.9,
		}
	}
	exposed := func(id, path string) probe.Result {
		return probe.Result{
			TestCaseID: id,
			Endpoint:   ep,
			Location:   "GET " + ep + " [path:" + path + "]",
			Matched:    true,
			Evidence:   path + " returned 200",
			Confidence: 0.8,
		}
	}
	fs := Aggregate(nil, []probe.Result{
		reflect("q"),
		reflect("search"),
		exposed("info-git-head", "/.git/HEAD"),
		exposed("info-dotenv", "/.env"),
	}, nil)

	require.Len(t, fs, 2)
	byCWE := map[string]finding.Finding{}
	for _, f := range fs {
		assert.Equal(t, ep, f.Location)
		byCWE[f.CWEID] = f
	}
	require.Contains(t, byCWE, "CWE-79")
	require.Contains(t, byCWE, "CWE-538")
	assert.Len(t, byCWE["CWE-79"].Evidence, 2)
	assert.Len(t, byCWE["CWE-538"].Evidence, 2)
	assert.Contains(t, byCWE["CWE-538"].Evidence[0].Location, "[path:")
}

func TestProfileAndClockAreApplied(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	fin, err := scoring.Lookup("finance")
	require.NoError(t, err)
	a := &Aggregator{Profile: fin, Now: func() time.Time { return at }}
	fs := a.Aggregate(nil, []probe.Result{xssResult("xss-script-tag", 0.9)}, nil)
	require.Len(t, fs, 1)
	assert.Equal(t, at, fs[0].CreatedAt)
}

func TestEmptyInputGivesNoFindings(t *testing.T) {
	assert.Empty(t, Aggregate(nil, nil, nil))
}
