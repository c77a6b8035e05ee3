package report

import (
	"bytes"
	"cmp"
	"fmt"
	"html/template"
	"io"
	"slices"
	"strings"
	texttemplate "text/template"
	"time"

	"github.com/waftester/vulnassess/pkg/defaults"
	"github.com/waftester/vulnassess/pkg/finding"
	"github.com/waftester/vulnassess/pkg/jsonutil"
)

// Format is an output format.
type Format string

const (
	FormatJSON     Format = "json"
	FormatMarkdown Format = "markdown"
	FormatHTML     Format = "html"
)

// ParseFormat accepts the format names and the md alias.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "json", "":
		return FormatJSON, nil
	case "markdown", "md":
		return FormatMarkdown, nil
	case "html":
		return FormatHTML, nil
	}
	return "", fmt.Errorf("%w: unsupported report format %q", finding.ErrConfiguration, s)
}

// OWASPCount is the number of findings mapped to one OWASP category.
type OWASPCount struct {
	Code  string `json:"code"`
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// Summary is the executive view of a run.
type Summary struct {
	OverallRisk     finding.Severity         `json:"overall_risk"`
	RiskScore       float64                  `json:"risk_score"`
	TotalFindings   int                      `json:"total_findings"`
	BySeverity      map[finding.Severity]int `json:"by_severity"`
	ByCategory      map[finding.Category]int `json:"by_category"`
	ByOWASP         []OWASPCount             `json:"by_owasp"`
	KeyFindings     []string                 `json:"key_findings"`
	Recommendations []string                 `json:"recommendations"`
	OpenPorts       int                      `json:"open_ports"`
	ProbesSent      int                      `json:"probes_sent"`
	Inconclusive    int                      `json:"inconclusive"`
	DurationMs      int64                    `json:"duration_ms"`
	Conclusion      string                   `json:"conclusion"`
}

// Report is a rendered-ready view of a run.
type Report struct {
	GeneratedAt time.Time      `json:"generated_at"`
	Tool        string         `json:"tool"`
	Summary     Summary        `json:"summary"`
	Run         *AssessmentRun `json:"run"`
}

// maxKeyFindings bounds the executive list.
const maxKeyFindings = 5

// Build derives the summary of run. Credentials in the run are redacted.
func Build(run *AssessmentRun) *Report {
	r := run.Redacted()
	finding.SortBySeverity(r.Findings)

	s := Summary{
		OverallRisk:   finding.Info,
		RiskScore:     r.OverallScore,
		TotalFindings: len(r.Findings),
		BySeverity:    make(map[finding.Severity]int),
		ByCategory:    make(map[finding.Category]int),
		OpenPorts:     len(r.PortFindings),
		ProbesSent:    len(r.ProbeResults),
	}
	owasp := make(map[string]int)
	seenRemediation := make(map[string]bool)
	for _, f := range r.Findings {
		s.BySeverity[f.Severity]++
		s.ByCategory[f.Category]++
		s.OverallRisk = finding.Max(s.OverallRisk, f.Severity)
		if f.OWASPID != "" {
			owasp[f.OWASPID]++
		}
		if len(s.KeyFindings) < maxKeyFindings && f.Severity.AtLeast(finding.High) {
			s.KeyFindings = append(s.KeyFindings, fmt.Sprintf("%s (%s)", f.Title, f.Location))
		}
		if f.Remediation != "" && !seenRemediation[f.Remediation] {
			seenRemediation[f.Remediation] = true
			s.Recommendations = append(s.Recommendations, f.Remediation)
		}
	}
	for _, p := range r.ProbeResults {
		if p.Inconclusive {
			s.Inconclusive++
		}
	}
	for code, n := range owasp {
		s.ByOWASP = append(s.ByOWASP, OWASPCount{Code: code, Name: defaults.OWASPTop10[code].Name, Count: n})
	}
	slices.SortFunc(s.ByOWASP, func(a, b OWASPCount) int { return cmp.Compare(a.Code, b.Code) })
	if !r.CompletedAt.IsZero() {
		s.DurationMs = r.CompletedAt.Sub(r.StartedAt).Milliseconds()
	}
	s.Conclusion = conclusion(r, s)

	return &Report{GeneratedAt: time.Now(), Tool: defaults.UserAgent, Summary: s, Run: r}
}

func conclusion(r *AssessmentRun, s Summary) string {
	prefix := ""
	if r.Phase == PhaseFailed {
		prefix = fmt.Sprintf("The assessment did not complete (%s); results are partial. ", r.FailureReason)
	}
	switch {
	case s.TotalFindings == 0:
		return prefix + "No findings were confirmed. Absence of findings is not proof of absence of vulnerabilities."
	case s.OverallRisk == finding.Critical:
		return prefix + fmt.Sprintf("%d findings including critical issues that need immediate remediation.", s.TotalFindings)
	case s.OverallRisk == finding.High:
		return prefix + fmt.Sprintf("%d findings including high severity issues that should be fixed promptly.", s.TotalFindings)
	default:
		return prefix + fmt.Sprintf("%d findings of medium or lower severity.", s.TotalFindings)
	}
}

// Generator renders reports.
type Generator struct {
	html     *template.Template
	markdown *texttemplate.Template
}

// NewGenerator parses the built-in templates.
func NewGenerator() *Generator {
	funcs := map[string]any{
		"upper": strings.ToUpper,
		"date":  func(t time.Time) string { return t.UTC().Format(time.RFC3339) },
	}
	return &Generator{
		html:     template.Must(template.New("html").Funcs(funcs).Parse(htmlTemplate)),
		markdown: texttemplate.Must(texttemplate.New("markdown").Funcs(funcs).Parse(markdownTemplate)),
	}
}

// Generate writes rep to w.
func (g *Generator) Generate(rep *Report, format Format, w io.Writer) error {
	switch format {
	case FormatJSON:
		return jsonutil.MarshalWrite(w, rep)
	case FormatMarkdown:
		return g.markdown.Execute(w, rep)
	case FormatHTML:
		return g.html.Execute(w, rep)
	}
	return fmt.Errorf("%w: unsupported report format %q", finding.ErrConfiguration, format)
}

// GenerateToString renders rep into a string.
func (g *Generator) GenerateToString(rep *Report, format Format) (string, error) {
	var buf bytes.Buffer
	if err := g.Generate(rep, format, &buf); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const markdownTemplate = `# Vulnerability assessment: {{.Run.Target.Host}}

**Run:** {{.Run.ID}}  
**Profile:** {{.Run.Profile}} / {{.Run.ScoringProfile}}  
**Status:** {{.Run.Phase}}{{if .Run.FailureReason}} ({{.Run.FailureReason}}){{end}}  
**Generated:** {{date .GeneratedAt}}

## Summary

| Metric | Value |
|--------|-------|
| Risk score | {{printf "%.1f" .Summary.RiskScore}} |
| Overall risk | {{.Summary.OverallRisk}} |
| Findings | {{.Summary.TotalFindings}} |
| Open ports | {{.Summary.OpenPorts}} |
| Probes | {{.Summary.ProbesSent}} ({{.Summary.Inconclusive}} inconclusive) |

{{.Summary.Conclusion}}
{{if .Summary.KeyFindings}}
### Key findings

{{range .Summary.KeyFindings}}- {{.}}
{{end}}{{end}}{{if .Summary.ByOWASP}}
### OWASP Top 10

| Category | Findings |
|----------|----------|
{{range .Summary.ByOWASP}}| {{.Code}} {{.Name}} | {{.Count}} |
{{end}}{{end}}{{if .Run.Caveats}}
### Caveats

{{range .Run.Caveats}}- {{.}}
{{end}}{{end}}
## Findings
{{range .Run.Findings}}
### [{{upper (print .Severity)}}] {{.Title}}

- **Category:** {{.Category}}
- **Location:** ` + "`{{.Location}}`" + `
- **CWE / OWASP:** {{.CWEID}} / {{.OWASPID}}
- **Confidence:** {{printf "%.2f" .Confidence}}
{{range .Evidence}}- **Evidence ({{.Kind}} {{.Ref}}):** ` + "`{{.Excerpt}}`" + `
{{end}}{{if .Remediation}}
{{.Remediation}}
{{end}}{{end}}`

const htmlTemplate = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>Vulnerability assessment: {{.Run.Target.Host}}</title>
<style>
body { font-family: Arial, sans-serif; margin: 40px; }
.finding { border: 1px solid #ccc; padding: 15px; margin: 10px 0; border-radius: 5px; }
.critical { border-left: 5px solid #dc3545; }
.high { border-left: 5px solid #fd7e14; }
.medium { border-left: 5px solid #ffc107; }
.low { border-left: 5px solid #17a2b8; }
.info { border-left: 5px solid #6c757d; }
.risk-score { font-size: 48px; font-weight: bold; }
table { border-collapse: collapse; }
th, td { padding: 8px; border: 1px solid #ddd; text-align: left; }
code { background: #f4f4f4; padding: 2px 4px; }
</style>
</head>
<body>
<h1>Vulnerability assessment: {{.Run.Target.Host}}</h1>
<p>Run {{.Run.ID}} &middot; {{.Run.Phase}}{{if .Run.FailureReason}} ({{.Run.FailureReason}}){{end}} &middot; generated {{date .GeneratedAt}}</p>
<div class="risk-score">{{printf "%.1f" .Summary.RiskScore}}</div>
<p>Overall risk: <strong>{{.Summary.OverallRisk}}</strong>, {{.Summary.TotalFindings}} findings, {{.Summary.OpenPorts}} open ports.</p>
<p>{{.Summary.Conclusion}}</p>
{{if .Summary.ByOWASP}}<table>
<tr><th>OWASP category</th><th>Findings</th></tr>
{{range .Summary.ByOWASP}}<tr><td>{{.Code}} {{.Name}}</td><td>{{.Count}}</td></tr>
{{end}}</table>{{end}}
{{range .Run.Findings}}<div class="finding {{.Severity}}">
<h3>{{.Title}}</h3>
<p><strong>{{.Severity}}</strong> &middot; {{.Category}} &middot; {{.CWEID}} &middot; {{.OWASPID}}</p>
<p><code>{{.Location}}</code></p>
<ul>{{range .Evidence}}<li>{{.Kind}} {{.Ref}}: <code>{{.Excerpt}}</code></li>{{end}}</ul>
{{if .Remediation}}<p>{{.Remediation}}</p>{{end}}
</div>
{{end}}</body>
</html>
`

// Comparison diffs two runs against the same target.
type Comparison struct {
	BaselineID string            `json:"baseline_id"`
	CurrentID  string            `json:"current_id"`
	New        []finding.Finding `json:"new"`
	Fixed      []finding.Finding `json:"fixed"`
	Unchanged  []finding.Finding `json:"unchanged"`
	ScoreDelta float64           `json:"score_delta"`
	Trend      string            `json:"trend"`
}

func identity(f finding.Finding) string {
	return string(f.Category) + "|" + f.Location + "|" + f.CWEID + "|" + f.Title
}

// Compare reports which findings appeared, disappeared or persisted
// between baseline and current.
func Compare(baseline, current *AssessmentRun) *Comparison {
	c := &Comparison{
		BaselineID: baseline.ID,
		CurrentID:  current.ID,
		ScoreDelta: current.OverallScore - baseline.OverallScore,
	}
	before := make(map[string]bool, len(baseline.Findings))
	for _, f := range baseline.Findings {
		before[identity(f)] = true
	}
	after := make(map[string]bool, len(current.Findings))
	for _, f := range current.Findings {
		id := identity(f)
		after[id] = true
		if before[id] {
			c.Unchanged = append(c.Unchanged, f)
		} else {
			c.New = append(c.New, f)
		}
	}
	for _, f := range baseline.Findings {
		if !after[identity(f)] {
			c.Fixed = append(c.Fixed, f)
		}
	}
	switch {
	case c.ScoreDelta < 0:
		c.Trend = "improving"
	case c.ScoreDelta > 0:
		c.Trend = "degrading"
	default:
		c.Trend = "stable"
	}
	return c
}
