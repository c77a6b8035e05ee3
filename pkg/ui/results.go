package ui

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/waftester/vulnassess/pkg/finding"
	"github.com/waftester/vulnassess/pkg/report"
)

var severityOrder = []finding.Severity{
	finding.Critical, finding.High, finding.Medium, finding.Low, finding.Info,
}

// PrintFinding writes one finding in nuclei-style bracket format:
// [severity] [category] [cwe] title location
func PrintFinding(w io.Writer, f finding.Finding) {
	parts := []string{
		SeverityStyle(f.Severity).Render(strings.ToUpper(string(f.Severity))),
		CategoryStyle.Render(string(f.Category)),
	}
	if f.CWEID != "" {
		parts = append(parts, BracketStyle.Render("["+f.CWEID+"]"))
	}
	parts = append(parts, f.Title, URLStyle.Render(f.Location))
	fmt.Fprintln(w, strings.Join(parts, " "))
	if f.Remediation != "" {
		fmt.Fprintf(w, "    %s %s\n", StatLabelStyle.Render("fix:"), Truncate(f.Remediation, 100))
	}
}

// PrintFindings writes findings most severe first.
func PrintFindings(w io.Writer, fs []finding.Finding) {
	if len(fs) == 0 {
		PrintSuccess(w, "No findings")
		return
	}
	sorted := make([]finding.Finding, len(fs))
	copy(sorted, fs)
	finding.SortBySeverity(sorted)
	for _, f := range sorted {
		PrintFinding(w, f)
	}
}

// PrintSummary writes the executive summary box for rep.
func PrintSummary(w io.Writer, rep *report.Report) {
	s := rep.Summary
	run := rep.Run

	var b strings.Builder
	fmt.Fprintf(&b, "%s %s\n", StatLabelStyle.Render("Target:"), StatValueStyle.Render(run.Target.Host))
	fmt.Fprintf(&b, "%s %s\n", StatLabelStyle.Render("Status:"), PhaseStyle(run.Phase).Render(string(run.Phase)))
	if run.FailureReason != "" {
		fmt.Fprintf(&b, "%s %s\n", StatLabelStyle.Render("Reason:"), ErrorStyle.Render(run.FailureReason))
	}
	fmt.Fprintf(&b, "%s %s %s\n",
		StatLabelStyle.Render("Risk:"),
		SeverityStyle(s.OverallRisk).Render(strings.ToUpper(string(s.OverallRisk))),
		StatValueStyle.Render(fmt.Sprintf("%.1f/100", s.RiskScore)))
	fmt.Fprintf(&b, "%s %s\n", StatLabelStyle.Render("Findings:"), StatValueStyle.Render(fmt.Sprint(s.TotalFindings)))

	var counts []string
	for _, sev := range severityOrder {
		if n := s.BySeverity[sev]; n > 0 {
			counts = append(counts, SeverityStyle(sev).Render(fmt.Sprintf("%s %d", sev, n)))
		}
	}
	if len(counts) > 0 {
		fmt.Fprintf(&b, "  %s\n", strings.Join(counts, " "))
	}
	fmt.Fprintf(&b, "%s %d open ports, %d probes, %d inconclusive, %dms",
		StatLabelStyle.Render("Coverage:"), s.OpenPorts, s.ProbesSent, s.Inconclusive, s.DurationMs)

	box := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(Primary).
		Padding(0, 1)
	fmt.Fprintln(w, box.Render(b.String()))

	if len(s.Recommendations) > 0 {
		PrintSection(w, "Recommendations")
		for _, rec := range s.Recommendations {
			fmt.Fprintf(w, "  %s %s\n", Icon("•", "-"), rec)
		}
	}
	for _, c := range run.Caveats {
		PrintWarning(w, c)
	}
	if s.Conclusion != "" {
		fmt.Fprintln(w)
		fmt.Fprintln(w, s.Conclusion)
	}
}
