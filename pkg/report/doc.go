// Package report holds the assessment run record and renders it.
//
// # Run record (run.go)
//
// AssessmentRun, Phase, PhaseTransition, Status. The orchestrator owns the
// live run; everything else sees clones.
//
// # Rendering (report.go)
//
// Summary, Build, Generator. JSON, Markdown and HTML output of a run with an
// executive summary, an OWASP breakdown and per-finding evidence.
//
// # Comparison (report.go)
//
// Compare diffs two runs by finding identity (category, location, CWE).
package report
