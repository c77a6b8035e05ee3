// Package finding provides the shared finding types and error taxonomy used
// across every engine phase.
//
// Findings are immutable. A correction never edits a finding in place; it
// produces a new version through Revise, which links back to the finding it
// supersedes:
//
//	fixed := f.Revise(func(n *finding.Finding) {
//	    n.Severity = finding.High
//	})
package finding
