// Package aggregate turns raw phase output (open ports, probe results, CVE
// matches) into deduplicated, scored findings.
package aggregate

import (
	"cmp"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/waftester/vulnassess/pkg/catalog"
	"github.com/waftester/vulnassess/pkg/cve"
	"github.com/waftester/vulnassess/pkg/defaults"
	"github.com/waftester/vulnassess/pkg/finding"
	"github.com/waftester/vulnassess/pkg/portscan"
	"github.com/waftester/vulnassess/pkg/probe"
	"github.com/waftester/vulnassess/pkg/scoring"
)

// Aggregator merges evidence into findings. The zero value uses the
// embedded catalog and the default scoring profile.
type Aggregator struct {
	Catalog *catalog.Catalog
	Profile scoring.Profile
	Now     func() time.Time
	Logger  *slog.Logger
}

// Aggregate is Aggregator{}.Aggregate.
func Aggregate(ports []portscan.PortFinding, probes []probe.Result, cves []cve.Match) []finding.Finding {
	return (&Aggregator{}).Aggregate(ports, probes, cves)
}

// key identifies findings that describe the same weakness in the same place:
// an endpoint URL for probe results, a port for network and CVE findings.
type key struct {
	category finding.Category
	location string
	cwe      string
}

type candidate struct {
	key       key
	f         finding.Finding
	baseScore float64
}

// Aggregate builds one finding per (category, endpoint or port, CWE). Every
// finding carries at least one evidence entry, strongest first, and is
// scored under the aggregator's profile. Output is sorted most severe first.
func (a *Aggregator) Aggregate(ports []portscan.PortFinding, probes []probe.Result, cves []cve.Match) []finding.Finding {
	cat := a.Catalog
	if cat == nil {
		var err error
		if cat, err = catalog.Default(); err != nil {
			a.logger().Error("aggregate: load catalog", slog.String("error", err.Error()))
			cat = &catalog.Catalog{}
		}
	}
	profile := a.Profile
	if profile.Name == "" {
		profile = scoring.Default()
	}

	var cands []candidate
	cands = append(cands, a.fromProbes(cat, probes)...)
	cands = append(cands, fromCVEs(cves)...)
	cands = append(cands, fromPorts(ports)...)

	merged := make(map[key]*candidate)
	var order []key
	for _, c := range cands {
		if m, ok := merged[c.key]; ok {
			mergeInto(m, c)
			continue
		}
		merged[c.key] = &c
		order = append(order, c.key)
	}

	now := time.Now
	if a.Now != nil {
		now = a.Now
	}
	created := now()

	out := make([]finding.Finding, 0, len(order))
	for _, k := range order {
		c := merged[k]
		f := c.f
		slices.SortStableFunc(f.Evidence, func(x, y finding.Evidence) int {
			return cmp.Compare(y.Confidence, x.Confidence)
		})
		f.Confidence = f.Evidence[0].Confidence

		res := scoring.Calculate(profile, scoring.Input{
			Category:   f.Category,
			BaseScore:  c.baseScore,
			OWASP:      f.OWASPID,
			Confidence: f.Confidence,
			Evidence:   excerpts(f.Evidence),
		})
		f.ID = finding.NewID()
		f.Version = 1
		f.Severity = res.Severity
		f.ScoreContribution = res.Score
		f.CreatedAt = created
		out = append(out, f)
	}
	finding.SortBySeverity(out)
	return out
}

func (a *Aggregator) logger() *slog.Logger {
	if a.Logger != nil {
		return a.Logger
	}
	return slog.Default()
}

func (a *Aggregator) fromProbes(cat *catalog.Catalog, results []probe.Result) []candidate {
	var out []candidate
	for _, r := range results {
		if !r.Matched || r.Inconclusive {
			continue
		}
		tc, ok := cat.Get(r.TestCaseID)
		if !ok {
			a.logger().Warn("aggregate: matched result for unknown test case", slog.String("test_case", r.TestCaseID))
			continue
		}
		category := finding.CategoryWeb
		if r.API {
			category = finding.CategoryAPI
		}
		conf := r.Confidence
		if conf <= 0 {
			conf = tc.Confidence
		}
		loc := dedupLocation(r)
		out = append(out, candidate{
			key:       key{category, loc, tc.CWE},
			baseScore: tc.Severity,
			f: finding.Finding{
				Category:    category,
				Title:       tc.Title,
				CWEID:       tc.CWE,
				OWASPID:     tc.OWASP,
				Location:    loc,
				Remediation: tc.Remediation,
				Evidence: []finding.Evidence{{
					Kind:       finding.EvidenceProbe,
					Ref:        r.TestCaseID,
					Location:   r.Location,
					Excerpt:    r.Evidence,
					Confidence: conf,
				}},
			},
		})
	}
	return out
}

// dedupLocation is the endpoint a result was observed on. The injection
// point (parameter, header or path) stays in the evidence location, so two
// reflecting parameters on one page are one finding with two evidence entries.
func dedupLocation(r probe.Result) string {
	if r.Endpoint != "" {
		return r.Endpoint
	}
	return r.Location
}

func fromCVEs(matches []cve.Match) []candidate {
	var out []candidate
	for _, m := range matches {
		rec := m.Record
		port := fmt.Sprintf("tcp/%d", m.Port)
		excerpt := fmt.Sprintf("%s %s is in the affected range (CVSS %.1f)", m.Product, m.Version, rec.CVSS)
		if rec.Stale {
			excerpt += " [stale record]"
		}
		title := rec.ID
		if d := firstSentence(rec.Description); d != "" {
			title += ": " + d
		}
		out = append(out, candidate{
			// One finding per (port, CVE) even when CVEs share a CWE.
			key:       key{finding.CategoryCVE, port + " " + rec.ID, rec.CWE},
			baseScore: rec.CVSS,
			f: finding.Finding{
				Category:    finding.CategoryCVE,
				Title:       title,
				CWEID:       rec.CWE,
				OWASPID:     defaults.OWASPVulnerableComponents,
				Location:    port,
				Remediation: fmt.Sprintf("Upgrade %s to a release not affected by %s.", m.Product, rec.ID),
				Evidence: []finding.Evidence{
					{Kind: finding.EvidenceCVE, Ref: rec.ID, Location: port, Excerpt: excerpt, Confidence: m.Confidence},
					{Kind: finding.EvidencePort, Ref: port, Location: port, Excerpt: strings.TrimSpace(m.Service + " " + m.Version), Confidence: m.Confidence},
				},
			},
		})
	}
	return out
}

func fromPorts(ports []portscan.PortFinding) []candidate {
	var out []candidate
	for _, p := range ports {
		if p.State != portscan.StateOpen {
			continue
		}
		rs, ok := riskyServices[p.ServiceGuess]
		if !ok {
			continue
		}
		ref := p.Ref()
		excerpt := p.ServiceGuess + " on " + ref
		if p.Banner != "" {
			excerpt += ": " + p.Banner
		}
		out = append(out, candidate{
			key:       key{finding.CategoryNetwork, ref, rs.cwe},
			baseScore: rs.base,
			f: finding.Finding{
				Category:    finding.CategoryNetwork,
				Title:       rs.title,
				CWEID:       rs.cwe,
				OWASPID:     defaults.OWASPMisconfiguration,
				Location:    ref,
				Remediation: rs.remediation,
				Evidence: []finding.Evidence{{
					Kind:       finding.EvidencePort,
					Ref:        ref,
					Location:   ref,
					Excerpt:    excerpt,
					Confidence: p.Confidence,
				}},
			},
		})
	}
	return out
}

// mergeInto adds c's evidence to m, skipping exact duplicates.
func mergeInto(m *candidate, c candidate) {
	for _, ev := range c.f.Evidence {
		if !slices.Contains(m.f.Evidence, ev) {
			m.f.Evidence = append(m.f.Evidence, ev)
		}
	}
	if c.baseScore > m.baseScore {
		m.baseScore = c.baseScore
		m.f.Title = c.f.Title
		m.f.Remediation = c.f.Remediation
		m.f.OWASPID = c.f.OWASPID
	}
}

func excerpts(evs []finding.Evidence) string {
	var b strings.Builder
	for _, ev := range evs {
		if ev.Excerpt != "" {
			b.WriteString(ev.Excerpt)
			b.WriteByte('\n')
		}
	}
	return b.String()
}

func firstSentence(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.Index(s, ". "); i > 0 {
		s = s[:i]
	}
	if len(s) > 120 {
		s = s[:117] + "..."
	}
	return strings.TrimSuffix(s, ".")
}
