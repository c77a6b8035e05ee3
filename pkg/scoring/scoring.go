// Package scoring turns evidence into finding severities and findings into
// an overall 0-100 risk score, under a weighting profile.
package scoring

import (
	"math"
	"strings"

	"github.com/waftester/vulnassess/pkg/defaults"
	"github.com/waftester/vulnassess/pkg/finding"
)

// Input contains all data needed to score one finding.
type Input struct {
	Category finding.Category

	// BaseScore is the 0-10 base: the CVSS score for CVE findings, the
	// catalog row severity otherwise.
	BaseScore  float64
	OWASP      string
	Confidence float64

	// Evidence is the matched excerpt, scanned for high-impact leaks.
	Evidence string
}

// Result contains the calculated score and severity.
type Result struct {
	Score            float64
	Severity         finding.Severity
	EscalationReason string
}

// Leak markers that raise exploitability when present in evidence.
var sensitivePatterns = []struct {
	Pattern string
	Impact  float64
	Reason  string
}{
	{"-----BEGIN", 4.0, "private key exposed"},
	{"AWS_ACCESS_KEY_ID", 4.0, "AWS credentials exposed"},
	{"DATABASE_URL", 3.5, "database connection string leaked"},
	{"root:x:0:0", 3.0, "/etc/passwd contents detected"},
	{"SECRET_KEY", 3.0, "application secret key exposed"},
}

// Calculate scores one finding: a weighted blend of base score, OWASP
// weight and confidence, raised by leak markers in evidence. CVE findings
// never score below their CVSS band.
func Calculate(p Profile, in Input) Result {
	conf := clamp(in.Confidence, 0, 1)
	w := p.Weights
	raw := (w.CVSS*in.BaseScore + w.OWASP*p.OWASPWeight(in.OWASP) + w.Confidence*conf*10) / w.sum()

	var res Result
	if impact, reason := bestPattern(in.Evidence); impact > 0 {
		raw += impact * conf
		res.EscalationReason = reason
	}
	res.Score = clamp(raw, 0, 10)
	res.Severity = finding.FromScore(res.Score)

	if in.Category == finding.CategoryCVE {
		if band := finding.FromScore(in.BaseScore); band.Rank() > res.Severity.Rank() {
			res.Severity = band
			res.Score = math.Max(res.Score, in.BaseScore)
			if res.EscalationReason == "" {
				res.EscalationReason = "CVSS band floor"
			}
		}
	}
	return res
}

// bestPattern returns the highest-impact marker in text.
func bestPattern(text string) (float64, string) {
	if text == "" {
		return 0, ""
	}
	var impact float64
	var reason string
	for _, sp := range sensitivePatterns {
		if sp.Impact > impact && containsSecurityPattern(text, sp.Pattern) {
			impact, reason = sp.Impact, sp.Reason
		}
	}
	return impact, reason
}

// containsSecurityPattern matches pattern only at a word boundary, so
// "notroot:x:0:0" does not count as "root:x:0:0".
func containsSecurityPattern(text, pattern string) bool {
	for i := 0; ; {
		j := strings.Index(text[i:], pattern)
		if j < 0 {
			return false
		}
		at := i + j
		if at == 0 || !isAlphanumeric(text[at-1]) {
			return true
		}
		i = at + 1
	}
}

func isAlphanumeric(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9')
}

// FindingScore returns the 0-10 score of f: its ScoreContribution when set,
// otherwise the midpoint of its severity band.
func FindingScore(f finding.Finding) float64 {
	if f.ScoreContribution > 0 {
		return clamp(f.ScoreContribution, 0, 10)
	}
	switch f.Severity {
	case finding.Critical:
		return 9.5
	case finding.High:
		return 8.0
	case finding.Medium:
		return 5.5
	case finding.Low:
		return 2.0
	}
	return 0
}

// CategoryMass returns, per category, the probability-style union
// 1 - Π(1 - s/10) over its findings. Each added finding can only raise it.
func CategoryMass(findings []finding.Finding) map[finding.Category]float64 {
	remaining := make(map[finding.Category]float64)
	for _, f := range findings {
		r, ok := remaining[f.Category]
		if !ok {
			r = 1
		}
		remaining[f.Category] = r * (1 - FindingScore(f)/10)
	}
	mass := make(map[finding.Category]float64, len(remaining))
	for c, r := range remaining {
		mass[c] = 1 - r
	}
	return mass
}

// OverallScore returns a 0-100 risk score: a blend of the worst weighted
// category and the weighted mean over the known categories. Adding a
// finding never lowers it.
func OverallScore(findings []finding.Finding, p Profile) float64 {
	if len(findings) == 0 {
		return 0
	}
	mass := CategoryMass(findings)

	var peak, sum, weights float64
	for _, c := range finding.AllCategories() {
		w := p.CategoryWeight(c)
		weights += w
		m := mass[c]
		sum += w * m
		peak = math.Max(peak, math.Min(1, w*m))
	}
	if weights == 0 {
		return 0
	}
	mean := math.Min(1, sum/weights)
	score := defaults.NormalizationScale * (p.Peak*peak + (1-p.Peak)*mean)
	return math.Round(clamp(score, 0, defaults.NormalizationScale)*100) / 100
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
