package finding

// Severity represents the severity level of a finding.
type Severity string

const (
	// Critical represents immediate system compromise (RCE, CVSS >= 9.0).
	Critical Severity = "critical"

	// High represents significant impact requiring prompt fix (SQLi).
	High Severity = "high"

	// Medium represents moderate impact (reflected XSS).
	Medium Severity = "medium"

	// Low represents limited impact (missing hardening headers).
	Low Severity = "low"

	// Info represents informational findings with no direct security impact.
	Info Severity = "info"
)

// IsValid reports whether s is a recognized severity level.
func (s Severity) IsValid() bool {
	switch s {
	case Critical, High, Medium, Low, Info:
		return true
	}
	return false
}

// Rank returns a numeric rank for sorting and comparison.
// Critical=5, High=4, Medium=3, Low=2, Info=1, Unknown=0.
func (s Severity) Rank() int {
	switch s {
	case Critical:
		return 5
	case High:
		return 4
	case Medium:
		return 3
	case Low:
		return 2
	case Info:
		return 1
	default:
		return 0
	}
}

// AtLeast reports whether s is as severe as other or more.
func (s Severity) AtLeast(other Severity) bool {
	return s.Rank() >= other.Rank()
}

// String returns the severity as a string.
func (s Severity) String() string {
	return string(s)
}

// FromScore maps a 0-10 score onto the CVSS v3 qualitative bands.
func FromScore(score float64) Severity {
	switch {
	case score >= 9.0:
		return Critical
	case score >= 7.0:
		return High
	case score >= 4.0:
		return Medium
	case score >= 0.1:
		return Low
	default:
		return Info
	}
}

// Max returns the more severe of a and b.
func Max(a, b Severity) Severity {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}
