package defaults

// OWASPCategory is an OWASP Top 10 2021 category with a base weight used by
// the scoring profiles.
type OWASPCategory struct {
	Code string // e.g., "A03:2021"
	Name string // e.g., "Injection"
	URL  string

	// BaseWeight is the default 0-10 weight of the category.
	BaseWeight float64
}

// OWASPTop10 contains the 2021 categories indexed by code.
var OWASPTop10 = map[string]OWASPCategory{
	"A01:2021": {Code: "A01:2021", Name: "Broken Access Control", URL: "https://owasp.org/Top10/A01_2021-Broken_Access_Control/", BaseWeight: 9.0},
	"A02:2021": {Code: "A02:2021", Name: "Cryptographic Failures", URL: "https://owasp.org/Top10/A02_2021-Cryptographic_Failures/", BaseWeight: 7.5},
	"A03:2021": {Code: "A03:2021", Name: "Injection", URL: "https://owasp.org/Top10/A03_2021-Injection/", BaseWeight: 9.0},
	"A04:2021": {Code: "A04:2021", Name: "Insecure Design", URL: "https://owasp.org/Top10/A04_2021-Insecure_Design/", BaseWeight: 6.0},
	"A05:2021": {Code: "A05:2021", Name: "Security Misconfiguration", URL: "https://owasp.org/Top10/A05_2021-Security_Misconfiguration/", BaseWeight: 6.0},
	"A06:2021": {Code: "A06:2021", Name: "Vulnerable and Outdated Components", URL: "https://owasp.org/Top10/A06_2021-Vulnerable_and_Outdated_Components/", BaseWeight: 7.0},
	"A07:2021": {Code: "A07:2021", Name: "Identification and Authentication Failures", URL: "https://owasp.org/Top10/A07_2021-Identification_and_Authentication_Failures/", BaseWeight: 8.0},
	"A08:2021": {Code: "A08:2021", Name: "Software and Data Integrity Failures", URL: "https://owasp.org/Top10/A08_2021-Software_and_Data_Integrity_Failures/", BaseWeight: 7.0},
	"A09:2021": {Code: "A09:2021", Name: "Security Logging and Monitoring Failures", URL: "https://owasp.org/Top10/A09_2021-Security_Logging_and_Monitoring_Failures/", BaseWeight: 4.0},
	"A10:2021": {Code: "A10:2021", Name: "Server-Side Request Forgery", URL: "https://owasp.org/Top10/A10_2021-Server-Side_Request_Forgery_%28SSRF%29/", BaseWeight: 8.0},
}

// OWASPVulnerableComponents is the category every CVE-sourced finding maps to.
const OWASPVulnerableComponents = "A06:2021"

// OWASPMisconfiguration is used for exposed-service network findings.
const OWASPMisconfiguration = "A05:2021"

// OWASPWeight returns the base weight of code, or 5.0 for unknown codes.
func OWASPWeight(code string) float64 {
	if c, ok := OWASPTop10[code]; ok {
		return c.BaseWeight
	}
	return 5.0
}
