// Package catalog holds the payload test library: a versioned, data-driven
// table of injection and configuration tests. The embedded table is loaded
// once and never mutated; operators extend it by supplying extra rows.
package catalog

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"regexp"
	"slices"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/waftester/vulnassess/pkg/defaults"
	"github.com/waftester/vulnassess/pkg/regexcache"
)

//go:embed testcases.yaml
var embedded []byte

// ErrInvalidCatalog indicates a malformed test case table.
var ErrInvalidCatalog = errors.New("catalog: invalid catalog")

// Class is a vulnerability class, e.g. "sqli".
type Class string

const (
	ClassSQLi            Class = "sqli"
	ClassXSS             Class = "xss"
	ClassPathTraversal   Class = "path-traversal"
	ClassCmdi            Class = "cmdi"
	ClassSecurityHeaders Class = "security-headers"
	ClassAuthBypass      Class = "auth-bypass"
	ClassRateLimit       Class = "rate-limit"
	ClassGraphQL         Class = "graphql-introspection"
	ClassOpenRedirect    Class = "open-redirect"
	ClassInfoDisclosure  Class = "info-disclosure"
	ClassCORS            Class = "cors"
)

// InjectionPoint is where the payload is placed in the request.
type InjectionPoint string

const (
	InjectQuery  InjectionPoint = "query"
	InjectHeader InjectionPoint = "header"
	InjectBody   InjectionPoint = "body"
	InjectPath   InjectionPoint = "path"

	// InjectNone sends the request unchanged; the row inspects the
	// response only.
	InjectNone InjectionPoint = "none"
)

// TestCase is one catalog row.
type TestCase struct {
	ID        string         `yaml:"id" json:"id"`
	Class     Class          `yaml:"class" json:"vulnerability_class"`
	Title     string         `yaml:"title" json:"title"`
	Payload   string         `yaml:"payload" json:"payload_value"`
	Baseline  string         `yaml:"baseline" json:"baseline_value"`
	Injection InjectionPoint `yaml:"injection" json:"injection_point_type"`
	Predicate Predicate      `yaml:"predicate" json:"detection_predicate"`
	CWE       string         `yaml:"cwe" json:"cwe_id"`
	OWASP     string         `yaml:"owasp" json:"owasp_category"`

	// HeaderName is the header carrying the payload for header injection.
	HeaderName  string   `yaml:"header_name" json:"header_name,omitempty"`
	Method      string   `yaml:"method" json:"method,omitempty"`
	ContentType string   `yaml:"content_type" json:"content_type,omitempty"`
	RawBody     bool     `yaml:"raw_body" json:"raw_body"`
	Params      []string `yaml:"params" json:"params,omitempty"`
	Scheme      string   `yaml:"scheme" json:"scheme,omitempty"`
	Endpoint    string   `yaml:"endpoint" json:"endpoint,omitempty"`

	API         bool    `yaml:"api" json:"api"`
	Severity    float64 `yaml:"severity" json:"severity"`
	Confidence  float64 `yaml:"confidence" json:"confidence"`
	Remediation string  `yaml:"remediation" json:"remediation"`

	endpointRe *regexp.Regexp
}

// Passive reports whether the row sends no payload. Passive rows match
// only when the predicate holds on two independent requests.
func (tc TestCase) Passive() bool {
	return tc.Injection == InjectNone
}

// Parameterized reports whether the row is run once per parameter name.
func (tc TestCase) Parameterized() bool {
	switch tc.Injection {
	case InjectQuery:
		return true
	case InjectBody:
		return !tc.RawBody
	}
	return false
}

// HTTPMethod returns the request method for the row.
func (tc TestCase) HTTPMethod() string {
	if tc.Method != "" {
		return strings.ToUpper(tc.Method)
	}
	if tc.Injection == InjectBody {
		return "POST"
	}
	return "GET"
}

// AppliesTo reports whether the row should run against rawURL.
func (tc TestCase) AppliesTo(rawURL string) bool {
	if tc.Scheme != "" && !strings.HasPrefix(rawURL, tc.Scheme+"://") {
		return false
	}
	if tc.endpointRe != nil && !tc.endpointRe.MatchString(rawURL) {
		return false
	}
	return true
}

// ParamsFor returns the parameter names to inject for an endpoint that
// exposes discovered.
func (tc TestCase) ParamsFor(discovered []string) []string {
	base := discovered
	if len(base) == 0 {
		base = defaults.DefaultParams
	}
	out := slices.Clone(base)
	for _, p := range tc.Params {
		if !slices.Contains(out, p) {
			out = append(out, p)
		}
	}
	return out
}

// Catalog is an immutable set of test cases.
type Catalog struct {
	Version int
	cases   []TestCase
	byID    map[string]int
}

type file struct {
	Version int        `yaml:"version"`
	Tests   []TestCase `yaml:"tests"`
}

var (
	defaultOnce sync.Once
	defaultCat  *Catalog
	defaultErr  error
)

// Default returns the embedded catalog, parsed once per process.
func Default() (*Catalog, error) {
	defaultOnce.Do(func() {
		defaultCat, defaultErr = Parse(embedded)
	})
	return defaultCat, defaultErr
}

// Load returns the embedded catalog extended with the rows of each extra
// file. A row whose id already exists replaces the earlier row.
func Load(paths ...string) (*Catalog, error) {
	c, err := Default()
	if err != nil {
		return nil, err
	}
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("catalog: read %s: %w", p, err)
		}
		extra, err := Parse(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", p, err)
		}
		c = c.Merge(extra)
	}
	return c, nil
}

// Parse validates and compiles a YAML table.
func Parse(data []byte) (*Catalog, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCatalog, err)
	}
	c := &Catalog{Version: f.Version, byID: make(map[string]int, len(f.Tests))}
	for _, tc := range f.Tests {
		if err := prepare(&tc); err != nil {
			return nil, err
		}
		if _, dup := c.byID[tc.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate id %q", ErrInvalidCatalog, tc.ID)
		}
		c.byID[tc.ID] = len(c.cases)
		c.cases = append(c.cases, tc)
	}
	return c, nil
}

func prepare(tc *TestCase) error {
	if tc.ID == "" {
		return fmt.Errorf("%w: test case without id", ErrInvalidCatalog)
	}
	fail := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s: %s", ErrInvalidCatalog, tc.ID, fmt.Sprintf(format, args...))
	}
	if tc.Class == "" {
		return fail("class is required")
	}
	switch tc.Injection {
	case InjectQuery, InjectBody, InjectPath:
		if tc.Payload == "" {
			return fail("%s injection needs a payload", tc.Injection)
		}
	case InjectHeader:
		if tc.HeaderName == "" || tc.Payload == "" {
			return fail("header injection needs header_name and payload")
		}
	case InjectNone:
	default:
		return fail("unknown injection point %q", tc.Injection)
	}
	if tc.Severity < 0 || tc.Severity > 10 {
		return fail("severity %v outside 0-10", tc.Severity)
	}
	if tc.Confidence == 0 {
		tc.Confidence = 0.8
	}
	if tc.Confidence < 0 || tc.Confidence > 1 {
		return fail("confidence %v outside 0-1", tc.Confidence)
	}
	if !strings.HasPrefix(tc.CWE, "CWE-") {
		return fail("cwe %q must look like CWE-<n>", tc.CWE)
	}
	if tc.Endpoint != "" {
		re, err := regexcache.Get(tc.Endpoint)
		if err != nil {
			return fail("endpoint pattern: %v", err)
		}
		tc.endpointRe = re
	}
	if err := tc.Predicate.compile(); err != nil {
		return fail("%v", err)
	}
	if tc.Predicate.Kind == PredicateReflect && tc.Payload == "" {
		return fail("reflect predicate needs a payload")
	}
	return nil
}

// Merge returns a new catalog with extra's rows added to, or replacing,
// c's rows. Neither input is modified.
func (c *Catalog) Merge(extra *Catalog) *Catalog {
	out := &Catalog{
		Version: max(c.Version, extra.Version),
		cases:   slices.Clone(c.cases),
		byID:    make(map[string]int, len(c.cases)+len(extra.cases)),
	}
	for id, i := range c.byID {
		out.byID[id] = i
	}
	for _, tc := range extra.cases {
		if i, ok := out.byID[tc.ID]; ok {
			out.cases[i] = tc
			continue
		}
		out.byID[tc.ID] = len(out.cases)
		out.cases = append(out.cases, tc)
	}
	return out
}

// Len returns the number of rows.
func (c *Catalog) Len() int { return len(c.cases) }

// All returns a copy of every row in table order.
func (c *Catalog) All() []TestCase {
	return slices.Clone(c.cases)
}

// Get returns the row with id.
func (c *Catalog) Get(id string) (TestCase, bool) {
	i, ok := c.byID[id]
	if !ok {
		return TestCase{}, false
	}
	return c.cases[i], true
}

// Filter returns the rows of the given classes (all classes when empty)
// whose api flag equals api.
func (c *Catalog) Filter(classes []Class, api bool) []TestCase {
	var out []TestCase
	for _, tc := range c.cases {
		if tc.API != api {
			continue
		}
		if len(classes) > 0 && !slices.Contains(classes, tc.Class) {
			continue
		}
		out = append(out, tc)
	}
	return out
}

// Classes returns the distinct classes in table order.
func (c *Catalog) Classes() []Class {
	var out []Class
	for _, tc := range c.cases {
		if !slices.Contains(out, tc.Class) {
			out = append(out, tc.Class)
		}
	}
	return out
}
