package scoring

import (
	_ "embed"
	"errors"
	"fmt"
	"math"
	"os"
	"slices"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/waftester/vulnassess/pkg/defaults"
	"github.com/waftester/vulnassess/pkg/finding"
)

// ErrInvalidProfile is returned for malformed or unknown profiles.
var ErrInvalidProfile = errors.New("scoring: invalid profile")

//go:embed profiles.yaml
var builtinYAML []byte

// Weights combine the three severity factors. They need not sum to one;
// they are normalized on use.
type Weights struct {
	CVSS       float64 `yaml:"cvss" json:"cvss"`
	OWASP      float64 `yaml:"owasp" json:"owasp"`
	Confidence float64 `yaml:"confidence" json:"confidence"`
}

func (w Weights) sum() float64 { return w.CVSS + w.OWASP + w.Confidence }

// Profile is a weighting table for severity and overall scoring.
type Profile struct {
	Name        string                       `yaml:"name" json:"name"`
	Description string                       `yaml:"description" json:"description,omitempty"`
	Weights     Weights                      `yaml:"weights" json:"weights"`
	Categories  map[finding.Category]float64 `yaml:"categories" json:"categories"`

	// Peak blends the worst category (Peak) with the weighted mean of all
	// categories (1-Peak).
	Peak float64 `yaml:"peak" json:"peak"`

	// OWASP overrides the default base weight of individual categories.
	OWASP map[string]float64 `yaml:"owasp" json:"owasp,omitempty"`
}

// OWASPWeight returns the profile's 0-10 weight for an OWASP code.
func (p Profile) OWASPWeight(code string) float64 {
	if w, ok := p.OWASP[code]; ok {
		return w
	}
	return defaults.OWASPWeight(code)
}

// CategoryWeight returns the weight of c, or 1 when unset.
func (p Profile) CategoryWeight(c finding.Category) float64 {
	if w, ok := p.Categories[c]; ok {
		return w
	}
	return 1
}

// Validate checks weight ranges.
func (p Profile) Validate() error {
	fail := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s: %s", ErrInvalidProfile, p.Name, fmt.Sprintf(format, args...))
	}
	if p.Name == "" {
		return fmt.Errorf("%w: missing name", ErrInvalidProfile)
	}
	for name, w := range map[string]float64{"cvss": p.Weights.CVSS, "owasp": p.Weights.OWASP, "confidence": p.Weights.Confidence} {
		if w < 0 || math.IsNaN(w) {
			return fail("weight %s = %v", name, w)
		}
	}
	if p.Weights.sum() <= 0 {
		return fail("weights sum to zero")
	}
	if p.Peak < 0 || p.Peak > 1 {
		return fail("peak %v outside 0-1", p.Peak)
	}
	for c, w := range p.Categories {
		if w < 0 {
			return fail("category %s weight %v", c, w)
		}
	}
	for code, w := range p.OWASP {
		if _, ok := defaults.OWASPTop10[code]; !ok {
			return fail("unknown owasp category %q", code)
		}
		if w < 0 || w > 10 {
			return fail("owasp %s weight %v outside 0-10", code, w)
		}
	}
	return nil
}

type profileFile struct {
	Version  int       `yaml:"version"`
	Profiles []Profile `yaml:"profiles"`
}

// ParseProfiles decodes a YAML profile table.
func ParseProfiles(data []byte) ([]Profile, error) {
	var f profileFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidProfile, err)
	}
	seen := make(map[string]bool, len(f.Profiles))
	for _, p := range f.Profiles {
		if err := p.Validate(); err != nil {
			return nil, err
		}
		if seen[p.Name] {
			return nil, fmt.Errorf("%w: duplicate profile %q", ErrInvalidProfile, p.Name)
		}
		seen[p.Name] = true
	}
	return f.Profiles, nil
}

// LoadProfiles reads a profile table from path.
func LoadProfiles(path string) ([]Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("scoring: %w", err)
	}
	return ParseProfiles(data)
}

var (
	builtinOnce sync.Once
	builtin     []Profile
)

// Builtin returns the embedded profiles.
func Builtin() []Profile {
	builtinOnce.Do(func() {
		ps, err := ParseProfiles(builtinYAML)
		if err != nil {
			panic(err)
		}
		builtin = ps
	})
	return slices.Clone(builtin)
}

// Default returns the "default" built-in profile.
func Default() Profile {
	p, _ := Lookup("default")
	return p
}

// Lookup returns the built-in profile called name. An empty name selects
// the default profile.
func Lookup(name string) (Profile, error) {
	if name == "" {
		name = "default"
	}
	for _, p := range Builtin() {
		if p.Name == name {
			return p, nil
		}
	}
	return Profile{}, fmt.Errorf("%w: unknown profile %q", ErrInvalidProfile, name)
}

// Names lists the built-in profile names.
func Names() []string {
	var out []string
	for _, p := range Builtin() {
		out = append(out, p.Name)
	}
	return out
}
