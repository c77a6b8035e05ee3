package catalog

import (
	"bytes"
	"fmt"
	"net/http"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/waftester/vulnassess/pkg/defaults"
	"github.com/waftester/vulnassess/pkg/regexcache"
)

// PredicateKind names a detection predicate.
type PredicateKind string

const (
	PredicateStatus        PredicateKind = "status"
	PredicateTiming        PredicateKind = "timing"
	PredicateReflect       PredicateKind = "reflect"
	PredicateRegex         PredicateKind = "regex"
	PredicateHeaderMissing PredicateKind = "header-missing"
	PredicateHeaderPresent PredicateKind = "header-present"
	PredicateHeaderRegex   PredicateKind = "header-regex"
	PredicateBurst         PredicateKind = "burst"
	PredicateAll           PredicateKind = "all"
)

// Predicate decides whether a response shows the vulnerability.
type Predicate struct {
	Kind     PredicateKind `yaml:"kind" json:"kind"`
	Status   []int         `yaml:"status" json:"status,omitempty"`
	Pattern  string        `yaml:"pattern" json:"pattern,omitempty"`
	Patterns []string      `yaml:"patterns" json:"patterns,omitempty"`
	Header   string        `yaml:"header" json:"header,omitempty"`
	DelayMs  int64         `yaml:"delay_ms" json:"delay_ms"`
	Count    int           `yaml:"count" json:"count"`
	All      []Predicate   `yaml:"all" json:"all,omitempty"`

	res []*regexp.Regexp
}

// Observation is what the prober saw for one request (or one burst).
type Observation struct {
	Status  int
	Header  http.Header
	Body    []byte
	Latency time.Duration

	// BurstStatuses holds every status of a burst; empty otherwise.
	BurstStatuses []int
}

func (p *Predicate) compile() error {
	switch p.Kind {
	case PredicateStatus:
		if len(p.Status) == 0 {
			return fmt.Errorf("status predicate needs status codes")
		}
	case PredicateTiming:
		if p.DelayMs <= 0 {
			return fmt.Errorf("timing predicate needs delay_ms")
		}
	case PredicateReflect:
	case PredicateRegex, PredicateHeaderRegex:
		pats := p.Patterns
		if p.Pattern != "" {
			pats = append([]string{p.Pattern}, pats...)
		}
		if len(pats) == 0 {
			return fmt.Errorf("%s predicate needs a pattern", p.Kind)
		}
		res, err := regexcache.GetAll(pats)
		if err != nil {
			return err
		}
		p.res = res
		if p.Kind == PredicateHeaderRegex && p.Header == "" {
			return fmt.Errorf("header-regex predicate needs a header")
		}
	case PredicateHeaderMissing, PredicateHeaderPresent:
		if p.Header == "" {
			return fmt.Errorf("%s predicate needs a header", p.Kind)
		}
	case PredicateBurst:
		if p.Count <= 0 {
			p.Count = defaults.BurstRequests
		}
	case PredicateAll:
		if len(p.All) == 0 {
			return fmt.Errorf("all predicate needs sub-predicates")
		}
		for i := range p.All {
			if p.All[i].Kind == PredicateBurst {
				return fmt.Errorf("burst cannot be nested")
			}
			if err := p.All[i].compile(); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("unknown predicate %q", p.Kind)
	}
	return nil
}

// Delay returns the timing threshold.
func (p Predicate) Delay() time.Duration {
	return time.Duration(p.DelayMs) * time.Millisecond
}

// Eval reports whether obs satisfies the predicate and, if so, an evidence
// excerpt. ref is the baseline observation timing deltas are measured
// against; needle is the payload reflect looks for.
func (p Predicate) Eval(obs Observation, ref *Observation, needle string) (bool, string) {
	switch p.Kind {
	case PredicateStatus:
		if slices.Contains(p.Status, obs.Status) {
			return true, fmt.Sprintf("status %d", obs.Status)
		}
	case PredicateTiming:
		var base time.Duration
		if ref != nil {
			base = ref.Latency
		}
		if delta := obs.Latency - base; delta >= p.Delay() {
			return true, fmt.Sprintf("response delayed %s over baseline %s", delta.Round(time.Millisecond), base.Round(time.Millisecond))
		}
	case PredicateReflect:
		if needle == "" {
			return false, ""
		}
		if i := bytes.Index(obs.Body, []byte(needle)); i >= 0 {
			return true, Excerpt(obs.Body, i, i+len(needle))
		}
	case PredicateRegex:
		for _, re := range p.res {
			if loc := re.FindIndex(obs.Body); loc != nil {
				return true, Excerpt(obs.Body, loc[0], loc[1])
			}
		}
	case PredicateHeaderMissing:
		if obs.Header.Get(p.Header) == "" {
			return true, "missing header " + http.CanonicalHeaderKey(p.Header)
		}
	case PredicateHeaderPresent:
		if v := obs.Header.Get(p.Header); v != "" {
			return true, http.CanonicalHeaderKey(p.Header) + ": " + v
		}
	case PredicateHeaderRegex:
		v := obs.Header.Get(p.Header)
		for _, re := range p.res {
			if v != "" && re.MatchString(v) {
				return true, http.CanonicalHeaderKey(p.Header) + ": " + v
			}
		}
	case PredicateBurst:
		statuses := obs.BurstStatuses
		if len(statuses) == 0 {
			statuses = []int{obs.Status}
		}
		if obs.Status == 0 && len(obs.BurstStatuses) == 0 {
			return false, ""
		}
		if !slices.Contains(statuses, http.StatusTooManyRequests) {
			return true, fmt.Sprintf("%d requests answered without 429", len(statuses))
		}
	case PredicateAll:
		parts := make([]string, 0, len(p.All))
		for _, sub := range p.All {
			ok, ex := sub.Eval(obs, ref, needle)
			if !ok {
				return false, ""
			}
			parts = append(parts, ex)
		}
		return true, strings.Join(parts, "; ")
	}
	return false, ""
}

// Excerpt returns body[start:end] with EvidenceContext bytes either side,
// flattened to one line.
func Excerpt(body []byte, start, end int) string {
	lo := max(0, start-defaults.EvidenceContext)
	hi := min(len(body), end+defaults.EvidenceContext)
	s := string(body[lo:hi])
	s = strings.Join(strings.Fields(s), " ")
	if lo > 0 {
		s = "..." + s
	}
	if hi < len(body) {
		s += "..."
	}
	return s
}
