package target

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/waftester/vulnassess/pkg/finding"
)

// MinPort and MaxPort bound every port expression.
const (
	MinPort = 1
	MaxPort = 65535
)

// Range is an inclusive port interval.
type Range struct {
	Lo int `json:"lo"`
	Hi int `json:"hi"`
}

// PortRange is a normalized set of sorted, non-overlapping intervals.
type PortRange []Range

// FullRange covers every TCP port.
func FullRange() PortRange {
	return PortRange{{Lo: MinPort, Hi: MaxPort}}
}

// ParsePorts parses expressions like "22,80,8000-8100". An empty expression
// yields the full range.
func ParsePorts(expr string) (PortRange, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" || expr == "-" || expr == "all" {
		return FullRange(), nil
	}
	var out PortRange
	for _, part := range strings.Split(expr, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		lo, hi, isRange := strings.Cut(part, "-")
		a, err := parsePort(lo)
		if err != nil {
			return nil, err
		}
		b := a
		if isRange {
			if b, err = parsePort(hi); err != nil {
				return nil, err
			}
		}
		if b < a {
			return nil, fmt.Errorf("%w: port range %q is reversed", finding.ErrConfiguration, part)
		}
		out = append(out, Range{Lo: a, Hi: b})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: empty port expression %q", finding.ErrConfiguration, expr)
	}
	return out.normalize(), nil
}

// FromPorts builds a range from an explicit list, rejecting out-of-range ports.
func FromPorts(ports []int) (PortRange, error) {
	var out PortRange
	for _, p := range ports {
		if p < MinPort || p > MaxPort {
			return nil, fmt.Errorf("%w: port %d outside %d-%d", finding.ErrConfiguration, p, MinPort, MaxPort)
		}
		out = append(out, Range{Lo: p, Hi: p})
	}
	return out.normalize(), nil
}

func parsePort(s string) (int, error) {
	p, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("%w: invalid port %q", finding.ErrConfiguration, s)
	}
	if p < MinPort || p > MaxPort {
		return 0, fmt.Errorf("%w: port %d outside %d-%d", finding.ErrConfiguration, p, MinPort, MaxPort)
	}
	return p, nil
}

func (pr PortRange) normalize() PortRange {
	if len(pr) == 0 {
		return pr
	}
	s := slices.Clone(pr)
	slices.SortFunc(s, func(a, b Range) int { return a.Lo - b.Lo })
	merged := PortRange{s[0]}
	for _, r := range s[1:] {
		last := &merged[len(merged)-1]
		if r.Lo <= last.Hi+1 {
			last.Hi = max(last.Hi, r.Hi)
			continue
		}
		merged = append(merged, r)
	}
	return merged
}

// Contains reports whether port p is in the range.
func (pr PortRange) Contains(p int) bool {
	for _, r := range pr {
		if p >= r.Lo && p <= r.Hi {
			return true
		}
	}
	return false
}

// Count returns the number of ports in the range.
func (pr PortRange) Count() int {
	n := 0
	for _, r := range pr {
		n += r.Hi - r.Lo + 1
	}
	return n
}

// Ports expands the range into a sorted port list.
func (pr PortRange) Ports() []int {
	out := make([]int, 0, pr.Count())
	for _, r := range pr {
		for p := r.Lo; p <= r.Hi; p++ {
			out = append(out, p)
		}
	}
	return out
}

// Intersect returns the ports of list that fall inside pr, sorted and unique.
func (pr PortRange) Intersect(list []int) []int {
	out := make([]int, 0, len(list))
	for _, p := range list {
		if pr.Contains(p) {
			out = append(out, p)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// String renders the range in ParsePorts syntax.
func (pr PortRange) String() string {
	parts := make([]string, 0, len(pr))
	for _, r := range pr {
		if r.Lo == r.Hi {
			parts = append(parts, strconv.Itoa(r.Lo))
		} else {
			parts = append(parts, fmt.Sprintf("%d-%d", r.Lo, r.Hi))
		}
	}
	return strings.Join(parts, ",")
}
