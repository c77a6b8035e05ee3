package portscan

import (
	"fmt"
	"slices"
	"strings"

	"github.com/waftester/vulnassess/pkg/finding"
	"github.com/waftester/vulnassess/pkg/target"
)

// ProfileName selects a port list.
type ProfileName string

const (
	ProfileQuick    ProfileName = "quick"
	ProfileStandard ProfileName = "standard"
	ProfileDeep     ProfileName = "deep"
	ProfileCustom   ProfileName = "custom"
)

// Profile is a scan depth. Ports is only used by the custom profile.
type Profile struct {
	Name  ProfileName `json:"name" yaml:"name"`
	Ports []int       `json:"ports,omitempty" yaml:"ports"`
}

// Quick, Standard and Deep are the built-in profiles.
var (
	Quick    = Profile{Name: ProfileQuick}
	Standard = Profile{Name: ProfileStandard}
	Deep     = Profile{Name: ProfileDeep}
)

// Custom returns a profile scanning exactly ports.
func Custom(ports ...int) Profile {
	return Profile{Name: ProfileCustom, Ports: ports}
}

// ParseProfile accepts "quick", "standard", "deep" or a port expression,
// which becomes a custom profile.
func ParseProfile(s string) (Profile, error) {
	switch ProfileName(strings.ToLower(strings.TrimSpace(s))) {
	case "", ProfileQuick:
		return Quick, nil
	case ProfileStandard:
		return Standard, nil
	case ProfileDeep:
		return Deep, nil
	}
	pr, err := target.ParsePorts(strings.TrimPrefix(s, "custom:"))
	if err != nil {
		return Profile{}, err
	}
	return Custom(pr.Ports()...), nil
}

// Validate rejects unknown profiles and out-of-range custom ports.
func (p Profile) Validate() error {
	switch p.Name {
	case ProfileQuick, ProfileStandard, ProfileDeep:
		return nil
	case ProfileCustom:
		if len(p.Ports) == 0 {
			return fmt.Errorf("%w: custom profile has no ports", finding.ErrConfiguration)
		}
		_, err := target.FromPorts(p.Ports)
		return err
	}
	return fmt.Errorf("%w: unknown scan profile %q", finding.ErrConfiguration, p.Name)
}

// String returns the profile name.
func (p Profile) String() string {
	if p.Name == "" {
		return string(ProfileQuick)
	}
	return string(p.Name)
}

// PortList returns the profile's ports that fall inside pr, sorted.
func (p Profile) PortList(pr target.PortRange) []int {
	var base []int
	switch p.Name {
	case ProfileStandard:
		base = seq(1, 5000)
	case ProfileDeep:
		base = seq(target.MinPort, target.MaxPort)
	case ProfileCustom:
		base = slices.Clone(p.Ports)
	default:
		base = append(seq(1, 1024), commonHighPorts...)
	}
	return pr.Intersect(base)
}

func seq(lo, hi int) []int {
	out := make([]int, 0, hi-lo+1)
	for p := lo; p <= hi; p++ {
		out = append(out, p)
	}
	return out
}

// commonHighPorts extends the quick profile past the well-known range with
// the services most often exposed by accident.
var commonHighPorts = []int{
	1080, 1194, 1433, 1434, 1521, 1723, 1883, 2049, 2082, 2083, 2181, 2222,
	2375, 2376, 2379, 3000, 3128, 3268, 3306, 3389, 3690, 4000, 4369, 4443,
	4848, 5000, 5001, 5060, 5432, 5601, 5672, 5900, 5901, 5984, 5985, 5986,
	6000, 6379, 6380, 6443, 6667, 7001, 7002, 7070, 7443, 7474, 8000, 8008,
	8009, 8080, 8081, 8086, 8088, 8161, 8443, 8500, 8888, 9000, 9042, 9090,
	9092, 9200, 9300, 9418, 9443, 9999, 10000, 10250, 11211, 15672, 27017,
	27018, 28017, 50000,
}

// clientFirstPorts are ports where the server waits for the client, so the
// HTTP probe is sent without waiting for a greeting.
var clientFirstPorts = map[int]bool{
	80: true, 443: true, 3000: true, 5000: true, 8000: true, 8008: true,
	8080: true, 8081: true, 8088: true, 8443: true, 8888: true, 9000: true,
	9090: true, 9200: true, 9443: true,
}
