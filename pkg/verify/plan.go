// Package verify runs the reachability probes that show the overlay works
// and that isolation holds, and judges the evidence they collect.
package verify

import (
	"fmt"
	"time"

	"github.com/glennswest/vxlab/pkg/config"
	"github.com/glennswest/vxlab/pkg/network"
)

// Kind says which traffic path a probe exercises.
type Kind string

const (
	KindCross Kind = "cross" // endpoint to endpoint across the tunnel
	KindIntra Kind = "intra" // endpoint to endpoint on the same segment
)

// Expect is the outcome a probe should produce.
type Expect string

const (
	ExpectReachable Expect = "reachable"
	ExpectBlocked   Expect = "blocked"
)

// Probe is one ping from an endpoint to another endpoint's address.
type Probe struct {
	Name    string        `json:"name" yaml:"name"`
	From    string        `json:"from" yaml:"from"`
	To      string        `json:"to" yaml:"to"`
	Addr    string        `json:"addr" yaml:"addr"`
	Kind    Kind          `json:"kind" yaml:"kind"`
	Expect  Expect        `json:"expect" yaml:"expect"`
	Count   int           `json:"count" yaml:"count"`
	Timeout time.Duration `json:"timeout" yaml:"timeout"` // per echo request
}

// Argv is the ping command run on the source endpoint. ping's -W takes
// whole seconds.
func (p Probe) Argv() []string {
	wait := int(p.Timeout.Round(time.Second) / time.Second)
	if wait < 1 {
		wait = 1
	}
	return []string{"ping", "-c", fmt.Sprint(p.Count), "-W", fmt.Sprint(wait), p.Addr}
}

// Budget bounds the whole probe: every request may wait its timeout, plus
// slack for process startup.
func (p Probe) Budget() time.Duration {
	per := p.Timeout
	if per < time.Second {
		per = time.Second
	}
	return time.Duration(p.Count)*(per+time.Second) + 2*time.Second
}

func (p Probe) String() string {
	return fmt.Sprintf("%s %s -> %s (%s, expect %s)", p.Kind, p.From, p.To, p.Addr, p.Expect)
}

// Plan lays out the probe sequence over the endpoints of each segment:
// cross-segment probes pairing the i-th endpoint of each segment, then one
// intra-segment probe per segment from its first endpoint to its second.
// Intra probes expect to be blocked when isolation is on and to succeed
// when it is off.
func Plan(segs [2][]network.Endpoint, cfg config.Config) []Probe {
	var probes []Probe
	for i := 0; i < len(segs[0]) && i < len(segs[1]); i++ {
		probes = append(probes, newProbe(segs[0][i], segs[1][i], KindCross, ExpectReachable,
			cfg.Probes.CrossCount, cfg.Probes.Timeout))
	}

	intra := ExpectReachable
	if cfg.Features.Isolation {
		intra = ExpectBlocked
	}
	for _, seg := range segs {
		if len(seg) < 2 {
			continue
		}
		probes = append(probes, newProbe(seg[0], seg[1], KindIntra, intra,
			cfg.Probes.IsolationCount, cfg.Probes.Timeout))
	}
	return probes
}

func newProbe(from, to network.Endpoint, kind Kind, expect Expect, count int, timeout time.Duration) Probe {
	return Probe{
		Name:    from.Name + "->" + to.Name,
		From:    from.Name,
		To:      to.Name,
		Addr:    to.IP(),
		Kind:    kind,
		Expect:  expect,
		Count:   count,
		Timeout: timeout,
	}
}
