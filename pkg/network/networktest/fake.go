// Package networktest provides an in-memory NetworkDriver that models Linux
// bridge membership, VXLAN interfaces and ebtables FORWARD rules closely
// enough to decide whether a frame would be forwarded.
package networktest

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/glennswest/vxlab/pkg/network"
)

// Driver is a fake network.NetworkDriver and network.FilterDriver for one
// node.
type Driver struct {
	mu sync.Mutex

	name    string
	caps    network.DriverCapabilities
	links   map[string]bool
	bridges map[string]bool
	master  map[string]string
	up      map[string]bool
	addrs   map[string][]string
	tunnels map[string]network.TunnelSpec
	rules   map[string][]network.IsolationRule // table/chain -> rules

	// Fail makes the named operation fail with the given error. Keys are
	// method names, optionally suffixed with ":<object>", e.g.
	// "AttachPort:vxlan0".
	Fail map[string]error

	calls map[string]int
}

// NewDriver returns a Driver for node whose existing interfaces are intfs.
// They start up, as the substrate leaves link interfaces.
func NewDriver(node string, intfs ...string) *Driver {
	d := &Driver{
		name:    node,
		caps:    network.DriverCapabilities{Tunnels: true, ACLs: true},
		links:   make(map[string]bool),
		bridges: make(map[string]bool),
		master:  make(map[string]string),
		up:      make(map[string]bool),
		addrs:   make(map[string][]string),
		tunnels: make(map[string]network.TunnelSpec),
		rules:   make(map[string][]network.IsolationRule),
		Fail:    make(map[string]error),
		calls:   make(map[string]int),
	}
	for _, i := range intfs {
		d.links[i] = true
		d.up[i] = true
	}
	return d
}

// SetCapabilities overrides the advertised capabilities.
func (d *Driver) SetCapabilities(c network.DriverCapabilities) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.caps = c
}

func (d *Driver) fail(op, obj string) error {
	d.calls[op]++
	if err := d.Fail[op+":"+obj]; err != nil {
		return err
	}
	return d.Fail[op]
}

func (d *Driver) exists(what string) error {
	return fmt.Errorf("RTNETLINK answers: File exists (%s): %w", what, network.ErrExists)
}

func (d *Driver) CreateBridge(_ context.Context, name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.fail("CreateBridge", name); err != nil {
		return err
	}
	if d.links[name] {
		return d.exists(name)
	}
	d.links[name] = true
	d.bridges[name] = true
	return nil
}

func (d *Driver) AttachPort(_ context.Context, bridge, port string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.fail("AttachPort", port); err != nil {
		return err
	}
	if !d.bridges[bridge] {
		return fmt.Errorf("cannot find device %q", bridge)
	}
	if !d.links[port] {
		return fmt.Errorf("cannot find device %q", port)
	}
	d.master[port] = bridge
	return nil
}

func (d *Driver) ListPorts(_ context.Context, bridge string) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.fail("ListPorts", bridge); err != nil {
		return nil, err
	}
	var out []string
	for port, br := range d.master {
		if br == bridge {
			out = append(out, port)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (d *Driver) SetLinkUp(_ context.Context, name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.fail("SetLinkUp", name); err != nil {
		return err
	}
	if !d.links[name] {
		return fmt.Errorf("cannot find device %q", name)
	}
	d.up[name] = true
	return nil
}

func (d *Driver) AddAddress(_ context.Context, dev, cidr string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.fail("AddAddress", dev); err != nil {
		return err
	}
	if !d.links[dev] {
		return fmt.Errorf("cannot find device %q", dev)
	}
	for _, a := range d.addrs[dev] {
		if a == cidr {
			return fmt.Errorf("Error: ipv4: Address already assigned: %w", network.ErrExists)
		}
	}
	d.addrs[dev] = append(d.addrs[dev], cidr)
	return nil
}

func (d *Driver) CreateTunnel(_ context.Context, spec network.TunnelSpec) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.fail("CreateTunnel", spec.Name); err != nil {
		return err
	}
	if d.links[spec.Name] {
		return d.exists(spec.Name)
	}
	if !d.links[spec.Device] {
		return fmt.Errorf("cannot find device %q", spec.Device)
	}
	d.links[spec.Name] = true
	d.tunnels[spec.Name] = spec
	return nil
}

func (d *Driver) NodeName() string { return d.name }

func (d *Driver) Capabilities() network.DriverCapabilities {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.caps
}

func (d *Driver) ListFilterRules(_ context.Context, chain string) ([]network.IsolationRule, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.fail("ListFilterRules", chain); err != nil {
		return nil, err
	}
	out := make([]network.IsolationRule, len(d.rules["filter/"+chain]))
	copy(out, d.rules["filter/"+chain])
	return out, nil
}

func (d *Driver) AppendFilterRule(_ context.Context, rule network.IsolationRule) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.fail("AppendFilterRule", rule.In); err != nil {
		return err
	}
	key := "filter/" + rule.Chain
	d.rules[key] = append(d.rules[key], rule)
	return nil
}

func (d *Driver) FlushFilterTable(_ context.Context, table string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.fail("FlushFilterTable", table); err != nil {
		return err
	}
	for key := range d.rules {
		if len(key) > len(table) && key[:len(table)+1] == table+"/" {
			delete(d.rules, key)
		}
	}
	return nil
}

// Rules returns the FORWARD rules in the filter table.
func (d *Driver) Rules() []network.IsolationRule {
	rules, _ := d.ListFilterRules(context.Background(), "FORWARD")
	return rules
}

// Calls returns how many times op was invoked.
func (d *Driver) Calls(op string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[op]
}

// Tunnel returns the tunnel named name, if created.
func (d *Driver) Tunnel(name string) (network.TunnelSpec, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.tunnels[name]
	return t, ok
}

func (d *Driver) tunnelList() []network.TunnelSpec {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]network.TunnelSpec, 0, len(d.tunnels))
	for _, t := range d.tunnels {
		out = append(out, t)
	}
	return out
}

// Addresses returns the addresses assigned to dev.
func (d *Driver) Addresses(dev string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.addrs[dev]...)
}

// IsUp reports whether dev was brought up.
func (d *Driver) IsUp(dev string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.up[dev]
}

// Detach removes port from its bridge, simulating drift.
func (d *Driver) Detach(port string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.master, port)
}

// Forwards reports whether a frame entering the node on in would be
// forwarded out of out: both must be up ports of the same bridge, the
// bridge must be up, and no FORWARD DROP rule may match the pair.
func (d *Driver) Forwards(in, out string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	br, ok := d.master[in]
	if !ok || d.master[out] != br || in == out {
		return false
	}
	if !d.up[br] || !d.up[in] || !d.up[out] {
		return false
	}
	for _, r := range d.rules["filter/FORWARD"] {
		if r.Target == "DROP" && r.In == in && r.Out == out {
			return false
		}
	}
	return true
}

var (
	_ network.NetworkDriver = (*Driver)(nil)
	_ network.FilterDriver  = (*Driver)(nil)
)
