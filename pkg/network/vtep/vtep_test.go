package vtep

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/glennswest/vxlab/pkg/network"
	"github.com/glennswest/vxlab/pkg/network/networktest"
)

// drivers maps gateway names to fake drivers.
type drivers map[string]*networktest.Driver

func (m drivers) DriverFor(name string) (network.NetworkDriver, error) {
	d, ok := m[name]
	if !ok {
		return nil, fmt.Errorf("node %q not found", name)
	}
	return d, nil
}

func (m drivers) FilterDriverFor(name string) (network.FilterDriver, error) {
	d, ok := m[name]
	if !ok {
		return nil, fmt.Errorf("node %q not found", name)
	}
	if !d.Capabilities().ACLs {
		return nil, network.ErrNotSupported
	}
	return d, nil
}

type lab struct {
	drivers drivers
	fabric  *networktest.Fabric
	gws     [2]network.Gateway
	specs   [2]Spec
}

func newLab(t *testing.T) *lab {
	t.Helper()
	gws := [2]network.Gateway{
		{
			Name: "br1", Bridge: "br0", BridgeAddress: "10.0.0.254/24",
			TransportAddress: "192.168.1.1/24", TransportInterface: "br1-eth2",
			TunnelInterface: "vxlan0", SegmentInterfaces: []string{"br1-eth0", "br1-eth1"},
		},
		{
			Name: "br2", Bridge: "br0", BridgeAddress: "10.0.0.254/24",
			TransportAddress: "192.168.1.2/24", TransportInterface: "br2-eth2",
			TunnelInterface: "vxlan0", SegmentInterfaces: []string{"br2-eth0", "br2-eth1"}, Segment: 1,
		},
	}
	tunnels, err := network.TunnelPair(gws[0], gws[1], "vxlan0", 100, 4789)
	if err != nil {
		t.Fatalf("TunnelPair: %v", err)
	}

	l := &lab{
		drivers: drivers{
			"br1": networktest.NewDriver("br1", "br1-eth0", "br1-eth1", "br1-eth2"),
			"br2": networktest.NewDriver("br2", "br2-eth0", "br2-eth1", "br2-eth2"),
		},
		fabric: networktest.NewFabric(),
		gws:    gws,
		specs:  [2]Spec{{Gateway: gws[0], Tunnel: tunnels[0]}, {Gateway: gws[1], Tunnel: tunnels[1]}},
	}
	l.fabric.AddGateway(l.drivers["br1"])
	l.fabric.AddGateway(l.drivers["br2"])
	l.fabric.Plug("h1", "br1", "br1-eth0")
	l.fabric.Plug("h2", "br1", "br1-eth1")
	l.fabric.Plug("h3", "br2", "br2-eth0")
	l.fabric.Plug("h4", "br2", "br2-eth1")
	return l
}

func TestProvisionReferenceLab(t *testing.T) {
	l := newLab(t)
	p := NewProvisioner(l.drivers, zap.NewNop().Sugar())

	if err := p.ProvisionPair(context.Background(), l.specs); err != nil {
		t.Fatalf("ProvisionPair: %v", err)
	}

	for i, gw := range l.gws {
		members, err := p.Membership(context.Background(), gw)
		if err != nil {
			t.Fatalf("Membership(%s): %v", gw.Name, err)
		}
		want := []string{gw.SegmentInterfaces[0], gw.SegmentInterfaces[1], "vxlan0"}
		if diff := cmp.Diff(want, members); diff != "" {
			t.Errorf("%s membership (-want +got):\n%s", gw.Name, diff)
		}

		d := l.drivers[gw.Name]
		tun, ok := d.Tunnel("vxlan0")
		if !ok {
			t.Fatalf("%s: no tunnel", gw.Name)
		}
		if diff := cmp.Diff(l.specs[i].Tunnel, tun); diff != "" {
			t.Errorf("%s tunnel (-want +got):\n%s", gw.Name, diff)
		}
		if got := d.Addresses(gw.TransportInterface); len(got) != 1 || got[0] != gw.TransportAddress {
			t.Errorf("%s transport addresses %v", gw.Name, got)
		}
		if got := d.Addresses("br0"); len(got) != 1 || got[0] != "10.0.0.254/24" {
			t.Errorf("%s bridge addresses %v", gw.Name, got)
		}
		if !d.IsUp("br0") || !d.IsUp("vxlan0") {
			t.Errorf("%s bridge or tunnel not up", gw.Name)
		}
	}

	tun1, _ := l.drivers["br1"].Tunnel("vxlan0")
	tun2, _ := l.drivers["br2"].Tunnel("vxlan0")
	if tun1.RemoteIP != tun2.LocalIP || tun2.RemoteIP != tun1.LocalIP {
		t.Errorf("tunnels not paired: %+v / %+v", tun1, tun2)
	}

	if !l.fabric.Reachable("h1", "h3") || !l.fabric.Reachable("h2", "h4") {
		t.Error("cross-segment endpoints not reachable after provisioning")
	}
}

func TestProvisionIdempotent(t *testing.T) {
	l := newLab(t)
	p := NewProvisioner(l.drivers, zap.NewNop().Sugar())
	ctx := context.Background()

	if err := p.ProvisionPair(ctx, l.specs); err != nil {
		t.Fatalf("first ProvisionPair: %v", err)
	}
	before, _ := p.Membership(ctx, l.gws[0])

	if err := p.ProvisionPair(ctx, l.specs); err != nil {
		t.Fatalf("second ProvisionPair: %v", err)
	}
	after, _ := p.Membership(ctx, l.gws[0])

	if diff := cmp.Diff(before, after); diff != "" {
		t.Errorf("membership changed on re-apply (-before +after):\n%s", diff)
	}
	if got := l.drivers["br1"].Addresses("br1-eth2"); len(got) != 1 {
		t.Errorf("transport address duplicated: %v", got)
	}
	if l.drivers["br1"].Calls("CreateTunnel") != 2 {
		t.Errorf("expected tunnel creation attempted twice, got %d", l.drivers["br1"].Calls("CreateTunnel"))
	}
}

func TestProvisionFailureIsPerGateway(t *testing.T) {
	l := newLab(t)
	l.drivers["br1"].Fail["AttachPort:br1-eth1"] = errors.New("RTNETLINK answers: Operation not permitted")

	p := NewProvisioner(l.drivers, zap.NewNop().Sugar())
	err := p.ProvisionPair(context.Background(), l.specs)

	var pe *ProvisioningError
	if !errors.As(err, &pe) {
		t.Fatalf("expected ProvisioningError, got %v", err)
	}
	if pe.Gateway != "br1" || pe.Step != "attach-br1-eth1" {
		t.Errorf("unexpected failure %+v", pe)
	}

	// br1 stopped at the failing step; vxlan0 was never attached.
	members, _ := p.Membership(context.Background(), l.gws[0])
	if diff := cmp.Diff([]string{"br1-eth0"}, members); diff != "" {
		t.Errorf("br1 membership (-want +got):\n%s", diff)
	}

	// br2 was provisioned regardless.
	members, _ = p.Membership(context.Background(), l.gws[1])
	if len(members) != 3 {
		t.Errorf("br2 not fully provisioned: %v", members)
	}
}

func TestProvisionBothGatewaysFail(t *testing.T) {
	l := newLab(t)
	boom := errors.New("permission denied")
	l.drivers["br1"].Fail["CreateBridge"] = boom
	l.drivers["br2"].Fail["CreateTunnel"] = boom

	p := NewProvisioner(l.drivers, zap.NewNop().Sugar())
	err := p.ProvisionPair(context.Background(), l.specs)
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped failure, got %v", err)
	}

	steps := map[string]string{}
	for _, e := range multierr.Errors(err) {
		var pe *ProvisioningError
		if errors.As(e, &pe) {
			steps[pe.Gateway] = pe.Step
		}
	}
	want := map[string]string{"br1": "create-bridge", "br2": "create-tunnel"}
	if diff := cmp.Diff(want, steps); diff != "" {
		t.Errorf("per-gateway failures (-want +got):\n%s", diff)
	}
}

func TestProvisionPairRejectsReversedPairing(t *testing.T) {
	l := newLab(t)
	l.specs[1].Tunnel.LocalIP, l.specs[1].Tunnel.RemoteIP = l.specs[1].Tunnel.RemoteIP, l.specs[1].Tunnel.LocalIP

	p := NewProvisioner(l.drivers, zap.NewNop().Sugar())
	err := p.ProvisionPair(context.Background(), l.specs)
	if !errors.Is(err, network.ErrPairing) {
		t.Fatalf("expected ErrPairing, got %v", err)
	}
	if l.drivers["br1"].Calls("CreateBridge") != 0 {
		t.Error("provisioning ran despite invalid pairing")
	}
}

func TestProvisionRejectsTunnelOnWrongDevice(t *testing.T) {
	l := newLab(t)
	spec := l.specs[0]
	spec.Tunnel.Device = "br1-eth0"

	p := NewProvisioner(l.drivers, zap.NewNop().Sugar())
	var pe *ProvisioningError
	if err := p.Provision(context.Background(), spec); !errors.As(err, &pe) || pe.Step != "validate" {
		t.Errorf("expected validate failure, got %v", err)
	}
}

func TestProvisionRequiresTunnelCapability(t *testing.T) {
	l := newLab(t)
	l.drivers["br1"].SetCapabilities(network.DriverCapabilities{ACLs: true})

	p := NewProvisioner(l.drivers, zap.NewNop().Sugar())
	err := p.Provision(context.Background(), l.specs[0])
	if !errors.Is(err, network.ErrNotSupported) {
		t.Errorf("expected ErrNotSupported, got %v", err)
	}
}

func TestReconcileReattachesDriftedPort(t *testing.T) {
	l := newLab(t)
	p := NewProvisioner(l.drivers, zap.NewNop().Sugar())
	ctx := context.Background()

	if err := p.ProvisionPair(ctx, l.specs); err != nil {
		t.Fatalf("ProvisionPair: %v", err)
	}

	drifts, err := p.Reconcile(ctx, l.gws[0])
	if err != nil || drifts != 0 {
		t.Fatalf("Reconcile on clean gateway = %d, %v", drifts, err)
	}

	l.drivers["br1"].Detach("vxlan0")
	if l.fabric.Reachable("h1", "h3") {
		t.Fatal("detached tunnel should break cross-segment reachability")
	}

	drifts, err = p.Reconcile(ctx, l.gws[0])
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if drifts != 1 {
		t.Errorf("expected 1 drift, got %d", drifts)
	}
	if !l.fabric.Reachable("h1", "h3") {
		t.Error("reconcile did not restore the tunnel port")
	}
}

func TestIsolationApplyIdempotent(t *testing.T) {
	l := newLab(t)
	iso := NewIsolator(l.drivers, zap.NewNop().Sugar())
	ctx := context.Background()

	added, err := iso.Apply(ctx, l.gws[0])
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if added != 2 {
		t.Errorf("expected 2 rules added, got %d", added)
	}

	added, err = iso.Apply(ctx, l.gws[0])
	if err != nil {
		t.Fatalf("second Apply: %v", err)
	}
	if added != 0 {
		t.Errorf("re-apply added %d rules", added)
	}

	want := []network.IsolationRule{
		{Chain: "FORWARD", In: "br1-eth0", Out: "br1-eth1", Target: "DROP"},
		{Chain: "FORWARD", In: "br1-eth1", Out: "br1-eth0", Target: "DROP"},
	}
	if diff := cmp.Diff(want, l.drivers["br1"].Rules()); diff != "" {
		t.Errorf("rules (-want +got):\n%s", diff)
	}
	if len(l.drivers["br2"].Rules()) != 0 {
		t.Error("rules leaked onto br2")
	}
}

// Isolation rules are scoped to the segment interface pair, so traffic
// between a segment interface and the tunnel must still be forwarded.
func TestIsolationKeepsTunnelTraffic(t *testing.T) {
	l := newLab(t)
	ctx := context.Background()
	p := NewProvisioner(l.drivers, zap.NewNop().Sugar())
	iso := NewIsolator(l.drivers, zap.NewNop().Sugar())

	if err := p.ProvisionPair(ctx, l.specs); err != nil {
		t.Fatalf("ProvisionPair: %v", err)
	}
	if !l.fabric.Reachable("h1", "h2") {
		t.Fatal("same-segment endpoints should reach each other before isolation")
	}

	for _, gw := range l.gws {
		if _, err := iso.Apply(ctx, gw); err != nil {
			t.Fatalf("Apply(%s): %v", gw.Name, err)
		}
		for _, r := range l.drivers[gw.Name].Rules() {
			if r.In == gw.TunnelInterface || r.Out == gw.TunnelInterface {
				t.Errorf("%s: rule %s references the tunnel", gw.Name, r)
			}
		}
	}

	tests := []struct {
		src, dst string
		want     bool
	}{
		{"h1", "h3", true},
		{"h2", "h4", true},
		{"h1", "h4", true},
		{"h1", "h2", false},
		{"h3", "h4", false},
	}
	for _, tt := range tests {
		if got := l.fabric.Reachable(tt.src, tt.dst); got != tt.want {
			t.Errorf("Reachable(%s, %s) = %v, want %v", tt.src, tt.dst, got, tt.want)
		}
	}

	br1 := l.drivers["br1"]
	for _, seg := range []string{"br1-eth0", "br1-eth1"} {
		if !br1.Forwards(seg, "vxlan0") || !br1.Forwards("vxlan0", seg) {
			t.Errorf("tunnel traffic to or from %s blocked by isolation", seg)
		}
	}
}

func TestIsolationUnsupportedDriver(t *testing.T) {
	l := newLab(t)
	l.drivers["br1"].SetCapabilities(network.DriverCapabilities{Tunnels: true})

	iso := NewIsolator(l.drivers, zap.NewNop().Sugar())
	_, err := iso.Apply(context.Background(), l.gws[0])

	var pe *ProvisioningError
	if !errors.As(err, &pe) || pe.Step != "isolation" {
		t.Errorf("expected isolation ProvisioningError, got %v", err)
	}
}

func TestIsolationAppendFailure(t *testing.T) {
	l := newLab(t)
	l.drivers["br1"].Fail["AppendFilterRule:br1-eth1"] = errors.New("ebtables: permission denied")

	iso := NewIsolator(l.drivers, zap.NewNop().Sugar())
	added, err := iso.Apply(context.Background(), l.gws[0])
	if err == nil {
		t.Fatal("expected error")
	}
	if added != 1 {
		t.Errorf("expected the first rule to be added, got %d", added)
	}
}

func TestFlush(t *testing.T) {
	l := newLab(t)
	iso := NewIsolator(l.drivers, zap.NewNop().Sugar())
	ctx := context.Background()

	if _, err := iso.Apply(ctx, l.gws[0]); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if err := iso.Flush(ctx, "br1"); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if len(l.drivers["br1"].Rules()) != 0 {
		t.Error("rules survived flush")
	}
	if got := l.drivers["br1"].Calls("FlushFilterTable"); got != len(FlushTables) {
		t.Errorf("expected %d table flushes, got %d", len(FlushTables), got)
	}

	l.drivers["br2"].Fail["FlushFilterTable:nat"] = errors.New("table nat missing")
	if err := iso.Flush(ctx, "br2"); err == nil {
		t.Error("expected flush error to be reported")
	}
	if got := l.drivers["br2"].Calls("FlushFilterTable"); got != len(FlushTables) {
		t.Errorf("a failing table should not stop the rest, got %d flushes", got)
	}
}
