package topology

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap"

	"github.com/glennswest/vxlab/pkg/config"
	"github.com/glennswest/vxlab/pkg/network"
	"github.com/glennswest/vxlab/pkg/substrate"
	"github.com/glennswest/vxlab/pkg/substrate/substratetest"
)

// stubDriver is a minimal NetworkDriver for testing topology operations.
type stubDriver struct {
	name      string
	caps      network.DriverCapabilities
	addresses map[string]string
	up        map[string]bool
	addErr    error
}

func newStubDriver(name string) *stubDriver {
	return &stubDriver{name: name, addresses: map[string]string{}, up: map[string]bool{}}
}

func (d *stubDriver) CreateBridge(context.Context, string) error             { return nil }
func (d *stubDriver) AttachPort(context.Context, string, string) error       { return nil }
func (d *stubDriver) ListPorts(context.Context, string) ([]string, error)    { return nil, nil }
func (d *stubDriver) CreateTunnel(context.Context, network.TunnelSpec) error { return nil }
func (d *stubDriver) NodeName() string                                       { return d.name }
func (d *stubDriver) Capabilities() network.DriverCapabilities               { return d.caps }

func (d *stubDriver) SetLinkUp(_ context.Context, name string) error {
	d.up[name] = true
	return nil
}

func (d *stubDriver) AddAddress(_ context.Context, dev, cidr string) error {
	if d.addErr != nil {
		return d.addErr
	}
	d.addresses[dev] = cidr
	return nil
}

// filterStub adds FilterDriver to stubDriver.
type filterStub struct{ *stubDriver }

func (filterStub) ListFilterRules(context.Context, string) ([]network.IsolationRule, error) {
	return nil, nil
}
func (filterStub) AppendFilterRule(context.Context, network.IsolationRule) error { return nil }
func (filterStub) FlushFilterTable(context.Context, string) error                { return nil }

func TestAddAndListNodes(t *testing.T) {
	topo := New()

	if err := topo.AddNode(Node{Name: "br1", Role: RoleGateway, Driver: newStubDriver("br1")}); err != nil {
		t.Fatalf("AddNode: %v", err)
	}
	tunnels := newStubDriver("br2")
	tunnels.caps = network.DriverCapabilities{Tunnels: true, ACLs: true}
	if err := topo.AddNode(Node{Name: "br2", Role: RoleGateway, Segment: 1, Driver: tunnels}); err != nil {
		t.Fatalf("AddNode: %v", err)
	}
	if err := topo.AddNode(Node{Name: "h1", Role: RoleEndpoint}); err != nil {
		t.Fatalf("AddNode: %v", err)
	}

	if topo.NodeCount() != 3 {
		t.Errorf("expected 3 nodes, got %d", topo.NodeCount())
	}

	var names []string
	for _, n := range topo.ListNodes() {
		names = append(names, n.Name)
	}
	if diff := cmp.Diff([]string{"br1", "br2", "h1"}, names); diff != "" {
		t.Errorf("ListNodes order (-want +got):\n%s", diff)
	}

	// Capabilities default to the driver's.
	if n := topo.ListNodes()[1]; !n.Capabilities.Tunnels || !n.Capabilities.ACLs {
		t.Errorf("expected capabilities copied from driver, got %+v", n.Capabilities)
	}
}

func TestAddDuplicateNode(t *testing.T) {
	topo := New()
	_ = topo.AddNode(Node{Name: "br1"})
	if err := topo.AddNode(Node{Name: "br1"}); err == nil {
		t.Error("expected error for duplicate node")
	}
}

func TestDriverFor(t *testing.T) {
	topo := New()
	_ = topo.AddNode(Node{Name: "br1", Driver: newStubDriver("br1")})
	_ = topo.AddNode(Node{Name: "h1"})

	d, err := topo.DriverFor("br1")
	if err != nil || d.NodeName() != "br1" {
		t.Errorf("DriverFor(br1) = %v, %v", d, err)
	}
	if _, err := topo.DriverFor("h1"); err == nil {
		t.Error("expected error for node without driver")
	}
	if _, err := topo.DriverFor("nonexistent"); err == nil {
		t.Error("expected error for unknown node")
	}
}

func TestFilterDriverFor(t *testing.T) {
	topo := New()
	plain := newStubDriver("br1")
	plain.caps.ACLs = true
	_ = topo.AddNode(Node{Name: "br1", Driver: plain})

	acl := newStubDriver("br2")
	acl.caps.ACLs = true
	_ = topo.AddNode(Node{Name: "br2", Driver: filterStub{acl}})

	if _, err := topo.FilterDriverFor("br1"); !errors.Is(err, network.ErrNotSupported) {
		t.Errorf("expected ErrNotSupported, got %v", err)
	}
	if _, err := topo.FilterDriverFor("br2"); err != nil {
		t.Errorf("FilterDriverFor(br2): %v", err)
	}
}

func newTestBuilder(sub substrate.Substrate) (*Builder, map[string]*stubDriver) {
	drivers := map[string]*stubDriver{}
	b := NewBuilder(sub, func(node string) network.NetworkDriver {
		d := newStubDriver(node)
		drivers[node] = d
		return d
	}, zap.NewNop().Sugar())
	return b, drivers
}

func TestBuildReferenceLab(t *testing.T) {
	sub := substratetest.New()
	b, _ := newTestBuilder(sub)

	layout, err := b.Build(context.Background(), config.Default())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if !sub.Started() {
		t.Error("substrate not started")
	}

	if diff := cmp.Diff([]string{"h1", "h2", "h3", "h4", "br1", "br2"}, sub.Nodes()); diff != "" {
		t.Errorf("node order (-want +got):\n%s", diff)
	}

	wantEndpoints := []network.Endpoint{
		{Name: "h1", Interface: "h1-eth0", Address: "10.0.0.1/24", Gateway: "br1", Segment: 0},
		{Name: "h2", Interface: "h2-eth0", Address: "10.0.0.2/24", Gateway: "br1", Segment: 0},
		{Name: "h3", Interface: "h3-eth0", Address: "10.0.0.3/24", Gateway: "br2", Segment: 1},
		{Name: "h4", Interface: "h4-eth0", Address: "10.0.0.4/24", Gateway: "br2", Segment: 1},
	}
	if diff := cmp.Diff(wantEndpoints, layout.Endpoints); diff != "" {
		t.Errorf("endpoints (-want +got):\n%s", diff)
	}

	br1 := layout.Gateways[0]
	if diff := cmp.Diff([]string{"br1-eth0", "br1-eth1"}, br1.SegmentInterfaces); diff != "" {
		t.Errorf("br1 segment interfaces (-want +got):\n%s", diff)
	}
	if br1.TransportAddress != "192.168.1.1/24" || br1.TunnelInterface != "vxlan0" || br1.Bridge != "br0" {
		t.Errorf("unexpected br1: %+v", br1)
	}
	if br1.TransportInterface != "" {
		t.Errorf("transport interface must be left to the resolver, got %q", br1.TransportInterface)
	}

	// The transport link is the last one created and lands on eth2.
	links := sub.Links("br1", "br2")
	if len(links) != 1 || links[0].IntfA != "br1-eth2" || links[0].IntfB != "br2-eth2" {
		t.Errorf("unexpected transport link %v", links)
	}

	if got := layout.SegmentEndpoints(1); len(got) != 2 || got[0].Name != "h3" {
		t.Errorf("SegmentEndpoints(1) = %v", got)
	}
}

func TestBuildAllocatesMissingAddresses(t *testing.T) {
	cfg := config.Default()
	cfg.Gateways[0].Endpoints[0].Address = ""
	cfg.Gateways[1].Endpoints[1].Address = ""
	cfg.Gateways[1].Endpoints[0].Address = "10.0.0.1/24"

	b, _ := newTestBuilder(substratetest.New())
	layout, err := b.Build(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	seen := map[string]string{}
	for _, ep := range layout.Endpoints {
		if other, dup := seen[ep.Address]; dup {
			t.Errorf("%s and %s share %s", ep.Name, other, ep.Address)
		}
		seen[ep.Address] = ep.Name
		if ep.Address == "10.0.0.254/24" {
			t.Errorf("%s was given the bridge address", ep.Name)
		}
	}
	if h3 := layout.SegmentEndpoints(1)[0]; h3.Name != "h3" || h3.Address != "10.0.0.1/24" {
		t.Errorf("explicit address not kept: %+v", h3)
	}
}

func TestBuildSubstrateFailure(t *testing.T) {
	sub := substratetest.New()
	sub.FailLink = errors.New("veth: operation not permitted")

	b, _ := newTestBuilder(sub)
	_, err := b.Build(context.Background(), config.Default())

	var se *substrate.Error
	if !errors.As(err, &se) {
		t.Fatalf("expected substrate.Error, got %v", err)
	}
	if se.Op != "add link" {
		t.Errorf("unexpected op %q", se.Op)
	}
}

func TestBuildStartFailure(t *testing.T) {
	sub := substratetest.New()
	sub.FailStart = errors.New("boom")

	b, _ := newTestBuilder(sub)
	_, err := b.Build(context.Background(), config.Default())
	var se *substrate.Error
	if !errors.As(err, &se) || se.Op != "start" {
		t.Fatalf("expected start substrate.Error, got %v", err)
	}
}

func TestConfigureEndpoints(t *testing.T) {
	b, drivers := newTestBuilder(substratetest.New())
	layout, err := b.Build(context.Background(), config.Default())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	drivers["h2"].addErr = network.ErrExists
	if err := b.ConfigureEndpoints(context.Background(), layout); err != nil {
		t.Fatalf("ConfigureEndpoints: %v", err)
	}

	if got := drivers["h3"].addresses["h3-eth0"]; got != "10.0.0.3/24" {
		t.Errorf("h3 address = %q", got)
	}
	if !drivers["h2"].up["h2-eth0"] {
		t.Error("h2 interface not brought up after existing address")
	}

	drivers["h4"].addErr = errors.New("permission denied")
	if err := b.ConfigureEndpoints(context.Background(), layout); err == nil {
		t.Error("expected error for failed address")
	}
}
