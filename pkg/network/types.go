package network

import (
	"fmt"
	"net"
)

// Endpoint is a leaf host on one segment with a single interface.
type Endpoint struct {
	Name      string `json:"name" yaml:"name"`
	Interface string `json:"interface" yaml:"interface"` // e.g. "h1-eth0"
	Address   string `json:"address" yaml:"address"`     // CIDR
	Gateway   string `json:"gateway" yaml:"gateway"`     // gateway serving this endpoint's segment
	Segment   int    `json:"segment" yaml:"segment"`
}

// IP returns the endpoint address without its prefix length.
func (e Endpoint) IP() string {
	ip, _, err := net.ParseCIDR(e.Address)
	if err != nil {
		return e.Address
	}
	return ip.String()
}

// Gateway is a VTEP: it bridges its segment's interfaces and the tunnel
// interface into one aggregation bridge.
type Gateway struct {
	Name               string   `json:"name" yaml:"name"`
	Bridge             string   `json:"bridge" yaml:"bridge"`
	BridgeAddress      string   `json:"bridgeAddress,omitempty" yaml:"bridgeAddress,omitempty"`
	TransportAddress   string   `json:"transportAddress" yaml:"transportAddress"` // CIDR
	TransportInterface string   `json:"transportInterface" yaml:"transportInterface"`
	TunnelInterface    string   `json:"tunnelInterface" yaml:"tunnelInterface"`
	SegmentInterfaces  []string `json:"segmentInterfaces" yaml:"segmentInterfaces"`
	Segment            int      `json:"segment" yaml:"segment"`
}

// TransportIP returns the transport address without its prefix length.
func (g Gateway) TransportIP() string {
	ip, _, err := net.ParseCIDR(g.TransportAddress)
	if err != nil {
		return g.TransportAddress
	}
	return ip.String()
}

// BridgePorts is the set of interfaces that must end up enslaved to the
// aggregation bridge: every segment interface, then the tunnel.
func (g Gateway) BridgePorts() []string {
	out := make([]string, 0, len(g.SegmentInterfaces)+1)
	out = append(out, g.SegmentInterfaces...)
	return append(out, g.TunnelInterface)
}

// OverlayLink is the transport connection between the two gateways, named
// from each side. The two names need not match.
type OverlayLink struct {
	A          string `json:"a" yaml:"a"`
	AInterface string `json:"aInterface" yaml:"aInterface"`
	B          string `json:"b" yaml:"b"`
	BInterface string `json:"bInterface" yaml:"bInterface"`
}

// Interface returns the link's interface on gateway gw.
func (l OverlayLink) Interface(gw string) (string, bool) {
	switch gw {
	case l.A:
		return l.AInterface, true
	case l.B:
		return l.BInterface, true
	}
	return "", false
}

func (l OverlayLink) String() string {
	return fmt.Sprintf("%s:%s<->%s:%s", l.A, l.AInterface, l.B, l.BInterface)
}

// TunnelSpec describes the VXLAN interface on one gateway.
type TunnelSpec struct {
	Name     string `json:"name" yaml:"name"` // e.g. "vxlan0"
	VNI      int    `json:"vni" yaml:"vni"`
	LocalIP  string `json:"localIP" yaml:"localIP"`
	RemoteIP string `json:"remoteIP" yaml:"remoteIP"`
	DstPort  int    `json:"dstPort" yaml:"dstPort"`
	Device   string `json:"device" yaml:"device"` // transport interface the tunnel binds to
}

// IsolationRule drops bridge forwarding from In to Out.
type IsolationRule struct {
	Chain  string `json:"chain" yaml:"chain"`
	In     string `json:"in" yaml:"in"`
	Out    string `json:"out" yaml:"out"`
	Target string `json:"target" yaml:"target"`
}

// Args renders the rule body as ebtables arguments, without the -A/-D verb.
func (r IsolationRule) Args() []string {
	return []string{"-i", r.In, "-o", r.Out, "-j", r.Target}
}

// Equal compares rules field by field.
func (r IsolationRule) Equal(o IsolationRule) bool {
	return r == o
}

func (r IsolationRule) String() string {
	return fmt.Sprintf("%s -i %s -o %s -j %s", r.Chain, r.In, r.Out, r.Target)
}
