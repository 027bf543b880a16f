package network

import (
	"errors"
	"fmt"
	"net"
)

// ErrPairing is returned when two tunnel specs do not point at each other.
// A reversed pairing still encapsulates, but the peer never decapsulates, so
// it has to be caught before provisioning.
var ErrPairing = errors.New("tunnel pairing mismatch")

// TunnelPair derives both gateways' tunnel specs from their transport
// identities. Each side's remote is the other side's transport address.
func TunnelPair(a, b Gateway, name string, vni, dstPort int) ([2]TunnelSpec, error) {
	var out [2]TunnelSpec
	for i, gw := range []Gateway{a, b} {
		if net.ParseIP(gw.TransportIP()) == nil {
			return out, fmt.Errorf("gateway %s: invalid transport address %q", gw.Name, gw.TransportAddress)
		}
		if gw.TransportInterface == "" {
			return out, fmt.Errorf("gateway %s: transport interface not resolved", gw.Name)
		}
		out[i] = TunnelSpec{
			Name:    name,
			VNI:     vni,
			LocalIP: gw.TransportIP(),
			DstPort: dstPort,
			Device:  gw.TransportInterface,
		}
	}
	out[0].RemoteIP = out[1].LocalIP
	out[1].RemoteIP = out[0].LocalIP

	if err := ValidatePairing(out[0], out[1]); err != nil {
		return out, err
	}
	return out, nil
}

// ValidatePairing checks that a and b describe the two ends of one tunnel.
func ValidatePairing(a, b TunnelSpec) error {
	switch {
	case a.RemoteIP != b.LocalIP:
		return fmt.Errorf("remote %s of first tunnel is not local %s of second: %w", a.RemoteIP, b.LocalIP, ErrPairing)
	case b.RemoteIP != a.LocalIP:
		return fmt.Errorf("remote %s of second tunnel is not local %s of first: %w", b.RemoteIP, a.LocalIP, ErrPairing)
	case a.LocalIP == a.RemoteIP:
		return fmt.Errorf("tunnel local and remote are both %s: %w", a.LocalIP, ErrPairing)
	case a.VNI != b.VNI:
		return fmt.Errorf("VNI %d != %d: %w", a.VNI, b.VNI, ErrPairing)
	case a.DstPort != b.DstPort:
		return fmt.Errorf("destination port %d != %d: %w", a.DstPort, b.DstPort, ErrPairing)
	}
	return nil
}

// IsolationRulesFor returns the two directional drop rules that keep gw's
// segment interfaces from forwarding to each other. The tunnel interface is
// never named, so traffic to and from the overlay is untouched.
func IsolationRulesFor(gw Gateway) ([]IsolationRule, error) {
	if len(gw.SegmentInterfaces) != 2 {
		return nil, fmt.Errorf("gateway %s: isolation needs exactly two segment interfaces, got %d",
			gw.Name, len(gw.SegmentInterfaces))
	}
	i, j := gw.SegmentInterfaces[0], gw.SegmentInterfaces[1]
	for _, intf := range []string{i, j} {
		if intf == gw.TunnelInterface || intf == gw.TransportInterface {
			return nil, fmt.Errorf("gateway %s: %s is not a segment interface", gw.Name, intf)
		}
	}
	if i == j {
		return nil, fmt.Errorf("gateway %s: segment interfaces are both %s", gw.Name, i)
	}
	return []IsolationRule{
		{Chain: "FORWARD", In: i, Out: j, Target: "DROP"},
		{Chain: "FORWARD", In: j, Out: i, Target: "DROP"},
	}, nil
}
