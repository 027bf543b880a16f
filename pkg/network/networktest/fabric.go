package networktest

import (
	"net"
	"sync"
)

// Fabric joins gateway Drivers and the endpoints plugged into them, and
// answers whether an echo request and its reply would get through.
type Fabric struct {
	mu       sync.Mutex
	gateways map[string]*Driver
	homes    map[string]string // endpoint -> gateway
	ports    map[string]string // endpoint -> gateway-side interface
}

// NewFabric returns an empty Fabric.
func NewFabric() *Fabric {
	return &Fabric{
		gateways: make(map[string]*Driver),
		homes:    make(map[string]string),
		ports:    make(map[string]string),
	}
}

// AddGateway registers a gateway driver.
func (f *Fabric) AddGateway(d *Driver) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gateways[d.NodeName()] = d
}

// Plug records that endpoint is wired to gateway's port.
func (f *Fabric) Plug(endpoint, gateway, port string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.homes[endpoint] = gateway
	f.ports[endpoint] = port
}

// Reachable reports whether src can ping dst over the modelled bridges and
// tunnel.
func (f *Fabric) Reachable(src, dst string) bool {
	return f.oneWay(src, dst) && f.oneWay(dst, src)
}

func (f *Fabric) oneWay(src, dst string) bool {
	f.mu.Lock()
	gwA, gwB := f.gateways[f.homes[src]], f.gateways[f.homes[dst]]
	pa, pb := f.ports[src], f.ports[dst]
	f.mu.Unlock()

	if gwA == nil || gwB == nil {
		return false
	}
	if gwA == gwB {
		return gwA.Forwards(pa, pb)
	}

	ta, tb, ok := f.tunnelPair(gwA, gwB)
	if !ok {
		return false
	}
	return gwA.Forwards(pa, ta) && gwB.Forwards(tb, pb)
}

// tunnelPair finds a tunnel on a and one on b that point at each other over
// transport interfaces that carry the right addresses.
func (f *Fabric) tunnelPair(a, b *Driver) (string, string, bool) {
	for _, x := range a.tunnelList() {
		if !hasAddress(a, x.Device, x.LocalIP) {
			continue
		}
		for _, y := range b.tunnelList() {
			if y.LocalIP == x.RemoteIP && y.RemoteIP == x.LocalIP &&
				y.VNI == x.VNI && y.DstPort == x.DstPort &&
				hasAddress(b, y.Device, y.LocalIP) {
				return x.Name, y.Name, true
			}
		}
	}
	return "", "", false
}

func hasAddress(d *Driver, dev, ip string) bool {
	if !d.IsUp(dev) {
		return false
	}
	for _, cidr := range d.Addresses(dev) {
		addr, _, err := net.ParseCIDR(cidr)
		if err != nil {
			addr = net.ParseIP(cidr)
		}
		if addr != nil && addr.String() == ip {
			return true
		}
	}
	return false
}
