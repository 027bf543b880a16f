// Package ipam hands out endpoint addresses from the lab's shared host
// subnet.
package ipam

import (
	"encoding/binary"
	"fmt"
	"net"
	"sync"
)

// Allocator tracks address allocation for a single IPv4 subnet.
type Allocator struct {
	mu        sync.Mutex
	subnet    *net.IPNet
	allocated map[string]net.IP // key (node name) -> IP
	nextIP    uint32            // offset from network base
}

// NewAllocator returns an Allocator for cidr. Allocation starts at the first
// host address (.1 in a /24).
func NewAllocator(cidr string) (*Allocator, error) {
	_, subnet, err := net.ParseCIDR(cidr)
	if err != nil {
		return nil, fmt.Errorf("IPAM subnet: %w", err)
	}
	if subnet.IP.To4() == nil {
		return nil, fmt.Errorf("IPAM subnet %s is not IPv4", cidr)
	}
	if ones, bits := subnet.Mask.Size(); bits-ones < 2 {
		return nil, fmt.Errorf("IPAM subnet %s has no host addresses", cidr)
	}
	return &Allocator{
		subnet:    subnet,
		allocated: make(map[string]net.IP),
		nextIP:    1,
	}, nil
}

// Reserve records ip under key. ip may be bare or in CIDR form. Returns
// error if ip is outside the subnet or already held by another key.
func (a *Allocator) Reserve(key, addr string) error {
	ip := parseAddr(addr)
	if ip == nil {
		return fmt.Errorf("IPAM: invalid address %q", addr)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.subnet.Contains(ip) {
		return fmt.Errorf("IP %s not in subnet %s", ip, a.subnet)
	}
	if ip.Equal(a.subnet.IP) || ip.Equal(broadcast(a.subnet)) {
		return fmt.Errorf("IP %s is not a host address in %s", ip, a.subnet)
	}
	for k, existing := range a.allocated {
		if existing.Equal(ip) && k != key {
			return fmt.Errorf("IP %s already allocated to %s", ip, k)
		}
	}
	a.allocated[key] = ip
	return nil
}

// Allocate returns the address held by key, or picks the next free one.
func (a *Allocator) Allocate(key string) (net.IP, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if ip, ok := a.allocated[key]; ok {
		return ip, nil
	}

	ones, bits := a.subnet.Mask.Size()
	maxHosts := uint32(1<<(bits-ones)) - 2
	baseIP := IPToUint32(a.subnet.IP)

	for attempts := uint32(0); attempts < maxHosts; attempts++ {
		candidate := Uint32ToIP(baseIP + a.nextIP)

		a.nextIP++
		if a.nextIP > maxHosts {
			a.nextIP = 1
		}

		if !a.taken(candidate) {
			a.allocated[key] = candidate
			return candidate, nil
		}
	}

	return nil, fmt.Errorf("IPAM: no available IPs in %s (all %d addresses allocated)", a.subnet, maxHosts)
}

// AllocateCIDR is Allocate rendered with the subnet's prefix length, the
// form "ip addr add" expects.
func (a *Allocator) AllocateCIDR(key string) (string, error) {
	ip, err := a.Allocate(key)
	if err != nil {
		return "", err
	}
	ones, _ := a.subnet.Mask.Size()
	return fmt.Sprintf("%s/%d", ip, ones), nil
}

func (a *Allocator) taken(ip net.IP) bool {
	for _, existing := range a.allocated {
		if existing.Equal(ip) {
			return true
		}
	}
	return false
}

func parseAddr(addr string) net.IP {
	if ip, _, err := net.ParseCIDR(addr); err == nil {
		return ip.To4()
	}
	if ip := net.ParseIP(addr); ip != nil {
		return ip.To4()
	}
	return nil
}

func broadcast(subnet *net.IPNet) net.IP {
	ones, bits := subnet.Mask.Size()
	return Uint32ToIP(IPToUint32(subnet.IP) | uint32((1<<(bits-ones))-1))
}

// IPToUint32 converts a net.IP (IPv4) to a uint32.
func IPToUint32(ip net.IP) uint32 {
	ip = ip.To4()
	return binary.BigEndian.Uint32(ip)
}

// Uint32ToIP converts a uint32 to a net.IP (IPv4).
func Uint32ToIP(n uint32) net.IP {
	ip := make(net.IP, 4)
	binary.BigEndian.PutUint32(ip, n)
	return ip
}
