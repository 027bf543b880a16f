package ipam

import (
	"net"
	"testing"
)

func TestIPConversion(t *testing.T) {
	tests := []struct {
		ip   string
		want uint32
	}{
		{"0.0.0.0", 0},
		{"0.0.0.1", 1},
		{"192.168.1.1", 3232235777},
		{"255.255.255.255", 4294967295},
	}

	for _, tt := range tests {
		ip := net.ParseIP(tt.ip)
		got := IPToUint32(ip)
		if got != tt.want {
			t.Errorf("IPToUint32(%s) = %d, want %d", tt.ip, got, tt.want)
		}

		back := Uint32ToIP(tt.want)
		if !back.Equal(ip.To4()) {
			t.Errorf("Uint32ToIP(%d) = %s, want %s", tt.want, back, tt.ip)
		}
	}
}

func TestAllocateSequential(t *testing.T) {
	a, err := NewAllocator("10.0.0.0/24")
	if err != nil {
		t.Fatalf("NewAllocator: %v", err)
	}

	for i, key := range []string{"h1", "h2", "h3", "h4"} {
		cidr, err := a.AllocateCIDR(key)
		if err != nil {
			t.Fatalf("AllocateCIDR %s: %v", key, err)
		}
		want := Uint32ToIP(IPToUint32(net.ParseIP("10.0.0.0")) + uint32(i+1)).String() + "/24"
		if cidr != want {
			t.Errorf("%s: expected %s, got %s", key, want, cidr)
		}
	}

	// Allocation is stable per key.
	ip, err := a.Allocate("h2")
	if err != nil || ip.String() != "10.0.0.2" {
		t.Errorf("re-Allocate h2 = %v, %v", ip, err)
	}
}

func TestReserveSkipsAddress(t *testing.T) {
	a, _ := NewAllocator("10.0.0.0/24")
	if err := a.Reserve("h2", "10.0.0.2/24"); err != nil {
		t.Fatalf("Reserve: %v", err)
	}

	ip1, _ := a.Allocate("h1")
	ip3, _ := a.Allocate("h3")
	if ip1.String() != "10.0.0.1" || ip3.String() != "10.0.0.3" {
		t.Errorf("expected .1 and .3, got %s and %s", ip1, ip3)
	}
	if got, _ := a.Allocate("h2"); got.String() != "10.0.0.2" {
		t.Errorf("reserved h2 came back as %s", got)
	}
}

func TestReserveErrors(t *testing.T) {
	a, _ := NewAllocator("10.0.0.0/24")
	_ = a.Reserve("bridge", "10.0.0.254/24")

	tests := []struct {
		name string
		key  string
		addr string
	}{
		{"outside subnet", "h1", "192.168.1.1/24"},
		{"network address", "h1", "10.0.0.0"},
		{"broadcast", "h1", "10.0.0.255"},
		{"taken", "h1", "10.0.0.254"},
		{"garbage", "h1", "not-an-ip"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := a.Reserve(tt.key, tt.addr); err == nil {
				t.Errorf("expected error reserving %s", tt.addr)
			}
		})
	}

	// Re-reserving the same address under the same key is fine.
	if err := a.Reserve("bridge", "10.0.0.254"); err != nil {
		t.Errorf("re-reserve: %v", err)
	}
}

func TestAllocateExhaustion(t *testing.T) {
	a, err := NewAllocator("172.20.0.0/30")
	if err != nil {
		t.Fatalf("NewAllocator: %v", err)
	}

	if _, err := a.Allocate("h1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := a.Allocate("h2"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := a.Allocate("h3"); err == nil {
		t.Error("expected exhaustion error")
	}
}

func TestNewAllocatorRejects(t *testing.T) {
	for _, cidr := range []string{"bogus", "fd00::/64", "10.0.0.1/32"} {
		if _, err := NewAllocator(cidr); err == nil {
			t.Errorf("expected error for %s", cidr)
		}
	}
}
