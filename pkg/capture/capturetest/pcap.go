// Package capturetest builds pcap files for tests.
package capturetest

import (
	"net"
	"os"
	"testing"
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/gopacket/gopacket/pcapgo"
)

// VXLANFrame returns an Ethernet/IPv4/UDP frame from 192.168.1.1 to
// 192.168.1.2 on port, carrying a VXLAN header with vni around a minimal
// inner Ethernet frame.
func VXLANFrame(tb testing.TB, vni uint32, port uint16) []byte {
	tb.Helper()

	inner := make([]byte, 14+28)
	copy(inner[0:6], []byte{0x4a, 0x01, 0, 0, 0, 3})
	copy(inner[6:12], []byte{0x4a, 0x01, 0, 0, 0, 1})
	inner[12], inner[13] = 0x08, 0x00

	// flags (I bit set), 24 reserved bits, 24-bit VNI, 8 reserved bits
	hdr := []byte{0x08, 0, 0, 0, byte(vni >> 16), byte(vni >> 8), byte(vni), 0}
	return UDPFrame(tb, port, append(hdr, inner...))
}

// UDPFrame returns an Ethernet/IPv4/UDP frame to port carrying payload.
func UDPFrame(tb testing.TB, port uint16, payload []byte) []byte {
	tb.Helper()
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 1},
		DstMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 2},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.IPv4(192, 168, 1, 1),
		DstIP:    net.IPv4(192, 168, 1, 2),
	}
	udp := &layers.UDP{SrcPort: 40000, DstPort: layers.UDPPort(port)}
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		tb.Fatal(err)
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, ip, udp, gopacket.Payload(payload)); err != nil {
		tb.Fatalf("serialize: %v", err)
	}
	return buf.Bytes()
}

// WritePcap writes frames to path as an Ethernet pcap file.
func WritePcap(tb testing.TB, path string, frames ...[]byte) {
	tb.Helper()
	f, err := os.Create(path)
	if err != nil {
		tb.Fatal(err)
	}
	defer f.Close()

	w := pcapgo.NewWriter(f)
	if err := w.WriteFileHeader(65535, layers.LinkTypeEthernet); err != nil {
		tb.Fatal(err)
	}
	for _, pkt := range frames {
		ci := gopacket.CaptureInfo{Timestamp: time.Now(), Length: len(pkt), CaptureLength: len(pkt)}
		if err := w.WritePacket(ci, pkt); err != nil {
			tb.Fatal(err)
		}
	}
}
