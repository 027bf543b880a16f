//go:build linux

package driver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"

	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	nw "github.com/glennswest/vxlab/pkg/network"
)

// Netlink implements nw.NetworkDriver with netlink calls made inside the
// node's network namespace. It has no ebtables equivalent, so isolation
// needs the shell driver.
type Netlink struct {
	nodeName  string
	namespace string
	log       *zap.SugaredLogger
}

// NewNetlink returns a NetworkDriver for nodeName operating in the named
// network namespace.
func NewNetlink(nodeName, namespace string, log *zap.SugaredLogger) *Netlink {
	return &Netlink{
		nodeName:  nodeName,
		namespace: namespace,
		log:       log.Named("netlink-driver").With("node", nodeName),
	}
}

// handle opens a netlink socket in the node's namespace. The caller closes it.
func (d *Netlink) handle() (*netlink.Handle, error) {
	ns, err := netns.GetFromName(d.namespace)
	if err != nil {
		return nil, fmt.Errorf("opening namespace %s: %w", d.namespace, err)
	}
	defer ns.Close()

	h, err := netlink.NewHandleAt(ns)
	if err != nil {
		return nil, fmt.Errorf("netlink handle in %s: %w", d.namespace, err)
	}
	return h, nil
}

// wrapExists marks EEXIST failures with nw.ErrExists.
func wrapExists(err error) error {
	if errors.Is(err, unix.EEXIST) {
		return fmt.Errorf("%w: %w", nw.ErrExists, err)
	}
	return err
}

// ─── Bridge Operations ───────────────────────────────────────────────────────

func (d *Netlink) CreateBridge(_ context.Context, name string) error {
	h, err := d.handle()
	if err != nil {
		return err
	}
	defer h.Close()

	br := &netlink.Bridge{
		LinkAttrs: netlink.LinkAttrs{Name: name},
	}
	if err := h.LinkAdd(br); err != nil {
		return wrapExists(fmt.Errorf("netlink bridge add %s: %w", name, err))
	}
	d.log.Infow("bridge created", "name", name)
	return nil
}

func (d *Netlink) AttachPort(_ context.Context, bridge, port string) error {
	h, err := d.handle()
	if err != nil {
		return err
	}
	defer h.Close()

	br, err := h.LinkByName(bridge)
	if err != nil {
		return fmt.Errorf("netlink lookup bridge %s: %w", bridge, err)
	}
	p, err := h.LinkByName(port)
	if err != nil {
		return fmt.Errorf("netlink lookup port %s: %w", port, err)
	}
	if err := h.LinkSetMaster(p, br); err != nil {
		return fmt.Errorf("netlink set master %s -> %s: %w", port, bridge, err)
	}
	d.log.Infow("port attached", "bridge", bridge, "port", port)
	return nil
}

func (d *Netlink) ListPorts(_ context.Context, bridge string) ([]string, error) {
	h, err := d.handle()
	if err != nil {
		return nil, err
	}
	defer h.Close()

	br, err := h.LinkByName(bridge)
	if err != nil {
		return nil, fmt.Errorf("netlink lookup bridge %s: %w", bridge, err)
	}
	links, err := h.LinkList()
	if err != nil {
		return nil, fmt.Errorf("netlink link list: %w", err)
	}

	var out []string
	for _, l := range links {
		if l.Attrs().MasterIndex == br.Attrs().Index {
			out = append(out, l.Attrs().Name)
		}
	}
	sort.Strings(out)
	return out, nil
}

// ─── Interface Operations ────────────────────────────────────────────────────

func (d *Netlink) SetLinkUp(_ context.Context, name string) error {
	h, err := d.handle()
	if err != nil {
		return err
	}
	defer h.Close()

	link, err := h.LinkByName(name)
	if err != nil {
		return fmt.Errorf("netlink lookup %s: %w", name, err)
	}
	if err := h.LinkSetUp(link); err != nil {
		return fmt.Errorf("netlink link up %s: %w", name, err)
	}
	return nil
}

func (d *Netlink) AddAddress(_ context.Context, dev, cidr string) error {
	addr, err := netlink.ParseAddr(cidr)
	if err != nil {
		return fmt.Errorf("parsing address %s: %w", cidr, err)
	}

	h, err := d.handle()
	if err != nil {
		return err
	}
	defer h.Close()

	link, err := h.LinkByName(dev)
	if err != nil {
		return fmt.Errorf("netlink lookup %s: %w", dev, err)
	}
	if err := h.AddrAdd(link, addr); err != nil {
		return wrapExists(fmt.Errorf("netlink addr add %s on %s: %w", cidr, dev, err))
	}
	d.log.Infow("address added", "dev", dev, "address", cidr)
	return nil
}

// ─── Tunnel Operations ───────────────────────────────────────────────────────

func (d *Netlink) CreateTunnel(_ context.Context, spec nw.TunnelSpec) error {
	localIP := net.ParseIP(spec.LocalIP)
	remoteIP := net.ParseIP(spec.RemoteIP)
	if localIP == nil || remoteIP == nil {
		return fmt.Errorf("invalid tunnel IPs: local=%s remote=%s", spec.LocalIP, spec.RemoteIP)
	}

	h, err := d.handle()
	if err != nil {
		return err
	}
	defer h.Close()

	dev, err := h.LinkByName(spec.Device)
	if err != nil {
		return fmt.Errorf("netlink lookup tunnel device %s: %w", spec.Device, err)
	}

	// A unicast Group is how netlink spells "remote" for a point-to-point tunnel.
	vxlan := &netlink.Vxlan{
		LinkAttrs:    netlink.LinkAttrs{Name: spec.Name},
		VxlanId:      spec.VNI,
		SrcAddr:      localIP,
		Group:        remoteIP,
		Port:         spec.DstPort,
		VtepDevIndex: dev.Attrs().Index,
	}
	if err := h.LinkAdd(vxlan); err != nil {
		return wrapExists(fmt.Errorf("netlink vxlan add %s: %w", spec.Name, err))
	}
	d.log.Infow("VXLAN tunnel created", "name", spec.Name, "vni", spec.VNI,
		"local", spec.LocalIP, "remote", spec.RemoteIP, "dev", spec.Device)
	return nil
}

// ─── Introspection ───────────────────────────────────────────────────────────

func (d *Netlink) NodeName() string {
	return d.nodeName
}

func (d *Netlink) Capabilities() nw.DriverCapabilities {
	return nw.DriverCapabilities{
		Tunnels: true,
		ACLs:    false,
	}
}

// Ensure Netlink implements NetworkDriver at compile time.
var _ nw.NetworkDriver = (*Netlink)(nil)
