package topology

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/glennswest/vxlab/pkg/config"
	"github.com/glennswest/vxlab/pkg/network"
	"github.com/glennswest/vxlab/pkg/network/ipam"
	"github.com/glennswest/vxlab/pkg/substrate"
)

// DriverFactory returns the NetworkDriver that manages node.
type DriverFactory func(node string) network.NetworkDriver

// Layout is the result of a build: the node registry and the endpoint and
// gateway records the rest of the pipeline works from. Gateway transport
// interfaces are left empty for the link resolver to fill in.
type Layout struct {
	Topology  *Topology
	Endpoints []network.Endpoint
	Gateways  [2]network.Gateway
}

// SegmentEndpoints returns the endpoints behind gateway index seg, in
// configuration order.
func (l *Layout) SegmentEndpoints(seg int) []network.Endpoint {
	var out []network.Endpoint
	for _, ep := range l.Endpoints {
		if ep.Segment == seg {
			out = append(out, ep)
		}
	}
	return out
}

// Builder creates the lab's nodes and links on a substrate.
type Builder struct {
	sub     substrate.Substrate
	drivers DriverFactory
	log     *zap.SugaredLogger
}

// NewBuilder returns a Builder that creates nodes on sub and manages them
// through drivers.
func NewBuilder(sub substrate.Substrate, drivers DriverFactory, log *zap.SugaredLogger) *Builder {
	return &Builder{
		sub:     sub,
		drivers: drivers,
		log:     log.Named("topology"),
	}
}

// Build adds every endpoint and gateway as a node, links each endpoint to its
// gateway and the two gateways to each other, and starts the substrate.
// Links are created endpoint links first, gateway link last, so the
// transport link is each gateway's last interface. Any failure is a
// substrate.Error and is fatal.
func (b *Builder) Build(ctx context.Context, cfg config.Config) (*Layout, error) {
	alloc, err := addressPlan(cfg)
	if err != nil {
		return nil, err
	}

	topo := New()
	layout := &Layout{Topology: topo}

	for seg, gw := range cfg.Gateways {
		for _, ep := range gw.Endpoints {
			if err := b.addNode(ctx, topo, ep.Name, RoleEndpoint, seg); err != nil {
				return nil, err
			}
		}
	}
	for seg, gw := range cfg.Gateways {
		if err := b.addNode(ctx, topo, gw.Name, RoleGateway, seg); err != nil {
			return nil, err
		}
	}

	for seg, gwCfg := range cfg.Gateways {
		gw := network.Gateway{
			Name:             gwCfg.Name,
			Bridge:           cfg.Tunnel.Bridge,
			BridgeAddress:    cfg.BridgeAddress,
			TransportAddress: gwCfg.TransportAddress,
			TunnelInterface:  cfg.Tunnel.Name,
			Segment:          seg,
		}
		for _, epCfg := range gwCfg.Endpoints {
			link, err := b.sub.AddLink(ctx, epCfg.Name, gwCfg.Name)
			if err != nil {
				return nil, asSubstrateError("add link", epCfg.Name, err)
			}
			epIntf, _ := link.Interface(epCfg.Name)
			gwIntf, _ := link.Interface(gwCfg.Name)

			addr, err := alloc.AllocateCIDR(epCfg.Name)
			if err != nil {
				return nil, fmt.Errorf("addressing endpoint %s: %w", epCfg.Name, err)
			}
			layout.Endpoints = append(layout.Endpoints, network.Endpoint{
				Name:      epCfg.Name,
				Interface: epIntf,
				Address:   addr,
				Gateway:   gwCfg.Name,
				Segment:   seg,
			})
			gw.SegmentInterfaces = append(gw.SegmentInterfaces, gwIntf)
		}
		layout.Gateways[seg] = gw
	}

	link, err := b.sub.AddLink(ctx, cfg.Gateways[0].Name, cfg.Gateways[1].Name)
	if err != nil {
		return nil, asSubstrateError("add link", cfg.Gateways[0].Name, err)
	}
	b.log.Debugw("transport link created", "link", link.String())

	if err := b.sub.Start(ctx); err != nil {
		return nil, asSubstrateError("start", "", err)
	}

	b.log.Infow("topology built",
		"nodes", topo.NodeCount(),
		"endpoints", len(layout.Endpoints),
		"gateways", []string{layout.Gateways[0].Name, layout.Gateways[1].Name},
	)
	return layout, nil
}

func (b *Builder) addNode(ctx context.Context, topo *Topology, name string, role Role, seg int) error {
	if err := b.sub.AddNode(ctx, name); err != nil {
		return asSubstrateError("add node", name, err)
	}
	n := Node{Name: name, Role: role, Segment: seg}
	if b.drivers != nil {
		n.Driver = b.drivers(name)
	}
	if err := topo.AddNode(n); err != nil {
		return asSubstrateError("add node", name, err)
	}
	return nil
}

// ConfigureEndpoints puts each endpoint's address on its interface and
// brings the interface up. An address that is already present is accepted.
func (b *Builder) ConfigureEndpoints(ctx context.Context, layout *Layout) error {
	for _, ep := range layout.Endpoints {
		log := b.log.With("endpoint", ep.Name)

		drv, err := layout.Topology.DriverFor(ep.Name)
		if err != nil {
			return err
		}
		if err := drv.AddAddress(ctx, ep.Interface, ep.Address); err != nil && !errors.Is(err, network.ErrExists) {
			return fmt.Errorf("endpoint %s address %s: %w", ep.Name, ep.Address, err)
		}
		if err := drv.SetLinkUp(ctx, ep.Interface); err != nil {
			return fmt.Errorf("endpoint %s link up: %w", ep.Name, err)
		}
		log.Infow("endpoint configured", "interface", ep.Interface, "address", ep.Address)
	}
	return nil
}

// addressPlan reserves the explicit endpoint addresses and the bridge debug
// address so defaulted endpoints never collide with them.
func addressPlan(cfg config.Config) (*ipam.Allocator, error) {
	alloc, err := ipam.NewAllocator(cfg.HostSubnet)
	if err != nil {
		return nil, err
	}
	if cfg.BridgeAddress != "" {
		if err := alloc.Reserve("bridge", cfg.BridgeAddress); err != nil {
			return nil, fmt.Errorf("bridge address: %w", err)
		}
	}
	for _, gw := range cfg.Gateways {
		for _, ep := range gw.Endpoints {
			if ep.Address == "" {
				continue
			}
			if err := alloc.Reserve(ep.Name, ep.Address); err != nil {
				return nil, fmt.Errorf("endpoint %s: %w", ep.Name, err)
			}
		}
	}
	return alloc, nil
}

func asSubstrateError(op, node string, err error) error {
	var se *substrate.Error
	if errors.As(err, &se) {
		return err
	}
	return &substrate.Error{Op: op, Node: node, Err: err}
}
