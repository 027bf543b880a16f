// Package vtep turns a gateway node into a VXLAN tunnel endpoint: an
// aggregation bridge holding the segment interfaces and the tunnel, plus
// optional isolation between the segment interfaces.
package vtep

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/glennswest/vxlab/pkg/network"
)

// DriverSource looks up the driver managing a node. *topology.Topology
// satisfies it.
type DriverSource interface {
	DriverFor(name string) (network.NetworkDriver, error)
}

// ProvisioningError is a provisioning step that failed for a reason other
// than the object already existing. It is fatal for that gateway.
type ProvisioningError struct {
	Gateway string
	Step    string
	Err     error
}

func (e *ProvisioningError) Error() string {
	return fmt.Sprintf("gateway %s: %s: %v", e.Gateway, e.Step, e.Err)
}

func (e *ProvisioningError) Unwrap() error { return e.Err }

// Spec is everything Provision needs for one gateway.
type Spec struct {
	Gateway network.Gateway
	Tunnel  network.TunnelSpec
}

// Provisioner configures gateways through their drivers.
type Provisioner struct {
	drivers DriverSource
	log     *zap.SugaredLogger
}

// NewProvisioner returns a Provisioner.
func NewProvisioner(drivers DriverSource, log *zap.SugaredLogger) *Provisioner {
	return &Provisioner{
		drivers: drivers,
		log:     log.Named("vtep"),
	}
}

type step struct {
	name string
	// exists marks steps for which network.ErrExists means "already done".
	exists bool
	run    func(ctx context.Context) error
}

func (p *Provisioner) steps(d network.NetworkDriver, spec Spec) []step {
	gw, tun := spec.Gateway, spec.Tunnel
	steps := []step{
		{"create-bridge", true, func(ctx context.Context) error { return d.CreateBridge(ctx, gw.Bridge) }},
		{"bridge-up", false, func(ctx context.Context) error { return d.SetLinkUp(ctx, gw.Bridge) }},
	}
	if gw.BridgeAddress != "" {
		steps = append(steps, step{"bridge-address", true, func(ctx context.Context) error {
			return d.AddAddress(ctx, gw.Bridge, gw.BridgeAddress)
		}})
	}
	steps = append(steps,
		step{"transport-address", true, func(ctx context.Context) error {
			return d.AddAddress(ctx, gw.TransportInterface, gw.TransportAddress)
		}},
		step{"transport-up", false, func(ctx context.Context) error { return d.SetLinkUp(ctx, gw.TransportInterface) }},
		step{"create-tunnel", true, func(ctx context.Context) error { return d.CreateTunnel(ctx, tun) }},
		step{"tunnel-up", false, func(ctx context.Context) error { return d.SetLinkUp(ctx, tun.Name) }},
	)
	for _, port := range gw.BridgePorts() {
		steps = append(steps, step{"attach-" + port, false, func(ctx context.Context) error {
			return d.AttachPort(ctx, gw.Bridge, port)
		}})
	}
	return steps
}

// Provision runs the gateway's provisioning steps in order. "Already
// exists" is accepted on create steps so re-running is harmless; any other
// failure stops this gateway with a ProvisioningError.
func (p *Provisioner) Provision(ctx context.Context, spec Spec) error {
	gw := spec.Gateway
	log := p.log.With("gateway", gw.Name)

	if spec.Tunnel.Device != gw.TransportInterface {
		return &ProvisioningError{Gateway: gw.Name, Step: "validate",
			Err: fmt.Errorf("tunnel bound to %q but transport interface is %q", spec.Tunnel.Device, gw.TransportInterface)}
	}
	if spec.Tunnel.Name != gw.TunnelInterface {
		return &ProvisioningError{Gateway: gw.Name, Step: "validate",
			Err: fmt.Errorf("tunnel named %q but gateway expects %q", spec.Tunnel.Name, gw.TunnelInterface)}
	}

	d, err := p.drivers.DriverFor(gw.Name)
	if err != nil {
		return &ProvisioningError{Gateway: gw.Name, Step: "driver", Err: err}
	}
	if !d.Capabilities().Tunnels {
		return &ProvisioningError{Gateway: gw.Name, Step: "driver", Err: fmt.Errorf("tunnels: %w", network.ErrNotSupported)}
	}

	for _, s := range p.steps(d, spec) {
		err := s.run(ctx)
		switch {
		case err == nil:
			log.Debugw("step done", "step", s.name)
		case s.exists && errors.Is(err, network.ErrExists):
			if s.name == "create-tunnel" {
				// An existing tunnel is reused as-is; its parameters are not compared.
				log.Warnw("tunnel already exists, reusing it", "tunnel", spec.Tunnel.Name)
			} else {
				log.Infow("already present", "step", s.name)
			}
		default:
			return &ProvisioningError{Gateway: gw.Name, Step: s.name, Err: err}
		}
	}

	log.Infow("VTEP provisioned",
		"bridge", gw.Bridge,
		"transport", gw.TransportInterface,
		"local", spec.Tunnel.LocalIP,
		"remote", spec.Tunnel.RemoteIP,
		"vni", spec.Tunnel.VNI,
	)
	return nil
}

// ProvisionPair provisions both gateways concurrently. A failure on one
// gateway does not stop the other; every failure is returned, combined.
func (p *Provisioner) ProvisionPair(ctx context.Context, specs [2]Spec) error {
	if err := network.ValidatePairing(specs[0].Tunnel, specs[1].Tunnel); err != nil {
		return &ProvisioningError{Gateway: specs[0].Gateway.Name, Step: "pairing", Err: err}
	}

	var (
		g    errgroup.Group
		errs [2]error
	)
	for i := range specs {
		g.Go(func() error {
			errs[i] = p.Provision(ctx, specs[i])
			return errs[i]
		})
	}
	_ = g.Wait()
	return multierr.Combine(errs[0], errs[1])
}

// Membership returns the interfaces currently enslaved to gw's bridge,
// sorted.
func (p *Provisioner) Membership(ctx context.Context, gw network.Gateway) ([]string, error) {
	d, err := p.drivers.DriverFor(gw.Name)
	if err != nil {
		return nil, err
	}
	ports, err := d.ListPorts(ctx, gw.Bridge)
	if err != nil {
		return nil, fmt.Errorf("listing %s ports on %s: %w", gw.Bridge, gw.Name, err)
	}
	sort.Strings(ports)
	return ports, nil
}
