package vtep

import (
	"context"
	"fmt"

	"github.com/glennswest/vxlab/pkg/network"
)

// Reconcile compares gw's actual bridge membership with the ports it should
// have and re-attaches any that are missing. It returns the number of
// missing ports found.
func (p *Provisioner) Reconcile(ctx context.Context, gw network.Gateway) (int, error) {
	log := p.log.Named("reconciler").With("gateway", gw.Name)

	actualPorts, err := p.Membership(ctx, gw)
	if err != nil {
		return 0, err
	}
	actual := make(map[string]bool, len(actualPorts))
	for _, port := range actualPorts {
		actual[port] = true
	}

	d, err := p.drivers.DriverFor(gw.Name)
	if err != nil {
		return 0, err
	}

	drifts := 0
	for _, port := range gw.BridgePorts() {
		if actual[port] {
			continue
		}
		drifts++
		log.Warnw("drift: port missing from bridge", "port", port, "bridge", gw.Bridge)

		if err := d.AttachPort(ctx, gw.Bridge, port); err != nil {
			return drifts, &ProvisioningError{Gateway: gw.Name, Step: "reattach-" + port,
				Err: fmt.Errorf("re-attaching drifted port: %w", err)}
		}
	}

	if drifts > 0 {
		log.Infow("reconciliation complete", "drifts_detected", drifts)
	} else {
		log.Debugw("reconciliation complete, no drift")
	}
	return drifts, nil
}
