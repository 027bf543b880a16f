//go:build linux

package driver

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/glennswest/vxlab/pkg/config"
	nw "github.com/glennswest/vxlab/pkg/network"
)

// netlinkWithFilters pairs the netlink driver with the shell driver's
// ebtables operations, since netlink has no bridge filter API.
type netlinkWithFilters struct {
	*Netlink
	filters *Shell
}

func (d netlinkWithFilters) Capabilities() nw.DriverCapabilities {
	caps := d.Netlink.Capabilities()
	caps.ACLs = true
	return caps
}

func (d netlinkWithFilters) ListFilterRules(ctx context.Context, chain string) ([]nw.IsolationRule, error) {
	return d.filters.ListFilterRules(ctx, chain)
}

func (d netlinkWithFilters) AppendFilterRule(ctx context.Context, rule nw.IsolationRule) error {
	return d.filters.AppendFilterRule(ctx, rule)
}

func (d netlinkWithFilters) FlushFilterTable(ctx context.Context, table string) error {
	return d.filters.FlushFilterTable(ctx, table)
}

// Factory returns a constructor for the configured driver kind. namespace
// maps a node name to its network namespace and is only used by the
// netlink driver.
func Factory(kind config.DriverKind, exec Executor, namespace func(node string) string, log *zap.SugaredLogger) (func(node string) nw.NetworkDriver, error) {
	switch kind {
	case config.DriverShell:
		return func(node string) nw.NetworkDriver {
			return NewShell(exec, node, log)
		}, nil
	case config.DriverNetlink:
		return func(node string) nw.NetworkDriver {
			return netlinkWithFilters{
				Netlink: NewNetlink(node, namespace(node), log),
				filters: NewShell(exec, node, log),
			}
		}, nil
	}
	return nil, fmt.Errorf("driver %q: %w", kind, nw.ErrNotSupported)
}
