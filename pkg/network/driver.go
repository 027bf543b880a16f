package network

import (
	"context"
	"errors"
)

// ErrNotSupported is returned when a driver does not support an operation.
var ErrNotSupported = errors.New("operation not supported by this driver")

// ErrExists is wrapped by drivers when the object they were asked to create
// is already present. Provisioning treats it as success.
var ErrExists = errors.New("already exists")

// NetworkDriver abstracts the per-node link operations VTEP provisioning
// needs. Implementations issue ip(8) commands through the substrate or talk
// netlink directly inside the node's namespace.
type NetworkDriver interface {
	// Bridge operations
	CreateBridge(ctx context.Context, name string) error
	AttachPort(ctx context.Context, bridge, port string) error
	ListPorts(ctx context.Context, bridge string) ([]string, error)

	// Interface operations
	SetLinkUp(ctx context.Context, name string) error
	AddAddress(ctx context.Context, dev, cidr string) error

	// Tunnel operations
	CreateTunnel(ctx context.Context, spec TunnelSpec) error

	// Introspection
	NodeName() string
	Capabilities() DriverCapabilities
}

// FilterDriver manages bridge frame-filtering rules on a node. Drivers that
// advertise ACLs implement it.
type FilterDriver interface {
	ListFilterRules(ctx context.Context, chain string) ([]IsolationRule, error)
	AppendFilterRule(ctx context.Context, rule IsolationRule) error
	FlushFilterTable(ctx context.Context, table string) error
}

// DriverCapabilities advertises which optional features a driver supports.
type DriverCapabilities struct {
	Tunnels bool
	ACLs    bool
}
