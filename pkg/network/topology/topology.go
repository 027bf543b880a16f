package topology

import (
	"fmt"
	"sync"

	"github.com/glennswest/vxlab/pkg/network"
)

// Role distinguishes leaf endpoints from gateways.
type Role string

const (
	RoleEndpoint Role = "endpoint"
	RoleGateway  Role = "gateway"
)

// Node represents a device in the topology that has a NetworkDriver.
type Node struct {
	Name         string
	Role         Role
	Segment      int
	Driver       network.NetworkDriver
	Capabilities network.DriverCapabilities
}

// Topology tracks the lab's nodes and their drivers.
type Topology struct {
	mu    sync.RWMutex
	nodes map[string]*Node
	order []string
}

// New returns an empty Topology.
func New() *Topology {
	return &Topology{
		nodes: make(map[string]*Node),
	}
}

// AddNode registers a node. Returns error if the name is already taken.
func (t *Topology) AddNode(n Node) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.nodes[n.Name]; exists {
		return fmt.Errorf("node %q already registered", n.Name)
	}
	if n.Driver != nil && n.Capabilities == (network.DriverCapabilities{}) {
		n.Capabilities = n.Driver.Capabilities()
	}
	t.nodes[n.Name] = &n
	t.order = append(t.order, n.Name)
	return nil
}

// ListNodes returns all registered nodes in registration order.
func (t *Topology) ListNodes() []Node {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Node, 0, len(t.order))
	for _, name := range t.order {
		out = append(out, *t.nodes[name])
	}
	return out
}

// NodeCount returns the number of registered nodes.
func (t *Topology) NodeCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.nodes)
}

// DriverFor returns the NetworkDriver for the named node.
func (t *Topology) DriverFor(name string) (network.NetworkDriver, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n, ok := t.nodes[name]
	if !ok {
		return nil, fmt.Errorf("node %q not found", name)
	}
	if n.Driver == nil {
		return nil, fmt.Errorf("node %q has no driver", name)
	}
	return n.Driver, nil
}

// FilterDriverFor returns the node's driver as a FilterDriver, or
// network.ErrNotSupported if it cannot manage bridge filter rules.
func (t *Topology) FilterDriverFor(name string) (network.FilterDriver, error) {
	d, err := t.DriverFor(name)
	if err != nil {
		return nil, err
	}
	fd, ok := d.(network.FilterDriver)
	if !ok || !d.Capabilities().ACLs {
		return nil, fmt.Errorf("node %q filter rules: %w", name, network.ErrNotSupported)
	}
	return fd, nil
}
