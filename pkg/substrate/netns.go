//go:build linux

package substrate

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Netns implements Substrate with one named network namespace per node and
// a veth pair per link. Commands run through "ip netns exec", so every tool
// on the host is available inside each node.
type Netns struct {
	*Registry

	prefix string
	log    *zap.SugaredLogger

	mu      sync.Mutex
	started bool
}

// NewNetns returns a namespace substrate whose namespaces are named
// prefix+node.
func NewNetns(prefix string, log *zap.SugaredLogger) *Netns {
	return &Netns{
		Registry: NewRegistry(),
		prefix:   prefix,
		log:      log.Named("netns"),
	}
}

// Namespace returns the namespace name backing node.
func (n *Netns) Namespace(node string) string {
	return n.prefix + node
}

func (n *Netns) AddNode(ctx context.Context, name string) error {
	if err := n.RegisterNode(name); err != nil {
		return &Error{Op: "add node", Node: name, Err: err}
	}
	if err := createNamed(n.Namespace(name)); err != nil {
		return &Error{Op: "add node", Node: name, Err: fmt.Errorf("creating namespace %s: %w", n.Namespace(name), err)}
	}
	if res := n.Exec(ctx, name, "ip", "link", "set", "lo", "up"); !res.OK() {
		return &Error{Op: "add node", Node: name, Err: res.AsError()}
	}
	n.log.Infow("node created", "node", name, "namespace", n.Namespace(name))
	return nil
}

func (n *Netns) AddLink(ctx context.Context, a, b string) (Link, error) {
	l, err := n.RegisterLink(a, b)
	if err != nil {
		return Link{}, &Error{Op: "add link", Node: a, Err: err}
	}

	veth := &netlink.Veth{
		LinkAttrs: netlink.LinkAttrs{Name: l.IntfA},
		PeerName:  l.IntfB,
	}
	if err := netlink.LinkAdd(veth); err != nil {
		return Link{}, &Error{Op: "add link", Node: a, Err: fmt.Errorf("netlink veth add %s: %w", l, err)}
	}

	for _, end := range []struct{ node, intf string }{{l.NodeA, l.IntfA}, {l.NodeB, l.IntfB}} {
		if err := n.moveIntoNode(end.node, end.intf); err != nil {
			return Link{}, &Error{Op: "add link", Node: end.node, Err: err}
		}
	}

	n.log.Infow("link created", "link", l.String())
	return l, nil
}

// moveIntoNode moves intf from the host namespace into node's and sets it up.
func (n *Netns) moveIntoNode(node, intf string) error {
	ns, err := netns.GetFromName(n.Namespace(node))
	if err != nil {
		return fmt.Errorf("opening namespace %s: %w", n.Namespace(node), err)
	}
	defer ns.Close()

	link, err := netlink.LinkByName(intf)
	if err != nil {
		return fmt.Errorf("netlink lookup %s: %w", intf, err)
	}
	if err := netlink.LinkSetNsFd(link, int(ns)); err != nil {
		return fmt.Errorf("netlink move %s to %s: %w", intf, n.Namespace(node), err)
	}

	h, err := netlink.NewHandleAt(ns)
	if err != nil {
		return fmt.Errorf("netlink handle in %s: %w", n.Namespace(node), err)
	}
	defer h.Close()

	moved, err := h.LinkByName(intf)
	if err != nil {
		return fmt.Errorf("netlink lookup %s in %s: %w", intf, n.Namespace(node), err)
	}
	if err := h.LinkSetUp(moved); err != nil {
		return fmt.Errorf("netlink link up %s: %w", intf, err)
	}
	return nil
}

func (n *Netns) Start(_ context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.started = true
	n.log.Infow("substrate started", "nodes", len(n.Nodes()), "links", len(n.AllLinks()))
	return nil
}

// Stop deletes every node namespace; veth pairs disappear with them.
func (n *Netns) Stop(_ context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	var errs error
	nodes := n.Nodes()
	for i := len(nodes) - 1; i >= 0; i-- {
		if err := netns.DeleteNamed(n.Namespace(nodes[i])); err != nil {
			errs = multierr.Append(errs, &Error{Op: "stop", Node: nodes[i], Err: err})
		}
	}
	n.started = false
	n.log.Infow("substrate stopped", "nodes", len(nodes))
	return errs
}

func (n *Netns) Exec(ctx context.Context, node string, argv ...string) Result {
	if !n.HasNode(node) {
		return Result{Node: node, Command: argv, Err: ErrUnknownNode}
	}
	return runCommand(ctx, node, argv, n.wrap(node, argv))
}

func (n *Netns) Spawn(ctx context.Context, node string, argv ...string) (Process, error) {
	if !n.HasNode(node) {
		return nil, fmt.Errorf("spawn on %s: %w", node, ErrUnknownNode)
	}
	p, err := startProcess(ctx, n.wrap(node, argv))
	if err != nil {
		return nil, fmt.Errorf("spawn %v on %s: %w", argv, node, err)
	}
	return p, nil
}

func (n *Netns) wrap(node string, argv []string) []string {
	return append([]string{"ip", "netns", "exec", n.Namespace(node)}, argv...)
}

// NamespaceExists reports whether the named namespace of node is present.
func NamespaceExists(prefix, node string) bool {
	ns, err := netns.GetFromName(prefix + node)
	if err != nil {
		return false
	}
	ns.Close()
	return true
}

// DeleteNamespaces removes leftover namespaces for the given nodes. Missing
// namespaces are not an error; it backs process-wide cleanup of a previous
// run whose Substrate value no longer exists.
func DeleteNamespaces(prefix string, nodes []string) error {
	var errs error
	for _, node := range nodes {
		ns, err := netns.GetFromName(prefix + node)
		if err != nil {
			continue
		}
		ns.Close()
		if err := netns.DeleteNamed(prefix + node); err != nil {
			errs = multierr.Append(errs, &Error{Op: "cleanup", Node: node, Err: err})
		}
	}
	return errs
}

// createNamed creates a named namespace without leaving the calling
// goroutine's thread inside it.
func createNamed(name string) error {
	runtime.LockOSThread()

	origin, err := netns.Get()
	if err != nil {
		runtime.UnlockOSThread()
		return err
	}
	defer origin.Close()

	ns, err := netns.NewNamed(name)
	if err != nil {
		_ = netns.Set(origin)
		runtime.UnlockOSThread()
		return err
	}
	ns.Close()

	if err := netns.Set(origin); err != nil {
		// The thread is stuck in the new namespace; leave it locked so the
		// runtime discards it with this goroutine.
		return fmt.Errorf("restoring namespace: %w", err)
	}
	runtime.UnlockOSThread()
	return nil
}

var _ Substrate = (*Netns)(nil)
