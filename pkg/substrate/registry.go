package substrate

import (
	"fmt"
	"sort"
	"sync"
)

// Link is one point-to-point connection. Interface names follow the
// "<node>-eth<N>" convention with N counted per node in link order.
type Link struct {
	NodeA string `yaml:"nodeA"`
	IntfA string `yaml:"intfA"`
	NodeB string `yaml:"nodeB"`
	IntfB string `yaml:"intfB"`
}

// Interface returns the interface name on node's side of the link.
func (l Link) Interface(node string) (string, bool) {
	switch node {
	case l.NodeA:
		return l.IntfA, true
	case l.NodeB:
		return l.IntfB, true
	}
	return "", false
}

// Joins reports whether the link connects exactly a and b.
func (l Link) Joins(a, b string) bool {
	return (l.NodeA == a && l.NodeB == b) || (l.NodeA == b && l.NodeB == a)
}

func (l Link) String() string {
	return fmt.Sprintf("%s:%s<->%s:%s", l.NodeA, l.IntfA, l.NodeB, l.IntfB)
}

// Registry is the substrate's record of nodes and the links between them.
// Substrate implementations embed it so link discovery behaves the same
// regardless of how links are realised.
type Registry struct {
	mu     sync.RWMutex
	order  []string
	nextIf map[string]int
	links  []Link
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		nextIf: make(map[string]int),
	}
}

// RegisterNode records a node. Returns error if the name is already taken.
func (r *Registry) RegisterNode(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.nextIf[name]; exists {
		return fmt.Errorf("node %q already registered", name)
	}
	r.nextIf[name] = 0
	r.order = append(r.order, name)
	return nil
}

// HasNode reports whether name was registered.
func (r *Registry) HasNode(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.nextIf[name]
	return ok
}

// RegisterLink allocates interface names for a new a<->b link and records it.
func (r *Registry) RegisterLink(a, b string) (Link, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if a == b {
		return Link{}, fmt.Errorf("link endpoints must differ, got %q twice", a)
	}
	for _, n := range []string{a, b} {
		if _, ok := r.nextIf[n]; !ok {
			return Link{}, fmt.Errorf("node %q: %w", n, ErrUnknownNode)
		}
	}

	l := Link{
		NodeA: a,
		IntfA: fmt.Sprintf("%s-eth%d", a, r.nextIf[a]),
		NodeB: b,
		IntfB: fmt.Sprintf("%s-eth%d", b, r.nextIf[b]),
	}
	r.nextIf[a]++
	r.nextIf[b]++
	r.links = append(r.links, l)
	return l, nil
}

// Links returns every link joining exactly a and b, sorted by a's
// interface name so repeated lookups agree.
func (r *Registry) Links(a, b string) []Link {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Link
	for _, l := range r.links {
		if l.Joins(a, b) {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		ai, _ := out[i].Interface(a)
		aj, _ := out[j].Interface(a)
		return ai < aj
	})
	return out
}

// AllLinks returns a copy of every registered link in creation order.
func (r *Registry) AllLinks() []Link {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Link, len(r.links))
	copy(out, r.links)
	return out
}

// Nodes returns registered node names in registration order.
func (r *Registry) Nodes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}
