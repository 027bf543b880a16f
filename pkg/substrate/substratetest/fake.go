// Package substratetest provides an in-memory Substrate for tests.
package substratetest

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/glennswest/vxlab/pkg/substrate"
)

// Call is one command issued through the fake.
type Call struct {
	Node  string
	Argv  []string
	Spawn bool
}

func (c Call) String() string {
	return c.Node + ": " + strings.Join(c.Argv, " ")
}

// Fake records nodes, links and commands without touching the host.
// Exec results come from Handler; an unset Handler makes every command
// succeed with no output.
type Fake struct {
	*substrate.Registry

	Handler      func(node string, argv []string) substrate.Result
	SpawnHandler func(node string, argv []string) (substrate.Process, error)

	// FailNode and FailLink inject substrate failures.
	FailNode  map[string]error
	FailLink  error
	FailStart error

	mu      sync.Mutex
	calls   []Call
	started bool
	stopped bool
}

var _ substrate.Substrate = (*Fake)(nil)

// New returns an empty Fake.
func New() *Fake {
	return &Fake{Registry: substrate.NewRegistry()}
}

func (f *Fake) AddNode(_ context.Context, name string) error {
	if err := f.FailNode[name]; err != nil {
		return &substrate.Error{Op: "add node", Node: name, Err: err}
	}
	return f.RegisterNode(name)
}

func (f *Fake) AddLink(_ context.Context, a, b string) (substrate.Link, error) {
	if f.FailLink != nil {
		return substrate.Link{}, f.FailLink
	}
	return f.RegisterLink(a, b)
}

func (f *Fake) Start(context.Context) error {
	if f.FailStart != nil {
		return f.FailStart
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = true
	return nil
}

func (f *Fake) Stop(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
	return nil
}

// Started reports whether Start was called.
func (f *Fake) Started() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.started
}

// Stopped reports whether Stop was called.
func (f *Fake) Stopped() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopped
}

func (f *Fake) Exec(ctx context.Context, node string, argv ...string) substrate.Result {
	f.record(Call{Node: node, Argv: argv})
	if !f.HasNode(node) {
		return substrate.Result{Node: node, Command: argv, Err: substrate.ErrUnknownNode}
	}
	if err := ctx.Err(); err != nil {
		return substrate.Result{Node: node, Command: argv, Err: err}
	}
	if f.Handler == nil {
		return substrate.Result{Node: node, Command: argv}
	}
	res := f.Handler(node, argv)
	res.Node, res.Command = node, argv
	return res
}

func (f *Fake) Spawn(_ context.Context, node string, argv ...string) (substrate.Process, error) {
	f.record(Call{Node: node, Argv: argv, Spawn: true})
	if !f.HasNode(node) {
		return nil, fmt.Errorf("spawn on %s: %w", node, substrate.ErrUnknownNode)
	}
	if f.SpawnHandler == nil {
		return NewProcess(), nil
	}
	return f.SpawnHandler(node, argv)
}

func (f *Fake) record(c Call) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, c)
}

// Calls returns every command issued so far.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Call, len(f.calls))
	copy(out, f.calls)
	return out
}

// Commands returns the command lines issued on node, in order.
func (f *Fake) Commands(node string) []string {
	var out []string
	for _, c := range f.Calls() {
		if c.Node == node {
			out = append(out, strings.Join(c.Argv, " "))
		}
	}
	return out
}

// Process is a controllable substrate.Process.
type Process struct {
	StopErr error

	out   chan string
	done  chan struct{}
	once  sync.Once
	mu    sync.Mutex
	stops int
}

// NewProcess returns a running Process that emits lines.
func NewProcess(lines ...string) *Process {
	p := &Process{
		out:  make(chan string, len(lines)+1),
		done: make(chan struct{}),
	}
	for _, l := range lines {
		p.out <- l
	}
	return p
}

func (p *Process) Output() <-chan string { return p.out }
func (p *Process) Done() <-chan struct{}  { return p.done }
func (p *Process) Pid() int               { return 4242 }

// Exit ends the process as if it exited on its own.
func (p *Process) Exit() {
	p.once.Do(func() {
		close(p.out)
		close(p.done)
	})
}

func (p *Process) Stop() error {
	p.mu.Lock()
	p.stops++
	p.mu.Unlock()
	p.Exit()
	return p.StopErr
}

// Stops returns how many times Stop was called.
func (p *Process) Stops() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stops
}
