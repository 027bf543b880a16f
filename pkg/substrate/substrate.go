// Package substrate is the node and link emulation layer the lab runs on.
// Nodes are isolated network stacks, links are point-to-point veth pairs,
// and every per-node action is a command whose outcome comes back as a
// typed Result.
package substrate

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// Substrate creates nodes and links and runs commands on nodes.
type Substrate interface {
	AddNode(ctx context.Context, name string) error
	AddLink(ctx context.Context, a, b string) (Link, error)
	Start(ctx context.Context) error
	Stop(ctx context.Context) error

	// Exec runs argv on node and waits for it.
	Exec(ctx context.Context, node string, argv ...string) Result
	// Spawn starts argv on node in the background.
	Spawn(ctx context.Context, node string, argv ...string) (Process, error)

	// Links returns every link that joins exactly a and b, in a stable order.
	Links(a, b string) []Link
	Nodes() []string
}

// Process is a background command started by Spawn.
type Process interface {
	// Output delivers combined stdout/stderr lines and is closed on exit.
	Output() <-chan string
	// Done is closed once the process has exited.
	Done() <-chan struct{}
	// Stop terminates the process and waits for it to exit.
	Stop() error
	Pid() int
}

// Result is the outcome of one command on one node.
type Result struct {
	Node     string
	Command  []string
	ExitCode int
	Output   string
	// Err is set when the command could not be run at all (missing binary,
	// context expired, substrate failure). A non-zero exit leaves it nil.
	Err error
}

// OK reports whether the command ran and exited zero.
func (r Result) OK() bool {
	return r.Err == nil && r.ExitCode == 0
}

// CommandLine renders the command the way an operator would type it.
func (r Result) CommandLine() string {
	return strings.Join(r.Command, " ")
}

// AsError returns nil for a successful command and a descriptive error
// otherwise.
func (r Result) AsError() error {
	if r.OK() {
		return nil
	}
	if r.Err != nil {
		return fmt.Errorf("%s on %s: %w", r.CommandLine(), r.Node, r.Err)
	}
	return &ExitError{Node: r.Node, Command: r.CommandLine(), Code: r.ExitCode, Output: strings.TrimSpace(r.Output)}
}

// ExitError is a command that ran but exited non-zero.
type ExitError struct {
	Node    string
	Command string
	Code    int
	Output  string
}

func (e *ExitError) Error() string {
	if e.Output == "" {
		return fmt.Sprintf("%s on %s: exit status %d", e.Command, e.Node, e.Code)
	}
	return fmt.Sprintf("%s on %s: exit status %d: %s", e.Command, e.Node, e.Code, e.Output)
}

// Error is a failure of the substrate itself: a node or link could not be
// created, started or torn down. It is fatal to a run.
type Error struct {
	Op   string
	Node string
	Err  error
}

func (e *Error) Error() string {
	if e.Node == "" {
		return fmt.Sprintf("substrate %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("substrate %s %s: %v", e.Op, e.Node, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// ErrUnknownNode is returned for commands addressed to a node that was never added.
var ErrUnknownNode = errors.New("unknown node")

// ExecHost runs argv on the machine hosting the substrate, outside any node.
func ExecHost(ctx context.Context, argv ...string) Result {
	return runCommand(ctx, "host", argv, argv)
}

// runCommand executes cmdline and reports it as argv on node.
func runCommand(ctx context.Context, node string, argv, cmdline []string) Result {
	res := Result{Node: node, Command: argv}
	if len(cmdline) == 0 {
		res.Err = errors.New("empty command")
		return res
	}

	cmd := exec.CommandContext(ctx, cmdline[0], cmdline[1:]...)
	out, err := cmd.CombinedOutput()
	res.Output = string(out)
	if err == nil {
		return res
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && ctx.Err() == nil {
		res.ExitCode = exitErr.ExitCode()
		return res
	}
	if ctx.Err() != nil {
		res.Err = ctx.Err()
		return res
	}
	res.Err = err
	return res
}
