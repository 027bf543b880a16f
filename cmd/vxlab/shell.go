//go:build linux

package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/glennswest/vxlab/pkg/substrate"
)

const shellHelp = `commands:
  <node> <command...>   run a command on a node, e.g. "h1 ping -c 1 10.0.0.3"
  nodes                 list nodes
  exit                  leave the shell`

// runShell is a minimal operator shell: each line names a node and the
// command to run there.
func runShell(ctx context.Context, sub substrate.Substrate, in io.Reader, out io.Writer) error {
	fmt.Fprintln(out, shellHelp)
	sc := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "vxlab> ")
		if !sc.Scan() {
			fmt.Fprintln(out)
			return sc.Err()
		}
		if ctx.Err() != nil {
			return nil
		}

		line := strings.TrimSpace(sc.Text())
		node, rest, _ := strings.Cut(line, " ")
		switch node {
		case "":
			continue
		case "exit", "quit":
			return nil
		case "help":
			fmt.Fprintln(out, shellHelp)
			continue
		case "nodes":
			fmt.Fprintln(out, strings.Join(sub.Nodes(), " "))
			continue
		}

		rest = strings.TrimSpace(rest)
		if rest == "" {
			fmt.Fprintf(out, "usage: %s <command>\n", node)
			continue
		}
		res := sub.Exec(ctx, node, "sh", "-c", rest)
		fmt.Fprint(out, res.Output)
		if res.Err != nil {
			fmt.Fprintf(out, "error: %v\n", res.Err)
		} else if res.ExitCode != 0 {
			fmt.Fprintf(out, "exit status %d\n", res.ExitCode)
		}
	}
}
