package driver

import (
	"bufio"
	"context"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	nw "github.com/glennswest/vxlab/pkg/network"
	"github.com/glennswest/vxlab/pkg/substrate"
)

// Executor runs a command on a node. substrate.Substrate satisfies it.
type Executor interface {
	Exec(ctx context.Context, node string, argv ...string) substrate.Result
}

// Shell implements nw.NetworkDriver and nw.FilterDriver by running ip(8)
// and ebtables(8) on the node through the substrate.
type Shell struct {
	exec     Executor
	nodeName string
	log      *zap.SugaredLogger
}

// NewShell returns a NetworkDriver that issues commands on nodeName.
func NewShell(exec Executor, nodeName string, log *zap.SugaredLogger) *Shell {
	return &Shell{
		exec:     exec,
		nodeName: nodeName,
		log:      log.Named("shell-driver").With("node", nodeName),
	}
}

// existsMarkers are the iproute2 messages for "object already present".
var existsMarkers = []string{
	"File exists",
	"already exists",
	"Address already assigned",
}

// run executes argv and maps a failed command to an error. Failures whose
// output says the object already exists wrap nw.ErrExists.
func (d *Shell) run(ctx context.Context, argv ...string) (substrate.Result, error) {
	res := d.exec.Exec(ctx, d.nodeName, argv...)
	if res.OK() {
		d.log.Debugw("command ok", "cmd", res.CommandLine())
		return res, nil
	}
	err := res.AsError()
	if res.Err == nil {
		for _, m := range existsMarkers {
			if strings.Contains(res.Output, m) {
				return res, fmt.Errorf("%w: %w", nw.ErrExists, err)
			}
		}
	}
	return res, err
}

// ─── Bridge Operations ───────────────────────────────────────────────────────

func (d *Shell) CreateBridge(ctx context.Context, name string) error {
	if _, err := d.run(ctx, "ip", "link", "add", name, "type", "bridge"); err != nil {
		return err
	}
	d.log.Infow("bridge created", "name", name)
	return nil
}

func (d *Shell) AttachPort(ctx context.Context, bridge, port string) error {
	if _, err := d.run(ctx, "ip", "link", "set", port, "master", bridge); err != nil {
		return err
	}
	d.log.Infow("port attached", "bridge", bridge, "port", port)
	return nil
}

func (d *Shell) ListPorts(ctx context.Context, bridge string) ([]string, error) {
	res, err := d.run(ctx, "ip", "-o", "link", "show", "master", bridge)
	if err != nil {
		return nil, err
	}
	return parseLinkNames(res.Output), nil
}

// parseLinkNames extracts interface names from "ip -o link show" output,
// dropping the "@peer" suffix veth interfaces carry.
func parseLinkNames(out string) []string {
	var names []string
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		fields := strings.SplitN(sc.Text(), ": ", 3)
		if len(fields) < 3 {
			continue
		}
		if _, err := strconv.Atoi(strings.TrimSpace(fields[0])); err != nil {
			continue
		}
		name, _, _ := strings.Cut(fields[1], "@")
		names = append(names, name)
	}
	return names
}

// ─── Interface Operations ────────────────────────────────────────────────────

func (d *Shell) SetLinkUp(ctx context.Context, name string) error {
	_, err := d.run(ctx, "ip", "link", "set", name, "up")
	return err
}

func (d *Shell) AddAddress(ctx context.Context, dev, cidr string) error {
	if _, err := d.run(ctx, "ip", "addr", "add", cidr, "dev", dev); err != nil {
		return err
	}
	d.log.Infow("address added", "dev", dev, "address", cidr)
	return nil
}

// ─── Tunnel Operations ───────────────────────────────────────────────────────

func (d *Shell) CreateTunnel(ctx context.Context, spec nw.TunnelSpec) error {
	_, err := d.run(ctx, "ip", "link", "add", spec.Name, "type", "vxlan",
		"id", strconv.Itoa(spec.VNI),
		"remote", spec.RemoteIP,
		"local", spec.LocalIP,
		"dstport", strconv.Itoa(spec.DstPort),
		"dev", spec.Device,
	)
	if err != nil {
		return err
	}
	d.log.Infow("VXLAN tunnel created", "name", spec.Name, "vni", spec.VNI,
		"local", spec.LocalIP, "remote", spec.RemoteIP, "dev", spec.Device)
	return nil
}

// ─── Filter Operations ───────────────────────────────────────────────────────

func (d *Shell) ListFilterRules(ctx context.Context, chain string) ([]nw.IsolationRule, error) {
	res, err := d.run(ctx, "ebtables", "-L", chain)
	if err != nil {
		return nil, err
	}
	return parseEbtablesRules(chain, res.Output), nil
}

// parseEbtablesRules reads the rule lines of "ebtables -L <chain>". Only
// rules made of -i, -o and -j are recognised; anything else is skipped.
func parseEbtablesRules(chain, out string) []nw.IsolationRule {
	var rules []nw.IsolationRule
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if !strings.HasPrefix(line, "-") {
			continue
		}
		r := nw.IsolationRule{Chain: chain}
		fields := strings.Fields(line)
		ok := true
		for i := 0; i < len(fields); i++ {
			if i+1 >= len(fields) {
				ok = false
				break
			}
			switch fields[i] {
			case "-i":
				r.In = fields[i+1]
			case "-o":
				r.Out = fields[i+1]
			case "-j":
				r.Target = fields[i+1]
			default:
				ok = false
			}
			i++
		}
		if ok && r.Target != "" {
			rules = append(rules, r)
		}
	}
	return rules
}

func (d *Shell) AppendFilterRule(ctx context.Context, rule nw.IsolationRule) error {
	argv := append([]string{"ebtables", "-A", rule.Chain}, rule.Args()...)
	if _, err := d.run(ctx, argv...); err != nil {
		return err
	}
	d.log.Infow("filter rule appended", "rule", rule.String())
	return nil
}

func (d *Shell) FlushFilterTable(ctx context.Context, table string) error {
	if _, err := d.run(ctx, "ebtables", "-t", table, "-F"); err != nil {
		return err
	}
	if _, err := d.run(ctx, "ebtables", "-t", table, "-X"); err != nil {
		return err
	}
	d.log.Infow("filter table flushed", "table", table)
	return nil
}

// ─── Introspection ───────────────────────────────────────────────────────────

func (d *Shell) NodeName() string {
	return d.nodeName
}

func (d *Shell) Capabilities() nw.DriverCapabilities {
	return nw.DriverCapabilities{
		Tunnels: true,
		ACLs:    true,
	}
}

var (
	_ nw.NetworkDriver = (*Shell)(nil)
	_ nw.FilterDriver  = (*Shell)(nil)
)
