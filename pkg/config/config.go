package config

import (
	"fmt"
	"net"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/glennswest/vxlab/pkg/network"
)

const (
	DefaultVNI             = 100
	DefaultDstPort         = 4789
	DefaultBridge          = "br0"
	DefaultTunnel          = "vxlan0"
	DefaultHostSubnet      = "10.0.0.0/24"
	DefaultBridgeAddress   = "10.0.0.254/24"
	DefaultCapturePath     = "/tmp/vxlan_outer.pcap"
	DefaultFixedLinkIndex  = 2
	DefaultNamespacePrefix = "vxlab-"
	DefaultStatePath       = "/tmp/vxlab-state.yaml"

	// maxNodeName keeps "<node>-eth<N>" under the 15 byte IFNAMSIZ limit.
	maxNodeName = 9
	maxVNI      = 1<<24 - 1
)

// LinkResolution selects how the transport link between gateways is found.
type LinkResolution string

const (
	// LinkFixed assumes each gateway's Nth interface is the transport link.
	LinkFixed LinkResolution = "fixed"
	// LinkDynamic looks the link up in the substrate's link registry.
	LinkDynamic LinkResolution = "dynamic"
)

// DriverKind selects how per-node network commands are issued.
type DriverKind string

const (
	DriverShell   DriverKind = "shell"   // ip/ebtables commands run on the node
	DriverNetlink DriverKind = "netlink" // netlink calls inside the node's namespace
)

// Config is the full lab configuration. It is loaded once and passed by
// value to every component; nothing mutates it after Load.
type Config struct {
	Name     string       `yaml:"name"`
	Driver   DriverKind   `yaml:"driver"`
	Features Features     `yaml:"features"`
	Tunnel   TunnelConfig `yaml:"tunnel"`

	// HostSubnet is the single broadcast domain shared by every endpoint
	// on both segments. Endpoints without an address are allocated from it.
	HostSubnet string `yaml:"hostSubnet"`

	// BridgeAddress is an optional debugging address put on each
	// gateway's aggregation bridge. Empty disables it.
	BridgeAddress string `yaml:"bridgeAddress"`

	// FixedLinkIndex is N in "<gateway>-eth<N>" for LinkFixed resolution.
	FixedLinkIndex int `yaml:"fixedLinkIndex"`

	Gateways []GatewayConfig `yaml:"gateways"`
	Capture  CaptureConfig   `yaml:"capture"`
	Probes   ProbeConfig     `yaml:"probes"`

	NamespacePrefix string `yaml:"namespacePrefix"`
	StatePath       string `yaml:"statePath"`
}

// Features toggles the optional stages of the pipeline.
type Features struct {
	Isolation      bool           `yaml:"isolation"`
	LinkResolution LinkResolution `yaml:"linkResolution"`
	Analysis       bool           `yaml:"analysis"`
	Capture        bool           `yaml:"capture"`
}

// TunnelConfig holds the values both VTEPs must agree on.
type TunnelConfig struct {
	VNI     int    `yaml:"vni"`
	DstPort int    `yaml:"dstPort"`
	Name    string `yaml:"name"`   // tunnel interface name, e.g. vxlan0
	Bridge  string `yaml:"bridge"` // aggregation bridge name, e.g. br0
}

// GatewayConfig describes one VTEP and the segment behind it.
type GatewayConfig struct {
	Name             string `yaml:"name"`
	TransportAddress string `yaml:"transportAddress"` // CIDR
	// Remote optionally pins the tunnel remote. When set it must equal the
	// peer's transport address; it exists so a reversed pairing in a
	// hand-written config is caught instead of silently accepted.
	Remote    string           `yaml:"remote,omitempty"`
	Endpoints []EndpointConfig `yaml:"endpoints"`
}

// EndpointConfig is a leaf host on a segment.
type EndpointConfig struct {
	Name    string `yaml:"name"`
	Address string `yaml:"address,omitempty"` // CIDR; allocated from HostSubnet when empty
}

// CaptureConfig configures the transport-side packet capture.
type CaptureConfig struct {
	Path    string `yaml:"path"`
	Gateway string `yaml:"gateway"` // gateway whose transport interface is captured; default first

	// SettleDelay is the minimum time between capture start and the first
	// probe. GraceDelay is waited after the last probe before stopping.
	SettleDelay  time.Duration `yaml:"settleDelay"`
	ReadyTimeout time.Duration `yaml:"readyTimeout"`
	GraceDelay   time.Duration `yaml:"graceDelay"`
}

// ProbeConfig bounds each reachability probe.
type ProbeConfig struct {
	CrossCount     int           `yaml:"crossCount"`
	IsolationCount int           `yaml:"isolationCount"`
	Timeout        time.Duration `yaml:"timeout"` // per echo request
	MaxLoss        int           `yaml:"maxLoss"` // tolerated lost requests on expected-success probes
}

// Default returns the configuration of the reference lab: h1/h2 behind br1,
// h3/h4 behind br2, VNI 100 on port 4789 over 192.168.1.0/24.
func Default() Config {
	return Config{
		Name:   "vxlab",
		Driver: DriverShell,
		Features: Features{
			Isolation:      true,
			LinkResolution: LinkDynamic,
			Analysis:       true,
			Capture:        true,
		},
		Tunnel: TunnelConfig{
			VNI:     DefaultVNI,
			DstPort: DefaultDstPort,
			Name:    DefaultTunnel,
			Bridge:  DefaultBridge,
		},
		HostSubnet:     DefaultHostSubnet,
		BridgeAddress:  DefaultBridgeAddress,
		FixedLinkIndex: DefaultFixedLinkIndex,
		Gateways: []GatewayConfig{
			{
				Name:             "br1",
				TransportAddress: "192.168.1.1/24",
				Endpoints: []EndpointConfig{
					{Name: "h1", Address: "10.0.0.1/24"},
					{Name: "h2", Address: "10.0.0.2/24"},
				},
			},
			{
				Name:             "br2",
				TransportAddress: "192.168.1.2/24",
				Endpoints: []EndpointConfig{
					{Name: "h3", Address: "10.0.0.3/24"},
					{Name: "h4", Address: "10.0.0.4/24"},
				},
			},
		},
		Capture: CaptureConfig{
			Path:         DefaultCapturePath,
			SettleDelay:  time.Second,
			ReadyTimeout: 5 * time.Second,
			GraceDelay:   2 * time.Second,
		},
		Probes: ProbeConfig{
			CrossCount:     4,
			IsolationCount: 2,
			Timeout:        time.Second,
			MaxLoss:        0,
		},
		NamespacePrefix: DefaultNamespacePrefix,
		StatePath:       DefaultStatePath,
	}
}

// Load reads a YAML config on top of Default, so a file only has to name
// what it changes. Defaults are applied and the result validated.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
	}

	ApplyDefaults(&cfg)
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Marshal renders the effective configuration as YAML.
func Marshal(cfg Config) ([]byte, error) {
	return yaml.Marshal(&cfg)
}

// ApplyDefaults fills zero values left by a partial config file.
func ApplyDefaults(cfg *Config) {
	if cfg.Driver == "" {
		cfg.Driver = DriverShell
	}
	if cfg.Features.LinkResolution == "" {
		cfg.Features.LinkResolution = LinkDynamic
	}
	if cfg.Tunnel.VNI == 0 {
		cfg.Tunnel.VNI = DefaultVNI
	}
	if cfg.Tunnel.DstPort == 0 {
		cfg.Tunnel.DstPort = DefaultDstPort
	}
	if cfg.Tunnel.Name == "" {
		cfg.Tunnel.Name = DefaultTunnel
	}
	if cfg.Tunnel.Bridge == "" {
		cfg.Tunnel.Bridge = DefaultBridge
	}
	if cfg.HostSubnet == "" {
		cfg.HostSubnet = DefaultHostSubnet
	}
	if cfg.FixedLinkIndex == 0 {
		cfg.FixedLinkIndex = DefaultFixedLinkIndex
	}
	if cfg.Capture.Path == "" {
		cfg.Capture.Path = DefaultCapturePath
	}
	if cfg.Capture.Gateway == "" && len(cfg.Gateways) > 0 {
		cfg.Capture.Gateway = cfg.Gateways[0].Name
	}
	if cfg.Capture.SettleDelay == 0 {
		cfg.Capture.SettleDelay = time.Second
	}
	if cfg.Capture.ReadyTimeout == 0 {
		cfg.Capture.ReadyTimeout = 5 * time.Second
	}
	if cfg.Probes.CrossCount == 0 {
		cfg.Probes.CrossCount = 4
	}
	if cfg.Probes.IsolationCount == 0 {
		cfg.Probes.IsolationCount = 2
	}
	if cfg.Probes.Timeout == 0 {
		cfg.Probes.Timeout = time.Second
	}
	if cfg.NamespacePrefix == "" {
		cfg.NamespacePrefix = DefaultNamespacePrefix
	}
	if cfg.StatePath == "" {
		cfg.StatePath = DefaultStatePath
	}
}

// Validate checks the configuration for errors that would otherwise only
// show up as a silently broken overlay.
func Validate(cfg Config) error {
	switch cfg.Driver {
	case DriverShell, DriverNetlink:
	default:
		return fmt.Errorf("driver must be %q or %q, got %q", DriverShell, DriverNetlink, cfg.Driver)
	}
	switch cfg.Features.LinkResolution {
	case LinkFixed, LinkDynamic:
	default:
		return fmt.Errorf("features.linkResolution must be %q or %q, got %q",
			LinkFixed, LinkDynamic, cfg.Features.LinkResolution)
	}
	if cfg.Tunnel.VNI < 1 || cfg.Tunnel.VNI > maxVNI {
		return fmt.Errorf("tunnel.vni %d out of range 1-%d", cfg.Tunnel.VNI, maxVNI)
	}
	if cfg.Tunnel.DstPort < 1 || cfg.Tunnel.DstPort > 65535 {
		return fmt.Errorf("tunnel.dstPort %d out of range", cfg.Tunnel.DstPort)
	}
	if cfg.Probes.CrossCount < 1 || cfg.Probes.IsolationCount < 1 {
		return fmt.Errorf("probe counts must be positive")
	}
	if cfg.Probes.MaxLoss < 0 || cfg.Probes.MaxLoss > cfg.Probes.CrossCount {
		return fmt.Errorf("probes.maxLoss %d must be between 0 and crossCount", cfg.Probes.MaxLoss)
	}

	_, hostNet, err := net.ParseCIDR(cfg.HostSubnet)
	if err != nil {
		return fmt.Errorf("hostSubnet: %w", err)
	}
	if cfg.BridgeAddress != "" {
		ip, _, err := net.ParseCIDR(cfg.BridgeAddress)
		if err != nil {
			return fmt.Errorf("bridgeAddress: %w", err)
		}
		if !hostNet.Contains(ip) {
			return fmt.Errorf("bridgeAddress %s not in hostSubnet %s", cfg.BridgeAddress, cfg.HostSubnet)
		}
	}

	if len(cfg.Gateways) != 2 {
		return fmt.Errorf("exactly two gateways required, got %d", len(cfg.Gateways))
	}

	names := make(map[string]bool)
	addNode := func(name string) error {
		if name == "" {
			return fmt.Errorf("node name is required")
		}
		if len(name) > maxNodeName {
			return fmt.Errorf("node name %q longer than %d characters", name, maxNodeName)
		}
		if names[name] {
			return fmt.Errorf("duplicate node name %q", name)
		}
		names[name] = true
		return nil
	}

	var transports [2]*net.IPNet
	var transportIPs [2]net.IP
	for i, gw := range cfg.Gateways {
		if err := addNode(gw.Name); err != nil {
			return fmt.Errorf("gateway %d: %w", i, err)
		}
		ip, ipnet, err := net.ParseCIDR(gw.TransportAddress)
		if err != nil {
			return fmt.Errorf("gateway %s transportAddress: %w", gw.Name, err)
		}
		if ip.To4() == nil {
			return fmt.Errorf("gateway %s transportAddress must be IPv4", gw.Name)
		}
		transports[i], transportIPs[i] = ipnet, ip

		if len(gw.Endpoints) == 0 {
			return fmt.Errorf("gateway %s has no endpoints", gw.Name)
		}
		if cfg.Features.LinkResolution == LinkFixed && len(gw.Endpoints) != cfg.FixedLinkIndex {
			return fmt.Errorf("fixedLinkIndex %d does not match the %d endpoints of gateway %s",
				cfg.FixedLinkIndex, len(gw.Endpoints), gw.Name)
		}
		if cfg.Features.Isolation && len(gw.Endpoints) != 2 {
			return fmt.Errorf("isolation requires exactly two endpoints on gateway %s, got %d",
				gw.Name, len(gw.Endpoints))
		}
		for _, ep := range gw.Endpoints {
			if err := addNode(ep.Name); err != nil {
				return fmt.Errorf("gateway %s endpoint: %w", gw.Name, err)
			}
			if ep.Address == "" {
				continue
			}
			ip, _, err := net.ParseCIDR(ep.Address)
			if err != nil {
				return fmt.Errorf("endpoint %s address: %w", ep.Name, err)
			}
			if !hostNet.Contains(ip) {
				return fmt.Errorf("endpoint %s address %s not in hostSubnet %s", ep.Name, ep.Address, cfg.HostSubnet)
			}
		}
	}

	if transportIPs[0].Equal(transportIPs[1]) {
		return fmt.Errorf("gateways share transport address %s", transportIPs[0])
	}
	if !transports[0].Contains(transportIPs[1]) {
		return fmt.Errorf("transport addresses %s and %s are not on one subnet",
			cfg.Gateways[0].TransportAddress, cfg.Gateways[1].TransportAddress)
	}

	// A gateway's tunnel remote is always its peer's transport address.
	for i, gw := range cfg.Gateways {
		if gw.Remote == "" {
			continue
		}
		peer := transportIPs[1-i]
		remote := net.ParseIP(gw.Remote)
		if remote == nil {
			if ip, _, err := net.ParseCIDR(gw.Remote); err == nil {
				remote = ip
			}
		}
		if remote == nil || !remote.Equal(peer) {
			return fmt.Errorf("gateway %s remote %s does not match peer %s transport address %s: %w",
				gw.Name, gw.Remote, cfg.Gateways[1-i].Name, peer, network.ErrPairing)
		}
	}

	if cfg.Capture.Gateway != "" && cfg.Capture.Gateway != cfg.Gateways[0].Name &&
		cfg.Capture.Gateway != cfg.Gateways[1].Name {
		return fmt.Errorf("capture.gateway %q is not a gateway", cfg.Capture.Gateway)
	}
	return nil
}

// GatewayIndex returns the position of the named gateway, or -1.
func (c Config) GatewayIndex(name string) int {
	for i, gw := range c.Gateways {
		if gw.Name == name {
			return i
		}
	}
	return -1
}
