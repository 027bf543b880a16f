package capture

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/gopacket/gopacket/pcapgo"

	"github.com/glennswest/vxlab/pkg/substrate"
)

// ErrToolMissing is wrapped when the external analyzer is not installed.
var ErrToolMissing = errors.New("analyzer not installed")

// AnalysisError means the capture could not be summarised. The run reports
// "analysis skipped" and carries on.
type AnalysisError struct {
	Path string
	Err  error
}

func (e *AnalysisError) Error() string {
	return fmt.Sprintf("analysis of %s: %v", e.Path, e.Err)
}

func (e *AnalysisError) Unwrap() error { return e.Err }

// Summary groups the frames of a capture by VNI.
type Summary struct {
	Path   string         `json:"path" yaml:"path"`
	Frames int            `json:"frames" yaml:"frames"`
	VXLAN  int            `json:"vxlan" yaml:"vxlan"`
	ByVNI  map[uint32]int `json:"byVNI" yaml:"byVNI"`
	// Sample is the head of the verbose decode, when one was produced.
	Sample string `json:"sample,omitempty" yaml:"sample,omitempty"`
}

// VNIs returns the VNIs seen, ascending.
func (s Summary) VNIs() []uint32 {
	out := make([]uint32, 0, len(s.ByVNI))
	for vni := range s.ByVNI {
		out = append(out, vni)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// OnlyVNI reports whether at least one VXLAN frame was captured and every
// one of them carried vni.
func (s Summary) OnlyVNI(vni uint32) bool {
	return s.VXLAN > 0 && len(s.ByVNI) == 1 && s.ByVNI[vni] == s.VXLAN
}

// Analyze reads the pcap at path and counts VXLAN frames per VNI. UDP
// payloads to or from port are decoded as VXLAN whether or not port is the
// IANA default.
func Analyze(path string, port int) (Summary, error) {
	sum := Summary{Path: path, ByVNI: make(map[uint32]int)}

	f, err := os.Open(path)
	if err != nil {
		return sum, &AnalysisError{Path: path, Err: err}
	}
	defer f.Close()

	r, err := pcapgo.NewReader(f)
	if err != nil {
		return sum, &AnalysisError{Path: path, Err: fmt.Errorf("reading pcap header: %w", err)}
	}

	for {
		data, _, err := r.ReadPacketData()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			// A capture cut off mid-record still yields what came before.
			if errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			return sum, &AnalysisError{Path: path, Err: fmt.Errorf("reading frame %d: %w", sum.Frames+1, err)}
		}
		sum.Frames++

		vni, ok := decodeVNI(gopacket.NewPacket(data, r.LinkType(), gopacket.NoCopy), port)
		if !ok {
			continue
		}
		sum.VXLAN++
		sum.ByVNI[vni]++
	}
	return sum, nil
}

func decodeVNI(pkt gopacket.Packet, port int) (uint32, bool) {
	if l := pkt.Layer(layers.LayerTypeVXLAN); l != nil {
		return l.(*layers.VXLAN).VNI, true
	}

	udpLayer := pkt.Layer(layers.LayerTypeUDP)
	if udpLayer == nil {
		return 0, false
	}
	udp := udpLayer.(*layers.UDP)
	if int(udp.DstPort) != port && int(udp.SrcPort) != port {
		return 0, false
	}

	var vx layers.VXLAN
	if err := vx.DecodeFromBytes(udp.Payload, gopacket.NilDecodeFeedback); err != nil {
		return 0, false
	}
	return vx.VNI, true
}

// HostExec runs a command on the machine hosting the lab.
type HostExec func(ctx context.Context, argv ...string) substrate.Result

// Tshark summarises a capture with the tshark protocol analyzer.
type Tshark struct {
	Exec     HostExec
	LookPath func(file string) (string, error)
	// SampleLines bounds the verbose decode sample; zero disables it.
	SampleLines int
}

// NewTshark returns a Tshark that runs on the host.
func NewTshark() *Tshark {
	return &Tshark{
		Exec:        substrate.ExecHost,
		LookPath:    exec.LookPath,
		SampleLines: 50,
	}
}

// Summarize runs "tshark -r <path> -Y vxlan -T fields -e vxlan.vni" and
// counts the VNIs it prints, then captures the head of a verbose decode.
func (t *Tshark) Summarize(ctx context.Context, path string) (Summary, error) {
	sum := Summary{Path: path, ByVNI: make(map[uint32]int)}

	if _, err := t.LookPath("tshark"); err != nil {
		return sum, &AnalysisError{Path: path, Err: fmt.Errorf("tshark: %w", ErrToolMissing)}
	}

	res := t.Exec(ctx, "tshark", "-r", path, "-Y", "vxlan", "-T", "fields", "-e", "vxlan.vni")
	if err := res.AsError(); err != nil {
		return sum, &AnalysisError{Path: path, Err: err}
	}

	sc := bufio.NewScanner(strings.NewReader(res.Output))
	for sc.Scan() {
		field := strings.TrimSpace(sc.Text())
		if field == "" {
			continue
		}
		// Frames with nested VXLAN print comma-separated VNIs; the outer one counts.
		field, _, _ = strings.Cut(field, ",")
		vni, err := strconv.ParseUint(field, 10, 32)
		if err != nil {
			return sum, &AnalysisError{Path: path, Err: fmt.Errorf("unexpected tshark field %q", field)}
		}
		sum.VXLAN++
		sum.ByVNI[uint32(vni)]++
	}
	sum.Frames = sum.VXLAN

	if t.SampleLines > 0 {
		verbose := t.Exec(ctx, "tshark", "-r", path, "-Y", "vxlan", "-V")
		if verbose.OK() {
			sum.Sample = headLines(verbose.Output, t.SampleLines)
		}
	}
	return sum, nil
}

func headLines(s string, n int) string {
	lines := strings.SplitAfter(s, "\n")
	if len(lines) > n {
		lines = lines[:n]
	}
	return strings.TrimRight(strings.Join(lines, ""), "\n")
}
