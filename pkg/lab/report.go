package lab

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"go.uber.org/multierr"

	"github.com/glennswest/vxlab/pkg/capture"
	"github.com/glennswest/vxlab/pkg/config"
	"github.com/glennswest/vxlab/pkg/network"
	"github.com/glennswest/vxlab/pkg/verify"
)

// Report is the outcome of one run.
type Report struct {
	RunID      string
	Name       string
	StartedAt  time.Time
	FinishedAt time.Time
	VNI        int
	DstPort    int
	Features   config.Features

	Endpoints      []network.Endpoint
	Gateways       [2]network.Gateway
	Link           *network.OverlayLink
	Tunnels        []network.TunnelSpec
	Membership     map[string][]string
	IsolationRules map[string]int // rules added per gateway

	Results  []verify.Result
	Verdicts []verify.Verdict

	CapturePath string
	Capture     *capture.Summary
	Tshark      *capture.Summary

	// Err is the fatal failure, if any.
	Err error

	warnings error
}

func (r *Report) addWarning(err error) {
	r.warnings = multierr.Append(r.warnings, err)
}

// Warnings returns the non-fatal errors collected during the run.
func (r *Report) Warnings() []error {
	return multierr.Errors(r.warnings)
}

// Degraded reports whether a non-fatal stage failed.
func (r *Report) Degraded() bool {
	return r.warnings != nil
}

// CaptureOK reports whether the analysed capture holds VXLAN frames of the
// configured VNI and no other. Without an analysis it reports true. The
// capture only corroborates the probes; Passed does not consult it.
func (r *Report) CaptureOK() bool {
	if r.Capture == nil {
		return true
	}
	return r.Capture.OnlyVNI(uint32(r.VNI))
}

// Passed reports whether the run completed and every probe verdict held.
func (r *Report) Passed() bool {
	return r.Err == nil && verify.Passed(r.Verdicts)
}

// Render writes a human-readable summary of the run.
func (r *Report) Render(w io.Writer) {
	fmt.Fprintf(w, "Run %s (%s)\n", r.RunID, r.Name)
	fmt.Fprintf(w, "VNI %d, UDP port %d, isolation %v, link resolution %s\n",
		r.VNI, r.DstPort, r.Features.Isolation, r.Features.LinkResolution)
	if r.Link != nil {
		fmt.Fprintf(w, "Transport link %s\n", r.Link)
	}

	if len(r.Tunnels) > 0 {
		fmt.Fprintln(w)
		rows := make([][]string, 0, len(r.Tunnels))
		for i, t := range r.Tunnels {
			gw := r.Gateways[i]
			rows = append(rows, []string{
				gw.Name, t.Name, fmt.Sprint(t.VNI), t.LocalIP, t.RemoteIP, t.Device,
				strings.Join(r.Membership[gw.Name], " "),
				rulesCell(r.IsolationRules, gw.Name),
			})
		}
		renderTable(w, []string{"GATEWAY", "TUNNEL", "VNI", "LOCAL", "REMOTE", "DEV", "BRIDGE PORTS", "RULES ADDED"}, rows)
	}

	if len(r.Verdicts) > 0 {
		fmt.Fprintln(w)
		rows := make([][]string, 0, len(r.Verdicts))
		for i, v := range r.Verdicts {
			loss := "-"
			if i < len(r.Results) && r.Results[i].Sent > 0 {
				loss = fmt.Sprintf("%.0f%%", r.Results[i].LossPercent())
			}
			rows = append(rows, []string{
				v.Probe.Name, string(v.Probe.Kind), string(v.Probe.Expect), loss, passCell(v.Pass), v.Reason,
			})
		}
		renderTable(w, []string{"PROBE", "KIND", "EXPECT", "LOSS", "RESULT", "DETAIL"}, rows)
	}

	fmt.Fprintln(w)
	switch {
	case r.Capture != nil:
		fmt.Fprintf(w, "Capture %s: %d frames, %d VXLAN, by VNI %s\n",
			r.CapturePath, r.Capture.Frames, r.Capture.VXLAN, vniCounts(r.Capture))
		if !r.CaptureOK() {
			fmt.Fprintf(w, "  expected only VNI %d\n", r.VNI)
		}
	case r.CapturePath != "":
		fmt.Fprintf(w, "Capture %s: analysis skipped\n", r.CapturePath)
	default:
		fmt.Fprintln(w, "Capture: none")
	}
	if r.Tshark != nil {
		fmt.Fprintf(w, "tshark: %d VXLAN frames, by VNI %s\n", r.Tshark.VXLAN, vniCounts(r.Tshark))
		if r.Tshark.Sample != "" {
			fmt.Fprintf(w, "%s\n", r.Tshark.Sample)
		}
	}

	for _, err := range r.Warnings() {
		fmt.Fprintf(w, "warning: %v\n", err)
	}
	if r.Err != nil {
		fmt.Fprintf(w, "FAILED: %v\n", r.Err)
		return
	}
	fmt.Fprintf(w, "Result: %s in %v\n", passCell(r.Passed()), r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond))
}

func renderTable(w io.Writer, header []string, rows [][]string) {
	table := tablewriter.NewWriter(w)
	table.SetAutoWrapText(false)
	table.SetBorder(false)
	table.SetHeaderLine(false)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeader(header)
	table.AppendBulk(rows)
	table.Render()
}

func passCell(ok bool) string {
	if ok {
		return "PASS"
	}
	return "FAIL"
}

func rulesCell(rules map[string]int, gw string) string {
	if rules == nil {
		return "-"
	}
	return fmt.Sprint(rules[gw])
}

func vniCounts(s *capture.Summary) string {
	vnis := s.VNIs()
	if len(vnis) == 0 {
		return "none"
	}
	parts := make([]string, len(vnis))
	for i, vni := range vnis {
		parts[i] = fmt.Sprintf("%d=%d", vni, s.ByVNI[vni])
	}
	return strings.Join(parts, " ")
}
