//go:build linux

package main

import (
	"errors"
	"fmt"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/glennswest/vxlab/pkg/capture"
)

func newAnalyze(gf *globalFlags) *cobra.Command {
	var flags struct {
		port   int
		tshark bool
	}

	cmd := &cobra.Command{
		Use:   "analyze [pcap]",
		Short: "Summarise a capture by VXLAN VNI",
		Long: `Reads a pcap file and counts VXLAN frames per VNI. Without an argument
the configured capture path is read.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := gf.loadConfig()
			if err != nil {
				return err
			}
			path := cfg.Capture.Path
			if len(args) == 1 {
				path = args[0]
			}
			port := cfg.Tunnel.DstPort
			if cmd.Flags().Changed("port") {
				port = flags.port
			}
			cmd.SilenceUsage = true

			sum, err := capture.Analyze(path, port)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s: %d frames, %d VXLAN on UDP %d\n", path, sum.Frames, sum.VXLAN, port)

			table := tablewriter.NewWriter(out)
			table.SetBorder(false)
			table.SetHeader([]string{"VNI", "FRAMES"})
			for _, vni := range sum.VNIs() {
				table.Append([]string{fmt.Sprint(vni), fmt.Sprint(sum.ByVNI[vni])})
			}
			table.Render()

			if !flags.tshark {
				return nil
			}
			ts, err := capture.NewTshark().Summarize(cmd.Context(), path)
			if errors.Is(err, capture.ErrToolMissing) {
				fmt.Fprintln(out, "tshark not installed, skipping")
				return nil
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "tshark: %d VXLAN frames\n%s\n", ts.VXLAN, ts.Sample)
			return nil
		},
	}

	cmd.Flags().IntVarP(&flags.port, "port", "p", 0, "UDP port carrying VXLAN (default from config)")
	cmd.Flags().BoolVar(&flags.tshark, "tshark", false, "also summarise with tshark when installed")
	return cmd
}
