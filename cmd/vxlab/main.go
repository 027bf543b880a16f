//go:build linux

// vxlab builds a two-segment layer-2 lab joined by one VXLAN tunnel,
// provisions both VTEPs, and verifies reachability, isolation and the
// tunnel's wire format.
//
// Flow of "vxlab run":
//  1. Create h1..h4, br1, br2 as network namespaces and wire them with veths
//  2. Find the br1<->br2 transport link
//  3. Build br0 + vxlan0 on both gateways, optionally isolate the segments
//  4. Capture UDP 4789 on the transport link while pinging across and within segments
//  5. Summarise the capture by VNI and print the report
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/glennswest/vxlab/pkg/config"
)

var version = "dev"

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	debug      bool
}

func main() {
	executable := filepath.Base(os.Args[0])
	var gf globalFlags

	cmd := &cobra.Command{
		Use:     executable,
		Short:   "Provision and verify a two-segment VXLAN overlay lab",
		Args:    cobra.NoArgs,
		Version: version,
		// main prints the error once.
		SilenceErrors: true,
	}
	gf.register(cmd.PersistentFlags())

	cmd.AddCommand(
		newRun(&gf),
		newAnalyze(&gf),
		newCleanup(&gf),
		newConfig(&gf),
	)

	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func (gf *globalFlags) register(fs *pflag.FlagSet) {
	fs.StringVarP(&gf.configPath, "config", "c", os.Getenv("VXLAB_CONFIG"),
		"lab configuration file; built-in reference lab when empty (env VXLAB_CONFIG)")
	fs.BoolVar(&gf.debug, "debug", false, "human-readable debug logging")
}

// logger builds the process logger. The returned func flushes it.
func (gf *globalFlags) logger() (*zap.SugaredLogger, func(), error) {
	var (
		logger *zap.Logger
		err    error
	)
	if gf.debug {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return nil, nil, fmt.Errorf("creating logger: %w", err)
	}
	return logger.Sugar(), func() { _ = logger.Sync() }, nil
}

// loadConfig reads --config, or returns the validated reference lab.
func (gf *globalFlags) loadConfig() (config.Config, error) {
	if gf.configPath != "" {
		return config.Load(gf.configPath)
	}
	cfg := config.Default()
	config.ApplyDefaults(&cfg)
	if err := config.Validate(cfg); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}
