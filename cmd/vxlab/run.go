//go:build linux

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/glennswest/vxlab/pkg/capture"
	"github.com/glennswest/vxlab/pkg/lab"
	"github.com/glennswest/vxlab/pkg/network"
	"github.com/glennswest/vxlab/pkg/network/driver"
	"github.com/glennswest/vxlab/pkg/substrate"
)

func newRun(gf *globalFlags) *cobra.Command {
	var flags struct {
		interactive bool
		keep        bool
	}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Build the lab, provision the overlay and run the verification",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := gf.loadConfig()
			if err != nil {
				return err
			}
			cmd.SilenceUsage = true

			log, flush, err := gf.logger()
			if err != nil {
				return err
			}
			defer flush()

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			store := network.NewStateStore(cfg.StatePath)
			if err := cleanStale(ctx, store, false, log); err != nil {
				log.Warnw("stale state from an earlier run was not fully removed", "error", err)
			}

			sub := substrate.NewNetns(cfg.NamespacePrefix, log)
			drivers, err := driver.Factory(cfg.Driver, sub, sub.Namespace, log)
			if err != nil {
				return err
			}
			deps := lab.Deps{
				Substrate: sub,
				Drivers:   drivers,
				State:     store,
			}
			if cfg.Features.Analysis {
				deps.Tshark = capture.NewTshark()
			}

			p := lab.New(cfg, deps, log)
			rep, runErr := p.Run(ctx)
			rep.Render(cmd.OutOrStdout())

			if flags.interactive && p.Layout() != nil && ctx.Err() == nil {
				if err := runShell(ctx, sub, os.Stdin, cmd.OutOrStdout()); err != nil {
					log.Warnw("shell ended with error", "error", err)
				}
			}

			if flags.keep {
				log.Infow("keeping lab; remove it with cleanup", "state", cfg.StatePath)
			} else if err := p.Teardown(context.WithoutCancel(ctx)); err != nil {
				log.Errorw("teardown failed", "error", err)
				runErr = multierr.Append(runErr, err)
			}

			if runErr != nil {
				return runErr
			}
			if !rep.Passed() {
				return fmt.Errorf("verification failed")
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&flags.interactive, "interactive", "i", false,
		"open a node shell after verification")
	cmd.Flags().BoolVar(&flags.keep, "keep", false, "leave the lab running after the run")
	return cmd
}
