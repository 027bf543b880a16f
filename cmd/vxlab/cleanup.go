//go:build linux

package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/glennswest/vxlab/pkg/lab"
	"github.com/glennswest/vxlab/pkg/network"
	"github.com/glennswest/vxlab/pkg/network/driver"
	"github.com/glennswest/vxlab/pkg/substrate"
)

func newCleanup(gf *globalFlags) *cobra.Command {
	var flags struct {
		removeCapture bool
	}

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove namespaces, captures and filter rules left by an earlier run",
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

			store := network.NewStateStore(cfg.StatePath)
			if _, err := os.Stat(cfg.StatePath); errors.Is(err, os.ErrNotExist) {
				log.Infow("no run state, nothing to clean", "state", cfg.StatePath)
				if flags.removeCapture {
					if err := os.Remove(cfg.Capture.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
						return fmt.Errorf("removing capture: %w", err)
					}
				}
				return nil
			}
			return cleanStale(cmd.Context(), store, flags.removeCapture, log)
		},
	}

	cmd.Flags().BoolVar(&flags.removeCapture, "remove-capture", false, "delete the capture file too")
	return cmd
}

// cleanStale removes whatever the run recorded in store left behind, then
// the state file itself. A missing state file means there is nothing to do.
func cleanStale(ctx context.Context, store *network.StateStore, removeCapture bool, log *zap.SugaredLogger) error {
	st, err := store.Load()
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}

	// Address the old run's namespaces without creating them.
	sub := substrate.NewNetns(st.NamespacePrefix, log)
	for _, node := range st.Nodes {
		if err := sub.RegisterNode(node); err != nil {
			return err
		}
	}

	c := &lab.Cleaner{
		Runner: sub,
		Filters: lab.FilterFunc(func(node string) (network.FilterDriver, error) {
			return driver.NewShell(sub, node, log), nil
		}),
		DeleteNamespaces: substrate.DeleteNamespaces,
		NodeExists: func(node string) bool {
			return substrate.NamespaceExists(st.NamespacePrefix, node)
		},
		Log: log,
	}
	if err := c.Clean(ctx, st, removeCapture); err != nil {
		return err
	}
	return store.Remove()
}
