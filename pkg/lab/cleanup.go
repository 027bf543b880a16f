package lab

import (
	"context"
	"errors"
	"fmt"
	"os"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/glennswest/vxlab/pkg/capture"
	"github.com/glennswest/vxlab/pkg/network"
	"github.com/glennswest/vxlab/pkg/network/vtep"
)

// FilterFunc adapts a constructor to vtep.FilterSource.
type FilterFunc func(node string) (network.FilterDriver, error)

func (f FilterFunc) FilterDriverFor(node string) (network.FilterDriver, error) { return f(node) }

// Cleaner removes what an earlier run left behind, working only from its
// run state.
type Cleaner struct {
	// Runner reaches the nodes of the earlier run.
	Runner capture.Runner
	// Filters manages ebtables on its gateways.
	Filters vtep.FilterSource
	// DeleteNamespaces removes leftover node namespaces.
	DeleteNamespaces func(prefix string, nodes []string) error
	// NodeExists reports whether a node of the earlier run is still
	// present. Nil treats every node as present.
	NodeExists func(node string) bool
	Log        *zap.SugaredLogger
}

func (c *Cleaner) present(node string) bool {
	return c.NodeExists == nil || c.NodeExists(node)
}

// Clean stops a stale capture, flushes the gateways' ebtables tables and
// deletes the namespaces recorded in st. With removeCapture the capture
// file is deleted as well. Every step runs; errors are combined.
func (c *Cleaner) Clean(ctx context.Context, st *network.RunState, removeCapture bool) error {
	log := c.Log.Named("cleanup").With("run", st.RunID)
	var errs error

	live := st.Phase != "stopped"
	if live && st.CaptureNode != "" && !c.present(st.CaptureNode) {
		log.Infow("capture node already gone", "node", st.CaptureNode)
	} else if live && st.CaptureNode != "" {
		mgr := capture.NewManager(c.Runner, capture.Timing{}, c.Log)
		s := capture.Session{Node: st.CaptureNode, Interface: st.CaptureInterface, Path: st.CapturePath}
		if err := mgr.KillStale(ctx, s); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("stopping stale capture: %w", err))
		}
	}

	if live && c.Filters != nil {
		iso := vtep.NewIsolator(c.Filters, c.Log)
		for _, gw := range st.Gateways {
			if !c.present(gw.Name) {
				log.Infow("gateway already gone, nothing to flush", "gateway", gw.Name)
				continue
			}
			if err := iso.Flush(ctx, gw.Name); err != nil {
				errs = multierr.Append(errs, fmt.Errorf("flushing ebtables on %s: %w", gw.Name, err))
			}
		}
	}

	if c.DeleteNamespaces != nil && len(st.Nodes) > 0 {
		if err := c.DeleteNamespaces(st.NamespacePrefix, st.Nodes); err != nil {
			errs = multierr.Append(errs, err)
		} else {
			log.Infow("namespaces removed", "prefix", st.NamespacePrefix, "nodes", len(st.Nodes))
		}
	}

	if removeCapture && st.CapturePath != "" {
		switch err := os.Remove(st.CapturePath); {
		case err == nil:
			log.Infow("capture removed", "path", st.CapturePath)
		case !errors.Is(err, os.ErrNotExist):
			errs = multierr.Append(errs, fmt.Errorf("removing capture: %w", err))
		}
	}
	return errs
}
