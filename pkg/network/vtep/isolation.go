package vtep

import (
	"context"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/glennswest/vxlab/pkg/network"
)

// FilterSource looks up the filter driver for a node. *topology.Topology
// satisfies it.
type FilterSource interface {
	FilterDriverFor(name string) (network.FilterDriver, error)
}

// FlushTables are the ebtables tables cleared by Flush.
var FlushTables = []string{"filter", "nat", "broute"}

// Isolator installs and removes the drop rules that keep a gateway's two
// segment interfaces from forwarding to each other.
type Isolator struct {
	filters FilterSource
	log     *zap.SugaredLogger
}

// NewIsolator returns an Isolator.
func NewIsolator(filters FilterSource, log *zap.SugaredLogger) *Isolator {
	return &Isolator{
		filters: filters,
		log:     log.Named("isolation"),
	}
}

// Apply installs both directional drop rules on gw. Rules already present
// are left alone, so applying twice leaves exactly two rules. It returns
// the number of rules added.
func (i *Isolator) Apply(ctx context.Context, gw network.Gateway) (int, error) {
	log := i.log.With("gateway", gw.Name)

	rules, err := network.IsolationRulesFor(gw)
	if err != nil {
		return 0, &ProvisioningError{Gateway: gw.Name, Step: "isolation", Err: err}
	}
	fd, err := i.filters.FilterDriverFor(gw.Name)
	if err != nil {
		return 0, &ProvisioningError{Gateway: gw.Name, Step: "isolation", Err: err}
	}

	existing, err := fd.ListFilterRules(ctx, rules[0].Chain)
	if err != nil {
		return 0, &ProvisioningError{Gateway: gw.Name, Step: "isolation-list", Err: err}
	}

	added := 0
	for _, r := range rules {
		if containsRule(existing, r) {
			log.Infow("isolation rule already present", "rule", r.String())
			continue
		}
		if err := fd.AppendFilterRule(ctx, r); err != nil {
			return added, &ProvisioningError{Gateway: gw.Name, Step: "isolation-append", Err: err}
		}
		added++
	}

	log.Infow("isolation applied", "segment", gw.SegmentInterfaces, "added", added)
	return added, nil
}

// Flush clears every ebtables table on the gateway. Errors from each table
// are collected.
func (i *Isolator) Flush(ctx context.Context, gateway string) error {
	fd, err := i.filters.FilterDriverFor(gateway)
	if err != nil {
		return err
	}
	var errs error
	for _, table := range FlushTables {
		errs = multierr.Append(errs, fd.FlushFilterTable(ctx, table))
	}
	if errs == nil {
		i.log.Infow("filter tables flushed", "gateway", gateway)
	}
	return errs
}

func containsRule(rules []network.IsolationRule, r network.IsolationRule) bool {
	for _, e := range rules {
		if e.Equal(r) {
			return true
		}
	}
	return false
}
