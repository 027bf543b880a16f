// Package resolver finds the transport link between the two gateways.
package resolver

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/glennswest/vxlab/pkg/config"
	"github.com/glennswest/vxlab/pkg/network"
	"github.com/glennswest/vxlab/pkg/substrate"
)

// LinkSource reports the links joining two nodes. substrate.Substrate
// satisfies it.
type LinkSource interface {
	Links(a, b string) []substrate.Link
}

// LinkNotFoundError means no link joins the two gateways.
type LinkNotFoundError struct {
	A, B string
}

func (e *LinkNotFoundError) Error() string {
	return fmt.Sprintf("no link between %s and %s", e.A, e.B)
}

// LinkAmbiguousError means more than one link joins the two gateways and
// none can be preferred.
type LinkAmbiguousError struct {
	A, B  string
	Links []substrate.Link
}

func (e *LinkAmbiguousError) Error() string {
	names := make([]string, len(e.Links))
	for i, l := range e.Links {
		names[i] = l.String()
	}
	return fmt.Sprintf("%d links between %s and %s: %s", len(e.Links), e.A, e.B, strings.Join(names, ", "))
}

// Resolver maps a gateway pair to the overlay link the tunnel binds to.
type Resolver struct {
	strategy   config.LinkResolution
	fixedIndex int
	links      LinkSource
	log        *zap.SugaredLogger
}

// New returns a Resolver using the given strategy. links may be nil for the
// fixed strategy, which then trusts the interface naming unchecked.
func New(strategy config.LinkResolution, fixedIndex int, links LinkSource, log *zap.SugaredLogger) *Resolver {
	return &Resolver{
		strategy:   strategy,
		fixedIndex: fixedIndex,
		links:      links,
		log:        log.Named("resolver"),
	}
}

// Resolve returns the link joining gateways a and b. The result depends
// only on the topology, so repeated calls agree.
func (r *Resolver) Resolve(_ context.Context, a, b string) (network.OverlayLink, error) {
	var (
		link network.OverlayLink
		err  error
	)
	switch r.strategy {
	case config.LinkFixed:
		link, err = r.fixed(a, b)
	case config.LinkDynamic:
		link, err = r.dynamic(a, b)
	default:
		err = fmt.Errorf("link resolution %q: %w", r.strategy, network.ErrNotSupported)
	}
	if err != nil {
		return network.OverlayLink{}, err
	}

	r.log.Infow("transport link resolved", "strategy", r.strategy, "link", link.String())
	return link, nil
}

// fixed assumes the Nth interface of each gateway is the transport link,
// which holds when links are created in the reference order. With a link
// source the guess must name an actual gateway-to-gateway link.
func (r *Resolver) fixed(a, b string) (network.OverlayLink, error) {
	link := network.OverlayLink{
		A:          a,
		AInterface: fmt.Sprintf("%s-eth%d", a, r.fixedIndex),
		B:          b,
		BInterface: fmt.Sprintf("%s-eth%d", b, r.fixedIndex),
	}
	if r.links == nil {
		return link, nil
	}
	for _, l := range r.links.Links(a, b) {
		ai, _ := l.Interface(a)
		bi, _ := l.Interface(b)
		if ai == link.AInterface && bi == link.BInterface {
			return link, nil
		}
	}
	r.log.Warnw("fixed link does not join the gateways", "link", link.String())
	return network.OverlayLink{}, &LinkNotFoundError{A: a, B: b}
}

func (r *Resolver) dynamic(a, b string) (network.OverlayLink, error) {
	if r.links == nil {
		return network.OverlayLink{}, &LinkNotFoundError{A: a, B: b}
	}
	links := r.links.Links(a, b)
	switch len(links) {
	case 0:
		return network.OverlayLink{}, &LinkNotFoundError{A: a, B: b}
	case 1:
	default:
		return network.OverlayLink{}, &LinkAmbiguousError{A: a, B: b, Links: links}
	}

	ai, _ := links[0].Interface(a)
	bi, _ := links[0].Interface(b)
	return network.OverlayLink{A: a, AInterface: ai, B: b, BInterface: bi}, nil
}

// Apply records the resolved interfaces on the gateways.
func Apply(link network.OverlayLink, gws *[2]network.Gateway) error {
	for i := range gws {
		intf, ok := link.Interface(gws[i].Name)
		if !ok {
			return fmt.Errorf("link %s does not reach gateway %s", link, gws[i].Name)
		}
		gws[i].TransportInterface = intf
	}
	return nil
}
