// Package lab runs the overlay pipeline end to end: build the topology,
// find the transport link, provision both VTEPs, apply isolation, then probe
// reachability while capturing the tunnel traffic.
package lab

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/glennswest/vxlab/pkg/capture"
	"github.com/glennswest/vxlab/pkg/config"
	"github.com/glennswest/vxlab/pkg/network"
	"github.com/glennswest/vxlab/pkg/network/resolver"
	"github.com/glennswest/vxlab/pkg/network/topology"
	"github.com/glennswest/vxlab/pkg/network/vtep"
	"github.com/glennswest/vxlab/pkg/substrate"
	"github.com/glennswest/vxlab/pkg/verify"
)

// Pipeline step names, as reported in StepError and the state file.
const (
	StepBuild     = "build"
	StepEndpoints = "configure-endpoints"
	StepResolve   = "resolve-link"
	StepPair      = "pair-tunnels"
	StepProvision = "provision"
	StepMembers   = "membership"
	StepIsolation = "isolation"
	StepCapture   = "capture"
	StepVerify    = "verify"
	StepAnalysis  = "analysis"
)

// StepError is a fatal pipeline failure, naming the step that failed.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// Summarizer produces a capture summary with an external analyzer.
// *capture.Tshark satisfies it.
type Summarizer interface {
	Summarize(ctx context.Context, path string) (capture.Summary, error)
}

// Deps are the collaborators a Pipeline drives.
type Deps struct {
	Substrate substrate.Substrate
	Drivers   topology.DriverFactory
	// State is optional; nil disables the run state file.
	State *network.StateStore
	// Tshark is optional; nil limits analysis to the built-in pcap reader.
	Tshark Summarizer
}

// Pipeline is one configured run. It is not reusable.
type Pipeline struct {
	cfg  config.Config
	deps Deps
	log  *zap.SugaredLogger

	layout *topology.Layout
}

// New returns a Pipeline for cfg. cfg is expected to be validated.
func New(cfg config.Config, deps Deps, log *zap.SugaredLogger) *Pipeline {
	if deps.State == nil {
		deps.State = network.NewStateStore("")
	}
	return &Pipeline{
		cfg:  cfg,
		deps: deps,
		log:  log.Named("lab"),
	}
}

// Layout returns the built topology, or nil before the build step ran.
func (p *Pipeline) Layout() *topology.Layout { return p.layout }

// Run executes the pipeline. The returned Report is never nil; on a fatal
// failure it is partially filled and the error is a *StepError. Non-fatal
// capture and analysis failures only mark the report degraded.
func (p *Pipeline) Run(ctx context.Context) (*Report, error) {
	rep := &Report{
		RunID:     uuid.New().String(),
		Name:      p.cfg.Name,
		StartedAt: time.Now(),
		VNI:       p.cfg.Tunnel.VNI,
		DstPort:   p.cfg.Tunnel.DstPort,
		Features:  p.cfg.Features,
	}
	log := p.log.With("run", rep.RunID)
	log.Infow("starting run", "name", p.cfg.Name, "vni", p.cfg.Tunnel.VNI, "dstport", p.cfg.Tunnel.DstPort)

	p.saveState(func(s *network.RunState) {
		*s = network.RunState{
			RunID:           rep.RunID,
			StartedAt:       rep.StartedAt,
			NamespacePrefix: p.cfg.NamespacePrefix,
			Phase:           "building",
		}
	})

	err := p.run(ctx, rep, log)
	rep.FinishedAt = time.Now()

	phase := "done"
	if err != nil {
		rep.Err = err
		phase = "failed"
		log.Errorw("run failed", "error", err)
	}
	p.saveState(func(s *network.RunState) {
		s.Phase = phase
		s.Duration = rep.FinishedAt.Sub(rep.StartedAt)
	})

	log.Infow("run finished", "passed", rep.Passed(), "degraded", rep.Degraded(),
		"duration", rep.FinishedAt.Sub(rep.StartedAt).Round(time.Millisecond))
	return rep, err
}

func (p *Pipeline) run(ctx context.Context, rep *Report, log *zap.SugaredLogger) error {
	builder := topology.NewBuilder(p.deps.Substrate, p.deps.Drivers, p.log)

	layout, err := builder.Build(ctx, p.cfg)
	if err != nil {
		return &StepError{Step: StepBuild, Err: err}
	}
	p.layout = layout
	rep.Endpoints = layout.Endpoints
	p.saveState(func(s *network.RunState) {
		s.Nodes = nodeNames(layout)
		s.Endpoints = layout.Endpoints
	})

	if err := builder.ConfigureEndpoints(ctx, layout); err != nil {
		return &StepError{Step: StepEndpoints, Err: err}
	}

	gws := &layout.Gateways
	res := resolver.New(p.cfg.Features.LinkResolution, p.cfg.FixedLinkIndex, p.deps.Substrate, p.log)
	link, err := res.Resolve(ctx, gws[0].Name, gws[1].Name)
	if err != nil {
		return &StepError{Step: StepResolve, Err: err}
	}
	if err := resolver.Apply(link, gws); err != nil {
		return &StepError{Step: StepResolve, Err: err}
	}
	rep.Link = &link
	rep.Gateways = *gws

	tunnels, err := network.TunnelPair(gws[0], gws[1], p.cfg.Tunnel.Name, p.cfg.Tunnel.VNI, p.cfg.Tunnel.DstPort)
	if err != nil {
		return &StepError{Step: StepPair, Err: err}
	}
	rep.Tunnels = tunnels[:]
	p.saveState(func(s *network.RunState) {
		s.OverlayLink = &link
		s.Gateways = gws[:]
		s.Tunnels = tunnels[:]
		s.Phase = "provisioning"
	})

	prov := vtep.NewProvisioner(layout.Topology, p.log)
	specs := [2]vtep.Spec{{Gateway: gws[0], Tunnel: tunnels[0]}, {Gateway: gws[1], Tunnel: tunnels[1]}}
	if err := prov.ProvisionPair(ctx, specs); err != nil {
		return &StepError{Step: StepProvision, Err: err}
	}

	rep.Membership = make(map[string][]string, 2)
	for _, gw := range gws {
		drift, err := prov.Reconcile(ctx, gw)
		if err != nil {
			return &StepError{Step: StepMembers, Err: err}
		}
		if drift > 0 {
			log.Warnw("bridge membership drifted after provisioning", "gateway", gw.Name, "reattached", drift)
		}
		ports, err := prov.Membership(ctx, gw)
		if err != nil {
			return &StepError{Step: StepMembers, Err: err}
		}
		rep.Membership[gw.Name] = ports
	}

	if p.cfg.Features.Isolation {
		iso := vtep.NewIsolator(layout.Topology, p.log)
		rep.IsolationRules = make(map[string]int, 2)
		for _, gw := range gws {
			added, err := iso.Apply(ctx, gw)
			if err != nil {
				return &StepError{Step: StepIsolation, Err: err}
			}
			rep.IsolationRules[gw.Name] = added
		}
	}

	return p.verify(ctx, rep, log)
}

// verify runs the probes inside the capture window, then analyses the
// capture. The capture is stopped even when the probes are cut short.
func (p *Pipeline) verify(ctx context.Context, rep *Report, log *zap.SugaredLogger) error {
	var mgr *capture.Manager
	if p.cfg.Features.Capture {
		session, err := p.captureSession()
		if err != nil {
			rep.addWarning(&StepError{Step: StepCapture, Err: err})
		} else {
			mgr = capture.NewManager(p.deps.Substrate, capture.Timing{
				Settle: p.cfg.Capture.SettleDelay,
				Ready:  p.cfg.Capture.ReadyTimeout,
				Grace:  p.cfg.Capture.GraceDelay,
			}, p.log)
			if err := mgr.Start(ctx, session); err != nil {
				log.Warnw("continuing without capture", "error", err)
				rep.addWarning(err)
			} else {
				rep.CapturePath = session.Path
				p.saveState(func(s *network.RunState) {
					s.CapturePath = session.Path
					s.CaptureNode = session.Node
					s.CaptureInterface = session.Interface
				})
			}
		}
	}

	p.saveState(func(s *network.RunState) { s.Phase = "verifying" })
	probes := verify.Plan([2][]network.Endpoint{
		p.layout.SegmentEndpoints(0),
		p.layout.SegmentEndpoints(1),
	}, p.cfg)
	results, runErr := verify.NewRunner(p.deps.Substrate, p.log).Run(ctx, probes)
	rep.Results = results
	rep.Verdicts = verify.Judge(results, p.cfg.Probes.MaxLoss)

	captured := mgr != nil && mgr.Active()
	if captured {
		// Stop must outlive a cancelled run so tcpdump is not left behind.
		stopCtx := context.WithoutCancel(ctx)
		if err := mgr.Stop(stopCtx); err != nil {
			rep.addWarning(err)
		}
	}
	if runErr != nil {
		return &StepError{Step: StepVerify, Err: runErr}
	}

	if captured && p.cfg.Features.Analysis {
		p.analyze(ctx, rep, log)
	}
	return nil
}

func (p *Pipeline) analyze(ctx context.Context, rep *Report, log *zap.SugaredLogger) {
	sum, err := capture.Analyze(rep.CapturePath, p.cfg.Tunnel.DstPort)
	if err != nil {
		log.Warnw("analysis skipped", "error", err)
		rep.addWarning(err)
	} else {
		rep.Capture = &sum
		log.Infow("capture analysed", "frames", sum.Frames, "vxlan", sum.VXLAN, "vnis", sum.VNIs())
		if !rep.CaptureOK() {
			rep.addWarning(&StepError{
				Step: StepAnalysis,
				Err:  fmt.Errorf("capture holds VXLAN VNIs %v, expected only %d", sum.VNIs(), p.cfg.Tunnel.VNI),
			})
		}
	}

	if p.deps.Tshark == nil {
		return
	}
	ts, err := p.deps.Tshark.Summarize(ctx, rep.CapturePath)
	if err != nil {
		if errors.Is(err, capture.ErrToolMissing) {
			log.Infow("tshark not installed, skipping its summary")
		} else {
			log.Warnw("tshark analysis skipped", "error", err)
		}
		rep.addWarning(err)
		return
	}
	rep.Tshark = &ts
}

func (p *Pipeline) captureSession() (capture.Session, error) {
	idx := p.cfg.GatewayIndex(p.cfg.Capture.Gateway)
	if idx < 0 {
		idx = 0
	}
	gw := p.layout.Gateways[idx]
	if gw.TransportInterface == "" {
		return capture.Session{}, fmt.Errorf("gateway %s has no transport interface", gw.Name)
	}
	return capture.Session{
		Node:      gw.Name,
		Interface: gw.TransportInterface,
		Path:      p.cfg.Capture.Path,
		Port:      p.cfg.Tunnel.DstPort,
	}, nil
}

// Teardown stops the substrate, removing every node.
func (p *Pipeline) Teardown(ctx context.Context) error {
	if err := p.deps.Substrate.Stop(ctx); err != nil {
		p.saveState(func(s *network.RunState) { s.Phase = "teardown-failed" })
		return err
	}
	p.saveState(func(s *network.RunState) { s.Phase = "stopped" })
	return nil
}

func (p *Pipeline) saveState(fn func(*network.RunState)) {
	if err := p.deps.State.Update(fn); err != nil {
		p.log.Warnw("saving run state failed", "path", p.deps.State.Path(), "error", err)
	}
}

func nodeNames(l *topology.Layout) []string {
	nodes := l.Topology.ListNodes()
	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i] = n.Name
	}
	return out
}
