// Package capture runs the transport-side packet capture that corroborates
// a verification run, and summarises what it caught.
package capture

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/glennswest/vxlab/pkg/substrate"
)

// Runner starts and runs commands on nodes. substrate.Substrate satisfies it.
type Runner interface {
	Exec(ctx context.Context, node string, argv ...string) substrate.Result
	Spawn(ctx context.Context, node string, argv ...string) (substrate.Process, error)
}

// Session identifies one capture: tcpdump on Interface of Node writing UDP
// traffic for Port to Path.
type Session struct {
	Node      string
	Interface string
	Path      string
	Port      int
}

// Filter is the capture filter expression.
func (s Session) Filter() string {
	return "udp port " + strconv.Itoa(s.Port)
}

// Args is the full capture command.
func (s Session) Args() []string {
	return []string{"tcpdump", "-i", s.Interface, "-w", s.Path, "udp", "port", strconv.Itoa(s.Port)}
}

// Pattern matches the command line of any capture on the same interface
// and output file, including one left over from an earlier run.
func (s Session) Pattern() string {
	return fmt.Sprintf("tcpdump -i %s -w %s", s.Interface, s.Path)
}

func (s Session) String() string {
	return fmt.Sprintf("%s:%s -> %s (%s)", s.Node, s.Interface, s.Path, s.Filter())
}

// CaptureError is a capture that failed to start or stop. It is not fatal;
// the run continues without capture evidence.
type CaptureError struct {
	Op      string
	Session Session
	Err     error
}

func (e *CaptureError) Error() string {
	return fmt.Sprintf("capture %s on %s:%s: %v", e.Op, e.Session.Node, e.Session.Interface, e.Err)
}

func (e *CaptureError) Unwrap() error { return e.Err }

// Timing bounds the capture around the probe sequence.
type Timing struct {
	// Settle is the minimum time between launching the capture and
	// returning from Start.
	Settle time.Duration
	// Ready bounds the wait for tcpdump's "listening on" banner.
	Ready time.Duration
	// Grace is waited before stopping, for frames still in flight.
	Grace time.Duration
}

// Manager owns at most one running capture.
type Manager struct {
	run    Runner
	timing Timing
	log    *zap.SugaredLogger

	mu      sync.Mutex
	session Session
	proc    substrate.Process
}

// NewManager returns a Manager that launches captures through run.
func NewManager(run Runner, timing Timing, log *zap.SugaredLogger) *Manager {
	return &Manager{
		run:    run,
		timing: timing,
		log:    log.Named("capture"),
	}
}

// Active reports whether a capture is running.
func (m *Manager) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.proc != nil
}

// KillStale terminates any capture matching s from an earlier run. pkill
// exiting 1 means nothing matched.
func (m *Manager) KillStale(ctx context.Context, s Session) error {
	res := m.run.Exec(ctx, s.Node, "pkill", "-f", s.Pattern())
	switch {
	case res.OK():
		m.log.Infow("killed stale capture", "pattern", s.Pattern())
		return nil
	case res.Err == nil && res.ExitCode == 1:
		return nil
	}
	return res.AsError()
}

// Start launches the capture and returns once it is listening. Readiness is
// tcpdump's "listening on" banner; if none arrives within Timing.Ready the
// capture is assumed up and that assumption is logged. Start never returns
// before Timing.Settle has elapsed.
func (m *Manager) Start(ctx context.Context, s Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.proc != nil {
		return &CaptureError{Op: "start", Session: s, Err: fmt.Errorf("capture already running on %s", m.session)}
	}

	if err := m.KillStale(ctx, s); err != nil {
		m.log.Warnw("stale capture cleanup failed", "pattern", s.Pattern(), "error", err)
	}

	launched := time.Now()
	proc, err := m.run.Spawn(ctx, s.Node, s.Args()...)
	if err != nil {
		return &CaptureError{Op: "start", Session: s, Err: err}
	}

	log := m.log.With("session", s.String())
	if err := m.awaitReady(ctx, s, proc, log); err != nil {
		_ = proc.Stop()
		return &CaptureError{Op: "start", Session: s, Err: err}
	}

	if wait := m.timing.Settle - time.Since(launched); wait > 0 {
		if err := sleep(ctx, wait); err != nil {
			_ = proc.Stop()
			return &CaptureError{Op: "start", Session: s, Err: err}
		}
	}

	m.session, m.proc = s, proc
	log.Infow("capture started", "pid", proc.Pid(), "after", time.Since(launched).Round(time.Millisecond))
	return nil
}

func (m *Manager) awaitReady(ctx context.Context, s Session, proc substrate.Process, log *zap.SugaredLogger) error {
	banner := "listening on " + s.Interface
	timer := time.NewTimer(m.timing.Ready)
	defer timer.Stop()

	var last string
	out := proc.Output()
	for {
		select {
		case line, ok := <-out:
			if !ok {
				// Output closed; the process is exiting.
				out = nil
				continue
			}
			last = line
			if strings.Contains(line, banner) {
				log.Debugw("capture ready", "banner", line)
				return nil
			}
		case <-proc.Done():
			if last != "" {
				return fmt.Errorf("tcpdump exited before listening: %s", last)
			}
			return fmt.Errorf("tcpdump exited before listening")
		case <-timer.C:
			log.Warnw("no readiness banner from tcpdump, assuming capture is up after settle delay",
				"waited", m.timing.Ready, "settle", m.timing.Settle)
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Stop waits the grace period, then terminates the capture. It is a no-op
// when no capture is running.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.proc == nil {
		return nil
	}
	s, proc := m.session, m.proc
	m.session, m.proc = Session{}, nil

	if err := sleep(ctx, m.timing.Grace); err != nil {
		m.log.Warnw("grace period cut short", "error", err)
	}

	if err := proc.Stop(); err != nil {
		return &CaptureError{Op: "stop", Session: s, Err: err}
	}

	if fi, err := os.Stat(s.Path); err == nil {
		m.log.Infow("capture stopped", "path", s.Path, "bytes", fi.Size())
	} else {
		m.log.Infow("capture stopped", "path", s.Path)
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
