package verify

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/glennswest/vxlab/pkg/substrate"
)

// Executor runs a command on a node. substrate.Substrate satisfies it.
type Executor interface {
	Exec(ctx context.Context, node string, argv ...string) substrate.Result
}

// ProbeTimeout is a probe that did not finish within its budget. The probe
// is recorded as failed and the sequence continues.
type ProbeTimeout struct {
	Probe string
	After time.Duration
}

func (e *ProbeTimeout) Error() string {
	return fmt.Sprintf("probe %s timed out after %v", e.Probe, e.After)
}

// Result is the evidence one probe produced.
type Result struct {
	Probe    Probe         `json:"probe" yaml:"probe"`
	Sent     int           `json:"sent" yaml:"sent"`
	Received int           `json:"received" yaml:"received"`
	Output   string        `json:"output,omitempty" yaml:"output,omitempty"`
	Elapsed  time.Duration `json:"elapsed" yaml:"elapsed"`
	// Err is set when the probe produced no usable statistics.
	Err error `json:"-" yaml:"-"`
}

// Lost is the number of requests without a reply.
func (r Result) Lost() int { return r.Sent - r.Received }

// LossPercent is the share of requests lost, 0-100.
func (r Result) LossPercent() float64 {
	if r.Sent == 0 {
		return 100
	}
	return float64(r.Lost()) * 100 / float64(r.Sent)
}

// TimedOut reports whether the probe hit its budget.
func (r Result) TimedOut() bool {
	var pt *ProbeTimeout
	return errors.As(r.Err, &pt)
}

// Runner executes probes one at a time on their source endpoints.
type Runner struct {
	exec Executor
	log  *zap.SugaredLogger
}

// NewRunner returns a Runner issuing pings through exec.
func NewRunner(exec Executor, log *zap.SugaredLogger) *Runner {
	return &Runner{exec: exec, log: log.Named("verify")}
}

// Run executes probes in order and returns one Result per probe started.
// A probe failure never stops the sequence; only cancellation of ctx does,
// in which case the results so far are returned with ctx's error.
func (r *Runner) Run(ctx context.Context, probes []Probe) ([]Result, error) {
	results := make([]Result, 0, len(probes))
	for _, p := range probes {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		res := r.probe(ctx, p)
		if ctx.Err() != nil {
			return results, ctx.Err()
		}
		results = append(results, res)
	}
	return results, nil
}

func (r *Runner) probe(ctx context.Context, p Probe) Result {
	log := r.log.With("probe", p.Name, "expect", p.Expect)
	log.Infow("running probe", "cmd", p.Argv())

	budget := p.Budget()
	pctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	start := time.Now()
	res := r.exec.Exec(pctx, p.From, p.Argv()...)
	out := Result{Probe: p, Output: res.Output, Elapsed: time.Since(start)}

	if res.Err != nil {
		if errors.Is(res.Err, context.DeadlineExceeded) && ctx.Err() == nil {
			out.Err = &ProbeTimeout{Probe: p.Name, After: budget}
		} else {
			out.Err = res.AsError()
		}
		log.Warnw("probe failed", "error", out.Err)
		return out
	}

	sent, received, ok := ParsePing(res.Output)
	if !ok {
		// ping exits 1 when no reply arrived and 2 on other errors; without
		// statistics the exit status is all there is.
		if err := res.AsError(); err != nil {
			out.Err = err
		} else {
			out.Err = fmt.Errorf("no ping statistics in output of %s", res.CommandLine())
		}
		log.Warnw("probe produced no statistics", "error", out.Err)
		return out
	}
	out.Sent, out.Received = sent, received

	log.Infow("probe finished", "sent", sent, "received", received,
		"loss", fmt.Sprintf("%.0f%%", out.LossPercent()), "exit", res.ExitCode)
	return out
}

// pingStats matches the summary line of iputils and busybox ping:
// "4 packets transmitted, 4 received, 0% packet loss" and
// "4 packets transmitted, 0 packets received, 100% packet loss".
var pingStats = regexp.MustCompile(`(\d+) packets transmitted, (\d+) (?:packets )?received`)

// ParsePing extracts the transmitted and received counts from ping output.
func ParsePing(out string) (sent, received int, ok bool) {
	m := pingStats.FindStringSubmatch(out)
	if m == nil {
		return 0, 0, false
	}
	sent, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, 0, false
	}
	received, err = strconv.Atoi(m[2])
	if err != nil {
		return 0, 0, false
	}
	return sent, received, true
}
