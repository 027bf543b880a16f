package verify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap"

	"github.com/glennswest/vxlab/pkg/config"
	"github.com/glennswest/vxlab/pkg/network"
	"github.com/glennswest/vxlab/pkg/substrate"
	"github.com/glennswest/vxlab/pkg/substrate/substratetest"
)

func referenceSegments() [2][]network.Endpoint {
	return [2][]network.Endpoint{
		{
			{Name: "h1", Address: "10.0.0.1/24", Gateway: "br1", Segment: 0},
			{Name: "h2", Address: "10.0.0.2/24", Gateway: "br1", Segment: 0},
		},
		{
			{Name: "h3", Address: "10.0.0.3/24", Gateway: "br2", Segment: 1},
			{Name: "h4", Address: "10.0.0.4/24", Gateway: "br2", Segment: 1},
		},
	}
}

type probeSummary struct {
	Name   string
	Addr   string
	Kind   Kind
	Expect Expect
	Count  int
}

func summarize(probes []Probe) []probeSummary {
	out := make([]probeSummary, len(probes))
	for i, p := range probes {
		out[i] = probeSummary{p.Name, p.Addr, p.Kind, p.Expect, p.Count}
	}
	return out
}

func TestPlan(t *testing.T) {
	tests := []struct {
		name      string
		isolation bool
		intra     Expect
	}{
		{"isolation on", true, ExpectBlocked},
		{"isolation off", false, ExpectReachable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			cfg.Features.Isolation = tt.isolation

			want := []probeSummary{
				{"h1->h3", "10.0.0.3", KindCross, ExpectReachable, 4},
				{"h2->h4", "10.0.0.4", KindCross, ExpectReachable, 4},
				{"h1->h2", "10.0.0.2", KindIntra, tt.intra, 2},
				{"h3->h4", "10.0.0.4", KindIntra, tt.intra, 2},
			}
			if diff := cmp.Diff(want, summarize(Plan(referenceSegments(), cfg))); diff != "" {
				t.Errorf("plan (-want +got):\n%s", diff)
			}
		})
	}
}

func TestPlanSingleEndpointSegment(t *testing.T) {
	segs := referenceSegments()
	segs[0] = segs[0][:1] // drop h2

	got := summarize(Plan(segs, config.Default()))
	want := []probeSummary{
		{"h1->h3", "10.0.0.3", KindCross, ExpectReachable, 4},
		{"h3->h4", "10.0.0.4", KindIntra, ExpectBlocked, 2},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("plan (-want +got):\n%s", diff)
	}
}

func TestProbeArgv(t *testing.T) {
	tests := []struct {
		timeout time.Duration
		want    string
	}{
		{time.Second, "ping -c 4 -W 1 10.0.0.3"},
		{3 * time.Second, "ping -c 4 -W 3 10.0.0.3"},
		{100 * time.Millisecond, "ping -c 4 -W 1 10.0.0.3"},
	}
	for _, tt := range tests {
		p := Probe{Addr: "10.0.0.3", Count: 4, Timeout: tt.timeout}
		if got := strings.Join(p.Argv(), " "); got != tt.want {
			t.Errorf("timeout %v: got %q, want %q", tt.timeout, got, tt.want)
		}
	}
}

func TestParsePing(t *testing.T) {
	tests := []struct {
		name     string
		out      string
		sent     int
		received int
		ok       bool
	}{
		{
			name: "iputils success",
			out: `PING 10.0.0.3 (10.0.0.3) 56(84) bytes of data.
64 bytes from 10.0.0.3: icmp_seq=1 ttl=64 time=0.512 ms

--- 10.0.0.3 ping statistics ---
4 packets transmitted, 4 received, 0% packet loss, time 3004ms
rtt min/avg/max/mdev = 0.061/0.183/0.512/0.190 ms`,
			sent: 4, received: 4, ok: true,
		},
		{
			name: "iputils with errors",
			out:  "2 packets transmitted, 0 received, +2 errors, 100% packet loss, time 1001ms",
			sent: 2, received: 0, ok: true,
		},
		{
			name: "busybox",
			out:  "4 packets transmitted, 3 packets received, 25% packet loss",
			sent: 4, received: 3, ok: true,
		},
		{
			name: "no statistics",
			out:  "ping: connect: Network is unreachable",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sent, received, ok := ParsePing(tt.out)
			if sent != tt.sent || received != tt.received || ok != tt.ok {
				t.Errorf("got (%d, %d, %v), want (%d, %d, %v)", sent, received, ok, tt.sent, tt.received, tt.ok)
			}
		})
	}
}

func newRunnerTest(t *testing.T, handler func(node string, argv []string) substrate.Result) (*Runner, *substratetest.Fake) {
	t.Helper()
	sub := substratetest.New()
	for _, n := range []string{"h1", "h2", "h3", "h4"} {
		if err := sub.AddNode(context.Background(), n); err != nil {
			t.Fatal(err)
		}
	}
	sub.Handler = handler
	return NewRunner(sub, zap.NewNop().Sugar()), sub
}

func pingOutput(sent, received int) string {
	return fmt.Sprintf("--- ping statistics ---\n%d packets transmitted, %d received, time 1ms\n", sent, received)
}

func TestRunCollectsEvidenceInOrder(t *testing.T) {
	probes := Plan(referenceSegments(), config.Default())

	r, sub := newRunnerTest(t, func(node string, argv []string) substrate.Result {
		addr := argv[len(argv)-1]
		// Cross probes answer, intra-segment ones are dropped.
		if (node == "h1" && addr == "10.0.0.2") || (node == "h3" && addr == "10.0.0.4") {
			return substrate.Result{ExitCode: 1, Output: pingOutput(2, 0)}
		}
		return substrate.Result{Output: pingOutput(4, 4)}
	})

	results, err := r.Run(context.Background(), probes)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(results) != 4 {
		t.Fatalf("expected 4 results, got %d", len(results))
	}

	want := []string{
		"h1: ping -c 4 -W 1 10.0.0.3",
		"h2: ping -c 4 -W 1 10.0.0.4",
		"h1: ping -c 2 -W 1 10.0.0.2",
		"h3: ping -c 2 -W 1 10.0.0.4",
	}
	var got []string
	for _, c := range sub.Calls() {
		got = append(got, c.String())
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("commands (-want +got):\n%s", diff)
	}

	for _, res := range results {
		if res.Err != nil {
			t.Errorf("%s: unexpected error %v", res.Probe.Name, res.Err)
		}
	}
	if results[2].Received != 0 || results[2].LossPercent() != 100 {
		t.Errorf("expected total loss on h1->h2, got %+v", results[2])
	}

	verdicts := Judge(results, 0)
	if !Passed(verdicts) {
		t.Errorf("expected all probes to pass: %+v", verdicts)
	}
}

func TestRunTimeoutContinues(t *testing.T) {
	probes := Plan(referenceSegments(), config.Default())

	r, _ := newRunnerTest(t, func(node string, argv []string) substrate.Result {
		if node == "h2" {
			return substrate.Result{Err: context.DeadlineExceeded}
		}
		return substrate.Result{Output: pingOutput(4, 4)}
	})

	results, err := r.Run(context.Background(), probes)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(results) != len(probes) {
		t.Fatalf("sequence stopped early: %d of %d results", len(results), len(probes))
	}

	var pt *ProbeTimeout
	if !errors.As(results[1].Err, &pt) || pt.Probe != "h2->h4" {
		t.Fatalf("expected ProbeTimeout for h2->h4, got %v", results[1].Err)
	}
	if !results[1].TimedOut() {
		t.Error("TimedOut should report the timeout")
	}

	v := Judge(results, 0)
	if v[1].Pass || v[1].Reason != "timed out" {
		t.Errorf("timed out probe must fail, got %+v", v[1])
	}
}

func TestRunCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	r, _ := newRunnerTest(t, func(string, []string) substrate.Result {
		calls++
		cancel()
		return substrate.Result{Err: context.Canceled}
	})

	results, err := r.Run(ctx, Plan(referenceSegments(), config.Default()))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(results) != 0 || calls != 1 {
		t.Errorf("expected no results after one call, got %d results, %d calls", len(results), calls)
	}
}

func TestRunUnparsableOutput(t *testing.T) {
	r, _ := newRunnerTest(t, func(string, []string) substrate.Result {
		return substrate.Result{ExitCode: 2, Output: "ping: connect: Network is unreachable\n"}
	})
	results, err := r.Run(context.Background(), []Probe{{Name: "h1->h3", From: "h1", Addr: "10.0.0.3", Count: 1, Expect: ExpectBlocked}})
	if err != nil {
		t.Fatal(err)
	}
	var exitErr *substrate.ExitError
	if !errors.As(results[0].Err, &exitErr) || exitErr.Code != 2 {
		t.Errorf("expected ExitError, got %v", results[0].Err)
	}
	// A blocked probe that never ran must not count as blocked.
	if v := Judge(results, 0); v[0].Pass {
		t.Error("probe without statistics must fail")
	}
}

func TestJudge(t *testing.T) {
	reach := Probe{Name: "h1->h3", Expect: ExpectReachable}
	block := Probe{Name: "h1->h2", Expect: ExpectBlocked}

	tests := []struct {
		name    string
		result  Result
		maxLoss int
		pass    bool
	}{
		{"reachable all replies", Result{Probe: reach, Sent: 4, Received: 4}, 0, true},
		{"reachable one lost", Result{Probe: reach, Sent: 4, Received: 3}, 0, false},
		{"reachable one lost tolerated", Result{Probe: reach, Sent: 4, Received: 3}, 1, true},
		{"reachable nothing sent", Result{Probe: reach}, 0, false},
		{"blocked no replies", Result{Probe: block, Sent: 2}, 0, true},
		{"blocked leaked reply", Result{Probe: block, Sent: 2, Received: 1}, 0, false},
		{"blocked leak not tolerated by maxLoss", Result{Probe: block, Sent: 2, Received: 1}, 2, false},
		{"error", Result{Probe: reach, Err: errors.New("boom")}, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := Judge([]Result{tt.result}, tt.maxLoss)
			if v[0].Pass != tt.pass {
				t.Errorf("pass = %v, want %v (%s)", v[0].Pass, tt.pass, v[0].Reason)
			}
		})
	}
}

func TestPassedEmpty(t *testing.T) {
	if Passed(nil) {
		t.Error("no verdicts must not pass")
	}
}
