package verify

import "fmt"

// Verdict is the judgement of one probe's evidence.
type Verdict struct {
	Probe  Probe  `json:"probe" yaml:"probe"`
	Pass   bool   `json:"pass" yaml:"pass"`
	Reason string `json:"reason" yaml:"reason"`
}

// Judge evaluates results. A reachable probe passes when at most maxLoss
// requests went unanswered; a blocked probe passes only at 100% loss. A
// probe without statistics fails either way.
func Judge(results []Result, maxLoss int) []Verdict {
	out := make([]Verdict, 0, len(results))
	for _, r := range results {
		v := Verdict{Probe: r.Probe}
		switch {
		case r.TimedOut():
			v.Reason = "timed out"
		case r.Err != nil:
			v.Reason = r.Err.Error()
		case r.Sent == 0:
			v.Reason = "no requests sent"
		case r.Probe.Expect == ExpectBlocked:
			v.Pass = r.Received == 0
			v.Reason = fmt.Sprintf("%d/%d replies, want none", r.Received, r.Sent)
		default:
			v.Pass = r.Lost() <= maxLoss
			v.Reason = fmt.Sprintf("%d/%d replies, %d lost (max %d)", r.Received, r.Sent, r.Lost(), maxLoss)
		}
		out = append(out, v)
	}
	return out
}

// Passed reports whether every verdict passed. No verdicts is a failure.
func Passed(verdicts []Verdict) bool {
	if len(verdicts) == 0 {
		return false
	}
	for _, v := range verdicts {
		if !v.Pass {
			return false
		}
	}
	return true
}
