package api

import (
	"fmt"
	"time"

	"github.com/ethereum-optimism/infra/op-synthetics/types"
)

const (
	statusInProgress = "in_progress"
	statusPassed     = "passed"
	statusFailed     = "failed"
	statusSkipped    = "skipped"

	selectiveRerunSkip = "skip"
)

type rawFailure struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type rawEntry struct {
	TestPublicID   string                `json:"test_public_id"`
	ResultID       string                `json:"result_id"`
	Status         string                `json:"status"`
	Location       string                `json:"location"`
	Device         *types.Device         `json:"device,omitempty"`
	Retries        int                   `json:"retries"`
	MaxRetries     int                   `json:"max_retries"`
	TimedOut       bool                  `json:"timed_out"`
	Failure        *rawFailure           `json:"failure,omitempty"`
	ExecutionRule  types.ExecutionRule   `json:"execution_rule,omitempty"`
	SelectiveRerun *types.SelectiveRerun `json:"selective_rerun,omitempty"`
}

// toEntry maps the wire representation onto exactly one BatchEntry variant.
// A failed attempt that the provider will still retry stays pending.
func (r rawEntry) toEntry() (types.BatchEntry, error) {
	if r.TestPublicID == "" {
		return nil, fmt.Errorf("entry is missing the test id")
	}

	pending := func(last types.EntryStatus) *types.PendingEntry {
		return &types.PendingEntry{
			TestID:        r.TestPublicID,
			ResultID:      r.ResultID,
			Location:      r.Location,
			Device:        r.Device,
			Retries:       r.Retries,
			MaxRetries:    r.MaxRetries,
			LastStatus:    last,
			ExecutionRule: r.ExecutionRule,
		}
	}
	finalized := func(status types.EntryStatus) *types.FinalizedEntry {
		e := &types.FinalizedEntry{
			TestID:         r.TestPublicID,
			ResultID:       r.ResultID,
			Location:       r.Location,
			Device:         r.Device,
			Status:         status,
			Retries:        r.Retries,
			MaxRetries:     r.MaxRetries,
			TimedOut:       r.TimedOut,
			ExecutionRule:  r.ExecutionRule,
			SelectiveRerun: r.SelectiveRerun,
		}
		if r.Failure != nil {
			e.FailureReason = r.Failure.Message
			if e.FailureReason == "" {
				e.FailureReason = r.Failure.Code
			}
		}
		return e
	}

	switch r.Status {
	case statusInProgress:
		return pending(""), nil
	case statusPassed:
		return finalized(types.EntryStatusPassed), nil
	case statusFailed:
		if r.Retries < r.MaxRetries && !r.TimedOut {
			return pending(types.EntryStatusFailed), nil
		}
		return finalized(types.EntryStatusFailed), nil
	case statusSkipped:
		if r.SelectiveRerun != nil && r.SelectiveRerun.Decision == selectiveRerunSkip {
			return &types.SkippedEntry{
				TestID:         r.TestPublicID,
				Reason:         r.SelectiveRerun.Reason,
				LinkedResultID: r.SelectiveRerun.LinkedResultID,
			}, nil
		}
		// skipped by execution rule on the server side
		e := finalized(types.EntryStatusPassed)
		e.ExecutionRule = types.ExecutionRuleSkipped
		return e, nil
	default:
		return nil, fmt.Errorf("unknown entry status %q", r.Status)
	}
}

type rawStep struct {
	Name         string    `json:"name"`
	Status       string    `json:"status"`
	AllowFailure bool      `json:"allow_failure"`
	Error        string    `json:"error"`
	DurationMS   float64   `json:"duration"`
	SubSteps     []rawStep `json:"sub_steps"`
}

func (s rawStep) toStep() types.Step {
	step := types.Step{
		Name:         s.Name,
		Status:       types.StepStatus(s.Status),
		AllowFailure: s.AllowFailure,
		Error:        s.Error,
		Duration:     msToDuration(s.DurationMS),
	}
	for _, sub := range s.SubSteps {
		step.SubSteps = append(step.SubSteps, sub.toStep())
	}
	return step
}

type rawResultDetail struct {
	ResultID   string    `json:"result_id"`
	DurationMS float64   `json:"duration"`
	Steps      []rawStep `json:"steps"`
}

func (r rawResultDetail) toDetail() ResultDetail {
	detail := ResultDetail{ResultID: r.ResultID, Duration: msToDuration(r.DurationMS)}
	for _, s := range r.Steps {
		detail.Steps = append(detail.Steps, s.toStep())
	}
	return detail
}

func msToDuration(ms float64) time.Duration {
	return time.Duration(ms * float64(time.Millisecond))
}
