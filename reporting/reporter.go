// Package reporting defines the reporter contract of a run and the reporters shipped with it.
package reporting

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/sourcegraph/conc/panics"

	"github.com/ethereum-optimism/infra/op-synthetics/types"
)

// TriggerInfo describes a batch that was just created
type TriggerInfo struct {
	RunID          string
	BatchID        string
	BatchURL       string
	Tests          []types.TestDefinition // tests submitted to the backend
	Skipped        []types.TestDefinition // tests not submitted because their execution rule is skipped
	Locations      []types.Location
	Tunnel         *types.TunnelInfo
	SelectiveRerun *bool
}

// Reporter is notified of the lifecycle events of a run
type Reporter interface {
	// TestsTriggered is called once after the batch was created
	TestsTriggered(info TriggerInfo) error
	// ResultReceived is called for every settled result
	ResultReceived(result types.Result, baseURL, batchID string) error
	// RunEnded is called exactly once, also for aborted runs
	RunEnded(summary types.Summary, baseURL string) error
}

// ErrorReporter is implemented by reporters that render critical errors
type ErrorReporter interface {
	Error(err error)
}

// ProgressReporter is implemented by reporters that render polling progress
type ProgressReporter interface {
	TestsWaiting(pending int, elapsed time.Duration)
}

// BatchURL returns the link to the batch in the web app
func BatchURL(baseURL, batchID string) string {
	if baseURL == "" || batchID == "" {
		return ""
	}
	return strings.TrimRight(baseURL, "/") + "/synthetics/explorer/ci?batchResultId=" + url.QueryEscape(batchID)
}

// ResultURL returns the link to a single result in the web app
func ResultURL(baseURL string, result types.Result) string {
	if baseURL == "" || result.ResultID == "" {
		return ""
	}
	return fmt.Sprintf("%s/synthetics/details/%s/result/%s",
		strings.TrimRight(baseURL, "/"), url.PathEscape(result.Test.PublicID), url.PathEscape(result.ResultID))
}

// Dispatcher fans events out to reporters in registration order. A reporter that fails or panics
// is logged and does not keep the others from being notified.
type Dispatcher struct {
	log       log.Logger
	reporters []Reporter
}

// NewDispatcher creates a dispatcher notifying the given reporters
func NewDispatcher(logger log.Logger, reporters ...Reporter) *Dispatcher {
	if logger == nil {
		logger = log.New()
		logger.Error("No logger provided, using default")
	}
	return &Dispatcher{log: logger, reporters: reporters}
}

// Register appends a reporter
func (d *Dispatcher) Register(r Reporter) {
	d.reporters = append(d.reporters, r)
}

// Len returns the number of registered reporters
func (d *Dispatcher) Len() int {
	return len(d.reporters)
}

// TestsTriggered notifies every reporter of the new batch
func (d *Dispatcher) TestsTriggered(info TriggerInfo) error {
	return d.each("TestsTriggered", func(r Reporter) error {
		return r.TestsTriggered(info)
	})
}

// ResultReceived notifies every reporter of a settled result. Non-final results are dropped here
// so that no reporter ever persists an attempt that a retry will replace.
func (d *Dispatcher) ResultReceived(result types.Result, baseURL, batchID string) error {
	if result.IsNonFinal {
		return nil
	}
	return d.each("ResultReceived", func(r Reporter) error {
		return r.ResultReceived(result, baseURL, batchID)
	})
}

// RunEnded notifies every reporter that the run is over
func (d *Dispatcher) RunEnded(summary types.Summary, baseURL string) error {
	return d.each("RunEnded", func(r Reporter) error {
		// every reporter gets its own copy of the id sets
		return r.RunEnded(summary.Clone(), baseURL)
	})
}

// Error forwards a critical error to the reporters that render errors
func (d *Dispatcher) Error(err error) {
	_ = d.each("Error", func(r Reporter) error {
		if er, ok := r.(ErrorReporter); ok {
			er.Error(err)
		}
		return nil
	})
}

// TestsWaiting forwards polling progress to the reporters that render it
func (d *Dispatcher) TestsWaiting(pending int, elapsed time.Duration) {
	_ = d.each("TestsWaiting", func(r Reporter) error {
		if pr, ok := r.(ProgressReporter); ok {
			pr.TestsWaiting(pending, elapsed)
		}
		return nil
	})
}

func (d *Dispatcher) each(event string, fn func(Reporter) error) error {
	var errs []error
	for _, r := range d.reporters {
		var err error
		var pc panics.Catcher
		pc.Try(func() { err = fn(r) })
		if recovered := pc.Recovered(); recovered != nil {
			err = recovered.AsError()
		}
		if err != nil {
			d.log.Warn("Reporter failed", "reporter", fmt.Sprintf("%T", r), "event", event, "err", err)
			errs = append(errs, fmt.Errorf("%T %s: %w", r, event, err))
		}
	}
	return errors.Join(errs...)
}
