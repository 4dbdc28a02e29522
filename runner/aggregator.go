package runner

import (
	"fmt"
	"slices"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ethereum/go-ethereum/log"

	"github.com/ethereum-optimism/infra/op-synthetics/api"
	"github.com/ethereum-optimism/infra/op-synthetics/types"
)

const (
	reasonBatchTimeout   = "batch timed out before receiving the result"
	reasonRunCancelled   = "run cancelled before receiving the result"
	reasonBatchNoResult  = "batch finished without a result for this test"
	reasonSkippedByRule  = "execution rule is skipped"
	reasonSkippedByRerun = "skipped by selective rerun"
)

// resultSink receives every Result built by the aggregator
type resultSink interface {
	ResultReceived(result types.Result, baseURL, batchID string) error
}

// aggregator turns terminal batch entries into Results and owns the run Summary.
// It is only used from the poll loop and is not safe for concurrent use.
type aggregator struct {
	log     log.Logger
	sink    resultSink
	baseURL string

	tests   map[string]resolvedTest
	summary *types.Summary
	results []types.Result

	finalized    mapset.Set[types.EntryKey]
	nonFinalSeen mapset.Set[string]
	testsSeen    mapset.Set[string]
}

func newAggregator(logger log.Logger, sink resultSink, baseURL string, summary *types.Summary) *aggregator {
	return &aggregator{
		log:          logger,
		sink:         sink,
		baseURL:      baseURL,
		tests:        make(map[string]resolvedTest),
		summary:      summary,
		finalized:    mapset.NewThreadUnsafeSet[types.EntryKey](),
		nonFinalSeen: mapset.NewThreadUnsafeSet[string](),
		testsSeen:    mapset.NewThreadUnsafeSet[string](),
	}
}

// track registers a triggered test so entries can be joined back to it
func (a *aggregator) track(t resolvedTest) {
	a.tests[t.Definition.PublicID] = t
}

// isFinalized reports whether a Result was already produced for the key
func (a *aggregator) isFinalized(key types.EntryKey) bool {
	return a.finalized.Contains(key)
}

// settles reports whether a Result already covers the pending slot at key. An unset device on
// either side matches any device of the same test and location.
func (a *aggregator) settles(key types.EntryKey) bool {
	if a.finalized.Contains(key) {
		return true
	}
	covered := false
	a.finalized.Each(func(k types.EntryKey) bool {
		covered = k.TestID == key.TestID && k.Location == key.Location && (k.Device == "" || key.Device == "")
		return covered
	})
	return covered
}

// lookup joins an entry to its triggered test. Entries for tests that were never triggered are ignored.
func (a *aggregator) lookup(entry types.BatchEntry) (resolvedTest, bool) {
	testID := entry.Key().TestID
	t, ok := a.tests[testID]
	if !ok {
		a.log.Warn("Ignoring batch entry for a test that was not triggered", "test_id", testID, "kind", entry.Kind())
		return resolvedTest{}, false
	}
	a.testsSeen.Add(testID)
	return t, true
}

// finalize records a finalized entry. It returns false when the entry's key was already counted.
func (a *aggregator) finalize(e *types.FinalizedEntry, detail *api.ResultDetail) bool {
	key := e.Key()
	if a.finalized.Contains(key) {
		return false
	}
	t, ok := a.lookup(e)
	if !ok {
		return false
	}

	rule := types.ResolveExecutionRule(t.Rule, e.ExecutionRule)
	passed := e.Status == types.EntryStatusPassed && !e.TimedOut
	result := types.Result{
		Test:           t.Definition,
		ResultID:       e.ResultID,
		ExecutionRule:  rule,
		Outcome:        classify(rule, passed, e.TimedOut),
		Passed:         passed,
		TimedOut:       e.TimedOut,
		Device:         e.Device,
		Location:       e.Location,
		Retries:        e.Retries,
		MaxRetries:     e.MaxRetries,
		FailureReason:  e.FailureReason,
		SelectiveRerun: e.SelectiveRerun,
	}
	if detail != nil {
		result.Duration = detail.Duration
		result.Steps = detail.Steps
	}
	a.finalized.Add(key)
	a.record(result)
	return true
}

// skip records an entry skipped by selective rerun, keeping the linked result for audit
func (a *aggregator) skip(e *types.SkippedEntry) bool {
	key := e.Key()
	if a.finalized.Contains(key) {
		return false
	}
	t, ok := a.lookup(e)
	if !ok {
		return false
	}
	a.finalized.Add(key)
	a.record(types.Result{
		Test:          t.Definition,
		ResultID:      e.LinkedResultID,
		ExecutionRule: t.Rule,
		Outcome:       types.OutcomeSkipped,
		Passed:        true,
		FailureReason: skipReason(e),
		SelectiveRerun: &types.SelectiveRerun{
			Decision:       "skip",
			Reason:         e.Reason,
			LinkedResultID: e.LinkedResultID,
		},
	})
	return true
}

// skipByRule records a test that was never triggered because its execution rule is skipped
func (a *aggregator) skipByRule(t resolvedTest) {
	key := types.EntryKey{TestID: t.Definition.PublicID}
	if a.finalized.Contains(key) {
		return
	}
	a.finalized.Add(key)
	a.record(types.Result{
		Test:          t.Definition,
		ExecutionRule: types.ExecutionRuleSkipped,
		Outcome:       types.OutcomeSkipped,
		Passed:        true,
		FailureReason: reasonSkippedByRule,
	})
}

// nonFinal surfaces a failed attempt that the provider will retry. Each attempt is surfaced
// once and never counted.
func (a *aggregator) nonFinal(e *types.PendingEntry) {
	if e.LastStatus != types.EntryStatusFailed || e.ResultID == "" || a.nonFinalSeen.Contains(e.ResultID) {
		return
	}
	t, ok := a.lookup(e)
	if !ok {
		return
	}
	a.nonFinalSeen.Add(e.ResultID)
	a.log.Info("Test attempt failed, waiting for retry", "test", t.Definition.DisplayName(),
		"result_id", e.ResultID, "retries", e.Retries, "max_retries", e.MaxRetries)
	result := types.Result{
		Test:          t.Definition,
		ResultID:      e.ResultID,
		ExecutionRule: types.ResolveExecutionRule(t.Rule, e.ExecutionRule),
		Outcome:       types.OutcomeFailed,
		Device:        e.Device,
		Location:      e.Location,
		Retries:       e.Retries,
		MaxRetries:    e.MaxRetries,
		IsNonFinal:    true,
	}
	if err := a.sink.ResultReceived(result, a.baseURL, a.summary.BatchID); err != nil {
		a.log.Debug("Reporter failed on non-final result", "err", err)
	}
}

// timeOut force-finalizes a pending entry when the batch deadline passes
func (a *aggregator) timeOut(e *types.PendingEntry, reason string) {
	a.finalize(e.TimedOut(reason), nil)
}

// timeOutMissing synthesizes a timed out result for a test that never produced any entry
func (a *aggregator) timeOutMissing(testID, location, reason string) {
	e := &types.PendingEntry{TestID: testID, Location: location}
	a.finalize(e.TimedOut(reason), nil)
}

// missingTests returns the ids of triggered tests without any entry so far
func (a *aggregator) missingTests() []string {
	var missing []string
	for id := range a.tests {
		if !a.testsSeen.Contains(id) {
			missing = append(missing, id)
		}
	}
	slices.Sort(missing)
	return missing
}

func (a *aggregator) record(result types.Result) {
	a.summary.Add(result.Outcome)
	a.results = append(a.results, result)

	a.log.Info("Test result", "test", result.Test.DisplayName(), "outcome", result.Outcome,
		"location", result.Location, "device", deviceName(result.Device), "result_id", result.ResultID)
	if err := a.sink.ResultReceived(result, a.baseURL, a.summary.BatchID); err != nil {
		a.log.Debug("Reporter failed on result", "err", err)
	}
}

// classify maps a terminal result onto exactly one outcome. Order matters: a skipped rule wins
// over everything and a timeout is recorded regardless of the rule.
func classify(rule types.ExecutionRule, passed, timedOut bool) types.Outcome {
	switch {
	case rule == types.ExecutionRuleSkipped:
		return types.OutcomeSkipped
	case timedOut:
		return types.OutcomeTimedOut
	case !passed && rule == types.ExecutionRuleNonBlocking:
		return types.OutcomeFailedNonBlocking
	case !passed:
		return types.OutcomeFailed
	default:
		return types.OutcomePassed
	}
}

func skipReason(e *types.SkippedEntry) string {
	if e.Reason == "" {
		return reasonSkippedByRerun
	}
	return fmt.Sprintf("%s: %s", reasonSkippedByRerun, e.Reason)
}

func deviceName(d *types.Device) string {
	if d == nil {
		return ""
	}
	if d.Name != "" {
		return d.Name
	}
	return d.ID
}
