package reporting

import (
	"bytes"
	"encoding/xml"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethereum-optimism/infra/op-synthetics/types"
)

var (
	apiTest = types.TestDefinition{
		PublicID: "abc-def-ghi",
		Name:     "Health check",
		Type:     types.TestTypeAPI,
		Suite:    "backend",
		Tags:     []string{"team:infra", "env:prod"},
	}
	browserTest = types.TestDefinition{
		PublicID: "jkl-mno-pqr",
		Name:     "Login flow",
		Type:     types.TestTypeBrowser,
	}
)

type recordingReporter struct {
	events  []string
	results []types.Result
	summary types.Summary
	err     error
}

func (r *recordingReporter) TestsTriggered(info TriggerInfo) error {
	r.events = append(r.events, "triggered:"+info.BatchID)
	return r.err
}

func (r *recordingReporter) ResultReceived(result types.Result, _, _ string) error {
	r.events = append(r.events, "result:"+result.ResultID)
	r.results = append(r.results, result)
	return r.err
}

func (r *recordingReporter) RunEnded(summary types.Summary, _ string) error {
	r.events = append(r.events, "ended")
	r.summary = summary
	return r.err
}

type panickingReporter struct{}

func (panickingReporter) TestsTriggered(TriggerInfo) error                  { panic("boom") }
func (panickingReporter) ResultReceived(types.Result, string, string) error { panic("boom") }
func (panickingReporter) RunEnded(types.Summary, string) error              { panic("boom") }

type waitingReporter struct {
	recordingReporter
	pending []int
	errs    []error
}

func (w *waitingReporter) TestsWaiting(pending int, _ time.Duration) {
	w.pending = append(w.pending, pending)
}

func (w *waitingReporter) Error(err error) {
	w.errs = append(w.errs, err)
}

func testLogger() log.Logger {
	return log.NewLogger(log.DiscardHandler())
}

func TestURLs(t *testing.T) {
	assert.Equal(t, "https://app.example.com/synthetics/explorer/ci?batchResultId=b+1",
		BatchURL("https://app.example.com/", "b 1"))
	assert.Empty(t, BatchURL("", "b1"))
	assert.Empty(t, BatchURL("https://app.example.com", ""))

	result := types.Result{Test: apiTest, ResultID: "r1"}
	assert.Equal(t, "https://app.example.com/synthetics/details/abc-def-ghi/result/r1",
		ResultURL("https://app.example.com", result))
	assert.Empty(t, ResultURL("https://app.example.com", types.Result{Test: apiTest}))
}

func TestDispatcher_NotifiesInOrder(t *testing.T) {
	first := &recordingReporter{}
	second := &recordingReporter{}
	d := NewDispatcher(testLogger(), first)
	d.Register(second)
	require.Equal(t, 2, d.Len())

	require.NoError(t, d.TestsTriggered(TriggerInfo{BatchID: "b1"}))
	require.NoError(t, d.ResultReceived(types.Result{Test: apiTest, ResultID: "r1"}, "", "b1"))
	require.NoError(t, d.RunEnded(*types.NewSummary(), ""))

	want := []string{"triggered:b1", "result:r1", "ended"}
	assert.Equal(t, want, first.events)
	assert.Equal(t, want, second.events)
}

func TestDispatcher_FailingReporterDoesNotBlockOthers(t *testing.T) {
	failing := &recordingReporter{err: errors.New("disk full")}
	healthy := &recordingReporter{}
	d := NewDispatcher(testLogger(), failing, panickingReporter{}, healthy)

	err := d.TestsTriggered(TriggerInfo{BatchID: "b1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Contains(t, err.Error(), "boom")

	err = d.RunEnded(*types.NewSummary(), "")
	require.Error(t, err)
	assert.Equal(t, []string{"triggered:b1", "ended"}, healthy.events)
}

func TestDispatcher_DropsNonFinalResults(t *testing.T) {
	rec := &recordingReporter{}
	d := NewDispatcher(testLogger(), rec)

	require.NoError(t, d.ResultReceived(types.Result{Test: apiTest, ResultID: "attempt", IsNonFinal: true}, "", "b1"))
	require.NoError(t, d.ResultReceived(types.Result{Test: apiTest, ResultID: "final"}, "", "b1"))

	require.Len(t, rec.results, 1)
	assert.Equal(t, "final", rec.results[0].ResultID)
}

func TestDispatcher_SummaryIsCopiedPerReporter(t *testing.T) {
	first := &recordingReporter{}
	second := &recordingReporter{}
	d := NewDispatcher(testLogger(), first, second)

	summary := types.NewSummary()
	summary.TestsNotFound.Add("missing")
	require.NoError(t, d.RunEnded(*summary, ""))

	first.summary.TestsNotFound.Add("mutated")
	assert.Equal(t, 1, second.summary.TestsNotFound.Cardinality())
	assert.Equal(t, 1, summary.TestsNotFound.Cardinality())
}

func TestDispatcher_OptionalCapabilities(t *testing.T) {
	plain := &recordingReporter{}
	w := &waitingReporter{}
	d := NewDispatcher(testLogger(), plain, w)

	d.TestsWaiting(3, time.Second)
	d.Error(types.NewCriticalError(types.ErrTriggerTestsFailed, errors.New("500")))

	assert.Equal(t, []int{3}, w.pending)
	require.Len(t, w.errs, 1)
	assert.Empty(t, plain.events)
}

func TestConsoleReporter(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsoleReporter(&buf)

	require.NoError(t, c.TestsTriggered(TriggerInfo{
		BatchID:   "b1",
		BatchURL:  "https://app.example.com/synthetics/explorer/ci?batchResultId=b1",
		Tests:     []types.TestDefinition{apiTest, browserTest},
		Locations: []types.Location{{ID: "aws:eu-central-1", DisplayName: "Frankfurt (AWS)"}},
	}))
	c.TestsWaiting(2, 5*time.Second)
	c.TestsWaiting(2, 10*time.Second)

	require.NoError(t, c.ResultReceived(types.Result{
		Test:     apiTest,
		ResultID: "r1",
		Outcome:  types.OutcomePassed,
		Passed:   true,
		Duration: 1500 * time.Millisecond,
		Location: "Frankfurt (AWS)",
	}, "https://app.example.com", "b1"))
	require.NoError(t, c.ResultReceived(types.Result{
		Test:          browserTest,
		Outcome:       types.OutcomeTimedOut,
		TimedOut:      true,
		FailureReason: "batch timed out before receiving the result",
	}, "https://app.example.com", "b1"))

	summary := types.NewSummary()
	summary.BatchID = "b1"
	summary.Passed = 1
	summary.TimedOut = 1
	summary.TestsNotFound.Add("zzz")
	require.NoError(t, c.RunEnded(*summary, "https://app.example.com"))

	out := buf.String()
	assert.Contains(t, out, "Triggered 2 tests in batch b1")
	assert.Contains(t, out, "Frankfurt (AWS)")
	assert.Equal(t, 1, strings.Count(out, "Waiting for 2 test results"))
	assert.Contains(t, out, "✓ pass Health check [Frankfurt (AWS)] (1.5s)")
	assert.Contains(t, out, "https://app.example.com/synthetics/details/abc-def-ghi/result/r1")
	assert.Contains(t, out, "⏱ timeout Login flow: batch timed out before receiving the result")
	assert.Contains(t, out, "Synthetic Test Results (batch b1)")
	assert.Contains(t, out, "Tests not found: zzz")
	assert.Contains(t, out, "View results:")
}

func TestConsoleReporter_ErrorHint(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsoleReporter(&buf)

	c.Error(types.NewCriticalError(types.ErrMissingAPIKey, errors.New("no api key")))
	c.Error(errors.New("plain failure"))

	out := buf.String()
	assert.Contains(t, out, "✗ MISSING_API_KEY: no api key")
	assert.Contains(t, out, "hint: ")
	assert.Contains(t, out, "✗ plain failure")
}

func TestStepCounts(t *testing.T) {
	var c stepCounts
	c.add([]types.Step{
		{Name: "open", Status: types.StepStatusPassed},
		{Name: "click", Status: types.StepStatusFailed, AllowFailure: true},
		{Name: "group", Status: types.StepStatusFailed, SubSteps: []types.Step{
			{Name: "type", Status: types.StepStatusPassed},
			{Name: "assert", Status: types.StepStatusFailed},
			{Name: "wait", Status: types.StepStatusSkipped},
		}},
	})

	assert.Equal(t, stepCounts{total: 6, passed: 2, failed: 2, skipped: 1, allowedFailures: 1}, c)
}

func TestJUnitReporter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reports", "junit.xml")
	j := NewJUnitReporter(testLogger(), path, "")

	require.NoError(t, j.TestsTriggered(TriggerInfo{BatchID: "b1", BatchURL: "https://app.example.com/batch"}))
	require.NoError(t, j.ResultReceived(types.Result{
		Test:          apiTest,
		ResultID:      "r1",
		ExecutionRule: types.ExecutionRuleBlocking,
		Outcome:       types.OutcomeFailed,
		Duration:      2 * time.Second,
		Location:      "aws:eu-central-1",
		Retries:       1,
		MaxRetries:    1,
		FailureReason: "\x1b[31massertion failed\x1b[0m",
		Steps: []types.Step{
			{Name: "status is 200", Status: types.StepStatusFailed, Error: "\x1b[1mgot 503\x1b[0m"},
		},
		SelectiveRerun: &types.SelectiveRerun{Decision: "run", Reason: "failed"},
	}, "https://app.example.com", "b1"))
	require.NoError(t, j.ResultReceived(types.Result{
		Test:          browserTest,
		Outcome:       types.OutcomeTimedOut,
		TimedOut:      true,
		Device:        &types.Device{ID: "chrome.laptop_large", Name: "Laptop Large"},
		FailureReason: "batch timed out before receiving the result",
	}, "https://app.example.com", "b1"))
	require.NoError(t, j.ResultReceived(types.Result{
		Test:          browserTest,
		ResultID:      "old",
		Outcome:       types.OutcomeSkipped,
		FailureReason: "skipped by selective rerun",
	}, "https://app.example.com", "b1"))

	summary := types.NewSummary()
	summary.BatchID = "b1"
	summary.Failed = 1
	summary.TimedOut = 1
	summary.Skipped = 1
	summary.TestsNotAuthorized.Add("forbidden")
	require.NoError(t, j.RunEnded(*summary, "https://app.example.com"))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	content := string(raw)
	assert.True(t, strings.HasPrefix(content, xml.Header))
	assert.NotContains(t, content, "\x1b")

	var doc junitTestSuites
	require.NoError(t, xml.Unmarshal(raw, &doc))
	assert.Equal(t, DefaultJUnitRunName, doc.Name)
	assert.Equal(t, "b1", doc.BatchID)
	assert.Equal(t, "https://app.example.com/batch", doc.BatchURL)
	assert.Equal(t, 1, doc.TestsFailed)
	assert.Equal(t, 1, doc.TestsTimedOut)
	assert.Equal(t, 1, doc.TestsNotAuthorized)
	require.Len(t, doc.Suites, 2)

	backend := doc.Suites[0]
	assert.Equal(t, "backend", backend.Name)
	assert.Equal(t, 1, backend.Failures)
	assert.Equal(t, "2.000", backend.Time)
	require.Len(t, backend.TestCases, 1)
	tc := backend.TestCases[0]
	require.NotNil(t, tc.Failure)
	assert.Equal(t, "failed", tc.Failure.Message)
	assert.Equal(t, "assertion failed\n- status is 200: got 503", tc.Failure.Text)
	assert.Equal(t, 1, tc.StepsFailed)
	assert.Contains(t, tc.Properties, junitProperty{Name: "public_id", Value: "abc-def-ghi"})
	assert.Contains(t, tc.Properties, junitProperty{Name: "tag", Value: "team:infra"})
	assert.Contains(t, tc.Properties, junitProperty{Name: "selective_rerun_decision", Value: "run"})
	assert.Contains(t, tc.Properties, junitProperty{Name: "result_url", Value: "https://app.example.com/synthetics/details/abc-def-ghi/result/r1"})

	undefined := doc.Suites[1]
	assert.Equal(t, defaultSuiteName, undefined.Name)
	require.Len(t, undefined.TestCases, 2)
	timedOut := undefined.TestCases[0]
	assert.Equal(t, "Login flow - Laptop Large", timedOut.Name)
	require.NotNil(t, timedOut.Failure)
	assert.Equal(t, "timed out", timedOut.Failure.Message)
	assert.Equal(t, string(types.OutcomeTimedOut), timedOut.Failure.Type)
	assert.NotNil(t, undefined.TestCases[1].Skipped)
	assert.Equal(t, 1, undefined.Skipped)
}
