package metrics

import (
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethereum-optimism/infra/op-synthetics/reporting"
	"github.com/ethereum-optimism/infra/op-synthetics/types"
)

func TestErrToLabel(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{
			name: "nil error",
			err:  nil,
		},
		{
			name: "simple error",
			err:  errors.New("test error"),
		},
		{
			name: "error with special chars",
			err:  errors.New("test@error#123"),
		},
		{
			name: "error with multiple spaces",
			err:  errors.New("test   error"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := errToLabel(tt.err)
			validLabelRegex := regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)
			assert.Regexp(t, validLabelRegex, result)
		})
	}
}

func TestRecordPoll(t *testing.T) {
	okBefore := testutil.ToFloat64(pollsTotal.WithLabelValues("ok"))
	errBefore := testutil.ToFloat64(pollsTotal.WithLabelValues("error"))

	Recorder{}.RecordPoll(nil)
	Recorder{}.RecordPoll(errors.New("connection reset"))

	assert.Equal(t, okBefore+1, testutil.ToFloat64(pollsTotal.WithLabelValues("ok")))
	assert.Equal(t, errBefore+1, testutil.ToFloat64(pollsTotal.WithLabelValues("error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(errorsTotal.WithLabelValues("poll.connection_reset")))
}

func TestRecorder(t *testing.T) {
	r := Recorder{}
	r.RecordCriticalError(types.ErrTunnelStartFailed)
	r.RecordRun("finalized", 3*time.Second)
	r.RecordTunnelRequest("ok")

	assert.Equal(t, 1.0, testutil.ToFloat64(criticalErrorsTotal.WithLabelValues(string(types.ErrTunnelStartFailed))))
	assert.Equal(t, 3.0, testutil.ToFloat64(runDuration.WithLabelValues("finalized")))
	assert.GreaterOrEqual(t, testutil.ToFloat64(tunnelRequestsTotal.WithLabelValues("ok")), 1.0)
}

func TestReporter(t *testing.T) {
	r := Reporter{}
	test := types.TestDefinition{PublicID: "abc", Type: types.TestTypeAPI}

	require.NoError(t, r.TestsTriggered(reporting.TriggerInfo{Tests: []types.TestDefinition{test, test}}))
	assert.Equal(t, 2.0, testutil.ToFloat64(testsPending))

	r.TestsWaiting(1, time.Second)
	assert.Equal(t, 1.0, testutil.ToFloat64(testsPending))

	before := testutil.ToFloat64(resultsTotal.WithLabelValues("api", "blocking", "failed"))
	require.NoError(t, r.ResultReceived(types.Result{
		Test:          test,
		ExecutionRule: types.ExecutionRuleBlocking,
		Outcome:       types.OutcomeFailed,
	}, "", ""))
	assert.Equal(t, before+1, testutil.ToFloat64(resultsTotal.WithLabelValues("api", "blocking", "failed")))

	summary := types.NewSummary()
	summary.Passed = 4
	summary.TimedOut = 2
	require.NoError(t, r.RunEnded(*summary, ""))
	assert.Equal(t, 4.0, testutil.ToFloat64(batchResults.WithLabelValues("passed")))
	assert.Equal(t, 2.0, testutil.ToFloat64(batchResults.WithLabelValues("timed_out")))
	assert.Zero(t, testutil.ToFloat64(testsPending))
}
