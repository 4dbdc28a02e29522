package metrics

import (
	"time"

	"github.com/ethereum-optimism/infra/op-synthetics/reporting"
	"github.com/ethereum-optimism/infra/op-synthetics/runner"
	"github.com/ethereum-optimism/infra/op-synthetics/tunnel"
	"github.com/ethereum-optimism/infra/op-synthetics/types"
)

var (
	_ runner.Metrics             = Recorder{}
	_ tunnel.Metrics             = Recorder{}
	_ reporting.Reporter         = Reporter{}
	_ reporting.ProgressReporter = Reporter{}
)

// Recorder exposes the package level collectors to the runner and the tunnel
type Recorder struct{}

func (Recorder) RecordPoll(err error)                           { RecordPoll(err) }
func (Recorder) RecordCriticalError(code types.ErrorCode)       { RecordCriticalError(code) }
func (Recorder) RecordRun(state string, duration time.Duration) { RecordRun(state, duration) }
func (Recorder) RecordTunnelRequest(outcome string)             { RecordTunnelRequest(outcome) }

// Reporter turns run events into metrics
type Reporter struct{}

func (Reporter) TestsTriggered(info reporting.TriggerInfo) error {
	RecordTestsPending(len(info.Tests))
	return nil
}

func (Reporter) ResultReceived(result types.Result, _, _ string) error {
	RecordResult(result.Test.Type, result.ExecutionRule, result.Outcome)
	return nil
}

func (Reporter) RunEnded(summary types.Summary, _ string) error {
	RecordBatch(summary)
	RecordTestsPending(0)
	return nil
}

func (Reporter) TestsWaiting(pending int, _ time.Duration) {
	RecordTestsPending(pending)
}
