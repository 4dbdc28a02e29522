// Package exitcodes defines the exit codes used by op-synthetics and the policy deciding them.
package exitcodes

import "github.com/ethereum-optimism/infra/op-synthetics/types"

// Exit code constants used by op-synthetics
//
// * Success (0): the run is acceptable for CI
// * Failure (1): a blocking failure or a flag-gated condition failed the run
const (
	Success = 0
	Failure = 1
)

// Flags are the CI policy switches consulted by Decide
type Flags struct {
	FailOnCriticalErrors bool
	FailOnMissingTests   bool
	FailOnTimeout        bool
}

// Decide maps a finished run's summary to the process exit code.
// It only reads the summary and never performs I/O.
func Decide(summary types.Summary, flags Flags) int {
	if summary.CriticalErrors > 0 && flags.FailOnCriticalErrors {
		return Failure
	}
	if summary.TestsNotFound != nil && summary.TestsNotFound.Cardinality() > 0 && flags.FailOnMissingTests {
		return Failure
	}
	if summary.Failed > 0 {
		return Failure
	}
	if summary.TimedOut > 0 && flags.FailOnTimeout {
		return Failure
	}
	return Success
}
