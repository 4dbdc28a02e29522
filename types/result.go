package types

import (
	"time"

	mapset "github.com/deckarep/golang-set/v2"
)

// StepStatus is the outcome of a single step inside a result
type StepStatus string

const (
	StepStatusPassed  StepStatus = "passed"
	StepStatusFailed  StepStatus = "failed"
	StepStatusSkipped StepStatus = "skipped"
)

// Step is a step record of a browser/mobile result or a sub-test of a multistep API result
type Step struct {
	Name         string        `json:"name"`
	Status       StepStatus    `json:"status"`
	AllowFailure bool          `json:"allow_failure,omitempty"`
	Error        string        `json:"error,omitempty"`
	Duration     time.Duration `json:"-"`
	SubSteps     []Step        `json:"sub_steps,omitempty"`
}

// Outcome is the classification of a result, each maps to one Summary counter
type Outcome string

const (
	OutcomePassed            Outcome = "passed"
	OutcomeFailed            Outcome = "failed"
	OutcomeFailedNonBlocking Outcome = "failed_non_blocking"
	OutcomeSkipped           Outcome = "skipped"
	OutcomeTimedOut          Outcome = "timed_out"
)

// Result is the client-side terminal record of a batch entry. It is built once and never mutated.
type Result struct {
	Test           TestDefinition
	ResultID       string
	ExecutionRule  ExecutionRule
	Outcome        Outcome
	Passed         bool
	TimedOut       bool
	Device         *Device
	Location       string
	Retries        int
	MaxRetries     int
	FailureReason  string
	Duration       time.Duration
	Steps          []Step
	SelectiveRerun *SelectiveRerun
	IsNonFinal     bool
}

// Summary accumulates the dispositions of a run
type Summary struct {
	BatchID            string
	Expected           int
	Passed             int
	Failed             int
	FailedNonBlocking  int
	Skipped            int
	TimedOut           int
	CriticalErrors     int
	TestsNotFound      mapset.Set[string]
	TestsNotAuthorized mapset.Set[string]
}

// NewSummary returns an empty summary with initialized id sets
func NewSummary() *Summary {
	return &Summary{
		TestsNotFound:      mapset.NewThreadUnsafeSet[string](),
		TestsNotAuthorized: mapset.NewThreadUnsafeSet[string](),
	}
}

// Clone returns a deep copy safe to hand out to reporters
func (s *Summary) Clone() Summary {
	c := *s
	c.TestsNotFound = s.TestsNotFound.Clone()
	c.TestsNotAuthorized = s.TestsNotAuthorized.Clone()
	return c
}

// Count returns how many results were counted in any outcome counter
func (s *Summary) Count() int {
	return s.Passed + s.Failed + s.FailedNonBlocking + s.Skipped + s.TimedOut
}

// Add increments the counter matching the outcome
func (s *Summary) Add(outcome Outcome) {
	switch outcome {
	case OutcomePassed:
		s.Passed++
	case OutcomeFailed:
		s.Failed++
	case OutcomeFailedNonBlocking:
		s.FailedNonBlocking++
	case OutcomeSkipped:
		s.Skipped++
	case OutcomeTimedOut:
		s.TimedOut++
	}
}
