package exitcodes

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ethereum-optimism/infra/op-synthetics/types"
)

func summaryWith(mutate func(s *types.Summary)) types.Summary {
	s := types.NewSummary()
	mutate(s)
	return *s
}

func TestDecide(t *testing.T) {
	all := Flags{FailOnCriticalErrors: true, FailOnMissingTests: true, FailOnTimeout: true}
	none := Flags{}

	tests := []struct {
		name    string
		summary types.Summary
		flags   Flags
		want    int
	}{
		{
			name:    "all passed",
			summary: summaryWith(func(s *types.Summary) { s.Passed = 2 }),
			flags:   all,
			want:    Success,
		},
		{
			name:    "empty summary",
			summary: types.Summary{},
			flags:   all,
			want:    Success,
		},
		{
			name:    "critical error gated on",
			summary: summaryWith(func(s *types.Summary) { s.CriticalErrors = 1 }),
			flags:   all,
			want:    Failure,
		},
		{
			name:    "critical error gated off",
			summary: summaryWith(func(s *types.Summary) { s.CriticalErrors = 1 }),
			flags:   none,
			want:    Success,
		},
		{
			name:    "missing tests gated on",
			summary: summaryWith(func(s *types.Summary) { s.TestsNotFound.Add("abc-def-ghi") }),
			flags:   all,
			want:    Failure,
		},
		{
			name:    "missing tests gated off",
			summary: summaryWith(func(s *types.Summary) { s.TestsNotFound.Add("abc-def-ghi"); s.Passed = 1 }),
			flags:   none,
			want:    Success,
		},
		{
			name:    "unauthorized tests never fail on their own",
			summary: summaryWith(func(s *types.Summary) { s.TestsNotAuthorized.Add("abc-def-ghi") }),
			flags:   all,
			want:    Success,
		},
		{
			name:    "blocking failure always fails",
			summary: summaryWith(func(s *types.Summary) { s.Failed = 1 }),
			flags:   none,
			want:    Failure,
		},
		{
			name:    "non blocking failure never fails",
			summary: summaryWith(func(s *types.Summary) { s.FailedNonBlocking = 3 }),
			flags:   all,
			want:    Success,
		},
		{
			name:    "timeout gated on",
			summary: summaryWith(func(s *types.Summary) { s.Passed = 1; s.TimedOut = 1 }),
			flags:   Flags{FailOnTimeout: true},
			want:    Failure,
		},
		{
			name:    "timeout gated off",
			summary: summaryWith(func(s *types.Summary) { s.Passed = 1; s.TimedOut = 1 }),
			flags:   Flags{FailOnTimeout: false},
			want:    Success,
		},
		{
			name:    "skipped only",
			summary: summaryWith(func(s *types.Summary) { s.Skipped = 4 }),
			flags:   all,
			want:    Success,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Decide(tt.summary, tt.flags))
		})
	}
}
