package types

import (
	"errors"
	"fmt"
)

// ErrorCode names a CI-level error condition
type ErrorCode string

const (
	ErrAuthorization           ErrorCode = "AUTHORIZATION_ERROR"
	ErrMissingAPIKey           ErrorCode = "MISSING_API_KEY"
	ErrMissingAppKey           ErrorCode = "MISSING_APP_KEY"
	ErrMissingTests            ErrorCode = "MISSING_TESTS"
	ErrNoTestsToRun            ErrorCode = "NO_TESTS_TO_RUN"
	ErrTooManyTestsToTrigger   ErrorCode = "TOO_MANY_TESTS_TO_TRIGGER"
	ErrTriggerTestsFailed      ErrorCode = "TRIGGER_TESTS_FAILED"
	ErrUnavailableTestConfig   ErrorCode = "UNAVAILABLE_TEST_CONFIG"
	ErrUnavailableTunnelConfig ErrorCode = "UNAVAILABLE_TUNNEL_CONFIG"
	ErrTunnelStartFailed       ErrorCode = "TUNNEL_START_FAILED"
	ErrTunnelNotSupported      ErrorCode = "TUNNEL_NOT_SUPPORTED"
	ErrPollResultsFailed       ErrorCode = "POLL_RESULTS_FAILED"
	ErrBatchTimeoutRunaway     ErrorCode = "BATCH_TIMEOUT_RUNAWAY"
	ErrTooManyRequests         ErrorCode = "TOO_MANY_REQUESTS"
)

var errorHints = map[ErrorCode]string{
	ErrAuthorization:           "check that the API and application keys are valid and allowed to run synthetic tests",
	ErrMissingAPIKey:           "set --api-key or OP_SYNTHETICS_API_KEY",
	ErrMissingAppKey:           "set --app-key or OP_SYNTHETICS_APP_KEY",
	ErrMissingTests:            "check the test ids in your trigger configuration, or disable --fail-on-missing-tests",
	ErrNoTestsToRun:            "every requested test was skipped, missing or unauthorized",
	ErrTooManyTestsToTrigger:   "split the run or raise --max-tests-to-trigger",
	ErrTriggerTestsFailed:      "the backend rejected the trigger request; retry later",
	ErrUnavailableTestConfig:   "the test definitions could not be fetched; retry later",
	ErrUnavailableTunnelConfig: "the tunnel endpoint could not be requested; retry later or run without --tunnel",
	ErrTunnelStartFailed:       "the tunnel could not connect; check outbound websocket access from this machine",
	ErrTunnelNotSupported:      "remove the unsupported tests from the run or disable --tunnel",
	ErrPollResultsFailed:       "no result could be fetched before the batch timeout; check backend availability",
	ErrBatchTimeoutRunaway:     "the batch never reported any result; raise --batch-timeout or check backend status",
	ErrTooManyRequests:         "the backend is rate limiting this key; retry later",
}

// CIError is a CI-level error. Critical errors abort the run; non-critical ones are recorded
// and only fail the run when the corresponding flag asks for it.
type CIError struct {
	Code     ErrorCode
	Critical bool
	Err      error
}

// NewCriticalError creates a critical CIError
func NewCriticalError(code ErrorCode, err error) *CIError {
	return &CIError{Code: code, Critical: true, Err: err}
}

// NewCIError creates a non-critical CIError
func NewCIError(code ErrorCode, err error) *CIError {
	return &CIError{Code: code, Err: err}
}

func (e *CIError) Error() string {
	if e.Err == nil {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

// Unwrap implements the errors.Unwrap interface
func (e *CIError) Unwrap() error {
	return e.Err
}

// Hint returns the remediation hint for the error code
func (e *CIError) Hint() string {
	return errorHints[e.Code]
}

// AsCIError returns the CIError wrapped by err, if any
func AsCIError(err error) (*CIError, bool) {
	var ciErr *CIError
	if err != nil && errors.As(err, &ciErr) {
		return ciErr, true
	}
	return nil, false
}

// IsCriticalError checks if the error is or wraps a critical CIError
func IsCriticalError(err error) bool {
	ciErr, ok := AsCIError(err)
	return ok && ciErr.Critical
}
