package synthetics

import (
	"errors"
	"fmt"

	"github.com/ethereum-optimism/infra/op-synthetics/exitcodes"
)

// RunFailedError is returned when a run-once invocation must fail CI. It carries the exit code
// so that the cli exit handler can honour it.
type RunFailedError struct {
	Code    int
	Message string
}

func (e *RunFailedError) Error() string {
	return fmt.Sprintf("run failed: %s", e.Message)
}

// ExitCode implements cli.ExitCoder
func (e *RunFailedError) ExitCode() int {
	return e.Code
}

// NewRunFailedError creates a new RunFailedError with the failure exit code
func NewRunFailedError(message string) *RunFailedError {
	return &RunFailedError{Code: exitcodes.Failure, Message: message}
}

// IsRunFailedError checks if the error is or wraps a RunFailedError
func IsRunFailedError(err error) bool {
	var runErr *RunFailedError
	return err != nil && errors.As(err, &runErr)
}

// ConfigError represents an invalid invocation, such as a malformed trigger-config file
type ConfigError struct {
	Err error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("configuration error: %v", e.Err)
}

// Unwrap implements the errors.Unwrap interface
func (e *ConfigError) Unwrap() error {
	return e.Err
}

// NewConfigError creates a new ConfigError
func NewConfigError(err error) *ConfigError {
	return &ConfigError{Err: err}
}

// IsConfigError checks if the error is or wraps a ConfigError
func IsConfigError(err error) bool {
	var cfgErr *ConfigError
	return err != nil && errors.As(err, &cfgErr)
}
