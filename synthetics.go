package synthetics

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum-optimism/optimism/op-service/cliapp"

	"github.com/ethereum-optimism/infra/op-synthetics/api"
	"github.com/ethereum-optimism/infra/op-synthetics/exitcodes"
	"github.com/ethereum-optimism/infra/op-synthetics/metrics"
	"github.com/ethereum-optimism/infra/op-synthetics/registry"
	"github.com/ethereum-optimism/infra/op-synthetics/reporting"
	"github.com/ethereum-optimism/infra/op-synthetics/runner"
	"github.com/ethereum-optimism/infra/op-synthetics/tunnel"
	"github.com/ethereum-optimism/infra/op-synthetics/types"
)

// Synthetics implements the cliapp.Lifecycle interface.
var _ cliapp.Lifecycle = &Synthetics{}

// HealthSetter receives the health of the service after every run
type HealthSetter interface {
	SetHealthy(healthy bool)
}

// Synthetics triggers synthetic tests once, or periodically in monitoring mode.
type Synthetics struct {
	ctx      context.Context
	config   *Config
	version  string
	registry *registry.Registry
	client   *api.Client
	tunnel   *tunnel.Manager
	health   HealthSetter
	result   *runner.RunResult
	exitCode int

	running atomic.Bool
	done    chan struct{}
	wg      sync.WaitGroup

	shutdownCallback func(error) // Callback to signal application shutdown
}

func New(ctx context.Context, config *Config, version string, shutdownCallback func(error)) (*Synthetics, error) {
	if config == nil {
		return nil, errors.New("config is required")
	}
	if config.Log == nil {
		return nil, errors.New("logger is required")
	}

	config.Log.Debug("Creating synthetics with config",
		"apiURL", config.APIURL,
		"files", config.Files,
		"publicIDs", config.PublicIDs,
		"tunnel", config.Tunnel,
		"runInterval", config.RunInterval,
		"runOnce", config.RunOnce)

	reg, err := registry.NewRegistry(registry.Config{
		Log:       config.Log,
		Files:     config.Files,
		PublicIDs: config.PublicIDs,
		Defaults:  config.Defaults,
	})
	if err != nil {
		return nil, NewConfigError(fmt.Errorf("failed to create registry: %w", err))
	}

	client, err := api.NewClient(api.Config{
		APIURL:            config.APIURL,
		APIKey:            config.APIKey,
		AppKey:            config.AppKey,
		Log:               config.Log,
		RequestsPerSecond: config.RequestsPerSecond,
		UserAgent:         "op-synthetics/" + version,
	})
	if err != nil {
		return nil, NewConfigError(fmt.Errorf("failed to create api client: %w", err))
	}

	var manager *tunnel.Manager
	if config.Tunnel {
		manager, err = tunnel.NewManager(tunnel.Config{
			Log:              config.Log,
			Provider:         client,
			HandshakeTimeout: config.TunnelHandshakeTimeout,
			Metrics:          metrics.Recorder{},
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create tunnel manager: %w", err)
		}
	}

	return &Synthetics{
		ctx:              ctx,
		config:           config,
		version:          version,
		registry:         reg,
		client:           client,
		tunnel:           manager,
		health:           config.Health,
		done:             make(chan struct{}),
		shutdownCallback: shutdownCallback,
	}, nil
}

// Start runs the tests once, then periodically at the configured interval unless in run-once mode.
// Start implements the cliapp.Lifecycle interface.
func (s *Synthetics) Start(ctx context.Context) error {
	s.ctx = ctx
	s.done = make(chan struct{})
	s.running.Store(true)

	if s.config.RunOnce {
		s.config.Log.Info("Starting op-synthetics in run-once mode")
	} else {
		s.config.Log.Info("Starting op-synthetics in continuous mode", "interval", s.config.RunInterval)
	}

	code, err := s.runTests()
	if err != nil {
		s.config.Log.Error("Error running tests", "error", err)
		return err
	}

	if s.config.RunOnce {
		s.exitCode = code
		if code != exitcodes.Success {
			s.config.Log.Warn("Run completed with failures, returning exit code", "code", code)
			return &RunFailedError{Code: code, Message: summaryString(s.result.Summary)}
		}
		s.config.Log.Info("Run completed, exiting (run-once mode)")
		go func() {
			s.shutdownCallback(nil)
		}()
		return nil
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.config.Log.Debug("Starting periodic runner goroutine", "interval", s.config.RunInterval)

		for {
			select {
			case <-time.After(s.config.RunInterval):
				if !s.running.Load() {
					s.config.Log.Debug("Service stopped, exiting periodic runner")
					return
				}

				s.config.Log.Info("Running periodic tests")
				if _, err := s.runTests(); err != nil {
					s.config.Log.Error("Error running periodic tests", "error", err)
				}

			case <-s.done:
				s.config.Log.Debug("Done signal received, stopping periodic runner")
				return

			case <-ctx.Done():
				s.config.Log.Debug("Context canceled, stopping periodic runner")
				s.running.Store(false)
				return
			}
		}
	}()
	s.config.Log.Debug("op-synthetics started successfully")
	return nil
}

// runTests performs one run and returns the exit code it decided.
// Errors are reserved for invalid configuration; failed runs are expressed by the exit code.
func (s *Synthetics) runTests() (int, error) {
	reporters := s.newReporters()

	if err := s.config.validateCredentials(); err != nil {
		return s.abort(reporters, err), nil
	}

	configs, err := s.registry.TriggerConfigs()
	if err != nil {
		return exitcodes.Failure, NewConfigError(err)
	}

	r, err := runner.New(runner.Config{
		Log:                  s.config.Log,
		Backend:              s.client,
		Tunnel:               s.tunnel,
		Reporters:            reporters,
		Metrics:              metrics.Recorder{},
		AppURL:               s.config.AppURL,
		PollInterval:         s.config.PollInterval,
		BatchTimeout:         s.config.BatchTimeout,
		MaxTestsToTrigger:    s.config.MaxTestsToTrigger,
		MaxConcurrentFetches: s.config.MaxConcurrentFetches,
		FailOnMissingTests:   s.config.ExitFlags.FailOnMissingTests,
		SelectiveRerun:       s.config.SelectiveRerun,
	})
	if err != nil {
		return exitcodes.Failure, fmt.Errorf("failed to create runner: %w", err)
	}

	s.config.Log.Info("Running tests...", "count", len(configs))
	result, runErr := r.Run(s.ctx, configs)
	s.result = result
	code := exitcodes.Decide(result.Summary, s.config.ExitFlags)
	s.setHealthy(code == exitcodes.Success)

	s.config.Log.Info("Run completed",
		"run_id", result.RunID,
		"batch_id", result.BatchID,
		"state", result.State,
		"summary", summaryString(result.Summary),
		"exit_code", code,
		"err", runErr)
	return code, nil
}

// abort ends a run that could not start and still lets the reporters render it
func (s *Synthetics) abort(reporters *reporting.Dispatcher, err error) int {
	summary := types.NewSummary()
	summary.CriticalErrors++
	if ciErr, ok := types.AsCIError(err); ok {
		metrics.RecordCriticalError(ciErr.Code)
		s.config.Log.Error("Critical error", "code", ciErr.Code, "err", ciErr.Err, "hint", ciErr.Hint())
	}
	reporters.Error(err)
	_ = reporters.RunEnded(*summary, s.config.AppURL)

	s.result = &runner.RunResult{Summary: summary.Clone(), Errors: []error{err}, StartTime: time.Now()}
	code := exitcodes.Decide(s.result.Summary, s.config.ExitFlags)
	s.setHealthy(code == exitcodes.Success)
	return code
}

// newReporters builds a fresh set of reporters for one run
func (s *Synthetics) newReporters() *reporting.Dispatcher {
	d := reporting.NewDispatcher(s.config.Log,
		reporting.NewConsoleReporter(s.config.Out),
		metrics.Reporter{},
	)
	if s.config.JUnitReport != "" {
		d.Register(reporting.NewJUnitReporter(s.config.Log, s.config.JUnitReport, s.config.RunName))
	}
	return d
}

func (s *Synthetics) setHealthy(healthy bool) {
	if s.health != nil {
		s.health.SetHealthy(healthy)
	}
}

// Stop stops the op-synthetics service.
// Stop implements the cliapp.Lifecycle interface.
func (s *Synthetics) Stop(ctx context.Context) error {
	s.config.Log.Info("Stopping op-synthetics")

	if !s.running.Load() {
		s.config.Log.Debug("Service already stopped, nothing to do")
		return nil
	}

	s.running.Store(false)

	s.config.Log.Debug("Sending done signal to goroutines")
	close(s.done)

	stopped := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-ctx.Done():
		return ctx.Err()
	}

	s.config.Log.Info("op-synthetics stopped successfully")
	return nil
}

// Stopped returns true if the op-synthetics service is stopped.
// Stopped implements the cliapp.Lifecycle interface.
func (s *Synthetics) Stopped() bool {
	return !s.running.Load()
}

// ExitCode returns the exit code decided by the last run
func (s *Synthetics) ExitCode() int {
	return s.exitCode
}

// Result returns the result of the last run
func (s *Synthetics) Result() *runner.RunResult {
	return s.result
}

func summaryString(s types.Summary) string {
	return fmt.Sprintf("passed=%d failed=%d failed_non_blocking=%d skipped=%d timed_out=%d not_found=%d not_authorized=%d critical_errors=%d",
		s.Passed, s.Failed, s.FailedNonBlocking, s.Skipped, s.TimedOut,
		s.TestsNotFound.Cardinality(), s.TestsNotAuthorized.Cardinality(), s.CriticalErrors)
}
