package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/ethereum-optimism/infra/op-synthetics/api"
	"github.com/ethereum-optimism/infra/op-synthetics/reporting"
	"github.com/ethereum-optimism/infra/op-synthetics/tunnel"
	"github.com/ethereum-optimism/infra/op-synthetics/types"
)

const (
	DefaultPollInterval         = 5 * time.Second
	DefaultBatchTimeout         = 2 * time.Minute
	DefaultMaxTestsToTrigger    = 100
	defaultMaxConcurrentFetches = 10
)

// Backend is the part of the backend API a run needs
type Backend interface {
	GetTest(ctx context.Context, publicID string) (*types.TestDefinition, error)
	TriggerTests(ctx context.Context, req api.TriggerRequest) (*types.ServerTrigger, error)
	GetBatch(ctx context.Context, batchID string) (*api.Batch, error)
	PollResults(ctx context.Context, resultIDs []string) (map[string]api.ResultDetail, error)
}

// Metrics records run level observations
type Metrics interface {
	RecordPoll(err error)
	RecordCriticalError(code types.ErrorCode)
	RecordRun(state string, duration time.Duration)
}

type noopMetrics struct{}

func (noopMetrics) RecordPoll(error)                    {}
func (noopMetrics) RecordCriticalError(types.ErrorCode) {}
func (noopMetrics) RecordRun(string, time.Duration)     {}

// Config holds configuration for creating a new runner
type Config struct {
	Log                  log.Logger
	Backend              Backend
	Tunnel               *tunnel.Manager       // nil runs without a tunnel
	Reporters            *reporting.Dispatcher // nil reports nothing
	Metrics              Metrics
	AppURL               string        // base URL of the web app, used for links in reports
	PollInterval         time.Duration // time between two batch fetches
	BatchTimeout         time.Duration // time after which pending results are timed out
	MaxTestsToTrigger    int
	MaxConcurrentFetches int
	FailOnMissingTests   bool
	SelectiveRerun       *bool // nil uses the organization default
}

// RunResult is the outcome of one run
type RunResult struct {
	RunID     string
	BatchID   string
	State     PollState
	Summary   types.Summary
	Results   []types.Result
	Errors    []error // critical errors, in the order they happened
	StartTime time.Time
	Duration  time.Duration
}

// Runner triggers a set of tests and follows the resulting batch to completion
type Runner struct {
	log                  log.Logger
	backend              Backend
	tunnel               *tunnel.Manager
	reporters            *reporting.Dispatcher
	metrics              Metrics
	appURL               string
	pollInterval         time.Duration
	batchTimeout         time.Duration
	maxTestsToTrigger    int
	maxConcurrentFetches int
	failOnMissingTests   bool
	selectiveRerun       *bool
	tracer               trace.Tracer
}

// New creates a new runner
func New(cfg Config) (*Runner, error) {
	if cfg.Backend == nil {
		return nil, errors.New("backend is required")
	}
	if cfg.Log == nil {
		cfg.Log = log.New()
		cfg.Log.Error("No logger provided, using default")
	}
	if cfg.Reporters == nil {
		cfg.Reporters = reporting.NewDispatcher(cfg.Log)
	}
	if cfg.Metrics == nil {
		cfg.Metrics = noopMetrics{}
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = DefaultBatchTimeout
	}
	if cfg.MaxTestsToTrigger <= 0 {
		cfg.MaxTestsToTrigger = DefaultMaxTestsToTrigger
	}
	if cfg.MaxConcurrentFetches <= 0 {
		cfg.MaxConcurrentFetches = defaultMaxConcurrentFetches
	}

	cfg.Log.Debug("runner.New()", "pollInterval", cfg.PollInterval, "batchTimeout", cfg.BatchTimeout,
		"maxTests", cfg.MaxTestsToTrigger, "tunnel", cfg.Tunnel != nil, "reporters", cfg.Reporters.Len())

	return &Runner{
		log:                  cfg.Log,
		backend:              cfg.Backend,
		tunnel:               cfg.Tunnel,
		reporters:            cfg.Reporters,
		metrics:              cfg.Metrics,
		appURL:               cfg.AppURL,
		pollInterval:         cfg.PollInterval,
		batchTimeout:         cfg.BatchTimeout,
		maxTestsToTrigger:    cfg.MaxTestsToTrigger,
		maxConcurrentFetches: cfg.MaxConcurrentFetches,
		failOnMissingTests:   cfg.FailOnMissingTests,
		selectiveRerun:       cfg.SelectiveRerun,
		tracer:               otel.Tracer("synthetics runner"),
	}, nil
}

// run is the mutable state of a single Run call
type run struct {
	*Runner
	log     log.Logger
	result  *RunResult
	summary *types.Summary
	agg     *aggregator
}

// Run triggers the given tests, waits for their results and notifies the reporters. It always
// returns a RunResult, also when the run is aborted; the error is the first critical error.
// Reporters are always told that the run ended.
func (r *Runner) Run(ctx context.Context, configs []types.TriggerConfig) (*RunResult, error) {
	runID := uuid.New().String()
	ctx, span := r.tracer.Start(ctx, "run", trace.WithAttributes(
		attribute.String("run_id", runID),
		attribute.Int("tests", len(configs)),
	))
	defer span.End()

	summary := types.NewSummary()
	rn := &run{
		Runner:  r,
		log:     r.log.New("run_id", runID),
		result:  &RunResult{RunID: runID, StartTime: time.Now()},
		summary: summary,
	}
	rn.agg = newAggregator(rn.log, r.reporters, r.appURL, summary)

	if err := rn.execute(ctx, configs); err != nil {
		rn.critical(err)
	}

	rn.result.Duration = time.Since(rn.result.StartTime)
	rn.result.Summary = summary.Clone()
	rn.result.Results = rn.agg.results
	state := "not_triggered"
	if rn.result.BatchID != "" {
		state = rn.result.State.String()
	}
	r.metrics.RecordRun(state, rn.result.Duration)
	_ = r.reporters.RunEnded(summary.Clone(), r.appURL)

	span.SetAttributes(attribute.String("state", state))
	if len(rn.result.Errors) > 0 {
		return rn.result, rn.result.Errors[0]
	}
	return rn.result, nil
}

func (rn *run) execute(ctx context.Context, configs []types.TriggerConfig) error {
	configs = dedupeTriggerConfigs(rn.log, configs)
	if err := validateTriggerSet(configs, rn.maxTestsToTrigger, rn.failOnMissingTests); err != nil {
		if !types.IsCriticalError(err) {
			rn.log.Info("No tests to run")
			return nil
		}
		return err
	}

	res, err := rn.resolve(ctx, configs)
	if err != nil {
		return err
	}
	for _, id := range res.notFound {
		rn.summary.TestsNotFound.Add(id)
	}
	for _, id := range res.notAuthorized {
		rn.summary.TestsNotAuthorized.Add(id)
	}
	rn.summary.Expected = len(res.toTrigger) + len(res.skipped)

	if len(res.toTrigger) == 0 {
		rn.log.Warn("No tests to run", "skipped", len(res.skipped),
			"not_found", len(res.notFound), "not_authorized", len(res.notAuthorized))
		rn.reportSkipped(res, reporting.TriggerInfo{RunID: rn.result.RunID})
		return nil
	}

	var handle *tunnel.Handle
	if rn.tunnel != nil {
		handle, err = rn.tunnel.Open(ctx, res.definitions())
		if err != nil {
			return err
		}
		defer func() { _ = handle.Close() }()
	}

	trigger, err := rn.trigger(ctx, res, handle)
	if err != nil {
		return err
	}

	rn.summary.BatchID = trigger.BatchID
	rn.result.BatchID = trigger.BatchID
	info := reporting.TriggerInfo{
		RunID:          rn.result.RunID,
		BatchID:        trigger.BatchID,
		BatchURL:       reporting.BatchURL(rn.appURL, trigger.BatchID),
		Tests:          res.definitions(),
		Locations:      trigger.Locations,
		SelectiveRerun: rn.selectiveRerun,
	}
	if handle != nil {
		tunnelInfo := handle.Info()
		info.Tunnel = &tunnelInfo
	}
	rn.reportSkipped(res, info)

	return rn.poll(ctx, trigger, handle)
}

func (rn *run) resolve(ctx context.Context, configs []types.TriggerConfig) (*resolution, error) {
	ctx, span := rn.tracer.Start(ctx, "resolve tests")
	defer span.End()
	return rn.resolveTests(ctx, configs)
}

func (rn *run) trigger(ctx context.Context, res *resolution, handle *tunnel.Handle) (*types.ServerTrigger, error) {
	ctx, span := rn.tracer.Start(ctx, "trigger")
	defer span.End()

	var tunnelInfo *types.TunnelInfo
	if handle != nil {
		info := handle.Info()
		tunnelInfo = &info
	}
	req := buildTriggerRequest(res.toTrigger, tunnelInfo, rn.batchTimeout.Milliseconds(), rn.selectiveRerun)

	trigger, err := rn.backend.TriggerTests(ctx, req)
	if err != nil {
		return nil, classifyFetchError(types.ErrTriggerTestsFailed, fmt.Errorf("triggering %d tests: %w", len(req.Tests), err))
	}
	if handle != nil {
		// every tunneled test runs from the tunnel's location only
		trigger.Locations = []types.Location{handle.Location()}
	}
	for _, t := range res.toTrigger {
		rn.agg.track(t)
	}
	rn.log.Info("Tests triggered", "batch_id", trigger.BatchID, "tests", len(req.Tests),
		"locations", len(trigger.Locations), "batch_url", reporting.BatchURL(rn.appURL, trigger.BatchID))
	span.SetAttributes(attribute.String("batch_id", trigger.BatchID))
	return trigger, nil
}

// reportSkipped announces the batch and reports the tests skipped by their execution rule
func (rn *run) reportSkipped(res *resolution, info reporting.TriggerInfo) {
	for _, t := range res.skipped {
		info.Skipped = append(info.Skipped, t.Definition)
	}
	_ = rn.reporters.TestsTriggered(info)
	for _, t := range res.skipped {
		rn.agg.skipByRule(t)
	}
}

// poll follows the batch while the tunnel, if any, relays traffic. Both stop together.
func (rn *run) poll(ctx context.Context, trigger *types.ServerTrigger, handle *tunnel.Handle) error {
	ctx, span := rn.tracer.Start(ctx, fmt.Sprintf("batch %s", trigger.BatchID))
	defer span.End()

	location := ""
	if len(trigger.Locations) == 1 {
		location = trigger.Locations[0].ID
	}
	p := newPoller(rn.log, rn.backend, rn.metrics, rn.reporters, rn.agg,
		trigger.BatchID, location, rn.pollInterval, rn.batchTimeout)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var pollErr error
	var g errgroup.Group
	if handle != nil {
		g.Go(func() error {
			if err := handle.Run(runCtx); err != nil {
				// results may still arrive for tests that already got what they needed
				rn.log.Warn("Tunnel stopped before the batch finished", "err", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		defer cancel()
		rn.result.State, pollErr = p.run(runCtx)
		return nil
	})
	_ = g.Wait()

	if ctx.Err() != nil {
		rn.log.Warn("Run interrupted", "batch_id", trigger.BatchID)
	}
	return pollErr
}

// critical records a critical error and renders it
func (rn *run) critical(err error) {
	rn.summary.CriticalErrors++
	rn.result.Errors = append(rn.result.Errors, err)
	if ciErr, ok := types.AsCIError(err); ok {
		rn.metrics.RecordCriticalError(ciErr.Code)
		rn.log.Error("Critical error", "code", ciErr.Code, "err", ciErr.Err, "hint", ciErr.Hint())
	} else {
		rn.log.Error("Critical error", "err", err)
	}
	rn.reporters.Error(err)
}
