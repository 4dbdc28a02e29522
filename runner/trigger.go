package runner

import (
	"context"
	"errors"
	"fmt"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ethereum/go-ethereum/log"
	"github.com/sourcegraph/conc/pool"

	"github.com/ethereum-optimism/infra/op-synthetics/api"
	"github.com/ethereum-optimism/infra/op-synthetics/types"
)

// resolvedTest is a trigger config joined with its definition and effective execution rule
type resolvedTest struct {
	Config     types.TriggerConfig
	Definition types.TestDefinition
	Rule       types.ExecutionRule
}

// resolution is the outcome of looking up every requested test
type resolution struct {
	toTrigger     []resolvedTest
	skipped       []resolvedTest
	notFound      []string
	notAuthorized []string
}

func (r *resolution) definitions() []types.TestDefinition {
	defs := make([]types.TestDefinition, 0, len(r.toTrigger))
	for _, t := range r.toTrigger {
		defs = append(defs, t.Definition)
	}
	return defs
}

// dedupeTriggerConfigs keeps the first config of every test id. Results are joined to configs by id.
func dedupeTriggerConfigs(logger log.Logger, configs []types.TriggerConfig) []types.TriggerConfig {
	seen := mapset.NewThreadUnsafeSet[string]()
	out := make([]types.TriggerConfig, 0, len(configs))
	for _, cfg := range configs {
		if !seen.Add(cfg.ID) {
			logger.Warn("Ignoring duplicate test", "test_id", cfg.ID)
			continue
		}
		out = append(out, cfg)
	}
	return out
}

// validateTriggerSet runs the checks that must pass before any backend call is made
func validateTriggerSet(configs []types.TriggerConfig, maxTests int, failOnMissingTests bool) error {
	if len(configs) == 0 {
		if failOnMissingTests {
			return types.NewCriticalError(types.ErrMissingTests, errors.New("no tests to trigger"))
		}
		return types.NewCIError(types.ErrNoTestsToRun, errors.New("no tests to trigger"))
	}
	if maxTests > 0 && len(configs) > maxTests {
		return types.NewCriticalError(types.ErrTooManyTestsToTrigger,
			fmt.Errorf("cannot trigger more than %d tests, got %d", maxTests, len(configs)))
	}
	return nil
}

// resolveTests fetches the definition of every requested test concurrently. Missing and unauthorized
// tests are collected; any other failure aborts the lookup.
func (r *Runner) resolveTests(ctx context.Context, configs []types.TriggerConfig) (*resolution, error) {
	type lookup struct {
		def *types.TestDefinition
		err error
	}
	lookups := make([]lookup, len(configs))

	p := pool.New().
		WithErrors().
		WithFirstError().
		WithMaxGoroutines(r.maxConcurrentFetches).
		WithContext(ctx).
		WithCancelOnError()
	for i, cfg := range configs {
		p.Go(func(ctx context.Context) error {
			def, err := r.backend.GetTest(ctx, cfg.ID)
			if err != nil {
				if errors.Is(err, api.ErrNotFound) || errors.Is(err, api.ErrForbidden) {
					lookups[i] = lookup{err: err}
					return nil
				}
				return classifyFetchError(types.ErrUnavailableTestConfig, fmt.Errorf("fetching test %s: %w", cfg.ID, err))
			}
			lookups[i] = lookup{def: def}
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		return nil, err
	}

	res := &resolution{}
	for i, cfg := range configs {
		l := lookups[i]
		switch {
		case errors.Is(l.err, api.ErrNotFound):
			r.log.Warn("Test not found", "test_id", cfg.ID)
			res.notFound = append(res.notFound, cfg.ID)
			continue
		case errors.Is(l.err, api.ErrForbidden):
			r.log.Warn("Not authorized to run test", "test_id", cfg.ID)
			res.notAuthorized = append(res.notAuthorized, cfg.ID)
			continue
		}

		def := *l.def
		if cfg.Suite != "" {
			def.Suite = cfg.Suite
		}
		t := resolvedTest{
			Config:     cfg,
			Definition: def,
			Rule:       types.ResolveExecutionRule(def.Options.ExecutionRule, cfg.Config.ExecutionRule),
		}
		if t.Rule == types.ExecutionRuleSkipped {
			r.log.Info("Skipping test", "test", def.DisplayName(), "reason", reasonSkippedByRule)
			res.skipped = append(res.skipped, t)
			continue
		}
		res.toTrigger = append(res.toTrigger, t)
	}
	return res, nil
}

// buildTriggerRequest turns the resolved tests into a single trigger request
func buildTriggerRequest(tests []resolvedTest, tunnelInfo *types.TunnelInfo, batchTimeoutMS int64, selectiveRerun *bool) api.TriggerRequest {
	req := api.TriggerRequest{
		Tests:   make([]api.TestPayload, 0, len(tests)),
		Options: api.TriggerOptions{BatchTimeout: batchTimeoutMS, SelectiveRerun: selectiveRerun},
	}
	for _, t := range tests {
		req.Tests = append(req.Tests, api.TestPayload{
			PublicID:  t.Definition.PublicID,
			Overrides: t.Config.Config,
			Tunnel:    tunnelInfo,
		})
	}
	return req
}

// classifyFetchError maps backend errors onto CI errors. fallback is used for anything that is not
// an authorization or rate limiting problem.
func classifyFetchError(fallback types.ErrorCode, err error) error {
	switch {
	case errors.Is(err, api.ErrUnauthorized), errors.Is(err, api.ErrForbidden):
		return types.NewCriticalError(types.ErrAuthorization, err)
	case errors.Is(err, api.ErrRateLimited):
		return types.NewCriticalError(types.ErrTooManyRequests, err)
	default:
		return types.NewCriticalError(fallback, err)
	}
}
