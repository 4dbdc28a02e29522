package synthetics

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/urfave/cli/v2"

	opmetrics "github.com/ethereum-optimism/optimism/op-service/metrics"

	"github.com/ethereum-optimism/infra/op-synthetics/exitcodes"
	"github.com/ethereum-optimism/infra/op-synthetics/flags"
	"github.com/ethereum-optimism/infra/op-synthetics/service"
	"github.com/ethereum-optimism/infra/op-synthetics/types"
)

// Config holds the application configuration
type Config struct {
	APIURL                 string
	APIKey                 string
	AppKey                 string
	AppURL                 string          // Base URL of the web app, used for links
	Files                  []string        // Trigger-config files
	PublicIDs              []string        // Test ids given on the command line, win over Files
	Defaults               types.Overrides // Overrides applied to every test
	Tunnel                 bool
	TunnelHandshakeTimeout time.Duration
	PollInterval           time.Duration
	BatchTimeout           time.Duration
	MaxTestsToTrigger      int
	MaxConcurrentFetches   int
	RequestsPerSecond      float64
	ExitFlags              exitcodes.Flags
	SelectiveRerun         *bool  // nil defers to the backend setting
	JUnitReport            string // Path of the JUnit report, empty disables it
	RunName                string
	RunInterval            time.Duration // Interval between runs
	RunOnce                bool          // Indicates if the service should exit after one run
	Service                service.Config
	Out                    io.Writer    // Console output, stdout when nil
	Health                 HealthSetter // Optional, told whether the last run succeeded
	Log                    log.Logger
}

// NewConfig creates a new Config from cli context
func NewConfig(ctx *cli.Context, log log.Logger) (*Config, error) {
	if err := flags.CheckRequired(ctx); err != nil {
		return nil, fmt.Errorf("missing required flags: %w", err)
	}

	rule, err := types.ParseExecutionRule(ctx.String(flags.ExecutionRule.Name))
	if err != nil {
		return nil, err
	}
	variables, err := parseVariables(ctx.StringSlice(flags.Variables.Name))
	if err != nil {
		return nil, err
	}

	var selectiveRerun *bool
	if ctx.IsSet(flags.SelectiveRerun.Name) {
		v := ctx.Bool(flags.SelectiveRerun.Name)
		selectiveRerun = &v
	}

	svcCfg := service.Config{
		HealthzHost: service.HealthzHost,
		HealthzPort: ctx.Int(flags.HealthzPort.Name),
	}
	if metricsCfg := opmetrics.ReadCLIConfig(ctx); metricsCfg.Enabled {
		svcCfg.MetricsHost = metricsCfg.ListenAddr
		svcCfg.MetricsPort = metricsCfg.ListenPort
	}

	runInterval := ctx.Duration(flags.RunInterval.Name)
	if runInterval < 0 {
		return nil, errors.New("run interval must not be negative")
	}

	return &Config{
		APIURL:    ctx.String(flags.APIURL.Name),
		APIKey:    ctx.String(flags.APIKey.Name),
		AppKey:    ctx.String(flags.AppKey.Name),
		AppURL:    ctx.String(flags.AppURL.Name),
		Files:     ctx.StringSlice(flags.Files.Name),
		PublicIDs: ctx.StringSlice(flags.PublicIDs.Name),
		Defaults: types.Overrides{
			ExecutionRule: rule,
			StartURL:      ctx.String(flags.StartURL.Name),
			Locations:     ctx.StringSlice(flags.Locations.Name),
			Variables:     variables,
		},
		Tunnel:                 ctx.Bool(flags.Tunnel.Name),
		TunnelHandshakeTimeout: ctx.Duration(flags.TunnelHandshakeTimeout.Name),
		PollInterval:           ctx.Duration(flags.PollInterval.Name),
		BatchTimeout:           ctx.Duration(flags.BatchTimeout.Name),
		MaxTestsToTrigger:      ctx.Int(flags.MaxTestsToTrigger.Name),
		MaxConcurrentFetches:   ctx.Int(flags.MaxConcurrentFetches.Name),
		RequestsPerSecond:      ctx.Float64(flags.RequestsPerSecond.Name),
		ExitFlags: exitcodes.Flags{
			FailOnCriticalErrors: ctx.Bool(flags.FailOnCriticalErrors.Name),
			FailOnMissingTests:   ctx.Bool(flags.FailOnMissingTests.Name),
			FailOnTimeout:        ctx.Bool(flags.FailOnTimeout.Name),
		},
		SelectiveRerun: selectiveRerun,
		JUnitReport:    ctx.String(flags.JUnitReport.Name),
		RunName:        ctx.String(flags.RunName.Name),
		RunInterval:    runInterval,
		RunOnce:        runInterval == 0,
		Service:        svcCfg,
		Log:            log,
	}, nil
}

// validateCredentials reports a missing key as a critical error
func (c *Config) validateCredentials() error {
	if c.APIKey == "" {
		return types.NewCriticalError(types.ErrMissingAPIKey, errors.New("no api key configured"))
	}
	if c.AppKey == "" {
		return types.NewCriticalError(types.ErrMissingAppKey, errors.New("no application key configured"))
	}
	return nil
}

func parseVariables(raw []string) (map[string]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	vars := make(map[string]string, len(raw))
	for _, kv := range raw {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid variable %q: expected KEY=VALUE", kv)
		}
		vars[k] = v
	}
	return vars, nil
}
