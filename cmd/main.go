package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/log"
	"github.com/honeycombio/otel-config-go/otelconfig"
	"github.com/urfave/cli/v2"

	synthetics "github.com/ethereum-optimism/infra/op-synthetics"
	"github.com/ethereum-optimism/infra/op-synthetics/exitcodes"
	"github.com/ethereum-optimism/infra/op-synthetics/flags"
	"github.com/ethereum-optimism/infra/op-synthetics/service"
	"github.com/ethereum-optimism/infra/op-synthetics/types"
	"github.com/ethereum-optimism/optimism/devnet-sdk/telemetry"
	"github.com/ethereum-optimism/optimism/op-service/cliapp"
	"github.com/ethereum-optimism/optimism/op-service/ctxinterrupt"
	oplog "github.com/ethereum-optimism/optimism/op-service/log"
)

var (
	Version   = "v0.1.0"
	GitCommit = ""
	GitDate   = ""
)

func main() {
	app := cli.NewApp()
	app.Version = fmt.Sprintf("%s-%s-%s", Version, GitCommit, GitDate)
	app.Name = "op-synthetics"
	app.Usage = "Synthetic test orchestrator for CI"
	app.Description = "op-synthetics triggers remote synthetic tests, waits for their results and decides the CI outcome"
	app.Flags = cliapp.ProtectFlags(flags.Flags)
	app.Action = cliapp.LifecycleCmd(run)
	app.ExitErrHandler = func(c *cli.Context, err error) {
		if err == nil {
			return
		}
		var exitErr cli.ExitCoder
		if errors.As(err, &exitErr) {
			// Use the exit code from the ExitCoder
			cli.HandleExitCoder(cli.Exit(err.Error(), exitErr.ExitCode()))
			return
		}
		if ciErr, ok := types.AsCIError(err); ok && ciErr.Hint() != "" {
			err = fmt.Errorf("%w (hint: %s)", err, ciErr.Hint())
		}
		cli.HandleExitCoder(cli.Exit(err.Error(), exitcodes.Failure))
	}

	// Start telemetry
	ctx, shutdown, err := telemetry.SetupOpenTelemetry(
		context.Background(),
		otelconfig.WithServiceName(app.Name),
		otelconfig.WithServiceVersion(app.Version),
	)
	if err != nil {
		log.Crit("Failed to setup open telemetry", "message", err)
	}
	defer shutdown()

	// Start CLI
	ctx = ctxinterrupt.WithSignalWaiterMain(ctx)
	err = app.RunContext(ctx, os.Args)
	if err != nil {
		log.Crit("Application failed", "message", err)
	}
}

// lifecycle stops the health and metrics servers together with the service
type lifecycle struct {
	*synthetics.Synthetics
	svc *service.Service
}

func (l *lifecycle) Stop(ctx context.Context) error {
	err := l.Synthetics.Stop(ctx)
	l.svc.Shutdown()
	return err
}

func run(ctx *cli.Context, closeApp context.CancelCauseFunc) (cliapp.Lifecycle, error) {
	logCfg := oplog.ReadCLIConfig(ctx)
	log := oplog.NewLogger(oplog.AppOut(ctx), logCfg)
	oplog.SetGlobalLogHandler(log.Handler())
	oplog.SetupDefaults()

	cfg, err := synthetics.NewConfig(ctx, log)
	if err != nil {
		return nil, synthetics.NewConfigError(fmt.Errorf("failed to create config: %w", err))
	}

	cfg.Log.Debug("Config",
		"apiURL", cfg.APIURL,
		"appURL", cfg.AppURL,
		"pollInterval", cfg.PollInterval,
		"batchTimeout", cfg.BatchTimeout,
		"junitReport", cfg.JUnitReport,
		"healthzPort", cfg.Service.HealthzPort,
		"metricsPort", cfg.Service.MetricsPort)

	// Start server
	svc := service.New(log, cfg.Service)
	svc.Start(ctx.Context)
	cfg.Health = svc.Healthz

	s, err := synthetics.New(ctx.Context, cfg, Version, closeApp)
	if err != nil {
		svc.Shutdown()
		return nil, fmt.Errorf("failed to create op-synthetics: %w", err)
	}

	return &lifecycle{Synthetics: s, svc: svc}, nil
}
