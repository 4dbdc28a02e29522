package flags

import (
	"fmt"
	"time"

	"github.com/urfave/cli/v2"

	opservice "github.com/ethereum-optimism/optimism/op-service"
	opflags "github.com/ethereum-optimism/optimism/op-service/flags"
	oplog "github.com/ethereum-optimism/optimism/op-service/log"
	opmetrics "github.com/ethereum-optimism/optimism/op-service/metrics"
)

const EnvVarPrefix = "OP_SYNTHETICS"

var (
	APIURL = &cli.StringFlag{
		Name:     "api-url",
		Value:    "",
		Required: true,
		EnvVars:  opservice.PrefixEnvVar(EnvVarPrefix, "API_URL"),
		Usage:    "Base URL of the synthetics API (eg. 'https://api.example.com')",
	}
	APIKey = &cli.StringFlag{
		Name:    "api-key",
		Value:   "",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "API_KEY"),
		Usage:   "API key used to authenticate against the synthetics API",
	}
	AppKey = &cli.StringFlag{
		Name:    "app-key",
		Value:   "",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "APP_KEY"),
		Usage:   "Application key used to authenticate against the synthetics API",
	}
	AppURL = &cli.StringFlag{
		Name:    "app-url",
		Value:   "",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "APP_URL"),
		Usage:   "Base URL of the web app, used to build links to batches and results",
	}
	Files = &cli.StringSliceFlag{
		Name:    "files",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "FILES"),
		Usage:   "Trigger-config files to read (eg. 'checkout.synthetics.yaml'). Ignored when --public-id is set.",
	}
	PublicIDs = &cli.StringSliceFlag{
		Name:    "public-id",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "PUBLIC_ID"),
		Usage:   "Public id of a test to trigger. Can be repeated.",
	}
	Tunnel = &cli.BoolFlag{
		Name:    "tunnel",
		Value:   false,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "TUNNEL"),
		Usage:   "Relay test traffic through a tunnel opened from this machine",
	}
	TunnelHandshakeTimeout = &cli.DurationFlag{
		Name:    "tunnel-handshake-timeout",
		Value:   30 * time.Second,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "TUNNEL_HANDSHAKE_TIMEOUT"),
		Usage:   "How long to wait for the tunnel to be ready",
	}
	PollInterval = &cli.DurationFlag{
		Name:    "poll-interval",
		Value:   5 * time.Second,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "POLL_INTERVAL"),
		Usage:   "Interval between two batch polls",
	}
	BatchTimeout = &cli.DurationFlag{
		Name:    "batch-timeout",
		Value:   2 * time.Minute,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "BATCH_TIMEOUT"),
		Usage:   "How long to wait for the batch to complete before timing out the remaining tests",
	}
	MaxTestsToTrigger = &cli.IntFlag{
		Name:    "max-tests-to-trigger",
		Value:   100,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "MAX_TESTS_TO_TRIGGER"),
		Usage:   "Maximum number of tests allowed in one batch",
	}
	MaxConcurrentFetches = &cli.IntFlag{
		Name:    "max-concurrent-fetches",
		Value:   10,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "MAX_CONCURRENT_FETCHES"),
		Usage:   "Maximum number of test definitions fetched concurrently",
	}
	RequestsPerSecond = &cli.Float64Flag{
		Name:    "requests-per-second",
		Value:   10,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "REQUESTS_PER_SECOND"),
		Usage:   "Rate limit applied to API requests. 0 disables the limit.",
	}
	FailOnCriticalErrors = &cli.BoolFlag{
		Name:    "fail-on-critical-errors",
		Value:   true,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "FAIL_ON_CRITICAL_ERRORS"),
		Usage:   "Exit with a failure code when the run hit a critical error",
	}
	FailOnMissingTests = &cli.BoolFlag{
		Name:    "fail-on-missing-tests",
		Value:   false,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "FAIL_ON_MISSING_TESTS"),
		Usage:   "Fail when a test cannot be found or is not authorized",
	}
	FailOnTimeout = &cli.BoolFlag{
		Name:    "fail-on-timeout",
		Value:   true,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "FAIL_ON_TIMEOUT"),
		Usage:   "Fail when a test timed out",
	}
	SelectiveRerun = &cli.BoolFlag{
		Name:    "selective-rerun",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "SELECTIVE_RERUN"),
		Usage:   "Skip tests that already passed for this commit. Unset defers to the backend setting.",
	}
	ExecutionRule = &cli.StringFlag{
		Name:    "execution-rule",
		Value:   "",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "EXECUTION_RULE"),
		Usage:   "Execution rule applied to every test: blocking, non_blocking or skipped",
	}
	StartURL = &cli.StringFlag{
		Name:    "start-url",
		Value:   "",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "START_URL"),
		Usage:   "Start URL applied to every test",
	}
	Locations = &cli.StringSliceFlag{
		Name:    "locations",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "LOCATIONS"),
		Usage:   "Locations applied to every test",
	}
	Variables = &cli.StringSliceFlag{
		Name:    "variable",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "VARIABLE"),
		Usage:   "Variable applied to every test, as KEY=VALUE. Can be repeated.",
	}
	JUnitReport = &cli.StringFlag{
		Name:    "junit-report",
		Value:   "",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "JUNIT_REPORT"),
		Usage:   "Path of the JUnit XML report to write. Empty disables the report.",
	}
	RunName = &cli.StringFlag{
		Name:    "run-name",
		Value:   "",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "RUN_NAME"),
		Usage:   "Name of the run used in reports",
	}
	RunInterval = &cli.DurationFlag{
		Name:    "run-interval",
		Value:   0,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "RUN_INTERVAL"),
		Usage:   "Interval between runs (e.g. '1h', '30m'). Set to 0 or omit for run-once mode.",
	}
	HealthzPort = &cli.IntFlag{
		Name:    "healthz.port",
		Value:   8080,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "HEALTHZ_PORT"),
		Usage:   "Port of the healthz server. 0 disables it.",
	}
)

var requiredFlags = []cli.Flag{
	APIURL,
}

var optionalFlags = []cli.Flag{
	APIKey,
	AppKey,
	AppURL,
	Files,
	PublicIDs,
	Tunnel,
	TunnelHandshakeTimeout,
	PollInterval,
	BatchTimeout,
	MaxTestsToTrigger,
	MaxConcurrentFetches,
	RequestsPerSecond,
	FailOnCriticalErrors,
	FailOnMissingTests,
	FailOnTimeout,
	SelectiveRerun,
	ExecutionRule,
	StartURL,
	Locations,
	Variables,
	JUnitReport,
	RunName,
	RunInterval,
	HealthzPort,
}
var Flags []cli.Flag

func init() {
	optionalFlags = append(optionalFlags, oplog.CLIFlags(EnvVarPrefix)...)
	optionalFlags = append(optionalFlags, opmetrics.CLIFlags(EnvVarPrefix)...)

	Flags = append(requiredFlags, optionalFlags...)
}

func CheckRequired(ctx *cli.Context) error {
	for _, f := range requiredFlags {
		if !ctx.IsSet(f.Names()[0]) {
			return fmt.Errorf("flag %s is required", f.Names()[0])
		}
	}
	return opflags.CheckRequiredXor(ctx)
}
