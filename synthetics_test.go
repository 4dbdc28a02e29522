package synthetics

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"

	"github.com/ethereum-optimism/infra/op-synthetics/exitcodes"
	"github.com/ethereum-optimism/infra/op-synthetics/flags"
	"github.com/ethereum-optimism/infra/op-synthetics/types"
)

// backend serves one api test whose batch settles with the given status on the first poll
type backend struct {
	status   string
	triggers atomic.Int32
}

func (b *backend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	var body interface{}
	switch {
	case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/api/v1/synthetics/tests/poll_results"):
		body = []map[string]interface{}{{"result_id": "r1", "duration": 1200}}
	case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/api/v1/synthetics/tests/"):
		body = map[string]interface{}{"public_id": "abc-def-ghi", "name": "Health check", "type": "api", "subtype": "http"}
	case r.Method == http.MethodPost && r.URL.Path == "/api/v1/synthetics/tests/trigger/ci":
		b.triggers.Add(1)
		body = map[string]interface{}{
			"batch_id":  "batch-1",
			"locations": []map[string]string{{"id": "aws:eu-central-1", "name": "aws:eu-central-1", "display_name": "Frankfurt"}},
		}
	case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/api/v1/synthetics/ci/batch/"):
		body = map[string]interface{}{"data": map[string]interface{}{
			"status": b.status,
			"results": []map[string]interface{}{{
				"test_public_id": "abc-def-ghi",
				"result_id":      "r1",
				"status":         b.status,
				"location":       "aws:eu-central-1",
			}},
		}}
	default:
		http.NotFound(w, r)
		return
	}
	_ = json.NewEncoder(w).Encode(body)
}

type healthRecorder struct {
	healthy atomic.Bool
	calls   atomic.Int32
}

func (h *healthRecorder) SetHealthy(healthy bool) {
	h.healthy.Store(healthy)
	h.calls.Add(1)
}

func newTestConfig(t *testing.T, apiURL string) *Config {
	return &Config{
		APIURL:               apiURL,
		APIKey:               "api-key",
		AppKey:               "app-key",
		AppURL:               "https://app.example.com",
		PublicIDs:            []string{"abc-def-ghi"},
		PollInterval:         5 * time.Millisecond,
		BatchTimeout:         time.Second,
		MaxTestsToTrigger:    10,
		MaxConcurrentFetches: 2,
		ExitFlags:            exitcodes.Flags{FailOnCriticalErrors: true, FailOnTimeout: true},
		JUnitReport:          filepath.Join(t.TempDir(), "junit.xml"),
		RunOnce:              true,
		Out:                  &bytes.Buffer{},
		Log:                  log.NewLogger(log.DiscardHandler()),
	}
}

func startOnce(t *testing.T, cfg *Config) (*Synthetics, <-chan struct{}, error) {
	shutdown := make(chan struct{}, 1)
	s, err := New(context.Background(), cfg, "test", func(error) { shutdown <- struct{}{} })
	require.NoError(t, err)
	return s, shutdown, s.Start(context.Background())
}

func TestRunOnce_Passed(t *testing.T) {
	srv := httptest.NewServer(&backend{status: "passed"})
	defer srv.Close()

	cfg := newTestConfig(t, srv.URL)
	health := &healthRecorder{}
	cfg.Health = health

	s, shutdown, err := startOnce(t, cfg)
	require.NoError(t, err)

	select {
	case <-shutdown:
	case <-time.After(time.Second):
		t.Fatal("shutdown callback was not called")
	}
	assert.Equal(t, exitcodes.Success, s.ExitCode())
	assert.Equal(t, 1, s.Result().Summary.Passed)
	assert.True(t, health.healthy.Load())

	report, err := os.ReadFile(cfg.JUnitReport)
	require.NoError(t, err)
	assert.Contains(t, string(report), `batch_id="batch-1"`)
	assert.Contains(t, cfg.Out.(*bytes.Buffer).String(), "Triggered 1 tests in batch batch-1")

	require.NoError(t, s.Stop(context.Background()))
	assert.True(t, s.Stopped())
}

func TestRunOnce_BlockingFailure(t *testing.T) {
	srv := httptest.NewServer(&backend{status: "failed"})
	defer srv.Close()

	cfg := newTestConfig(t, srv.URL)
	health := &healthRecorder{}
	cfg.Health = health

	s, _, err := startOnce(t, cfg)
	require.Error(t, err)
	require.True(t, IsRunFailedError(err))

	var exitErr cli.ExitCoder
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, exitcodes.Failure, exitErr.ExitCode())
	assert.Contains(t, err.Error(), "failed=1")
	assert.Equal(t, exitcodes.Failure, s.ExitCode())
	assert.False(t, health.healthy.Load())
}

func TestRunOnce_MissingAPIKey(t *testing.T) {
	srv := httptest.NewServer(&backend{status: "passed"})
	defer srv.Close()

	t.Run("fails with fail-on-critical-errors", func(t *testing.T) {
		cfg := newTestConfig(t, srv.URL)
		cfg.APIKey = ""

		s, _, err := startOnce(t, cfg)
		require.True(t, IsRunFailedError(err))
		assert.Equal(t, 1, s.Result().Summary.CriticalErrors)
		ciErr, ok := types.AsCIError(s.Result().Errors[0])
		require.True(t, ok)
		assert.Equal(t, types.ErrMissingAPIKey, ciErr.Code)
		assert.Contains(t, cfg.Out.(*bytes.Buffer).String(), "MISSING_API_KEY")
	})

	t.Run("tolerated without fail-on-critical-errors", func(t *testing.T) {
		cfg := newTestConfig(t, srv.URL)
		cfg.AppKey = ""
		cfg.ExitFlags.FailOnCriticalErrors = false

		s, shutdown, err := startOnce(t, cfg)
		require.NoError(t, err)
		<-shutdown
		assert.Equal(t, exitcodes.Success, s.ExitCode())
	})
}

func TestRunOnce_InvalidTriggerConfig(t *testing.T) {
	srv := httptest.NewServer(&backend{status: "passed"})
	defer srv.Close()

	cfg := newTestConfig(t, srv.URL)
	cfg.PublicIDs = nil
	cfg.Files = []string{filepath.Join(t.TempDir(), "missing.yaml")}

	_, _, err := startOnce(t, cfg)
	require.Error(t, err)
	assert.True(t, IsConfigError(err))
}

func TestPeriodicMode(t *testing.T) {
	b := &backend{status: "failed"}
	srv := httptest.NewServer(b)
	defer srv.Close()

	cfg := newTestConfig(t, srv.URL)
	cfg.RunOnce = false
	cfg.RunInterval = 10 * time.Millisecond
	health := &healthRecorder{}
	cfg.Health = health

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s, err := New(ctx, cfg, "test", func(error) {})
	require.NoError(t, err)

	// failing runs do not stop the service in monitoring mode
	require.NoError(t, s.Start(ctx))
	require.Eventually(t, func() bool {
		return b.triggers.Load() >= 3
	}, 5*time.Second, 10*time.Millisecond)
	assert.False(t, s.Stopped())
	assert.False(t, health.healthy.Load())

	require.NoError(t, s.Stop(context.Background()))
	assert.True(t, s.Stopped())
	require.NoError(t, s.Stop(context.Background()))
}

func TestNewConfig(t *testing.T) {
	app := &cli.App{
		Flags: flags.Flags,
		Action: func(ctx *cli.Context) error {
			cfg, err := NewConfig(ctx, log.NewLogger(log.DiscardHandler()))
			require.NoError(t, err)

			assert.Equal(t, "https://api.example.com", cfg.APIURL)
			assert.Equal(t, []string{"abc", "def"}, cfg.PublicIDs)
			assert.Equal(t, types.ExecutionRuleNonBlocking, cfg.Defaults.ExecutionRule)
			assert.Equal(t, map[string]string{"ENV": "staging", "EMPTY": ""}, cfg.Defaults.Variables)
			require.NotNil(t, cfg.SelectiveRerun)
			assert.False(t, *cfg.SelectiveRerun)
			assert.True(t, cfg.RunOnce)
			assert.True(t, cfg.ExitFlags.FailOnCriticalErrors)
			assert.False(t, cfg.ExitFlags.FailOnTimeout)
			assert.Equal(t, 8080, cfg.Service.HealthzPort)
			assert.Zero(t, cfg.Service.MetricsPort)
			return nil
		},
	}
	require.NoError(t, app.Run([]string{"app",
		"--api-url", "https://api.example.com",
		"--public-id", "abc", "--public-id", "def",
		"--execution-rule", "non_blocking",
		"--variable", "ENV=staging", "--variable", "EMPTY=",
		"--selective-rerun=false",
		"--fail-on-timeout=false",
	}))
}

func TestNewConfig_Invalid(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"invalid execution rule", []string{"--execution-rule", "sometimes"}},
		{"invalid variable", []string{"--variable", "NOVALUE"}},
		{"negative run interval", []string{"--run-interval", "-1s"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var cfgErr error
			app := &cli.App{
				Flags: flags.Flags,
				Action: func(ctx *cli.Context) error {
					_, cfgErr = NewConfig(ctx, log.NewLogger(log.DiscardHandler()))
					return nil
				},
			}
			require.NoError(t, app.Run(append([]string{"app", "--api-url", "https://api.example.com"}, tt.args...)))
			assert.Error(t, cfgErr)
		})
	}
}
