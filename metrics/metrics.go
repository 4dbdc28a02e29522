package metrics

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ethereum-optimism/infra/op-synthetics/types"
)

const (
	MetricsNamespace = "synthetics"
)

var (
	Debug                bool = true
	nonAlphanumericRegex      = regexp.MustCompile(`[^a-zA-Z ]+`)

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "errors_total",
		Help:      "Count of errors",
	}, []string{
		"error",
	})

	criticalErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "critical_errors_total",
		Help:      "Count of critical CI errors by code",
	}, []string{
		"code",
	})

	pollsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "polls_total",
		Help:      "Count of batch polls",
	}, []string{
		"outcome",
	})

	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "runs_total",
		Help:      "Count of runs by final poller state",
	}, []string{
		"state",
	})

	runDuration = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Name:      "run_duration_seconds",
		Help:      "Duration of the last run",
	}, []string{
		"state",
	})

	resultsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "results_total",
		Help:      "Count of settled results",
	}, []string{
		"test_type",
		"execution_rule",
		"outcome",
	})

	batchResults = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Name:      "batch_results",
		Help:      "Results of the last batch by outcome",
	}, []string{
		"outcome",
	})

	testsPending = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Name:      "tests_pending",
		Help:      "Number of results still awaited in the current batch",
	})

	tunnelRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "tunnel_requests_total",
		Help:      "Count of requests relayed through the tunnel",
	}, []string{
		"outcome",
	})
)

// errToLabel tries to make the error string a more valid Prometheus label
func errToLabel(err error) string {
	if err == nil {
		return "nil"
	}
	errClean := nonAlphanumericRegex.ReplaceAllString(err.Error(), "")
	errClean = strings.ReplaceAll(errClean, " ", "_")
	errClean = strings.ReplaceAll(errClean, "__", "_")
	return errClean
}

func RecordError(error string) {
	if Debug {
		log.Debug("metric inc",
			"m", "errors_total",
			"error", error,
		)
	}
	errorsTotal.WithLabelValues(error).Inc()
}

// RecordErrorDetails concats the error message to the label
// and also tries to clean the label to be a valid Prometheus label
func RecordErrorDetails(label string, err error) {
	if err == nil {
		return
	}
	label = fmt.Sprintf("%s.%s", label, errToLabel(err))
	RecordError(label)
}

func RecordCriticalError(code types.ErrorCode) {
	if Debug {
		log.Debug("metric inc",
			"m", "critical_errors_total",
			"code", code,
		)
	}
	criticalErrorsTotal.WithLabelValues(string(code)).Inc()
}

func RecordPoll(err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
		RecordErrorDetails("poll", err)
	}
	pollsTotal.WithLabelValues(outcome).Inc()
}

func RecordRun(state string, duration time.Duration) {
	if Debug {
		log.Debug("metric inc",
			"m", "runs_total",
			"state", state,
			"duration", duration)
	}
	runsTotal.WithLabelValues(state).Inc()
	runDuration.WithLabelValues(state).Set(duration.Seconds())
}

func RecordResult(testType types.TestType, rule types.ExecutionRule, outcome types.Outcome) {
	resultsTotal.WithLabelValues(testType.String(), string(rule), string(outcome)).Inc()
}

func RecordBatch(summary types.Summary) {
	batchResults.WithLabelValues(string(types.OutcomePassed)).Set(float64(summary.Passed))
	batchResults.WithLabelValues(string(types.OutcomeFailed)).Set(float64(summary.Failed))
	batchResults.WithLabelValues(string(types.OutcomeFailedNonBlocking)).Set(float64(summary.FailedNonBlocking))
	batchResults.WithLabelValues(string(types.OutcomeSkipped)).Set(float64(summary.Skipped))
	batchResults.WithLabelValues(string(types.OutcomeTimedOut)).Set(float64(summary.TimedOut))
}

func RecordTestsPending(pending int) {
	testsPending.Set(float64(pending))
}

func RecordTunnelRequest(outcome string) {
	tunnelRequestsTotal.WithLabelValues(outcome).Inc()
}
