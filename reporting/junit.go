package reporting

import (
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/acarl005/stripansi"
	"github.com/ethereum/go-ethereum/log"

	"github.com/ethereum-optimism/infra/op-synthetics/types"
)

const (
	DefaultJUnitRunName = "Synthetic tests"
	defaultSuiteName    = "Undefined suite"
)

type junitProperty struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

type junitFailure struct {
	Message string `xml:"message,attr,omitempty"`
	Type    string `xml:"type,attr,omitempty"`
	Text    string `xml:",chardata"`
}

type junitSkipped struct {
	Message string `xml:"message,attr,omitempty"`
}

type junitTestCase struct {
	Name                string          `xml:"name,attr"`
	Classname           string          `xml:"classname,attr"`
	Time                string          `xml:"time,attr"`
	StepsCount          int             `xml:"steps_count,attr"`
	StepsPassed         int             `xml:"steps_passed,attr"`
	StepsFailed         int             `xml:"steps_failed,attr"`
	StepsSkipped        int             `xml:"steps_skipped,attr"`
	StepsAllowedFailure int             `xml:"steps_allowed_failures,attr"`
	Properties          []junitProperty `xml:"properties>property,omitempty"`
	Failure             *junitFailure   `xml:"failure,omitempty"`
	Skipped             *junitSkipped   `xml:"skipped,omitempty"`
}

type junitTestSuite struct {
	Name      string          `xml:"name,attr"`
	Tests     int             `xml:"tests,attr"`
	Failures  int             `xml:"failures,attr"`
	Skipped   int             `xml:"skipped,attr"`
	Time      string          `xml:"time,attr"`
	TestCases []junitTestCase `xml:"testcase"`

	duration float64
}

type junitTestSuites struct {
	XMLName                xml.Name          `xml:"testsuites"`
	Name                   string            `xml:"name,attr"`
	BatchID                string            `xml:"batch_id,attr"`
	BatchURL               string            `xml:"batch_url,attr,omitempty"`
	TestsPassed            int               `xml:"tests_passed,attr"`
	TestsFailed            int               `xml:"tests_failed,attr"`
	TestsFailedNonBlocking int               `xml:"tests_failed_non_blocking,attr"`
	TestsSkipped           int               `xml:"tests_skipped,attr"`
	TestsTimedOut          int               `xml:"tests_timed_out,attr"`
	TestsNotFound          int               `xml:"tests_not_found,attr"`
	TestsNotAuthorized     int               `xml:"tests_not_authorized,attr"`
	CriticalErrors         int               `xml:"critical_errors,attr"`
	Suites                 []*junitTestSuite `xml:"testsuite"`
}

// JUnitReporter collects settled results and writes a single JUnit XML document when the run ends
type JUnitReporter struct {
	mu      sync.Mutex
	log     log.Logger
	path    string
	runName string

	batchURL string
	suites   []*junitTestSuite
	byName   map[string]*junitTestSuite
}

// NewJUnitReporter creates a reporter writing the report to path
func NewJUnitReporter(logger log.Logger, path, runName string) *JUnitReporter {
	if logger == nil {
		logger = log.New()
		logger.Error("No logger provided, using default")
	}
	if runName == "" {
		runName = DefaultJUnitRunName
	}
	return &JUnitReporter{
		log:     logger,
		path:    path,
		runName: runName,
		byName:  make(map[string]*junitTestSuite),
	}
}

// TestsTriggered implements Reporter
func (j *JUnitReporter) TestsTriggered(info TriggerInfo) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.batchURL = info.BatchURL
	return nil
}

// ResultReceived implements Reporter
func (j *JUnitReporter) ResultReceived(result types.Result, baseURL, _ string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	name := suiteName(result.Test)
	suite, ok := j.byName[name]
	if !ok {
		suite = &junitTestSuite{Name: name}
		j.byName[name] = suite
		j.suites = append(j.suites, suite)
	}

	tc := newTestCase(result, baseURL)
	suite.TestCases = append(suite.TestCases, tc)
	suite.Tests++
	suite.duration += result.Duration.Seconds()
	suite.Time = formatSeconds(suite.duration)
	switch {
	case tc.Failure != nil:
		suite.Failures++
	case tc.Skipped != nil:
		suite.Skipped++
	}
	return nil
}

// RunEnded implements Reporter
func (j *JUnitReporter) RunEnded(summary types.Summary, _ string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	doc := junitTestSuites{
		Name:                   j.runName,
		BatchID:                summary.BatchID,
		BatchURL:               j.batchURL,
		TestsPassed:            summary.Passed,
		TestsFailed:            summary.Failed,
		TestsFailedNonBlocking: summary.FailedNonBlocking,
		TestsSkipped:           summary.Skipped,
		TestsTimedOut:          summary.TimedOut,
		CriticalErrors:         summary.CriticalErrors,
		Suites:                 j.suites,
	}
	if summary.TestsNotFound != nil {
		doc.TestsNotFound = summary.TestsNotFound.Cardinality()
	}
	if summary.TestsNotAuthorized != nil {
		doc.TestsNotAuthorized = summary.TestsNotAuthorized.Cardinality()
	}

	out, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode junit report: %w", err)
	}
	if dir := filepath.Dir(j.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create junit report directory: %w", err)
		}
	}
	if err := os.WriteFile(j.path, append([]byte(xml.Header), out...), 0o644); err != nil {
		return fmt.Errorf("failed to write junit report: %w", err)
	}
	j.log.Info("JUnit report written", "path", j.path)
	return nil
}

func newTestCase(result types.Result, baseURL string) junitTestCase {
	var counts stepCounts
	counts.add(result.Steps)

	tc := junitTestCase{
		Name:                result.Test.DisplayName(),
		Classname:           suiteName(result.Test),
		Time:                formatSeconds(result.Duration.Seconds()),
		StepsCount:          counts.total,
		StepsPassed:         counts.passed,
		StepsFailed:         counts.failed,
		StepsSkipped:        counts.skipped,
		StepsAllowedFailure: counts.allowedFailures,
		Properties:          testCaseProperties(result, baseURL),
	}
	if result.Device != nil {
		tc.Name = fmt.Sprintf("%s - %s", tc.Name, deviceLabel(result.Device))
	}

	switch result.Outcome {
	case types.OutcomeFailed, types.OutcomeFailedNonBlocking, types.OutcomeTimedOut:
		tc.Failure = &junitFailure{
			Message: failureMessage(result),
			Type:    string(result.Outcome),
			Text:    failureText(result),
		}
	case types.OutcomeSkipped:
		tc.Skipped = &junitSkipped{Message: stripansi.Strip(result.FailureReason)}
	}
	return tc
}

func testCaseProperties(result types.Result, baseURL string) []junitProperty {
	props := []junitProperty{
		{Name: "public_id", Value: result.Test.PublicID},
		{Name: "status", Value: string(result.Outcome)},
		{Name: "execution_rule", Value: string(result.ExecutionRule)},
		{Name: "test_type", Value: result.Test.Type.String()},
		{Name: "retries", Value: strconv.Itoa(result.Retries)},
		{Name: "max_retries", Value: strconv.Itoa(result.MaxRetries)},
		{Name: "timed_out", Value: strconv.FormatBool(result.TimedOut)},
	}
	add := func(name, value string) {
		if value != "" {
			props = append(props, junitProperty{Name: name, Value: value})
		}
	}
	add("result_id", result.ResultID)
	add("location", result.Location)
	if result.Device != nil {
		add("device", result.Device.ID)
	}
	for _, tag := range result.Test.Tags {
		add("tag", tag)
	}
	if sr := result.SelectiveRerun; sr != nil {
		add("selective_rerun_decision", sr.Decision)
		add("selective_rerun_reason", sr.Reason)
		add("selective_rerun_linked_result_id", sr.LinkedResultID)
	}
	add("result_url", ResultURL(baseURL, result))
	return props
}

func failureMessage(result types.Result) string {
	if result.TimedOut {
		return "timed out"
	}
	if result.Outcome == types.OutcomeFailedNonBlocking {
		return "failed (non-blocking)"
	}
	return "failed"
}

// failureText lists the failure reason followed by every failing step
func failureText(result types.Result) string {
	text := result.FailureReason
	var walk func(steps []types.Step, prefix string)
	walk = func(steps []types.Step, prefix string) {
		for _, s := range steps {
			if s.Status == types.StepStatusFailed && s.Error != "" {
				allowed := ""
				if s.AllowFailure {
					allowed = " (allowed to fail)"
				}
				text += fmt.Sprintf("\n%s%s%s: %s", prefix, s.Name, allowed, s.Error)
			}
			walk(s.SubSteps, prefix+"  ")
		}
	}
	walk(result.Steps, "- ")
	return stripansi.Strip(text)
}

type stepCounts struct {
	total           int
	passed          int
	failed          int
	skipped         int
	allowedFailures int
}

func (c *stepCounts) add(steps []types.Step) {
	for _, s := range steps {
		c.total++
		switch {
		case s.Status == types.StepStatusFailed && s.AllowFailure:
			c.allowedFailures++
		case s.Status == types.StepStatusFailed:
			c.failed++
		case s.Status == types.StepStatusSkipped:
			c.skipped++
		default:
			c.passed++
		}
		c.add(s.SubSteps)
	}
}

func formatSeconds(s float64) string {
	return strconv.FormatFloat(s, 'f', 3, 64)
}
