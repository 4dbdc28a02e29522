package reporting

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/ethereum-optimism/infra/op-synthetics/types"
)

// ConsoleReporter prints progress while the run is going and a results table when it ends
type ConsoleReporter struct {
	mu          sync.Mutex
	out         io.Writer
	results     []types.Result
	batchURL    string
	lastPending int
}

// NewConsoleReporter creates a console reporter writing to out, or stdout when out is nil
func NewConsoleReporter(out io.Writer) *ConsoleReporter {
	if out == nil {
		out = os.Stdout
	}
	return &ConsoleReporter{out: out, lastPending: -1}
}

// TestsTriggered implements Reporter
func (c *ConsoleReporter) TestsTriggered(info TriggerInfo) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batchURL = info.BatchURL

	if info.BatchID == "" {
		_, err := fmt.Fprintf(c.out, "No tests triggered, %d skipped\n", len(info.Skipped))
		return err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Triggered %d tests in batch %s\n", len(info.Tests), info.BatchID)
	if len(info.Skipped) > 0 {
		fmt.Fprintf(&b, "  %d tests skipped by their execution rule\n", len(info.Skipped))
	}
	if info.Tunnel != nil {
		fmt.Fprintf(&b, "  traffic is tunneled through %s\n", info.Tunnel.Host)
	}
	if len(info.Locations) > 0 {
		names := make([]string, 0, len(info.Locations))
		for _, l := range info.Locations {
			names = append(names, locationName(l))
		}
		fmt.Fprintf(&b, "  locations: %s\n", strings.Join(names, ", "))
	}
	if info.BatchURL != "" {
		fmt.Fprintf(&b, "  %s\n", info.BatchURL)
	}
	_, err := io.WriteString(c.out, b.String())
	return err
}

// ResultReceived implements Reporter
func (c *ConsoleReporter) ResultReceived(result types.Result, baseURL, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results = append(c.results, result)

	line := fmt.Sprintf("%s %s", outcomeString(result.Outcome), result.Test.DisplayName())
	if where := resultWhere(result); where != "" {
		line += " [" + where + "]"
	}
	if result.Duration > 0 {
		line += " (" + formatDuration(result.Duration) + ")"
	}
	if result.FailureReason != "" && result.Outcome != types.OutcomePassed {
		line += ": " + result.FailureReason
	}
	if u := ResultURL(baseURL, result); u != "" {
		line += "\n    " + u
	}
	_, err := fmt.Fprintln(c.out, line)
	return err
}

// TestsWaiting implements ProgressReporter. Only changes in the pending count are printed.
func (c *ConsoleReporter) TestsWaiting(pending int, elapsed time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if pending == c.lastPending || pending == 0 {
		return
	}
	c.lastPending = pending
	_, _ = fmt.Fprintf(c.out, "Waiting for %d test results (%s elapsed)\n", pending, formatDuration(elapsed))
}

// Error implements ErrorReporter
func (c *ConsoleReporter) Error(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ciErr, ok := types.AsCIError(err); ok {
		_, _ = fmt.Fprintf(c.out, "✗ %s: %v\n", ciErr.Code, ciErr.Err)
		if hint := ciErr.Hint(); hint != "" {
			_, _ = fmt.Fprintf(c.out, "  hint: %s\n", hint)
		}
		return
	}
	_, _ = fmt.Fprintf(c.out, "✗ %v\n", err)
}

// RunEnded implements Reporter
func (c *ConsoleReporter) RunEnded(summary types.Summary, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := table.NewWriter()
	t.SetOutputMirror(c.out)
	title := "Synthetic Test Results"
	if summary.BatchID != "" {
		title = fmt.Sprintf("Synthetic Test Results (batch %s)", summary.BatchID)
	}
	t.SetTitle(title)
	t.AppendHeader(table.Row{"Suite", "Test", "Location", "Duration", "Retries", "Status", "Error"})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Name: "Suite", AutoMerge: true},
		{Name: "Test", WidthMax: 50, WidthMaxEnforcer: text.WrapSoft},
		{Name: "Duration", Align: text.AlignRight},
		{Name: "Retries", Align: text.AlignRight},
		{Name: "Error", WidthMax: 80, WidthMaxEnforcer: text.WrapSoft},
	})

	results := make([]types.Result, len(c.results))
	copy(results, c.results)
	sort.SliceStable(results, func(i, j int) bool {
		return suiteName(results[i].Test) < suiteName(results[j].Test)
	})
	for _, r := range results {
		errMsg := ""
		if r.Outcome != types.OutcomePassed && r.Outcome != types.OutcomeSkipped {
			errMsg = r.FailureReason
		}
		t.AppendRow(table.Row{
			suiteName(r.Test),
			r.Test.DisplayName(),
			resultWhere(r),
			formatDuration(r.Duration),
			fmt.Sprintf("%d/%d", r.Retries, r.MaxRetries),
			outcomeString(r.Outcome),
			errMsg,
		})
	}

	switch {
	case summary.Failed > 0 || summary.CriticalErrors > 0:
		t.SetStyle(table.StyleColoredBlackOnRedWhite)
	case summary.TimedOut > 0 || summary.FailedNonBlocking > 0:
		t.SetStyle(table.StyleColoredBlackOnYellowWhite)
	default:
		t.SetStyle(table.StyleColoredBlackOnGreenWhite)
	}

	t.AppendFooter(table.Row{
		"TOTAL",
		fmt.Sprintf("%d passed, %d failed, %d non-blocking, %d skipped, %d timed out",
			summary.Passed, summary.Failed, summary.FailedNonBlocking, summary.Skipped, summary.TimedOut),
		"", "", "", "",
		fmt.Sprintf("%d critical errors", summary.CriticalErrors),
	})
	t.Render()

	if summary.TestsNotFound != nil && summary.TestsNotFound.Cardinality() > 0 {
		_, _ = fmt.Fprintf(c.out, "Tests not found: %s\n", strings.Join(sortedIDs(summary.TestsNotFound.ToSlice()), ", "))
	}
	if summary.TestsNotAuthorized != nil && summary.TestsNotAuthorized.Cardinality() > 0 {
		_, _ = fmt.Fprintf(c.out, "Tests not authorized: %s\n", strings.Join(sortedIDs(summary.TestsNotAuthorized.ToSlice()), ", "))
	}
	if c.batchURL != "" {
		_, _ = fmt.Fprintf(c.out, "View results: %s\n", c.batchURL)
	}
	return nil
}

func outcomeString(o types.Outcome) string {
	switch o {
	case types.OutcomePassed:
		return "✓ pass"
	case types.OutcomeSkipped:
		return "- skip"
	case types.OutcomeFailedNonBlocking:
		return "✗ fail (non-blocking)"
	case types.OutcomeTimedOut:
		return "⏱ timeout"
	default:
		return "✗ fail"
	}
}

func resultWhere(r types.Result) string {
	parts := make([]string, 0, 2)
	if r.Location != "" {
		parts = append(parts, r.Location)
	}
	if r.Device != nil {
		parts = append(parts, deviceLabel(r.Device))
	}
	return strings.Join(parts, " / ")
}

func deviceLabel(d *types.Device) string {
	if d.Name != "" {
		return d.Name
	}
	return d.ID
}

func locationName(l types.Location) string {
	if l.DisplayName != "" {
		return l.DisplayName
	}
	if l.Name != "" {
		return l.Name
	}
	return l.ID
}

func suiteName(t types.TestDefinition) string {
	if t.Suite != "" {
		return t.Suite
	}
	return defaultSuiteName
}

func sortedIDs(ids []string) []string {
	sort.Strings(ids)
	return ids
}

func formatDuration(d time.Duration) string {
	return fmt.Sprintf("%.1fs", d.Seconds())
}
