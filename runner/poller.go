package runner

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/ethereum-optimism/infra/op-synthetics/api"
	"github.com/ethereum-optimism/infra/op-synthetics/types"
)

// PollState is the state of the batch poll loop
type PollState int

const (
	PollStatePolling PollState = iota
	PollStateFinalized
	PollStateTimedOut
)

func (s PollState) String() string {
	switch s {
	case PollStatePolling:
		return "polling"
	case PollStateFinalized:
		return "finalized"
	case PollStateTimedOut:
		return "timed_out"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// progressSink receives polling progress
type progressSink interface {
	TestsWaiting(pending int, elapsed time.Duration)
}

// poller drives one batch to completion. One fetch is in flight at a time.
type poller struct {
	log      log.Logger
	backend  Backend
	metrics  Metrics
	progress progressSink
	agg      *aggregator

	batchID  string
	location string // location attributed to tests that never produced an entry
	interval time.Duration
	timeout  time.Duration

	state      PollState
	pending    map[types.EntryKey]*types.PendingEntry
	receivedAt time.Time // zero until the first terminal entry is seen
	lastErr    error
}

func newPoller(logger log.Logger, backend Backend, metrics Metrics, progress progressSink, agg *aggregator,
	batchID, location string, interval, timeout time.Duration) *poller {
	return &poller{
		log:      logger,
		backend:  backend,
		metrics:  metrics,
		progress: progress,
		agg:      agg,
		batchID:  batchID,
		location: location,
		interval: interval,
		timeout:  timeout,
		state:    PollStatePolling,
		pending:  make(map[types.EntryKey]*types.PendingEntry),
	}
}

// run polls until every entry is terminal or the batch timeout elapses. Cancelling ctx is handled
// like a timeout. The returned error is a critical CI error when the batch never produced a result.
func (p *poller) run(ctx context.Context) (PollState, error) {
	start := time.Now()
	pollCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		if p.cycle(pollCtx) {
			p.state = PollStateFinalized
			p.log.Info("Batch finalized", "batch_id", p.batchID, "elapsed", time.Since(start))
			return p.state, nil
		}
		p.progress.TestsWaiting(p.pendingCount(), time.Since(start))

		select {
		case <-pollCtx.Done():
			return p.expire(ctx.Err() != nil)
		case <-ticker.C:
		}
	}
}

// cycle performs one fetch and reconciles every entry. It returns true once the batch is complete.
func (p *poller) cycle(ctx context.Context) bool {
	batch, err := p.backend.GetBatch(ctx, p.batchID)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		p.log.Warn("Error polling batch, retrying on next tick", "batch_id", p.batchID, "err", err)
		p.lastErr = err
		p.metrics.RecordPoll(err)
		return false
	}
	p.metrics.RecordPoll(nil)

	var finalized []*types.FinalizedEntry
	for _, entry := range batch.Entries {
		if p.receivedAt.IsZero() && types.IsTerminal(entry) {
			p.receivedAt = time.Now()
		}
		key := entry.Key()
		switch e := entry.(type) {
		case *types.PendingEntry:
			if p.agg.settles(key) {
				// the backend never un-finalizes an entry
				p.log.Debug("Ignoring pending entry for a finalized key", "key", key)
				continue
			}
			p.pending[key] = e
			p.agg.nonFinal(e)
		case *types.FinalizedEntry:
			delete(p.pending, key)
			if !p.agg.isFinalized(key) {
				finalized = append(finalized, e)
			}
		case *types.SkippedEntry:
			p.dropPendingTest(e.TestID)
			p.agg.skip(e)
		default:
			panic(fmt.Sprintf("unexpected batch entry %T", entry))
		}
	}

	details := p.fetchDetails(ctx, finalized)
	for _, e := range finalized {
		var detail *api.ResultDetail
		if d, ok := details[e.ResultID]; ok {
			detail = &d
		}
		p.agg.finalize(e, detail)
	}
	// pending entries do not always carry the device their final result reports
	for key := range p.pending {
		if p.agg.settles(key) {
			delete(p.pending, key)
		}
	}

	if len(p.pending) > 0 {
		return false
	}
	missing := p.agg.missingTests()
	if len(missing) == 0 {
		return true
	}
	if !batch.InProgress() {
		for _, id := range missing {
			p.agg.timeOutMissing(id, p.location, reasonBatchNoResult)
		}
		return true
	}
	return false
}

// fetchDetails is best effort: results without details are still reported
func (p *poller) fetchDetails(ctx context.Context, entries []*types.FinalizedEntry) map[string]api.ResultDetail {
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.ResultID != "" {
			ids = append(ids, e.ResultID)
		}
	}
	if len(ids) == 0 {
		return nil
	}
	details, err := p.backend.PollResults(ctx, ids)
	if err != nil {
		p.log.Warn("Error fetching result details", "batch_id", p.batchID, "results", len(ids), "err", err)
		return nil
	}
	return details
}

// expire synthesizes timed out results for everything that is still pending
func (p *poller) expire(cancelled bool) (PollState, error) {
	p.state = PollStateTimedOut
	reason := reasonBatchTimeout
	if cancelled {
		reason = reasonRunCancelled
	}
	p.log.Warn("Batch did not finish in time", "batch_id", p.batchID, "pending", p.pendingCount(), "reason", reason)

	var err error
	if p.receivedAt.IsZero() && !cancelled {
		if p.lastErr != nil {
			err = types.NewCriticalError(types.ErrPollResultsFailed,
				fmt.Errorf("no result received for batch %s within %s: %w", p.batchID, p.timeout, p.lastErr))
		} else {
			err = types.NewCriticalError(types.ErrBatchTimeoutRunaway,
				fmt.Errorf("no result received for batch %s within %s", p.batchID, p.timeout))
		}
	}

	keys := make([]types.EntryKey, 0, len(p.pending))
	for key := range p.pending {
		keys = append(keys, key)
	}
	slices.SortFunc(keys, func(a, b types.EntryKey) int { return strings.Compare(a.String(), b.String()) })
	for _, key := range keys {
		p.agg.timeOut(p.pending[key], reason)
	}
	clear(p.pending)
	for _, id := range p.agg.missingTests() {
		p.agg.timeOutMissing(id, p.location, reason)
	}
	return p.state, err
}

func (p *poller) dropPendingTest(testID string) {
	for key := range p.pending {
		if key.TestID == testID {
			delete(p.pending, key)
		}
	}
}

func (p *poller) pendingCount() int {
	return len(p.pending) + len(p.agg.missingTests())
}
