// Package recovery retries failed and malformed cases on explicit request.
// Retried cases are located by case ID in the current row store, so edits
// made since the original run do not misplace results.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/supportersimulator/categorizer/internal/core/domain"
	"github.com/supportersimulator/categorizer/internal/core/ledger"
	"github.com/supportersimulator/categorizer/internal/pipeline/metrics"
	"github.com/supportersimulator/categorizer/internal/pipeline/process"
)

// ReasonNotFound is recorded for retried cases no longer in the row store.
const ReasonNotFound = "case not found"

// KeyExtractor resolves cases by ID.
type KeyExtractor interface {
	ExtractKeys(ctx context.Context, ids []domain.CaseID) ([]domain.CaseRecord, []domain.CaseID, error)
}

// BatchProcessor runs one batch end to end.
type BatchProcessor interface {
	Process(ctx context.Context, batch domain.Batch) (process.Outcome, error)
}

// Summary reports one Retry call.
type Summary struct {
	Requested int
	Queued    int
	// Skipped IDs were never recorded or already succeeded.
	Skipped  []domain.CaseID
	NotFound []domain.CaseID
	Batches  int
	Results  []domain.ClassificationResult
}

// Count returns the number of results with the given status.
func (s Summary) Count(status domain.ResultStatus) int {
	n := 0
	for _, r := range s.Results {
		if r.Status == status {
			n++
		}
	}
	return n
}

// Coordinator retries failed cases for one pipeline.
type Coordinator struct {
	pipeline  string
	ledger    *ledger.Manager
	strategy  RetryStrategy
	batchSize int
	logger    *slog.Logger
	now       func() time.Time
}

// NewCoordinator creates a coordinator. A nil strategy uses DefaultBackoff.
func NewCoordinator(pipeline string, l *ledger.Manager, strategy RetryStrategy, batchSize int, logger *slog.Logger) *Coordinator {
	if strategy == nil {
		strategy = DefaultBackoff()
	}
	if logger == nil {
		logger = slog.Default().With("pipeline", pipeline)
	}
	return &Coordinator{
		pipeline:  pipeline,
		ledger:    l,
		strategy:  strategy,
		batchSize: max(batchSize, 1),
		logger:    logger.With("component", "recovery"),
		now:       time.Now,
	}
}

// FailedCaseIDs lists up to limit failed and malformed cases, plus cases
// left behind by an interrupted retry, lowest retry count first.
func (c *Coordinator) FailedCaseIDs(ctx context.Context, limit int) ([]domain.CaseID, error) {
	return c.ledger.FailedCaseIDs(ctx, limit)
}

// DueCaseIDs lists failed cases whose backoff has elapsed and whose retry
// budget is not exhausted. Leftovers of an interrupted retry are due at once.
// Used by scheduled retries.
func (c *Coordinator) DueCaseIDs(ctx context.Context, limit int) ([]domain.CaseID, error) {
	records, err := c.ledger.Failed(ctx, 0)
	if err != nil {
		return nil, err
	}
	metrics.FailedCases.WithLabelValues(c.pipeline).Set(float64(len(records)))

	now := c.now()
	var ids []domain.CaseID
	for _, rec := range records {
		if !due(c.strategy, rec, now) {
			continue
		}
		ids = append(ids, rec.CaseID)
		if limit > 0 && len(ids) >= limit {
			break
		}
	}
	return ids, nil
}

// Retry requeues the given cases, re-reads their current rows and runs them
// through the processor in batches. Cases that succeeded or were never
// recorded are skipped. An error stops at the failing batch; earlier batches
// stay recorded and the cases of the failing batch are released back to
// pending, so the next retry picks them up again.
func (c *Coordinator) Retry(ctx context.Context, ex KeyExtractor, proc BatchProcessor, ids []domain.CaseID) (Summary, error) {
	summary := Summary{Requested: len(ids)}
	if len(ids) == 0 {
		return summary, nil
	}

	queued, skipped, err := c.ledger.Requeue(ctx, ids)
	if err != nil {
		return summary, err
	}
	summary.Queued = len(queued)
	summary.Skipped = skipped
	if len(skipped) > 0 {
		c.logger.Info("skipping cases not eligible for retry", "count", len(skipped), "case_ids", skipped)
	}
	if len(queued) == 0 {
		return summary, nil
	}

	records, missing, err := ex.ExtractKeys(ctx, queued)
	if err != nil {
		return summary, fmt.Errorf("failed to resolve cases: %w", err)
	}
	if len(missing) > 0 {
		if err := c.recordNotFound(ctx, missing); err != nil {
			return summary, err
		}
		summary.NotFound = missing
	}

	for start := 0; start < len(records); start += c.batchSize {
		end := min(start+c.batchSize, len(records))
		batch := domain.Batch{Origin: domain.OriginRetry, Records: records[start:end]}

		out, err := proc.Process(ctx, batch)
		summary.Results = append(summary.Results, out.Results...)
		if err != nil {
			if rerr := c.ledger.Release(context.WithoutCancel(ctx), batch.CaseIDs()); rerr != nil {
				c.logger.Error("failed to release abandoned retry batch", "error", rerr)
			}
			return summary, fmt.Errorf("retry batch %d failed: %w", summary.Batches+1, err)
		}
		summary.Batches++
	}

	c.logger.Info("retry complete",
		"requested", summary.Requested,
		"queued", summary.Queued,
		"not_found", len(summary.NotFound),
		"success", summary.Count(domain.StatusSuccess),
		"failed", summary.Count(domain.StatusFailed),
		"malformed", summary.Count(domain.StatusMalformed),
	)
	return summary, nil
}

// recordNotFound records cases whose rows are gone as failed. They pass
// through submitted so the ledger history stays valid.
func (c *Coordinator) recordNotFound(ctx context.Context, ids []domain.CaseID) error {
	batch := domain.Batch{Origin: domain.OriginRetry}
	for _, id := range ids {
		batch.Records = append(batch.Records, domain.CaseRecord{CaseID: id, SourceRowIndex: -1})
	}
	accepted, err := c.ledger.Begin(ctx, batch)
	if err != nil {
		return err
	}

	results := make([]domain.ClassificationResult, 0, accepted.Len())
	for _, id := range accepted.CaseIDs() {
		c.logger.Warn("retried case no longer in row store", "case_id", id)
		results = append(results, domain.ClassificationResult{
			CaseID:         id,
			ResultRowIndex: -1,
			Status:         domain.StatusFailed,
			Error:          ReasonNotFound,
		})
	}
	return c.ledger.Record(ctx, results)
}
