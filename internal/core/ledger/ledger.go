// Package ledger records the last outcome of every case and enforces the
// status state machine:
//
//	pending → submitted → {success, failed, malformed}
//	failed | malformed → pending   (Requeue only)
//	submitted → pending            (Release only)
//
// The primary pass never resubmits failed or malformed cases. They come back
// only through an explicit Requeue.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/supportersimulator/categorizer/internal/core/domain"
	"github.com/supportersimulator/categorizer/internal/infra/storage"
)

// Manager owns the result ledger for one pipeline.
type Manager struct {
	pipeline string
	repo     storage.ResultRepository
	logger   *slog.Logger
	now      func() time.Time

	onTransition func(Transition)
}

func NewManager(pipeline string, repo storage.ResultRepository) *Manager {
	return &Manager{
		pipeline: pipeline,
		repo:     repo,
		logger:   slog.Default().With("pipeline", pipeline),
		now:      time.Now,
	}
}

// WithLogger sets the logger used for ledger events. The logger is expected
// to carry the pipeline attribute already.
func (m *Manager) WithLogger(l *slog.Logger) *Manager {
	m.logger = l
	return m
}

// SetTransitionCallback registers a callback for every persisted transition.
func (m *Manager) SetTransitionCallback(fn func(Transition)) {
	m.onTransition = fn
}

// Get returns the last recorded outcome for a case.
func (m *Manager) Get(ctx context.Context, caseID domain.CaseID) (*domain.ResultRecord, error) {
	return m.repo.Get(ctx, m.pipeline, caseID)
}

// Begin marks the batch records submitted and returns the batch with only
// the records that may be submitted. Records whose last status is failed or
// malformed are dropped: they are resubmitted only after Requeue.
func (m *Manager) Begin(ctx context.Context, batch domain.Batch) (domain.Batch, error) {
	if batch.Len() == 0 {
		return batch, nil
	}

	existing, err := m.repo.GetMany(ctx, m.pipeline, batch.CaseIDs())
	if err != nil {
		return batch, fmt.Errorf("failed to load results: %w", err)
	}

	now := m.now()
	accepted := batch
	accepted.Records = make([]domain.CaseRecord, 0, batch.Len())
	var (
		updates     []*domain.ResultRecord
		transitions []Transition
	)
	seen := make(map[domain.CaseID]bool, batch.Len())

	for _, rec := range batch.Records {
		if seen[rec.CaseID] {
			m.logger.Warn("duplicate case in batch, keeping first",
				"case_id", rec.CaseID,
				"row", rec.SourceRowIndex,
			)
			continue
		}
		seen[rec.CaseID] = true

		prev := existing[rec.CaseID]
		from := statusNone
		if prev != nil {
			from = prev.Status
		}
		if !CanTransition(from, domain.StatusSubmitted) {
			m.logger.Debug("skipping case awaiting retry",
				"case_id", rec.CaseID,
				"status", from,
			)
			continue
		}

		next := &domain.ResultRecord{
			Pipeline:  m.pipeline,
			CaseID:    rec.CaseID,
			Status:    domain.StatusSubmitted,
			UpdatedAt: now,
			Attempts:  1,
		}
		if prev != nil {
			next.Labels = maps.Clone(prev.Labels)
			next.Comparison = maps.Clone(prev.Comparison)
			next.Attempts = prev.Attempts + 1
			next.RetryCount = prev.RetryCount
		}
		updates = append(updates, next)
		transitions = append(transitions, NewTransition(rec.CaseID, from, domain.StatusSubmitted, string(batch.Origin)))
		accepted.Records = append(accepted.Records, rec)
	}

	if len(updates) > 0 {
		if err := m.repo.Upsert(ctx, updates); err != nil {
			return batch, fmt.Errorf("failed to mark submitted: %w", err)
		}
	}
	m.notify(transitions)

	return accepted, nil
}

// Record persists the outcome of submitted cases. Results for cases not in
// the submitted state, or with a non-terminal status, are rejected with
// ErrInvalidTransition after the valid ones are saved.
func (m *Manager) Record(ctx context.Context, results []domain.ClassificationResult) error {
	if len(results) == 0 {
		return nil
	}

	ids := make([]domain.CaseID, 0, len(results))
	for _, r := range results {
		ids = append(ids, r.CaseID)
	}
	existing, err := m.repo.GetMany(ctx, m.pipeline, ids)
	if err != nil {
		return fmt.Errorf("failed to load results: %w", err)
	}

	now := m.now()
	var (
		updates     []*domain.ResultRecord
		transitions []Transition
		invalid     []domain.CaseID
	)
	for _, r := range results {
		prev := existing[r.CaseID]
		from := statusNone
		if prev != nil {
			from = prev.Status
		}
		if from != domain.StatusSubmitted || !r.Status.IsTerminal() || !CanTransition(from, r.Status) {
			invalid = append(invalid, r.CaseID)
			continue
		}

		next := &domain.ResultRecord{
			Pipeline:   m.pipeline,
			CaseID:     r.CaseID,
			Status:     r.Status,
			Error:      r.Error,
			Attempts:   prev.Attempts,
			RetryCount: prev.RetryCount,
			UpdatedAt:  now,
			Labels:     prev.Labels,
			Comparison: prev.Comparison,
		}
		if r.Status == domain.StatusSuccess {
			next.Labels = maps.Clone(r.Labels)
			next.Comparison = compare(prev, r)
		}
		updates = append(updates, next)
		transitions = append(transitions, NewTransition(r.CaseID, from, r.Status, r.Error))
		existing[r.CaseID] = next
	}

	if len(updates) > 0 {
		if err := m.repo.Upsert(ctx, updates); err != nil {
			return fmt.Errorf("failed to record results: %w", err)
		}
	}
	m.notify(transitions)

	if len(invalid) > 0 {
		return fmt.Errorf("%w: %d results not in submitted state: %v", ErrInvalidTransition, len(invalid), invalid)
	}
	return nil
}

// Requeue moves failed and malformed cases back to pending for an explicit
// retry. It returns the IDs eligible for resubmission; IDs whose last status
// is success or that were never recorded are returned as skipped.
func (m *Manager) Requeue(ctx context.Context, caseIDs []domain.CaseID) (queued, skipped []domain.CaseID, err error) {
	existing, err := m.repo.GetMany(ctx, m.pipeline, caseIDs)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load results: %w", err)
	}

	now := m.now()
	var (
		updates     []*domain.ResultRecord
		transitions []Transition
	)
	seen := make(map[domain.CaseID]bool, len(caseIDs))
	for _, id := range caseIDs {
		if seen[id] {
			continue
		}
		seen[id] = true

		prev, ok := existing[id]
		if !ok {
			skipped = append(skipped, id)
			continue
		}
		switch {
		case prev.Status.NeedsRetry():
			next := *prev
			next.Labels = maps.Clone(prev.Labels)
			next.Comparison = maps.Clone(prev.Comparison)
			next.Status = domain.StatusPending
			next.RetryCount++
			next.UpdatedAt = now
			updates = append(updates, &next)
			transitions = append(transitions, NewTransition(id, prev.Status, domain.StatusPending, "requeue"))
			queued = append(queued, id)
		case prev.Status == domain.StatusPending || prev.Status == domain.StatusSubmitted:
			// Left over from an interrupted retry.
			queued = append(queued, id)
		default:
			skipped = append(skipped, id)
		}
	}

	if len(updates) > 0 {
		if err := m.repo.Upsert(ctx, updates); err != nil {
			return nil, nil, fmt.Errorf("failed to requeue: %w", err)
		}
	}
	m.notify(transitions)

	return queued, skipped, nil
}

// Release moves submitted cases back to pending so an abandoned retry batch
// stays eligible for the next retry. Cases in any other state are left as
// they are.
func (m *Manager) Release(ctx context.Context, caseIDs []domain.CaseID) error {
	if len(caseIDs) == 0 {
		return nil
	}
	existing, err := m.repo.GetMany(ctx, m.pipeline, caseIDs)
	if err != nil {
		return fmt.Errorf("failed to load results: %w", err)
	}

	now := m.now()
	var (
		updates     []*domain.ResultRecord
		transitions []Transition
	)
	for _, id := range caseIDs {
		prev, ok := existing[id]
		if !ok || prev.Status != domain.StatusSubmitted {
			continue
		}
		next := *prev
		next.Labels = maps.Clone(prev.Labels)
		next.Comparison = maps.Clone(prev.Comparison)
		next.Status = domain.StatusPending
		next.UpdatedAt = now
		updates = append(updates, &next)
		transitions = append(transitions, NewTransition(id, prev.Status, domain.StatusPending, "released"))
		existing[id] = &next
	}

	if len(updates) > 0 {
		if err := m.repo.Upsert(ctx, updates); err != nil {
			return fmt.Errorf("failed to release cases: %w", err)
		}
	}
	m.notify(transitions)
	return nil
}

// retryStatuses are the statuses a retry scan looks at. submitted records
// only count when they were left behind by a retry; see Failed.
var retryStatuses = []domain.ResultStatus{
	domain.StatusFailed,
	domain.StatusMalformed,
	domain.StatusPending,
	domain.StatusSubmitted,
}

// Failed lists the cases a retry should pick up, lowest retry count first:
// failed and malformed cases plus the leftovers of an interrupted retry
// (pending, or submitted with a non-zero retry count). A limit of zero or
// less lists all of them.
func (m *Manager) Failed(ctx context.Context, limit int) ([]*domain.ResultRecord, error) {
	records, err := m.repo.ListByStatus(ctx, m.pipeline, retryStatuses, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to list failed results: %w", err)
	}

	out := records[:0]
	for _, r := range records {
		if r.Status == domain.StatusSubmitted && r.RetryCount == 0 {
			// In flight on the primary pass; the cursor replays it.
			continue
		}
		out = append(out, r)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// FailedCaseIDs lists the IDs Failed returns.
func (m *Manager) FailedCaseIDs(ctx context.Context, limit int) ([]domain.CaseID, error) {
	records, err := m.Failed(ctx, limit)
	if err != nil {
		return nil, err
	}
	ids := make([]domain.CaseID, 0, len(records))
	for _, r := range records {
		ids = append(ids, r.CaseID)
	}
	return ids, nil
}

// Counts returns the number of cases per status.
func (m *Manager) Counts(ctx context.Context) (map[domain.ResultStatus]int, error) {
	counts, err := m.repo.CountByStatus(ctx, m.pipeline)
	if err != nil {
		return nil, fmt.Errorf("failed to count results: %w", err)
	}
	return counts, nil
}

// LabelStats aggregates successful cases per label value.
func (m *Manager) LabelStats(ctx context.Context) ([]domain.LabelStat, error) {
	stats, err := m.repo.LabelStats(ctx, m.pipeline)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate labels: %w", err)
	}
	return stats, nil
}

// Records lists every recorded case ordered by case ID.
func (m *Manager) Records(ctx context.Context) ([]*domain.ResultRecord, error) {
	records, err := m.repo.ListByStatus(ctx, m.pipeline, allStatuses, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to list results: %w", err)
	}
	slices.SortFunc(records, func(a, b *domain.ResultRecord) int {
		return strings.Compare(string(a.CaseID), string(b.CaseID))
	})
	return records, nil
}

var allStatuses = []domain.ResultStatus{
	domain.StatusPending,
	domain.StatusSubmitted,
	domain.StatusSuccess,
	domain.StatusFailed,
	domain.StatusMalformed,
}

func (m *Manager) notify(transitions []Transition) {
	if m.onTransition == nil {
		return
	}
	for _, t := range transitions {
		m.onTransition(t)
	}
}

// compare relates each suggested label to the cell it replaced. A cell that
// still holds the label this ledger wrote last time keeps its earlier
// comparison, so rerunning a case does not turn every result into a match.
func compare(prev *domain.ResultRecord, r domain.ClassificationResult) map[string]domain.Comparison {
	if r.Previous == nil {
		return nil
	}
	out := make(map[string]domain.Comparison, len(r.Labels))
	for label, suggested := range r.Labels {
		cell, ok := r.Previous[label]
		if !ok {
			continue
		}
		if prev != nil && cell != "" && prev.Labels[label] == cell {
			if c, ok := prev.Comparison[label]; ok {
				out[label] = c
				continue
			}
		}
		out[label] = domain.Compare(cell, suggested)
	}
	return out
}
