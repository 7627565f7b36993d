package ledger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/supportersimulator/categorizer/internal/core/domain"
	"github.com/supportersimulator/categorizer/internal/infra/storage/memory"
)

func newTestLedger() *Manager {
	return NewManager("cases", memory.NewResultRepo(memory.NewMemoryStorage()))
}

func batchOf(origin domain.BatchOrigin, ids ...domain.CaseID) domain.Batch {
	b := domain.Batch{Origin: origin}
	for i, id := range ids {
		b.Records = append(b.Records, domain.CaseRecord{CaseID: id, SourceRowIndex: i})
	}
	return b
}

// =============================================================================
// State Transition Tests
// =============================================================================

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name     string
		from     Status
		to       Status
		expected bool
	}{
		{"unseen to submitted", statusNone, domain.StatusSubmitted, true},
		{"pending to submitted", domain.StatusPending, domain.StatusSubmitted, true},
		{"submitted to success", domain.StatusSubmitted, domain.StatusSuccess, true},
		{"submitted to failed", domain.StatusSubmitted, domain.StatusFailed, true},
		{"submitted to malformed", domain.StatusSubmitted, domain.StatusMalformed, true},
		{"success to submitted", domain.StatusSuccess, domain.StatusSubmitted, true},
		{"failed to submitted", domain.StatusFailed, domain.StatusSubmitted, false},
		{"malformed to submitted", domain.StatusMalformed, domain.StatusSubmitted, false},
		{"failed to pending", domain.StatusFailed, domain.StatusPending, true},
		{"success to pending", domain.StatusSuccess, domain.StatusPending, false},
		{"pending to success", domain.StatusPending, domain.StatusSuccess, false},
		{"submitted to pending", domain.StatusSubmitted, domain.StatusPending, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.expected, CanTransition(tt.from, tt.to))
		})
	}
}

func TestStatusDescription(t *testing.T) {
	require.Equal(t, "Unknown status", StatusDescription("bogus"))
	require.Contains(t, StatusDescription(domain.StatusMalformed), "Malformed")
}

// =============================================================================
// Manager Tests
// =============================================================================

func TestBeginAndRecord(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger()

	var transitions []Transition
	l.SetTransitionCallback(func(tr Transition) { transitions = append(transitions, tr) })

	accepted, err := l.Begin(ctx, batchOf(domain.OriginPrimary, "A", "B", "C"))
	require.NoError(t, err)
	require.Equal(t, []domain.CaseID{"A", "B", "C"}, accepted.CaseIDs())

	err = l.Record(ctx, []domain.ClassificationResult{
		{CaseID: "A", Status: domain.StatusSuccess, Labels: map[string]string{"symptomCode": "S1"}},
		{CaseID: "B", Status: domain.StatusMalformed, Error: "missing labels"},
		{CaseID: "C", Status: domain.StatusFailed, Error: "dropped by service"},
	})
	require.NoError(t, err)

	a, err := l.Get(ctx, "A")
	require.NoError(t, err)
	require.Equal(t, domain.StatusSuccess, a.Status)
	require.Equal(t, "S1", a.Labels["symptomCode"])
	require.Equal(t, 1, a.Attempts)

	counts, err := l.Counts(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, counts[domain.StatusSuccess])
	require.Equal(t, 1, counts[domain.StatusMalformed])
	require.Equal(t, 1, counts[domain.StatusFailed])

	require.Len(t, transitions, 6)
}

func TestBegin_SkipsCasesAwaitingRetry(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger()

	_, err := l.Begin(ctx, batchOf(domain.OriginPrimary, "A", "B"))
	require.NoError(t, err)
	require.NoError(t, l.Record(ctx, []domain.ClassificationResult{
		{CaseID: "A", Status: domain.StatusSuccess},
		{CaseID: "B", Status: domain.StatusFailed},
	}))

	// After a reset the primary pass sees A and B again.
	accepted, err := l.Begin(ctx, batchOf(domain.OriginPrimary, "A", "B", "C"))
	require.NoError(t, err)
	require.Equal(t, []domain.CaseID{"A", "C"}, accepted.CaseIDs())

	b, err := l.Get(ctx, "B")
	require.NoError(t, err)
	require.Equal(t, domain.StatusFailed, b.Status)
}

func TestBegin_DuplicateKeepsFirst(t *testing.T) {
	l := newTestLedger()

	accepted, err := l.Begin(context.Background(), batchOf(domain.OriginPrimary, "A", "A", "B"))
	require.NoError(t, err)
	require.Equal(t, []domain.CaseID{"A", "B"}, accepted.CaseIDs())
	require.Equal(t, 0, accepted.Records[0].SourceRowIndex)
}

func TestRecord_RejectsUnsubmitted(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger()

	_, err := l.Begin(ctx, batchOf(domain.OriginPrimary, "A"))
	require.NoError(t, err)

	err = l.Record(ctx, []domain.ClassificationResult{
		{CaseID: "A", Status: domain.StatusSuccess},
		{CaseID: "Z", Status: domain.StatusSuccess},
	})
	require.ErrorIs(t, err, ErrInvalidTransition)

	a, err := l.Get(ctx, "A")
	require.NoError(t, err)
	require.Equal(t, domain.StatusSuccess, a.Status)
}

func TestRequeue(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger()

	_, err := l.Begin(ctx, batchOf(domain.OriginPrimary, "A", "B", "C"))
	require.NoError(t, err)
	require.NoError(t, l.Record(ctx, []domain.ClassificationResult{
		{CaseID: "A", Status: domain.StatusSuccess},
		{CaseID: "B", Status: domain.StatusFailed},
		{CaseID: "C", Status: domain.StatusMalformed},
	}))

	queued, skipped, err := l.Requeue(ctx, []domain.CaseID{"A", "B", "C", "Z", "B"})
	require.NoError(t, err)
	require.Equal(t, []domain.CaseID{"B", "C"}, queued)
	require.Equal(t, []domain.CaseID{"A", "Z"}, skipped)

	b, err := l.Get(ctx, "B")
	require.NoError(t, err)
	require.Equal(t, domain.StatusPending, b.Status)
	require.Equal(t, 1, b.RetryCount)

	accepted, err := l.Begin(ctx, batchOf(domain.OriginRetry, "B", "C"))
	require.NoError(t, err)
	require.Equal(t, 2, accepted.Len())

	b, err = l.Get(ctx, "B")
	require.NoError(t, err)
	require.Equal(t, 2, b.Attempts)
	require.Equal(t, domain.StatusSubmitted, b.Status)
}

func TestFailedCaseIDs_LowestRetryFirst(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger()

	_, _ = l.Begin(ctx, batchOf(domain.OriginPrimary, "A", "B"))
	require.NoError(t, l.Record(ctx, []domain.ClassificationResult{
		{CaseID: "A", Status: domain.StatusFailed},
		{CaseID: "B", Status: domain.StatusFailed},
	}))

	// A has been retried once and failed again.
	_, _, err := l.Requeue(ctx, []domain.CaseID{"A"})
	require.NoError(t, err)
	_, _ = l.Begin(ctx, batchOf(domain.OriginRetry, "A"))
	require.NoError(t, l.Record(ctx, []domain.ClassificationResult{{CaseID: "A", Status: domain.StatusFailed}}))

	ids, err := l.FailedCaseIDs(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, []domain.CaseID{"B", "A"}, ids)

	ids, err = l.FailedCaseIDs(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, []domain.CaseID{"B"}, ids)
}

func TestRecord_RejectsNonTerminalStatus(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger()

	_, err := l.Begin(ctx, batchOf(domain.OriginPrimary, "A"))
	require.NoError(t, err)

	err = l.Record(ctx, []domain.ClassificationResult{{CaseID: "A", Status: domain.StatusPending}})
	require.ErrorIs(t, err, ErrInvalidTransition)

	a, err := l.Get(ctx, "A")
	require.NoError(t, err)
	require.Equal(t, domain.StatusSubmitted, a.Status)
}

// =============================================================================
// Interrupted Retry Tests
// =============================================================================

func TestRelease_ReturnsSubmittedToPending(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger()

	_, _ = l.Begin(ctx, batchOf(domain.OriginPrimary, "A", "B"))
	require.NoError(t, l.Record(ctx, []domain.ClassificationResult{
		{CaseID: "A", Status: domain.StatusFailed},
		{CaseID: "B", Status: domain.StatusSuccess},
	}))
	_, _, err := l.Requeue(ctx, []domain.CaseID{"A"})
	require.NoError(t, err)
	_, err = l.Begin(ctx, batchOf(domain.OriginRetry, "A"))
	require.NoError(t, err)

	require.NoError(t, l.Release(ctx, []domain.CaseID{"A", "B", "Z"}))

	a, err := l.Get(ctx, "A")
	require.NoError(t, err)
	require.Equal(t, domain.StatusPending, a.Status)
	require.Equal(t, 1, a.RetryCount, "release does not charge another retry")

	b, err := l.Get(ctx, "B")
	require.NoError(t, err)
	require.Equal(t, domain.StatusSuccess, b.Status)
}

func TestFailed_IncludesInterruptedRetries(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger()

	_, _ = l.Begin(ctx, batchOf(domain.OriginPrimary, "A", "B", "C", "D"))
	require.NoError(t, l.Record(ctx, []domain.ClassificationResult{
		{CaseID: "A", Status: domain.StatusFailed},
		{CaseID: "B", Status: domain.StatusFailed},
		{CaseID: "C", Status: domain.StatusMalformed},
	}))
	// D stays submitted: a primary batch still in flight.

	// A and B were requeued; the process died after A was submitted.
	_, _, err := l.Requeue(ctx, []domain.CaseID{"A", "B"})
	require.NoError(t, err)
	_, err = l.Begin(ctx, batchOf(domain.OriginRetry, "A"))
	require.NoError(t, err)

	ids, err := l.FailedCaseIDs(ctx, 0)
	require.NoError(t, err)
	require.Len(t, ids, 3, "in-flight primary case D is not a retry candidate")
	require.Equal(t, domain.CaseID("C"), ids[0], "lowest retry count first")
	require.ElementsMatch(t, []domain.CaseID{"A", "B"}, ids[1:])

	ids, err = l.FailedCaseIDs(ctx, 2)
	require.NoError(t, err)
	require.Len(t, ids, 2)

	queued, skipped, err := l.Requeue(ctx, []domain.CaseID{"A", "B"})
	require.NoError(t, err)
	require.Equal(t, []domain.CaseID{"A", "B"}, queued)
	require.Empty(t, skipped)
}

// =============================================================================
// Comparison Tests
// =============================================================================

func TestRecord_ComparesWithPreviousCells(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger()

	_, _ = l.Begin(ctx, batchOf(domain.OriginPrimary, "A", "B", "C"))
	require.NoError(t, l.Record(ctx, []domain.ClassificationResult{
		{CaseID: "A", Status: domain.StatusSuccess,
			Labels:   map[string]string{"symptomCode": "S1", "systemCode": "Y1"},
			Previous: map[string]string{"symptomCode": "", "systemCode": " y1 "}},
		{CaseID: "B", Status: domain.StatusSuccess,
			Labels:   map[string]string{"symptomCode": "S2"},
			Previous: map[string]string{"symptomCode": "S9"}},
		{CaseID: "C", Status: domain.StatusSuccess,
			Labels: map[string]string{"symptomCode": "S3"}},
	}))

	a, err := l.Get(ctx, "A")
	require.NoError(t, err)
	require.Equal(t, map[string]domain.Comparison{
		"symptomCode": domain.ComparisonNew,
		"systemCode":  domain.ComparisonMatch,
	}, a.Comparison)

	b, err := l.Get(ctx, "B")
	require.NoError(t, err)
	require.Equal(t, domain.ComparisonConflict, b.Comparison["symptomCode"])

	c, err := l.Get(ctx, "C")
	require.NoError(t, err)
	require.Nil(t, c.Comparison)
}

func TestRecord_RerunKeepsEarlierComparison(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger()

	_, _ = l.Begin(ctx, batchOf(domain.OriginPrimary, "A"))
	require.NoError(t, l.Record(ctx, []domain.ClassificationResult{{
		CaseID: "A", Status: domain.StatusSuccess,
		Labels:   map[string]string{"symptomCode": "S1"},
		Previous: map[string]string{"symptomCode": ""},
	}}))

	// After a reset the cell holds our own label from the first run.
	_, _ = l.Begin(ctx, batchOf(domain.OriginPrimary, "A"))
	require.NoError(t, l.Record(ctx, []domain.ClassificationResult{{
		CaseID: "A", Status: domain.StatusSuccess,
		Labels:   map[string]string{"symptomCode": "S1"},
		Previous: map[string]string{"symptomCode": "S1"},
	}}))

	a, err := l.Get(ctx, "A")
	require.NoError(t, err)
	require.Equal(t, domain.ComparisonNew, a.Comparison["symptomCode"])
	require.Equal(t, 2, a.Attempts)
}
