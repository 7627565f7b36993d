package process

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/supportersimulator/categorizer/internal/classifier"
	"github.com/supportersimulator/categorizer/internal/core/domain"
	"github.com/supportersimulator/categorizer/internal/core/ledger"
	"github.com/supportersimulator/categorizer/internal/infra/storage/memory"
	"github.com/supportersimulator/categorizer/internal/pipeline/writer"
)

type stubClassifier struct {
	err   error
	calls int
	seen  []domain.CaseID
}

func (s *stubClassifier) Classify(ctx context.Context, b domain.Batch) ([]domain.ClassificationResult, error) {
	s.calls++
	s.seen = append(s.seen, b.CaseIDs()...)
	if s.err != nil {
		return nil, s.err
	}
	out := make([]domain.ClassificationResult, 0, b.Len())
	for _, r := range b.Records {
		out = append(out, domain.ClassificationResult{
			CaseID:         r.CaseID,
			ResultRowIndex: -1,
			Status:         domain.StatusSuccess,
			Labels:         map[string]string{"symptomCode": "S-" + string(r.CaseID)},
		})
	}
	return out, nil
}

type failingWriter struct{}

func (failingWriter) Write(ctx context.Context, results []domain.ClassificationResult) (writer.Report, error) {
	return writer.Report{}, errors.New("sheet unavailable")
}

var sel = domain.FieldSelection{
	IDColumn:      "Case ID",
	InputColumns:  []string{"Subject"},
	OutputColumns: map[string]string{"symptomCode": "Symptom"},
}

type fixture struct {
	sheet  *memory.Sheet
	ledger *ledger.Manager
	cls    *stubClassifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return &fixture{
		sheet: memory.NewSheet([]string{"Case ID", "Subject", "Symptom"}, [][]string{
			{"A", "one"}, {"B", "two"}, {"C", "three"},
		}),
		ledger: ledger.NewManager("cases", memory.NewResultRepo(memory.NewMemoryStorage())),
		cls:    &stubClassifier{},
	}
}

func (f *fixture) processor(w ResultWriter) *Processor {
	if w == nil {
		w = writer.New("cases", f.sheet, sel, nil)
	}
	return NewProcessor("cases", f.ledger, f.cls, w, nil)
}

func batchOf(ids ...domain.CaseID) domain.Batch {
	b := domain.Batch{Origin: domain.OriginPrimary}
	for i, id := range ids {
		b.Records = append(b.Records, domain.CaseRecord{CaseID: id, SourceRowIndex: i})
	}
	return b
}

func (f *fixture) status(t *testing.T, id domain.CaseID) domain.ResultStatus {
	t.Helper()
	rec, err := f.ledger.Get(context.Background(), id)
	require.NoError(t, err)
	return rec.Status
}

func TestProcess_Success(t *testing.T) {
	f := newFixture(t)
	out, err := f.processor(nil).Process(context.Background(), batchOf("A", "B", "C"))
	require.NoError(t, err)

	require.Equal(t, 3, out.Submitted)
	require.Equal(t, 3, out.Count(domain.StatusSuccess))
	require.Equal(t, 3, out.Report.Written)
	require.Nil(t, out.BatchErr)
	require.Equal(t, "S-B", f.sheet.Cell(1, "Symptom"))
	require.Equal(t, domain.StatusSuccess, f.status(t, "C"))
}

func TestProcess_TransientLeavesCasesSubmitted(t *testing.T) {
	f := newFixture(t)
	f.cls.err = &classifier.BatchError{Transient: true, Attempts: 3, Err: errors.New("503")}

	_, err := f.processor(nil).Process(context.Background(), batchOf("A", "B"))
	require.True(t, classifier.IsTransient(err))
	require.Equal(t, domain.StatusSubmitted, f.status(t, "A"))

	// The next run may submit the same cases again.
	f.cls.err = nil
	out, err := f.processor(nil).Process(context.Background(), batchOf("A", "B"))
	require.NoError(t, err)
	require.Equal(t, 2, out.Count(domain.StatusSuccess))
}

func TestProcess_PermanentFailureRecordsEveryCase(t *testing.T) {
	f := newFixture(t)
	f.cls.err = &classifier.BatchError{Transient: false, Attempts: 1, Err: errors.New("400 bad request")}

	out, err := f.processor(nil).Process(context.Background(), batchOf("A", "B"))
	require.NoError(t, err)
	require.NotNil(t, out.BatchErr)
	require.Equal(t, 2, out.Count(domain.StatusFailed))
	require.Equal(t, domain.StatusFailed, f.status(t, "A"))
	require.Empty(t, f.sheet.Cell(0, "Symptom"))
}

func TestProcess_WriteFailureIsReturned(t *testing.T) {
	f := newFixture(t)
	_, err := f.processor(failingWriter{}).Process(context.Background(), batchOf("A"))
	require.Error(t, err)
	require.Equal(t, domain.StatusSubmitted, f.status(t, "A"), "outcome must not be recorded before the write")
}

func TestProcess_SkipsCasesAwaitingRetry(t *testing.T) {
	f := newFixture(t)
	f.cls.err = &classifier.BatchError{Err: errors.New("rejected")}
	_, err := f.processor(nil).Process(context.Background(), batchOf("A"))
	require.NoError(t, err)

	f.cls.err = nil
	f.cls.seen = nil
	out, err := f.processor(nil).Process(context.Background(), batchOf("A", "B", "B"))
	require.NoError(t, err)
	require.Equal(t, 1, out.Submitted)
	require.Equal(t, 2, out.Excluded)
	require.Equal(t, []domain.CaseID{"B"}, f.cls.seen)
	require.Equal(t, domain.StatusFailed, f.status(t, "A"))
}

func TestProcess_EmptyBatch(t *testing.T) {
	f := newFixture(t)
	out, err := f.processor(nil).Process(context.Background(), domain.Batch{Origin: domain.OriginPrimary})
	require.NoError(t, err)
	require.Zero(t, out.Submitted)
	require.Zero(t, f.cls.calls)
}
