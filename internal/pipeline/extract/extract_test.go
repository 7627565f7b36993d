package extract

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/supportersimulator/categorizer/internal/core/domain"
	"github.com/supportersimulator/categorizer/internal/infra/storage/memory"
)

var header = []string{"Case_ID", "Subject", "Body", "Owner", "Date", "Symptom"}

var sel = domain.FieldSelection{
	IDColumn:      "Case_ID",
	InputColumns:  []string{"Subject", "Body"},
	OutputColumns: map[string]string{"symptomCode": "Symptom"},
}

func snapshotOf(fields []string) domain.HeaderSnapshot {
	return domain.NewHeaderSnapshot(fields, 1, time.Now())
}

func TestNew_MissingIDColumn(t *testing.T) {
	sheet := memory.NewSheet([]string{"Subject"}, nil)
	_, err := New(sheet, snapshotOf([]string{"Subject"}), sel, nil)
	require.ErrorIs(t, err, ErrMissingColumn)
}

func TestExtract_DropsRowsWithoutID(t *testing.T) {
	sheet := memory.NewSheet(header, [][]string{
		{"A", "sa", "ba"},
		{"", "orphan"},
		{"Case_ID", "Subject"},
		{"  ", "blank"},
		{"B", "sb", "bb"},
	})
	e, err := New(sheet, snapshotOf(header), sel, nil)
	require.NoError(t, err)

	records, err := e.Extract(context.Background(), domain.RowSpan{Start: 0, Count: 5})
	require.NoError(t, err)
	require.Len(t, records, 2)

	require.Equal(t, domain.CaseID("A"), records[0].CaseID)
	require.Equal(t, 0, records[0].SourceRowIndex)
	require.Equal(t, "sa", records[0].Fields["Subject"])
	require.Equal(t, "ba", records[0].Fields["Body"])

	require.Equal(t, domain.CaseID("B"), records[1].CaseID)
	require.Equal(t, 4, records[1].SourceRowIndex)
}

func TestExtract_MissingInputColumnYieldsEmpty(t *testing.T) {
	fields := []string{"Case_ID", "Subject"}
	sheet := memory.NewSheet(fields, [][]string{{"A", "sa"}})
	e, err := New(sheet, snapshotOf(fields), sel, nil)
	require.NoError(t, err)

	records, err := e.Extract(context.Background(), domain.RowSpan{Start: 0, Count: 1})
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "", records[0].Fields["Body"])
	require.Contains(t, records[0].Fields, "Body")
}

func TestExtract_UsesSnapshotPositions(t *testing.T) {
	// Stale snapshot: Subject and Body swapped relative to the rows.
	sheet := memory.NewSheet(header, [][]string{{"A", "subject", "body"}})
	stale := snapshotOf([]string{"Case_ID", "Body", "Subject"})

	e, err := New(sheet, stale, sel, nil)
	require.NoError(t, err)
	require.Equal(t, int64(1), e.Snapshot().Version)

	records, err := e.Extract(context.Background(), domain.RowSpan{Start: 0, Count: 1})
	require.NoError(t, err)
	// The extractor trusts its snapshot; refreshing is the cache's job.
	require.Equal(t, "subject", records[0].Fields["Body"])
}

func TestExtract_EmptySpan(t *testing.T) {
	sheet := memory.NewSheet(header, [][]string{{"A"}})
	e, err := New(sheet, snapshotOf(header), sel, nil)
	require.NoError(t, err)

	records, err := e.Extract(context.Background(), domain.RowSpan{Start: 0, Count: 0})
	require.NoError(t, err)
	require.Empty(t, records)
}

func TestExtractKeys_ResolvesCurrentRows(t *testing.T) {
	ctx := context.Background()
	sheet := memory.NewSheet(header, [][]string{
		{"A", "sa"},
		{"B", "sb"},
		{"C", "sc"},
	})
	e, err := New(sheet, snapshotOf(header), sel, nil)
	require.NoError(t, err)

	// Rows move after the original attempt.
	sheet.InsertRow(0, []string{"NEW", "new"})
	sheet.DeleteRow(2) // removes B

	records, missing, err := e.ExtractKeys(ctx, []domain.CaseID{"C", "B", "A", "C"})
	require.NoError(t, err)
	require.Equal(t, []domain.CaseID{"B"}, missing)
	require.Len(t, records, 2)

	require.Equal(t, domain.CaseID("C"), records[0].CaseID)
	require.Equal(t, 2, records[0].SourceRowIndex)
	require.Equal(t, "sc", records[0].Fields["Subject"])

	require.Equal(t, domain.CaseID("A"), records[1].CaseID)
	require.Equal(t, 1, records[1].SourceRowIndex)
}

func TestExtract_TrimsPaddedIDs(t *testing.T) {
	ctx := context.Background()
	sheet := memory.NewSheet(header, [][]string{
		{" A ", "sa"},
		{"B\t", "sb"},
		{" Case_ID ", "Subject"},
	})
	e, err := New(sheet, snapshotOf(header), sel, nil)
	require.NoError(t, err)

	records, err := e.Extract(ctx, domain.RowSpan{Start: 0, Count: 3})
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, domain.CaseID("A"), records[0].CaseID)
	require.Equal(t, domain.CaseID("B"), records[1].CaseID)

	// A padded ID is still found when its case is retried.
	found, missing, err := e.ExtractKeys(ctx, []domain.CaseID{"A", "B"})
	require.NoError(t, err)
	require.Empty(t, missing)
	require.Len(t, found, 2)
	require.Equal(t, 0, found[0].SourceRowIndex)
	require.Equal(t, 1, found[1].SourceRowIndex)
}
