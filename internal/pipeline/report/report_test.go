package report

import (
	"bytes"
	"encoding/csv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/supportersimulator/categorizer/internal/core/domain"
)

func TestWriteCSV(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	records := []*domain.ResultRecord{
		{CaseID: "A", Status: domain.StatusSuccess, Attempts: 1, UpdatedAt: at,
			Labels:     map[string]string{"symptomCode": "S1", "systemCode": "Y1"},
			Comparison: map[string]domain.Comparison{"symptomCode": domain.ComparisonConflict}},
		{CaseID: "B", Status: domain.StatusFailed, Error: "dropped, by service", Attempts: 2, RetryCount: 1, UpdatedAt: at},
	}

	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, Labels(nil, records), records))

	rows, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Equal(t, [][]string{
		{"case_id", "status", "symptomCode", "symptomCode_comparison", "systemCode", "systemCode_comparison", "error", "attempts", "retry_count", "updated_at"},
		{"A", "success", "S1", "conflict", "Y1", "", "", "1", "0", "2026-03-01T12:00:00Z"},
		{"B", "failed", "", "", "", "", "dropped, by service", "2", "1", "2026-03-01T12:00:00Z"},
	}, rows)
}

func TestLabels_PrefersConfiguredKeys(t *testing.T) {
	records := []*domain.ResultRecord{{Labels: map[string]string{"b": "1", "a": "2"}}}
	require.Equal(t, []string{"a", "b"}, Labels(nil, records))
	require.Equal(t, []string{"z"}, Labels([]string{"z"}, records))
}
