// Package report renders the result ledger for people: a CSV export of every
// recorded case and a per-label summary of how suggestions compared with the
// values they replaced.
package report

import (
	"encoding/csv"
	"fmt"
	"io"
	"slices"
	"strconv"
	"time"

	"github.com/supportersimulator/categorizer/internal/core/domain"
)

// Labels returns the label keys to export: the given keys, or every key seen
// in records when none are given.
func Labels(keys []string, records []*domain.ResultRecord) []string {
	if len(keys) > 0 {
		return keys
	}
	seen := make(map[string]bool)
	for _, r := range records {
		for l := range r.Labels {
			if !seen[l] {
				seen[l] = true
				keys = append(keys, l)
			}
		}
	}
	slices.Sort(keys)
	return keys
}

// WriteCSV writes one row per record. Each label gets a value column and a
// comparison column.
func WriteCSV(w io.Writer, labels []string, records []*domain.ResultRecord) error {
	cw := csv.NewWriter(w)

	header := []string{"case_id", "status"}
	for _, l := range labels {
		header = append(header, l, l+"_comparison")
	}
	header = append(header, "error", "attempts", "retry_count", "updated_at")
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	for _, r := range records {
		row := make([]string, 0, len(header))
		row = append(row, string(r.CaseID), string(r.Status))
		for _, l := range labels {
			row = append(row, r.Labels[l], string(r.Comparison[l]))
		}
		row = append(row,
			r.Error,
			strconv.Itoa(r.Attempts),
			strconv.Itoa(r.RetryCount),
			r.UpdatedAt.UTC().Format(time.RFC3339),
		)
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("failed to write %s: %w", r.CaseID, err)
		}
	}

	cw.Flush()
	return cw.Error()
}
