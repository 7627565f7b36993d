// Package writer writes classification results back to the row store. Rows
// are always located by case ID at write time, never by remembered position.
package writer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"

	"github.com/supportersimulator/categorizer/internal/core/domain"
	"github.com/supportersimulator/categorizer/internal/infra/storage"
	"github.com/supportersimulator/categorizer/internal/pipeline/metrics"
)

// Report summarizes one Write call.
type Report struct {
	// Written counts results whose labels reached the store.
	Written int
	// Skipped counts successful results that could not be placed.
	Skipped int
	// Ignored counts non-success results, which never produce writes.
	Ignored int
}

// Writer overwrites the configured output columns for successful results.
type Writer struct {
	pipeline string
	rows     storage.RowStore
	sel      domain.FieldSelection
	logger   *slog.Logger
}

func New(pipeline string, rows storage.RowStore, sel domain.FieldSelection, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{
		pipeline: pipeline,
		rows:     rows,
		sel:      sel,
		logger:   logger.With("component", "writer"),
	}
}

type placement struct {
	idx    int // position in results
	row    int
	values []string
}

// Write resolves each successful result's current row and writes its labels.
// Resolution failures are skipped and counted. Store errors are returned.
// ResultRowIndex and Previous are set on every placed result.
func (w *Writer) Write(ctx context.Context, results []domain.ClassificationResult) (Report, error) {
	var report Report
	labels := w.sel.LabelKeys()
	columns := make([]string, len(labels))
	for i, l := range labels {
		columns[i] = w.sel.OutputColumns[l]
	}

	total, err := w.rows.RowCount(ctx)
	if err != nil {
		return report, fmt.Errorf("failed to count rows: %w", err)
	}

	var placed []placement
	for i := range results {
		res := &results[i]
		if res.Status != domain.StatusSuccess {
			report.Ignored++
			continue
		}

		row, err := w.rows.FindRowByKey(ctx, w.sel.IDColumn, string(res.CaseID))
		if errors.Is(err, storage.ErrKeyNotFound) {
			w.logger.Warn("case not found in row store, skipping write", "case_id", res.CaseID)
			report.Skipped++
			continue
		}
		if err != nil {
			return report, fmt.Errorf("failed to locate case %s: %w", res.CaseID, err)
		}
		if row < 0 || row >= total {
			w.logger.Warn("resolved row out of range, skipping write",
				"case_id", res.CaseID, "row", row, "total_rows", total)
			report.Skipped++
			continue
		}

		values := make([]string, len(labels))
		empty := true
		for j, l := range labels {
			values[j] = res.Labels[l]
			if values[j] != "" {
				empty = false
			}
		}
		if empty {
			w.logger.Warn("no labels to write", "case_id", res.CaseID)
			report.Skipped++
			continue
		}

		res.ResultRowIndex = row
		placed = append(placed, placement{idx: i, row: row, values: values})
	}

	sort.SliceStable(placed, func(a, b int) bool { return placed[a].row < placed[b].row })

	var header []string
	if len(placed) > 0 {
		if header, err = w.rows.ReadHeader(ctx); err != nil {
			return report, fmt.Errorf("failed to read header: %w", err)
		}
	}

	for start := 0; start < len(placed); {
		end := start + 1
		for end < len(placed) && placed[end].row == placed[end-1].row+1 {
			end++
		}
		if err := w.readPrevious(ctx, header, labels, columns, placed[start:end], results); err != nil {
			return report, err
		}
		if err := w.writeRun(ctx, columns, placed[start:end]); err != nil {
			w.count(report)
			return report, err
		}
		report.Written += end - start
		start = end
	}

	w.count(report)
	return report, nil
}

// readPrevious records the output cells of a run as they are before the
// write, so the ledger can compare them with the suggestions.
func (w *Writer) readPrevious(
	ctx context.Context,
	header, labels, columns []string,
	run []placement,
	results []domain.ClassificationResult,
) error {
	rows, err := w.rows.ReadRows(ctx, run[0].row, len(run))
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		w.logger.Warn("failed to read cells before write, skipping comparison",
			"start", run[0].row, "rows", len(run), "error", err)
		return nil
	}

	pos := make([]int, len(columns))
	for j, col := range columns {
		pos[j] = slices.Index(header, col)
	}
	for i, p := range run {
		if i >= len(rows) {
			break
		}
		prev := make(map[string]string, len(labels))
		for j, l := range labels {
			if pos[j] >= 0 && pos[j] < len(rows[i]) {
				prev[l] = rows[i][pos[j]]
			} else {
				prev[l] = ""
			}
		}
		results[p.idx].Previous = prev
	}
	return nil
}

// writeRun writes a run of contiguous rows, as one range when the store
// supports it.
func (w *Writer) writeRun(ctx context.Context, columns []string, run []placement) error {
	if rw, ok := w.rows.(storage.RangeWriter); ok && len(run) > 1 {
		values := make([][]string, len(run))
		for i, p := range run {
			values[i] = p.values
		}
		err := rw.WriteRange(ctx, run[0].row, columns, values)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		w.logger.Warn("range write failed, falling back to cell writes",
			"start", run[0].row, "rows", len(run), "error", err)
	}

	for _, p := range run {
		for j, col := range columns {
			if p.values[j] == "" {
				continue
			}
			if err := w.rows.WriteCell(ctx, p.row, col, p.values[j]); err != nil {
				return fmt.Errorf("failed to write %s at row %d: %w", col, p.row, err)
			}
		}
	}
	return nil
}

func (w *Writer) count(r Report) {
	metrics.WritesTotal.WithLabelValues(w.pipeline, "written").Add(float64(r.Written))
	metrics.WritesTotal.WithLabelValues(w.pipeline, "skipped").Add(float64(r.Skipped))
}
