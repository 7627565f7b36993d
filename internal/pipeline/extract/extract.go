// Package extract turns raw rows into case records using one frozen header
// snapshot per extractor.
package extract

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/supportersimulator/categorizer/internal/core/domain"
	"github.com/supportersimulator/categorizer/internal/infra/storage"
)

// ErrMissingColumn is returned when the ID column is not in the snapshot.
var ErrMissingColumn = errors.New("required column missing from header")

// Extractor maps rows to case records. All lookups go through the snapshot
// it was created with.
type Extractor struct {
	rows   storage.RowStore
	snap   domain.HeaderSnapshot
	sel    domain.FieldSelection
	logger *slog.Logger

	idPos   int
	inputs  []inputColumn
	missing []string
}

type inputColumn struct {
	name string
	pos  int
}

// New binds an extractor to a snapshot and selection. It fails with
// ErrMissingColumn when the ID column cannot be located.
func New(rows storage.RowStore, snap domain.HeaderSnapshot, sel domain.FieldSelection, logger *slog.Logger) (*Extractor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	idPos, ok := snap.Position(sel.IDColumn)
	if !ok {
		return nil, fmt.Errorf("%w: %q (header version %d)", ErrMissingColumn, sel.IDColumn, snap.Version)
	}

	e := &Extractor{
		rows:   rows,
		snap:   snap,
		sel:    sel,
		logger: logger,
		idPos:  idPos,
	}
	for _, name := range sel.InputColumns {
		pos, ok := snap.Position(name)
		if !ok {
			e.missing = append(e.missing, name)
			continue
		}
		e.inputs = append(e.inputs, inputColumn{name: name, pos: pos})
	}
	return e, nil
}

// Snapshot returns the header snapshot the extractor is bound to.
func (e *Extractor) Snapshot() domain.HeaderSnapshot {
	return e.snap
}

// Extract reads the rows of span and maps them to case records. Rows without
// a usable ID are dropped and logged.
func (e *Extractor) Extract(ctx context.Context, span domain.RowSpan) ([]domain.CaseRecord, error) {
	if span.Count <= 0 {
		return nil, nil
	}
	rows, err := e.rows.ReadRows(ctx, span.Start, span.Count)
	if err != nil {
		return nil, fmt.Errorf("failed to read rows: %w", err)
	}
	e.warnMissing()

	records := make([]domain.CaseRecord, 0, len(rows))
	dropped := 0
	for i, row := range rows {
		index := span.Start + i
		rec, reason := e.mapRow(index, row)
		if reason != "" {
			dropped++
			e.logger.Debug("row dropped",
				"row", index,
				"reason", reason,
			)
			continue
		}
		records = append(records, rec)
	}
	if dropped > 0 {
		e.logger.Info("rows dropped during extraction",
			"start", span.Start,
			"count", span.Count,
			"dropped", dropped,
		)
	}
	return records, nil
}

// ExtractKeys resolves the current row of each case ID and maps it. IDs no
// longer present in the store are returned in missing.
func (e *Extractor) ExtractKeys(ctx context.Context, caseIDs []domain.CaseID) (records []domain.CaseRecord, missing []domain.CaseID, err error) {
	e.warnMissing()

	seen := make(map[domain.CaseID]bool, len(caseIDs))
	for _, id := range caseIDs {
		if seen[id] {
			continue
		}
		seen[id] = true

		index, err := e.rows.FindRowByKey(ctx, e.sel.IDColumn, string(id))
		if errors.Is(err, storage.ErrKeyNotFound) {
			missing = append(missing, id)
			continue
		}
		if err != nil {
			return nil, nil, fmt.Errorf("failed to locate case %s: %w", id, err)
		}

		rows, err := e.rows.ReadRows(ctx, index, 1)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read row %d: %w", index, err)
		}
		if len(rows) == 0 {
			missing = append(missing, id)
			continue
		}
		rec, reason := e.mapRow(index, rows[0])
		if reason != "" || rec.CaseID != id {
			e.logger.Warn("located row does not map to case",
				"case_id", id,
				"row", index,
				"reason", reason,
			)
			missing = append(missing, id)
			continue
		}
		records = append(records, rec)
	}
	return records, missing, nil
}

func (e *Extractor) mapRow(index int, row []string) (domain.CaseRecord, string) {
	id := strings.TrimSpace(cell(row, e.idPos))
	switch {
	case id == "":
		return domain.CaseRecord{}, "empty case id"
	case id == e.sel.IDColumn:
		return domain.CaseRecord{}, "repeated header row"
	}

	fields := make(map[string]string, len(e.sel.InputColumns))
	for _, in := range e.inputs {
		fields[in.name] = cell(row, in.pos)
	}
	for _, name := range e.missing {
		fields[name] = ""
	}
	return domain.CaseRecord{
		CaseID:         domain.CaseID(id),
		SourceRowIndex: index,
		Fields:         fields,
	}, ""
}

// warnMissing logs input columns absent from the snapshot, once per call.
func (e *Extractor) warnMissing() {
	if len(e.missing) == 0 {
		return
	}
	e.logger.Warn("input columns missing from header, sending empty values",
		"columns", e.missing,
		"version", e.snap.Version,
	)
}

func cell(row []string, pos int) string {
	if pos < 0 || pos >= len(row) {
		return ""
	}
	return row[pos]
}
