package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/supportersimulator/categorizer/internal/infra/storage"
)

// Table is a row store kept in SQLite. Rows are ordered by position; a row's
// index is its rank in that order, so inserts and deletes shift indexes the
// same way they do in a spreadsheet.
type Table struct {
	db    *sql.DB
	sheet string
}

func NewTable(db *sql.DB, sheet string) *Table {
	return &Table{db: db, sheet: sheet}
}

// Load replaces the header and every row of the table.
func (t *Table) Load(ctx context.Context, header []string, rows [][]string) error {
	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	fields, err := json.Marshal(header)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO sheet_headers (sheet, fields_json) VALUES (?, ?)
		ON CONFLICT(sheet) DO UPDATE SET fields_json = excluded.fields_json`,
		t.sheet, string(fields)); err != nil {
		return fmt.Errorf("failed to save header: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sheet_rows WHERE sheet = ?`, t.sheet); err != nil {
		return fmt.Errorf("failed to clear rows: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO sheet_rows (sheet, position, cells_json) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()
	for i, row := range rows {
		cells, err := json.Marshal(row)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, t.sheet, float64(i), string(cells)); err != nil {
			return fmt.Errorf("failed to insert row %d: %w", i, err)
		}
	}
	return tx.Commit()
}

func (t *Table) ReadHeader(ctx context.Context) ([]string, error) {
	var fields string
	err := t.db.QueryRowContext(ctx, `SELECT fields_json FROM sheet_headers WHERE sheet = ?`, t.sheet).Scan(&fields)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	var header []string
	if err := json.Unmarshal([]byte(fields), &header); err != nil {
		return nil, fmt.Errorf("failed to decode header: %w", err)
	}
	return header, nil
}

func (t *Table) RowCount(ctx context.Context) (int, error) {
	var n int
	if err := t.db.QueryRowContext(ctx, `SELECT count(*) FROM sheet_rows WHERE sheet = ?`, t.sheet).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count rows: %w", err)
	}
	return n, nil
}

func (t *Table) ReadRows(ctx context.Context, start, count int) ([][]string, error) {
	if start < 0 || count < 0 {
		return nil, fmt.Errorf("%w: start=%d count=%d", storage.ErrRowOutOfRange, start, count)
	}
	rows, err := t.db.QueryContext(ctx, `
		SELECT cells_json FROM sheet_rows WHERE sheet = ?
		ORDER BY position LIMIT ? OFFSET ?`, t.sheet, count, start)
	if err != nil {
		return nil, fmt.Errorf("failed to read rows: %w", err)
	}
	defer rows.Close()

	var out [][]string
	for rows.Next() {
		var cells string
		if err := rows.Scan(&cells); err != nil {
			return nil, err
		}
		var row []string
		if err := json.Unmarshal([]byte(cells), &row); err != nil {
			return nil, fmt.Errorf("failed to decode row: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (t *Table) WriteCell(ctx context.Context, row int, column, value string) error {
	return t.WriteRange(ctx, row, []string{column}, [][]string{{value}})
}

// WriteRange updates contiguous rows in one transaction.
func (t *Table) WriteRange(ctx context.Context, start int, columns []string, values [][]string) error {
	header, err := t.ReadHeader(ctx)
	if err != nil {
		return err
	}
	cols := make([]int, len(columns))
	for i, name := range columns {
		c := slices.Index(header, name)
		if c < 0 || name == "" {
			return fmt.Errorf("%w: %q", storage.ErrColumnNotFound, name)
		}
		cols[i] = c
	}

	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	type target struct {
		rowid int64
		cells []string
	}
	rows, err := tx.QueryContext(ctx, `
		SELECT rowid, cells_json FROM sheet_rows WHERE sheet = ?
		ORDER BY position LIMIT ? OFFSET ?`, t.sheet, len(values), start)
	if err != nil {
		return fmt.Errorf("failed to read rows: %w", err)
	}
	var targets []target
	for rows.Next() {
		var tg target
		var cells string
		if err := rows.Scan(&tg.rowid, &cells); err != nil {
			rows.Close()
			return err
		}
		if err := json.Unmarshal([]byte(cells), &tg.cells); err != nil {
			rows.Close()
			return fmt.Errorf("failed to decode row: %w", err)
		}
		targets = append(targets, tg)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	if start < 0 || len(targets) != len(values) {
		return fmt.Errorf("%w: range %d+%d", storage.ErrRowOutOfRange, start, len(values))
	}

	for i, tg := range targets {
		for len(tg.cells) < len(header) {
			tg.cells = append(tg.cells, "")
		}
		for j, v := range values[i] {
			if v == "" || j >= len(cols) {
				continue
			}
			tg.cells[cols[j]] = v
		}
		cells, err := json.Marshal(tg.cells)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE sheet_rows SET cells_json = ? WHERE rowid = ?`, string(cells), tg.rowid); err != nil {
			return fmt.Errorf("failed to update row %d: %w", start+i, err)
		}
	}
	return tx.Commit()
}

func (t *Table) FindRowByKey(ctx context.Context, column, key string) (int, error) {
	header, err := t.ReadHeader(ctx)
	if err != nil {
		return -1, err
	}
	col := slices.Index(header, column)
	if col < 0 || column == "" {
		return -1, fmt.Errorf("%w: %q", storage.ErrColumnNotFound, column)
	}

	key = strings.TrimSpace(key)
	rows, err := t.db.QueryContext(ctx, `SELECT cells_json FROM sheet_rows WHERE sheet = ? ORDER BY position`, t.sheet)
	if err != nil {
		return -1, fmt.Errorf("failed to scan rows: %w", err)
	}
	defer rows.Close()

	for i := 0; rows.Next(); i++ {
		var cells string
		if err := rows.Scan(&cells); err != nil {
			return -1, err
		}
		var row []string
		if err := json.Unmarshal([]byte(cells), &row); err != nil {
			return -1, fmt.Errorf("failed to decode row: %w", err)
		}
		if col < len(row) && strings.TrimSpace(row[col]) == key {
			return i, nil
		}
	}
	if err := rows.Err(); err != nil {
		return -1, err
	}
	return -1, storage.ErrKeyNotFound
}

// InsertRow inserts a row before index at, shifting later rows down.
func (t *Table) InsertRow(ctx context.Context, at int, row []string) error {
	var before, after sql.NullFloat64
	if at > 0 {
		_ = t.db.QueryRowContext(ctx, `SELECT position FROM sheet_rows WHERE sheet = ? ORDER BY position LIMIT 1 OFFSET ?`,
			t.sheet, at-1).Scan(&before)
	}
	_ = t.db.QueryRowContext(ctx, `SELECT position FROM sheet_rows WHERE sheet = ? ORDER BY position LIMIT 1 OFFSET ?`,
		t.sheet, at).Scan(&after)

	var pos float64
	switch {
	case before.Valid && after.Valid:
		pos = (before.Float64 + after.Float64) / 2
	case after.Valid:
		pos = after.Float64 - 1
	case before.Valid:
		pos = before.Float64 + 1
	}

	cells, err := json.Marshal(row)
	if err != nil {
		return err
	}
	if _, err := t.db.ExecContext(ctx, `INSERT INTO sheet_rows (sheet, position, cells_json) VALUES (?, ?, ?)`,
		t.sheet, pos, string(cells)); err != nil {
		return fmt.Errorf("failed to insert row: %w", err)
	}
	return nil
}

// DeleteRow removes the row at index at.
func (t *Table) DeleteRow(ctx context.Context, at int) error {
	_, err := t.db.ExecContext(ctx, `
		DELETE FROM sheet_rows WHERE rowid = (
			SELECT rowid FROM sheet_rows WHERE sheet = ? ORDER BY position LIMIT 1 OFFSET ?
		)`, t.sheet, at)
	if err != nil {
		return fmt.Errorf("failed to delete row: %w", err)
	}
	return nil
}
