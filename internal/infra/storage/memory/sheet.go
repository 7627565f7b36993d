package memory

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/supportersimulator/categorizer/internal/infra/storage"
)

// Sheet is an in-memory row store. Rows are positional; the header row is
// kept separately and is not counted.
type Sheet struct {
	header []string
	rows   [][]string
	mu     sync.RWMutex

	// write counters, used by tests
	cellWrites  int
	rangeWrites int
}

func NewSheet(header []string, rows [][]string) *Sheet {
	s := &Sheet{header: slices.Clone(header)}
	for _, r := range rows {
		s.rows = append(s.rows, s.pad(slices.Clone(r)))
	}
	return s
}

func (s *Sheet) pad(row []string) []string {
	for len(row) < len(s.header) {
		row = append(row, "")
	}
	return row
}

func (s *Sheet) column(name string) (int, error) {
	i := slices.Index(s.header, name)
	if i < 0 || name == "" {
		return 0, fmt.Errorf("%w: %q", storage.ErrColumnNotFound, name)
	}
	return i, nil
}

func (s *Sheet) ReadHeader(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.header), nil
}

func (s *Sheet) RowCount(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rows), nil
}

func (s *Sheet) ReadRows(ctx context.Context, start, count int) ([][]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if start < 0 || count < 0 {
		return nil, fmt.Errorf("%w: start=%d count=%d", storage.ErrRowOutOfRange, start, count)
	}
	if start >= len(s.rows) {
		return nil, nil
	}
	end := min(start+count, len(s.rows))
	out := make([][]string, 0, end-start)
	for _, r := range s.rows[start:end] {
		out = append(out, slices.Clone(r))
	}
	return out, nil
}

func (s *Sheet) WriteCell(ctx context.Context, row int, column, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	col, err := s.column(column)
	if err != nil {
		return err
	}
	if row < 0 || row >= len(s.rows) {
		return fmt.Errorf("%w: %d", storage.ErrRowOutOfRange, row)
	}
	s.rows[row][col] = value
	s.cellWrites++
	return nil
}

func (s *Sheet) WriteRange(ctx context.Context, start int, columns []string, values [][]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if start < 0 || start+len(values) > len(s.rows) {
		return fmt.Errorf("%w: range %d+%d", storage.ErrRowOutOfRange, start, len(values))
	}
	cols := make([]int, len(columns))
	for i, name := range columns {
		c, err := s.column(name)
		if err != nil {
			return err
		}
		cols[i] = c
	}
	for i, vals := range values {
		for j, v := range vals {
			if v == "" || j >= len(cols) {
				continue
			}
			s.rows[start+i][cols[j]] = v
		}
	}
	s.rangeWrites++
	return nil
}

func (s *Sheet) FindRowByKey(ctx context.Context, column, key string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	col, err := s.column(column)
	if err != nil {
		return -1, err
	}
	key = strings.TrimSpace(key)
	for i, r := range s.rows {
		if strings.TrimSpace(r[col]) == key {
			return i, nil
		}
	}
	return -1, storage.ErrKeyNotFound
}

// -----------------------------------------------------------------------------
// Mutation helpers for simulating external edits
// -----------------------------------------------------------------------------

// InsertRow inserts a row before position at, shifting later rows down.
func (s *Sheet) InsertRow(at int, row []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	at = max(0, min(at, len(s.rows)))
	s.rows = slices.Insert(s.rows, at, s.pad(slices.Clone(row)))
}

// DeleteRow removes the row at position at.
func (s *Sheet) DeleteRow(at int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if at < 0 || at >= len(s.rows) {
		return
	}
	s.rows = slices.Delete(s.rows, at, at+1)
}

// Truncate keeps only the first n rows.
func (s *Sheet) Truncate(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n < len(s.rows) {
		s.rows = s.rows[:max(n, 0)]
	}
}

// InsertColumn inserts a column before position at in the header and every row.
func (s *Sheet) InsertColumn(at int, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	at = max(0, min(at, len(s.header)))
	s.header = slices.Insert(s.header, at, name)
	for i := range s.rows {
		s.rows[i] = slices.Insert(s.rows[i], at, "")
	}
}

// Cell returns the value of one cell, or "" when out of range.
func (s *Sheet) Cell(row int, column string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	col, err := s.column(column)
	if err != nil || row < 0 || row >= len(s.rows) {
		return ""
	}
	return s.rows[row][col]
}

// Writes returns the number of single-cell and range writes performed.
func (s *Sheet) Writes() (cells, ranges int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cellWrites, s.rangeWrites
}
