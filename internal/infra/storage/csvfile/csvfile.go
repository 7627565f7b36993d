// Package csvfile is a row store backed by a CSV file. The first record is
// the header. The file is re-read on every call so edits made between calls
// are seen; writes replace the file atomically.
package csvfile

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/supportersimulator/categorizer/internal/infra/storage"
)

type File struct {
	path  string
	comma rune
	mu    sync.Mutex
}

// Open returns a store for the CSV file at path. A zero comma means ','.
func Open(path string, comma rune) (*File, error) {
	if comma == 0 {
		comma = ','
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("failed to open csv file: %w", err)
	}
	return &File{path: path, comma: comma}, nil
}

func (f *File) load() (header []string, rows [][]string, err error) {
	fh, err := os.Open(f.path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open csv file: %w", err)
	}
	defer fh.Close()

	r := csv.NewReader(fh)
	r.Comma = f.comma
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	header, err = r.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read csv header: %w", err)
	}
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read csv row %d: %w", len(rows), err)
		}
		rows = append(rows, rec)
	}
	return header, rows, nil
}

// save writes to a temp file in the same directory and renames it over the
// original.
func (f *File) save(header []string, rows [][]string) error {
	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".categorizer-*.csv")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	w := csv.NewWriter(tmp)
	w.Comma = f.comma
	if err := w.Write(header); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write csv header: %w", err)
	}
	if err := w.WriteAll(rows); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write csv rows: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("failed to replace csv file: %w", err)
	}
	return nil
}

func column(header []string, name string) (int, error) {
	i := slices.Index(header, name)
	if i < 0 || name == "" {
		return 0, fmt.Errorf("%w: %q", storage.ErrColumnNotFound, name)
	}
	return i, nil
}

func (f *File) ReadHeader(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	header, _, err := f.load()
	return header, err
}

func (f *File) RowCount(ctx context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, rows, err := f.load()
	return len(rows), err
}

func (f *File) ReadRows(ctx context.Context, start, count int) ([][]string, error) {
	if start < 0 || count < 0 {
		return nil, fmt.Errorf("%w: start=%d count=%d", storage.ErrRowOutOfRange, start, count)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	_, rows, err := f.load()
	if err != nil {
		return nil, err
	}
	if start >= len(rows) {
		return nil, nil
	}
	return rows[start:min(start+count, len(rows))], nil
}

func (f *File) WriteCell(ctx context.Context, row int, column, value string) error {
	return f.WriteRange(ctx, row, []string{column}, [][]string{{value}})
}

func (f *File) WriteRange(ctx context.Context, start int, columns []string, values [][]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	header, rows, err := f.load()
	if err != nil {
		return err
	}
	if start < 0 || start+len(values) > len(rows) {
		return fmt.Errorf("%w: range %d+%d", storage.ErrRowOutOfRange, start, len(values))
	}
	cols := make([]int, len(columns))
	for i, name := range columns {
		if cols[i], err = column(header, name); err != nil {
			return err
		}
	}

	for i, vals := range values {
		row := rows[start+i]
		for len(row) < len(header) {
			row = append(row, "")
		}
		for j, v := range vals {
			if v == "" || j >= len(cols) {
				continue
			}
			row[cols[j]] = v
		}
		rows[start+i] = row
	}
	return f.save(header, rows)
}

func (f *File) FindRowByKey(ctx context.Context, name, key string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	header, rows, err := f.load()
	if err != nil {
		return -1, err
	}
	col, err := column(header, name)
	if err != nil {
		return -1, err
	}
	key = strings.TrimSpace(key)
	for i, r := range rows {
		if col < len(r) && strings.TrimSpace(r[col]) == key {
			return i, nil
		}
	}
	return -1, storage.ErrKeyNotFound
}
