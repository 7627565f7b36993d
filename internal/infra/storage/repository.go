package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/supportersimulator/categorizer/internal/core/domain"
)

var (
	// ErrCursorNotFound is returned when a cursor doesn't exist
	ErrCursorNotFound = errors.New("cursor not found")

	// ErrHeaderNotFound is returned when no header cache has been persisted
	ErrHeaderNotFound = errors.New("header cache not found")

	// ErrResultNotFound is returned when a case has no recorded outcome
	ErrResultNotFound = errors.New("result not found")

	// ErrKeyNotFound is returned when no row carries the requested key
	ErrKeyNotFound = errors.New("key not found")

	// ErrColumnNotFound is returned when a column name is not in the header
	ErrColumnNotFound = errors.New("column not found")

	// ErrRowOutOfRange is returned for row indexes outside the data range
	ErrRowOutOfRange = errors.New("row out of range")

	// ErrLocked is returned when the run lock is held by someone else
	ErrLocked = errors.New("run lock is held")
)

// RowStore is the tabular data source and sink. Row indexes are zero-based
// and exclude the header row.
type RowStore interface {
	// ReadHeader reads the header row and returns the ordered field names
	ReadHeader(ctx context.Context) ([]string, error)

	// RowCount returns the number of data rows
	RowCount(ctx context.Context) (int, error)

	// ReadRows reads up to count rows starting at start, positionally
	ReadRows(ctx context.Context, start, count int) ([][]string, error)

	// WriteCell overwrites one cell addressed by row index and column name
	WriteCell(ctx context.Context, row int, column string, value string) error

	// FindRowByKey returns the index of the first row whose column equals key,
	// ignoring surrounding whitespace on both sides
	FindRowByKey(ctx context.Context, column, key string) (int, error)
}

// RangeWriter is implemented by row stores that can overwrite a block of
// contiguous rows in one operation. values[i][j] goes to row start+i,
// column columns[j]. Empty values leave the existing cell untouched.
type RangeWriter interface {
	WriteRange(ctx context.Context, start int, columns []string, values [][]string) error
}

// CursorRepository handles progress cursor storage operations
type CursorRepository interface {
	// Get retrieves the cursor for a pipeline
	Get(ctx context.Context, pipeline string) (*domain.ProgressCursor, error)

	// Save saves/updates the cursor
	Save(ctx context.Context, cursor *domain.ProgressCursor) error

	// UpdatePosition sets the last processed index and total rows
	UpdatePosition(ctx context.Context, pipeline string, lastProcessed, totalRows int) error

	// Reset zeroes the cursor position
	Reset(ctx context.Context, pipeline string) error
}

// HeaderRepository persists the header/schema cache
type HeaderRepository interface {
	// Get retrieves the cached header state
	Get(ctx context.Context, pipeline string) (*domain.HeaderState, error)

	// Save replaces the cached header state
	Save(ctx context.Context, state *domain.HeaderState) error
}

// ResultRepository is the ledger of the last recorded outcome per case
type ResultRepository interface {
	// Get retrieves the record for one case
	Get(ctx context.Context, pipeline string, caseID domain.CaseID) (*domain.ResultRecord, error)

	// GetMany retrieves records for the given cases; absent cases are omitted
	GetMany(ctx context.Context, pipeline string, caseIDs []domain.CaseID) (map[domain.CaseID]*domain.ResultRecord, error)

	// Upsert saves records, replacing previous values for the same case
	Upsert(ctx context.Context, records []*domain.ResultRecord) error

	// ListByStatus lists records in the given statuses, lowest retry count first
	ListByStatus(ctx context.Context, pipeline string, statuses []domain.ResultStatus, limit int) ([]*domain.ResultRecord, error)

	// CountByStatus returns the number of records per status
	CountByStatus(ctx context.Context, pipeline string) (map[domain.ResultStatus]int, error)

	// LabelStats aggregates successful records per label value, ordered by
	// CompareLabelStats
	LabelStats(ctx context.Context, pipeline string) ([]domain.LabelStat, error)
}

// CompareLabelStats orders stats by label, then most frequent value first.
func CompareLabelStats(a, b domain.LabelStat) int {
	if c := strings.Compare(a.Label, b.Label); c != 0 {
		return c
	}
	if a.Total != b.Total {
		return b.Total - a.Total
	}
	return strings.Compare(a.Value, b.Value)
}

// Locker guards a pipeline against concurrent runs
type Locker interface {
	// Acquire takes the lock or returns ErrLocked. The returned func releases it.
	Acquire(ctx context.Context, pipeline string, ttl time.Duration) (release func(context.Context) error, err error)
}
