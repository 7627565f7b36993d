package cursor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/supportersimulator/categorizer/internal/core/domain"
	"github.com/supportersimulator/categorizer/internal/infra/storage"
)

// ErrInvalidBatchSize is returned when NextBatch is called with a non-positive size.
var ErrInvalidBatchSize = errors.New("batch size must be positive")

// Manager drives the primary pass one batch at a time.
type Manager struct {
	pipeline string
	repo     storage.CursorRepository
	rows     storage.RowStore
	logger   *slog.Logger

	mu        sync.Mutex
	collector *MetricsCollector
	onAdvance func(c Cursor)
}

// WithLogger sets the logger used for cursor events.
func (m *Manager) WithLogger(l *slog.Logger) *Manager {
	m.logger = l
	return m
}

// OnAdvance registers a callback invoked after every persisted move.
func (m *Manager) OnAdvance(fn func(c Cursor)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onAdvance = fn
}

func (m *Manager) log() *slog.Logger {
	if m.logger != nil {
		return m.logger
	}
	return slog.Default().With("pipeline", m.pipeline)
}

// Get returns the current cursor. An absent cursor reads as zero.
func (m *Manager) Get(ctx context.Context) (*Cursor, error) {
	c, err := m.repo.Get(ctx, m.pipeline)
	if errors.Is(err, storage.ErrCursorNotFound) {
		return &Cursor{Pipeline: m.pipeline}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cursor: %w", err)
	}
	if c.LastProcessedIndex < 0 {
		c.LastProcessedIndex = 0
	}
	return c, nil
}

// NextBatch extracts up to maxSize contiguous rows starting at the cursor.
// isLast reports that the batch reaches the end of the store. The cursor is
// not moved; call Advance with Span.Count once results are written.
func (m *Manager) NextBatch(
	ctx context.Context,
	extractor Extractor,
	maxSize int,
) (domain.Batch, bool, error) {
	batch := domain.Batch{Origin: domain.OriginPrimary}
	if maxSize <= 0 {
		return batch, false, ErrInvalidBatchSize
	}

	c, err := m.Get(ctx)
	if err != nil {
		return batch, false, err
	}

	total, err := m.rows.RowCount(ctx)
	if err != nil {
		return batch, false, fmt.Errorf("failed to count rows: %w", err)
	}

	start := c.LastProcessedIndex
	if start > total {
		// Store shrank underneath us.
		m.log().Warn("row store shrank below cursor, clamping",
			"cursor", start,
			"total_rows", total,
		)
		start = total
	}
	if start != c.LastProcessedIndex || total != c.TotalRows {
		if err := m.repo.UpdatePosition(ctx, m.pipeline, start, total); err != nil {
			return batch, false, fmt.Errorf("failed to update cursor: %w", err)
		}
	}

	count := min(maxSize, total-start)
	isLast := start+maxSize >= total
	batch.Span = domain.RowSpan{Start: start, Count: count}
	if count == 0 {
		return batch, true, nil
	}

	records, err := extractor.Extract(ctx, batch.Span)
	if err != nil {
		return batch, false, fmt.Errorf("failed to extract rows %d-%d: %w", start, start+count, err)
	}
	batch.Records = records

	return batch, isLast, nil
}

// Advance moves the cursor forward by count rows, clamped to the last known
// row count. Call it only after the batch results are durably written.
func (m *Manager) Advance(ctx context.Context, count int) error {
	if count < 0 {
		return fmt.Errorf("cannot advance by %d", count)
	}
	c, err := m.Get(ctx)
	if err != nil {
		return err
	}

	prev := c.LastProcessedIndex
	next := min(prev+count, c.TotalRows)
	if err := m.repo.UpdatePosition(ctx, m.pipeline, next, c.TotalRows); err != nil {
		return fmt.Errorf("failed to update cursor: %w", err)
	}

	c.LastProcessedIndex = next
	m.mu.Lock()
	m.collector.RecordAdvance(next-prev, time.Now())
	cb := m.onAdvance
	m.mu.Unlock()
	if cb != nil {
		cb(*c)
	}

	m.log().Debug("cursor advanced",
		"position", next,
		"total_rows", c.TotalRows,
	)
	return nil
}

// Reset zeroes the cursor. Recorded results are left untouched.
func (m *Manager) Reset(ctx context.Context) error {
	if _, err := m.repo.Get(ctx, m.pipeline); errors.Is(err, storage.ErrCursorNotFound) {
		return nil
	}
	if err := m.repo.Reset(ctx, m.pipeline); err != nil {
		return fmt.Errorf("failed to reset cursor: %w", err)
	}

	m.mu.Lock()
	m.collector.RecordReset(time.Now())
	m.mu.Unlock()

	m.log().Info("cursor reset")
	return nil
}

// GetMetrics returns throughput over recent advances.
func (m *Manager) GetMetrics() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.collector.GetMetrics()
}
