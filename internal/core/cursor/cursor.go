// Package cursor tracks the primary-pass position through the row store.
//
// # Purpose
//
// The cursor is a bookmark that remembers how far the primary pass has gone:
//   - LastProcessedIndex: the next row to read
//   - TotalRows: the row count observed on the last NextBatch
//
// # Key Features
//
// Advance After Write - the cursor only moves after a batch has been
// classified and written back. A crash in between replays the same span.
//
// Self-Healing - an absent cursor reads as zero; a store that shrank below
// the cursor clamps it and reports completion.
//
// Reset Is Narrow - Reset zeroes the position and touches nothing else.
//
// # Quick Start
//
//	manager := cursor.NewManager("cases", cursorRepo, rowStore)
//
//	batch, isLast, _ := manager.NextBatch(ctx, extractor, 25)
//	// classify + write batch.Records ...
//	manager.Advance(ctx, batch.Span.Count)
//
// # Package Structure
//
//   - manager.go - NextBatch / Advance / Reset
//   - metrics.go - throughput over recent advances
package cursor

import (
	"context"

	"github.com/supportersimulator/categorizer/internal/core/domain"
	"github.com/supportersimulator/categorizer/internal/infra/storage"
)

// Cursor is the persisted progress position.
type Cursor = domain.ProgressCursor

// Extractor maps a span of rows to case records. Implementations are bound
// to one frozen header snapshot.
type Extractor interface {
	Extract(ctx context.Context, span domain.RowSpan) ([]domain.CaseRecord, error)
}

// NewManager creates a cursor manager for one pipeline.
func NewManager(
	pipeline string,
	repo storage.CursorRepository,
	rows storage.RowStore,
) *Manager {
	return &Manager{
		pipeline:  pipeline,
		repo:      repo,
		rows:      rows,
		collector: NewMetricsCollector(100),
	}
}

// NewMetricsCollector creates a new metrics collector with the given window size.
func NewMetricsCollector(windowSize int) *MetricsCollector {
	if windowSize <= 0 {
		windowSize = 100
	}
	return &MetricsCollector{
		windowSize: windowSize,
		advances:   make([]advanceRecord, 0, windowSize),
	}
}
