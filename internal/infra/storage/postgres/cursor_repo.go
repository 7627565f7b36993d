package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/supportersimulator/categorizer/internal/core/domain"
	"github.com/supportersimulator/categorizer/internal/infra/storage"
)

// CursorRepo implements storage.CursorRepository using PostgreSQL.
type CursorRepo struct {
	db *DB
}

// NewCursorRepo creates a new PostgreSQL cursor repository.
func NewCursorRepo(db *DB) *CursorRepo {
	return &CursorRepo{db: db}
}

type cursorRow struct {
	Pipeline           string    `db:"pipeline"`
	LastProcessedIndex int       `db:"last_processed_index"`
	TotalRows          int       `db:"total_rows"`
	UpdatedAt          time.Time `db:"updated_at"`
}

// Get retrieves the cursor for a pipeline.
func (r *CursorRepo) Get(ctx context.Context, pipeline string) (*domain.ProgressCursor, error) {
	var row cursorRow
	err := r.db.GetContext(ctx, &row, `
		SELECT pipeline, last_processed_index, total_rows, updated_at
		FROM progress_cursors WHERE pipeline = $1`, pipeline)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrCursorNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cursor: %w", err)
	}
	return &domain.ProgressCursor{
		Pipeline:           row.Pipeline,
		LastProcessedIndex: row.LastProcessedIndex,
		TotalRows:          row.TotalRows,
		UpdatedAt:          row.UpdatedAt,
	}, nil
}

// Save saves a cursor to the database.
func (r *CursorRepo) Save(ctx context.Context, cursor *domain.ProgressCursor) error {
	return r.UpdatePosition(ctx, cursor.Pipeline, cursor.LastProcessedIndex, cursor.TotalRows)
}

// UpdatePosition upserts the position (atomic operation).
func (r *CursorRepo) UpdatePosition(ctx context.Context, pipeline string, lastProcessed, totalRows int) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO progress_cursors (pipeline, last_processed_index, total_rows, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (pipeline) DO UPDATE SET
			last_processed_index = EXCLUDED.last_processed_index,
			total_rows = EXCLUDED.total_rows,
			updated_at = EXCLUDED.updated_at`,
		pipeline, lastProcessed, totalRows)
	if err != nil {
		return fmt.Errorf("failed to update cursor position: %w", err)
	}
	return nil
}

// Reset zeroes the position and keeps the last seen row count.
func (r *CursorRepo) Reset(ctx context.Context, pipeline string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE progress_cursors SET last_processed_index = 0, updated_at = now()
		WHERE pipeline = $1`, pipeline)
	if err != nil {
		return fmt.Errorf("failed to reset cursor: %w", err)
	}
	return nil
}
