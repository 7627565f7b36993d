// Package schema caches the row store header as a frozen snapshot.
//
// A snapshot is replaced only by a refresh. Snapshot refreshes on its own
// when the persisted copy is absent, does not contain a column the field
// selection needs, or (with verification on) differs from the live header.
package schema

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/supportersimulator/categorizer/internal/core/domain"
	"github.com/supportersimulator/categorizer/internal/infra/storage"
)

// ErrInvalidSelection is returned for a field selection without an ID
// column or output columns.
var ErrInvalidSelection = errors.New("invalid field selection")

// Cache is the header/schema cache for one pipeline.
type Cache struct {
	pipeline string
	repo     storage.HeaderRepository
	rows     storage.RowStore
	logger   *slog.Logger
	now      func() time.Time
	verify   bool

	mu sync.Mutex
}

func NewCache(pipeline string, repo storage.HeaderRepository, rows storage.RowStore) *Cache {
	return &Cache{
		pipeline: pipeline,
		repo:     repo,
		rows:     rows,
		logger:   slog.Default().With("pipeline", pipeline),
		now:      time.Now,
	}
}

// WithLogger sets the logger used for cache events.
func (c *Cache) WithLogger(l *slog.Logger) *Cache {
	c.logger = l
	return c
}

// WithVerify makes Snapshot compare the cached fields against the live
// header row and refresh on any difference.
func (c *Cache) WithVerify(verify bool) *Cache {
	c.verify = verify
	return c
}

// Snapshot returns the persisted header snapshot, refreshing it first when
// it is absent, unreadable, or missing a column named by sel.
func (c *Cache) Snapshot(ctx context.Context, sel domain.FieldSelection) (domain.HeaderSnapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	state, err := c.repo.Get(ctx, c.pipeline)
	switch {
	case errors.Is(err, storage.ErrHeaderNotFound):
		c.logger.Info("no cached header, refreshing")
		return c.refreshLocked(ctx, nil)
	case err != nil:
		c.logger.Warn("cached header unreadable, refreshing", "error", err)
		return c.refreshLocked(ctx, nil)
	case state.Snapshot.Empty():
		return c.refreshLocked(ctx, state)
	}

	if c.verify {
		live, err := c.rows.ReadHeader(ctx)
		if err != nil {
			return domain.HeaderSnapshot{}, fmt.Errorf("failed to read header: %w", err)
		}
		if !slices.Equal(live, state.Snapshot.Fields) {
			c.logger.Info("header changed since last refresh",
				"version", state.Snapshot.Version,
			)
			return c.save(ctx, state, live)
		}
	}

	if missing := state.Snapshot.Missing(sel.Columns()...); len(missing) > 0 {
		c.logger.Info("cached header missing columns, refreshing",
			"missing", missing,
			"version", state.Snapshot.Version,
		)
		snap, err := c.refreshLocked(ctx, state)
		if err != nil {
			return snap, err
		}
		if still := snap.Missing(sel.Columns()...); len(still) > 0 {
			c.logger.Warn("columns not present in header after refresh",
				"missing", still,
			)
		}
		return snap, nil
	}

	return state.Snapshot, nil
}

// Refresh re-reads the header row and persists it under a new version.
func (c *Cache) Refresh(ctx context.Context) (domain.HeaderSnapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	state, err := c.repo.Get(ctx, c.pipeline)
	if err != nil && !errors.Is(err, storage.ErrHeaderNotFound) {
		c.logger.Warn("cached header unreadable", "error", err)
		state = nil
	}
	return c.refreshLocked(ctx, state)
}

func (c *Cache) refreshLocked(ctx context.Context, prev *domain.HeaderState) (domain.HeaderSnapshot, error) {
	fields, err := c.rows.ReadHeader(ctx)
	if err != nil {
		return domain.HeaderSnapshot{}, fmt.Errorf("failed to read header: %w", err)
	}
	return c.save(ctx, prev, fields)
}

func (c *Cache) save(ctx context.Context, prev *domain.HeaderState, fields []string) (domain.HeaderSnapshot, error) {
	version := int64(1)
	next := &domain.HeaderState{Pipeline: c.pipeline}
	if prev != nil {
		version = prev.Snapshot.Version + 1
		next.Selection = prev.Selection
	}
	next.Snapshot = domain.NewHeaderSnapshot(fields, version, c.now())

	if err := c.repo.Save(ctx, next); err != nil {
		return domain.HeaderSnapshot{}, fmt.Errorf("failed to save header: %w", err)
	}

	c.logger.Info("header refreshed",
		"version", version,
		"fields", len(fields),
	)
	return next.Snapshot, nil
}

// Selection returns the persisted field selection override, or fallback
// when none is stored.
func (c *Cache) Selection(ctx context.Context, fallback domain.FieldSelection) (domain.FieldSelection, error) {
	state, err := c.repo.Get(ctx, c.pipeline)
	if errors.Is(err, storage.ErrHeaderNotFound) {
		return fallback, nil
	}
	if err != nil {
		return fallback, fmt.Errorf("failed to load field selection: %w", err)
	}
	if state.Selection == nil || state.Selection.IsZero() {
		return fallback, nil
	}
	return *state.Selection, nil
}

// SetSelection persists a field selection override.
func (c *Cache) SetSelection(ctx context.Context, sel domain.FieldSelection) error {
	if err := Validate(sel); err != nil {
		return err
	}
	return c.updateSelection(ctx, &sel)
}

// ClearSelection removes the field selection override.
func (c *Cache) ClearSelection(ctx context.Context) error {
	return c.updateSelection(ctx, nil)
}

func (c *Cache) updateSelection(ctx context.Context, sel *domain.FieldSelection) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	state, err := c.repo.Get(ctx, c.pipeline)
	if errors.Is(err, storage.ErrHeaderNotFound) {
		state = &domain.HeaderState{Pipeline: c.pipeline}
	} else if err != nil {
		return fmt.Errorf("failed to load header: %w", err)
	}
	state.Selection = sel

	if err := c.repo.Save(ctx, state); err != nil {
		return fmt.Errorf("failed to save field selection: %w", err)
	}
	return nil
}

// Validate checks that a selection names an ID column and at least one
// output column.
func Validate(sel domain.FieldSelection) error {
	if sel.IDColumn == "" {
		return fmt.Errorf("%w: id column is required", ErrInvalidSelection)
	}
	if len(sel.OutputColumns) == 0 {
		return fmt.Errorf("%w: at least one output column is required", ErrInvalidSelection)
	}
	for label, col := range sel.OutputColumns {
		if label == "" || col == "" {
			return fmt.Errorf("%w: empty output mapping %q -> %q", ErrInvalidSelection, label, col)
		}
		if col == sel.IDColumn {
			return fmt.Errorf("%w: output %q would overwrite the id column", ErrInvalidSelection, label)
		}
	}
	return nil
}
