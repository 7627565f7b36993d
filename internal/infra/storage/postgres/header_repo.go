package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/supportersimulator/categorizer/internal/core/domain"
	"github.com/supportersimulator/categorizer/internal/infra/storage"
)

// HeaderRepo implements storage.HeaderRepository using PostgreSQL.
type HeaderRepo struct {
	db *DB
}

func NewHeaderRepo(db *DB) *HeaderRepo {
	return &HeaderRepo{db: db}
}

type headerRow struct {
	Pipeline    string         `db:"pipeline"`
	Fields      pq.StringArray `db:"fields"`
	Version     int64          `db:"version"`
	RefreshedAt time.Time      `db:"refreshed_at"`
	Selection   []byte         `db:"selection"`
}

func (r *HeaderRepo) Get(ctx context.Context, pipeline string) (*domain.HeaderState, error) {
	var row headerRow
	err := r.db.GetContext(ctx, &row, `
		SELECT pipeline, fields, version, refreshed_at, selection
		FROM header_cache WHERE pipeline = $1`, pipeline)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrHeaderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get header cache: %w", err)
	}

	state := &domain.HeaderState{
		Pipeline: row.Pipeline,
		Snapshot: domain.NewHeaderSnapshot(row.Fields, row.Version, row.RefreshedAt),
	}
	if len(row.Selection) > 0 {
		var sel domain.FieldSelection
		if err := json.Unmarshal(row.Selection, &sel); err != nil {
			return nil, fmt.Errorf("failed to decode field selection: %w", err)
		}
		state.Selection = &sel
	}
	return state, nil
}

func (r *HeaderRepo) Save(ctx context.Context, state *domain.HeaderState) error {
	var selection sql.NullString
	if state.Selection != nil {
		b, err := json.Marshal(state.Selection)
		if err != nil {
			return fmt.Errorf("failed to encode field selection: %w", err)
		}
		selection = sql.NullString{String: string(b), Valid: true}
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO header_cache (pipeline, fields, version, refreshed_at, selection)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (pipeline) DO UPDATE SET
			fields = EXCLUDED.fields,
			version = EXCLUDED.version,
			refreshed_at = EXCLUDED.refreshed_at,
			selection = EXCLUDED.selection`,
		state.Pipeline, pq.Array(state.Snapshot.Fields), state.Snapshot.Version,
		state.Snapshot.RefreshedAt, selection)
	if err != nil {
		return fmt.Errorf("failed to save header cache: %w", err)
	}
	return nil
}
