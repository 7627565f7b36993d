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

// ResultRepo implements storage.ResultRepository using PostgreSQL.
type ResultRepo struct {
	db *DB
}

func NewResultRepo(db *DB) *ResultRepo {
	return &ResultRepo{db: db}
}

const resultColumns = `pipeline, case_id, status, labels, comparison, error, attempts, retry_count, updated_at`

type resultRow struct {
	Pipeline   string         `db:"pipeline"`
	CaseID     string         `db:"case_id"`
	Status     string         `db:"status"`
	Labels     sql.NullString `db:"labels"`
	Comparison sql.NullString `db:"comparison"`
	Error      string         `db:"error"`
	Attempts   int            `db:"attempts"`
	RetryCount int            `db:"retry_count"`
	UpdatedAt  time.Time      `db:"updated_at"`
}

func (row resultRow) record() (*domain.ResultRecord, error) {
	rec := &domain.ResultRecord{
		Pipeline:   row.Pipeline,
		CaseID:     domain.CaseID(row.CaseID),
		Status:     domain.ResultStatus(row.Status),
		Error:      row.Error,
		Attempts:   row.Attempts,
		RetryCount: row.RetryCount,
		UpdatedAt:  row.UpdatedAt,
	}
	if row.Labels.Valid && row.Labels.String != "" {
		if err := json.Unmarshal([]byte(row.Labels.String), &rec.Labels); err != nil {
			return nil, fmt.Errorf("failed to decode labels for %s: %w", row.CaseID, err)
		}
	}
	if row.Comparison.Valid && row.Comparison.String != "" {
		if err := json.Unmarshal([]byte(row.Comparison.String), &rec.Comparison); err != nil {
			return nil, fmt.Errorf("failed to decode comparison for %s: %w", row.CaseID, err)
		}
	}
	return rec, nil
}

func (r *ResultRepo) Get(ctx context.Context, pipeline string, caseID domain.CaseID) (*domain.ResultRecord, error) {
	var row resultRow
	err := r.db.GetContext(ctx, &row,
		`SELECT `+resultColumns+` FROM case_results WHERE pipeline = $1 AND case_id = $2`,
		pipeline, string(caseID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrResultNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get result: %w", err)
	}
	return row.record()
}

func (r *ResultRepo) GetMany(ctx context.Context, pipeline string, caseIDs []domain.CaseID) (map[domain.CaseID]*domain.ResultRecord, error) {
	out := make(map[domain.CaseID]*domain.ResultRecord, len(caseIDs))
	if len(caseIDs) == 0 {
		return out, nil
	}
	ids := make([]string, len(caseIDs))
	for i, id := range caseIDs {
		ids[i] = string(id)
	}

	var rows []resultRow
	err := r.db.SelectContext(ctx, &rows,
		`SELECT `+resultColumns+` FROM case_results WHERE pipeline = $1 AND case_id = ANY($2)`,
		pipeline, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("failed to get results: %w", err)
	}
	for _, row := range rows {
		rec, err := row.record()
		if err != nil {
			return nil, err
		}
		out[rec.CaseID] = rec
	}
	return out, nil
}

// Upsert saves records in one transaction.
func (r *ResultRepo) Upsert(ctx context.Context, records []*domain.ResultRecord) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PreparexContext(ctx, `
		INSERT INTO case_results (`+resultColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (pipeline, case_id) DO UPDATE SET
			status = EXCLUDED.status,
			labels = EXCLUDED.labels,
			comparison = EXCLUDED.comparison,
			error = EXCLUDED.error,
			attempts = EXCLUDED.attempts,
			retry_count = EXCLUDED.retry_count,
			updated_at = EXCLUDED.updated_at`)
	if err != nil {
		return fmt.Errorf("failed to prepare upsert: %w", err)
	}
	defer stmt.Close()

	for _, rec := range records {
		labels, err := jsonb(rec.Labels)
		if err != nil {
			return fmt.Errorf("failed to encode labels for %s: %w", rec.CaseID, err)
		}
		comparison, err := jsonb(rec.Comparison)
		if err != nil {
			return fmt.Errorf("failed to encode comparison for %s: %w", rec.CaseID, err)
		}
		updatedAt := rec.UpdatedAt
		if updatedAt.IsZero() {
			updatedAt = time.Now()
		}
		if _, err := stmt.ExecContext(ctx, rec.Pipeline, string(rec.CaseID), string(rec.Status),
			labels, comparison, rec.Error, rec.Attempts, rec.RetryCount, updatedAt); err != nil {
			return fmt.Errorf("failed to upsert result %s: %w", rec.CaseID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit results: %w", err)
	}
	return nil
}

func (r *ResultRepo) ListByStatus(ctx context.Context, pipeline string, statuses []domain.ResultStatus, limit int) ([]*domain.ResultRecord, error) {
	names := make([]string, len(statuses))
	for i, s := range statuses {
		names[i] = string(s)
	}

	query := `SELECT ` + resultColumns + ` FROM case_results
		WHERE pipeline = $1 AND status = ANY($2)
		ORDER BY retry_count, updated_at, case_id`
	args := []any{pipeline, pq.Array(names)}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}

	var rows []resultRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list results: %w", err)
	}
	out := make([]*domain.ResultRecord, 0, len(rows))
	for _, row := range rows {
		rec, err := row.record()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (r *ResultRepo) CountByStatus(ctx context.Context, pipeline string) (map[domain.ResultStatus]int, error) {
	var rows []struct {
		Status string `db:"status"`
		Count  int    `db:"count"`
	}
	err := r.db.SelectContext(ctx, &rows,
		`SELECT status, count(*) AS count FROM case_results WHERE pipeline = $1 GROUP BY status`, pipeline)
	if err != nil {
		return nil, fmt.Errorf("failed to count results: %w", err)
	}
	out := make(map[domain.ResultStatus]int, len(rows))
	for _, row := range rows {
		out[domain.ResultStatus(row.Status)] = row.Count
	}
	return out, nil
}

// LabelStats counts successful records per label value, split by how each
// suggestion compared to the cell it replaced.
func (r *ResultRepo) LabelStats(ctx context.Context, pipeline string) ([]domain.LabelStat, error) {
	var stats []domain.LabelStat
	err := r.db.SelectContext(ctx, &stats, `
		SELECT l.key AS label, l.value AS value, count(*) AS total,
			count(*) FILTER (WHERE r.comparison ->> l.key = 'match') AS "match",
			count(*) FILTER (WHERE r.comparison ->> l.key = 'conflict') AS "conflict",
			count(*) FILTER (WHERE r.comparison ->> l.key = 'new') AS "new"
		FROM case_results r, jsonb_each_text(r.labels) l
		WHERE r.pipeline = $1 AND r.status = $2 AND r.labels IS NOT NULL
		GROUP BY l.key, l.value
		ORDER BY l.key, count(*) DESC, l.value`,
		pipeline, string(domain.StatusSuccess))
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate labels: %w", err)
	}
	return stats, nil
}

func jsonb[M ~map[string]V, V any](m M) (sql.NullString, error) {
	if len(m) == 0 {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}
