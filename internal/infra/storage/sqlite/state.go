package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/supportersimulator/categorizer/internal/core/domain"
	"github.com/supportersimulator/categorizer/internal/infra/storage"
)

// CursorRepo implements storage.CursorRepository on SQLite.
type CursorRepo struct {
	db *sql.DB
}

func NewCursorRepo(db *sql.DB) *CursorRepo {
	return &CursorRepo{db: db}
}

func (r *CursorRepo) Get(ctx context.Context, pipeline string) (*domain.ProgressCursor, error) {
	c := &domain.ProgressCursor{Pipeline: pipeline}
	var updated int64
	err := r.db.QueryRowContext(ctx, `
		SELECT last_processed_index, total_rows, updated_at
		FROM progress_cursors WHERE pipeline = ?`, pipeline).
		Scan(&c.LastProcessedIndex, &c.TotalRows, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrCursorNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cursor: %w", err)
	}
	c.UpdatedAt = time.Unix(updated, 0)
	return c, nil
}

func (r *CursorRepo) Save(ctx context.Context, cursor *domain.ProgressCursor) error {
	return r.UpdatePosition(ctx, cursor.Pipeline, cursor.LastProcessedIndex, cursor.TotalRows)
}

func (r *CursorRepo) UpdatePosition(ctx context.Context, pipeline string, lastProcessed, totalRows int) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO progress_cursors (pipeline, last_processed_index, total_rows, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(pipeline) DO UPDATE SET
			last_processed_index = excluded.last_processed_index,
			total_rows = excluded.total_rows,
			updated_at = excluded.updated_at`,
		pipeline, lastProcessed, totalRows, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to update cursor position: %w", err)
	}
	return nil
}

func (r *CursorRepo) Reset(ctx context.Context, pipeline string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE progress_cursors SET last_processed_index = 0, updated_at = ?
		WHERE pipeline = ?`, time.Now().Unix(), pipeline)
	if err != nil {
		return fmt.Errorf("failed to reset cursor: %w", err)
	}
	return nil
}

// HeaderRepo implements storage.HeaderRepository on SQLite.
type HeaderRepo struct {
	db *sql.DB
}

func NewHeaderRepo(db *sql.DB) *HeaderRepo {
	return &HeaderRepo{db: db}
}

func (r *HeaderRepo) Get(ctx context.Context, pipeline string) (*domain.HeaderState, error) {
	var (
		fieldsJSON string
		version    int64
		refreshed  int64
		selection  sql.NullString
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT fields_json, version, refreshed_at, selection_json
		FROM header_cache WHERE pipeline = ?`, pipeline).
		Scan(&fieldsJSON, &version, &refreshed, &selection)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrHeaderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get header cache: %w", err)
	}

	var fields []string
	if err := json.Unmarshal([]byte(fieldsJSON), &fields); err != nil {
		return nil, fmt.Errorf("failed to decode header fields: %w", err)
	}
	state := &domain.HeaderState{
		Pipeline: pipeline,
		Snapshot: domain.NewHeaderSnapshot(fields, version, time.Unix(refreshed, 0)),
	}
	if selection.Valid && selection.String != "" {
		var sel domain.FieldSelection
		if err := json.Unmarshal([]byte(selection.String), &sel); err != nil {
			return nil, fmt.Errorf("failed to decode field selection: %w", err)
		}
		state.Selection = &sel
	}
	return state, nil
}

func (r *HeaderRepo) Save(ctx context.Context, state *domain.HeaderState) error {
	fields, err := json.Marshal(state.Snapshot.Fields)
	if err != nil {
		return fmt.Errorf("failed to encode header fields: %w", err)
	}
	var selection sql.NullString
	if state.Selection != nil {
		b, err := json.Marshal(state.Selection)
		if err != nil {
			return fmt.Errorf("failed to encode field selection: %w", err)
		}
		selection = sql.NullString{String: string(b), Valid: true}
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO header_cache (pipeline, fields_json, version, refreshed_at, selection_json)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(pipeline) DO UPDATE SET
			fields_json = excluded.fields_json,
			version = excluded.version,
			refreshed_at = excluded.refreshed_at,
			selection_json = excluded.selection_json`,
		state.Pipeline, string(fields), state.Snapshot.Version,
		state.Snapshot.RefreshedAt.Unix(), selection)
	if err != nil {
		return fmt.Errorf("failed to save header cache: %w", err)
	}
	return nil
}

// ResultRepo implements storage.ResultRepository on SQLite.
type ResultRepo struct {
	db *sql.DB
}

func NewResultRepo(db *sql.DB) *ResultRepo {
	return &ResultRepo{db: db}
}

const resultColumns = `pipeline, case_id, status, labels_json, comparison_json, error, attempts, retry_count, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanResult(s scanner) (*domain.ResultRecord, error) {
	var (
		rec        domain.ResultRecord
		caseID     string
		status     string
		labels     sql.NullString
		comparison sql.NullString
		updated    int64
	)
	if err := s.Scan(&rec.Pipeline, &caseID, &status, &labels, &comparison, &rec.Error,
		&rec.Attempts, &rec.RetryCount, &updated); err != nil {
		return nil, err
	}
	rec.CaseID = domain.CaseID(caseID)
	rec.Status = domain.ResultStatus(status)
	rec.UpdatedAt = time.UnixMilli(updated)
	if labels.Valid && labels.String != "" {
		if err := json.Unmarshal([]byte(labels.String), &rec.Labels); err != nil {
			return nil, fmt.Errorf("failed to decode labels for %s: %w", caseID, err)
		}
	}
	if comparison.Valid && comparison.String != "" {
		if err := json.Unmarshal([]byte(comparison.String), &rec.Comparison); err != nil {
			return nil, fmt.Errorf("failed to decode comparison for %s: %w", caseID, err)
		}
	}
	return &rec, nil
}

func (r *ResultRepo) Get(ctx context.Context, pipeline string, caseID domain.CaseID) (*domain.ResultRecord, error) {
	rec, err := scanResult(r.db.QueryRowContext(ctx,
		`SELECT `+resultColumns+` FROM case_results WHERE pipeline = ? AND case_id = ?`,
		pipeline, string(caseID)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrResultNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get result: %w", err)
	}
	return rec, nil
}

func (r *ResultRepo) GetMany(ctx context.Context, pipeline string, caseIDs []domain.CaseID) (map[domain.CaseID]*domain.ResultRecord, error) {
	out := make(map[domain.CaseID]*domain.ResultRecord, len(caseIDs))
	if len(caseIDs) == 0 {
		return out, nil
	}
	args := make([]any, 0, len(caseIDs)+1)
	args = append(args, pipeline)
	for _, id := range caseIDs {
		args = append(args, string(id))
	}
	query := `SELECT ` + resultColumns + ` FROM case_results WHERE pipeline = ? AND case_id IN (` +
		placeholders(len(caseIDs)) + `)`

	records, err := r.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get results: %w", err)
	}
	for _, rec := range records {
		out[rec.CaseID] = rec
	}
	return out, nil
}

// Upsert saves records in one transaction.
func (r *ResultRepo) Upsert(ctx context.Context, records []*domain.ResultRecord) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO case_results (`+resultColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(pipeline, case_id) DO UPDATE SET
			status = excluded.status,
			labels_json = excluded.labels_json,
			comparison_json = excluded.comparison_json,
			error = excluded.error,
			attempts = excluded.attempts,
			retry_count = excluded.retry_count,
			updated_at = excluded.updated_at`)
	if err != nil {
		return fmt.Errorf("failed to prepare upsert: %w", err)
	}
	defer stmt.Close()

	for _, rec := range records {
		labels, err := jsonColumn(rec.Labels)
		if err != nil {
			return fmt.Errorf("failed to encode labels for %s: %w", rec.CaseID, err)
		}
		comparison, err := jsonColumn(rec.Comparison)
		if err != nil {
			return fmt.Errorf("failed to encode comparison for %s: %w", rec.CaseID, err)
		}
		updatedAt := rec.UpdatedAt
		if updatedAt.IsZero() {
			updatedAt = time.Now()
		}
		if _, err := stmt.ExecContext(ctx, rec.Pipeline, string(rec.CaseID), string(rec.Status),
			labels, comparison, rec.Error, rec.Attempts, rec.RetryCount, updatedAt.UnixMilli()); err != nil {
			return fmt.Errorf("failed to upsert result %s: %w", rec.CaseID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit results: %w", err)
	}
	return nil
}

func (r *ResultRepo) ListByStatus(ctx context.Context, pipeline string, statuses []domain.ResultStatus, limit int) ([]*domain.ResultRecord, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	args := make([]any, 0, len(statuses)+2)
	args = append(args, pipeline)
	for _, s := range statuses {
		args = append(args, string(s))
	}
	query := `SELECT ` + resultColumns + ` FROM case_results
		WHERE pipeline = ? AND status IN (` + placeholders(len(statuses)) + `)
		ORDER BY retry_count, updated_at, case_id`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	records, err := r.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list results: %w", err)
	}
	return records, nil
}

func (r *ResultRepo) CountByStatus(ctx context.Context, pipeline string) (map[domain.ResultStatus]int, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT status, count(*) FROM case_results WHERE pipeline = ? GROUP BY status`, pipeline)
	if err != nil {
		return nil, fmt.Errorf("failed to count results: %w", err)
	}
	defer rows.Close()

	out := make(map[domain.ResultStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[domain.ResultStatus(status)] = n
	}
	return out, rows.Err()
}

// LabelStats counts successful records per label value, split by how each
// suggestion compared to the cell it replaced.
func (r *ResultRepo) LabelStats(ctx context.Context, pipeline string) ([]domain.LabelStat, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT l.key, l.value, count(*),
			sum(CASE c.value WHEN 'match' THEN 1 ELSE 0 END),
			sum(CASE c.value WHEN 'conflict' THEN 1 ELSE 0 END),
			sum(CASE c.value WHEN 'new' THEN 1 ELSE 0 END)
		FROM case_results r
		JOIN json_each(r.labels_json) l
		LEFT JOIN json_each(r.comparison_json) c ON c.key = l.key
		WHERE r.pipeline = ? AND r.status = ? AND r.labels_json IS NOT NULL
		GROUP BY l.key, l.value
		ORDER BY l.key, count(*) DESC, l.value`,
		pipeline, string(domain.StatusSuccess))
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate labels: %w", err)
	}
	defer rows.Close()

	var out []domain.LabelStat
	for rows.Next() {
		var st domain.LabelStat
		if err := rows.Scan(&st.Label, &st.Value, &st.Total, &st.Match, &st.Conflict, &st.New); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func jsonColumn[M ~map[string]V, V any](m M) (sql.NullString, error) {
	if len(m) == 0 {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func (r *ResultRepo) query(ctx context.Context, query string, args ...any) ([]*domain.ResultRecord, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.ResultRecord
	for rows.Next() {
		rec, err := scanResult(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
