package memory

import (
	"context"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/supportersimulator/categorizer/internal/core/domain"
	"github.com/supportersimulator/categorizer/internal/infra/storage"
)

// MemoryStorage keeps pipeline state in process memory. Used by tests and by
// the "memory" state driver.
type MemoryStorage struct {
	cursors map[string]*domain.ProgressCursor
	headers map[string]*domain.HeaderState
	results map[string]map[domain.CaseID]*domain.ResultRecord
	locks   map[string]string
	mu      sync.RWMutex
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		cursors: make(map[string]*domain.ProgressCursor),
		headers: make(map[string]*domain.HeaderState),
		results: make(map[string]map[domain.CaseID]*domain.ResultRecord),
		locks:   make(map[string]string),
	}
}

// -----------------------------------------------------------------------------
// Cursor Repository
// -----------------------------------------------------------------------------

type CursorRepo struct {
	store *MemoryStorage
}

func NewCursorRepo(store *MemoryStorage) *CursorRepo {
	return &CursorRepo{store: store}
}

func (r *CursorRepo) Get(ctx context.Context, pipeline string) (*domain.ProgressCursor, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	if c, ok := r.store.cursors[pipeline]; ok {
		cp := *c
		return &cp, nil
	}
	return nil, storage.ErrCursorNotFound
}

func (r *CursorRepo) Save(ctx context.Context, cursor *domain.ProgressCursor) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	cp := *cursor
	cp.UpdatedAt = time.Now()
	r.store.cursors[cursor.Pipeline] = &cp
	return nil
}

func (r *CursorRepo) UpdatePosition(ctx context.Context, pipeline string, lastProcessed, totalRows int) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	c, ok := r.store.cursors[pipeline]
	if !ok {
		c = &domain.ProgressCursor{Pipeline: pipeline}
		r.store.cursors[pipeline] = c
	}
	c.LastProcessedIndex = lastProcessed
	c.TotalRows = totalRows
	c.UpdatedAt = time.Now()
	return nil
}

func (r *CursorRepo) Reset(ctx context.Context, pipeline string) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	if c, ok := r.store.cursors[pipeline]; ok {
		c.LastProcessedIndex = 0
		c.UpdatedAt = time.Now()
	}
	return nil
}

// -----------------------------------------------------------------------------
// Header Repository
// -----------------------------------------------------------------------------

type HeaderRepo struct {
	store *MemoryStorage
}

func NewHeaderRepo(store *MemoryStorage) *HeaderRepo {
	return &HeaderRepo{store: store}
}

func (r *HeaderRepo) Get(ctx context.Context, pipeline string) (*domain.HeaderState, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	h, ok := r.store.headers[pipeline]
	if !ok {
		return nil, storage.ErrHeaderNotFound
	}
	cp := &domain.HeaderState{
		Pipeline: h.Pipeline,
		Snapshot: domain.NewHeaderSnapshot(h.Snapshot.Fields, h.Snapshot.Version, h.Snapshot.RefreshedAt),
	}
	if h.Selection != nil {
		sel := cloneSelection(*h.Selection)
		cp.Selection = &sel
	}
	return cp, nil
}

func (r *HeaderRepo) Save(ctx context.Context, state *domain.HeaderState) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	cp := &domain.HeaderState{
		Pipeline: state.Pipeline,
		Snapshot: domain.NewHeaderSnapshot(state.Snapshot.Fields, state.Snapshot.Version, state.Snapshot.RefreshedAt),
	}
	if state.Selection != nil {
		sel := cloneSelection(*state.Selection)
		cp.Selection = &sel
	}
	r.store.headers[state.Pipeline] = cp
	return nil
}

func cloneSelection(s domain.FieldSelection) domain.FieldSelection {
	return domain.FieldSelection{
		IDColumn:      s.IDColumn,
		InputColumns:  slices.Clone(s.InputColumns),
		OutputColumns: maps.Clone(s.OutputColumns),
	}
}

// -----------------------------------------------------------------------------
// Result Repository
// -----------------------------------------------------------------------------

type ResultRepo struct {
	store *MemoryStorage
}

func NewResultRepo(store *MemoryStorage) *ResultRepo {
	return &ResultRepo{store: store}
}

func (r *ResultRepo) Get(ctx context.Context, pipeline string, caseID domain.CaseID) (*domain.ResultRecord, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	rec, ok := r.store.results[pipeline][caseID]
	if !ok {
		return nil, storage.ErrResultNotFound
	}
	return cloneRecord(rec), nil
}

func (r *ResultRepo) GetMany(ctx context.Context, pipeline string, caseIDs []domain.CaseID) (map[domain.CaseID]*domain.ResultRecord, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	out := make(map[domain.CaseID]*domain.ResultRecord, len(caseIDs))
	for _, id := range caseIDs {
		if rec, ok := r.store.results[pipeline][id]; ok {
			out[id] = cloneRecord(rec)
		}
	}
	return out, nil
}

func (r *ResultRepo) Upsert(ctx context.Context, records []*domain.ResultRecord) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	for _, rec := range records {
		byCase, ok := r.store.results[rec.Pipeline]
		if !ok {
			byCase = make(map[domain.CaseID]*domain.ResultRecord)
			r.store.results[rec.Pipeline] = byCase
		}
		byCase[rec.CaseID] = cloneRecord(rec)
	}
	return nil
}

func (r *ResultRepo) ListByStatus(ctx context.Context, pipeline string, statuses []domain.ResultStatus, limit int) ([]*domain.ResultRecord, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	var out []*domain.ResultRecord
	for _, rec := range r.store.results[pipeline] {
		if slices.Contains(statuses, rec.Status) {
			out = append(out, cloneRecord(rec))
		}
	}
	slices.SortFunc(out, func(a, b *domain.ResultRecord) int {
		if a.RetryCount != b.RetryCount {
			return a.RetryCount - b.RetryCount
		}
		if c := a.UpdatedAt.Compare(b.UpdatedAt); c != 0 {
			return c
		}
		return strings.Compare(string(a.CaseID), string(b.CaseID))
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *ResultRepo) CountByStatus(ctx context.Context, pipeline string) (map[domain.ResultStatus]int, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	counts := make(map[domain.ResultStatus]int)
	for _, rec := range r.store.results[pipeline] {
		counts[rec.Status]++
	}
	return counts, nil
}

func (r *ResultRepo) LabelStats(ctx context.Context, pipeline string) ([]domain.LabelStat, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	type key struct{ label, value string }
	byKey := make(map[key]*domain.LabelStat)
	for _, rec := range r.store.results[pipeline] {
		if rec.Status != domain.StatusSuccess {
			continue
		}
		for label, value := range rec.Labels {
			k := key{label, value}
			st, ok := byKey[k]
			if !ok {
				st = &domain.LabelStat{Label: label, Value: value}
				byKey[k] = st
			}
			st.Total++
			switch rec.Comparison[label] {
			case domain.ComparisonMatch:
				st.Match++
			case domain.ComparisonConflict:
				st.Conflict++
			case domain.ComparisonNew:
				st.New++
			}
		}
	}

	out := make([]domain.LabelStat, 0, len(byKey))
	for _, st := range byKey {
		out = append(out, *st)
	}
	slices.SortFunc(out, storage.CompareLabelStats)
	return out, nil
}

func cloneRecord(rec *domain.ResultRecord) *domain.ResultRecord {
	cp := *rec
	cp.Labels = maps.Clone(rec.Labels)
	cp.Comparison = maps.Clone(rec.Comparison)
	return &cp
}

// -----------------------------------------------------------------------------
// Locker
// -----------------------------------------------------------------------------

// Locker is an in-process run lock. The ttl is ignored: the lock lives until
// released.
type Locker struct {
	store *MemoryStorage
}

func NewLocker(store *MemoryStorage) *Locker {
	return &Locker{store: store}
}

func (l *Locker) Acquire(ctx context.Context, pipeline string, ttl time.Duration) (func(context.Context) error, error) {
	l.store.mu.Lock()
	defer l.store.mu.Unlock()
	if _, held := l.store.locks[pipeline]; held {
		return nil, storage.ErrLocked
	}
	token := uuid.NewString()
	l.store.locks[pipeline] = token

	return func(context.Context) error {
		l.store.mu.Lock()
		defer l.store.mu.Unlock()
		if l.store.locks[pipeline] == token {
			delete(l.store.locks, pipeline)
		}
		return nil
	}, nil
}
