// Package control is the external control surface of a pipeline: run the
// next batch, retry failed cases, reset progress and report status.
package control

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/supportersimulator/categorizer/internal/classifier"
	"github.com/supportersimulator/categorizer/internal/core/cursor"
	"github.com/supportersimulator/categorizer/internal/core/domain"
	"github.com/supportersimulator/categorizer/internal/core/ledger"
	"github.com/supportersimulator/categorizer/internal/core/schema"
	"github.com/supportersimulator/categorizer/internal/infra/storage"
	"github.com/supportersimulator/categorizer/internal/pipeline/extract"
	"github.com/supportersimulator/categorizer/internal/pipeline/metrics"
	"github.com/supportersimulator/categorizer/internal/pipeline/process"
	"github.com/supportersimulator/categorizer/internal/pipeline/recovery"
	"github.com/supportersimulator/categorizer/internal/pipeline/report"
	"github.com/supportersimulator/categorizer/internal/pipeline/writer"
)

// ErrNoSelection is returned when neither configuration nor the persisted
// override provides a field selection.
var ErrNoSelection = errors.New("no field selection configured")

// Deps are the stores and services a pipeline runs on.
type Deps struct {
	Rows       storage.RowStore
	Cursors    storage.CursorRepository
	Headers    storage.HeaderRepository
	Results    storage.ResultRepository
	Locker     storage.Locker
	Classifier *classifier.Client
}

// Options configures a pipeline.
type Options struct {
	BatchSize int
	// Fields is used unless a selection override has been persisted.
	Fields       domain.FieldSelection
	LockTTL      time.Duration
	VerifyHeader bool
	Backoff      recovery.RetryStrategy
}

// Pipeline processes one row store against one classifier.
type Pipeline struct {
	name     string
	rows     storage.RowStore
	locker   storage.Locker
	cursor   *cursor.Manager
	schema   *schema.Cache
	ledger   *ledger.Manager
	recovery *recovery.Coordinator
	client   *classifier.Client
	opts     Options
	logger   *slog.Logger
}

// RunResult describes one RunNextBatch call.
type RunResult struct {
	RunID   string
	Span    domain.RowSpan
	IsLast  bool
	Outcome process.Outcome
	Cursor  domain.ProgressCursor
}

func New(name string, deps Deps, opts Options, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 25
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 10 * time.Minute
	}
	logger = logger.With("pipeline", name)

	cm := cursor.NewManager(name, deps.Cursors, deps.Rows).WithLogger(logger)
	cm.OnAdvance(func(c cursor.Cursor) {
		metrics.CursorPosition.WithLabelValues(name).Set(float64(c.LastProcessedIndex))
		metrics.TotalRows.WithLabelValues(name).Set(float64(c.TotalRows))
	})
	l := ledger.NewManager(name, deps.Results).WithLogger(logger)
	l.SetTransitionCallback(func(t ledger.Transition) {
		metrics.StatusTransitionsTotal.WithLabelValues(name, string(t.From), string(t.To)).Inc()
	})

	return &Pipeline{
		name:     name,
		rows:     deps.Rows,
		locker:   deps.Locker,
		cursor:   cm,
		schema:   schema.NewCache(name, deps.Headers, deps.Rows).WithLogger(logger).WithVerify(opts.VerifyHeader),
		ledger:   l,
		recovery: recovery.NewCoordinator(name, l, opts.Backoff, opts.BatchSize, logger),
		client:   deps.Classifier,
		opts:     opts,
		logger:   logger,
	}
}

// Name returns the pipeline name.
func (p *Pipeline) Name() string {
	return p.name
}

func (p *Pipeline) lock(ctx context.Context) (func(), error) {
	release, err := p.locker.Acquire(ctx, p.name, p.opts.LockTTL)
	if err != nil {
		return nil, err
	}
	return func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			p.logger.Warn("failed to release run lock", "error", err)
		}
	}, nil
}

// prepare resolves the field selection and a header snapshot that contains
// every column it names.
func (p *Pipeline) prepare(ctx context.Context) (domain.FieldSelection, *extract.Extractor, error) {
	sel, err := p.schema.Selection(ctx, p.opts.Fields)
	if err != nil {
		return sel, nil, err
	}
	if sel.IsZero() {
		return sel, nil, ErrNoSelection
	}
	if err := schema.Validate(sel); err != nil {
		return sel, nil, err
	}

	snap, err := p.schema.Snapshot(ctx, sel)
	if err != nil {
		return sel, nil, err
	}
	if missing := snap.Missing(outputColumns(sel)...); len(missing) > 0 {
		return sel, nil, fmt.Errorf("%w: output columns %v", extract.ErrMissingColumn, missing)
	}
	ex, err := extract.New(p.rows, snap, sel, p.logger)
	if err != nil {
		return sel, nil, err
	}
	return sel, ex, nil
}

func (p *Pipeline) processor(sel domain.FieldSelection) *process.Processor {
	return process.NewProcessor(
		p.name,
		p.ledger,
		p.client.WithLabels(sel.LabelKeys()),
		writer.New(p.name, p.rows, sel, p.logger),
		p.logger,
	)
}

// RunNextBatch processes the batch at the cursor and advances past it once
// its results are written. It returns storage.ErrLocked when another run
// holds the pipeline. On error the cursor does not move and the same rows
// are read again on the next call.
func (p *Pipeline) RunNextBatch(ctx context.Context) (RunResult, error) {
	res := RunResult{RunID: uuid.NewString()}
	unlock, err := p.lock(ctx)
	if err != nil {
		return res, err
	}
	defer unlock()

	log := p.logger.With("run_id", res.RunID)

	sel, ex, err := p.prepare(ctx)
	if err != nil {
		return res, err
	}

	batch, isLast, err := p.cursor.NextBatch(ctx, ex, p.opts.BatchSize)
	if err != nil {
		return res, err
	}
	res.Span, res.IsLast = batch.Span, isLast

	if batch.Span.Count == 0 {
		c, err := p.cursor.Get(ctx)
		if err != nil {
			return res, err
		}
		res.Cursor = *c
		log.Info("nothing to process", "position", c.LastProcessedIndex, "total_rows", c.TotalRows)
		return res, nil
	}

	out, err := p.processor(sel).Process(ctx, batch)
	res.Outcome = out
	if err != nil {
		log.Warn("batch not completed, cursor not advanced",
			"start", batch.Span.Start, "count", batch.Span.Count, "error", err)
		return res, err
	}

	if err := p.cursor.Advance(ctx, batch.Span.Count); err != nil {
		return res, err
	}
	c, err := p.cursor.Get(ctx)
	if err != nil {
		return res, err
	}
	res.Cursor = *c

	log.Info("run complete",
		"start", batch.Span.Start,
		"rows", batch.Span.Count,
		"position", c.LastProcessedIndex,
		"total_rows", c.TotalRows,
		"is_last", isLast,
	)
	return res, nil
}

// RetryFailed resubmits the given cases. When ids is empty it resubmits one
// batch of failed and malformed cases, fewest retries first; call it again
// for the next batch.
func (p *Pipeline) RetryFailed(ctx context.Context, ids []domain.CaseID) (recovery.Summary, error) {
	return p.retry(ctx, func(ctx context.Context) ([]domain.CaseID, error) {
		if len(ids) > 0 {
			return ids, nil
		}
		return p.recovery.FailedCaseIDs(ctx, p.opts.BatchSize)
	})
}

// RetryDue resubmits up to limit failed cases whose backoff has elapsed. A
// limit of zero or less means one batch.
func (p *Pipeline) RetryDue(ctx context.Context, limit int) (recovery.Summary, error) {
	if limit <= 0 {
		limit = p.opts.BatchSize
	}
	return p.retry(ctx, func(ctx context.Context) ([]domain.CaseID, error) {
		return p.recovery.DueCaseIDs(ctx, limit)
	})
}

func (p *Pipeline) retry(ctx context.Context, pick func(context.Context) ([]domain.CaseID, error)) (recovery.Summary, error) {
	unlock, err := p.lock(ctx)
	if err != nil {
		return recovery.Summary{}, err
	}
	defer unlock()

	ids, err := pick(ctx)
	if err != nil {
		return recovery.Summary{}, err
	}
	if len(ids) == 0 {
		p.logger.Info("no cases to retry")
		return recovery.Summary{}, nil
	}

	sel, ex, err := p.prepare(ctx)
	if err != nil {
		return recovery.Summary{}, err
	}
	return p.recovery.Retry(ctx, ex, p.processor(sel), ids)
}

// ResetProgress moves the cursor back to the first row. Recorded results and
// written labels are kept.
func (p *Pipeline) ResetProgress(ctx context.Context) error {
	unlock, err := p.lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	if err := p.cursor.Reset(ctx); err != nil {
		return err
	}
	metrics.CursorPosition.WithLabelValues(p.name).Set(0)
	return nil
}

// GetStatus reports progress without taking the run lock.
func (p *Pipeline) GetStatus(ctx context.Context) (domain.StatusSummary, error) {
	s := domain.StatusSummary{Pipeline: p.name}

	c, err := p.cursor.Get(ctx)
	if err != nil {
		return s, err
	}
	total, err := p.rows.RowCount(ctx)
	if err != nil {
		p.logger.Warn("failed to count rows, using last observed total", "error", err)
		total = c.TotalRows
	}
	counts, err := p.ledger.Counts(ctx)
	if err != nil {
		return s, err
	}

	s.Total = total
	s.Processed = min(c.LastProcessedIndex, total)
	s.Complete = s.Processed >= total
	s.Succeeded = counts[domain.StatusSuccess]
	// pending cases were requeued by a retry that did not finish.
	s.FailedCount = counts[domain.StatusFailed] + counts[domain.StatusMalformed] + counts[domain.StatusPending]
	s.Pending = counts[domain.StatusSubmitted]
	s.RowsPerMinute = p.cursor.GetMetrics().RowsPerSecond * 60

	metrics.FailedCases.WithLabelValues(p.name).Set(float64(s.FailedCount))
	return s, nil
}

// Stats breaks the ledger down by status and by label value.
type Stats struct {
	Statuses map[domain.ResultStatus]int
	Labels   []domain.LabelStat
}

// GetStats reports ledger statistics without taking the run lock.
func (p *Pipeline) GetStats(ctx context.Context) (Stats, error) {
	counts, err := p.ledger.Counts(ctx)
	if err != nil {
		return Stats{}, err
	}
	labels, err := p.ledger.LabelStats(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Stats{Statuses: counts, Labels: labels}, nil
}

// Export writes every recorded case as CSV. Label columns follow the
// selection in effect, or every recorded label when there is none.
func (p *Pipeline) Export(ctx context.Context, w io.Writer) (int, error) {
	records, err := p.ledger.Records(ctx)
	if err != nil {
		return 0, err
	}
	sel, err := p.Selection(ctx)
	if err != nil {
		return 0, err
	}
	if err := report.WriteCSV(w, report.Labels(sel.LabelKeys(), records), records); err != nil {
		return 0, fmt.Errorf("failed to export results: %w", err)
	}
	return len(records), nil
}

// RefreshSchema re-reads the header row.
func (p *Pipeline) RefreshSchema(ctx context.Context) (domain.HeaderSnapshot, error) {
	unlock, err := p.lock(ctx)
	if err != nil {
		return domain.HeaderSnapshot{}, err
	}
	defer unlock()
	return p.schema.Refresh(ctx)
}

// SetFieldSelection persists a selection override after checking its
// columns against the current header. A nil selection clears the override.
func (p *Pipeline) SetFieldSelection(ctx context.Context, sel *domain.FieldSelection) error {
	unlock, err := p.lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	if sel == nil {
		return p.schema.ClearSelection(ctx)
	}
	if err := schema.Validate(*sel); err != nil {
		return err
	}
	snap, err := p.schema.Snapshot(ctx, *sel)
	if err != nil {
		return err
	}
	if missing := snap.Missing(sel.Columns()...); len(missing) > 0 {
		return fmt.Errorf("%w: %v", extract.ErrMissingColumn, missing)
	}
	return p.schema.SetSelection(ctx, *sel)
}

// Selection returns the selection in effect.
func (p *Pipeline) Selection(ctx context.Context) (domain.FieldSelection, error) {
	return p.schema.Selection(ctx, p.opts.Fields)
}

func outputColumns(sel domain.FieldSelection) []string {
	cols := make([]string, 0, len(sel.OutputColumns))
	for _, label := range sel.LabelKeys() {
		cols = append(cols, sel.OutputColumns[label])
	}
	return cols
}
