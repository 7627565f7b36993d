package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/supportersimulator/categorizer/internal/infra/storage"
)

// ScheduleConfig controls the serve loop.
type ScheduleConfig struct {
	Run        string // cron spec for RunNextBatch
	Retry      string // cron spec for RetryDue, empty disables it
	RetryLimit int
	RunTimeout time.Duration
}

// Scheduler runs a pipeline on cron schedules. Overlapping invocations of
// the same job are skipped; the run lock guards against other processes.
type Scheduler struct {
	pipeline *Pipeline
	cfg      ScheduleConfig
	cron     *cron.Cron
	log      *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// NewScheduler validates the schedules and registers the jobs.
func NewScheduler(p *Pipeline, cfg ScheduleConfig, logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		pipeline: p,
		cfg:      cfg,
		log:      logger.With("component", "scheduler", "pipeline", p.Name()),
	}
	cl := cronLogger{s.log}
	s.cron = cron.New(
		cron.WithParser(parser),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)

	if _, err := s.cron.AddFunc(cfg.Run, s.runBatch); err != nil {
		return nil, fmt.Errorf("invalid run schedule %q: %w", cfg.Run, err)
	}
	if cfg.Retry != "" {
		if _, err := s.cron.AddFunc(cfg.Retry, s.retryDue); err != nil {
			return nil, fmt.Errorf("invalid retry schedule %q: %w", cfg.Retry, err)
		}
	}
	return s, nil
}

// Start starts the jobs. They stop when ctx is done or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cron.Start()
	s.log.Info("Scheduler started", "run", s.cfg.Run, "retry", s.cfg.Retry)
}

// Stop cancels running jobs and waits for them to return.
func (s *Scheduler) Stop(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) jobContext() (context.Context, context.CancelFunc) {
	base := s.ctx
	if base == nil {
		base = context.Background()
	}
	if s.cfg.RunTimeout > 0 {
		return context.WithTimeout(base, s.cfg.RunTimeout)
	}
	return context.WithCancel(base)
}

func (s *Scheduler) runBatch() {
	ctx, cancel := s.jobContext()
	defer cancel()

	res, err := s.pipeline.RunNextBatch(ctx)
	switch {
	case errors.Is(err, storage.ErrLocked):
		s.log.Debug("Run skipped, pipeline locked")
	case err != nil:
		s.log.Error("Run failed", "run_id", res.RunID, "error", err)
	case res.Span.Count == 0:
		s.log.Debug("Primary pass complete, nothing to run")
	}
}

func (s *Scheduler) retryDue() {
	ctx, cancel := s.jobContext()
	defer cancel()

	summary, err := s.pipeline.RetryDue(ctx, s.cfg.RetryLimit)
	switch {
	case errors.Is(err, storage.ErrLocked):
		s.log.Debug("Retry skipped, pipeline locked")
	case err != nil:
		s.log.Error("Retry failed", "error", err, "batches", summary.Batches)
	}
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	log *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error(msg, append(keysAndValues, "error", err)...)
}
