// Package process runs one batch through submission, classification,
// write-back and outcome recording. It is shared by the primary pass and
// explicit retries.
package process

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/supportersimulator/categorizer/internal/classifier"
	"github.com/supportersimulator/categorizer/internal/core/domain"
	"github.com/supportersimulator/categorizer/internal/core/ledger"
	"github.com/supportersimulator/categorizer/internal/pipeline/metrics"
	"github.com/supportersimulator/categorizer/internal/pipeline/writer"
)

// Classifier classifies a batch.
type Classifier interface {
	Classify(ctx context.Context, batch domain.Batch) ([]domain.ClassificationResult, error)
}

// ResultWriter writes successful results back to the row store.
type ResultWriter interface {
	Write(ctx context.Context, results []domain.ClassificationResult) (writer.Report, error)
}

// Outcome describes a processed batch.
type Outcome struct {
	Origin domain.BatchOrigin
	// Submitted is the number of records actually sent. Duplicates and
	// cases awaiting an explicit retry are excluded.
	Submitted int
	Excluded  int
	Results   []domain.ClassificationResult
	Report    writer.Report
	// BatchErr is set when the whole batch failed permanently and every
	// record was recorded as failed.
	BatchErr *classifier.BatchError
}

// Count returns the number of results with the given status.
func (o Outcome) Count(status domain.ResultStatus) int {
	n := 0
	for _, r := range o.Results {
		if r.Status == status {
			n++
		}
	}
	return n
}

// Processor runs batches for one pipeline.
type Processor struct {
	pipeline   string
	ledger     *ledger.Manager
	classifier Classifier
	writer     ResultWriter
	logger     *slog.Logger
}

func NewProcessor(pipeline string, l *ledger.Manager, c Classifier, w ResultWriter, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default().With("pipeline", pipeline)
	}
	return &Processor{
		pipeline:   pipeline,
		ledger:     l,
		classifier: c,
		writer:     w,
		logger:     logger,
	}
}

// Process submits the batch and records the outcome of every submitted case.
//
// An error means nothing may be considered done: the caller must not advance
// past the batch. Transient batch failures are returned as
// *classifier.BatchError. Permanent batch failures are recorded per case and
// reported through Outcome.BatchErr instead.
func (p *Processor) Process(ctx context.Context, batch domain.Batch) (Outcome, error) {
	out := Outcome{Origin: batch.Origin}
	log := p.logger.With("origin", batch.Origin)

	accepted, err := p.ledger.Begin(ctx, batch)
	if err != nil {
		p.observe(out, "error")
		return out, err
	}
	out.Submitted = accepted.Len()
	out.Excluded = batch.Len() - accepted.Len()
	if accepted.Len() == 0 {
		p.observe(out, "empty")
		return out, nil
	}

	results, err := p.classifier.Classify(ctx, accepted)
	if err != nil {
		var be *classifier.BatchError
		if !errors.As(err, &be) || be.Transient {
			log.Warn("batch not classified, will be retried on next run", "error", err)
			p.observe(out, "transient")
			return out, err
		}
		log.Error("batch failed permanently, recording every case as failed",
			"error", be, "cases", accepted.Len())
		out.BatchErr = be
		results = failAll(accepted, be.Error())
	}
	out.Results = results

	report, err := p.writer.Write(ctx, results)
	out.Report = report
	if err != nil {
		p.observe(out, "error")
		return out, fmt.Errorf("failed to write results: %w", err)
	}

	if err := p.ledger.Record(ctx, results); err != nil {
		p.observe(out, "error")
		return out, err
	}

	outcome := "ok"
	if out.BatchErr != nil {
		outcome = "failed"
	}
	p.observe(out, outcome)

	log.Info("batch processed",
		"submitted", out.Submitted,
		"excluded", out.Excluded,
		"success", out.Count(domain.StatusSuccess),
		"failed", out.Count(domain.StatusFailed),
		"malformed", out.Count(domain.StatusMalformed),
		"written", report.Written,
		"write_skipped", report.Skipped,
	)
	return out, nil
}

func failAll(batch domain.Batch, reason string) []domain.ClassificationResult {
	results := make([]domain.ClassificationResult, 0, batch.Len())
	for _, rec := range batch.Records {
		results = append(results, domain.ClassificationResult{
			CaseID:         rec.CaseID,
			ResultRowIndex: -1,
			Status:         domain.StatusFailed,
			Error:          reason,
		})
	}
	return results
}

func (p *Processor) observe(out Outcome, outcome string) {
	metrics.BatchesTotal.WithLabelValues(p.pipeline, string(out.Origin), outcome).Inc()
	for _, status := range []domain.ResultStatus{domain.StatusSuccess, domain.StatusFailed, domain.StatusMalformed} {
		if n := out.Count(status); n > 0 && outcome != "error" {
			metrics.RecordsTotal.WithLabelValues(p.pipeline, string(status)).Add(float64(n))
		}
	}
}
