// Package classifier submits batches of cases to an external classification
// service and matches the answers back to cases by echoed case ID.
//
// Whole-batch transport failures are retried inline with exponential
// backoff. Individual failed or malformed cases are never retried here.
package classifier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/supportersimulator/categorizer/internal/core/domain"
	"github.com/supportersimulator/categorizer/internal/pipeline/metrics"
)

// Reason recorded for cases the service did not answer.
const ReasonDropped = "dropped by service"

// Item is one case in a request.
type Item struct {
	CaseID string            `json:"caseID"`
	Fields map[string]string `json:"fields"`
}

// Request is one batch submission.
type Request struct {
	BatchID string
	Items   []Item
	Labels  []string
	System  string
	Prompt  string
}

// Backend performs the call to a classification service and returns the
// raw response text.
type Backend interface {
	Name() string
	Invoke(ctx context.Context, req Request) (string, error)
}

// Options configures a Client.
type Options struct {
	// Labels are the label keys requested for every case.
	Labels []string
	// Required labels must be non-empty for a success. Defaults to Labels.
	Required     []string
	Vocabularies []Vocabulary
	Retry        RetryConfig
	// AttemptTimeout bounds a single backend call. Zero means no limit.
	AttemptTimeout time.Duration
}

// Client classifies batches through a Backend.
type Client struct {
	backend Backend
	prompt  *Prompt
	opts    Options
	logger  *slog.Logger
}

func NewClient(backend Backend, prompt *Prompt, opts Options, logger *slog.Logger) *Client {
	if prompt == nil {
		prompt = DefaultPrompt()
	}
	if logger == nil {
		logger = slog.Default()
	}
	opts.Retry = opts.Retry.withDefaults()
	vocabs := make([]Vocabulary, len(opts.Vocabularies))
	for i, v := range opts.Vocabularies {
		v.index()
		vocabs[i] = v
	}
	opts.Vocabularies = vocabs
	return &Client{
		backend: backend,
		prompt:  prompt,
		opts:    opts,
		logger:  logger.With("backend", backend.Name()),
	}
}

// WithLabels returns a copy of the client requesting labels.
func (c *Client) WithLabels(labels []string) *Client {
	cp := *c
	cp.opts.Labels = slices.Clone(labels)
	return &cp
}

// required returns the configured required labels that are also requested,
// or every requested label when none are configured.
func (c *Client) required() []string {
	if len(c.opts.Required) == 0 {
		return c.opts.Labels
	}
	var out []string
	for _, key := range c.opts.Required {
		if slices.Contains(c.opts.Labels, key) {
			out = append(out, key)
		}
	}
	return out
}

// Classify sends the batch as one request and returns one result per batch
// record, in batch order. A whole-batch failure is returned as *BatchError.
// Cancellation of ctx is returned as is.
func (c *Client) Classify(ctx context.Context, batch domain.Batch) ([]domain.ClassificationResult, error) {
	if batch.Len() == 0 {
		return nil, nil
	}

	req := Request{
		BatchID: uuid.NewString(),
		Labels:  c.opts.Labels,
		Items:   make([]Item, 0, batch.Len()),
	}
	for _, rec := range batch.Records {
		req.Items = append(req.Items, Item{CaseID: string(rec.CaseID), Fields: rec.Fields})
	}
	system, user, err := c.prompt.Render(PromptData{
		BatchID:      req.BatchID,
		Labels:       req.Labels,
		Items:        req.Items,
		Vocabularies: c.opts.Vocabularies,
	})
	if err != nil {
		return nil, &BatchError{Err: err}
	}
	req.System, req.Prompt = system, user

	log := c.logger.With("batch_id", req.BatchID, "origin", batch.Origin, "size", batch.Len())

	var resp response
	var decodeErr error
	attempts, err := callWithRetry(ctx, c.opts.Retry, func(ctx context.Context) error {
		raw, err := c.invoke(ctx, req)
		if err != nil {
			log.Warn("classifier call failed", "error", err, "action", ClassifyError(err))
			return err
		}
		resp, decodeErr = decodeResponse(raw)
		if decodeErr == nil && resp.Err != nil && len(resp.Items) == 0 {
			log.Warn("classifier returned error object", "error", resp.Err)
			return resp.Err
		}
		return nil
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &BatchError{
			Transient: ClassifyError(err) == ActionRetry,
			Attempts:  attempts,
			Err:       err,
		}
	}

	if decodeErr != nil {
		log.Warn("unparseable classifier response, marking batch malformed", "error", decodeErr)
		results := make([]domain.ClassificationResult, 0, batch.Len())
		for _, rec := range batch.Records {
			results = append(results, domain.ClassificationResult{
				CaseID:         rec.CaseID,
				ResultRowIndex: -1,
				Status:         domain.StatusMalformed,
				Error:          "unparseable response: " + decodeErr.Error(),
			})
		}
		return results, nil
	}
	if resp.Err != nil {
		log.Warn("classifier returned error alongside results", "error", resp.Err)
	}

	return c.match(log, batch, resp.Items), nil
}

func (c *Client) invoke(ctx context.Context, req Request) (string, error) {
	if c.opts.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.AttemptTimeout)
		defer cancel()
	}

	start := time.Now()
	raw, err := c.backend.Invoke(ctx, req)
	metrics.ClassifierLatency.WithLabelValues(c.backend.Name()).Observe(time.Since(start).Seconds())

	result := "ok"
	if err != nil {
		result = ClassifyError(err).String()
	}
	metrics.ClassifierCallsTotal.WithLabelValues(c.backend.Name(), result).Inc()
	return raw, err
}

// match pairs response items with batch records strictly by case ID.
func (c *Client) match(log *slog.Logger, batch domain.Batch, items []map[string]any) []domain.ClassificationResult {
	byID := make(map[domain.CaseID]*domain.ClassificationResult, batch.Len())
	results := make([]domain.ClassificationResult, batch.Len())
	for i, rec := range batch.Records {
		results[i] = domain.ClassificationResult{
			CaseID:         rec.CaseID,
			ResultRowIndex: -1,
			Status:         domain.StatusFailed,
			Error:          ReasonDropped,
		}
		if _, dup := byID[rec.CaseID]; !dup {
			byID[rec.CaseID] = &results[i]
		}
	}

	matched := make(map[domain.CaseID]bool, len(items))
	for _, item := range items {
		id := domain.CaseID(itemID(item))
		res, ok := byID[id]
		switch {
		case id == "":
			log.Warn("response item without case id ignored")
			continue
		case !ok:
			log.Warn("response item for unknown case ignored", "case_id", id)
			continue
		case matched[id]:
			log.Warn("duplicate response item ignored", "case_id", id)
			continue
		}
		matched[id] = true

		if msg := itemError(item); msg != "" {
			res.Status = domain.StatusMalformed
			res.Error = msg
			continue
		}
		labels, err := c.labels(item)
		if err != nil {
			res.Status = domain.StatusMalformed
			res.Error = err.Error()
			continue
		}
		res.Status = domain.StatusSuccess
		res.Error = ""
		res.Labels = labels
	}

	// Duplicated batch records share the first record's outcome.
	for i := range results {
		if first := byID[results[i].CaseID]; first != &results[i] {
			results[i] = *first
			results[i].Labels = maps.Clone(first.Labels)
		}
	}

	if dropped := batch.Len() - len(matched); dropped > 0 {
		log.Warn("cases missing from classifier response", "dropped", dropped)
	}
	return results
}

// labels extracts the requested labels from an item and validates them.
func (c *Client) labels(item map[string]any) (map[string]string, error) {
	labels := make(map[string]string, len(c.opts.Labels))
	for _, key := range c.opts.Labels {
		v, ok := item[key]
		if !ok {
			v = lookupFold(item, key)
		}
		if s := strings.TrimSpace(stringValue(v)); s != "" {
			labels[key] = s
		}
	}

	var errs []error
	for _, vocab := range c.opts.Vocabularies {
		if err := vocab.Apply(labels); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	var missing []string
	for _, key := range c.required() {
		if labels[key] == "" {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("missing labels: %s", strings.Join(missing, ", "))
	}
	return labels, nil
}

func lookupFold(item map[string]any, key string) any {
	for k, v := range item {
		if strings.EqualFold(k, key) {
			return v
		}
	}
	return nil
}
