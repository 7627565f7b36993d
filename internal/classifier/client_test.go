package classifier

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/supportersimulator/categorizer/internal/core/domain"
)

// fakeBackend returns scripted replies in order. The last reply repeats.
type fakeBackend struct {
	mu      sync.Mutex
	replies []func(Request) (string, error)
	calls   int
	last    Request
}

func (f *fakeBackend) Name() string { return "fake" }

func (f *fakeBackend) Invoke(ctx context.Context, req Request) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.last = req
	i := min(f.calls, len(f.replies)-1)
	f.calls++
	return f.replies[i](req)
}

func reply(s string) func(Request) (string, error) {
	return func(Request) (string, error) { return s, nil }
}

func fail(err error) func(Request) (string, error) {
	return func(Request) (string, error) { return "", err }
}

// echo answers every item with the given labels.
func echo(labels map[string]string, skip ...string) func(Request) (string, error) {
	return func(req Request) (string, error) {
		var parts []string
	items:
		for _, item := range req.Items {
			for _, s := range skip {
				if item.CaseID == s {
					continue items
				}
			}
			fields := []string{fmt.Sprintf(`"caseID":%q`, item.CaseID)}
			for k, v := range labels {
				fields = append(fields, fmt.Sprintf(`%q:%q`, k, v))
			}
			parts = append(parts, "{"+strings.Join(fields, ",")+"}")
		}
		return "[" + strings.Join(parts, ",") + "]", nil
	}
}

var fastRetry = RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}

func newTestClient(b *fakeBackend, opts Options) *Client {
	if opts.Labels == nil {
		opts.Labels = []string{"symptomCode", "symptomName"}
	}
	if opts.Retry == (RetryConfig{}) {
		opts.Retry = fastRetry
	}
	return NewClient(b, nil, opts, nil)
}

func batchOf(ids ...string) domain.Batch {
	b := domain.Batch{Origin: domain.OriginPrimary}
	for i, id := range ids {
		b.Records = append(b.Records, domain.CaseRecord{
			CaseID:         domain.CaseID(id),
			SourceRowIndex: i,
			Fields:         map[string]string{"Subject": "case " + id},
		})
	}
	return b
}

func statuses(results []domain.ClassificationResult) map[string]domain.ResultStatus {
	out := make(map[string]domain.ResultStatus, len(results))
	for _, r := range results {
		out[string(r.CaseID)] = r.Status
	}
	return out
}

// =============================================================================
// Matching
// =============================================================================

func TestClassify_PartialResponse(t *testing.T) {
	ids := []string{"C1", "C2", "C3", "C4", "C5", "C6", "C7", "C8", "C9", "C10"}
	b := &fakeBackend{replies: []func(Request) (string, error){
		echo(map[string]string{"symptomCode": "S1", "symptomName": "Power"}, "C4", "C9"),
	}}
	c := newTestClient(b, Options{})

	results, err := c.Classify(context.Background(), batchOf(ids...))
	require.NoError(t, err)
	require.Len(t, results, 10)

	got := statuses(results)
	for _, id := range ids {
		want := domain.StatusSuccess
		if id == "C4" || id == "C9" {
			want = domain.StatusFailed
		}
		require.Equal(t, want, got[id], id)
	}
	require.Equal(t, ReasonDropped, results[3].Error)
	require.Equal(t, "S1", results[0].Labels["symptomCode"])
	require.Equal(t, -1, results[0].ResultRowIndex)
}

func TestClassify_MatchesByIDNotPosition(t *testing.T) {
	b := &fakeBackend{replies: []func(Request) (string, error){reply(`[
		{"caseID": "B", "symptomCode": "S2", "symptomName": "Noise"},
		{"caseID": "Z", "symptomCode": "S9", "symptomName": "Unknown"},
		{"caseID": "A", "symptomCode": "S1", "symptomName": "Power"},
		{"caseID": "A", "symptomCode": "S7", "symptomName": "Other"}
	]`)}}
	c := newTestClient(b, Options{})

	results, err := c.Classify(context.Background(), batchOf("A", "B"))
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.Equal(t, domain.CaseID("A"), results[0].CaseID)
	require.Equal(t, "S1", results[0].Labels["symptomCode"], "first answer for a case wins")
	require.Equal(t, "S2", results[1].Labels["symptomCode"])
}

func TestClassify_ItemErrorAndMissingLabels(t *testing.T) {
	b := &fakeBackend{replies: []func(Request) (string, error){reply("```json\n" + `{"results": [
		{"caseID": "A", "error": "cannot classify"},
		{"caseID": "B", "symptomCode": "S1"},
		{"caseID": "C", "SymptomCode": "S1", "symptomName": "Power"}
	]}` + "\n```")}}
	c := newTestClient(b, Options{})

	results, err := c.Classify(context.Background(), batchOf("A", "B", "C"))
	require.NoError(t, err)

	require.Equal(t, domain.StatusMalformed, results[0].Status)
	require.Equal(t, "cannot classify", results[0].Error)
	require.Equal(t, domain.StatusMalformed, results[1].Status)
	require.Contains(t, results[1].Error, "symptomName")
	require.Equal(t, domain.StatusSuccess, results[2].Status, "label keys match case-insensitively")
}

func TestClassify_RequiredSubset(t *testing.T) {
	b := &fakeBackend{replies: []func(Request) (string, error){reply(`[{"caseID": "A", "symptomCode": "S1"}]`)}}
	c := newTestClient(b, Options{Required: []string{"symptomCode"}})

	results, err := c.Classify(context.Background(), batchOf("A"))
	require.NoError(t, err)
	require.Equal(t, domain.StatusSuccess, results[0].Status)
	require.NotContains(t, results[0].Labels, "symptomName")
}

func TestClassify_Vocabulary(t *testing.T) {
	vocab := Vocabulary{
		CodeLabel: "symptomCode",
		NameLabel: "symptomName",
		Values:    map[string]string{"PWR-01": "No power", "AUD-02": "Audio distortion"},
	}
	b := &fakeBackend{replies: []func(Request) (string, error){reply(`[
		{"caseID": "A", "symptomCode": "pwr-01", "symptomName": "power stuff"},
		{"caseID": "B", "symptomCode": "XXX", "symptomName": "whatever"}
	]`)}}
	c := newTestClient(b, Options{Vocabularies: []Vocabulary{vocab}})

	results, err := c.Classify(context.Background(), batchOf("A", "B"))
	require.NoError(t, err)
	require.Equal(t, domain.StatusSuccess, results[0].Status)
	require.Equal(t, "PWR-01", results[0].Labels["symptomCode"])
	require.Equal(t, "No power", results[0].Labels["symptomName"])
	require.Equal(t, domain.StatusMalformed, results[1].Status)
	require.Contains(t, results[1].Error, "not in vocabulary")

	require.Contains(t, b.last.System, "PWR-01")
}

func TestClassify_UnparseableResponse(t *testing.T) {
	b := &fakeBackend{replies: []func(Request) (string, error){reply("I am unable to help with that.")}}
	c := newTestClient(b, Options{})

	results, err := c.Classify(context.Background(), batchOf("A", "B"))
	require.NoError(t, err)
	for _, r := range results {
		require.Equal(t, domain.StatusMalformed, r.Status)
		require.Contains(t, r.Error, "unparseable")
	}
	require.Equal(t, 1, b.calls)
}

func TestClassify_EmptyBatch(t *testing.T) {
	b := &fakeBackend{replies: []func(Request) (string, error){reply("[]")}}
	results, err := newTestClient(b, Options{}).Classify(context.Background(), domain.Batch{})
	require.NoError(t, err)
	require.Empty(t, results)
	require.Zero(t, b.calls)
}

// =============================================================================
// Whole-batch failures
// =============================================================================

func TestClassify_TransientThenSuccess(t *testing.T) {
	b := &fakeBackend{replies: []func(Request) (string, error){
		fail(&StatusError{Backend: "fake", Code: 503, Message: "unavailable"}),
		fail(&StatusError{Backend: "fake", Code: 429, Message: "slow down", RetryAfter: time.Millisecond}),
		echo(map[string]string{"symptomCode": "S1", "symptomName": "Power"}),
	}}
	c := newTestClient(b, Options{})

	results, err := c.Classify(context.Background(), batchOf("A"))
	require.NoError(t, err)
	require.Equal(t, 3, b.calls)
	require.Equal(t, domain.StatusSuccess, results[0].Status)
}

func TestClassify_TransientExhausted(t *testing.T) {
	b := &fakeBackend{replies: []func(Request) (string, error){
		fail(&StatusError{Backend: "fake", Code: 502, Message: "bad gateway"}),
	}}
	c := newTestClient(b, Options{})

	_, err := c.Classify(context.Background(), batchOf("A"))
	var be *BatchError
	require.ErrorAs(t, err, &be)
	require.True(t, be.Transient)
	require.Equal(t, 3, be.Attempts)
	require.True(t, IsTransient(err))
}

func TestClassify_PermanentFailure(t *testing.T) {
	b := &fakeBackend{replies: []func(Request) (string, error){
		fail(&StatusError{Backend: "fake", Code: 401, Message: "invalid api key"}),
	}}
	c := newTestClient(b, Options{})

	_, err := c.Classify(context.Background(), batchOf("A"))
	var be *BatchError
	require.ErrorAs(t, err, &be)
	require.False(t, be.Transient)
	require.Equal(t, 1, be.Attempts)
	require.Equal(t, 1, b.calls)
}

func TestClassify_TopLevelErrorObject(t *testing.T) {
	b := &fakeBackend{replies: []func(Request) (string, error){
		reply(`{"error": {"code": "overloaded", "message": "try later"}}`),
		reply(`{"error": {"code": "overloaded", "message": "try later"}, "results": [{"caseID": "A", "symptomCode": "S1", "symptomName": "Power"}]}`),
	}}
	c := newTestClient(b, Options{})

	results, err := c.Classify(context.Background(), batchOf("A"))
	require.NoError(t, err)
	require.Equal(t, 2, b.calls)
	require.Equal(t, domain.StatusSuccess, results[0].Status)
}

func TestClassify_TopLevelErrorNotRetryable(t *testing.T) {
	b := &fakeBackend{replies: []func(Request) (string, error){
		reply(`{"error": {"code": "invalid_schema", "message": "bad request", "retryable": false}}`),
	}}
	_, err := newTestClient(b, Options{}).Classify(context.Background(), batchOf("A"))

	var be *BatchError
	require.ErrorAs(t, err, &be)
	require.False(t, be.Transient)
	var se *ServiceError
	require.ErrorAs(t, err, &se)
	require.Equal(t, "invalid_schema", se.Code)
}

func TestClassify_CanceledIsNotBatchError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	b := &fakeBackend{replies: []func(Request) (string, error){
		func(Request) (string, error) {
			cancel()
			return "", context.Canceled
		},
	}}
	_, err := newTestClient(b, Options{}).Classify(ctx, batchOf("A"))

	require.ErrorIs(t, err, context.Canceled)
	var be *BatchError
	require.False(t, errors.As(err, &be))
}

func TestClassify_AttemptTimeout(t *testing.T) {
	b := &fakeBackend{replies: []func(Request) (string, error){
		func(Request) (string, error) { return "", context.DeadlineExceeded },
	}}
	_, err := newTestClient(b, Options{AttemptTimeout: time.Second}).Classify(context.Background(), batchOf("A"))
	require.True(t, IsTransient(err))
	require.Equal(t, 3, b.calls)
}

func TestWithLabels(t *testing.T) {
	b := &fakeBackend{replies: []func(Request) (string, error){reply(`[{"caseID": "A", "category": "hw"}]`)}}
	base := newTestClient(b, Options{})
	c := base.WithLabels([]string{"category"})

	results, err := c.Classify(context.Background(), batchOf("A"))
	require.NoError(t, err)
	require.Equal(t, domain.StatusSuccess, results[0].Status)
	require.Equal(t, []string{"category"}, b.last.Labels)
	require.Equal(t, []string{"symptomCode", "symptomName"}, base.opts.Labels)
}

// =============================================================================
// Error classification
// =============================================================================

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected ErrorAction
	}{
		{"canceled", context.Canceled, ActionFatal},
		{"deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), ActionRetry},
		{"rate limited", &StatusError{Code: 429}, ActionRetry},
		{"server error", &StatusError{Code: 500}, ActionRetry},
		{"bad request", &StatusError{Code: 400}, ActionFatal},
		{"not implemented", &StatusError{Code: 501}, ActionFatal},
		{"service retryable flag", &ServiceError{Code: "x", Retryable: true}, ActionRetry},
		{"service numeric code", &ServiceError{Code: "503"}, ActionRetry},
		{"service named code", &ServiceError{Code: "rate_limited"}, ActionRetry},
		{"service permanent", &ServiceError{Code: "invalid_schema"}, ActionFatal},
		{"unauthorized text", errors.New("401 Unauthorized"), ActionFatal},
		{"connection reset", errors.New("connection reset by peer"), ActionRetry},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.expected, ClassifyError(tt.err))
		})
	}
}
