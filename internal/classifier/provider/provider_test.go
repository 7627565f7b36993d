package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/durationpb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/supportersimulator/categorizer/internal/classifier"
)

func testRequest() classifier.Request {
	return classifier.Request{
		BatchID: "b-1",
		Labels:  []string{"symptomCode"},
		Items:   []classifier.Item{{CaseID: "500A1", Fields: map[string]string{"Subject": "no power"}}},
		System:  "classify",
		Prompt:  "cases: 500A1",
	}
}

func TestNew_UnknownBackend(t *testing.T) {
	if _, err := New(context.Background(), Config{Backend: "carrier-pigeon"}); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}

func TestNew_GRPCRequiresEndpoint(t *testing.T) {
	if _, err := New(context.Background(), Config{Backend: "grpc"}); err == nil {
		t.Fatal("expected error without endpoint")
	}
}

// =============================================================================
// OpenAI
// =============================================================================

func TestOpenAIProvider_Invoke(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("unexpected authorization header %q", got)
		}

		var body openAIRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("failed to decode body: %v", err)
			return
		}
		if body.Model != "gpt-test" {
			t.Errorf("expected model gpt-test, got %s", body.Model)
		}
		if len(body.Messages) != 2 || body.Messages[0].Role != "system" || body.Messages[1].Content != "cases: 500A1" {
			t.Errorf("unexpected messages: %+v", body.Messages)
		}

		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []any{
				map[string]any{"message": map[string]any{"content": `[{"caseID":"500A1","symptomCode":"S1"}]`}},
			},
		})
	}))
	defer server.Close()

	p := NewOpenAIProvider(Config{Endpoint: server.URL, APIKey: "sk-test", Model: "gpt-test", Timeout: 5 * time.Second})
	out, err := p.Invoke(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != `[{"caseID":"500A1","symptomCode":"S1"}]` {
		t.Errorf("unexpected content %q", out)
	}
}

func TestOpenAIProvider_StatusError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"rate limited","type":"requests"}}`))
	}))
	defer server.Close()

	p := NewOpenAIProvider(Config{Endpoint: server.URL})
	_, err := p.Invoke(context.Background(), testRequest())

	var se *classifier.StatusError
	if !errors.As(err, &se) {
		t.Fatalf("expected StatusError, got %v", err)
	}
	if se.Code != http.StatusTooManyRequests || se.Message != "rate limited" {
		t.Errorf("unexpected status error %+v", se)
	}
	if se.RetryAfter != 7*time.Second {
		t.Errorf("expected retry after 7s, got %v", se.RetryAfter)
	}
	if classifier.ClassifyError(err) != classifier.ActionRetry {
		t.Error("429 should be retried")
	}
}

func TestOpenAIProvider_EmptyChoices(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer server.Close()

	_, err := NewOpenAIProvider(Config{Endpoint: server.URL}).Invoke(context.Background(), testRequest())
	var se *classifier.StatusError
	if !errors.As(err, &se) || se.Code != http.StatusBadGateway {
		t.Fatalf("expected 502 StatusError, got %v", err)
	}
}

// =============================================================================
// Anthropic
// =============================================================================

func TestAnthropicProvider_Invoke(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "msg_1",
			"type": "message",
			"role": "assistant",
			"model": "claude-test",
			"content": [{"type": "text", "text": "[{\"caseID\":\"500A1\"}]"}],
			"stop_reason": "end_turn",
			"usage": {"input_tokens": 10, "output_tokens": 5}
		}`))
	}))
	defer server.Close()

	p := NewAnthropicProvider(Config{Endpoint: server.URL + "/", APIKey: "test", Model: "claude-test"})
	out, err := p.Invoke(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != `[{"caseID":"500A1"}]` {
		t.Errorf("unexpected content %q", out)
	}
}

func TestAnthropicProvider_Overloaded(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(529)
		_, _ = w.Write([]byte(`{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`))
	}))
	defer server.Close()

	p := NewAnthropicProvider(Config{Endpoint: server.URL + "/", APIKey: "test"})
	_, err := p.Invoke(context.Background(), testRequest())

	var se *classifier.StatusError
	if !errors.As(err, &se) {
		t.Fatalf("expected StatusError, got %v", err)
	}
	if se.Code != 529 {
		t.Errorf("expected 529, got %d", se.Code)
	}
	if classifier.ClassifyError(err) != classifier.ActionRetry {
		t.Error("overloaded should be retried")
	}
}

// =============================================================================
// gRPC
// =============================================================================

func TestStatusError_Mapping(t *testing.T) {
	tests := []struct {
		code   codes.Code
		status int
		action classifier.ErrorAction
	}{
		{codes.Unavailable, http.StatusServiceUnavailable, classifier.ActionRetry},
		{codes.ResourceExhausted, http.StatusTooManyRequests, classifier.ActionRetry},
		{codes.Internal, http.StatusInternalServerError, classifier.ActionRetry},
		{codes.InvalidArgument, http.StatusBadRequest, classifier.ActionFatal},
		{codes.Unauthenticated, http.StatusUnauthorized, classifier.ActionFatal},
		{codes.PermissionDenied, http.StatusForbidden, classifier.ActionFatal},
		{codes.Unimplemented, http.StatusNotImplemented, classifier.ActionFatal},
		{codes.NotFound, http.StatusNotFound, classifier.ActionFatal},
	}

	for _, tt := range tests {
		t.Run(tt.code.String(), func(t *testing.T) {
			err := statusError("grpc", status.Error(tt.code, "boom"))
			var se *classifier.StatusError
			if !errors.As(err, &se) {
				t.Fatalf("expected StatusError, got %v", err)
			}
			if se.Code != tt.status {
				t.Errorf("expected %d, got %d", tt.status, se.Code)
			}
			if got := classifier.ClassifyError(err); got != tt.action {
				t.Errorf("expected %s, got %s", tt.action, got)
			}
		})
	}
}

func TestStatusError_DeadlineExceeded(t *testing.T) {
	err := statusError("grpc", status.Error(codes.DeadlineExceeded, "slow"))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestStatusError_RetryInfo(t *testing.T) {
	st, err := status.New(codes.Unavailable, "busy").WithDetails(&errdetails.RetryInfo{
		RetryDelay: durationpb.New(3 * time.Second),
	})
	if err != nil {
		t.Fatalf("failed to attach details: %v", err)
	}

	var se *classifier.StatusError
	if !errors.As(statusError("grpc", st.Err()), &se) {
		t.Fatal("expected StatusError")
	}
	if se.RetryAfter != 3*time.Second {
		t.Errorf("expected 3s retry delay, got %v", se.RetryAfter)
	}
}

func TestResponseText(t *testing.T) {
	withText, _ := structpb.NewStruct(map[string]any{"text": `[{"caseID":"A"}]`})
	out, err := responseText(withText)
	if err != nil || out != `[{"caseID":"A"}]` {
		t.Errorf("expected text field, got %q (%v)", out, err)
	}

	structured, _ := structpb.NewStruct(map[string]any{
		"results": []any{map[string]any{"caseID": "A", "symptomCode": "S1"}},
	})
	out, err = responseText(structured)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal([]byte(out), &decoded); err != nil {
		t.Fatalf("response is not JSON: %v", err)
	}
	if _, ok := decoded["results"]; !ok {
		t.Errorf("expected results key in %s", out)
	}
}

func TestRequestStruct(t *testing.T) {
	in, err := requestStruct("m1", testRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	m := in.AsMap()
	if m["batchID"] != "b-1" || m["model"] != "m1" {
		t.Errorf("unexpected request %v", m)
	}
	items, ok := m["items"].([]any)
	if !ok || len(items) != 1 {
		t.Fatalf("expected one item, got %v", m["items"])
	}
}
