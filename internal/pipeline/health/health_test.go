package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/supportersimulator/categorizer/internal/core/domain"
)

// =============================================================================
// Mocks
// =============================================================================

type stubSource struct {
	summary domain.StatusSummary
	err     error
	calls   int
}

func (s *stubSource) GetStatus(ctx context.Context) (domain.StatusSummary, error) {
	s.calls++
	return s.summary, s.err
}

// =============================================================================
// Monitor Tests
// =============================================================================

func TestMonitor_CheckHealth(t *testing.T) {
	tests := []struct {
		name    string
		summary domain.StatusSummary
		err     error
		want    SystemStatus
	}{
		{"fresh", domain.StatusSummary{}, nil, StatusHealthy},
		{"no failures", domain.StatusSummary{Processed: 100, Total: 200}, nil, StatusHealthy},
		{"some failures", domain.StatusSummary{Processed: 100, FailedCount: 5}, nil, StatusDegraded},
		{"many failures", domain.StatusSummary{Processed: 100, FailedCount: 40}, nil, StatusCritical},
		{"state unreadable", domain.StatusSummary{}, errors.New("db down"), StatusCritical},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := &stubSource{summary: tt.summary, err: tt.err}
			m := NewMonitor(map[string]StatusSource{"cases": src}, DefaultThresholds(), 0)

			report := m.CheckHealth(context.Background())
			if got := report["cases"].Status; got != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestMonitor_CachesReport(t *testing.T) {
	src := &stubSource{summary: domain.StatusSummary{Processed: 1}}
	m := NewMonitor(map[string]StatusSource{"cases": src}, DefaultThresholds(), time.Minute)

	m.CheckHealth(context.Background())
	m.CheckHealth(context.Background())
	if src.calls != 1 {
		t.Errorf("expected 1 call within the interval, got %d", src.calls)
	}
}

func TestAggregate(t *testing.T) {
	report := map[string]PipelineHealth{
		"a": {Status: StatusHealthy},
		"b": {Status: StatusDegraded},
	}
	if got := Aggregate(report); got != StatusDegraded {
		t.Errorf("expected degraded, got %s", got)
	}
	report["c"] = PipelineHealth{Status: StatusCritical}
	if got := Aggregate(report); got != StatusCritical {
		t.Errorf("expected critical, got %s", got)
	}
}

// =============================================================================
// Server Tests
// =============================================================================

func newTestServer(src StatusSource) *httptest.Server {
	m := NewMonitor(map[string]StatusSource{"cases": src}, DefaultThresholds(), 0)
	return httptest.NewServer(NewServer(m, 0).Handler())
}

func TestServer_Health(t *testing.T) {
	src := &stubSource{summary: domain.StatusSummary{Pipeline: "cases", Processed: 10, Total: 20}}
	srv := newTestServer(src)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}

	src.err = errors.New("db down")
	resp2, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", resp2.StatusCode)
	}
}

func TestServer_Status(t *testing.T) {
	src := &stubSource{summary: domain.StatusSummary{Pipeline: "cases", Processed: 10, Total: 20, FailedCount: 1, RowsPerMinute: 42.5}}
	srv := newTestServer(src)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/status/cases")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	var got domain.StatusSummary
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if got.Processed != 10 || got.Total != 20 || got.FailedCount != 1 || got.RowsPerMinute != 42.5 {
		t.Errorf("unexpected summary %+v", got)
	}

	resp2, err := http.Get(srv.URL + "/status/unknown")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", resp2.StatusCode)
	}
}

func TestServer_Detailed(t *testing.T) {
	srv := newTestServer(&stubSource{summary: domain.StatusSummary{Processed: 100, FailedCount: 5}})
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health/detailed")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	var report HealthReport
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if report.SystemStatus != StatusDegraded || report.Pipelines["cases"].Summary.FailedCount != 5 {
		t.Errorf("unexpected report %+v", report)
	}
}
