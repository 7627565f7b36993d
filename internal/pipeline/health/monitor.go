package health

import (
	"context"
	"sync"
	"time"

	"github.com/supportersimulator/categorizer/internal/core/domain"
)

// StatusSource reports the progress of one pipeline.
type StatusSource interface {
	GetStatus(ctx context.Context) (domain.StatusSummary, error)
}

// Thresholds decide when a pipeline is degraded or critical. Ratios are
// failed cases over processed rows.
type Thresholds struct {
	DegradedFailedRatio float64
	CriticalFailedRatio float64
}

// DefaultThresholds returns the thresholds used when none are configured.
func DefaultThresholds() Thresholds {
	return Thresholds{DegradedFailedRatio: 0.01, CriticalFailedRatio: 0.25}
}

// Monitor aggregates health status from the configured pipelines.
type Monitor struct {
	sources    map[string]StatusSource
	thresholds Thresholds
	interval   time.Duration
	lastCheck  time.Time
	lastReport map[string]PipelineHealth
	mu         sync.Mutex
}

// NewMonitor creates a new health monitor. Reports are cached for interval.
func NewMonitor(sources map[string]StatusSource, thresholds Thresholds, interval time.Duration) *Monitor {
	return &Monitor{
		sources:    sources,
		thresholds: thresholds,
		interval:   interval,
		lastReport: make(map[string]PipelineHealth),
	}
}

// CheckHealth performs a health check for all pipelines.
func (m *Monitor) CheckHealth(ctx context.Context) map[string]PipelineHealth {
	m.mu.Lock()
	defer m.mu.Unlock()

	if time.Since(m.lastCheck) < m.interval && len(m.lastReport) > 0 {
		return m.lastReport
	}

	report := make(map[string]PipelineHealth, len(m.sources))
	for name, src := range m.sources {
		h := PipelineHealth{Pipeline: name, Status: StatusHealthy}

		summary, err := src.GetStatus(ctx)
		if err != nil {
			h.Status = StatusCritical
			h.Error = err.Error()
			report[name] = h
			continue
		}
		h.Summary = summary
		h.Status = m.evaluate(summary)
		report[name] = h
	}

	m.lastCheck = time.Now()
	m.lastReport = report
	return report
}

func (m *Monitor) evaluate(s domain.StatusSummary) SystemStatus {
	if s.FailedCount == 0 || s.Processed == 0 {
		return StatusHealthy
	}
	ratio := float64(s.FailedCount) / float64(s.Processed)
	switch {
	case ratio >= m.thresholds.CriticalFailedRatio:
		return StatusCritical
	case ratio >= m.thresholds.DegradedFailedRatio:
		return StatusDegraded
	}
	return StatusHealthy
}

// Status returns the uncached progress of one pipeline.
func (m *Monitor) Status(ctx context.Context, pipeline string) (domain.StatusSummary, bool, error) {
	src, ok := m.sources[pipeline]
	if !ok {
		return domain.StatusSummary{}, false, nil
	}
	s, err := src.GetStatus(ctx)
	return s, true, err
}
