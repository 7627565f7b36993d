// Package health reports pipeline progress and health over HTTP.
package health

import "github.com/supportersimulator/categorizer/internal/core/domain"

// SystemStatus represents the overall health state of the system or a pipeline.
type SystemStatus string

const (
	StatusHealthy  SystemStatus = "healthy"
	StatusDegraded SystemStatus = "degraded"
	StatusCritical SystemStatus = "critical"
)

// PipelineHealth contains the health of one pipeline.
type PipelineHealth struct {
	Pipeline string               `json:"pipeline"`
	Status   SystemStatus         `json:"status"`
	Summary  domain.StatusSummary `json:"summary"`
	Error    string               `json:"error,omitempty"`
}

// HealthReport contains the full system health report.
type HealthReport struct {
	SystemStatus SystemStatus              `json:"system_status"`
	Pipelines    map[string]PipelineHealth `json:"pipelines"`
}

// Aggregate returns the worst status of the report.
func Aggregate(pipelines map[string]PipelineHealth) SystemStatus {
	status := StatusHealthy
	for _, p := range pipelines {
		if p.Status == StatusCritical {
			return StatusCritical
		}
		if p.Status == StatusDegraded {
			status = StatusDegraded
		}
	}
	return status
}
