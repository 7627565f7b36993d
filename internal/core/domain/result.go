package domain

import (
	"strings"
	"time"
)

// ResultStatus is the lifecycle state of a case classification.
type ResultStatus string

const (
	StatusPending   ResultStatus = "pending"
	StatusSubmitted ResultStatus = "submitted"
	StatusSuccess   ResultStatus = "success"
	StatusFailed    ResultStatus = "failed"
	StatusMalformed ResultStatus = "malformed"
)

// IsTerminal reports whether the status is an outcome of a submission.
func (s ResultStatus) IsTerminal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusMalformed
}

// NeedsRetry reports whether the status is eligible for an explicit retry.
func (s ResultStatus) NeedsRetry() bool {
	return s == StatusFailed || s == StatusMalformed
}

// ClassificationResult is the outcome for one case of a submitted batch.
type ClassificationResult struct {
	CaseID CaseID
	// ResultRowIndex is resolved by the writer at write time; -1 until then.
	ResultRowIndex int
	Labels         map[string]string
	Status         ResultStatus
	Error          string
	// Previous holds the output cells as they were before write-back, keyed
	// by label. Set by the writer for placed results only.
	Previous map[string]string
}

// Comparison relates a suggested label to the value already in its cell.
type Comparison string

const (
	ComparisonNew      Comparison = "new"
	ComparisonMatch    Comparison = "match"
	ComparisonConflict Comparison = "conflict"
)

// Compare classifies a suggestion against the current cell value.
func Compare(current, suggested string) Comparison {
	current = strings.TrimSpace(current)
	switch {
	case current == "":
		return ComparisonNew
	case strings.EqualFold(current, strings.TrimSpace(suggested)):
		return ComparisonMatch
	default:
		return ComparisonConflict
	}
}

// LabelStat aggregates successful results sharing one label value.
type LabelStat struct {
	Label    string `json:"label"`
	Value    string `json:"value"`
	Total    int    `json:"total"`
	Match    int    `json:"match"`
	Conflict int    `json:"conflict"`
	New      int    `json:"new"`
}

// ResultRecord is the last recorded outcome for a case.
type ResultRecord struct {
	Pipeline   string            `json:"pipeline"`
	CaseID     CaseID            `json:"case_id"`
	Status     ResultStatus      `json:"status"`
	Labels     map[string]string `json:"labels,omitempty"`
	Error      string            `json:"error,omitempty"`
	Attempts   int               `json:"attempts"`
	RetryCount int               `json:"retry_count"`
	UpdatedAt  time.Time         `json:"updated_at"`

	// Comparison records, per label, how the suggestion related to the
	// cell it replaced.
	Comparison map[string]Comparison `json:"comparison,omitempty"`
}

// StatusSummary is the externally visible progress report.
type StatusSummary struct {
	Pipeline    string `json:"pipeline"`
	Processed   int    `json:"processed"`
	Total       int    `json:"total"`
	FailedCount int    `json:"failed_count"`
	Succeeded   int    `json:"succeeded"`
	Pending     int    `json:"pending"`
	Complete    bool   `json:"complete"`

	// RowsPerMinute is the primary-pass throughput over recent runs.
	RowsPerMinute float64 `json:"rows_per_minute,omitempty"`
}
