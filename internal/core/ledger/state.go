package ledger

import (
	"errors"
	"slices"
	"time"

	"github.com/supportersimulator/categorizer/internal/core/domain"
)

// Status is an alias for domain.ResultStatus for internal use.
type Status = domain.ResultStatus

// statusNone is the status of a case that has never been recorded.
const statusNone Status = ""

// ErrInvalidTransition is returned when an invalid status transition is attempted.
var ErrInvalidTransition = errors.New("invalid status transition")

// ValidTransitions defines allowed status transitions.
// Key is the current status, value is the list of valid next statuses.
//
// failed and malformed only move back to pending through an explicit
// requeue; see Manager.Requeue. submitted moves back to pending when a retry
// batch is abandoned; see Manager.Release.
var ValidTransitions = map[Status][]Status{
	statusNone:           {domain.StatusPending, domain.StatusSubmitted},
	domain.StatusPending: {domain.StatusSubmitted},
	domain.StatusSubmitted: {
		domain.StatusPending,
		domain.StatusSubmitted,
		domain.StatusSuccess,
		domain.StatusFailed,
		domain.StatusMalformed,
	},
	domain.StatusSuccess:   {domain.StatusSubmitted},
	domain.StatusFailed:    {domain.StatusPending},
	domain.StatusMalformed: {domain.StatusPending},
}

// CanTransition checks if a transition from one status to another is valid.
func CanTransition(from, to Status) bool {
	validTargets, ok := ValidTransitions[from]
	if !ok {
		return false
	}
	return slices.Contains(validTargets, to)
}

// Transition represents a status change with metadata.
type Transition struct {
	CaseID    domain.CaseID
	From      Status
	To        Status
	Reason    string
	Timestamp time.Time
}

// NewTransition creates a new transition record.
func NewTransition(caseID domain.CaseID, from, to Status, reason string) Transition {
	return Transition{
		CaseID:    caseID,
		From:      from,
		To:        to,
		Reason:    reason,
		Timestamp: time.Now(),
	}
}

// StatusDescription returns a human-readable description of a status.
func StatusDescription(s Status) string {
	switch s {
	case statusNone:
		return "Unseen - never submitted"
	case domain.StatusPending:
		return "Pending - queued for an explicit retry"
	case domain.StatusSubmitted:
		return "Submitted - sent to the classifier, outcome not yet recorded"
	case domain.StatusSuccess:
		return "Success - labels written back"
	case domain.StatusFailed:
		return "Failed - dropped or rejected by the service"
	case domain.StatusMalformed:
		return "Malformed - response did not validate"
	default:
		return "Unknown status"
	}
}
