package classifier

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// BatchError is a whole-batch failure. Transient failures leave the batch
// eligible for the next run; non-transient ones are recorded per case.
type BatchError struct {
	Transient bool
	Attempts  int
	Err       error
}

func (e *BatchError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("%s batch failure after %d attempt(s): %v", kind, e.Attempts, e.Err)
}

func (e *BatchError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is a transient batch failure.
func IsTransient(err error) bool {
	var be *BatchError
	return errors.As(err, &be) && be.Transient
}

// StatusError is a transport-level error with an HTTP-style status code.
// Backends translate their native errors into it.
type StatusError struct {
	Backend    string
	Code       int
	Message    string
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: status %d: %s", e.Backend, e.Code, e.Message)
}

// ServiceError is a top-level error object returned in the response body.
type ServiceError struct {
	Code      string
	Message   string
	Retryable bool
}

func (e *ServiceError) Error() string {
	if e.Code == "" {
		return "service error: " + e.Message
	}
	return fmt.Sprintf("service error %s: %s", e.Code, e.Message)
}

// ErrorAction determines how to handle an error.
type ErrorAction int

const (
	ActionRetry ErrorAction = iota
	ActionFatal
)

func (a ErrorAction) String() string {
	if a == ActionFatal {
		return "fatal"
	}
	return "retry"
}

// ClassifyError determines the action for a given error.
func ClassifyError(err error) ErrorAction {
	if err == nil {
		return ActionRetry // Should not happen
	}
	if errors.Is(err, context.Canceled) {
		return ActionFatal
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ActionRetry
	}

	var se *ServiceError
	if errors.As(err, &se) {
		if se.Retryable || retryableCode(se.Code) {
			return ActionRetry
		}
		return ActionFatal
	}

	var st *StatusError
	if errors.As(err, &st) {
		return classifyStatus(st.Code)
	}

	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return ActionRetry
	}

	s := strings.ToLower(err.Error())

	// Fatal (request or credential issues)
	if strings.Contains(s, "unauthorized") || strings.Contains(s, "forbidden") ||
		strings.Contains(s, "invalid api key") || strings.Contains(s, "invalid_request") ||
		strings.Contains(s, "permission denied") {
		return ActionFatal
	}

	// Default to Retry (network, 5xx, rate limits)
	return ActionRetry
}

func classifyStatus(code int) ErrorAction {
	switch {
	case code == http.StatusNotImplemented, code == http.StatusHTTPVersionNotSupported:
		// The endpoint will not start supporting the call on its own.
		return ActionFatal
	case code == 408, code == 425, code == 429, code >= 500:
		return ActionRetry
	case code >= 400:
		return ActionFatal
	default:
		return ActionRetry
	}
}

func retryableCode(code string) bool {
	if n, err := strconv.Atoi(code); err == nil {
		return classifyStatus(n) == ActionRetry && n >= 400
	}
	switch strings.ToLower(code) {
	case "rate_limited", "rate_limit", "rate_limit_error", "overloaded", "overloaded_error",
		"timeout", "unavailable", "resource_exhausted", "deadline_exceeded":
		return true
	}
	return false
}

// retryAfter returns the server supplied retry hint, if any.
func retryAfter(err error) time.Duration {
	var st *StatusError
	if errors.As(err, &st) {
		return st.RetryAfter
	}
	return 0
}
