package recovery

import (
	"math"
	"time"

	"github.com/supportersimulator/categorizer/internal/core/domain"
)

// RetryStrategy decides when a failed case is due for another explicit retry.
type RetryStrategy interface {
	// GetDelay returns the wait after the given retry count (0-indexed).
	GetDelay(retryCount int) time.Duration

	// ShouldRetry reports whether a case that has been retried retryCount
	// times may be retried again.
	ShouldRetry(retryCount int) bool
}

// ExponentialBackoff spaces scheduled retries of the same case.
type ExponentialBackoff struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	// MaxRetries caps scheduled retries per case. Zero means unlimited.
	MaxRetries int
}

// DefaultBackoff returns the scheduled retry defaults.
// 10m, 20m, 40m, ... (Max 6h), at most 5 retries
func DefaultBackoff() *ExponentialBackoff {
	return &ExponentialBackoff{
		InitialDelay: 10 * time.Minute,
		MaxDelay:     6 * time.Hour,
		MaxRetries:   5,
	}
}

// GetDelay calculates delay: InitialDelay * 2^retryCount
func (s *ExponentialBackoff) GetDelay(retryCount int) time.Duration {
	delay := float64(s.InitialDelay) * math.Pow(2, float64(retryCount))
	if delay > float64(s.MaxDelay) {
		return s.MaxDelay
	}
	return time.Duration(delay)
}

func (s *ExponentialBackoff) ShouldRetry(retryCount int) bool {
	return s.MaxRetries <= 0 || retryCount < s.MaxRetries
}

// due reports whether rec may be retried at now. A pending or submitted
// record is an interrupted retry whose attempt was already charged.
func due(s RetryStrategy, rec *domain.ResultRecord, now time.Time) bool {
	if rec.Status == domain.StatusPending || rec.Status == domain.StatusSubmitted {
		return true
	}
	if !s.ShouldRetry(rec.RetryCount) {
		return false
	}
	return !now.Before(rec.UpdatedAt.Add(s.GetDelay(rec.RetryCount)))
}
