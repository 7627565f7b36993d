package cursor

import (
	"time"
)

// advanceRecord holds timing data for one persisted advance.
type advanceRecord struct {
	Rows       int
	AdvancedAt time.Time
}

// Metrics holds cursor throughput data.
type Metrics struct {
	RowsPerSecond    float64
	AverageBatchTime time.Duration
	AdvancesInWindow int
	LastResetAt      *time.Time
	LastAdvanceAt    *time.Time
}

// MetricsCollector tracks cursor throughput over a sliding window.
type MetricsCollector struct {
	windowSize  int             // number of advances to track
	advances    []advanceRecord // ring buffer of advances
	lastResetAt *time.Time
}

// RecordAdvance records one advance of rows.
func (mc *MetricsCollector) RecordAdvance(rows int, at time.Time) {
	record := advanceRecord{Rows: rows, AdvancedAt: at}

	if len(mc.advances) >= mc.windowSize {
		// Shift elements left, drop oldest
		copy(mc.advances, mc.advances[1:])
		mc.advances[len(mc.advances)-1] = record
	} else {
		mc.advances = append(mc.advances, record)
	}
}

// RecordReset records a cursor reset. Throughput from before the reset is dropped.
func (mc *MetricsCollector) RecordReset(at time.Time) {
	mc.advances = mc.advances[:0]
	mc.lastResetAt = &at
}

// GetMetrics returns current metrics.
func (mc *MetricsCollector) GetMetrics() Metrics {
	m := Metrics{
		LastResetAt:      mc.lastResetAt,
		AdvancesInWindow: len(mc.advances),
	}
	if len(mc.advances) == 0 {
		return m
	}

	last := mc.advances[len(mc.advances)-1]
	at := last.AdvancedAt
	m.LastAdvanceAt = &at

	if len(mc.advances) >= 2 {
		first := mc.advances[0]
		duration := last.AdvancedAt.Sub(first.AdvancedAt)

		if duration > 0 {
			rows := 0
			for _, a := range mc.advances[1:] {
				rows += a.Rows
			}
			intervals := float64(len(mc.advances) - 1)
			m.RowsPerSecond = float64(rows) / duration.Seconds()
			m.AverageBatchTime = time.Duration(float64(duration) / intervals)
		}
	}

	return m
}

// Reset clears all collected metrics.
func (mc *MetricsCollector) Reset() {
	mc.advances = mc.advances[:0]
	mc.lastResetAt = nil
}
