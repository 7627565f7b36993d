package domain

import "time"

// ProgressCursor marks progress of the primary pass through the row store.
type ProgressCursor struct {
	Pipeline           string
	LastProcessedIndex int
	TotalRows          int
	UpdatedAt          time.Time
}

// Remaining returns the number of rows not yet processed.
func (c ProgressCursor) Remaining() int {
	if c.LastProcessedIndex >= c.TotalRows {
		return 0
	}
	return c.TotalRows - c.LastProcessedIndex
}

// Complete reports whether the primary pass has consumed every row.
func (c ProgressCursor) Complete() bool {
	return c.LastProcessedIndex >= c.TotalRows
}
