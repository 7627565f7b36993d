package domain

// CaseID is the stable identifier of a case. It is the only key used to
// locate a row for write-back.
type CaseID string

// CaseRecord is one normalized unit of work submitted for classification.
type CaseRecord struct {
	CaseID CaseID
	// SourceRowIndex is the row position at extraction time. It is kept for
	// logging only and is never used to address a row on write.
	SourceRowIndex int
	Fields         map[string]string
}

// RowSpan is a contiguous range of data rows, zero-based and excluding the
// header row.
type RowSpan struct {
	Start int
	Count int
}

// End returns the exclusive end of the span.
func (s RowSpan) End() int {
	return s.Start + s.Count
}

// BatchOrigin tells where a batch came from.
type BatchOrigin string

const (
	OriginPrimary BatchOrigin = "primary"
	OriginRetry   BatchOrigin = "retry"
)

// Batch is an ordered group of case records submitted together.
type Batch struct {
	Origin  BatchOrigin
	Records []CaseRecord
	// Span is the row range consumed by the cursor. Zero for retry batches.
	Span RowSpan
}

// CaseIDs returns the IDs of the batch records in order.
func (b Batch) CaseIDs() []CaseID {
	ids := make([]CaseID, 0, len(b.Records))
	for _, r := range b.Records {
		ids = append(ids, r.CaseID)
	}
	return ids
}

// Len returns the number of records in the batch.
func (b Batch) Len() int {
	return len(b.Records)
}
