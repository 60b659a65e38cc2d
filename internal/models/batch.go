package models

import "time"

// BatchStatus represents the aggregate state of a batch submission
type BatchStatus string

const (
	BatchStatusProcessing BatchStatus = "processing"
	BatchStatusCompleted  BatchStatus = "completed"
)

// Batch tracks aggregate progress for a group of files submitted together.
//
// Invariant: CompletedItems + FailedItems never exceeds TotalItems and the
// counters never decrease. Status flips to completed exactly when the sum
// reaches TotalItems.
type Batch struct {
	ID string `json:"id" badgerhold:"key"`
	// ExternalID is the batch identifier assigned by the AI worker.
	ExternalID     string      `json:"external_id,omitempty"`
	TotalItems     int         `json:"total_items"`
	CompletedItems int         `json:"completed_items"`
	FailedItems    int         `json:"failed_items"`
	Status         BatchStatus `json:"status"`
	Priority       int         `json:"priority"`
	UseCache       bool        `json:"use_cache"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
	CompletedAt    *time.Time  `json:"completed_at,omitempty"`
}

// ProgressPercentage returns batch completion as a percentage of total items.
func (b *Batch) ProgressPercentage() float64 {
	if b.TotalItems == 0 {
		return 0
	}
	return float64(b.CompletedItems+b.FailedItems) / float64(b.TotalItems) * 100
}
