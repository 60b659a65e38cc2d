package interfaces

import (
	"context"

	"github.com/ternarybob/agnosco/internal/models"
)

// BatchStore is the registry of batch submissions.
type BatchStore interface {
	// Create persists a new batch. Fails with ErrAlreadyExists on collision.
	Create(ctx context.Context, batch *models.Batch) error

	// Get returns the batch or ErrNotFound.
	Get(ctx context.Context, id string) (*models.Batch, error)

	// BindExternalID records the worker-assigned batch id exactly once.
	BindExternalID(ctx context.Context, id string, externalID string) error

	// UpdateProgress applies monotonic counter updates: values lower than
	// the stored ones are ignored, values above TotalItems are clamped.
	// When completed+failed reaches TotalItems the batch flips to completed
	// and CompletedAt is stamped. Returns the updated record.
	UpdateProgress(ctx context.Context, id string, completed, failed int) (*models.Batch, error)

	// Remove deletes the batch record. Removing a missing id is not an error.
	Remove(ctx context.Context, id string) error
}
