package interfaces

import (
	"context"
	"errors"

	"github.com/ternarybob/agnosco/internal/models"
)

var (
	// ErrNotFound is returned when a job or batch id has no record.
	ErrNotFound = errors.New("record not found")
	// ErrAlreadyExists is returned when creating a record whose id is taken.
	ErrAlreadyExists = errors.New("record already exists")
	// ErrAlreadyTerminal is returned by Transition when the job is already in
	// a terminal state. The stored record is left untouched; callers treat
	// this as a benign no-op (duplicate callback, poll racing a callback).
	ErrAlreadyTerminal = errors.New("job already in terminal state")
	// ErrExternalIDBound is returned by BindExternalID when the job already
	// carries a worker-assigned id.
	ErrExternalIDBound = errors.New("external id already bound")
)

// JobStore is the registry of recognition jobs.
//
// Transition is the single mutator for job status. Implementations must make
// it atomic per job id so that concurrent completion paths (inbound callback
// vs polling reconciler) cannot interleave: the first terminal transition
// wins and every later attempt returns ErrAlreadyTerminal.
type JobStore interface {
	// Create persists a new job. Fails with ErrAlreadyExists on id collision.
	Create(ctx context.Context, job *models.Job) error

	// Get returns the job or ErrNotFound.
	Get(ctx context.Context, id string) (*models.Job, error)

	// Transition atomically moves the job to status, recording result (for
	// completed) or errMsg (for failed) and stamping UpdatedAt/CompletedAt.
	// Returns the updated record. If the job is already terminal the stored
	// record is returned unchanged together with ErrAlreadyTerminal.
	Transition(ctx context.Context, id string, status models.JobStatus, result *models.JobResult, errMsg string) (*models.Job, error)

	// BindExternalID records the worker-assigned id exactly once. It never
	// touches status and refuses to overwrite with ErrExternalIDBound.
	BindExternalID(ctx context.Context, id string, externalID string) error

	// ListActive returns jobs whose status is not terminal.
	ListActive(ctx context.Context) ([]*models.Job, error)

	// ListTerminal returns completed and failed jobs.
	ListTerminal(ctx context.Context) ([]*models.Job, error)

	// List returns jobs filtered by status ("" for all), newest first,
	// capped at limit (0 for no cap).
	List(ctx context.Context, status models.JobStatus, limit int) ([]*models.Job, error)

	// CountByStatus returns job counts keyed by status.
	CountByStatus(ctx context.Context) (map[models.JobStatus]int, error)

	// Remove deletes the job record. Removing a missing id is not an error.
	Remove(ctx context.Context, id string) error
}
