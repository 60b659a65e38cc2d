package interfaces

import (
	"context"

	"github.com/ternarybob/agnosco/internal/models"
)

// WorkerStatus is the job status as reported by the external AI worker.
// Values outside the recognized set are passed through verbatim so the
// reconciler can apply its unknown-status grace handling.
type WorkerStatus string

const (
	WorkerStatusProcessing WorkerStatus = "processing"
	WorkerStatusCompleted  WorkerStatus = "completed"
	WorkerStatusFailed     WorkerStatus = "failed"
)

// SubmitRequest carries one image upload to the worker.
type SubmitRequest struct {
	Filename    string
	ContentType string
	Data        []byte
	Priority    int
	UseCache    bool
}

// SubmitResponse is the worker's accept acknowledgment.
type SubmitResponse struct {
	ExternalID string
}

// StatusResponse is the worker's answer to a status poll. Result is only
// populated when the worker inlines it with a completed status.
type StatusResponse struct {
	Status       WorkerStatus
	Result       *models.JobResult
	ErrorMessage string
}

// BatchSubmitResponse acknowledges a batch upload.
type BatchSubmitResponse struct {
	ExternalID string
}

// BatchProgressResponse reports worker-side batch counters.
type BatchProgressResponse struct {
	CompletedItems int
	FailedItems    int
	TotalItems     int
}

// WorkerClient talks to the external AI recognition worker.
type WorkerClient interface {
	Submit(ctx context.Context, req *SubmitRequest) (*SubmitResponse, error)
	GetStatus(ctx context.Context, externalID string) (*StatusResponse, error)
	GetResult(ctx context.Context, externalID string) (*models.JobResult, error)
	SubmitBatch(ctx context.Context, reqs []*SubmitRequest) (*BatchSubmitResponse, error)
	GetBatchProgress(ctx context.Context, externalID string) (*BatchProgressResponse, error)
}
