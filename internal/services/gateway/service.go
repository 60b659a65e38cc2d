package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/agnosco/internal/common"
	"github.com/ternarybob/agnosco/internal/interfaces"
	"github.com/ternarybob/agnosco/internal/models"
	"github.com/ternarybob/agnosco/internal/observability"
	"github.com/ternarybob/arbor"
)

// Watcher registers a job for reconciliation sweeps.
type Watcher interface {
	Watch(jobID string)
}

// Ack acknowledges an accepted submission.
type Ack struct {
	JobID                   string           `json:"jobId"`
	Status                  models.JobStatus `json:"status"`
	EstimatedCompletionTime time.Time        `json:"estimatedCompletionTime"`
	CallbackURL             string           `json:"callbackUrl"`
	SubmittedAt             time.Time        `json:"submittedAt"`
}

// Service validates submissions, creates the job record, forwards the image
// to the AI worker, and arms the reconciliation watch.
type Service struct {
	store       interfaces.JobStore
	worker      interfaces.WorkerClient
	broadcaster interfaces.Broadcaster
	watcher     Watcher
	metrics     *observability.Metrics
	logger      arbor.ILogger
	maxUpload   int64
	// estimate offered to callers in the ack; the worker usually finishes
	// well inside the first sweep interval
	estimatedDuration time.Duration
}

// NewService creates a submission gateway
func NewService(
	store interfaces.JobStore,
	worker interfaces.WorkerClient,
	broadcaster interfaces.Broadcaster,
	watcher Watcher,
	metrics *observability.Metrics,
	logger arbor.ILogger,
	maxUpload int64,
) *Service {
	return &Service{
		store:             store,
		worker:            worker,
		broadcaster:       broadcaster,
		watcher:           watcher,
		metrics:           metrics,
		logger:            logger,
		maxUpload:         maxUpload,
		estimatedDuration: 30 * time.Second,
	}
}

// Submit runs the full submission flow. Validation failures return a
// ValidationError before any record exists. A worker rejection still creates
// the job, immediately transitioned to failed, so the caller can observe it
// through the status endpoint or stream.
func (s *Service) Submit(ctx context.Context, data []byte, params *SubmitParams) (*Ack, error) {
	if params.Priority == 0 {
		params.Priority = 5
	}
	params.Size = int64(len(data))

	if err := checkParams(params); err != nil {
		return nil, err
	}
	contentType, err := CheckImage(data, s.maxUpload)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	job := &models.Job{
		ID:     common.NewJobID(),
		Status: models.JobStatusSubmitted,
		Source: models.SourceMeta{
			Filename:    params.Filename,
			Size:        params.Size,
			ContentType: contentType,
		},
		CallbackURL: params.CallbackURL,
		Priority:    params.Priority,
		UseCache:    params.UseCache,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := s.store.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to register job: %w", err)
	}
	if s.metrics != nil {
		s.metrics.JobsSubmitted.Inc()
	}

	s.logger.Info().
		Str("job_id", job.ID).
		Str("filename", params.Filename).
		Int64("size", params.Size).
		Int("priority", params.Priority).
		Msg("Job submitted")

	resp, err := s.worker.Submit(ctx, &interfaces.SubmitRequest{
		Filename:    params.Filename,
		ContentType: contentType,
		Data:        data,
		Priority:    params.Priority,
		UseCache:    params.UseCache,
	})
	if err != nil {
		s.failSubmission(ctx, job.ID, err)
		return nil, fmt.Errorf("worker rejected submission: %w", err)
	}

	if err := s.store.BindExternalID(ctx, job.ID, resp.ExternalID); err != nil {
		s.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to bind external id")
	}
	if _, err := s.store.Transition(ctx, job.ID, models.JobStatusProcessing, nil, ""); err != nil {
		s.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to mark job processing")
	}

	s.watcher.Watch(job.ID)
	s.broadcaster.Publish(&models.Event{
		Type: models.EventStatusChange,
		ID:   job.ID,
		Payload: models.StatusChangePayload{
			Status:  models.JobStatusProcessing,
			Message: "worker accepted submission",
		},
	})

	return &Ack{
		JobID:                   job.ID,
		Status:                  models.JobStatusSubmitted,
		EstimatedCompletionTime: now.Add(s.estimatedDuration),
		CallbackURL:             params.CallbackURL,
		SubmittedAt:             now,
	}, nil
}

func (s *Service) failSubmission(ctx context.Context, jobID string, cause error) {
	msg := fmt.Sprintf("Submission: worker rejected the upload (%v)", cause)
	if _, err := s.store.Transition(ctx, jobID, models.JobStatusFailed, nil, msg); err != nil {
		s.logger.Error().Err(err).Str("job_id", jobID).Msg("Failed to record submission failure")
		return
	}
	if s.metrics != nil {
		s.metrics.JobsFailed.WithLabelValues("submit").Inc()
	}
	s.broadcaster.Publish(&models.Event{
		Type:     models.EventFailed,
		ID:       jobID,
		Payload:  models.FailedPayload{ErrorMessage: msg},
		Terminal: true,
	})
	s.logger.Warn().Err(cause).Str("job_id", jobID).Msg("Submission failed at worker")
}
