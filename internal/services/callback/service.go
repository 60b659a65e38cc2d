package callback

import (
	"context"
	"errors"

	"github.com/ternarybob/agnosco/internal/interfaces"
	"github.com/ternarybob/agnosco/internal/models"
	"github.com/ternarybob/agnosco/internal/observability"
	"github.com/ternarybob/arbor"
)

// Payload is the worker's push notification body.
type Payload struct {
	Status       string                 `json:"status"`
	Answers      []models.Answer        `json:"answers,omitempty"`
	Metadata     *models.ResultMetadata `json:"metadata,omitempty"`
	ErrorMessage string                 `json:"errorMessage,omitempty"`
}

// Service applies worker callbacks to the job registry.
//
// It performs no blocking external calls: a callback is a state transition
// plus a notification, nothing more, so it cannot stall under worker load.
type Service struct {
	store       interfaces.JobStore
	broadcaster interfaces.Broadcaster
	metrics     *observability.Metrics
	logger      arbor.ILogger
}

// NewService creates a callback receiver
func NewService(store interfaces.JobStore, broadcaster interfaces.Broadcaster, metrics *observability.Metrics, logger arbor.ILogger) *Service {
	return &Service{
		store:       store,
		broadcaster: broadcaster,
		metrics:     metrics,
		logger:      logger,
	}
}

// Handle processes one callback. Unknown job ids are logged and swallowed:
// the callback may be stale or for a job already cleaned up, and returning
// an error would only make the worker retry pointlessly. Duplicate callbacks
// are absorbed by the store's terminal-state rule.
func (s *Service) Handle(ctx context.Context, jobID string, payload *Payload) error {
	job, err := s.store.Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			s.logger.Info().Str("job_id", jobID).Msg("Callback for unknown job, ignoring")
			if s.metrics != nil {
				s.metrics.UnknownCallback.Inc()
			}
			return nil
		}
		return err
	}

	switch payload.Status {
	case "completed":
		result := &models.JobResult{Answers: payload.Answers}
		if payload.Metadata != nil {
			result.Metadata = *payload.Metadata
		}
		return s.complete(ctx, job.ID, result)
	case "failed":
		msg := payload.ErrorMessage
		if msg == "" {
			msg = "Worker: recognition failed without detail"
		}
		return s.fail(ctx, job.ID, msg)
	default:
		s.logger.Warn().
			Str("job_id", jobID).
			Str("status", payload.Status).
			Msg("Callback with unrecognized status, ignoring")
		return nil
	}
}

func (s *Service) complete(ctx context.Context, jobID string, result *models.JobResult) error {
	updated, err := s.store.Transition(ctx, jobID, models.JobStatusCompleted, result, "")
	if err != nil {
		if errors.Is(err, interfaces.ErrAlreadyTerminal) {
			s.logger.Debug().Str("job_id", jobID).Msg("Duplicate callback for terminal job, no-op")
			return nil
		}
		return err
	}

	if s.metrics != nil {
		s.metrics.JobsCompleted.WithLabelValues("callback").Inc()
	}
	s.logger.Info().
		Str("job_id", jobID).
		Int("answers", len(result.Answers)).
		Msg("Job completed via callback")

	s.broadcaster.Publish(&models.Event{
		Type: models.EventCompleted,
		ID:   jobID,
		Payload: models.CompletedPayload{
			Answers:  updated.Result.Answers,
			Metadata: updated.Result.Metadata,
		},
		Terminal: true,
	})
	return nil
}

func (s *Service) fail(ctx context.Context, jobID string, msg string) error {
	if _, err := s.store.Transition(ctx, jobID, models.JobStatusFailed, nil, msg); err != nil {
		if errors.Is(err, interfaces.ErrAlreadyTerminal) {
			s.logger.Debug().Str("job_id", jobID).Msg("Duplicate callback for terminal job, no-op")
			return nil
		}
		return err
	}

	if s.metrics != nil {
		s.metrics.JobsFailed.WithLabelValues("worker").Inc()
	}
	s.logger.Info().Str("job_id", jobID).Str("error", msg).Msg("Job failed via callback")

	s.broadcaster.Publish(&models.Event{
		Type:     models.EventFailed,
		ID:       jobID,
		Payload:  models.FailedPayload{ErrorMessage: msg},
		Terminal: true,
	})
	return nil
}
