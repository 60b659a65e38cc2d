package badger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/agnosco/internal/interfaces"
	"github.com/ternarybob/agnosco/internal/models"
	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"
)

// JobStore implements interfaces.JobStore on Badger.
//
// Transition atomicity is enforced with a per-job mutex on top of the store:
// badgerhold upserts are individually atomic but the read-check-write in
// Transition is not, and the callback path and the polling reconciler can
// land on the same job in the same instant.
type JobStore struct {
	db     *BadgerDB
	logger arbor.ILogger
	locks  sync.Map // job id -> *sync.Mutex
}

// NewJobStore creates a new JobStore instance
func NewJobStore(db *BadgerDB, logger arbor.ILogger) interfaces.JobStore {
	return &JobStore{
		db:     db,
		logger: logger,
	}
}

func (s *JobStore) lock(id string) *sync.Mutex {
	mu, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

func (s *JobStore) Create(ctx context.Context, job *models.Job) error {
	if job.ID == "" {
		return fmt.Errorf("job ID is required")
	}

	if err := s.db.Store().Insert(job.ID, job); err != nil {
		if err == badgerhold.ErrKeyExists {
			return interfaces.ErrAlreadyExists
		}
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

func (s *JobStore) Get(ctx context.Context, id string) (*models.Job, error) {
	var job models.Job
	if err := s.db.Store().Get(id, &job); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, interfaces.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return &job, nil
}

// Transition is the single status mutator. Terminal states are immutable:
// once a job is completed or failed the stored record is returned unchanged
// together with ErrAlreadyTerminal, whichever path arrives second.
func (s *JobStore) Transition(ctx context.Context, id string, status models.JobStatus, result *models.JobResult, errMsg string) (*models.Job, error) {
	mu := s.lock(id)
	mu.Lock()
	defer mu.Unlock()

	job, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if job.Status.IsTerminal() {
		return job, interfaces.ErrAlreadyTerminal
	}

	now := time.Now().UTC()
	job.Status = status
	job.UpdatedAt = now
	if status.IsTerminal() {
		job.CompletedAt = &now
	}
	if status == models.JobStatusCompleted {
		job.Result = result
		job.Error = ""
	}
	if status == models.JobStatusFailed {
		job.Result = nil
		job.Error = errMsg
	}

	if err := s.db.Store().Upsert(job.ID, job); err != nil {
		return nil, fmt.Errorf("failed to persist transition: %w", err)
	}

	s.logger.Debug().
		Str("job_id", id).
		Str("status", string(status)).
		Msg("Job transitioned")

	return job, nil
}

func (s *JobStore) BindExternalID(ctx context.Context, id string, externalID string) error {
	mu := s.lock(id)
	mu.Lock()
	defer mu.Unlock()

	job, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if job.ExternalID != "" {
		return interfaces.ErrExternalIDBound
	}

	job.ExternalID = externalID
	job.UpdatedAt = time.Now().UTC()

	if err := s.db.Store().Upsert(job.ID, job); err != nil {
		return fmt.Errorf("failed to bind external id: %w", err)
	}
	return nil
}

func (s *JobStore) ListActive(ctx context.Context) ([]*models.Job, error) {
	return s.findByStatus(badgerhold.Where("Status").In(models.JobStatusSubmitted, models.JobStatusProcessing))
}

func (s *JobStore) ListTerminal(ctx context.Context) ([]*models.Job, error) {
	return s.findByStatus(badgerhold.Where("Status").In(models.JobStatusCompleted, models.JobStatusFailed))
}

func (s *JobStore) List(ctx context.Context, status models.JobStatus, limit int) ([]*models.Job, error) {
	query := badgerhold.Where("ID").Ne("")
	if status != "" {
		query = query.And("Status").Eq(status)
	}
	query = query.SortBy("CreatedAt").Reverse()
	if limit > 0 {
		query = query.Limit(limit)
	}
	return s.findByStatus(query)
}

func (s *JobStore) CountByStatus(ctx context.Context) (map[models.JobStatus]int, error) {
	var jobs []models.Job
	if err := s.db.Store().Find(&jobs, nil); err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}

	counts := make(map[models.JobStatus]int)
	for i := range jobs {
		counts[jobs[i].Status]++
	}
	return counts, nil
}

func (s *JobStore) Remove(ctx context.Context, id string) error {
	if err := s.db.Store().Delete(id, &models.Job{}); err != nil && err != badgerhold.ErrNotFound {
		return fmt.Errorf("failed to remove job: %w", err)
	}
	s.locks.Delete(id)
	return nil
}

func (s *JobStore) findByStatus(query *badgerhold.Query) ([]*models.Job, error) {
	var jobs []models.Job
	if err := s.db.Store().Find(&jobs, query); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	result := make([]*models.Job, len(jobs))
	for i := range jobs {
		result[i] = &jobs[i]
	}
	return result, nil
}
