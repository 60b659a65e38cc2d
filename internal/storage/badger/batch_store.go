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

// BatchStore implements interfaces.BatchStore on Badger.
type BatchStore struct {
	db     *BadgerDB
	logger arbor.ILogger
	locks  sync.Map // batch id -> *sync.Mutex
}

// NewBatchStore creates a new BatchStore instance
func NewBatchStore(db *BadgerDB, logger arbor.ILogger) interfaces.BatchStore {
	return &BatchStore{
		db:     db,
		logger: logger,
	}
}

func (s *BatchStore) lock(id string) *sync.Mutex {
	mu, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

func (s *BatchStore) Create(ctx context.Context, batch *models.Batch) error {
	if batch.ID == "" {
		return fmt.Errorf("batch ID is required")
	}

	if err := s.db.Store().Insert(batch.ID, batch); err != nil {
		if err == badgerhold.ErrKeyExists {
			return interfaces.ErrAlreadyExists
		}
		return fmt.Errorf("failed to create batch: %w", err)
	}
	return nil
}

func (s *BatchStore) Get(ctx context.Context, id string) (*models.Batch, error) {
	var batch models.Batch
	if err := s.db.Store().Get(id, &batch); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, interfaces.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get batch: %w", err)
	}
	return &batch, nil
}

func (s *BatchStore) BindExternalID(ctx context.Context, id string, externalID string) error {
	mu := s.lock(id)
	mu.Lock()
	defer mu.Unlock()

	batch, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if batch.ExternalID != "" {
		return interfaces.ErrExternalIDBound
	}

	batch.ExternalID = externalID
	batch.UpdatedAt = time.Now().UTC()

	if err := s.db.Store().Upsert(batch.ID, batch); err != nil {
		return fmt.Errorf("failed to bind external id: %w", err)
	}
	return nil
}

// UpdateProgress applies counter updates monotonically. Stale reads from the
// worker can only hold a counter in place, never walk it backwards, and
// counters are clamped so completed+failed never exceeds TotalItems.
func (s *BatchStore) UpdateProgress(ctx context.Context, id string, completed, failed int) (*models.Batch, error) {
	mu := s.lock(id)
	mu.Lock()
	defer mu.Unlock()

	batch, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	changed := false
	if completed > batch.CompletedItems {
		batch.CompletedItems = completed
		changed = true
	}
	if failed > batch.FailedItems {
		batch.FailedItems = failed
		changed = true
	}
	if batch.CompletedItems > batch.TotalItems {
		batch.CompletedItems = batch.TotalItems
	}
	if batch.CompletedItems+batch.FailedItems > batch.TotalItems {
		batch.FailedItems = batch.TotalItems - batch.CompletedItems
	}

	if batch.Status != models.BatchStatusCompleted &&
		batch.CompletedItems+batch.FailedItems >= batch.TotalItems {
		now := time.Now().UTC()
		batch.Status = models.BatchStatusCompleted
		batch.CompletedAt = &now
		changed = true
	}

	if !changed {
		return batch, nil
	}

	batch.UpdatedAt = time.Now().UTC()
	if err := s.db.Store().Upsert(batch.ID, batch); err != nil {
		return nil, fmt.Errorf("failed to persist batch progress: %w", err)
	}

	return batch, nil
}

func (s *BatchStore) Remove(ctx context.Context, id string) error {
	if err := s.db.Store().Delete(id, &models.Batch{}); err != nil && err != badgerhold.ErrNotFound {
		return fmt.Errorf("failed to remove batch: %w", err)
	}
	s.locks.Delete(id)
	return nil
}
