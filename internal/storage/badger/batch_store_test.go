package badger

import (
	"context"
	"testing"
	"time"

	"github.com/ternarybob/agnosco/internal/models"
	"github.com/ternarybob/arbor"
)

func newTestBatch(id string, total int) *models.Batch {
	now := time.Now().UTC()
	return &models.Batch{
		ID:         id,
		TotalItems: total,
		Status:     models.BatchStatusProcessing,
		Priority:   1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func TestBatchStoreProgressMonotonic(t *testing.T) {
	store := NewBatchStore(newTestDB(t), arbor.NewLogger())
	ctx := context.Background()

	if err := store.Create(ctx, newTestBatch("batch-1", 5)); err != nil {
		t.Fatal(err)
	}

	// Counters climb, then a stale read arrives, then the batch finishes
	steps := []struct {
		completed, failed             int
		wantCompleted, wantFailed     int
		wantStatus                    models.BatchStatus
	}{
		{2, 0, 2, 0, models.BatchStatusProcessing},
		{4, 0, 4, 0, models.BatchStatusProcessing},
		{1, 0, 4, 0, models.BatchStatusProcessing}, // stale read ignored
		{5, 0, 5, 0, models.BatchStatusCompleted},
	}

	for i, step := range steps {
		batch, err := store.UpdateProgress(ctx, "batch-1", step.completed, step.failed)
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if batch.CompletedItems != step.wantCompleted || batch.FailedItems != step.wantFailed {
			t.Errorf("step %d: counters (%d,%d), want (%d,%d)",
				i, batch.CompletedItems, batch.FailedItems, step.wantCompleted, step.wantFailed)
		}
		if batch.Status != step.wantStatus {
			t.Errorf("step %d: status %s, want %s", i, batch.Status, step.wantStatus)
		}
		if batch.CompletedItems+batch.FailedItems > batch.TotalItems {
			t.Errorf("step %d: counters exceed total", i)
		}
	}

	final, _ := store.Get(ctx, "batch-1")
	if final.CompletedAt == nil {
		t.Error("CompletedAt not stamped on completion")
	}
}

func TestBatchStoreProgressClamped(t *testing.T) {
	store := NewBatchStore(newTestDB(t), arbor.NewLogger())
	ctx := context.Background()

	if err := store.Create(ctx, newTestBatch("batch-1", 3)); err != nil {
		t.Fatal(err)
	}

	batch, err := store.UpdateProgress(ctx, "batch-1", 9, 9)
	if err != nil {
		t.Fatal(err)
	}
	if batch.CompletedItems != 3 || batch.FailedItems != 0 {
		t.Errorf("counters not clamped: (%d,%d)", batch.CompletedItems, batch.FailedItems)
	}
	if batch.Status != models.BatchStatusCompleted {
		t.Errorf("expected completed after clamp, got %s", batch.Status)
	}
}

func TestBatchStoreMixedFailures(t *testing.T) {
	store := NewBatchStore(newTestDB(t), arbor.NewLogger())
	ctx := context.Background()

	if err := store.Create(ctx, newTestBatch("batch-1", 4)); err != nil {
		t.Fatal(err)
	}

	batch, err := store.UpdateProgress(ctx, "batch-1", 3, 1)
	if err != nil {
		t.Fatal(err)
	}
	if batch.Status != models.BatchStatusCompleted {
		t.Errorf("expected completed when completed+failed reaches total, got %s", batch.Status)
	}
	if pct := batch.ProgressPercentage(); pct != 100 {
		t.Errorf("expected 100%%, got %v", pct)
	}
}
