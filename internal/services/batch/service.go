package batch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/agnosco/internal/common"
	"github.com/ternarybob/agnosco/internal/interfaces"
	"github.com/ternarybob/agnosco/internal/models"
	"github.com/ternarybob/agnosco/internal/observability"
	"github.com/ternarybob/agnosco/internal/services/gateway"
	"github.com/ternarybob/arbor"
)

// Config holds batch limits and watch timings.
type Config struct {
	MaxFiles      int
	MaxUploadSize int64
	WatchInterval time.Duration
	// WatchTimeout abandons a progress watch whose batch never completes.
	WatchTimeout time.Duration
	CleanupGrace time.Duration
	QueryTimeout time.Duration
}

// File is one member of a batch upload.
type File struct {
	Filename string
	Data     []byte
}

// Params are the caller-supplied batch parameters.
type Params struct {
	Priority int
	UseCache bool
}

// Ack acknowledges an accepted batch.
type Ack struct {
	BatchID           string             `json:"batchId"`
	ProgressStreamURL string             `json:"progressStreamUrl"`
	TotalItems        int                `json:"totalItems"`
	Status            models.BatchStatus `json:"status"`
}

// Coordinator validates batch submissions, forwards them to the worker, and
// drives a periodic progress watch per batch.
type Coordinator struct {
	store       interfaces.BatchStore
	worker      interfaces.WorkerClient
	broadcaster interfaces.Broadcaster
	metrics     *observability.Metrics
	logger      arbor.ILogger
	cfg         Config

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewCoordinator creates a batch coordinator
func NewCoordinator(
	store interfaces.BatchStore,
	worker interfaces.WorkerClient,
	broadcaster interfaces.Broadcaster,
	metrics *observability.Metrics,
	logger arbor.ILogger,
	cfg Config,
) *Coordinator {
	if cfg.MaxFiles <= 0 {
		cfg.MaxFiles = 20
	}
	if cfg.WatchInterval <= 0 {
		cfg.WatchInterval = 5 * time.Second
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		store:       store,
		worker:      worker,
		broadcaster: broadcaster,
		metrics:     metrics,
		logger:      logger,
		cfg:         cfg,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Submit runs the batch submission flow: validate every file up front, create
// the batch record, forward the upload, and start the progress watch.
func (c *Coordinator) Submit(ctx context.Context, files []*File, params *Params) (*Ack, error) {
	if params.Priority == 0 {
		params.Priority = 1
	}
	if params.Priority < 1 || params.Priority > 5 {
		return nil, &gateway.ValidationError{Field: "priority", Message: "priority must be between 1 and 5"}
	}
	if len(files) == 0 {
		return nil, &gateway.ValidationError{Field: "files", Message: "batch requires at least one file"}
	}
	if len(files) > c.cfg.MaxFiles {
		return nil, &gateway.ValidationError{
			Field:   "files",
			Message: fmt.Sprintf("batch exceeds maximum of %d files", c.cfg.MaxFiles),
		}
	}

	reqs := make([]*interfaces.SubmitRequest, 0, len(files))
	for _, f := range files {
		contentType, err := gateway.CheckImage(f.Data, c.cfg.MaxUploadSize)
		if err != nil {
			return nil, fmt.Errorf("file %s: %w", f.Filename, err)
		}
		reqs = append(reqs, &interfaces.SubmitRequest{
			Filename:    f.Filename,
			ContentType: contentType,
			Data:        f.Data,
			Priority:    params.Priority,
			UseCache:    params.UseCache,
		})
	}

	now := time.Now().UTC()
	batch := &models.Batch{
		ID:         common.NewBatchID(),
		TotalItems: len(files),
		Status:     models.BatchStatusProcessing,
		Priority:   params.Priority,
		UseCache:   params.UseCache,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := c.store.Create(ctx, batch); err != nil {
		return nil, fmt.Errorf("failed to register batch: %w", err)
	}

	resp, err := c.worker.SubmitBatch(ctx, reqs)
	if err != nil {
		// Close out the record; the watch never starts for a rejected batch.
		if _, uerr := c.store.UpdateProgress(ctx, batch.ID, 0, batch.TotalItems); uerr != nil {
			c.logger.Warn().Err(uerr).Str("batch_id", batch.ID).Msg("Failed to close rejected batch")
		}
		return nil, fmt.Errorf("worker rejected batch: %w", err)
	}
	if err := c.store.BindExternalID(ctx, batch.ID, resp.ExternalID); err != nil {
		c.logger.Warn().Err(err).Str("batch_id", batch.ID).Msg("Failed to record worker batch id")
	}

	if c.metrics != nil {
		c.metrics.BatchesCreated.Inc()
	}
	c.logger.Info().
		Str("batch_id", batch.ID).
		Int("total_items", batch.TotalItems).
		Int("priority", params.Priority).
		Msg("Batch submitted")

	c.wg.Add(1)
	go c.watch(batch.ID, resp.ExternalID, batch.TotalItems)

	return &Ack{
		BatchID:           batch.ID,
		ProgressStreamURL: fmt.Sprintf("/batches/%s/progress", batch.ID),
		TotalItems:        batch.TotalItems,
		Status:            models.BatchStatusProcessing,
	}, nil
}

// Get returns the batch snapshot.
func (c *Coordinator) Get(ctx context.Context, id string) (*models.Batch, error) {
	return c.store.Get(ctx, id)
}

// Close stops every running progress watch.
func (c *Coordinator) Close() {
	c.cancel()
	c.wg.Wait()
}

// watch polls the worker's batch-progress endpoint on a fixed interval and
// publishes progress events until the batch completes, the watch times out,
// or the coordinator shuts down.
func (c *Coordinator) watch(batchID, externalID string, totalItems int) {
	defer c.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().
				Str("batch_id", batchID).
				Str("panic", fmt.Sprintf("%v", r)).
				Msg("Batch progress watch panicked")
		}
	}()

	ticker := time.NewTicker(c.cfg.WatchInterval)
	defer ticker.Stop()

	var deadline <-chan time.Time
	if c.cfg.WatchTimeout > 0 {
		timer := time.NewTimer(c.cfg.WatchTimeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-deadline:
			c.logger.Warn().Str("batch_id", batchID).Msg("Batch progress watch timed out")
			return
		case <-ticker.C:
			if done := c.tick(batchID, externalID); done {
				c.evictAfterGrace(batchID)
				return
			}
		}
	}
}

// evictAfterGrace removes a completed batch record once its grace period has
// passed, mirroring the job cleanup sweep. The record stays queryable for the
// duration of the grace.
func (c *Coordinator) evictAfterGrace(batchID string) {
	if c.cfg.CleanupGrace <= 0 {
		return
	}

	timer := time.NewTimer(c.cfg.CleanupGrace)
	defer timer.Stop()

	select {
	case <-c.ctx.Done():
	case <-timer.C:
		c.broadcaster.CloseStream(batchID)
		if err := c.store.Remove(c.ctx, batchID); err != nil {
			c.logger.Warn().Err(err).Str("batch_id", batchID).Msg("Failed to evict completed batch")
			return
		}
		c.logger.Debug().Str("batch_id", batchID).Msg("Completed batch evicted after grace period")
	}
}

// tick runs one progress poll. Returns true once the batch is complete and
// the watch should stop.
func (c *Coordinator) tick(batchID, externalID string) bool {
	qctx, cancel := context.WithTimeout(c.ctx, c.cfg.QueryTimeout)
	progress, err := c.worker.GetBatchProgress(qctx, externalID)
	cancel()
	if err != nil {
		// Transient; the next tick retries.
		c.logger.Debug().Err(err).Str("batch_id", batchID).Msg("Batch progress poll failed")
		return false
	}

	batch, err := c.store.UpdateProgress(c.ctx, batchID, progress.CompletedItems, progress.FailedItems)
	if err != nil {
		c.logger.Warn().Err(err).Str("batch_id", batchID).Msg("Failed to update batch progress")
		return false
	}

	c.broadcaster.Publish(&models.Event{
		Type: models.EventBatchProgress,
		ID:   batchID,
		Payload: models.BatchProgressPayload{
			BatchID:            batchID,
			ProgressPercentage: batch.ProgressPercentage(),
			CompletedItems:     batch.CompletedItems,
			FailedItems:        batch.FailedItems,
			TotalItems:         batch.TotalItems,
			Status:             batch.Status,
		},
		Terminal: batch.Status == models.BatchStatusCompleted,
	})

	if batch.Status == models.BatchStatusCompleted {
		c.logger.Info().
			Str("batch_id", batchID).
			Int("completed", batch.CompletedItems).
			Int("failed", batch.FailedItems).
			Msg("Batch completed")
		return true
	}
	return false
}
