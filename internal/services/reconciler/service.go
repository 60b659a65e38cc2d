package reconciler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/agnosco/internal/interfaces"
	"github.com/ternarybob/agnosco/internal/models"
	"github.com/ternarybob/agnosco/internal/observability"
	"github.com/ternarybob/arbor"
	"golang.org/x/sync/errgroup"
)

// Config holds the reconciliation timings.
type Config struct {
	// SweepInterval is the cadence of the reconciliation pass.
	SweepInterval time.Duration
	// SafetyMargin is the minimum job age before the worker is polled.
	SafetyMargin time.Duration
	// ForceTimeout is the absolute age ceiling; past it a job is failed
	// regardless of worker state.
	ForceTimeout time.Duration
	// UnknownGrace is how long unknown or erroring worker status is
	// tolerated before escalating to failure.
	UnknownGrace time.Duration
	// CleanupGrace is how long terminal records linger before eviction.
	CleanupGrace time.Duration
	// ProgressThrottle caps the rate of poll-driven progress events.
	ProgressThrottle time.Duration
	// QueryTimeout bounds each individual worker call.
	QueryTimeout time.Duration
	// SweepConcurrency caps concurrent worker polls within one pass.
	SweepConcurrency int
}

// watchState is the reconciler's per-job bookkeeping between sweeps.
type watchState struct {
	unknownSince      time.Time
	lastProgressEvent time.Time
}

// Service is the polling backstop behind the callback fast path.
//
// Every sweep walks the active jobs: jobs past the force timeout are failed
// outright, jobs younger than the safety margin are left alone, and the rest
// get a status poll. A poll that finds the worker finished is a
// missed-callback recovery; the result is fetched and the job completed
// through the same transition path a callback would use, so whichever side
// arrives second is a no-op.
type Service struct {
	store       interfaces.JobStore
	worker      interfaces.WorkerClient
	broadcaster interfaces.Broadcaster
	metrics     *observability.Metrics
	logger      arbor.ILogger
	cfg         Config

	cron *cron.Cron

	mu      sync.Mutex
	watches map[string]*watchState
}

// NewService creates a polling reconciler
func NewService(
	store interfaces.JobStore,
	worker interfaces.WorkerClient,
	broadcaster interfaces.Broadcaster,
	metrics *observability.Metrics,
	logger arbor.ILogger,
	cfg Config,
) *Service {
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = 5 * time.Second
	}
	if cfg.SweepConcurrency <= 0 {
		cfg.SweepConcurrency = 8
	}
	return &Service{
		store:       store,
		worker:      worker,
		broadcaster: broadcaster,
		metrics:     metrics,
		logger:      logger,
		cfg:         cfg,
		watches:     make(map[string]*watchState),
	}
}

// Start schedules the recurring sweep.
func (s *Service) Start() error {
	s.cron = cron.New()

	schedule := fmt.Sprintf("@every %s", s.cfg.SweepInterval)
	if _, err := s.cron.AddFunc(schedule, func() {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error().Str("panic", fmt.Sprintf("%v", r)).Msg("Reconciliation sweep panicked")
			}
		}()
		s.sweep(context.Background())
	}); err != nil {
		return fmt.Errorf("failed to schedule reconciliation sweep: %w", err)
	}

	s.cron.Start()
	s.logger.Info().
		Str("interval", s.cfg.SweepInterval.String()).
		Str("force_timeout", s.cfg.ForceTimeout.String()).
		Msg("Polling reconciler started")
	return nil
}

// Stop halts the sweep scheduler and waits for a running pass to finish.
func (s *Service) Stop() {
	if s.cron != nil {
		ctx := s.cron.Stop()
		<-ctx.Done()
	}
}

// Watch arms reconciliation bookkeeping for a job. The sweep discovers
// active jobs from the store regardless, so a missing Watch only costs the
// per-job throttle state.
func (s *Service) Watch(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.watches[jobID]; !ok {
		s.watches[jobID] = &watchState{}
	}
}

// sweep runs one reconciliation pass followed by terminal-record cleanup.
func (s *Service) sweep(ctx context.Context) {
	start := time.Now()

	jobs, err := s.store.ListActive(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to list active jobs for sweep")
		return
	}

	// Bounded concurrency so one slow worker call cannot hold up the rest
	// of the pass.
	g := &errgroup.Group{}
	g.SetLimit(s.cfg.SweepConcurrency)
	for _, job := range jobs {
		j := job
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error().
						Str("job_id", j.ID).
						Str("panic", fmt.Sprintf("%v", r)).
						Msg("Job reconciliation panicked")
				}
			}()
			s.reconcile(ctx, j)
			return nil
		})
	}
	g.Wait()

	s.cleanup(ctx)

	if s.metrics != nil {
		s.metrics.SweepDuration.Observe(time.Since(start).Seconds())
	}
}

// reconcile applies the per-job decision ladder for one sweep tick.
func (s *Service) reconcile(ctx context.Context, job *models.Job) {
	elapsed := time.Since(job.CreatedAt)

	if elapsed > s.cfg.ForceTimeout {
		s.forceTimeout(ctx, job, elapsed)
		return
	}
	if elapsed < s.cfg.SafetyMargin {
		// The worker gets a grace period before being queried at all.
		return
	}

	if job.ExternalID == "" {
		// Submission round-trip never finished; nothing to poll yet.
		s.noteUnknown(ctx, job, "no worker id bound")
		return
	}

	qctx, cancel := context.WithTimeout(ctx, s.cfg.QueryTimeout)
	status, err := s.worker.GetStatus(qctx, job.ExternalID)
	cancel()
	if err != nil {
		s.noteUnknown(ctx, job, err.Error())
		return
	}

	switch status.Status {
	case interfaces.WorkerStatusCompleted:
		s.recoverCompletion(ctx, job, status.Result)
	case interfaces.WorkerStatusProcessing:
		s.noteProgress(job, elapsed)
	case interfaces.WorkerStatusFailed:
		msg := status.ErrorMessage
		if msg == "" {
			msg = "Worker: recognition failed without detail"
		}
		s.fail(ctx, job.ID, msg, "worker")
	default:
		s.noteUnknown(ctx, job, fmt.Sprintf("unrecognized worker status %q", status.Status))
	}
}

// recoverCompletion handles the missed-callback path: the worker finished
// but no callback landed. Fetch the result unless the status poll inlined
// it, then complete through the standard transition.
func (s *Service) recoverCompletion(ctx context.Context, job *models.Job, inline *models.JobResult) {
	result := inline
	if result == nil {
		qctx, cancel := context.WithTimeout(ctx, s.cfg.QueryTimeout)
		fetched, err := s.worker.GetResult(qctx, job.ExternalID)
		cancel()
		if err != nil {
			// Result endpoint flaked; the next sweep retries.
			s.noteUnknown(ctx, job, fmt.Sprintf("result fetch failed: %v", err))
			return
		}
		result = fetched
	}

	updated, err := s.store.Transition(ctx, job.ID, models.JobStatusCompleted, result, "")
	if err != nil {
		if err == interfaces.ErrAlreadyTerminal {
			// A callback won the race. Fine either way.
			s.clearWatch(job.ID)
			return
		}
		s.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to apply poll-detected completion")
		return
	}

	if s.metrics != nil {
		s.metrics.JobsCompleted.WithLabelValues("poll").Inc()
	}
	s.logger.Info().
		Str("job_id", job.ID).
		Int("answers", len(result.Answers)).
		Msg("Missed callback recovered via polling")

	s.broadcaster.Publish(&models.Event{
		Type: models.EventCompleted,
		ID:   job.ID,
		Payload: models.CompletedPayload{
			Answers:  updated.Result.Answers,
			Metadata: updated.Result.Metadata,
		},
		Terminal: true,
	})
	s.clearWatch(job.ID)
}

// noteProgress clears any unknown-status streak and emits a throttled
// still-processing event.
func (s *Service) noteProgress(job *models.Job, elapsed time.Duration) {
	s.mu.Lock()
	w, ok := s.watches[job.ID]
	if !ok {
		w = &watchState{}
		s.watches[job.ID] = w
	}
	w.unknownSince = time.Time{}

	publish := false
	if s.cfg.ProgressThrottle <= 0 || time.Since(w.lastProgressEvent) >= s.cfg.ProgressThrottle {
		w.lastProgressEvent = time.Now()
		publish = true
	}
	s.mu.Unlock()

	if publish {
		s.broadcaster.Publish(&models.Event{
			Type: models.EventStatusChange,
			ID:   job.ID,
			Payload: models.StatusChangePayload{
				Status:  models.JobStatusProcessing,
				Message: fmt.Sprintf("still processing after %s", elapsed.Round(time.Second)),
			},
		})
	}
}

// noteUnknown tracks an unknown-status streak and escalates to failure once
// it outlives the grace window. Transient query failures are absorbed here;
// a single flaky poll never fails a job.
func (s *Service) noteUnknown(ctx context.Context, job *models.Job, reason string) {
	s.mu.Lock()
	w, ok := s.watches[job.ID]
	if !ok {
		w = &watchState{}
		s.watches[job.ID] = w
	}
	if w.unknownSince.IsZero() {
		w.unknownSince = time.Now()
		s.mu.Unlock()
		s.logger.Debug().
			Str("job_id", job.ID).
			Str("reason", reason).
			Msg("Worker status unknown, starting grace window")
		return
	}
	expired := time.Since(w.unknownSince) >= s.cfg.UnknownGrace
	s.mu.Unlock()

	if expired {
		s.fail(ctx, job.ID,
			fmt.Sprintf("Unknown status: worker state unavailable for %s (%s)", s.cfg.UnknownGrace, reason),
			"unknown_status")
	}
}

// forceTimeout is the absolute ceiling: nothing stays open past it.
func (s *Service) forceTimeout(ctx context.Context, job *models.Job, elapsed time.Duration) {
	s.logger.Warn().
		Str("job_id", job.ID).
		Str("elapsed", elapsed.Round(time.Second).String()).
		Msg("Job exceeded force timeout")
	s.fail(ctx, job.ID,
		fmt.Sprintf("Timeout: no result after %s", s.cfg.ForceTimeout),
		"timeout")
}

func (s *Service) fail(ctx context.Context, jobID, msg, reason string) {
	if _, err := s.store.Transition(ctx, jobID, models.JobStatusFailed, nil, msg); err != nil {
		if err == interfaces.ErrAlreadyTerminal {
			s.clearWatch(jobID)
			return
		}
		s.logger.Error().Err(err).Str("job_id", jobID).Msg("Failed to apply failure transition")
		return
	}

	if s.metrics != nil {
		s.metrics.JobsFailed.WithLabelValues(reason).Inc()
	}

	s.broadcaster.Publish(&models.Event{
		Type:     models.EventFailed,
		ID:       jobID,
		Payload:  models.FailedPayload{ErrorMessage: msg},
		Terminal: true,
	})
	s.clearWatch(jobID)
}

// cleanup evicts terminal records whose grace period has passed and tears
// down any stream still attached to them.
func (s *Service) cleanup(ctx context.Context) {
	jobs, err := s.store.ListTerminal(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to list terminal jobs for cleanup")
		return
	}

	cutoff := time.Now().Add(-s.cfg.CleanupGrace)
	for _, job := range jobs {
		if job.CompletedAt == nil || job.CompletedAt.After(cutoff) {
			continue
		}
		s.broadcaster.CloseStream(job.ID)
		if err := s.store.Remove(ctx, job.ID); err != nil {
			s.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to evict terminal job")
			continue
		}
		s.clearWatch(job.ID)
		s.logger.Debug().Str("job_id", job.ID).Msg("Terminal job evicted after grace period")
	}
}

func (s *Service) clearWatch(jobID string) {
	s.mu.Lock()
	delete(s.watches, jobID)
	s.mu.Unlock()
}
