package callback

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ternarybob/agnosco/internal/common"
	"github.com/ternarybob/agnosco/internal/interfaces"
	"github.com/ternarybob/agnosco/internal/models"
	"github.com/ternarybob/agnosco/internal/storage/badger"
	"github.com/ternarybob/arbor"
)

type fakeBroadcaster struct {
	mu     sync.Mutex
	events []*models.Event
}

func (f *fakeBroadcaster) Subscribe(id string) *interfaces.Subscription { return &interfaces.Subscription{ID: id} }
func (f *fakeBroadcaster) Unsubscribe(sub *interfaces.Subscription)     {}
func (f *fakeBroadcaster) CloseStream(id string)                        {}

func (f *fakeBroadcaster) Publish(event *models.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
}

func (f *fakeBroadcaster) published() []*models.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*models.Event, len(f.events))
	copy(out, f.events)
	return out
}

func newTestService(t *testing.T) (*Service, interfaces.JobStore, *fakeBroadcaster) {
	t.Helper()
	logger := arbor.NewLogger()
	db, err := badger.NewBadgerDB(logger, &common.BadgerConfig{Path: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	store := badger.NewJobStore(db, logger)
	broadcaster := &fakeBroadcaster{}
	return NewService(store, broadcaster, nil, logger), store, broadcaster
}

func seedProcessingJob(t *testing.T, store interfaces.JobStore, id string) {
	t.Helper()
	now := time.Now().UTC()
	if err := store.Create(context.Background(), &models.Job{
		ID:          id,
		ExternalID:  "ext-" + id,
		Status:      models.JobStatusSubmitted,
		CallbackURL: "http://client.example/callback",
		Priority:    5,
		CreatedAt:   now,
		UpdatedAt:   now,
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Transition(context.Background(), id, models.JobStatusProcessing, nil, ""); err != nil {
		t.Fatal(err)
	}
}

func completedPayload(answers int) *Payload {
	p := &Payload{Status: "completed", Metadata: &models.ResultMetadata{ProcessingTimeMs: 1200, TotalQuestionsDetected: answers}}
	for i := 1; i <= answers; i++ {
		p.Answers = append(p.Answers, models.Answer{QuestionNumber: i, ExtractedText: "x", Confidence: 0.9})
	}
	return p
}

func TestCallbackCompletesJob(t *testing.T) {
	svc, store, broadcaster := newTestService(t)
	seedProcessingJob(t, store, "job-1")

	if err := svc.Handle(context.Background(), "job-1", completedPayload(5)); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}

	job, err := store.Get(context.Background(), "job-1")
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != models.JobStatusCompleted {
		t.Errorf("status %s, want completed", job.Status)
	}
	if job.Result == nil || len(job.Result.Answers) != 5 {
		t.Error("result not stored")
	}

	events := broadcaster.published()
	if len(events) != 1 || events[0].Type != models.EventCompleted || !events[0].Terminal {
		t.Errorf("expected one terminal completed event, got %v", events)
	}
}

func TestCallbackIsIdempotent(t *testing.T) {
	svc, store, broadcaster := newTestService(t)
	seedProcessingJob(t, store, "job-1")

	payload := completedPayload(3)
	if err := svc.Handle(context.Background(), "job-1", payload); err != nil {
		t.Fatal(err)
	}
	// The identical callback again: no error, no second event, result intact
	if err := svc.Handle(context.Background(), "job-1", payload); err != nil {
		t.Fatalf("duplicate callback errored: %v", err)
	}

	job, _ := store.Get(context.Background(), "job-1")
	if job.Status != models.JobStatusCompleted || len(job.Result.Answers) != 3 {
		t.Error("record changed by duplicate callback")
	}

	if events := broadcaster.published(); len(events) != 1 {
		t.Errorf("expected exactly one event, got %d", len(events))
	}
}

func TestCallbackForUnknownJobIsIgnored(t *testing.T) {
	svc, _, broadcaster := newTestService(t)

	// Stale callback for a cleaned-up job: swallowed, never surfaced
	if err := svc.Handle(context.Background(), "job-gone", completedPayload(1)); err != nil {
		t.Fatalf("unknown job callback errored: %v", err)
	}
	if events := broadcaster.published(); len(events) != 0 {
		t.Errorf("events published for unknown job: %v", events)
	}
}

func TestCallbackFailsJob(t *testing.T) {
	svc, store, broadcaster := newTestService(t)
	seedProcessingJob(t, store, "job-1")

	err := svc.Handle(context.Background(), "job-1", &Payload{
		Status:       "failed",
		ErrorMessage: "Worker: image unreadable",
	})
	if err != nil {
		t.Fatal(err)
	}

	job, _ := store.Get(context.Background(), "job-1")
	if job.Status != models.JobStatusFailed {
		t.Errorf("status %s, want failed", job.Status)
	}
	if job.Error != "Worker: image unreadable" {
		t.Errorf("error message %q", job.Error)
	}

	events := broadcaster.published()
	if len(events) != 1 || events[0].Type != models.EventFailed {
		t.Errorf("expected one failed event, got %v", events)
	}
}

func TestCallbackUnrecognizedStatusIgnored(t *testing.T) {
	svc, store, _ := newTestService(t)
	seedProcessingJob(t, store, "job-1")

	if err := svc.Handle(context.Background(), "job-1", &Payload{Status: "resting"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	job, _ := store.Get(context.Background(), "job-1")
	if job.Status != models.JobStatusProcessing {
		t.Errorf("status changed by unrecognized callback: %s", job.Status)
	}
}
