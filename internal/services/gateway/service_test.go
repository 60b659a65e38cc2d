package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/ternarybob/agnosco/internal/common"
	"github.com/ternarybob/agnosco/internal/interfaces"
	"github.com/ternarybob/agnosco/internal/models"
	"github.com/ternarybob/agnosco/internal/storage/badger"
	"github.com/ternarybob/arbor"
)

// pngBytes returns a minimal payload that sniffs as image/png.
func pngBytes(size int) []byte {
	data := make([]byte, size)
	copy(data, []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'})
	return data
}

type fakeWorker struct {
	submitErr  error
	externalID string
	submitted  int
}

func (f *fakeWorker) Submit(ctx context.Context, req *interfaces.SubmitRequest) (*interfaces.SubmitResponse, error) {
	f.submitted++
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	return &interfaces.SubmitResponse{ExternalID: f.externalID}, nil
}

func (f *fakeWorker) GetStatus(ctx context.Context, externalID string) (*interfaces.StatusResponse, error) {
	return &interfaces.StatusResponse{Status: interfaces.WorkerStatusProcessing}, nil
}

func (f *fakeWorker) GetResult(ctx context.Context, externalID string) (*models.JobResult, error) {
	return &models.JobResult{}, nil
}

func (f *fakeWorker) SubmitBatch(ctx context.Context, reqs []*interfaces.SubmitRequest) (*interfaces.BatchSubmitResponse, error) {
	return &interfaces.BatchSubmitResponse{ExternalID: "ext-batch"}, nil
}

func (f *fakeWorker) GetBatchProgress(ctx context.Context, externalID string) (*interfaces.BatchProgressResponse, error) {
	return &interfaces.BatchProgressResponse{}, nil
}

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

type fakeWatcher struct {
	mu      sync.Mutex
	watched []string
}

func (f *fakeWatcher) Watch(jobID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.watched = append(f.watched, jobID)
}

func newTestStore(t *testing.T) interfaces.JobStore {
	t.Helper()
	logger := arbor.NewLogger()
	db, err := badger.NewBadgerDB(logger, &common.BadgerConfig{Path: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return badger.NewJobStore(db, logger)
}

func newTestService(t *testing.T, worker *fakeWorker) (*Service, interfaces.JobStore, *fakeBroadcaster, *fakeWatcher) {
	store := newTestStore(t)
	broadcaster := &fakeBroadcaster{}
	watcher := &fakeWatcher{}
	svc := NewService(store, worker, broadcaster, watcher, nil, arbor.NewLogger(), 20*1024*1024)
	return svc, store, broadcaster, watcher
}

func validParams() *SubmitParams {
	return &SubmitParams{
		Filename:    "exam.png",
		CallbackURL: "http://client.example/callback",
		Priority:    5,
		UseCache:    true,
	}
}

func TestSubmitSuccess(t *testing.T) {
	worker := &fakeWorker{externalID: "ext-1"}
	svc, store, broadcaster, watcher := newTestService(t, worker)

	ack, err := svc.Submit(context.Background(), pngBytes(2048), validParams())
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if ack.JobID == "" || ack.Status != models.JobStatusSubmitted {
		t.Errorf("unexpected ack: %+v", ack)
	}
	if ack.EstimatedCompletionTime.Before(ack.SubmittedAt) {
		t.Error("estimated completion precedes submission time")
	}

	job, err := store.Get(context.Background(), ack.JobID)
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != models.JobStatusProcessing {
		t.Errorf("job status %s, want processing", job.Status)
	}
	if job.ExternalID != "ext-1" {
		t.Errorf("external id %q, want ext-1", job.ExternalID)
	}

	if len(watcher.watched) != 1 || watcher.watched[0] != ack.JobID {
		t.Errorf("watch not armed for job: %v", watcher.watched)
	}

	events := broadcaster.published()
	if len(events) != 1 || events[0].Type != models.EventStatusChange {
		t.Errorf("expected one status_change event, got %v", events)
	}
}

func TestSubmitRejectsNonImage(t *testing.T) {
	svc, store, _, watcher := newTestService(t, &fakeWorker{externalID: "ext-1"})

	params := validParams()
	params.Filename = "notes.txt"
	_, err := svc.Submit(context.Background(), []byte("these are plain text notes, not an image"), params)

	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}

	// No job record may exist after a synchronous rejection
	jobs, err := store.List(context.Background(), "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 0 {
		t.Errorf("found %d job records after rejected submission", len(jobs))
	}
	if len(watcher.watched) != 0 {
		t.Error("watch armed for rejected submission")
	}
}

func TestSubmitValidation(t *testing.T) {
	svc, _, _, _ := newTestService(t, &fakeWorker{externalID: "ext-1"})

	tests := []struct {
		name   string
		data   []byte
		mutate func(*SubmitParams)
	}{
		{"empty file", nil, func(p *SubmitParams) {}},
		{"missing callback url", pngBytes(64), func(p *SubmitParams) { p.CallbackURL = "" }},
		{"malformed callback url", pngBytes(64), func(p *SubmitParams) { p.CallbackURL = "not a url" }},
		{"priority too high", pngBytes(64), func(p *SubmitParams) { p.Priority = 11 }},
		{"priority too low", pngBytes(64), func(p *SubmitParams) { p.Priority = -1 }},
		{"oversized file", pngBytes(21 * 1024 * 1024), func(p *SubmitParams) {}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			params := validParams()
			tt.mutate(params)
			_, err := svc.Submit(context.Background(), tt.data, params)
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Errorf("expected ValidationError, got %v", err)
			}
		})
	}
}

func TestSubmitWorkerRejection(t *testing.T) {
	worker := &fakeWorker{submitErr: fmt.Errorf("worker unavailable")}
	svc, store, broadcaster, watcher := newTestService(t, worker)

	_, err := svc.Submit(context.Background(), pngBytes(2048), validParams())
	if err == nil {
		t.Fatal("expected error from worker rejection")
	}
	var verr *ValidationError
	if errors.As(err, &verr) {
		t.Fatal("worker rejection must not surface as validation error")
	}

	// The job exists and is failed, observable via status endpoint
	jobs, err := store.List(context.Background(), models.JobStatusFailed, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 1 {
		t.Fatalf("expected one failed job, got %d", len(jobs))
	}
	if jobs[0].Error == "" {
		t.Error("failed job missing error message")
	}

	if len(watcher.watched) != 0 {
		t.Error("watch armed for failed submission")
	}

	events := broadcaster.published()
	if len(events) != 1 || events[0].Type != models.EventFailed || !events[0].Terminal {
		t.Errorf("expected one terminal failed event, got %v", events)
	}
}

func TestSubmitDefaultPriority(t *testing.T) {
	worker := &fakeWorker{externalID: "ext-1"}
	svc, store, _, _ := newTestService(t, worker)

	params := validParams()
	params.Priority = 0 // unset, should default to 5
	ack, err := svc.Submit(context.Background(), pngBytes(64), params)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	job, _ := store.Get(context.Background(), ack.JobID)
	if job.Priority != 5 {
		t.Errorf("priority %d, want default 5", job.Priority)
	}
}
