package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ternarybob/agnosco/internal/common"
	"github.com/ternarybob/agnosco/internal/interfaces"
	"github.com/ternarybob/agnosco/internal/models"
	"github.com/ternarybob/agnosco/internal/services/callback"
	"github.com/ternarybob/agnosco/internal/services/gateway"
	"github.com/ternarybob/agnosco/internal/storage/badger"
	"github.com/ternarybob/arbor"
)

type fakeWorker struct{ externalID string }

func (f *fakeWorker) Submit(ctx context.Context, req *interfaces.SubmitRequest) (*interfaces.SubmitResponse, error) {
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

type fakeBroadcaster struct{}

func (f *fakeBroadcaster) Subscribe(id string) *interfaces.Subscription { return &interfaces.Subscription{ID: id} }
func (f *fakeBroadcaster) Unsubscribe(sub *interfaces.Subscription)     {}
func (f *fakeBroadcaster) Publish(event *models.Event)                  {}
func (f *fakeBroadcaster) CloseStream(id string)                        {}

type fakeWatcher struct{}

func (f *fakeWatcher) Watch(jobID string) {}

func newTestHandler(t *testing.T) (*JobHandler, interfaces.JobStore) {
	t.Helper()
	logger := arbor.NewLogger()
	db, err := badger.NewBadgerDB(logger, &common.BadgerConfig{Path: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	store := badger.NewJobStore(db, logger)
	broadcaster := &fakeBroadcaster{}
	gw := gateway.NewService(store, &fakeWorker{externalID: "ext-1"}, broadcaster, &fakeWatcher{}, nil, logger, 20*1024*1024)
	cb := callback.NewService(store, broadcaster, nil, logger)
	return NewJobHandler(gw, cb, store, 20*1024*1024, logger), store
}

func seedJob(t *testing.T, store interfaces.JobStore, id string, status models.JobStatus) {
	t.Helper()
	now := time.Now().UTC()
	job := &models.Job{
		ID:          id,
		ExternalID:  "ext-" + id,
		Status:      models.JobStatusSubmitted,
		CallbackURL: "http://client.example/callback",
		Priority:    5,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := store.Create(context.Background(), job); err != nil {
		t.Fatal(err)
	}
	if status == models.JobStatusSubmitted {
		return
	}
	if _, err := store.Transition(context.Background(), id, models.JobStatusProcessing, nil, ""); err != nil {
		t.Fatal(err)
	}
	if status == models.JobStatusProcessing {
		return
	}
	var result *models.JobResult
	if status == models.JobStatusCompleted {
		result = &models.JobResult{Answers: []models.Answer{{QuestionNumber: 1, ExtractedText: "42", Confidence: 0.9}}}
	}
	if _, err := store.Transition(context.Background(), id, status, result, "boom"); err != nil {
		t.Fatal(err)
	}
}

func multipartUpload(t *testing.T, fields map[string]string, filename string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	if filename != "" {
		part, err := writer.CreateFormFile("file", filename)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := part.Write(data); err != nil {
			t.Fatal(err)
		}
	}
	for key, value := range fields {
		writer.WriteField(key, value)
	}
	writer.Close()
	return body, writer.FormDataContentType()
}

func pngBytes(size int) []byte {
	data := make([]byte, size)
	copy(data, []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'})
	return data
}

func TestSubmitEndpointAccepts(t *testing.T) {
	handler, _ := newTestHandler(t)

	body, contentType := multipartUpload(t, map[string]string{
		"callbackUrl": "http://client.example/callback",
		"priority":    "7",
	}, "exam.png", pngBytes(512))

	req := httptest.NewRequest(http.MethodPost, "/jobs", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	handler.SubmitHandler(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status %d, body %s", rec.Code, rec.Body.String())
	}
	var ack gateway.Ack
	if err := json.Unmarshal(rec.Body.Bytes(), &ack); err != nil {
		t.Fatal(err)
	}
	if ack.JobID == "" || !strings.HasPrefix(ack.JobID, "job_") {
		t.Errorf("ack job id %q", ack.JobID)
	}
}

func TestSubmitEndpointRejectsMissingFile(t *testing.T) {
	handler, _ := newTestHandler(t)

	body, contentType := multipartUpload(t, map[string]string{
		"callbackUrl": "http://client.example/callback",
	}, "", nil)

	req := httptest.NewRequest(http.MethodPost, "/jobs", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	handler.SubmitHandler(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status %d, want 400", rec.Code)
	}
}

func TestSubmitEndpointRejectsMissingCallbackURL(t *testing.T) {
	handler, _ := newTestHandler(t)

	body, contentType := multipartUpload(t, nil, "exam.png", pngBytes(512))

	req := httptest.NewRequest(http.MethodPost, "/jobs", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	handler.SubmitHandler(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status %d, want 400", rec.Code)
	}
}

func TestSubmitEndpointMethodNotAllowed(t *testing.T) {
	handler, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/jobs", nil)
	rec := httptest.NewRecorder()
	handler.SubmitHandler(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status %d, want 405", rec.Code)
	}
}

func TestStatusEndpoint(t *testing.T) {
	handler, store := newTestHandler(t)
	seedJob(t, store, "job-1", models.JobStatusProcessing)

	req := httptest.NewRequest(http.MethodGet, "/jobs/job-1", nil)
	rec := httptest.NewRecorder()
	handler.StatusHandler(rec, req, "job-1")

	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	var resp jobStatusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.JobID != "job-1" || resp.Status != models.JobStatusProcessing {
		t.Errorf("unexpected response %+v", resp)
	}
}

func TestStatusEndpointUnknownJob(t *testing.T) {
	handler, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/jobs/job-gone", nil)
	rec := httptest.NewRecorder()
	handler.StatusHandler(rec, req, "job-gone")

	if rec.Code != http.StatusNotFound {
		t.Errorf("status %d, want 404", rec.Code)
	}
}

func TestResultEndpointBeforeCompletion(t *testing.T) {
	handler, store := newTestHandler(t)
	seedJob(t, store, "job-1", models.JobStatusProcessing)

	req := httptest.NewRequest(http.MethodGet, "/jobs/job-1/result", nil)
	rec := httptest.NewRecorder()
	handler.ResultHandler(rec, req, "job-1")

	if rec.Code != http.StatusConflict {
		t.Errorf("status %d, want 409 while processing", rec.Code)
	}
}

func TestResultEndpointAfterCompletion(t *testing.T) {
	handler, store := newTestHandler(t)
	seedJob(t, store, "job-1", models.JobStatusCompleted)

	req := httptest.NewRequest(http.MethodGet, "/jobs/job-1/result", nil)
	rec := httptest.NewRecorder()
	handler.ResultHandler(rec, req, "job-1")

	if rec.Code != http.StatusOK {
		t.Fatalf("status %d, body %s", rec.Code, rec.Body.String())
	}
	var result models.JobResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatal(err)
	}
	if len(result.Answers) != 1 {
		t.Errorf("answers %d, want 1", len(result.Answers))
	}
}

func TestCallbackEndpointUnknownJobStill2xx(t *testing.T) {
	handler, _ := newTestHandler(t)

	payload := `{"status":"completed","answers":[{"questionNumber":1,"extractedText":"x","confidence":0.9}]}`
	req := httptest.NewRequest(http.MethodPost, "/jobs/job-gone/callback", strings.NewReader(payload))
	rec := httptest.NewRecorder()
	handler.CallbackHandler(rec, req, "job-gone")

	if rec.Code != http.StatusOK {
		t.Errorf("status %d, unknown-job callbacks must still be acknowledged", rec.Code)
	}
}

func TestCallbackEndpointMalformedBody(t *testing.T) {
	handler, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodPost, "/jobs/job-1/callback", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	handler.CallbackHandler(rec, req, "job-1")

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status %d, want 400 for malformed body", rec.Code)
	}
}

func TestCallbackEndpointCompletesJob(t *testing.T) {
	handler, store := newTestHandler(t)
	seedJob(t, store, "job-1", models.JobStatusProcessing)

	payload := `{"status":"completed","answers":[{"questionNumber":1,"extractedText":"7","confidence":0.95}],"metadata":{"processingTimeMs":800,"totalQuestionsDetected":1}}`
	req := httptest.NewRequest(http.MethodPost, "/jobs/job-1/callback", strings.NewReader(payload))
	rec := httptest.NewRecorder()
	handler.CallbackHandler(rec, req, "job-1")

	if rec.Code != http.StatusOK {
		t.Fatalf("status %d, body %s", rec.Code, rec.Body.String())
	}

	job, err := store.Get(context.Background(), "job-1")
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != models.JobStatusCompleted {
		t.Errorf("job status %s after callback", job.Status)
	}
}
