package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ternarybob/agnosco/internal/interfaces"
	"github.com/ternarybob/agnosco/internal/models"
	"github.com/ternarybob/agnosco/internal/services/callback"
	"github.com/ternarybob/agnosco/internal/services/gateway"
	"github.com/ternarybob/arbor"
)

// JobHandler serves the single-job endpoints: submission, status, result,
// inbound worker callback, and the operational list/stats views.
type JobHandler struct {
	gateway   *gateway.Service
	callbacks *callback.Service
	store     interfaces.JobStore
	logger    arbor.ILogger
	maxUpload int64
}

// NewJobHandler creates a job handler
func NewJobHandler(gw *gateway.Service, cb *callback.Service, store interfaces.JobStore, maxUpload int64, logger arbor.ILogger) *JobHandler {
	return &JobHandler{
		gateway:   gw,
		callbacks: cb,
		store:     store,
		logger:    logger,
		maxUpload: maxUpload,
	}
}

type jobStatusResponse struct {
	JobID       string           `json:"jobId"`
	Status      models.JobStatus `json:"status"`
	CreatedAt   time.Time        `json:"createdAt"`
	CompletedAt *time.Time       `json:"completedAt,omitempty"`
	Error       string           `json:"error,omitempty"`
}

// SubmitHandler handles POST /jobs: multipart image upload plus submission
// parameters.
func (h *JobHandler) SubmitHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	// Cap the request body; the form overhead rides on top of the image cap.
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload+1024*1024)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		WriteError(w, http.StatusBadRequest, "Invalid multipart form: "+err.Error())
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		WriteError(w, http.StatusBadRequest, "Missing file field")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		WriteError(w, http.StatusBadRequest, "Failed to read upload: "+err.Error())
		return
	}

	params := &gateway.SubmitParams{
		Filename:    header.Filename,
		CallbackURL: r.FormValue("callbackUrl"),
		Priority:    formInt(r, "priority", 5),
		UseCache:    formBool(r, "useCache", true),
	}

	ack, err := h.gateway.Submit(r.Context(), data, params)
	if err != nil {
		var verr *gateway.ValidationError
		if errors.As(err, &verr) {
			WriteError(w, http.StatusBadRequest, verr.Error())
			return
		}
		WriteError(w, http.StatusBadGateway, err.Error())
		return
	}

	WriteJSON(w, http.StatusAccepted, ack)
}

// StatusHandler handles GET /jobs/{jobId}.
func (h *JobHandler) StatusHandler(w http.ResponseWriter, r *http.Request, jobID string) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	job, err := h.store.Get(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			WriteError(w, http.StatusNotFound, "Job not found")
			return
		}
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}

	WriteJSON(w, http.StatusOK, jobStatusResponse{
		JobID:       job.ID,
		Status:      job.Status,
		CreatedAt:   job.CreatedAt,
		CompletedAt: job.CompletedAt,
		Error:       job.Error,
	})
}

// ResultHandler handles GET /jobs/{jobId}/result. Valid only for completed
// jobs.
func (h *JobHandler) ResultHandler(w http.ResponseWriter, r *http.Request, jobID string) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	job, err := h.store.Get(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			WriteError(w, http.StatusNotFound, "Job not found")
			return
		}
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if job.Status != models.JobStatusCompleted || job.Result == nil {
		WriteError(w, http.StatusConflict, "Result not available, job status is "+string(job.Status))
		return
	}

	WriteJSON(w, http.StatusOK, job.Result)
}

// CallbackHandler handles POST /jobs/{jobId}/callback from the worker.
// Answers 2xx even for unknown job ids so the worker never retries against
// a record this side already cleaned up. Only a malformed body earns a 400.
func (h *JobHandler) CallbackHandler(w http.ResponseWriter, r *http.Request, jobID string) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	var payload callback.Payload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		WriteError(w, http.StatusBadRequest, "Malformed callback body: "+err.Error())
		return
	}

	if err := h.callbacks.Handle(r.Context(), jobID, &payload); err != nil {
		h.logger.Error().Err(err).Str("job_id", jobID).Msg("Callback processing failed")
		WriteError(w, http.StatusInternalServerError, "Callback processing failed")
		return
	}

	WriteSuccess(w, "Callback accepted")
}

// ListHandler handles GET /api/jobs with optional status filter and limit.
func (h *JobHandler) ListHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	status := models.JobStatus(strings.TrimSpace(r.URL.Query().Get("status")))
	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	jobs, err := h.store.List(r.Context(), status, limit)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  jobs,
		"count": len(jobs),
	})
}

// StatsHandler handles GET /api/jobs/stats.
func (h *JobHandler) StatsHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	counts, err := h.store.CountByStatus(r.Context())
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}

	total := 0
	byStatus := make(map[string]int, len(counts))
	for status, count := range counts {
		byStatus[string(status)] = count
		total += count
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"total":     total,
		"by_status": byStatus,
	})
}

func formInt(r *http.Request, field string, fallback int) int {
	value := r.FormValue(field)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func formBool(r *http.Request, field string, fallback bool) bool {
	value := r.FormValue(field)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}
