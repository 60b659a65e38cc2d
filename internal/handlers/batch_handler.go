package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/ternarybob/agnosco/internal/interfaces"
	"github.com/ternarybob/agnosco/internal/services/batch"
	"github.com/ternarybob/agnosco/internal/services/gateway"
	"github.com/ternarybob/arbor"
)

// BatchHandler serves the batch submission and snapshot endpoints.
type BatchHandler struct {
	coordinator *batch.Coordinator
	logger      arbor.ILogger
	maxUpload   int64
	maxFiles    int
}

// NewBatchHandler creates a batch handler
func NewBatchHandler(coordinator *batch.Coordinator, maxUpload int64, maxFiles int, logger arbor.ILogger) *BatchHandler {
	return &BatchHandler{
		coordinator: coordinator,
		logger:      logger,
		maxUpload:   maxUpload,
		maxFiles:    maxFiles,
	}
}

// SubmitHandler handles POST /batches: multipart upload of up to the
// configured number of image files.
func (h *BatchHandler) SubmitHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload*int64(h.maxFiles)+1024*1024)
	if err := r.ParseMultipartForm(64 << 20); err != nil {
		WriteError(w, http.StatusBadRequest, "Invalid multipart form: "+err.Error())
		return
	}

	if r.MultipartForm == nil || len(r.MultipartForm.File["files"]) == 0 {
		WriteError(w, http.StatusBadRequest, "Missing files field")
		return
	}

	var files []*batch.File
	for _, header := range r.MultipartForm.File["files"] {
		f, err := header.Open()
		if err != nil {
			WriteError(w, http.StatusBadRequest, "Failed to open upload "+header.Filename)
			return
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			WriteError(w, http.StatusBadRequest, "Failed to read upload "+header.Filename)
			return
		}
		files = append(files, &batch.File{
			Filename: header.Filename,
			Data:     data,
		})
	}

	params := &batch.Params{
		Priority: formInt(r, "priority", 1),
		UseCache: formBool(r, "useCache", true),
	}

	ack, err := h.coordinator.Submit(r.Context(), files, params)
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

// StatusHandler handles GET /batches/{batchId}: the batch snapshot for
// clients that poll instead of streaming.
func (h *BatchHandler) StatusHandler(w http.ResponseWriter, r *http.Request, batchID string) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	b, err := h.coordinator.Get(r.Context(), batchID)
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			WriteError(w, http.StatusNotFound, "Batch not found")
			return
		}
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"batchId":            b.ID,
		"status":             b.Status,
		"totalItems":         b.TotalItems,
		"completedItems":     b.CompletedItems,
		"failedItems":        b.FailedItems,
		"progressPercentage": b.ProgressPercentage(),
		"createdAt":          b.CreatedAt,
		"completedAt":        b.CompletedAt,
	})
}
