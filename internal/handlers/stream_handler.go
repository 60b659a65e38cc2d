package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/ternarybob/agnosco/internal/interfaces"
	"github.com/ternarybob/arbor"
)

// StreamHandler serves the per-id SSE streams for jobs and batches.
//
// One subscriber per id: a second client subscribing to the same id takes
// over the stream and the first client's connection unwinds when its channel
// closes. Streams end after the terminal event, on client disconnect, or at
// the broadcaster's lifetime ceiling.
type StreamHandler struct {
	broadcaster interfaces.Broadcaster
	jobs        interfaces.JobStore
	batches     interfaces.BatchStore
	logger      arbor.ILogger
}

// NewStreamHandler creates an SSE stream handler
func NewStreamHandler(broadcaster interfaces.Broadcaster, jobs interfaces.JobStore, batches interfaces.BatchStore, logger arbor.ILogger) *StreamHandler {
	return &StreamHandler{
		broadcaster: broadcaster,
		jobs:        jobs,
		batches:     batches,
		logger:      logger,
	}
}

// JobStreamHandler handles GET /jobs/{jobId}/stream.
func (h *StreamHandler) JobStreamHandler(w http.ResponseWriter, r *http.Request, jobID string) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	if _, err := h.jobs.Get(r.Context(), jobID); err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			WriteError(w, http.StatusNotFound, "Job not found")
			return
		}
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}

	h.serve(w, r, jobID)
}

// BatchProgressHandler handles GET /batches/{batchId}/progress.
func (h *StreamHandler) BatchProgressHandler(w http.ResponseWriter, r *http.Request, batchID string) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	if _, err := h.batches.Get(r.Context(), batchID); err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			WriteError(w, http.StatusNotFound, "Batch not found")
			return
		}
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}

	h.serve(w, r, batchID)
}

// serve pumps broadcaster events for id onto the response as SSE frames
// until the subscription channel closes or the client goes away.
func (h *StreamHandler) serve(w http.ResponseWriter, r *http.Request, id string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		WriteError(w, http.StatusInternalServerError, "Streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	sub := h.broadcaster.Subscribe(id)
	defer h.broadcaster.Unsubscribe(sub)

	h.logger.Debug().Str("id", id).Msg("SSE stream opened")

	for {
		select {
		case <-r.Context().Done():
			h.logger.Debug().Str("id", id).Msg("SSE client disconnected")
			return
		case event, open := <-sub.Events:
			if !open {
				// Terminal event delivered, replaced by a newer
				// subscriber, or lifetime ceiling reached.
				h.logger.Debug().Str("id", id).Msg("SSE stream closed by broadcaster")
				return
			}

			data, err := json.Marshal(event.Payload)
			if err != nil {
				h.logger.Warn().Err(err).Str("id", id).Msg("Failed to encode stream event")
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
			flusher.Flush()
		}
	}
}
