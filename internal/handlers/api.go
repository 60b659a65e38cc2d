package handlers

import (
	"net/http"
	"time"

	"github.com/ternarybob/agnosco/internal/common"
	"github.com/ternarybob/arbor"
)

// APIHandler serves the operational endpoints: health, version, shutdown.
type APIHandler struct {
	startTime time.Time
	shutdown  func()
	logger    arbor.ILogger
}

// NewAPIHandler creates an API handler. The shutdown function triggers a
// graceful process stop and may be nil when the endpoint is disabled.
func NewAPIHandler(shutdown func(), logger arbor.ILogger) *APIHandler {
	return &APIHandler{
		startTime: time.Now(),
		shutdown:  shutdown,
		logger:    logger,
	}
}

// HealthHandler reports process liveness.
func (h *APIHandler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"version": common.GetVersion(),
		"uptime":  time.Since(h.startTime).Round(time.Second).String(),
	})
}

// VersionHandler reports build information.
func (h *APIHandler) VersionHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	WriteJSON(w, http.StatusOK, map[string]string{
		"version": common.GetVersion(),
		"build":   common.Build,
		"commit":  common.GitCommit,
	})
}

// ShutdownHandler triggers a graceful shutdown.
func (h *APIHandler) ShutdownHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}
	if h.shutdown == nil {
		WriteError(w, http.StatusForbidden, "Shutdown endpoint disabled")
		return
	}

	h.logger.Info().Msg("Shutdown requested via API")
	WriteSuccess(w, "Shutting down")

	// Let the response flush before the listener goes away.
	go func() {
		time.Sleep(100 * time.Millisecond)
		h.shutdown()
	}()
}
