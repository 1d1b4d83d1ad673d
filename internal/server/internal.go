// ABOUTME: Internal side-channel handlers: session capture, catalog refresh, page reload.
// ABOUTME: Serves the operator CLI and the remote agent; exempt from bearer auth.

package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/2389/arena-bridge/internal/mapper"
	"github.com/2389/arena-bridge/internal/tunnel"
)

// CaptureResult is the most recently harvested session endpoint, kept for
// the operator CLI to poll after arming a capture.
type CaptureResult struct {
	Model      string    `json:"model"`
	SessionID  string    `json:"session_id"`
	MessageID  string    `json:"message_id"`
	CapturedAt time.Time `json:"captured_at"`
}

// handleCaptureStart arms session capture and tells the remote agent to
// start watching for ids. The armed model decides which pool the harvested
// pair lands in.
func (s *Server) handleCaptureStart(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Model string `json:"model"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error(), "invalid_request_error", "invalid_body")
		return
	}

	// Arm before sending so an immediate agent reply cannot race the state.
	s.mu.Lock()
	s.captureArmed = true
	s.captureModel = req.Model
	s.mu.Unlock()

	if err := s.tunnel.SendControl(tunnel.CommandStartCapture); err != nil {
		s.mu.Lock()
		s.captureArmed = false
		s.captureModel = ""
		s.mu.Unlock()
		writeError(w, http.StatusServiceUnavailable, "no tunnel connection", "service_unavailable_error", "tunnel_unavailable")
		return
	}

	s.logger.Info("session capture armed", "model", req.Model)
	writeJSON(w, http.StatusOK, map[string]any{"status": "armed", "model": req.Model})
}

// handleCaptureRecord receives a harvested session pair from the remote
// agent, persists it under the armed model's pool, and disarms. A pair
// arriving with nothing armed still lands in the default pool.
func (s *Server) handleCaptureRecord(w http.ResponseWriter, r *http.Request) {
	var entry mapper.PoolEntry
	if err := json.NewDecoder(r.Body).Decode(&entry); err != nil {
		writeError(w, http.StatusBadRequest, "invalid capture payload: "+err.Error(), "invalid_request_error", "invalid_body")
		return
	}
	if entry.SessionID == "" || entry.MessageID == "" {
		writeError(w, http.StatusBadRequest, "session_id and message_id are required", "invalid_request_error", "invalid_body")
		return
	}

	s.mu.Lock()
	armed := s.captureArmed
	model := s.captureModel
	s.mu.Unlock()

	if err := s.mapper.RecordCapture(model, entry); err != nil {
		s.logger.Error("persisting capture failed", "error", err)
		writeError(w, http.StatusInternalServerError, "persisting capture: "+err.Error(), "internal_error", "capture_failed")
		return
	}

	poolName := model
	if poolName == "" {
		poolName = mapper.DefaultPool
	}

	s.mu.Lock()
	s.captureArmed = false
	s.captureModel = ""
	s.lastCapture = &CaptureResult{
		Model:      poolName,
		SessionID:  entry.SessionID,
		MessageID:  entry.MessageID,
		CapturedAt: time.Now().UTC(),
	}
	s.mu.Unlock()

	s.logger.Info("session capture recorded", "model", poolName, "armed", armed)
	writeJSON(w, http.StatusOK, map[string]any{"status": "recorded", "model": poolName})
}

// handleCaptureLatest returns the most recent capture, or 404 before the
// first one arrives.
func (s *Server) handleCaptureLatest(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	last := s.lastCapture
	s.mu.Unlock()

	if last == nil {
		writeError(w, http.StatusNotFound, "no session captured yet", "invalid_request_error", "no_capture")
		return
	}
	writeJSON(w, http.StatusOK, last)
}

// handleModelsRefresh asks the remote agent for the provider page source.
// The agent answers out-of-band by posting the HTML to /internal/models/page.
func (s *Server) handleModelsRefresh(w http.ResponseWriter, r *http.Request) {
	if err := s.tunnel.SendControl(tunnel.CommandSendPageSource); err != nil {
		writeError(w, http.StatusServiceUnavailable, "no tunnel connection", "service_unavailable_error", "tunnel_unavailable")
		return
	}
	s.logger.Info("model page refresh requested")
	writeJSON(w, http.StatusOK, map[string]any{"status": "refresh requested"})
}

// handleModelsPage extracts model definitions from posted page HTML and
// rewrites the catalog file.
func (s *Server) handleModelsPage(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "reading page body: "+err.Error(), "invalid_request_error", "invalid_body")
		return
	}

	count, err := s.mapper.UpdateCatalog(string(body))
	if err != nil {
		if errors.Is(err, mapper.ErrNoModelsInPage) {
			writeError(w, http.StatusBadRequest, err.Error(), "invalid_request_error", "no_models_in_page")
			return
		}
		s.logger.Error("updating model catalog failed", "error", err)
		writeError(w, http.StatusInternalServerError, "updating catalog: "+err.Error(), "internal_error", "catalog_failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "models": count})
}

// handleReload asks the remote agent to reload the provider page.
func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if err := s.tunnel.SendControl(tunnel.CommandReload); err != nil {
		writeError(w, http.StatusServiceUnavailable, "no tunnel connection", "service_unavailable_error", "tunnel_unavailable")
		return
	}
	s.logger.Info("page reload requested")
	writeJSON(w, http.StatusOK, map[string]any{"status": "reload requested"})
}
