// ABOUTME: OpenAI-style API handlers: model listing and chat completions.
// ABOUTME: Streams SSE chunks or aggregates one JSON body; maps pipeline errors to statuses.

package server

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/2389/arena-bridge/internal/broker"
	"github.com/2389/arena-bridge/internal/filebed"
	"github.com/2389/arena-bridge/internal/mapper"
	"github.com/2389/arena-bridge/internal/tunnel"
)

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

type errorBody struct {
	Error apiError `json:"error"`
}

type modelEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

type modelList struct {
	Object string       `json:"object"`
	Data   []modelEntry `json:"data"`
}

type chunkDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

type chunkChoice struct {
	Index        int        `json:"index"`
	Delta        chunkDelta `json:"delta"`
	FinishReason *string    `json:"finish_reason"`
}

type completionChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []chunkChoice `json:"choices"`
}

type completionMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type completionChoice struct {
	Index        int               `json:"index"`
	Message      completionMessage `json:"message"`
	FinishReason string            `json:"finish_reason"`
}

type completionUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type completion struct {
	ID      string             `json:"id"`
	Object  string             `json:"object"`
	Created int64              `json:"created"`
	Model   string             `json:"model"`
	Choices []completionChoice `json:"choices"`
	Usage   completionUsage    `json:"usage"`
}

// requireAPIKey enforces "Authorization: Bearer <key>" against the
// configured server key.
func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.Server.APIKey)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid or missing API key", "authentication_error", "invalid_api_key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handleModels returns the configured model table as an OpenAI model list.
func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	names := s.mapper.Models()
	if len(names) == 0 {
		writeError(w, http.StatusNotFound, "no models configured, fill in the model table file", "invalid_request_error", "no_models")
		return
	}

	created := time.Now().Unix()
	data := make([]modelEntry, 0, len(names))
	for _, name := range names {
		data = append(data, modelEntry{
			ID:      name,
			Object:  "model",
			Created: created,
			OwnedBy: "arena-bridge",
		})
	}
	writeJSON(w, http.StatusOK, modelList{Object: "list", Data: data})
}

// handleChatCompletions runs one chat request through the broker and shapes
// the event stream into either SSE chunks or a single completion body.
func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req broker.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error(), "invalid_request_error", "invalid_body")
		return
	}

	events, err := s.broker.Chat(r.Context(), req)
	if err != nil {
		s.writeBrokerError(w, err)
		return
	}

	id := "chatcmpl-" + uuid.NewString()
	if req.Stream {
		s.streamCompletion(w, id, req.Model, events)
		return
	}
	s.collectCompletion(w, id, req.Model, events)
}

// streamCompletion writes the event stream as OpenAI SSE chunks. Errors
// after this point arrive with headers already sent, so they surface as an
// error event before the [DONE] sentinel rather than as a status code.
func (s *Server) streamCompletion(w http.ResponseWriter, id, model string, events <-chan broker.Event) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported by connection", "internal_error", "streaming_unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for ev := range events {
		switch ev.Kind {
		case broker.EventContent:
			writeSSE(w, flusher, contentChunk(id, model, ev.Text))
		case broker.EventDone:
			writeSSE(w, flusher, finishChunk(id, model, ev.Reason))
		case broker.EventError:
			_, errType, code := classifyError(ev.Err)
			s.logger.Error("stream failed", "id", id, "error", ev.Err)
			writeSSE(w, flusher, errorBody{Error: apiError{Message: ev.Err.Error(), Type: errType, Code: code}})
		}
	}

	_, _ = fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

// collectCompletion aggregates the event stream into one completion body.
func (s *Server) collectCompletion(w http.ResponseWriter, id, model string, events <-chan broker.Event) {
	var content strings.Builder
	reason := "stop"

	for ev := range events {
		switch ev.Kind {
		case broker.EventContent:
			content.WriteString(ev.Text)
		case broker.EventDone:
			if ev.Reason != "" {
				reason = ev.Reason
			}
		case broker.EventError:
			s.writeBrokerError(w, ev.Err)
			return
		}
	}

	text := content.String()
	writeJSON(w, http.StatusOK, completion{
		ID:      id,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []completionChoice{{
			Index:        0,
			Message:      completionMessage{Role: "assistant", Content: text},
			FinishReason: reason,
		}},
		Usage: completionUsage{
			PromptTokens:     0,
			CompletionTokens: len(text) / 4,
			TotalTokens:      len(text) / 4,
		},
	})
}

func contentChunk(id, model, content string) completionChunk {
	return completionChunk{
		ID:      id,
		Object:  "chat.completion.chunk",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []chunkChoice{{Index: 0, Delta: chunkDelta{Content: content}}},
	}
}

func finishChunk(id, model, reason string) completionChunk {
	if reason == "" {
		reason = "stop"
	}
	return completionChunk{
		ID:      id,
		Object:  "chat.completion.chunk",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []chunkChoice{{Index: 0, Delta: chunkDelta{}, FinishReason: &reason}},
	}
}

// classifyError maps a pipeline error onto an HTTP status and an
// OpenAI-style error type and code.
func classifyError(err error) (status int, errType, code string) {
	switch {
	case errors.Is(err, mapper.ErrModelNotFound):
		return http.StatusNotFound, "invalid_request_error", "model_not_found"
	case errors.Is(err, mapper.ErrNoSessionConfigured):
		return http.StatusBadRequest, "invalid_request_error", "no_session_configured"
	case errors.Is(err, broker.ErrEmptyMessageChain):
		return http.StatusBadRequest, "invalid_request_error", "empty_message_chain"
	case errors.Is(err, broker.ErrAttachmentTooLarge), errors.Is(err, filebed.ErrTooLarge):
		return http.StatusRequestEntityTooLarge, "invalid_request_error", "attachment_too_large"
	case errors.Is(err, broker.ErrTimeout):
		return http.StatusRequestTimeout, "timeout_error", "stream_timeout"
	case errors.Is(err, tunnel.ErrConnectionUnavailable):
		return http.StatusServiceUnavailable, "service_unavailable_error", "tunnel_unavailable"
	case errors.Is(err, tunnel.ErrTunnelLost):
		return http.StatusServiceUnavailable, "service_unavailable_error", "tunnel_lost"
	case errors.Is(err, broker.ErrUpstream):
		return http.StatusBadGateway, "upstream_error", "provider_error"
	default:
		return http.StatusInternalServerError, "internal_error", "internal_error"
	}
}

// writeBrokerError logs a pipeline failure and writes its mapped status.
func (s *Server) writeBrokerError(w http.ResponseWriter, err error) {
	status, errType, code := classifyError(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "status", status, "error", err)
	} else {
		s.logger.Warn("request rejected", "status", status, "error", err)
	}
	writeError(w, status, err.Error(), errType, code)
}

// writeSSE marshals one value as a data event and flushes it.
func writeSSE(w http.ResponseWriter, flusher http.Flusher, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	_, _ = fmt.Fprintf(w, "data: %s\n\n", data)
	flusher.Flush()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message, errType, code string) {
	writeJSON(w, status, errorBody{Error: apiError{Message: message, Type: errType, Code: code}})
}
