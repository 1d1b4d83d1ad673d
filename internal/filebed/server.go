// ABOUTME: HTTP handlers for the file-bed blob service
// ABOUTME: JSON upload endpoint, static file serving, status, and expiry janitor

package filebed

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Server is the blob service: it accepts base64 uploads, serves them back
// over /uploads/, and expires them after the configured TTL.
type Server struct {
	cfg    Config
	store  *Store
	mux    *http.ServeMux
	logger *slog.Logger
}

// NewServer wires the handlers and ensures the upload directory exists.
func NewServer(cfg Config, store *Store, logger *slog.Logger) (*Server, error) {
	if err := os.MkdirAll(cfg.UploadDir, 0755); err != nil {
		return nil, fmt.Errorf("creating upload directory: %w", err)
	}

	s := &Server{
		cfg:    cfg,
		store:  store,
		mux:    http.NewServeMux(),
		logger: logger.With("component", "filebed"),
	}
	s.mux.HandleFunc("POST /upload", s.handleUpload)
	s.mux.HandleFunc("GET /uploads/{name}", s.handleDownload)
	s.mux.HandleFunc("GET /{$}", s.handleStatus)
	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

type uploadRequest struct {
	FileName string `json:"file_name"`
	FileData string `json:"file_data"`
	APIKey   string `json:"api_key"`
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	var req uploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if s.cfg.APIKey != "" {
		if subtle.ConstantTimeCompare([]byte(req.APIKey), []byte(s.cfg.APIKey)) != 1 {
			s.writeError(w, http.StatusUnauthorized, "invalid api key")
			return
		}
	}

	contentType, data, err := decodeDataURI(req.FileData)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if int64(len(data)) > s.cfg.MaxFileBytes {
		s.writeError(w, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("file exceeds the %d byte limit", s.cfg.MaxFileBytes))
		return
	}

	stored := storedName(req.FileName)
	path := filepath.Join(s.cfg.UploadDir, stored)
	if err := os.WriteFile(path, data, 0644); err != nil {
		s.logger.Error("writing upload failed", "name", stored, "error", err)
		s.writeError(w, http.StatusInternalServerError, "could not store file")
		return
	}

	now := time.Now()
	rec := FileRecord{
		Name:        stored,
		ContentType: contentType,
		Size:        int64(len(data)),
		CreatedAt:   now,
	}
	if s.cfg.FileTTL > 0 {
		rec.ExpiresAt = now.Add(s.cfg.FileTTL)
	}
	if err := s.store.Insert(r.Context(), rec); err != nil {
		os.Remove(path)
		s.logger.Error("recording upload failed", "name", stored, "error", err)
		s.writeError(w, http.StatusInternalServerError, "could not record file")
		return
	}

	s.logger.Info("stored upload", "name", stored, "size", len(data), "content_type", contentType)
	s.writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"filename": stored,
	})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if name == "" {
		http.NotFound(w, r)
		return
	}
	http.ServeFile(w, r, filepath.Join(s.cfg.UploadDir, filepath.Base(name)))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	count, err := s.store.Count(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "could not read store")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"service": "arena-filebed",
		"status":  "ok",
		"files":   count,
	})
}

// Janitor deletes expired uploads on a ticker until ctx is cancelled. The
// first sweep runs immediately so files orphaned by a previous run go too.
func (s *Server) Janitor(ctx context.Context) {
	s.sweep(ctx)

	ticker := time.NewTicker(s.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Server) sweep(ctx context.Context) {
	names, err := s.store.Expired(ctx, time.Now())
	if err != nil {
		s.logger.Error("querying expired uploads failed", "error", err)
		return
	}

	removed := 0
	for _, name := range names {
		path := filepath.Join(s.cfg.UploadDir, name)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			// Keep the row so the next sweep retries the file.
			s.logger.Warn("deleting expired file failed", "name", name, "error", err)
			continue
		}
		if err := s.store.Remove(ctx, name); err != nil {
			s.logger.Warn("deleting expired record failed", "name", name, "error", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		s.logger.Info("removed expired uploads", "count", removed)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("writing response failed", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]any{"success": false, "error": msg})
}

// decodeDataURI splits a "data:<type>;base64,<data>" payload. A bare
// base64 string without the prefix is accepted with an unknown type.
func decodeDataURI(raw string) (contentType string, data []byte, err error) {
	if raw == "" {
		return "", nil, fmt.Errorf("file_data is empty")
	}

	contentType = "application/octet-stream"
	encoded := raw
	if meta, rest, found := strings.Cut(raw, ","); found && strings.HasPrefix(meta, "data:") {
		if media, _, _ := strings.Cut(strings.TrimPrefix(meta, "data:"), ";"); media != "" {
			contentType = media
		}
		encoded = rest
	}

	data, err = base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", nil, fmt.Errorf("file_data is not valid base64")
	}
	return contentType, data, nil
}

// storedName builds a unique collision-free name that keeps the original
// filename recognizable.
func storedName(original string) string {
	base := filepath.Base(strings.TrimSpace(original))
	if base == "" || base == "." || base == string(filepath.Separator) {
		base = "file.bin"
	}
	base = sanitizeName(base)
	stamp := time.Now().UTC().Format("20060102T150405")
	return fmt.Sprintf("%s_%s_%s", stamp, uuid.NewString()[:8], base)
}

func sanitizeName(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.' || r == '-' || r == '_':
			return r
		default:
			return '_'
		}
	}, name)
}
