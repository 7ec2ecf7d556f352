// Package httpapi exposes the delivery subsystem to operators: status
// snapshots, queue inspection, manual sync triggers, and the explicit
// destructive reset. It only calls the exported subsystem surface; display
// decisions stay with the caller.
package httpapi

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/fieldworks/siterelay/internal/outbox"
)

type ServerConfig struct {
	AuthToken    string
	MaxBodyBytes int64
}

type Server struct {
	sub *outbox.Subsystem
	cfg ServerConfig
}

func NewServer(sub *outbox.Subsystem) *Server {
	return NewServerWithConfig(sub, ServerConfig{})
}

func NewServerWithConfig(sub *outbox.Subsystem, cfg ServerConfig) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	return &Server{sub: sub, cfg: cfg}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if !strings.HasPrefix(r.URL.Path, "/v1/") {
		writeError(w, http.StatusNotFound, "not_found", "unknown path")
		return
	}
	if !s.authorize(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid bearer token")
		return
	}

	switch {
	case r.URL.Path == "/v1/sync/status" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, s.sub.Status())
	case r.URL.Path == "/v1/sync" && r.Method == http.MethodPost:
		s.handleRequestSync(w, r)
	case r.URL.Path == "/v1/mutations" && r.Method == http.MethodPost:
		s.handleEnqueue(w, r)
	case r.URL.Path == "/v1/queue" && r.Method == http.MethodGet:
		s.handleQueue(w, r)
	case r.URL.Path == "/v1/queue" && r.Method == http.MethodDelete:
		s.handleClearAll(w, r)
	case r.URL.Path == "/v1/queue/sweep" && r.Method == http.MethodPost:
		s.handleSweep(w, r)
	default:
		writeError(w, http.StatusNotFound, "not_found", "unknown path")
	}
}

func (s *Server) authorize(r *http.Request) bool {
	if s.cfg.AuthToken == "" {
		return true
	}
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return false
	}
	presented := strings.TrimPrefix(header, "Bearer ")
	return subtle.ConstantTimeCompare([]byte(presented), []byte(s.cfg.AuthToken)) == 1
}

func (s *Server) handleRequestSync(w http.ResponseWriter, r *http.Request) {
	session, err := s.sub.RequestSync(r.Context())
	switch {
	case errors.Is(err, outbox.ErrOffline):
		writeError(w, http.StatusConflict, "offline", "cannot sync while offline")
	case errors.Is(err, outbox.ErrSyncRunning):
		writeError(w, http.StatusConflict, "sync_running", "a sync session is already active")
	case err != nil:
		writeError(w, http.StatusInternalServerError, "sync_failed", err.Error())
	default:
		writeJSON(w, http.StatusOK, session)
	}
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ID            string          `json:"id,omitempty"`
		Kind          string          `json:"kind"`
		Payload       json.RawMessage `json:"payload,omitempty"`
		AttachmentRef string          `json:"attachmentRef,omitempty"`
	}
	if !s.decodeJSONBody(w, r, &body) {
		return
	}
	id, err := s.sub.EnqueueMutation(outbox.MutationRequest{
		ID:            body.ID,
		Kind:          outbox.MutationKind(body.Kind),
		Payload:       body.Payload,
		AttachmentRef: body.AttachmentRef,
	})
	switch {
	case errors.Is(err, outbox.ErrInvalidInput), errors.Is(err, outbox.ErrInvalidPayload):
		writeError(w, http.StatusBadRequest, "invalid_mutation", err.Error())
	case errors.Is(err, outbox.ErrStorageQuota):
		writeError(w, http.StatusInsufficientStorage, "storage_quota", err.Error())
	case err != nil:
		// The action was NOT recorded; the caller must not report success.
		writeError(w, http.StatusServiceUnavailable, "queue_store_failure", err.Error())
	default:
		writeJSON(w, http.StatusCreated, map[string]string{"id": id})
	}
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	kind := strings.TrimSpace(r.URL.Query().Get("kind"))
	items := s.sub.QueuedByKind(outbox.MutationKind(kind))
	writeJSON(w, http.StatusOK, map[string]any{"mutations": items})
}

func (s *Server) handleClearAll(w http.ResponseWriter, _ *http.Request) {
	if err := s.sub.ClearAll(); err != nil {
		writeError(w, http.StatusServiceUnavailable, "queue_store_failure", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSweep(w http.ResponseWriter, _ *http.Request) {
	removed, err := s.sub.SweepNow()
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "queue_store_failure", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "body_too_large", "request body exceeds limit")
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"code": code, "message": message})
}
