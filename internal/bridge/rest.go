package bridge

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/ehrlich-b/perch/internal/auth"
	"github.com/ehrlich-b/perch/internal/registry"
	"github.com/ehrlich-b/perch/internal/session"
)

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /auth/token", s.handleAuthToken)

	mux.HandleFunc("GET /ws", s.handleObserverWS)
	mux.HandleFunc("GET /ws/agent", s.handleAgentWS)

	mux.HandleFunc("POST /api/sessions", s.withAuth(s.handleCreateSession))
	mux.HandleFunc("GET /api/sessions", s.withAuth(s.handleListSessions))
	mux.HandleFunc("GET /api/sessions/{id}", s.withAuth(s.handleGetSession))
	mux.HandleFunc("DELETE /api/sessions/{id}", s.withAuth(s.handleDeleteSession))
	mux.HandleFunc("GET /api/sessions/{id}/messages", s.withAuth(s.handleGetMessages))
	mux.HandleFunc("POST /api/sessions/{id}/pause", s.withAuth(s.handlePause))
	mux.HandleFunc("POST /api/sessions/{id}/resume", s.withAuth(s.handleResume))
	mux.HandleFunc("GET /api/usage", s.withAuth(s.handleUsage))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleAuthToken exchanges the operator password for a bearer token.
func (s *Server) handleAuthToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Password string `json:"password"`
		User     string `json:"user"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if s.passwordHash == "" {
		writeError(w, http.StatusForbidden, "password auth is not configured")
		return
	}
	if !auth.CheckPassword(s.passwordHash, req.Password) {
		writeError(w, http.StatusUnauthorized, "invalid password")
		return
	}
	user := req.User
	if user == "" {
		user = "operator"
	}
	token, expiresAt, err := auth.IssueToken(s.jwtSecret, user)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":      token,
		"expires_at": expiresAt.UTC().Format(time.RFC3339),
	})
}

type authedHandler func(w http.ResponseWriter, r *http.Request, userID string)

// withAuth validates the bearer token and hands the user ID down.
func (s *Server) withAuth(fn authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		userID, err := auth.ValidateToken(s.jwtSecret, token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		fn(w, r, userID)
	}
}

type createSessionRequest struct {
	Name           string `json:"name"`
	RepoURL        string `json:"repo_url"`
	Branch         string `json:"branch"`
	WorkDir        string `json:"work_dir"`
	PermissionMode string `json:"permission_mode"`
	IsManager      bool   `json:"is_manager"`
	ManagedBy      string `json:"managed_by"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request, userID string) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	info, err := s.registry.Create(registry.CreateParams{
		OwnerID:        userID,
		Name:           req.Name,
		RepoURL:        req.RepoURL,
		Branch:         req.Branch,
		WorkDir:        req.WorkDir,
		PermissionMode: session.PermissionMode(req.PermissionMode),
		IsManager:      req.IsManager,
		ManagedBy:      req.ManagedBy,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request, userID string) {
	infos := s.registry.List(userID)
	if infos == nil {
		infos = []session.Info{}
	}
	writeJSON(w, http.StatusOK, infos)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request, userID string) {
	info, err := s.registry.Get(userID, r.PathValue("id"))
	if err != nil {
		writeRegistryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request, userID string) {
	if err := s.registry.Delete(userID, r.PathValue("id")); err != nil {
		writeRegistryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleGetMessages(w http.ResponseWriter, r *http.Request, userID string) {
	msgs, err := s.registry.Messages(userID, r.PathValue("id"))
	if err != nil {
		writeRegistryError(w, err)
		return
	}
	if msgs == nil {
		msgs = []session.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request, userID string) {
	id := r.PathValue("id")
	if _, err := s.registry.Machine(userID, id); err != nil {
		writeRegistryError(w, err)
		return
	}
	var req struct {
		ResumeAt string `json:"resume_at"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
	}
	var resumeAt *time.Time
	if req.ResumeAt != "" {
		t, err := time.Parse(time.RFC3339, req.ResumeAt)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid resume_at, use RFC3339")
			return
		}
		resumeAt = &t
	}
	if err := s.supervisor.Pause(id, resumeAt); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request, userID string) {
	id := r.PathValue("id")
	if _, err := s.registry.Machine(userID, id); err != nil {
		writeRegistryError(w, err)
		return
	}
	if err := s.supervisor.Resume(id); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resumed"})
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request, userID string) {
	cost, usage := s.registry.UsageTotals(userID)
	writeJSON(w, http.StatusOK, map[string]any{
		"cost_usd": cost,
		"usage":    usage,
	})
}

// Helpers

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeRegistryError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, registry.ErrNotFound):
		writeError(w, http.StatusNotFound, "session not found")
	case errors.Is(err, registry.ErrUnauthorized):
		writeError(w, http.StatusForbidden, "not the session owner")
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
