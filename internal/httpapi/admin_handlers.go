package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/pressgate/pressgate/internal/token"
)

// handleDiagnostics serves the master-gated operator snapshot.
func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.opCtx(r)
	defer cancel()

	writeJSON(w, http.StatusOK, s.facade.Overview(ctx))
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.opCtx(r)
	defer cancel()

	users, err := s.dir.GetAllUsers(ctx)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"users": users})
}

func (s *Server) handleUpdateRole(w http.ResponseWriter, r *http.Request) {
	subject := mux.Vars(r)["subject"]

	var body roleRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	role, valid := token.ParseScope(body.Role)
	if !valid {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	ctx, cancel := s.opCtx(r)
	defer cancel()

	if err := s.dir.UpdateUserRole(ctx, subject, role); err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"subject": subject, "role": string(role)})
}

func (s *Server) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	subject := mux.Vars(r)["subject"]

	ctx, cancel := s.opCtx(r)
	defer cancel()

	if err := s.dir.DeleteUser(ctx, subject); err != nil {
		s.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAuditList(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)

	ctx, cancel := s.opCtx(r)
	defer cancel()

	entries, err := s.auditor.List(ctx, limit, offset)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	total, err := s.auditor.Count(ctx)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entries": entries,
		"total":   total,
	})
}

func (s *Server) handlePendingList(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.opCtx(r)
	defer cancel()

	requests, err := s.dir.PendingRequests(ctx)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"requests": requests})
}

type resolveBody struct {
	Approve bool `json:"approve"`
}

func (s *Server) handleResolvePending(w http.ResponseWriter, r *http.Request) {
	subject := mux.Vars(r)["subject"]

	var body resolveBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	ctx, cancel := s.opCtx(r)
	defer cancel()

	if err := s.dir.ResolvePendingRole(ctx, subject, body.Approve); err != nil {
		s.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func queryInt(r *http.Request, key string, fallback int64) int64 {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback
	}
	parsed, err := strconv.ParseInt(v, 10, 64)
	if err != nil || parsed < 0 {
		return fallback
	}
	return parsed
}
