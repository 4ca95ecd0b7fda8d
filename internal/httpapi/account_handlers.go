package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/pressgate/pressgate/internal/token"
)

type roleRequestBody struct {
	Role string `json:"role"`
}

// handleRoleRequest files a promotion request for the caller's own subject.
func (s *Server) handleRoleRequest(w http.ResponseWriter, r *http.Request) {
	claims, ok := PrincipalFromContext(r.Context())
	if !ok {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

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

	if err := s.dir.SetPendingRole(ctx, claims.Subject, role); err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"subject": claims.Subject,
		"role":    string(role),
		"status":  "pending",
	})
}

// handleDeleteAccount deletes the caller's own subject: audit first, then
// credential revocation, then the user record.
func (s *Server) handleDeleteAccount(w http.ResponseWriter, r *http.Request) {
	claims, ok := PrincipalFromContext(r.Context())
	if !ok {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	ctx, cancel := s.opCtx(r)
	defer cancel()

	if err := s.dir.DeleteUser(ctx, claims.Subject); err != nil {
		s.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
