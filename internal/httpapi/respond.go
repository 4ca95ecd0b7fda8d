package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/pressgate/pressgate/internal/directory"
	"github.com/pressgate/pressgate/internal/token"
)

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeOAuthError emits a machine-readable OAuth-style error code; internal
// detail never leaves the process.
func writeOAuthError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, errorBody{Error: code})
}

// writeDomainError maps component errors onto the HTTP taxonomy for the
// non-OAuth routes.
func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, token.ErrInvalidRequest), errors.Is(err, directory.ErrInvalidRole):
		writeOAuthError(w, http.StatusBadRequest, "invalid_request")
	case errors.Is(err, directory.ErrUserNotFound), errors.Is(err, directory.ErrNoPendingRequest):
		writeOAuthError(w, http.StatusNotFound, "not_found")
	default:
		s.log.WithError(err).Error("request failed")
		writeOAuthError(w, http.StatusInternalServerError, "server_error")
	}
}
