package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/pressgate/pressgate/internal/token"
)

const (
	grantClientCredentials = "client_credentials"
	grantRefreshToken      = "refresh_token"
)

type tokenRequest struct {
	GrantType    string `json:"grant_type"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	RefreshToken string `json:"refresh_token"`
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token"`
	Scope        string `json:"scope"`
}

// handleToken is the POST /oauth/token endpoint serving both grants.
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.allow(clientIP(r, s.opts.TrustProxyHeader)) {
		writeOAuthError(w, http.StatusTooManyRequests, "slow_down")
		return
	}

	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	ctx, cancel := s.opCtx(r)
	defer cancel()

	var (
		pair *token.TokenPair
		err  error
	)
	switch req.GrantType {
	case grantClientCredentials:
		if req.ClientID == "" {
			writeOAuthError(w, http.StatusBadRequest, "invalid_request")
			return
		}
		pair, err = s.engine.Issue(ctx, req.ClientID, req.ClientSecret)
	case grantRefreshToken:
		if req.RefreshToken == "" {
			writeOAuthError(w, http.StatusBadRequest, "invalid_request")
			return
		}
		pair, err = s.engine.Refresh(ctx, req.RefreshToken)
	default:
		writeOAuthError(w, http.StatusBadRequest, "unsupported_grant_type")
		return
	}

	if err != nil {
		switch {
		case errors.Is(err, token.ErrInvalidRequest):
			writeOAuthError(w, http.StatusBadRequest, "invalid_request")
		case errors.Is(err, token.ErrInvalidClient):
			writeOAuthError(w, http.StatusUnauthorized, "invalid_client")
		case errors.Is(err, token.ErrInvalidGrant):
			writeOAuthError(w, http.StatusBadRequest, "invalid_grant")
		default:
			s.log.WithError(err).WithField("grant", req.GrantType).Error("token grant failed")
			writeOAuthError(w, http.StatusInternalServerError, "server_error")
		}
		return
	}

	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken:  pair.AccessToken,
		TokenType:    "Bearer",
		ExpiresIn:    pair.ExpiresIn,
		RefreshToken: pair.RefreshToken,
		Scope:        string(pair.Scope),
	})
}
