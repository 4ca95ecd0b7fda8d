package httpapi

import (
	"context"
	"net/http"
	"strings"

	"github.com/pressgate/pressgate/internal/token"
)

type principalContextKey struct{}

// PrincipalFromContext returns the validated claims attached by
// requireAuth.
func PrincipalFromContext(ctx context.Context) (*token.Claims, bool) {
	claims, ok := ctx.Value(principalContextKey{}).(*token.Claims)
	return claims, ok
}

// requireAuth validates the bearer token and attaches the principal.
// Missing, malformed, revoked, or unverifiable tokens all answer 401 with
// an empty body; a store fault during validation is also 401, never a pass.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		presented, ok := bearerToken(r.Header.Get("Authorization"))
		if !ok {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		ctx, cancel := s.opCtx(r)
		claims, err := s.engine.Validate(ctx, presented)
		cancel()
		if err != nil {
			s.log.WithError(err).Warn("token validation store fault")
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if claims == nil {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalContextKey{}, claims)))
	})
}

// requireScope gates a route on the principal's scope tier.
func (s *Server) requireScope(required token.Scope, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := PrincipalFromContext(r.Context())
		if !ok {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if claims.Scope != required {
			writeOAuthError(w, http.StatusForbidden, "forbidden")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireMaster gates operator endpoints on exact master-secret equality.
// A valid ordinary bearer token that is not the master secret is forbidden,
// not unauthenticated.
func (s *Server) requireMaster(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		presented, ok := bearerToken(r.Header.Get("Authorization"))
		if !ok {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if s.engine.IsMasterToken(presented) {
			next.ServeHTTP(w, r)
			return
		}

		ctx, cancel := s.opCtx(r)
		claims, err := s.engine.Validate(ctx, presented)
		cancel()
		if err == nil && claims != nil {
			writeOAuthError(w, http.StatusForbidden, "forbidden")
			return
		}
		w.WriteHeader(http.StatusUnauthorized)
	})
}

func bearerToken(value string) (string, bool) {
	const prefix = "Bearer "
	if !strings.HasPrefix(value, prefix) {
		return "", false
	}
	tok := strings.TrimSpace(value[len(prefix):])
	if tok == "" {
		return "", false
	}
	return tok, true
}
