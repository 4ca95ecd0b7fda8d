package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/pressgate/pressgate/internal/admin"
	"github.com/pressgate/pressgate/internal/audit"
	"github.com/pressgate/pressgate/internal/directory"
	"github.com/pressgate/pressgate/internal/obs"
	"github.com/pressgate/pressgate/internal/token"
)

// Options configures the HTTP surface.
type Options struct {
	// StoreTimeout bounds every store round-trip made on behalf of one
	// request. A validation that times out is unauthenticated.
	StoreTimeout time.Duration
	// TokenRatePerMinute limits grant attempts per client IP.
	TokenRatePerMinute int
	// TrustProxyHeader honors X-Forwarded-For when resolving the client
	// IP. Only enable behind a reverse proxy that strips the client's own
	// copy of the header.
	TrustProxyHeader bool
}

// Server exposes the token endpoint, the protected account routes, and the
// operator surface.
type Server struct {
	engine  *token.Engine
	dir     *directory.Directory
	facade  *admin.Facade
	auditor *audit.Log
	limiter *ipLimiter
	log     *logrus.Logger
	opts    Options
}

// New wires the HTTP server over the already-constructed components.
func New(engine *token.Engine, dir *directory.Directory, facade *admin.Facade, auditLog *audit.Log, log *logrus.Logger, opts Options) *Server {
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 2 * time.Second
	}
	if opts.TokenRatePerMinute <= 0 {
		opts.TokenRatePerMinute = 30
	}
	if log == nil {
		log = logrus.New()
	}
	return &Server{
		engine:  engine,
		dir:     dir,
		facade:  facade,
		auditor: auditLog,
		limiter: newIPLimiter(opts.TokenRatePerMinute),
		log:     log,
		opts:    opts,
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	route := func(path string, h http.Handler, methods ...string) {
		r.Handle(path, obs.Instrument(path, h)).Methods(methods...)
	}

	route("/oauth/token", http.HandlerFunc(s.handleToken), http.MethodPost)
	route("/healthz", http.HandlerFunc(s.handleHealth), http.MethodGet)
	r.Handle("/metrics", obs.MetricsHandler()).Methods(http.MethodGet)

	route("/account", s.requireAuth(http.HandlerFunc(s.handleDeleteAccount)), http.MethodDelete)
	route("/account/role-request", s.requireAuth(http.HandlerFunc(s.handleRoleRequest)), http.MethodPost)

	route("/admin/diagnostics", s.requireMaster(http.HandlerFunc(s.handleDiagnostics)), http.MethodGet)
	route("/admin/users", s.requireAdmin(http.HandlerFunc(s.handleListUsers)), http.MethodGet)
	route("/admin/users/{subject}/role", s.requireAdmin(http.HandlerFunc(s.handleUpdateRole)), http.MethodPut)
	route("/admin/users/{subject}", s.requireAdmin(http.HandlerFunc(s.handleDeleteUser)), http.MethodDelete)
	route("/admin/audit", s.requireAdmin(http.HandlerFunc(s.handleAuditList)), http.MethodGet)
	route("/admin/pending", s.requireAdmin(http.HandlerFunc(s.handlePendingList)), http.MethodGet)
	route("/admin/pending/{subject}", s.requireAdmin(http.HandlerFunc(s.handleResolvePending)), http.MethodPost)

	return r
}

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return s.requireAuth(s.requireScope(token.ScopeAdmin, next))
}

// opCtx derives the bounded context used for every store-touching call in a
// handler.
func (s *Server) opCtx(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), s.opts.StoreTimeout)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
