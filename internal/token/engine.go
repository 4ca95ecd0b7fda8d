package token

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pressgate/pressgate/internal/audit"
	"github.com/pressgate/pressgate/internal/obs"
	"github.com/pressgate/pressgate/internal/store"
)

// minOpaqueLen is a cheap shape check before a store round-trip; real
// opaque values are 43 characters of base64url.
const minOpaqueLen = 16

// RoleDirectory is the engine's read view of role state. The directory
// package implements it; the indirection keeps issuance decoupled from user
// bookkeeping.
type RoleDirectory interface {
	// Role returns the assigned role for a subject, ok=false when the
	// subject is unknown.
	Role(ctx context.Context, subject string) (Scope, bool, error)
	// EnsureSubject records a subject on first issuance so admin listings
	// and role management can see it.
	EnsureSubject(ctx context.Context, subject string, scope Scope) error
}

// Options configures the engine.
type Options struct {
	// MasterSecret gates writer-scope issuance; exact-match bearer use of
	// it gates operator endpoints.
	MasterSecret string
	// RefreshTTL is the ceiling on a subject's ability to renew without
	// re-presenting credentials.
	RefreshTTL time.Duration
	// RevokeOnReuse treats a replayed refresh token as a compromise signal
	// and revokes every credential of the owning subject.
	RevokeOnReuse bool
}

// TokenPair is the response of both grants.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    int64
	Scope        Scope
}

// activeRecord is the store-side allow-list entry that makes signed tokens
// revocable.
type activeRecord struct {
	Subject  string `json:"sub"`
	Scope    Scope  `json:"scope"`
	IssuedAt int64  `json:"iat"`
}

// refreshRecord is the store-side state of one opaque refresh value. The
// Lua rotation script reads and rewrites this shape, so field names are
// part of the store contract.
type refreshRecord struct {
	Subject   string `json:"sub"`
	Scope     Scope  `json:"scope"`
	IssuedAt  int64  `json:"iat"`
	ExpiresAt int64  `json:"exp"`
}

// rotatedTombstone is what the rotation script leaves behind at a consumed
// key. Seeing one on a later presentation is proof of replay.
type rotatedTombstone struct {
	State     string `json:"state"`
	Subject   string `json:"sub"`
	Successor string `json:"successor"`
}

// Engine issues, refreshes, validates, and revokes credentials. It is the
// only component that mints or verifies signatures. An Engine is immutable
// after construction and safe for concurrent use.
type Engine struct {
	store  *store.Store
	signer *Signer
	audit  *audit.Log
	roles  RoleDirectory
	opts   Options
	log    *logrus.Logger
}

// NewEngine wires the engine. roles may be nil in tests that do not care
// about admin elevation or subject bookkeeping.
func NewEngine(st *store.Store, signer *Signer, auditLog *audit.Log, roles RoleDirectory, opts Options, log *logrus.Logger) (*Engine, error) {
	if st == nil || signer == nil || auditLog == nil {
		return nil, errors.New("token: store, signer, and audit log are required")
	}
	if opts.MasterSecret == "" {
		return nil, errors.New("token: master secret is required")
	}
	if opts.RefreshTTL <= 0 {
		return nil, errors.New("token: refresh TTL must be positive")
	}
	if log == nil {
		log = logrus.New()
	}
	return &Engine{store: st, signer: signer, audit: auditLog, roles: roles, opts: opts, log: log}, nil
}

// Issue handles the client_credentials grant. An empty secret yields guest
// scope; the master secret yields writer scope, elevated to admin when the
// directory already assigns the subject the admin role; any other secret is
// rejected outright.
func (e *Engine) Issue(ctx context.Context, clientID, clientSecret string) (*TokenPair, error) {
	clientID = strings.TrimSpace(clientID)
	if clientID == "" {
		obs.GrantRejected.WithLabelValues("invalid_request").Inc()
		return nil, ErrInvalidRequest
	}

	scope := ScopeGuest
	if clientSecret != "" {
		if subtle.ConstantTimeCompare([]byte(clientSecret), []byte(e.opts.MasterSecret)) != 1 {
			obs.GrantRejected.WithLabelValues("invalid_client").Inc()
			e.appendAudit(ctx, audit.Entry{
				Type:    audit.EventIssueRejected,
				Subject: clientID,
				Detail:  map[string]string{"reason": "secret_mismatch"},
			})
			return nil, ErrInvalidClient
		}
		scope = ScopeWriter

		if e.roles != nil {
			role, ok, err := e.roles.Role(ctx, clientID)
			if err != nil {
				return nil, err
			}
			if ok && role == ScopeAdmin {
				scope = ScopeAdmin
			}
		}
	}

	if e.roles != nil {
		if err := e.roles.EnsureSubject(ctx, clientID, scope); err != nil {
			return nil, err
		}
	}

	now := time.Now()
	access, err := e.signer.Mint(clientID, scope, now)
	if err != nil {
		return nil, err
	}
	opaque, err := newOpaqueToken()
	if err != nil {
		return nil, err
	}

	active, err := json.Marshal(activeRecord{Subject: clientID, Scope: scope, IssuedAt: now.Unix()})
	if err != nil {
		return nil, err
	}
	refresh, err := json.Marshal(refreshRecord{
		Subject:   clientID,
		Scope:     scope,
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(e.opts.RefreshTTL).Unix(),
	})
	if err != nil {
		return nil, err
	}

	if err := e.store.SaveGrant(ctx, clientID, active, opaque, refresh, e.opts.RefreshTTL); err != nil {
		return nil, err
	}

	obs.TokensIssued.WithLabelValues(string(scope)).Inc()
	e.appendAudit(ctx, audit.Entry{
		Type:    audit.EventTokenIssued,
		Subject: clientID,
		Detail:  map[string]string{"scope": string(scope), "grant": "client_credentials"},
	})

	return &TokenPair{
		AccessToken:  access,
		RefreshToken: opaque,
		ExpiresIn:    int64(e.signer.TTL().Seconds()),
		Scope:        scope,
	}, nil
}

// Refresh handles the refresh_token grant. The presented value is consumed
// and replaced atomically; the successor keeps the original subject, scope,
// and remaining ceiling. Replaying a consumed value fails, is audited, and
// optionally revokes the whole subject.
func (e *Engine) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		obs.GrantRejected.WithLabelValues("invalid_request").Inc()
		return nil, ErrInvalidRequest
	}
	if len(refreshToken) < minOpaqueLen {
		obs.GrantRejected.WithLabelValues("invalid_grant").Inc()
		return nil, ErrInvalidGrant
	}

	next, err := newOpaqueToken()
	if err != nil {
		return nil, err
	}

	payload, _, err := e.store.RotateRefresh(ctx, refreshToken, next, time.Now())
	if err != nil {
		switch {
		case errors.Is(err, store.ErrRefreshReused):
			return nil, e.handleRefreshReuse(ctx, payload)
		case errors.Is(err, store.ErrRefreshNotFound), errors.Is(err, store.ErrRefreshExpired):
			obs.GrantRejected.WithLabelValues("invalid_grant").Inc()
			e.appendAudit(ctx, audit.Entry{
				Type:   audit.EventRefreshRejected,
				Detail: map[string]string{"reason": "unknown_or_expired"},
			})
			return nil, ErrInvalidGrant
		default:
			return nil, err
		}
	}

	var rec refreshRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		return nil, err
	}

	access, err := e.signer.Mint(rec.Subject, rec.Scope, time.Now())
	if err != nil {
		return nil, err
	}

	obs.TokensRefreshed.Inc()
	e.appendAudit(ctx, audit.Entry{
		Type:    audit.EventTokenRefreshed,
		Subject: rec.Subject,
		Detail:  map[string]string{"scope": string(rec.Scope), "grant": "refresh_token"},
	})

	return &TokenPair{
		AccessToken:  access,
		RefreshToken: next,
		ExpiresIn:    int64(e.signer.TTL().Seconds()),
		Scope:        rec.Scope,
	}, nil
}

func (e *Engine) handleRefreshReuse(ctx context.Context, payload []byte) error {
	obs.RefreshReuse.Inc()
	obs.GrantRejected.WithLabelValues("invalid_grant").Inc()

	var tomb rotatedTombstone
	if err := json.Unmarshal(payload, &tomb); err != nil || tomb.Subject == "" {
		e.appendAudit(ctx, audit.Entry{
			Type:   audit.EventRefreshRejected,
			Detail: map[string]string{"reason": "replay"},
		})
		return ErrInvalidGrant
	}

	e.appendAudit(ctx, audit.Entry{
		Type:    audit.EventRefreshRejected,
		Subject: tomb.Subject,
		Detail:  map[string]string{"reason": "replay"},
	})

	if e.opts.RevokeOnReuse {
		if err := e.RevokeSubject(ctx, tomb.Subject); err != nil {
			e.log.WithError(err).WithField("subject", tomb.Subject).
				Warn("revoke on refresh reuse failed")
		}
	}
	return ErrInvalidGrant
}

// Validate decides whether a presented bearer token is currently good. It
// checks signature and expiry, then requires the subject's active-token
// record to still exist; the existence check is what makes server-side
// revocation of stateless tokens possible. Malformed or rejected input is a
// (nil, nil) outcome, not an error; only a store fault returns an error,
// and callers must treat it as unauthenticated.
func (e *Engine) Validate(ctx context.Context, presented string) (*Claims, error) {
	presented = strings.TrimSpace(presented)
	if presented == "" {
		return nil, nil
	}

	claims, err := e.signer.Parse(presented)
	if err != nil {
		obs.ValidateRejected.WithLabelValues("bad_token").Inc()
		return nil, nil
	}

	active, err := e.store.Exists(ctx, store.ActiveKey(claims.Subject))
	if err != nil {
		obs.ValidateRejected.WithLabelValues("store_error").Inc()
		return nil, err
	}
	if !active {
		obs.ValidateRejected.WithLabelValues("revoked").Inc()
		return nil, nil
	}
	return claims, nil
}

// IsMasterToken reports whether a presented bearer value is exactly the
// configured master secret. Operator endpoints are gated on this in
// addition to the scope model.
func (e *Engine) IsMasterToken(presented string) bool {
	return subtle.ConstantTimeCompare([]byte(presented), []byte(e.opts.MasterSecret)) == 1
}

// RevokeSubject removes the subject's active-token record and every
// outstanding refresh record, ending both validation and renewal.
func (e *Engine) RevokeSubject(ctx context.Context, subject string) error {
	removed, err := e.store.PurgeSubject(ctx, subject)
	if err != nil {
		return err
	}
	e.appendAudit(ctx, audit.Entry{
		Type:    audit.EventTokensRevoked,
		Subject: subject,
		Detail:  map[string]string{"records_removed": strconv.FormatInt(removed, 10)},
	})
	return nil
}

// appendAudit records an entry without letting an audit failure mask the
// caller's primary outcome.
func (e *Engine) appendAudit(ctx context.Context, entry audit.Entry) {
	if err := e.audit.Append(ctx, entry); err != nil {
		e.log.WithError(err).WithField("event", string(entry.Type)).
			Warn("audit append failed")
	}
}
