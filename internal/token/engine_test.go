package token

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/pressgate/pressgate/internal/audit"
	"github.com/pressgate/pressgate/internal/store"
)

const testMasterSecret = "master-secret-for-tests"

type stubRoles struct {
	roles map[string]Scope
}

func (s *stubRoles) Role(_ context.Context, subject string) (Scope, bool, error) {
	role, ok := s.roles[subject]
	return role, ok, nil
}

func (s *stubRoles) EnsureSubject(context.Context, string, Scope) error { return nil }

type engineHarness struct {
	engine *Engine
	store  *store.Store
	audit  *audit.Log
	mr     *miniredis.Miniredis
}

func newTestEngine(t *testing.T, opts Options, roles RoleDirectory) *engineHarness {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run failed: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	st := store.New(rdb)
	auditLog := audit.New(st, 100)
	signer, err := NewSigner(testSigningKey, "pressgate-test", 15*time.Minute)
	if err != nil {
		t.Fatalf("NewSigner failed: %v", err)
	}

	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	if opts.MasterSecret == "" {
		opts.MasterSecret = testMasterSecret
	}
	if opts.RefreshTTL == 0 {
		opts.RefreshTTL = 7 * 24 * time.Hour
	}

	engine, err := NewEngine(st, signer, auditLog, roles, opts, log)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	return &engineHarness{engine: engine, store: st, audit: auditLog, mr: mr}
}

func (h *engineHarness) auditTypes(t *testing.T) []audit.EventType {
	t.Helper()
	entries, err := h.audit.List(context.Background(), 100, 0)
	if err != nil {
		t.Fatalf("audit list failed: %v", err)
	}
	types := make([]audit.EventType, 0, len(entries))
	for _, e := range entries {
		types = append(types, e.Type)
	}
	return types
}

func TestIssueScopeDerivation(t *testing.T) {
	ctx := context.Background()
	h := newTestEngine(t, Options{}, nil)

	pair, err := h.engine.Issue(ctx, "svc1", "")
	if err != nil {
		t.Fatalf("guest issue failed: %v", err)
	}
	if pair.Scope != ScopeGuest {
		t.Fatalf("scope = %q, want guest for absent secret", pair.Scope)
	}
	if pair.AccessToken == "" || pair.RefreshToken == "" || pair.ExpiresIn <= 0 {
		t.Fatalf("incomplete token pair: %+v", pair)
	}

	pair, err = h.engine.Issue(ctx, "svc2", testMasterSecret)
	if err != nil {
		t.Fatalf("writer issue failed: %v", err)
	}
	if pair.Scope != ScopeWriter {
		t.Fatalf("scope = %q, want writer for master secret", pair.Scope)
	}

	if _, err := h.engine.Issue(ctx, "svc3", "wrong-secret"); !errors.Is(err, ErrInvalidClient) {
		t.Fatalf("wrong secret returned %v, want ErrInvalidClient", err)
	}
	if _, err := h.engine.Issue(ctx, "  ", ""); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("blank client returned %v, want ErrInvalidRequest", err)
	}
}

func TestIssueAdminElevation(t *testing.T) {
	ctx := context.Background()
	roles := &stubRoles{roles: map[string]Scope{"ops-bot": ScopeAdmin, "svc1": ScopeWriter}}
	h := newTestEngine(t, Options{}, roles)

	pair, err := h.engine.Issue(ctx, "ops-bot", testMasterSecret)
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	if pair.Scope != ScopeAdmin {
		t.Fatalf("scope = %q, want admin elevation for directory admins", pair.Scope)
	}

	// The directory role alone never elevates without the master secret.
	pair, err = h.engine.Issue(ctx, "ops-bot", "")
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	if pair.Scope != ScopeGuest {
		t.Fatalf("scope = %q, want guest without secret", pair.Scope)
	}

	// Non-admin directory roles stay at writer.
	pair, err = h.engine.Issue(ctx, "svc1", testMasterSecret)
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	if pair.Scope != ScopeWriter {
		t.Fatalf("scope = %q, want writer", pair.Scope)
	}
}

func TestValidateLifecycle(t *testing.T) {
	ctx := context.Background()
	h := newTestEngine(t, Options{}, nil)

	pair, err := h.engine.Issue(ctx, "svc1", "")
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}

	claims, err := h.engine.Validate(ctx, pair.AccessToken)
	if err != nil {
		t.Fatalf("validate failed: %v", err)
	}
	if claims == nil || claims.Subject != "svc1" || claims.Scope != ScopeGuest {
		t.Fatalf("claims = %+v, want svc1/guest", claims)
	}

	// Malformed input is unauthenticated, never an error.
	for _, bad := range []string{"", "garbage", "a.b.c"} {
		claims, err := h.engine.Validate(ctx, bad)
		if err != nil || claims != nil {
			t.Fatalf("Validate(%q) = (%v, %v), want (nil, nil)", bad, claims, err)
		}
	}

	// Deleting the active-token record revokes the still-signed token.
	if err := h.store.Delete(ctx, store.ActiveKey("svc1")); err != nil {
		t.Fatalf("delete active record failed: %v", err)
	}
	claims, err = h.engine.Validate(ctx, pair.AccessToken)
	if err != nil {
		t.Fatalf("validate failed: %v", err)
	}
	if claims != nil {
		t.Fatal("revoked token still validates")
	}
}

func TestValidateFailsClosedOnStoreFault(t *testing.T) {
	ctx := context.Background()
	h := newTestEngine(t, Options{}, nil)

	pair, err := h.engine.Issue(ctx, "svc1", "")
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}

	// A well-signed token with an unreachable store is a store fault, not
	// a pass: the caller gets an error and must treat it as
	// unauthenticated.
	h.mr.Close()

	claims, err := h.engine.Validate(ctx, pair.AccessToken)
	if err == nil {
		t.Fatal("validate succeeded against an unreachable store")
	}
	if !errors.Is(err, store.ErrUnavailable) {
		t.Fatalf("err = %v, want wrapped store.ErrUnavailable", err)
	}
	if claims != nil {
		t.Fatalf("claims = %+v, want nil on store fault", claims)
	}
}

func TestRefreshRotationSingleUse(t *testing.T) {
	ctx := context.Background()
	h := newTestEngine(t, Options{RevokeOnReuse: true}, nil)

	issued, err := h.engine.Issue(ctx, "svc1", "")
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}

	refreshed, err := h.engine.Refresh(ctx, issued.RefreshToken)
	if err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	if refreshed.Scope != ScopeGuest {
		t.Fatalf("refresh scope = %q, want original guest scope", refreshed.Scope)
	}
	if refreshed.RefreshToken == issued.RefreshToken {
		t.Fatal("refresh token was not rotated")
	}

	claims, err := h.engine.Validate(ctx, refreshed.AccessToken)
	if err != nil || claims == nil || claims.Subject != "svc1" {
		t.Fatalf("refreshed access token invalid: (%+v, %v)", claims, err)
	}

	// Replay of the consumed value fails and, with RevokeOnReuse, ends the
	// whole subject.
	if _, err := h.engine.Refresh(ctx, issued.RefreshToken); !errors.Is(err, ErrInvalidGrant) {
		t.Fatalf("replay returned %v, want ErrInvalidGrant", err)
	}

	claims, err = h.engine.Validate(ctx, refreshed.AccessToken)
	if err != nil {
		t.Fatalf("validate failed: %v", err)
	}
	if claims != nil {
		t.Fatal("subject not revoked after refresh reuse")
	}
	if _, err := h.engine.Refresh(ctx, refreshed.RefreshToken); !errors.Is(err, ErrInvalidGrant) {
		t.Fatalf("successor refresh after revocation returned %v, want ErrInvalidGrant", err)
	}

	types := h.auditTypes(t)
	var sawReject, sawRevoke bool
	for _, typ := range types {
		switch typ {
		case audit.EventRefreshRejected:
			sawReject = true
		case audit.EventTokensRevoked:
			sawRevoke = true
		}
	}
	if !sawReject || !sawRevoke {
		t.Fatalf("audit trail %v missing refresh_rejected/tokens_revoked", types)
	}
}

func TestRefreshCeiling(t *testing.T) {
	ctx := context.Background()
	h := newTestEngine(t, Options{}, nil)

	issued, err := h.engine.Issue(ctx, "svc1", "")
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}

	h.mr.FastForward(7*24*time.Hour + time.Minute)

	if _, err := h.engine.Refresh(ctx, issued.RefreshToken); !errors.Is(err, ErrInvalidGrant) {
		t.Fatalf("refresh past ceiling returned %v, want ErrInvalidGrant", err)
	}
}

func TestRefreshCeilingNotExtendedByRotation(t *testing.T) {
	ctx := context.Background()
	h := newTestEngine(t, Options{}, nil)

	issued, err := h.engine.Issue(ctx, "svc1", "")
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}

	// Rotate halfway through the ceiling, then advance past the ORIGINAL
	// expiry. The rotated token must not have bought more time.
	h.mr.FastForward(4 * 24 * time.Hour)
	refreshed, err := h.engine.Refresh(ctx, issued.RefreshToken)
	if err != nil {
		t.Fatalf("refresh failed: %v", err)
	}

	h.mr.FastForward(3*24*time.Hour + time.Minute)
	if _, err := h.engine.Refresh(ctx, refreshed.RefreshToken); !errors.Is(err, ErrInvalidGrant) {
		t.Fatalf("rotated token outlived the original ceiling: %v", err)
	}
}

func TestRefreshInvalidInput(t *testing.T) {
	ctx := context.Background()
	h := newTestEngine(t, Options{}, nil)

	if _, err := h.engine.Refresh(ctx, ""); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("empty refresh returned %v, want ErrInvalidRequest", err)
	}
	if _, err := h.engine.Refresh(ctx, "short"); !errors.Is(err, ErrInvalidGrant) {
		t.Fatalf("malformed refresh returned %v, want ErrInvalidGrant", err)
	}
}

func TestRevokeSubject(t *testing.T) {
	ctx := context.Background()
	h := newTestEngine(t, Options{}, nil)

	pair, err := h.engine.Issue(ctx, "svc1", "")
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}

	if err := h.engine.RevokeSubject(ctx, "svc1"); err != nil {
		t.Fatalf("revoke failed: %v", err)
	}

	claims, err := h.engine.Validate(ctx, pair.AccessToken)
	if err != nil || claims != nil {
		t.Fatalf("validate after revoke = (%+v, %v), want (nil, nil)", claims, err)
	}
	if _, err := h.engine.Refresh(ctx, pair.RefreshToken); !errors.Is(err, ErrInvalidGrant) {
		t.Fatalf("refresh after revoke returned %v, want ErrInvalidGrant", err)
	}
}

func TestIsMasterToken(t *testing.T) {
	h := newTestEngine(t, Options{}, nil)

	if !h.engine.IsMasterToken(testMasterSecret) {
		t.Fatal("master secret not recognized")
	}
	if h.engine.IsMasterToken("nope") || h.engine.IsMasterToken("") {
		t.Fatal("non-master value recognized as master")
	}
}

func TestRefreshRaceSingleWinner(t *testing.T) {
	ctx := context.Background()
	h := newTestEngine(t, Options{RevokeOnReuse: false}, nil)

	issued, err := h.engine.Issue(ctx, "svc1", "")
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}

	const workers = 16
	start := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(workers)

	results := make(chan error, workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			<-start
			_, err := h.engine.Refresh(ctx, issued.RefreshToken)
			results <- err
		}()
	}

	close(start)
	wg.Wait()
	close(results)

	success := 0
	for err := range results {
		switch {
		case err == nil:
			success++
		case errors.Is(err, ErrInvalidGrant):
		default:
			t.Fatalf("unexpected refresh error: %v", err)
		}
	}
	if success != 1 {
		t.Fatalf("expected exactly one winner, got %d", success)
	}
}
