package directory

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/pressgate/pressgate/internal/audit"
	"github.com/pressgate/pressgate/internal/store"
	"github.com/pressgate/pressgate/internal/token"
)

type stubRevoker struct {
	revoked []string
	err     error
}

func (s *stubRevoker) RevokeSubject(_ context.Context, subject string) error {
	if s.err != nil {
		return s.err
	}
	s.revoked = append(s.revoked, subject)
	return nil
}

type dirHarness struct {
	dir     *Directory
	store   *store.Store
	audit   *audit.Log
	revoker *stubRevoker
}

func newTestDirectory(t *testing.T) *dirHarness {
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
	revoker := &stubRevoker{}
	dir := New(st, auditLog, nil)
	dir.BindRevoker(revoker)

	return &dirHarness{dir: dir, store: st, audit: auditLog, revoker: revoker}
}

func (h *dirHarness) auditTypes(t *testing.T) []audit.EventType {
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

func TestEnsureSubjectDoesNotOverwrite(t *testing.T) {
	ctx := context.Background()
	h := newTestDirectory(t)

	if err := h.dir.EnsureSubject(ctx, "svc1", token.ScopeGuest); err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	if err := h.dir.UpdateUserRole(ctx, "svc1", token.ScopeWriter); err != nil {
		t.Fatalf("update failed: %v", err)
	}

	// A later issuance must not reset the assigned role.
	if err := h.dir.EnsureSubject(ctx, "svc1", token.ScopeGuest); err != nil {
		t.Fatalf("second ensure failed: %v", err)
	}
	rec, err := h.dir.GetUser(ctx, "svc1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if rec.Role != token.ScopeWriter {
		t.Fatalf("role = %s, want writer preserved", rec.Role)
	}
}

func TestGetUserUnknownSubject(t *testing.T) {
	h := newTestDirectory(t)

	if _, err := h.dir.GetUser(context.Background(), "ghost"); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("err = %v, want ErrUserNotFound", err)
	}

	role, found, err := h.dir.Role(context.Background(), "ghost")
	if err != nil || found || role != "" {
		t.Fatalf("Role = (%q, %v, %v), want not found without error", role, found, err)
	}
}

func TestUpdateUserRoleDowngradeCutsActiveToken(t *testing.T) {
	ctx := context.Background()
	h := newTestDirectory(t)

	if err := h.dir.EnsureSubject(ctx, "svc1", token.ScopeGuest); err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	if err := h.dir.UpdateUserRole(ctx, "svc1", token.ScopeAdmin); err != nil {
		t.Fatalf("upgrade failed: %v", err)
	}
	if err := h.store.SetWithTTL(ctx, store.ActiveKey("svc1"), []byte(`{}`), 0); err != nil {
		t.Fatalf("seed active record: %v", err)
	}

	if err := h.dir.UpdateUserRole(ctx, "svc1", token.ScopeGuest); err != nil {
		t.Fatalf("downgrade failed: %v", err)
	}

	exists, err := h.store.Exists(ctx, store.ActiveKey("svc1"))
	if err != nil {
		t.Fatalf("exists check failed: %v", err)
	}
	if exists {
		t.Fatal("active record survived a downgrade")
	}

	rec, err := h.dir.GetUser(ctx, "svc1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if rec.Role != token.ScopeGuest {
		t.Fatalf("role = %s, want guest", rec.Role)
	}
}

func TestUpdateUserRoleUpgradeKeepsActiveToken(t *testing.T) {
	ctx := context.Background()
	h := newTestDirectory(t)

	if err := h.dir.EnsureSubject(ctx, "svc1", token.ScopeGuest); err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	if err := h.store.SetWithTTL(ctx, store.ActiveKey("svc1"), []byte(`{}`), 0); err != nil {
		t.Fatalf("seed active record: %v", err)
	}

	if err := h.dir.UpdateUserRole(ctx, "svc1", token.ScopeWriter); err != nil {
		t.Fatalf("upgrade failed: %v", err)
	}

	exists, err := h.store.Exists(ctx, store.ActiveKey("svc1"))
	if err != nil {
		t.Fatalf("exists check failed: %v", err)
	}
	if !exists {
		t.Fatal("active record deleted on an upgrade")
	}
}

func TestUpdateUserRoleValidation(t *testing.T) {
	ctx := context.Background()
	h := newTestDirectory(t)

	if err := h.dir.UpdateUserRole(ctx, "svc1", token.Scope("root")); !errors.Is(err, ErrInvalidRole) {
		t.Fatalf("err = %v, want ErrInvalidRole", err)
	}
	if err := h.dir.UpdateUserRole(ctx, "ghost", token.ScopeWriter); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("err = %v, want ErrUserNotFound", err)
	}
}

func TestDeleteUserRevokesAndRemoves(t *testing.T) {
	ctx := context.Background()
	h := newTestDirectory(t)

	if err := h.dir.EnsureSubject(ctx, "svc1", token.ScopeGuest); err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	if err := h.dir.SetPendingRole(ctx, "svc1", token.ScopeWriter); err != nil {
		t.Fatalf("pending failed: %v", err)
	}

	if err := h.dir.DeleteUser(ctx, "svc1"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}

	if len(h.revoker.revoked) != 1 || h.revoker.revoked[0] != "svc1" {
		t.Fatalf("revoked = %v, want [svc1]", h.revoker.revoked)
	}
	if _, err := h.dir.GetUser(ctx, "svc1"); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("err = %v, want ErrUserNotFound after delete", err)
	}
	pending, err := h.dir.PendingRequests(ctx)
	if err != nil {
		t.Fatalf("pending list failed: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("pending requests survived deletion: %v", pending)
	}

	types := h.auditTypes(t)
	seen := false
	for _, typ := range types {
		if typ == audit.EventAccountDeleted {
			seen = true
		}
	}
	if !seen {
		t.Fatalf("audit trail missing account_deleted: %v", types)
	}
}

func TestDeleteUserAbortsOnRevokerFailure(t *testing.T) {
	ctx := context.Background()
	h := newTestDirectory(t)
	h.revoker.err = errors.New("store down")

	if err := h.dir.EnsureSubject(ctx, "svc1", token.ScopeGuest); err != nil {
		t.Fatalf("ensure failed: %v", err)
	}

	if err := h.dir.DeleteUser(ctx, "svc1"); err == nil {
		t.Fatal("delete succeeded despite revocation failure")
	}

	// Revocation failed after the audit entry: the user record must survive
	// so the operation can be retried.
	if _, err := h.dir.GetUser(ctx, "svc1"); err != nil {
		t.Fatalf("user record removed despite aborted delete: %v", err)
	}
}

func TestDeleteUserUnknownSubject(t *testing.T) {
	h := newTestDirectory(t)

	if err := h.dir.DeleteUser(context.Background(), "ghost"); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("err = %v, want ErrUserNotFound", err)
	}
	if len(h.revoker.revoked) != 0 {
		t.Fatalf("revoker called for unknown subject: %v", h.revoker.revoked)
	}
}

func TestPendingRoleLifecycle(t *testing.T) {
	ctx := context.Background()
	h := newTestDirectory(t)

	if err := h.dir.EnsureSubject(ctx, "svc1", token.ScopeGuest); err != nil {
		t.Fatalf("ensure failed: %v", err)
	}

	// Guest is the floor; requesting it is meaningless.
	if err := h.dir.SetPendingRole(ctx, "svc1", token.ScopeGuest); !errors.Is(err, ErrInvalidRole) {
		t.Fatalf("err = %v, want ErrInvalidRole for guest request", err)
	}
	if err := h.dir.SetPendingRole(ctx, "ghost", token.ScopeWriter); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("err = %v, want ErrUserNotFound", err)
	}

	if err := h.dir.SetPendingRole(ctx, "svc1", token.ScopeWriter); err != nil {
		t.Fatalf("request failed: %v", err)
	}
	// A later request supersedes the earlier one.
	if err := h.dir.SetPendingRole(ctx, "svc1", token.ScopeAdmin); err != nil {
		t.Fatalf("second request failed: %v", err)
	}

	pending, err := h.dir.PendingRequests(ctx)
	if err != nil {
		t.Fatalf("pending list failed: %v", err)
	}
	if len(pending) != 1 || pending[0].Role != token.ScopeAdmin {
		t.Fatalf("pending = %+v, want single admin request", pending)
	}

	if err := h.dir.ResolvePendingRole(ctx, "svc1", true); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	rec, err := h.dir.GetUser(ctx, "svc1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if rec.Role != token.ScopeAdmin {
		t.Fatalf("role = %s, want admin after approval", rec.Role)
	}

	// The request is consumed either way.
	if err := h.dir.ResolvePendingRole(ctx, "svc1", true); !errors.Is(err, ErrNoPendingRequest) {
		t.Fatalf("err = %v, want ErrNoPendingRequest", err)
	}
}

func TestResolvePendingRoleDenied(t *testing.T) {
	ctx := context.Background()
	h := newTestDirectory(t)

	if err := h.dir.EnsureSubject(ctx, "svc1", token.ScopeGuest); err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	if err := h.dir.SetPendingRole(ctx, "svc1", token.ScopeWriter); err != nil {
		t.Fatalf("request failed: %v", err)
	}

	if err := h.dir.ResolvePendingRole(ctx, "svc1", false); err != nil {
		t.Fatalf("deny failed: %v", err)
	}

	rec, err := h.dir.GetUser(ctx, "svc1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if rec.Role != token.ScopeGuest {
		t.Fatalf("role = %s, want guest unchanged after denial", rec.Role)
	}
	pending, err := h.dir.PendingRequests(ctx)
	if err != nil {
		t.Fatalf("pending list failed: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("denied request not consumed: %v", pending)
	}
}

func TestGetAllUsers(t *testing.T) {
	ctx := context.Background()
	h := newTestDirectory(t)

	for _, subject := range []string{"svc1", "svc2", "svc3"} {
		if err := h.dir.EnsureSubject(ctx, subject, token.ScopeGuest); err != nil {
			t.Fatalf("ensure %s failed: %v", subject, err)
		}
	}

	users, err := h.dir.GetAllUsers(ctx)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(users) != 3 {
		t.Fatalf("listed %d users, want 3", len(users))
	}
}
