package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pressgate/pressgate/internal/audit"
	"github.com/pressgate/pressgate/internal/store"
	"github.com/pressgate/pressgate/internal/token"
)

// pendingTTL bounds how long an unresolved role request is kept.
const pendingTTL = 30 * 24 * time.Hour

var (
	// ErrUserNotFound is returned when operating on an unknown subject.
	ErrUserNotFound = errors.New("user not found")
	// ErrInvalidRole rejects roles outside the guest/writer/admin set, or
	// a pending request for guest.
	ErrInvalidRole = errors.New("invalid role")
	// ErrNoPendingRequest is returned when resolving a subject with no
	// outstanding request.
	ErrNoPendingRequest = errors.New("no pending role request")
)

// Revoker is the directory's write hook into credential state. The token
// engine implements it; the indirection avoids a package cycle.
type Revoker interface {
	RevokeSubject(ctx context.Context, subject string) error
}

// UserRecord is the directory-owned identity of a subject.
type UserRecord struct {
	Subject     string      `json:"subject"`
	DisplayName string      `json:"display_name,omitempty"`
	Role        token.Scope `json:"role"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// PendingRequest is an unresolved role promotion request.
type PendingRequest struct {
	Subject     string      `json:"subject"`
	Role        token.Scope `json:"role"`
	RequestedAt time.Time   `json:"requested_at"`
}

// Directory owns role state and the user lifecycle. It exclusively writes
// user and pending-request records; token state is touched only through the
// bound Revoker and the active-token key it deletes on downgrade.
type Directory struct {
	store   *store.Store
	audit   *audit.Log
	revoker Revoker
	log     *logrus.Logger
}

// New creates a Directory. Bind a Revoker before calling DeleteUser.
func New(st *store.Store, auditLog *audit.Log, log *logrus.Logger) *Directory {
	if log == nil {
		log = logrus.New()
	}
	return &Directory{store: st, audit: auditLog, log: log}
}

// BindRevoker wires the credential-revocation hook. Called once at startup;
// not safe to call concurrently with request handling.
func (d *Directory) BindRevoker(r Revoker) {
	d.revoker = r
}

// Role implements token.RoleDirectory.
func (d *Directory) Role(ctx context.Context, subject string) (token.Scope, bool, error) {
	rec, err := d.GetUser(ctx, subject)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return "", false, nil
		}
		return "", false, err
	}
	return rec.Role, true, nil
}

// EnsureSubject implements token.RoleDirectory: it records a subject on
// first issuance and never overwrites an existing record.
func (d *Directory) EnsureSubject(ctx context.Context, subject string, scope token.Scope) error {
	exists, err := d.store.Exists(ctx, store.UserKey(subject))
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	now := time.Now().UTC()
	return d.putUser(ctx, UserRecord{
		Subject:   subject,
		Role:      scope,
		CreatedAt: now,
		UpdatedAt: now,
	})
}

// GetUser loads one user record.
func (d *Directory) GetUser(ctx context.Context, subject string) (UserRecord, error) {
	data, err := d.store.Get(ctx, store.UserKey(subject))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return UserRecord{}, ErrUserNotFound
		}
		return UserRecord{}, err
	}

	var rec UserRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return UserRecord{}, fmt.Errorf("directory: decode user %q: %w", subject, err)
	}
	return rec, nil
}

// GetAllUsers enumerates every user record. Admin path only.
func (d *Directory) GetAllUsers(ctx context.Context) ([]UserRecord, error) {
	keys, err := d.store.ScanPrefix(ctx, store.UserPrefix, 0)
	if err != nil {
		return nil, err
	}

	users := make([]UserRecord, 0, len(keys))
	for _, key := range keys {
		subject := strings.TrimPrefix(key, store.UserPrefix)
		rec, err := d.GetUser(ctx, subject)
		if err != nil {
			// Expired between scan and read.
			if errors.Is(err, ErrUserNotFound) {
				continue
			}
			return nil, err
		}
		users = append(users, rec)
	}
	return users, nil
}

// UpdateUserRole assigns a new role. A downgrade deletes the subject's
// active-token record so any outstanding higher-scope access token stops
// validating immediately; the subject must re-issue to get a token at the
// new scope.
func (d *Directory) UpdateUserRole(ctx context.Context, subject string, role token.Scope) error {
	if !role.Valid() {
		return ErrInvalidRole
	}

	rec, err := d.GetUser(ctx, subject)
	if err != nil {
		return err
	}
	previous := rec.Role

	rec.Role = role
	rec.UpdatedAt = time.Now().UTC()
	if err := d.putUser(ctx, rec); err != nil {
		return err
	}

	if role.Rank() < previous.Rank() {
		if err := d.store.Delete(ctx, store.ActiveKey(subject)); err != nil {
			return err
		}
	}

	d.appendAudit(ctx, audit.Entry{
		Type:    audit.EventRoleChanged,
		Subject: subject,
		Detail:  map[string]string{"from": string(previous), "to": string(role)},
	})
	return nil
}

// DeleteUser removes a subject entirely: audit entry first so the deletion
// is always attributable, then credential revocation, then the user and
// pending-request records. If the audit entry cannot be written the
// deletion is aborted.
func (d *Directory) DeleteUser(ctx context.Context, subject string) error {
	if _, err := d.GetUser(ctx, subject); err != nil {
		return err
	}

	if err := d.audit.Append(ctx, audit.Entry{
		Type:    audit.EventAccountDeleted,
		Subject: subject,
	}); err != nil {
		return err
	}

	if d.revoker != nil {
		if err := d.revoker.RevokeSubject(ctx, subject); err != nil {
			return err
		}
	}

	return d.store.Delete(ctx, store.UserKey(subject), store.PendingKey(subject))
}

// SetPendingRole files a promotion request for the subject. A later request
// supersedes an earlier one.
func (d *Directory) SetPendingRole(ctx context.Context, subject string, role token.Scope) error {
	if role != token.ScopeWriter && role != token.ScopeAdmin {
		return ErrInvalidRole
	}
	if _, err := d.GetUser(ctx, subject); err != nil {
		return err
	}

	req := PendingRequest{
		Subject:     subject,
		Role:        role,
		RequestedAt: time.Now().UTC(),
	}
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	if err := d.store.SetWithTTL(ctx, store.PendingKey(subject), data, pendingTTL); err != nil {
		return err
	}

	d.appendAudit(ctx, audit.Entry{
		Type:    audit.EventRoleRequested,
		Subject: subject,
		Detail:  map[string]string{"role": string(role)},
	})
	return nil
}

// PendingRequests enumerates unresolved promotion requests. Admin path
// only.
func (d *Directory) PendingRequests(ctx context.Context) ([]PendingRequest, error) {
	keys, err := d.store.ScanPrefix(ctx, store.PendingPrefix, 0)
	if err != nil {
		return nil, err
	}

	requests := make([]PendingRequest, 0, len(keys))
	for _, key := range keys {
		data, err := d.store.Get(ctx, key)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return nil, err
		}
		var req PendingRequest
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, fmt.Errorf("directory: decode pending request %q: %w", key, err)
		}
		requests = append(requests, req)
	}
	return requests, nil
}

// ResolvePendingRole approves or denies a request. Approval applies the
// requested role through UpdateUserRole; either way the request is
// destroyed.
func (d *Directory) ResolvePendingRole(ctx context.Context, subject string, approve bool) error {
	data, err := d.store.Get(ctx, store.PendingKey(subject))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrNoPendingRequest
		}
		return err
	}

	var req PendingRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return fmt.Errorf("directory: decode pending request for %q: %w", subject, err)
	}

	if err := d.store.Delete(ctx, store.PendingKey(subject)); err != nil {
		return err
	}
	if !approve {
		d.appendAudit(ctx, audit.Entry{
			Type:    audit.EventRoleChanged,
			Subject: subject,
			Detail:  map[string]string{"requested": string(req.Role), "resolution": "denied"},
		})
		return nil
	}
	return d.UpdateUserRole(ctx, subject, req.Role)
}

func (d *Directory) putUser(ctx context.Context, rec UserRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	// User records do not expire; lifecycle ends only via DeleteUser.
	return d.store.SetWithTTL(ctx, store.UserKey(rec.Subject), data, 0)
}

func (d *Directory) appendAudit(ctx context.Context, entry audit.Entry) {
	if err := d.audit.Append(ctx, entry); err != nil {
		d.log.WithError(err).WithField("event", string(entry.Type)).
			Warn("audit append failed")
	}
}
