package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pressgate/pressgate/internal/store"
)

// EventType enumerates the security-relevant events the service records.
type EventType string

const (
	EventTokenIssued     EventType = "token_issued"
	EventTokenRefreshed  EventType = "token_refreshed"
	EventIssueRejected   EventType = "issue_rejected"
	EventRefreshRejected EventType = "refresh_rejected"
	EventRoleChanged     EventType = "role_changed"
	EventRoleRequested   EventType = "role_requested"
	EventAccountDeleted  EventType = "account_deleted"
	EventTokensRevoked   EventType = "tokens_revoked"
)

// Entry is one immutable audit record. Entries are never mutated after
// Append.
type Entry struct {
	ID        string            `json:"id"`
	Type      EventType         `json:"type"`
	Subject   string            `json:"subject,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Detail    map[string]string `json:"detail,omitempty"`
}

// Log is the append-only audit trail, held as a capped Redis list with the
// newest entry first. Trimming drops the oldest entries and never reorders
// the rest.
type Log struct {
	store  *store.Store
	cap    int64
	mirror Sink
}

// Option configures a Log.
type Option func(*Log)

// WithMirror duplicates every appended entry into a secondary sink, e.g. a
// JSON line writer for off-box shipping. Mirror failures are silent; the
// store copy is authoritative.
func WithMirror(sink Sink) Option {
	return func(l *Log) { l.mirror = sink }
}

// New creates a Log bounded to cap entries.
func New(st *store.Store, cap int64, opts ...Option) *Log {
	l := &Log{store: st, cap: cap}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Append records one entry. ID and Timestamp are filled in when zero.
// Append is the sole mutator of the trail.
func (l *Log) Append(ctx context.Context, entry Entry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("audit: encode entry: %w", err)
	}
	if err := l.store.ListPushTrim(ctx, store.AuditKey, data, l.cap); err != nil {
		return err
	}

	if l.mirror != nil {
		l.mirror.Emit(ctx, entry)
	}
	return nil
}

// List returns up to limit entries starting at offset, newest first.
func (l *Log) List(ctx context.Context, limit, offset int64) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	raw, err := l.store.ListRange(ctx, store.AuditKey, offset, offset+limit-1)
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(raw))
	for _, data := range raw {
		var entry Entry
		if err := json.Unmarshal(data, &entry); err != nil {
			return nil, fmt.Errorf("audit: decode entry: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Count returns the number of retained entries.
func (l *Log) Count(ctx context.Context) (int64, error) {
	return l.store.ListLen(ctx, store.AuditKey)
}
