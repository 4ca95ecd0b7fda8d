package store

// Redis key layout. Every record the service owns lives under one of these
// prefixes so the diagnostics scans and the purge script can find them.
const (
	// ActivePrefix keys the per-subject active-token record (revocation
	// allow-list entry).
	ActivePrefix = "at:"
	// RefreshPrefix keys refresh records by their opaque value.
	RefreshPrefix = "rt:"
	// RefreshIndexPrefix keys the per-subject set of outstanding opaque
	// refresh values, enabling subject-wide revocation.
	RefreshIndexPrefix = "rts:"
	// UserPrefix keys user records by subject.
	UserPrefix = "user:"
	// PendingPrefix keys pending role requests by subject.
	PendingPrefix = "pending:"
	// ProbePrefix keys the self-expiring diagnostics sentinel.
	ProbePrefix = "probe:"

	// AuditKey is the capped list holding audit entries, newest first.
	AuditKey = "audit"
)

// ActiveKey returns the active-token record key for a subject.
func ActiveKey(subject string) string { return ActivePrefix + subject }

// RefreshKey returns the refresh record key for an opaque token value.
func RefreshKey(opaque string) string { return RefreshPrefix + opaque }

// RefreshIndexKey returns the subject's refresh-token index key.
func RefreshIndexKey(subject string) string { return RefreshIndexPrefix + subject }

// UserKey returns the user record key for a subject.
func UserKey(subject string) string { return UserPrefix + subject }

// PendingKey returns the pending role request key for a subject.
func PendingKey(subject string) string { return PendingPrefix + subject }

// ProbeKey returns a diagnostics sentinel key.
func ProbeKey(id string) string { return ProbePrefix + id }
