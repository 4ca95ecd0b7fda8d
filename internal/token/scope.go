package token

// Scope is the coarse permission tier carried inside an access token.
type Scope string

const (
	ScopeGuest  Scope = "guest"
	ScopeWriter Scope = "writer"
	ScopeAdmin  Scope = "admin"
)

// ParseScope validates a wire-format scope string.
func ParseScope(s string) (Scope, bool) {
	switch Scope(s) {
	case ScopeGuest, ScopeWriter, ScopeAdmin:
		return Scope(s), true
	default:
		return "", false
	}
}

// Rank orders scopes for downgrade detection. Higher rank means more
// privilege.
func (s Scope) Rank() int {
	switch s {
	case ScopeAdmin:
		return 2
	case ScopeWriter:
		return 1
	case ScopeGuest:
		return 0
	default:
		return -1
	}
}

// Valid reports whether s is one of the three known tiers.
func (s Scope) Valid() bool {
	return s.Rank() >= 0
}
