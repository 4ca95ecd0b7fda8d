package token

import "errors"

var (
	// ErrInvalidRequest is returned for malformed or missing grant input.
	ErrInvalidRequest = errors.New("invalid token request")
	// ErrInvalidClient is returned when a client secret is present but
	// wrong. A wrong secret never downgrades silently to guest scope.
	ErrInvalidClient = errors.New("invalid client credentials")
	// ErrInvalidGrant is returned for an absent, expired, replayed, or
	// revoked refresh token. All terminal refresh states answer with this.
	ErrInvalidGrant = errors.New("invalid refresh grant")
)
