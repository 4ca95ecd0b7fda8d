package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	minSigningKeyBytes = 32
	parseLeeway        = 30 * time.Second
)

// Claims is the decoded access-token payload: subject, scope, and the
// registered time claims.
type Claims struct {
	Scope Scope `json:"scope"`
	jwt.RegisteredClaims
}

// Signer mints and parses HS256 access tokens. It is the only component
// allowed to touch the signing key.
type Signer struct {
	key    []byte
	issuer string
	ttl    time.Duration
}

// NewSigner validates the key material and access TTL up front so a
// misconfigured engine fails at construction, not at first issuance.
func NewSigner(key []byte, issuer string, ttl time.Duration) (*Signer, error) {
	if len(key) < minSigningKeyBytes {
		return nil, fmt.Errorf("signer: key must be at least %d bytes", minSigningKeyBytes)
	}
	if ttl <= 0 {
		return nil, errors.New("signer: access TTL must be positive")
	}
	return &Signer{key: key, issuer: issuer, ttl: ttl}, nil
}

// TTL returns the configured access-token lifetime.
func (s *Signer) TTL() time.Duration {
	return s.ttl
}

// Mint signs an access token for subject at the given scope.
func (s *Signer) Mint(subject string, scope Scope, now time.Time) (string, error) {
	claims := Claims{
		Scope: scope,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
}

// Parse verifies signature, expiry, and issuer, returning the decoded
// claims. Any defect (wrong algorithm, bad signature, expired, unknown
// scope) is an error; callers treat that as a normal unauthenticated
// outcome.
func (s *Signer) Parse(raw string) (*Claims, error) {
	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(parseLeeway),
	}
	if s.issuer != "" {
		options = append(options, jwt.WithIssuer(s.issuer))
	}

	parser := jwt.NewParser(options...)
	parsed, err := parser.ParseWithClaims(raw, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		return s.key, nil
	})
	if err != nil {
		return nil, err
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}
	if claims.Subject == "" || !claims.Scope.Valid() {
		return nil, jwt.ErrTokenInvalidClaims
	}
	return claims, nil
}
