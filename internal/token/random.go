package token

import (
	"crypto/rand"
	"encoding/base64"
)

const opaqueTokenBytes = 32

// newOpaqueToken returns a fresh random refresh-token value. The value is
// opaque to clients and only ever meaningful as a store key.
func newOpaqueToken() (string, error) {
	buf := make([]byte, opaqueTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
