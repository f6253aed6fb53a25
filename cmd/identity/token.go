package identity

import (
	"crypto/rand"
	"encoding/base64"
)

// NewOpaqueToken returns a random URL-safe (base64url, unpadded) token of nBytes
// (32 when nBytes <= 0). Issuers store only a digest of it.
func NewOpaqueToken(nBytes int) (string, error) {
	if nBytes <= 0 {
		nBytes = 32
	}

	b := make([]byte, nBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
