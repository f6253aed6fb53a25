package backendsim

import (
	"crypto/rand"
	"encoding/hex"
)

// NewRandomHex returns a random hex string of length 2*nBytes (16 bytes when nBytes <= 0).
// It returns "" if the system random source fails.
func NewRandomHex(nBytes int) string {
	if nBytes <= 0 {
		nBytes = 16
	}
	b := make([]byte, nBytes)
	if _, err := rand.Read(b); err != nil {
		return ""
	}
	return hex.EncodeToString(b)
}
