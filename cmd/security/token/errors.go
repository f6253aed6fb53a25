package token

import "errors"

// Sentinels of HMACKeyFromEnv. Callers map them to startup policy errors.
var (
	ErrHMACKeyMissing  = errors.New("token: " + HMACEnvKey + " is not set")
	ErrHMACKeyTooShort = errors.New("token: " + HMACEnvKey + " is shorter than required")
)
