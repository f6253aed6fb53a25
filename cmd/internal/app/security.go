package app

import (
	"errors"

	"chatsync/cmd/security/token"
)

const minTokenHMACKeyBytes = 32

// simTokenKey resolves the auth-token hashing key of the simulated backend. A nil key
// means plain SHA-256 hashing, which is refused when SimRequireTokenHMAC is set.
func simTokenKey(cfg Config) ([]byte, error) {
	key, err := token.HMACKeyFromEnv(minTokenHMACKeyBytes)
	switch {
	case err == nil:
		return key, nil
	case errors.Is(err, token.ErrHMACKeyMissing):
		if cfg.SimRequireTokenHMAC {
			return nil, errors.New("security policy: CHATSYNC_SIM_REQUIRE_TOKEN_HMAC=true but " + token.HMACEnvKey + " is missing")
		}
		return nil, nil
	case errors.Is(err, token.ErrHMACKeyTooShort):
		return nil, errors.New("security policy: " + token.HMACEnvKey + " is too short (min 32 bytes)")
	default:
		return nil, err
	}
}
