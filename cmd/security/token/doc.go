// Package token provides hashing primitives for service auth tokens.
//
// The simulated backend stores only token digests:
// - SHA-256(token) when no HMAC key is configured.
// - HMAC-SHA256(token, key) when CHATSYNC_TOKEN_HMAC_KEY is set.
//
// Output is always a 64-char hex string, compared in constant time by callers.
package token
