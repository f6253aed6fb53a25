// Package identity defines the session identity of a visitor: the tuple that scopes
// persisted credentials, the last applied revision and the durable history file.
//
// It also hosts the ID primitives (ULID) used for client-side message IDs.
//
// This package is intentionally dependency-light.
package identity
