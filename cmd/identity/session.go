package identity

import (
	"encoding/hex"
	"net/url"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// AnonymousVisitor is the visitor component used when no visitor identity is provided.
const AnonymousVisitor = "anonymous"

const keyPrefix = "chatsync"

// Session is the identity tuple of one visitor session.
// Two sessions with equal normalized tuples share credentials, revision and history.
type Session struct {
	Account      string
	Location     string
	Visitor      string
	ChatInstance string
}

// Normalize returns the canonical form of s.
func (s Session) Normalize() Session {
	out := Session{
		Account:      NormalizeAccount(s.Account),
		Location:     NormalizeLocation(s.Location),
		Visitor:      strings.TrimSpace(s.Visitor),
		ChatInstance: strings.TrimSpace(s.ChatInstance),
	}
	if out.Visitor == "" {
		out.Visitor = AnonymousVisitor
	}
	return out
}

// Validate checks the required components of the tuple.
func (s Session) Validate() error {
	n := s.Normalize()
	if n.Account == "" {
		return invalid("identity.Session", "missing account")
	}
	if n.Location == "" {
		return invalid("identity.Session", "missing location")
	}
	return nil
}

// Key renders the stable keystore key for the identity.
// Components are path-escaped so no component can forge a separator.
func (s Session) Key() string {
	n := s.Normalize()
	parts := []string{
		keyPrefix,
		url.PathEscape(n.Account),
		url.PathEscape(n.Location),
		url.PathEscape(n.Visitor),
		url.PathEscape(n.ChatInstance),
	}
	return strings.Join(parts, "/")
}

// FileName returns the durable history file name for the identity.
// The name is derived from a BLAKE2b-256 digest of Key, so it never leaks visitor data.
func (s Session) FileName() string {
	sum := blake2b.Sum256([]byte(s.Key()))
	return hex.EncodeToString(sum[:]) + ".db"
}

// String implements fmt.Stringer without exposing the visitor component.
func (s Session) String() string {
	n := s.Normalize()
	return n.Account + "/" + n.Location + "#" + n.ChatInstance
}
