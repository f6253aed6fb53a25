// Package message defines the canonical message record of a visitor session and the
// mapper that turns wire items into records.
package message

import (
	"reflect"
	"strings"
)

// Sender is who authored a record.
type Sender string

const (
	SenderVisitor  Sender = "visitor"
	SenderOperator Sender = "operator"
	SenderSystem   Sender = "system"
	SenderBot      Sender = "bot"
)

// SendStatus tracks delivery of visitor-originated records.
type SendStatus string

const (
	StatusSending SendStatus = "sending"
	StatusSent    SendStatus = "sent"
	StatusFailed  SendStatus = "failed"
)

// Provenance says which source currently owns a record.
type Provenance uint8

const (
	ProvenanceHistory Provenance = iota
	ProvenanceCurrentChat
)

func (p Provenance) String() string {
	if p == ProvenanceCurrentChat {
		return "current_chat"
	}
	return "history"
}

// Record is the canonical unit of chat content.
type Record struct {
	ClientSideID string
	ServerSideID string

	Kind       Kind
	Sender     Sender
	SenderID   string
	SenderName string
	AvatarURL  string
	Text       string

	// TimestampMicros is the server timestamp (or local send time for optimistic records).
	TimestampMicros int64

	Edited  bool
	Deleted bool
	Read    bool

	Quote      *Quote
	Reaction   Reaction
	SendStatus SendStatus
	Payload    Payload

	// Transient fields, excluded from Equal.
	Provenance Provenance
	// PrimaryID is set on a secondary representation and names the record that is visible
	// in its place while a provenance transition is in progress.
	PrimaryID string
}

// Quote references another message.
type Quote struct {
	State           QuoteState
	MessageID       string
	AuthorID        string
	SenderName      string
	Text            string
	Kind            Kind
	TimestampMicros int64
}

// QuoteState is the resolution state of a quote.
type QuoteState string

const (
	QuotePending  QuoteState = "pending"
	QuoteFilled   QuoteState = "filled"
	QuoteNotFound QuoteState = "not_found"
)

// Reaction is the visitor reaction state of a record.
type Reaction struct {
	Visitor   string
	CanReact  bool
	CanChange bool
}

// Key returns the ordering key of r.
func (r Record) Key() OrderKey {
	return OrderKey{TimestampMicros: r.TimestampMicros, ClientSideID: r.ClientSideID}
}

// IsSecondary reports whether r is hidden behind another representation.
func (r Record) IsSecondary() bool { return r.PrimaryID != "" }

// HasID reports whether id names r by client-side or server-side ID.
func (r Record) HasID(id string) bool {
	if id == "" {
		return false
	}
	return r.ClientSideID == id || r.ServerSideID == id
}

// SameIdentity reports whether r and o are representations of the same message by ID:
// equal client-side IDs, or equal non-empty server-side IDs.
func (r Record) SameIdentity(o Record) bool {
	if r.ClientSideID != "" && r.ClientSideID == o.ClientSideID {
		return true
	}
	return r.ServerSideID != "" && r.ServerSideID == o.ServerSideID
}

// SameContent is the fallback identity used when the server replaced the client-side ID:
// equal timestamp, text and sender.
func (r Record) SameContent(o Record) bool {
	return r.TimestampMicros == o.TimestampMicros &&
		r.Sender == o.Sender &&
		strings.TrimSpace(r.Text) == strings.TrimSpace(o.Text)
}

// Equal compares field by field, excluding transient fields (provenance, linkage).
func (r Record) Equal(o Record) bool {
	a, b := r, o
	a.Provenance, b.Provenance = 0, 0
	a.PrimaryID, b.PrimaryID = "", ""
	return reflect.DeepEqual(a, b)
}

// Clone returns a deep copy of r.
func (r Record) Clone() Record {
	out := r
	if r.Quote != nil {
		q := *r.Quote
		out.Quote = &q
	}
	out.Payload = r.Payload.clone()
	return out
}
