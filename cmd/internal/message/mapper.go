package message

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/url"
	"strings"

	v1 "chatsync/shared/contracts/delta/v1"

	lru "github.com/hashicorp/golang-lru/v2"
)

// resolvedCacheSize bounds the cache of resolved links. Avatars and file links repeat
// across every poll.
const resolvedCacheSize = 512

// ErrMalformed is the kind of every mapping failure.
var ErrMalformed = errors.New("malformed message item")

// MalformedError reports why a wire item could not become a record.
type MalformedError struct {
	Index  int
	ID     string
	Reason string
}

func (e MalformedError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("%v at index %d: %s", ErrMalformed, e.Index, e.Reason)
	}
	return fmt.Sprintf("%v %q at index %d: %s", ErrMalformed, e.ID, e.Index, e.Reason)
}

func (e MalformedError) Unwrap() error { return ErrMalformed }

// Mapper converts wire items into records. It is safe for concurrent use.
type Mapper struct {
	base     *url.URL
	log      *slog.Logger
	resolved *lru.Cache[string, string]
}

// NewMapper builds a mapper resolving relative links against baseURL.
// An empty baseURL leaves relative links untouched.
func NewMapper(baseURL string, log *slog.Logger) (*Mapper, error) {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	// lru.New only fails for a non-positive size.
	cache, _ := lru.New[string, string](resolvedCacheSize)
	m := &Mapper{log: log, resolved: cache}
	if strings.TrimSpace(baseURL) != "" {
		u, err := url.Parse(strings.TrimSpace(baseURL))
		if err != nil {
			return nil, fmt.Errorf("message: parse base url: %w", err)
		}
		if !u.IsAbs() {
			return nil, fmt.Errorf("message: base url must be absolute: %q", baseURL)
		}
		m.base = u
	}
	return m, nil
}

// MapBatch maps items, dropping malformed ones with a diagnostic.
// The returned errors describe the dropped items; they never abort the batch.
func (m *Mapper) MapBatch(items []v1.MessageItem, p Provenance) ([]Record, []error) {
	out := make([]Record, 0, len(items))
	var dropped []error
	for i, it := range items {
		rec, err := m.Map(it, p)
		if err != nil {
			var me MalformedError
			if errors.As(err, &me) {
				me.Index = i
				err = me
			}
			m.log.Warn("message.map.drop", "index", i, "err", err)
			dropped = append(dropped, err)
			continue
		}
		out = append(out, rec)
	}
	return out, dropped
}

// Map converts one wire item. Absent fields take their zero/default value.
func (m *Mapper) Map(it v1.MessageItem, p Provenance) (Record, error) {
	clientID := strings.TrimSpace(it.ClientSideID)
	serverID := strings.TrimSpace(it.ID)
	if clientID == "" {
		clientID = serverID
	}
	if clientID == "" {
		return Record{}, MalformedError{Reason: "missing id"}
	}

	ts, err := timestampMicros(it)
	if err != nil {
		return Record{}, MalformedError{ID: clientID, Reason: err.Error()}
	}

	kind, sender := kindOf(it.Kind)

	rec := Record{
		ClientSideID:    clientID,
		ServerSideID:    serverID,
		Kind:            kind,
		Sender:          sender,
		SenderID:        strings.TrimSpace(it.AuthorID),
		SenderName:      strings.TrimSpace(it.Name),
		AvatarURL:       m.resolve(it.Avatar),
		Text:            it.Text,
		TimestampMicros: ts,
		Edited:          it.Edited,
		Deleted:         it.Deleted,
		Read:            it.Read,
		Quote:           quoteOf(it.Quote),
		Reaction: Reaction{
			Visitor:   strings.TrimSpace(it.Reaction),
			CanReact:  it.CanReact,
			CanChange: it.CanChangeReact,
		},
		SendStatus: StatusSent,
		Provenance: p,
	}

	m.decodePayload(&rec, it)
	return rec, nil
}

func timestampMicros(it v1.MessageItem) (int64, error) {
	switch {
	case it.TimestampMicros < 0 || it.Timestamp < 0:
		return 0, errors.New("negative timestamp")
	case it.TimestampMicros > 0:
		return it.TimestampMicros, nil
	case it.Timestamp > 0:
		return int64(math.Round(it.Timestamp * 1e6)), nil
	default:
		return 0, errors.New("missing timestamp")
	}
}

func kindOf(wire string) (Kind, Sender) {
	switch strings.TrimSpace(wire) {
	case v1.KindVisitor:
		return KindText, SenderVisitor
	case v1.KindOperator:
		return KindText, SenderOperator
	case v1.KindBot:
		return KindText, SenderBot
	case v1.KindFileFromVisitor:
		return KindFile, SenderVisitor
	case v1.KindFileFromOperator:
		return KindFile, SenderOperator
	case v1.KindKeyboard:
		return KindKeyboard, SenderBot
	case v1.KindKeyboardResponse:
		return KindKeyboardResponse, SenderVisitor
	case v1.KindStickerVisitor:
		return KindSticker, SenderVisitor
	case v1.KindActionRequest:
		return KindActionRequest, SenderOperator
	case v1.KindContactDetails:
		return KindContactRequest, SenderVisitor
	default:
		// info, operator_busy and kinds this client does not know yet.
		return KindInfo, SenderSystem
	}
}

func quoteOf(q *v1.QuoteItem) *Quote {
	if q == nil {
		return nil
	}
	out := &Quote{State: QuoteState(strings.TrimSpace(q.State))}
	if out.State == "" {
		out.State = QuotePending
	}
	if q.Message != nil {
		kind, _ := kindOf(q.Message.Kind)
		out.MessageID = q.Message.ID
		out.AuthorID = q.Message.AuthorID
		out.SenderName = q.Message.Name
		out.Text = q.Message.Text
		out.Kind = kind
		out.TimestampMicros = q.Message.TimestampMicros
	}
	return out
}

// decodePayload fills the kind variant. A payload that does not decode is treated as absent.
func (m *Mapper) decodePayload(rec *Record, it v1.MessageItem) {
	data := []byte(it.Data)
	if len(data) == 0 && strings.HasPrefix(strings.TrimSpace(it.Text), "{") {
		// Older backends put the JSON payload of file messages into text.
		data = []byte(it.Text)
	}
	if len(data) == 0 {
		return
	}

	switch rec.Kind {
	case KindFile:
		var fd v1.FileData
		if err := json.Unmarshal(data, &fd); err != nil || fd.File == nil {
			m.log.Debug("message.map.payload.absent", "id", rec.ClientSideID, "kind", rec.Kind, "err", err)
			return
		}
		rec.Payload.File = &File{
			State:        fd.File.State,
			ContentType:  fd.File.ContentType,
			Name:         fd.File.Filename,
			GUID:         fd.File.GUID,
			Size:         fd.File.Size,
			URL:          m.resolve(fd.File.URL),
			ErrorType:    fd.File.ErrorType,
			ErrorMessage: fd.File.ErrorMessage,
		}
		if rec.Text == string(data) {
			rec.Text = fd.File.Filename
		}
	case KindKeyboard, KindKeyboardResponse:
		var kd v1.KeyboardData
		if err := json.Unmarshal(data, &kd); err != nil {
			m.log.Debug("message.map.payload.absent", "id", rec.ClientSideID, "kind", rec.Kind, "err", err)
			return
		}
		if rec.Kind == KindKeyboard {
			kb := &Keyboard{State: kd.State, Buttons: make([][]Button, 0, len(kd.Buttons))}
			for _, row := range kd.Buttons {
				out := make([]Button, 0, len(row))
				for _, b := range row {
					out = append(out, Button{ID: b.ID, Text: b.Text})
				}
				kb.Buttons = append(kb.Buttons, out)
			}
			if kd.Response != nil {
				kb.ResponseButtonID = kd.Response.ButtonID
			}
			rec.Payload.Keyboard = kb
			return
		}
		if kd.Request != nil {
			rec.Payload.KeyboardResponse = &KeyboardResponse{
				ButtonID:   kd.Request.Button.ID,
				ButtonText: kd.Request.Button.Text,
				MessageID:  kd.Request.MessageID,
			}
		}
	case KindSticker:
		var sd v1.StickerData
		if err := json.Unmarshal(data, &sd); err != nil {
			m.log.Debug("message.map.payload.absent", "id", rec.ClientSideID, "kind", rec.Kind, "err", err)
			return
		}
		rec.Payload.Sticker = &Sticker{ID: sd.StickerID}
	}
}

func (m *Mapper) resolve(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" || m.base == nil {
		return raw
	}
	if out, ok := m.resolved.Get(raw); ok {
		return out
	}
	out := raw
	if u, err := url.Parse(raw); err == nil && !u.IsAbs() {
		out = m.base.ResolveReference(u).String()
	}
	m.resolved.Add(raw, out)
	return out
}
