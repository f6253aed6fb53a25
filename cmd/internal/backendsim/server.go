// Package backendsim is an in-process simulation of the chat service: the delta, history,
// action, init and live endpoints of one account. It backs transport tests, the
// end-to-end session tests and the `chatsync backend-sim` command.
package backendsim

import (
	"crypto/subtle"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"chatsync/cmd/identity"
	"chatsync/cmd/identity/ids"
	"chatsync/cmd/security/token"
	v1 "chatsync/shared/contracts/delta/v1"
)

// FaultKind selects how an injected fault corrupts a delta response.
type FaultKind uint8

const (
	// FaultHTTP answers with HTTP 503.
	FaultHTTP FaultKind = iota + 1
	// FaultMalformed answers with a delta lacking its revision.
	FaultMalformed
	// FaultServiceError answers with the error code in Fault.Code.
	FaultServiceError
)

// Fault is an injected delta failure, consumed once per request for Times requests.
type Fault struct {
	Kind  FaultKind
	Code  string
	Times int
}

// logEntry is one change of the revision log.
type logEntry struct {
	seq     int64
	item    *v1.MessageItem
	deleted string
}

type page struct {
	sessionID string
	tokenHash string
	limiter   *RateLimiter
}

// Server holds the simulated service state. All methods are safe for concurrent use.
type Server struct {
	log      *slog.Logger
	now      func() time.Time
	pageSize int
	hmacKey  []byte
	open     bool

	mu       sync.Mutex
	seq      int64
	entries  []logEntry
	messages map[string]v1.MessageItem // server-side ID -> live message
	byClient map[string]string         // client-side ID -> server-side ID
	pages    map[string]*page
	faults   []Fault
	fatal    string
	typing   bool
	draft    string
	subs     map[*subscriber]struct{}
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Server) {
		if log != nil {
			s.log = log
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		if now != nil {
			s.now = now
		}
	}
}

// WithPageSize sets the delta page size.
func WithPageSize(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.pageSize = n
		}
	}
}

// WithTokenHMACKey hashes issued auth tokens with HMAC-SHA256 instead of SHA-256.
func WithTokenHMACKey(key []byte) Option {
	return func(s *Server) { s.hmacKey = key }
}

// WithOpenAccess disables credential checks on every endpoint.
func WithOpenAccess() Option {
	return func(s *Server) { s.open = true }
}

// New constructs an empty simulated service.
func New(opts ...Option) *Server {
	s := &Server{
		log:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:      func() time.Time { return time.Now().UTC() },
		pageSize: defaultPageSize,
		messages: make(map[string]v1.MessageItem),
		byClient: make(map[string]string),
		pages:    make(map[string]*page),
		subs:     make(map[*subscriber]struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Revision returns the current revision token.
func (s *Server) Revision() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return revisionOf(s.seq)
}

func revisionOf(seq int64) string { return strconv.FormatInt(seq, 10) }

// AddMessage appends a message (assigning an ID and timestamp when missing), pushes
// it to live subscribers and returns the stored item.
func (s *Server) AddMessage(it v1.MessageItem) v1.MessageItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addLocked(it)
}

func (s *Server) addLocked(it v1.MessageItem) v1.MessageItem {
	now := s.now()
	if it.ID == "" {
		id, err := ids.NewULID(now)
		if err != nil {
			id = NewRandomHex(13)
		}
		it.ID = id
	}
	if it.ClientSideID == "" {
		it.ClientSideID = it.ID
	}
	if it.TimestampMicros == 0 && it.Timestamp == 0 {
		it.TimestampMicros = now.UnixMicro()
	}
	if it.Kind == "" {
		it.Kind = v1.KindOperator
	}

	s.messages[it.ID] = it
	s.byClient[it.ClientSideID] = it.ID
	s.appendLocked(logEntry{item: &it})
	s.broadcastLocked(v1.TypeChatMessage, v1.ChatMessagePayload{Message: it})
	return it
}

// EditMessage replaces the text of a live message. It reports whether the message exists.
func (s *Server) EditMessage(id, text string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.editLocked(id, func(it *v1.MessageItem) {
		it.Text = text
		it.Edited = true
	})
}

func (s *Server) editLocked(id string, fn func(*v1.MessageItem)) bool {
	sid := s.resolveLocked(id)
	it, ok := s.messages[sid]
	if !ok {
		return false
	}
	fn(&it)
	s.messages[sid] = it
	s.appendLocked(logEntry{item: &it})
	s.broadcastLocked(v1.TypeChatMessageChanged, v1.ChatMessagePayload{Message: it})
	return true
}

// DeleteMessage hard-deletes a live message. It reports whether the message existed.
func (s *Server) DeleteMessage(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteLocked(id)
}

func (s *Server) deleteLocked(id string) bool {
	sid := s.resolveLocked(id)
	it, ok := s.messages[sid]
	if !ok {
		return false
	}
	delete(s.messages, sid)
	delete(s.byClient, it.ClientSideID)
	s.appendLocked(logEntry{deleted: sid})
	return true
}

// InjectDeltaFault queues a fault for the next delta requests.
func (s *Server) InjectDeltaFault(f Fault) {
	if f.Times <= 0 {
		f.Times = 1
	}
	s.mu.Lock()
	s.faults = append(s.faults, f)
	s.mu.Unlock()
}

// SetFatal makes every authenticated endpoint answer with a fatal code and pushes the
// code to live subscribers. An empty code clears it.
func (s *Server) SetFatal(code string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fatal = code
	if code != "" {
		s.broadcastLocked(v1.TypeError, v1.ErrorPayload{Code: code})
	}
}

// Typing returns the last reported visitor typing state.
func (s *Server) Typing() (bool, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.typing, s.draft
}

// Messages returns the live messages ordered by timestamp.
func (s *Server) Messages() []v1.MessageItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedLocked()
}

// ---- state internals (callers hold s.mu) ----

func (s *Server) appendLocked(e logEntry) {
	s.seq++
	e.seq = s.seq
	s.entries = append(s.entries, e)
	s.broadcastLocked(v1.TypeRevision, v1.RevisionPayload{Revision: revisionOf(s.seq)})
}

func (s *Server) resolveLocked(id string) string {
	if _, ok := s.messages[id]; ok {
		return id
	}
	if sid, ok := s.byClient[id]; ok {
		return sid
	}
	return id
}

func (s *Server) sortedLocked() []v1.MessageItem {
	out := make([]v1.MessageItem, 0, len(s.messages))
	for _, it := range s.messages {
		out = append(out, it)
	}
	sort.Slice(out, func(i, j int) bool {
		ti, tj := tsOf(out[i]), tsOf(out[j])
		if ti != tj {
			return ti < tj
		}
		return out[i].ClientSideID < out[j].ClientSideID
	})
	return out
}

func tsOf(it v1.MessageItem) int64 {
	if it.TimestampMicros != 0 {
		return it.TimestampMicros
	}
	return int64(it.Timestamp * 1e6)
}

// delta returns the log entries after since, up to the page size.
func (s *Server) deltaLocked(since int64) v1.DeltaResponse {
	var (
		msgs    []v1.MessageItem
		deleted []string
		last    = since
		pos     = make(map[string]int)
	)

	start := sort.Search(len(s.entries), func(i int) bool { return s.entries[i].seq > since })
	end := start + s.pageSize
	if end > len(s.entries) {
		end = len(s.entries)
	}
	for _, e := range s.entries[start:end] {
		last = e.seq
		if e.item == nil {
			deleted = append(deleted, e.deleted)
			continue
		}
		if i, ok := pos[e.item.ID]; ok {
			msgs[i] = *e.item
			continue
		}
		pos[e.item.ID] = len(msgs)
		msgs = append(msgs, *e.item)
	}
	if msgs == nil {
		msgs = []v1.MessageItem{}
	}

	rev := revisionOf(last)
	return v1.DeltaResponse{
		Revision: &rev,
		HasMore:  end < len(s.entries),
		Messages: msgs,
		Deleted:  deleted,
	}
}

// history returns up to limit live messages strictly older than before (0: newest).
func (s *Server) historyLocked(before int64, limit int) v1.HistoryResponse {
	all := s.sortedLocked()
	end := len(all)
	if before > 0 {
		end = sort.Search(len(all), func(i int) bool { return tsOf(all[i]) >= before })
	}
	start := end - limit
	if start < 0 {
		start = 0
	}
	msgs := append([]v1.MessageItem{}, all[start:end]...)
	return v1.HistoryResponse{Messages: msgs, HasMore: start > 0}
}

func (s *Server) takeFaultLocked() (Fault, bool) {
	if len(s.faults) == 0 {
		return Fault{}, false
	}
	f := s.faults[0]
	s.faults[0].Times--
	if s.faults[0].Times <= 0 {
		s.faults = s.faults[1:]
	}
	return f, true
}

// ---- credentials ----

func (s *Server) hashToken(tok string) string {
	return token.HashAuthTokenHex(tok, s.hmacKey)
}

func (s *Server) issueLocked(sessionID string) (v1.InitResponse, error) {
	now := s.now()
	if sessionID == "" {
		id, err := ids.NewULID(now)
		if err != nil {
			return v1.InitResponse{}, err
		}
		sessionID = id
	}
	pageID := NewRandomHex(12)
	tok, err := identity.NewOpaqueToken(32)
	if err != nil {
		return v1.InitResponse{}, err
	}
	s.pages[pageID] = &page{
		sessionID: sessionID,
		tokenHash: s.hashToken(tok),
		limiter:   NewRateLimiter(rateLimitEvents, rateLimitWindow),
	}
	return v1.InitResponse{SessionID: sessionID, PageID: pageID, AuthToken: tok}, nil
}

// authorizeLocked returns the page for valid credentials (nil page with open access).
func (s *Server) authorizeLocked(pageID, tok string) (*page, bool) {
	if s.open {
		return nil, true
	}
	p, ok := s.pages[pageID]
	if !ok || tok == "" {
		return nil, false
	}
	if subtle.ConstantTimeCompare([]byte(p.tokenHash), []byte(s.hashToken(tok))) != 1 {
		return nil, false
	}
	return p, true
}
