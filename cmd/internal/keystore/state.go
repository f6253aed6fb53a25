package keystore

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

const (
	fieldRevision     = "revision"
	fieldHistoryEnded = "history_ended"
	fieldReadBefore   = "read_before_ts_m"
	fieldSessionID    = "session_id"
	fieldPageID       = "page_id"
	fieldAuthToken    = "auth_token"
	fieldDBFile       = "db_file"

	deviceKey   = "chatsync/device"
	fieldDevice = "device_id"
)

// Credentials is the persisted authentication of one session identity.
type Credentials struct {
	SessionID string
	PageID    string
	AuthToken string
}

// IsZero reports whether no credential is set.
func (c Credentials) IsZero() bool { return c == Credentials{} }

// SessionState is the typed view over the keystore entry of one session identity.
// Every setter is a read-modify-write of the whole entry; callers serialize access per
// identity (one live session per identity).
type SessionState struct {
	store Store
	key   string
}

// NewSessionState binds store to the entry at key (see identity.Session.Key).
func NewSessionState(store Store, key string) (*SessionState, error) {
	if store == nil {
		return nil, errors.New("keystore: nil store")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, errors.New("keystore: empty key")
	}
	return &SessionState{store: store, key: key}, nil
}

// Key returns the entry key.
func (s *SessionState) Key() string { return s.key }

func (s *SessionState) update(ctx context.Context, fn func(Values)) error {
	v, err := s.store.Get(ctx, s.key)
	if err != nil {
		return err
	}
	fn(v)
	return s.store.Set(ctx, s.key, v)
}

func (s *SessionState) field(ctx context.Context, name string) (string, error) {
	v, err := s.store.Get(ctx, s.key)
	if err != nil {
		return "", err
	}
	return v[name], nil
}

// LastRevision returns the last committed revision ("" when none).
func (s *SessionState) LastRevision(ctx context.Context) (string, error) {
	return s.field(ctx, fieldRevision)
}

// SetLastRevision persists rev. Call only after the batch of rev is committed.
func (s *SessionState) SetLastRevision(ctx context.Context, rev string) error {
	return s.update(ctx, func(v Values) {
		if rev == "" {
			delete(v, fieldRevision)
			return
		}
		v[fieldRevision] = rev
	})
}

// HistoryEnded reports whether the oldest point of server history was reached.
func (s *SessionState) HistoryEnded(ctx context.Context) (bool, error) {
	raw, err := s.field(ctx, fieldHistoryEnded)
	if err != nil || raw == "" {
		return false, err
	}
	ended, err := strconv.ParseBool(raw)
	if err != nil {
		return false, nil
	}
	return ended, nil
}

// SetHistoryEnded latches the history-ended flag.
func (s *SessionState) SetHistoryEnded(ctx context.Context, ended bool) error {
	return s.update(ctx, func(v Values) {
		v[fieldHistoryEnded] = strconv.FormatBool(ended)
	})
}

// ReadBefore returns the read-before timestamp in microseconds (0 when unset).
func (s *SessionState) ReadBefore(ctx context.Context) (int64, error) {
	raw, err := s.field(ctx, fieldReadBefore)
	if err != nil || raw == "" {
		return 0, err
	}
	ts, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, nil
	}
	return ts, nil
}

// SetReadBefore persists ts if it is newer than the stored value.
func (s *SessionState) SetReadBefore(ctx context.Context, ts int64) error {
	return s.update(ctx, func(v Values) {
		cur, _ := strconv.ParseInt(v[fieldReadBefore], 10, 64)
		if ts > cur {
			v[fieldReadBefore] = strconv.FormatInt(ts, 10)
		}
	})
}

// Credentials returns the persisted credentials.
func (s *SessionState) Credentials(ctx context.Context) (Credentials, error) {
	v, err := s.store.Get(ctx, s.key)
	if err != nil {
		return Credentials{}, err
	}
	return Credentials{
		SessionID: v[fieldSessionID],
		PageID:    v[fieldPageID],
		AuthToken: v[fieldAuthToken],
	}, nil
}

// SetCredentials persists c.
func (s *SessionState) SetCredentials(ctx context.Context, c Credentials) error {
	return s.update(ctx, func(v Values) {
		v[fieldSessionID] = c.SessionID
		v[fieldPageID] = c.PageID
		v[fieldAuthToken] = c.AuthToken
	})
}

// DBFileName returns the selected history file name ("" when none).
func (s *SessionState) DBFileName(ctx context.Context) (string, error) {
	return s.field(ctx, fieldDBFile)
}

// SetDBFileName persists the selected history file name.
func (s *SessionState) SetDBFileName(ctx context.Context, name string) error {
	return s.update(ctx, func(v Values) { v[fieldDBFile] = name })
}

// Clear removes the whole entry of this identity. The device ID is kept.
func (s *SessionState) Clear(ctx context.Context) error {
	return s.store.Remove(ctx, s.key)
}

// DeviceID returns the process-wide device ID, generating and persisting one on first use.
func DeviceID(ctx context.Context, store Store) (string, error) {
	v, err := store.Get(ctx, deviceKey)
	if err != nil {
		return "", err
	}
	if id := v[fieldDevice]; id != "" {
		return id, nil
	}
	id := uuid.NewString()
	v[fieldDevice] = id
	if err := store.Set(ctx, deviceKey, v); err != nil {
		return "", err
	}
	return id, nil
}
