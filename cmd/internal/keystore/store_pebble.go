package keystore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/cockroachdb/pebble"
)

// PebbleStore is a durable Store backed by a local Pebble database directory.
//
// Ownership model:
// - PebbleStore owns the database; Close flushes and releases it.
type PebbleStore struct {
	mu sync.RWMutex
	db *pebble.DB
}

var _ Store = (*PebbleStore)(nil)

// OpenPebbleStore opens (or creates) the database at dir.
func OpenPebbleStore(dir string) (*PebbleStore, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errors.New("keystore: empty pebble dir")
	}
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("keystore: open pebble: %w", err)
	}
	return &PebbleStore{db: db}, nil
}

func (s *PebbleStore) Get(ctx context.Context, key string) (Values, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, ErrClosed
	}

	raw, closer, err := s.db.Get([]byte(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return Values{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("keystore: get %q: %w", key, err)
	}
	defer closer.Close()

	// raw is only valid until closer.Close; decode copies.
	return decodeValues(raw)
}

func (s *PebbleStore) Set(ctx context.Context, key string, v Values) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := encodeValues(v)
	if err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return ErrClosed
	}
	if err := s.db.Set([]byte(key), b, pebble.Sync); err != nil {
		return fmt.Errorf("keystore: set %q: %w", key, err)
	}
	return nil
}

func (s *PebbleStore) Remove(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return ErrClosed
	}
	if err := s.db.Delete([]byte(key), pebble.Sync); err != nil {
		return fmt.Errorf("keystore: remove %q: %w", key, err)
	}
	return nil
}

func (s *PebbleStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}
