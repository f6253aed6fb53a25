// Package keystore is the durable key-value collaborator of a session: credentials,
// last applied revision, read-before timestamp and the history-ended flag live here,
// keyed by the session identity.
package keystore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
)

// ErrClosed is returned by every operation after Close.
var ErrClosed = errors.New("keystore: closed")

// Values is the dictionary of primitives stored under one key.
type Values map[string]string

// Clone returns a copy of v (nil stays nil).
func (v Values) Clone() Values {
	if v == nil {
		return nil
	}
	return maps.Clone(v)
}

// Store is a keyed get/set store with last-write-wins semantics.
//
// Requirements:
//   - Get of a missing key returns empty Values and no error
//   - Set replaces the whole entry
//   - No transactions across keys are required
type Store interface {
	Get(ctx context.Context, key string) (Values, error)
	Set(ctx context.Context, key string, v Values) error
	Remove(ctx context.Context, key string) error
	Close() error
}

func encodeValues(v Values) ([]byte, error) {
	if v == nil {
		v = Values{}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("keystore: encode: %w", err)
	}
	return b, nil
}

func decodeValues(b []byte) (Values, error) {
	v := Values{}
	if len(b) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(b, &v); err != nil {
		return nil, fmt.Errorf("keystore: decode: %w", err)
	}
	return v, nil
}
