package keystore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore is a Store backed by Redis, for hosts that run many visitor sessions
// across processes.
//
// Ownership model:
// - RedisStore owns its client; Close releases it.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
}

var _ Store = (*RedisStore)(nil)

// RedisOption configures RedisStore behavior.
type RedisOption func(*RedisStore)

// WithKeyPrefix namespaces every key (default: "chatsync:ks:").
func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		if p := strings.TrimSpace(prefix); p != "" {
			s.keyPrefix = p
		}
	}
}

// NewRedisStore connects to addr and verifies the connection.
func NewRedisStore(ctx context.Context, addr, password string, db int, opts ...RedisOption) (*RedisStore, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, errors.New("keystore: empty redis addr")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("keystore: connect redis: %w", err)
	}

	st := &RedisStore{client: client, keyPrefix: "chatsync:ks:"}
	for _, opt := range opts {
		if opt != nil {
			opt(st)
		}
	}
	return st, nil
}

func (s *RedisStore) key(k string) string { return s.keyPrefix + k }

func (s *RedisStore) Get(ctx context.Context, key string) (Values, error) {
	data, err := s.client.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Values{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("keystore: redis get: %w", err)
	}
	return decodeValues(data)
}

func (s *RedisStore) Set(ctx context.Context, key string, v Values) error {
	b, err := encodeValues(v)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.key(key), b, 0).Err(); err != nil {
		return fmt.Errorf("keystore: redis set: %w", err)
	}
	return nil
}

func (s *RedisStore) Remove(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("keystore: redis del: %w", err)
	}
	return nil
}

func (s *RedisStore) Close() error { return s.client.Close() }
