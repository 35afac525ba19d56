// Package redisstore persists the credential cache record in Redis so
// several credbroker replicas share one login.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ericfisherdev/credbroker/internal/domain/model"
	"github.com/ericfisherdev/credbroker/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.RecordStore = (*Store)(nil)

// DefaultKey is the key the record is stored under.
const DefaultKey = "credbroker:credential"

type keyValue interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// ExpiryFunc reports when a record stops being usable. The key's TTL is set
// to match so Redis drops stale records on its own.
type ExpiryFunc func(model.CredentialRecord) time.Time

// Store is a RecordStore backed by one Redis string key.
type Store struct {
	client keyValue
	key    string
	expiry ExpiryFunc
	now    func() time.Time
	logger *slog.Logger
}

// New creates a Store. A nil expiry stores records without a TTL.
func New(client redis.Cmdable, key string, expiry ExpiryFunc, logger *slog.Logger) *Store {
	return newStore(client, key, expiry, logger)
}

func newStore(client keyValue, key string, expiry ExpiryFunc, logger *slog.Logger) *Store {
	if key == "" {
		key = DefaultKey
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{client: client, key: key, expiry: expiry, now: time.Now, logger: logger}
}

// Connect creates a client for addr and verifies it answers PING.
func Connect(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis %s: %w", addr, err)
	}
	return client, nil
}

// Load returns the stored record, or (nil, nil) when the key is absent or
// holds something that does not decode.
func (s *Store) Load(ctx context.Context) (*model.CredentialRecord, error) {
	data, err := s.client.Get(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", s.key, err)
	}

	var record model.CredentialRecord
	if err := json.Unmarshal(data, &record); err != nil {
		s.logger.Warn("ignoring corrupt credential record in redis", "key", s.key, "error", err)
		return nil, nil
	}
	return &record, nil
}

// Save stores record with a TTL matching its expiry. A record that has
// already expired deletes the key instead.
func (s *Store) Save(ctx context.Context, record model.CredentialRecord) error {
	var ttl time.Duration
	if s.expiry != nil {
		ttl = s.expiry(record).Sub(s.now())
		if ttl <= 0 {
			return s.Clear(ctx)
		}
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode credential record: %w", err)
	}
	if err := s.client.Set(ctx, s.key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", s.key, err)
	}
	return nil
}

// Clear deletes the key.
func (s *Store) Clear(ctx context.Context) error {
	if err := s.client.Del(ctx, s.key).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", s.key, err)
	}
	return nil
}
