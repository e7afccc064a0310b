// Package redis provides a Redis-backed idempotency Store.
//
// Each key is a Redis hash written by atomic Lua scripts, which makes the
// claim safe across multiple API instances.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/ineyio/creditledger/idempotency"
)

// Store is a Redis-backed idempotency Store.
type Store struct {
	client    goredis.Cmdable
	keyPrefix string
	ttl       time.Duration
}

var _ idempotency.Store = (*Store)(nil)

// Option configures Store.
type Option func(*Store)

// WithKeyPrefix sets the Redis key prefix (default "creditledger:idem:").
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) { s.keyPrefix = prefix }
}

// WithTTL sets how long a key is retained (default idempotency.DefaultTTL).
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) { s.ttl = ttl }
}

// New creates a new Redis-backed Store.
// The client must be a connected *goredis.Client or *goredis.ClusterClient.
func New(client goredis.Cmdable, opts ...Option) *Store {
	s := &Store{
		client:    client,
		keyPrefix: "creditledger:idem:",
		ttl:       idempotency.DefaultTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) key(key string) string {
	return s.keyPrefix + key
}

// beginScript claims a key or returns its current fields.
// KEYS[1] = idempotency hash key
// ARGV[1] = request hash
// ARGV[2] = ttl (seconds)
//
// Returns nil when claimed, otherwise {hash, state, status, body}.
var beginScript = goredis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
    return redis.call("HMGET", KEYS[1], "hash", "state", "status", "body")
end
redis.call("HSET", KEYS[1], "hash", ARGV[1], "state", "pending")
redis.call("EXPIRE", KEYS[1], tonumber(ARGV[2]))
return false
`)

// completeScript stores the response of a claimed key.
// KEYS[1] = idempotency hash key
// ARGV[1] = status
// ARGV[2] = body
// ARGV[3] = ttl (seconds)
var completeScript = goredis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
    return 0
end
redis.call("HSET", KEYS[1], "state", "done", "status", ARGV[1], "body", ARGV[2])
redis.call("EXPIRE", KEYS[1], tonumber(ARGV[3]))
return 1
`)

func (s *Store) ttlSeconds() int64 {
	secs := int64(s.ttl / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

func (s *Store) Begin(ctx context.Context, key, hash string) (*idempotency.Record, error) {
	vals, err := beginScript.Run(ctx, s.client, []string{s.key(key)}, hash, s.ttlSeconds()).Slice()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("creditledger/idempotency/redis: begin: %w", err)
	}
	if len(vals) != 4 {
		return nil, fmt.Errorf("creditledger/idempotency/redis: begin: unexpected reply %v", vals)
	}

	storedHash, _ := vals[0].(string)
	state, _ := vals[1].(string)
	if storedHash != hash {
		return nil, idempotency.ErrMismatch
	}
	if state != "done" {
		return nil, idempotency.ErrInProgress
	}

	statusStr, _ := vals[2].(string)
	status, err := strconv.Atoi(statusStr)
	if err != nil {
		return nil, fmt.Errorf("creditledger/idempotency/redis: parse status: %w", err)
	}
	body, _ := vals[3].(string)
	return &idempotency.Record{
		Key:         key,
		RequestHash: storedHash,
		Status:      status,
		Body:        []byte(body),
	}, nil
}

func (s *Store) Complete(ctx context.Context, key string, status int, body []byte) error {
	err := completeScript.Run(ctx, s.client, []string{s.key(key)}, status, body, s.ttlSeconds()).Err()
	if err != nil {
		return fmt.Errorf("creditledger/idempotency/redis: complete: %w", err)
	}
	return nil
}

func (s *Store) Abort(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("creditledger/idempotency/redis: abort: %w", err)
	}
	return nil
}
