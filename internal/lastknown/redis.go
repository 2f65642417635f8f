package lastknown

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/positrack/positrack/internal/storage"
	"github.com/positrack/positrack/internal/types"
)

const (
	defaultNamespace = "positrack"
	defaultTTL       = 24 * time.Hour
)

// RedisOption configures the Redis-backed store.
type RedisOption func(*redisStore)

// WithNamespace sets the key namespace prefix.
func WithNamespace(ns string) RedisOption {
	return func(s *redisStore) {
		if ns != "" {
			s.namespace = ns
		}
	}
}

// WithTTL sets the expiry on device keys. Zero disables expiry.
func WithTTL(ttl time.Duration) RedisOption {
	return func(s *redisStore) {
		if ttl >= 0 {
			s.ttl = ttl
		}
	}
}

// redisStore mirrors the projection into Redis as JSON values with a TTL,
// plus an index set for enumeration. Writers race benignly: entries only
// ever move forward in device_ts, and a lost race re-converges on the next
// report.
type redisStore struct {
	client    *redis.Client
	namespace string
	ttl       time.Duration
	closed    atomic.Bool
}

// NewRedis connects a Redis-backed store. redisURL is a standard URL
// (redis://host:port/db).
func NewRedis(redisURL string, opts ...RedisOption) (Store, error) {
	redisOpts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := redis.NewClient(redisOpts)

	s := &redisStore{
		client:    client,
		namespace: defaultNamespace,
		ttl:       defaultTTL,
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return s, nil
}

func (s *redisStore) deviceKey(id string) string {
	return s.namespace + ":device:" + id
}

func (s *redisStore) indexKey() string {
	return s.namespace + ":device:index"
}

func (s *redisStore) Put(ctx context.Context, r *types.Report) (bool, error) {
	if s.closed.Load() {
		return false, fmt.Errorf("last-known store is closed")
	}
	if r == nil || r.DeviceID == "" {
		return false, nil
	}

	cur, err := s.Get(ctx, r.DeviceID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return false, err
	}
	if cur != nil && !cur.DeviceTS.Before(r.DeviceTS) {
		return false, nil
	}

	entry := types.LastKnown{Report: *r, UpdatedAt: time.Now()}
	data, err := json.Marshal(entry)
	if err != nil {
		return false, fmt.Errorf("marshaling entry: %w", err)
	}

	pipe := s.client.Pipeline()
	pipe.Set(ctx, s.deviceKey(r.DeviceID), data, s.ttl)
	pipe.SAdd(ctx, s.indexKey(), r.DeviceID)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("writing entry: %w", err)
	}
	return true, nil
}

func (s *redisStore) Get(ctx context.Context, deviceID string) (*types.LastKnown, error) {
	if s.closed.Load() {
		return nil, fmt.Errorf("last-known store is closed")
	}
	data, err := s.client.Get(ctx, s.deviceKey(deviceID)).Bytes()
	if err == redis.Nil {
		// Expired but still indexed; drop the stale index entry.
		s.client.SRem(ctx, s.indexKey(), deviceID)
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading entry: %w", err)
	}
	var entry types.LastKnown
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("unmarshaling entry: %w", err)
	}
	return &entry, nil
}

func (s *redisStore) All(ctx context.Context) ([]*types.LastKnown, error) {
	if s.closed.Load() {
		return nil, fmt.Errorf("last-known store is closed")
	}
	ids, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("listing index: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.deviceKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("fetching entries: %w", err)
	}

	var out []*types.LastKnown
	var expired []interface{}
	for i, val := range values {
		if val == nil {
			expired = append(expired, ids[i])
			continue
		}
		str, ok := val.(string)
		if !ok {
			continue
		}
		var entry types.LastKnown
		if err := json.Unmarshal([]byte(str), &entry); err != nil {
			continue
		}
		out = append(out, &entry)
	}
	if len(expired) > 0 {
		s.client.SRem(ctx, s.indexKey(), expired...)
	}
	return out, nil
}

func (s *redisStore) Count(ctx context.Context) (int, error) {
	if s.closed.Load() {
		return 0, fmt.Errorf("last-known store is closed")
	}
	n, err := s.client.SCard(ctx, s.indexKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("counting index: %w", err)
	}
	return int(n), nil
}

// Clear removes every entry. Test helper.
func (s *redisStore) Clear(ctx context.Context) {
	ids, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return
	}
	keys := make([]string, 0, len(ids)+1)
	for _, id := range ids {
		keys = append(keys, s.deviceKey(id))
	}
	keys = append(keys, s.indexKey())
	s.client.Del(ctx, keys...)
}

func (s *redisStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.client.Close()
}
