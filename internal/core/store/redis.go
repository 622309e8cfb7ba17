package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/predmkts/predmkts/internal/config"
	"github.com/predmkts/predmkts/internal/core"
)

const (
	// DefaultRedisPrefix namespaces snapshot keys.
	DefaultRedisPrefix = "predmkts:bucket:"
	// DefaultRedisTTL bounds how long an untouched snapshot survives.
	DefaultRedisTTL = 24 * time.Hour
)

// RedisStore keeps one JSON snapshot per bucket under a key prefix, so
// several processes can share warm bucket state.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

var _ BucketStore = (*RedisStore)(nil)
var _ BucketStore = (*Store)(nil)

// NewRedisStore wraps an existing client. Zero ttl uses DefaultRedisTTL.
func NewRedisStore(client *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	if ttl <= 0 {
		ttl = DefaultRedisTTL
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

// OpenRedis connects using the redis_* store settings and pings the server.
func OpenRedis(ctx context.Context, cfg config.StoreConfig) (*RedisStore, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	addr := strings.TrimSpace(cfg.RedisAddr)
	if addr == "" {
		return nil, errors.New("store redis_addr is required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis store: %w", err)
	}
	return NewRedisStore(client, DefaultRedisPrefix, cfg.RedisTTL), nil
}

func (s *RedisStore) Driver() string {
	return driverRedis
}

func (s *RedisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *RedisStore) SaveBuckets(ctx context.Context, states []core.BucketState) error {
	if len(states) == 0 {
		return nil
	}
	now := time.Now().UTC()

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, state := range states {
			key := strings.TrimSpace(string(state.Key))
			if key == "" {
				return errors.New("bucket key is required")
			}
			if state.UpdatedAt.IsZero() {
				state.UpdatedAt = now
			}
			data, err := json.Marshal(state)
			if err != nil {
				return fmt.Errorf("encode bucket %s: %w", key, err)
			}
			pipe.Set(ctx, s.prefix+key, data, s.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("save buckets: %w", err)
	}
	return nil
}

func (s *RedisStore) ListBuckets(ctx context.Context, q BucketQuery) ([]core.BucketState, error) {
	keys, err := s.matchingKeys(ctx, q)
	if err != nil {
		return nil, err
	}

	states := []core.BucketState{}
	if len(keys) == 0 {
		return states, nil
	}

	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("list buckets: %w", err)
	}
	for i, value := range values {
		raw, ok := value.(string)
		if !ok {
			// Expired between SCAN and MGET.
			continue
		}
		var state core.BucketState
		if err := json.Unmarshal([]byte(raw), &state); err != nil {
			return nil, fmt.Errorf("decode bucket %s: %w", keys[i], err)
		}
		states = append(states, state)
	}

	sort.Slice(states, func(i, j int) bool { return states[i].Key < states[j].Key })
	return states, nil
}

func (s *RedisStore) CountBuckets(ctx context.Context, q BucketQuery) (int, error) {
	keys, err := s.matchingKeys(ctx, q)
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

func (s *RedisStore) ResetBuckets(ctx context.Context, q BucketQuery) (int64, error) {
	keys, err := s.matchingKeys(ctx, q)
	if err != nil {
		return 0, err
	}
	if len(keys) == 0 {
		return 0, nil
	}
	deleted, err := s.client.Del(ctx, keys...).Result()
	if err != nil {
		return 0, fmt.Errorf("reset buckets: %w", err)
	}
	return deleted, nil
}

// matchingKeys returns the redis keys selected by q, sorted.
func (s *RedisStore) matchingKeys(ctx context.Context, q BucketQuery) ([]string, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	if key := strings.TrimSpace(q.Key); key != "" && !q.All {
		n, err := s.client.Exists(ctx, s.prefix+key).Result()
		if err != nil {
			return nil, fmt.Errorf("lookup bucket %s: %w", key, err)
		}
		if n == 0 {
			return nil, nil
		}
		return []string{s.prefix + key}, nil
	}

	pattern := s.prefix + "*"
	if !q.All {
		pattern = s.prefix + escapeGlob(strings.TrimSpace(q.Prefix)) + "*"
	}

	var keys []string
	iter := s.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan buckets: %w", err)
	}
	// SCAN may return a key more than once.
	sort.Strings(keys)
	return slices.Compact(keys), nil
}

func escapeGlob(s string) string {
	return strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`).Replace(s)
}
