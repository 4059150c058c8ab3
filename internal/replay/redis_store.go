package replay

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore backs the replay set with Redis SET NX PX, for deployments
// that want replay suppression to survive a process restart. The caller
// decides whether to fall back to MemoryStore when the connection
// fails.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisStore connects to Redis and verifies connectivity with a
// short ping. Returns the connection error so main can fall back to the
// in-memory store.
func NewRedisStore(addr, password string, db int) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     20,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", addr, err)
	}

	slog.Info("replay store using Redis", "addr", addr, "db", db)
	return &RedisStore{rdb: rdb, prefix: "replay:fp:"}, nil
}

func (s *RedisStore) key(fp string) string { return s.prefix + fp }

func (s *RedisStore) Seen(ctx context.Context, fp string) (bool, error) {
	n, err := s.rdb.Exists(ctx, s.key(fp)).Result()
	if err != nil {
		return false, fmt.Errorf("replay exists: %w", err)
	}
	return n > 0, nil
}

func (s *RedisStore) Remember(ctx context.Context, fp string, ttl time.Duration) error {
	return s.rdb.Set(ctx, s.key(fp), "1", ttl).Err()
}

// CheckAndRemember relies on SET NX PX being atomic server-side.
func (s *RedisStore) CheckAndRemember(ctx context.Context, fp string, ttl time.Duration) (bool, error) {
	set, err := s.rdb.SetNX(ctx, s.key(fp), "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("replay setnx: %w", err)
	}
	return !set, nil
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}
