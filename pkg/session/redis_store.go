package session

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisKey is the hash holding the shared PMS session.
const DefaultRedisKey = "pms:session"

const (
	fieldCookie    = "cookie"
	fieldExpiresAt = "expires_at"
)

// clearIfScript deletes the session hash only when it still carries ARGV[1].
var clearIfScript = redis.NewScript(`
if redis.call("HGET", KEYS[1], "cookie") == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisStore keeps the session in a Redis hash that expires together with the session.
type RedisStore struct {
	redis *redis.Client
	key   string
}

// NewRedisStore creates a Redis-backed store. An empty key selects DefaultRedisKey.
func NewRedisStore(redisClient *redis.Client, key string) *RedisStore {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisStore{
		redis: redisClient,
		key:   key,
	}
}

// Load implements Store.
func (r *RedisStore) Load(ctx context.Context) (*Session, error) {
	fields, err := r.redis.HGetAll(ctx, r.key).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hgetall: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrNoSession
	}

	cookie := fields[fieldCookie]
	if cookie == "" {
		return nil, ErrNoSession
	}

	expiresMs, err := strconv.ParseInt(fields[fieldExpiresAt], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", fieldExpiresAt, err)
	}

	return &Session{
		Cookie:    cookie,
		ExpiresAt: time.UnixMilli(expiresMs),
	}, nil
}

// Save implements Store. A session that is already expired is not stored.
func (r *RedisStore) Save(ctx context.Context, s *Session) error {
	if s == nil || !s.ExpiresAt.After(time.Now()) {
		return r.Clear(ctx)
	}

	_, err := r.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.key)
		pipe.HSet(ctx, r.key,
			fieldCookie, s.Cookie,
			fieldExpiresAt, s.ExpiresAt.UnixMilli(),
		)
		pipe.PExpireAt(ctx, r.key, s.ExpiresAt)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis save session: %w", err)
	}
	return nil
}

// Clear implements Store.
func (r *RedisStore) Clear(ctx context.Context) error {
	if err := r.redis.Del(ctx, r.key).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// ClearIf implements Store.
func (r *RedisStore) ClearIf(ctx context.Context, cookie string) error {
	if err := clearIfScript.Run(ctx, r.redis, []string{r.key}, cookie).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("redis clear session: %w", err)
	}
	return nil
}
