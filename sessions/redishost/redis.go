package redishost

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/ggoodman/mcp-gateway/sessions"
	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"
)

// Config for Redis-backed Host. Defaults can be loaded via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// RedisPassword. ENV: REDIS_PASSWORD
	RedisPassword string `env:"REDIS_PASSWORD"`
	// RedisDB. ENV: REDIS_DB
	RedisDB int `env:"REDIS_DB,default=0"`
	// KeyPrefix for all keys. ENV: SESSIONS_KEY_PREFIX
	KeyPrefix string `env:"SESSIONS_KEY_PREFIX,default=mcpgw:sessions:"`
}

// Option configures a Host.
type Option func(*Host)

// WithClock overrides the clock used to score the live index.
func WithClock(now func() time.Time) Option {
	return func(h *Host) {
		h.now = now
	}
}

type Host struct {
	client    redis.UniversalClient
	keyPrefix string
	now       func() time.Time
}

// New dials Redis and verifies connectivity.
func New(ctx context.Context, cfg Config, opts ...Option) (*Host, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	if err := cl.Ping(ctx).Err(); err != nil {
		_ = cl.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewWithClient(cl, cfg.KeyPrefix, opts...), nil
}

// NewFromEnv builds a Host using envdecode to populate Config.
func NewFromEnv(ctx context.Context, opts ...Option) (*Host, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode redis host config: %w", err)
	}
	return New(ctx, cfg, opts...)
}

// NewWithClient wraps an existing client. The Host takes ownership and
// closes it on Close.
func NewWithClient(client redis.UniversalClient, keyPrefix string, opts ...Option) *Host {
	if keyPrefix == "" {
		keyPrefix = "mcpgw:sessions:"
	}
	h := &Host{client: client, keyPrefix: keyPrefix, now: time.Now}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Close closes the Redis client.
func (h *Host) Close() error { return h.client.Close() }

// --- Key helpers ---

func (h *Host) sessionKey(id string) string { return h.keyPrefix + "session:" + id }
func (h *Host) indexKey() string           { return h.keyPrefix + "index" }

func ms(t time.Time) string { return strconv.FormatInt(t.UnixMilli(), 10) }

// KEYS: session, index. ARGV: data, ttl ms, now ms, expires ms, id, limit.
var insertScript = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[2], '-inf', ARGV[3])
if redis.call('EXISTS', KEYS[1]) == 1 then
  return -1
end
local limit = tonumber(ARGV[6])
if limit > 0 and redis.call('ZCARD', KEYS[2]) >= limit then
  return -2
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
redis.call('ZADD', KEYS[2], ARGV[4], ARGV[5])
return 1
`)

// KEYS: session, index. ARGV: data, ttl ms, expires ms, id.
var replaceScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[4])
return 1
`)

// KEYS: session, index. ARGV: id.
var removeScript = redis.NewScript(`
local n = redis.call('DEL', KEYS[1])
redis.call('ZREM', KEYS[2], ARGV[1])
return n
`)

func (h *Host) Insert(ctx context.Context, id string, data []byte, ttl time.Duration, limit int) error {
	now := h.now()
	keys := []string{h.sessionKey(id), h.indexKey()}
	res, err := insertScript.Run(ctx, h.client, keys,
		data, ttl.Milliseconds(), ms(now), ms(now.Add(ttl)), id, limit).Int()
	if err != nil {
		return err
	}
	switch res {
	case -1:
		return sessions.ErrSessionExists
	case -2:
		return sessions.ErrCapacityExceeded
	}
	return nil
}

func (h *Host) Load(ctx context.Context, id string) ([]byte, error) {
	data, err := h.client.Get(ctx, h.sessionKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, sessions.ErrSessionNotFound
		}
		return nil, err
	}
	return data, nil
}

func (h *Host) Replace(ctx context.Context, id string, data []byte, ttl time.Duration) error {
	keys := []string{h.sessionKey(id), h.indexKey()}
	res, err := replaceScript.Run(ctx, h.client, keys,
		data, ttl.Milliseconds(), ms(h.now().Add(ttl)), id).Int()
	if err != nil {
		return err
	}
	if res == 0 {
		return sessions.ErrSessionNotFound
	}
	return nil
}

func (h *Host) Remove(ctx context.Context, id string) (bool, error) {
	n, err := removeScript.Run(ctx, h.client, []string{h.sessionKey(id), h.indexKey()}, id).Int()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (h *Host) Count(ctx context.Context) (int, error) {
	var card *redis.IntCmd
	_, err := h.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, h.indexKey(), "-inf", ms(h.now()))
		card = pipe.ZCard(ctx, h.indexKey())
		return nil
	})
	if err != nil {
		return 0, err
	}
	return int(card.Val()), nil
}

var _ sessions.Host = (*Host)(nil)
