// Package redis stores cached decisions in Redis hashes so every gateway
// replica sees the same cache. Each entry is one hash holding the payload and
// its timestamps, with a native key expiry matching the entry's TTL.
// Namespace deletion walks the keyspace with SCAN and deletes each batch as
// it is found, so invalidation never blocks Redis on a full-keyspace command.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ggoodman/mcp-gateway/storage"
	"github.com/redis/go-redis/v9"
)

const (
	fieldData      = "data"
	fieldCreatedAt = "created_ms"
	fieldExpiresAt = "expires_ms"
)

// Config contains configuration options for the Redis storage
type Config struct {
	// Client is the Redis client instance. The Storage closes it on Close.
	Client redis.UniversalClient

	// KeyPrefix is the prefix for all Redis keys
	// Default: "mcpgw:storage:"
	KeyPrefix string

	// ScanCount is the COUNT hint passed to SCAN during namespace deletion.
	// Default: 100
	ScanCount int64

	Now func() time.Time
}

// Storage implements storage.Storage on Redis.
type Storage struct {
	client    redis.UniversalClient
	keyPrefix string
	scanCount int64
	now       func() time.Time
}

// New creates a new Redis-based storage instance.
func New(cfg Config) (*Storage, error) {
	if cfg.Client == nil {
		return nil, errors.New("redis client is required")
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "mcpgw:storage:"
	}
	if cfg.ScanCount <= 0 {
		cfg.ScanCount = 100
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Storage{
		client:    cfg.Client,
		keyPrefix: cfg.KeyPrefix,
		scanCount: cfg.ScanCount,
		now:       cfg.Now,
	}, nil
}

func (s *Storage) Get(ctx context.Context, key string, opts ...storage.Option) (*storage.StorageItem, error) {
	k := s.key(storage.ApplyOptions(opts...).Namespace, key)

	fields, err := s.client.HGetAll(ctx, k).Result()
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", k, err)
	}
	data, ok := fields[fieldData]
	if !ok {
		return nil, nil
	}
	item := &storage.StorageItem{Data: []byte(data)}
	if item.CreatedAt, err = parseMillis(fields[fieldCreatedAt]); err != nil {
		return nil, fmt.Errorf("get %s: created_ms: %w", k, err)
	}
	if raw, ok := fields[fieldExpiresAt]; ok {
		exp, err := parseMillis(raw)
		if err != nil {
			return nil, fmt.Errorf("get %s: expires_ms: %w", k, err)
		}
		item.ExpiresAt = &exp
	}

	// Redis expiry is authoritative; this covers clock skew between replicas.
	if item.ExpiredAt(s.now()) {
		s.client.Del(ctx, k)
		return nil, nil
	}
	return item, nil
}

func (s *Storage) Set(ctx context.Context, key string, data []byte, opts ...storage.Option) error {
	o := storage.ApplyOptions(opts...)
	k := s.key(o.Namespace, key)

	now := s.now()
	fields := map[string]any{
		fieldData:      data,
		fieldCreatedAt: now.UnixMilli(),
	}
	var ttl time.Duration
	if o.TTL != nil && *o.TTL > 0 {
		ttl = *o.TTL
		fields[fieldExpiresAt] = now.Add(ttl).UnixMilli()
	}

	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, k)
		p.HSet(ctx, k, fields)
		if ttl > 0 {
			p.PExpire(ctx, k, ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("set %s: %w", k, err)
	}
	return nil
}

// Delete removes one key, or every key under the namespace prefix when no
// key is given.
func (s *Storage) Delete(ctx context.Context, opts ...storage.Option) error {
	o := storage.ApplyOptions(opts...)

	if o.Key != nil {
		k := s.key(o.Namespace, *o.Key)
		if err := s.client.Del(ctx, k).Err(); err != nil {
			return fmt.Errorf("delete %s: %w", k, err)
		}
		return nil
	}

	pattern := escapeGlob(s.keyPrefix+storage.NamespacePrefix(o.Namespace)) + "*"
	if err := s.deleteByPattern(ctx, pattern); err != nil {
		return fmt.Errorf("delete %s: %w", pattern, err)
	}
	return nil
}

// Close closes the Redis client.
func (s *Storage) Close() error {
	return s.client.Close()
}

func (s *Storage) key(ns storage.Namespace, key string) string {
	return s.keyPrefix + storage.NamespacePrefix(ns) + key
}

func (s *Storage) deleteByPattern(ctx context.Context, pattern string) error {
	iter := s.client.Scan(ctx, 0, pattern, s.scanCount).Iterator()
	batch := make([]string, 0, s.scanCount)
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if int64(len(batch)) >= s.scanCount {
			if err := s.client.Del(ctx, batch...).Err(); err != nil {
				return err
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(batch) > 0 {
		return s.client.Del(ctx, batch...).Err()
	}
	return nil
}

func parseMillis(raw string) (time.Time, error) {
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms), nil
}

var globEscaper = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

// escapeGlob quotes the characters MATCH treats specially so that ids are
// matched literally.
func escapeGlob(s string) string {
	return globEscaper.Replace(s)
}

var _ storage.Storage = (*Storage)(nil)
