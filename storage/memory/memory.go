// Package memory keeps cached permission decisions in a bounded LRU
// (github.com/hashicorp/golang-lru/v2). Entries are dropped lazily on read and
// by a periodic sweep.
//
// It is only suitable for single-replica deployments and tests.
package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ggoodman/mcp-gateway/storage"
	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultSweepInterval is how often expired items are purged.
const DefaultSweepInterval = time.Minute

// Option configures a Storage.
type Option func(*Storage)

// WithClock overrides the clock used for expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Storage) { s.now = now }
}

// WithSweepInterval overrides DefaultSweepInterval.
func WithSweepInterval(d time.Duration) Option {
	return func(s *Storage) { s.sweepEvery = d }
}

// Storage is an in-process storage.Storage.
type Storage struct {
	// mu serializes prefix deletes and sweeps against writers; the LRU is
	// itself safe for single-key access.
	mu    sync.Mutex
	items *lru.Cache[string, *storage.StorageItem]

	now        func() time.Time
	sweepEvery time.Duration
	stop       chan struct{}
	stopOnce   sync.Once
}

// New returns a Storage holding at most maxItems entries. The least recently
// used entry is evicted once the bound is reached.
func New(maxItems int, opts ...Option) (*Storage, error) {
	items, err := lru.New[string, *storage.StorageItem](maxItems)
	if err != nil {
		return nil, fmt.Errorf("memory storage: %w", err)
	}
	s := &Storage{
		items:      items,
		now:        time.Now,
		sweepEvery: DefaultSweepInterval,
		stop:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	go s.sweepLoop()
	return s, nil
}

func (s *Storage) Get(_ context.Context, key string, opts ...storage.Option) (*storage.StorageItem, error) {
	k := storage.NamespacePrefix(storage.ApplyOptions(opts...).Namespace) + key
	item, ok := s.items.Get(k)
	if !ok {
		return nil, nil
	}
	if item.ExpiredAt(s.now()) {
		s.items.Remove(k)
		return nil, nil
	}
	return item, nil
}

func (s *Storage) Set(_ context.Context, key string, data []byte, opts ...storage.Option) error {
	o := storage.ApplyOptions(opts...)
	now := s.now()
	item := &storage.StorageItem{Data: append([]byte(nil), data...), CreatedAt: now}
	if o.TTL != nil {
		exp := now.Add(*o.TTL)
		item.ExpiresAt = &exp
	}
	s.mu.Lock()
	s.items.Add(storage.NamespacePrefix(o.Namespace)+key, item)
	s.mu.Unlock()
	return nil
}

// Delete removes one key, or every key under the namespace prefix (nested
// member namespaces included) when no key is given.
func (s *Storage) Delete(_ context.Context, opts ...storage.Option) error {
	o := storage.ApplyOptions(opts...)
	prefix := storage.NamespacePrefix(o.Namespace)
	if o.Key != nil {
		s.items.Remove(prefix + *o.Key)
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range s.items.Keys() {
		if strings.HasPrefix(k, prefix) {
			s.items.Remove(k)
		}
	}
	return nil
}

// Len is the number of entries held, expired ones included until swept.
func (s *Storage) Len() int { return s.items.Len() }

// Close stops the sweep and drops all entries.
func (s *Storage) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	s.items.Purge()
	return nil
}

func (s *Storage) sweepLoop() {
	t := time.NewTicker(s.sweepEvery)
	defer t.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-t.C:
			s.sweep()
		}
	}
}

func (s *Storage) sweep() {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range s.items.Keys() {
		if item, ok := s.items.Peek(k); ok && item.ExpiredAt(now) {
			s.items.Remove(k)
		}
	}
}

var _ storage.Storage = (*Storage)(nil)
