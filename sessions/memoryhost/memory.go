package memoryhost

import (
	"context"
	"sync"
	"time"

	"github.com/ggoodman/mcp-gateway/sessions"
)

// DefaultSweepInterval is how often the janitor reclaims expired records.
const DefaultSweepInterval = time.Minute

// Option configures a Host.
type Option func(*Host)

// WithClock overrides the clock used for expiry.
func WithClock(now func() time.Time) Option {
	return func(h *Host) {
		h.now = now
	}
}

// WithSweepInterval overrides DefaultSweepInterval.
func WithSweepInterval(d time.Duration) Option {
	return func(h *Host) {
		h.sweepInterval = d
	}
}

// Host is an in-memory implementation of sessions.Host.
type Host struct {
	mu      sync.Mutex
	records map[string]record
	closed  bool

	now           func() time.Time
	sweepInterval time.Duration
	sweepOnce     sync.Once
	stop          chan struct{}
}

type record struct {
	data      []byte
	expiresAt time.Time
}

func New(opts ...Option) *Host {
	h := &Host{
		records:       make(map[string]record),
		now:           time.Now,
		sweepInterval: DefaultSweepInterval,
		stop:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Host) Insert(ctx context.Context, id string, data []byte, ttl time.Duration, limit int) error {
	h.sweepOnce.Do(func() { go h.sweep() })

	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.now()
	h.pruneLocked(now)
	if _, ok := h.records[id]; ok {
		return sessions.ErrSessionExists
	}
	if limit > 0 && len(h.records) >= limit {
		return sessions.ErrCapacityExceeded
	}
	h.records[id] = record{data: clone(data), expiresAt: now.Add(ttl)}
	return nil
}

func (h *Host) Load(ctx context.Context, id string) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	rec, ok := h.liveLocked(id, h.now())
	if !ok {
		return nil, sessions.ErrSessionNotFound
	}
	return clone(rec.data), nil
}

func (h *Host) Replace(ctx context.Context, id string, data []byte, ttl time.Duration) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.now()
	if _, ok := h.liveLocked(id, now); !ok {
		return sessions.ErrSessionNotFound
	}
	h.records[id] = record{data: clone(data), expiresAt: now.Add(ttl)}
	return nil
}

func (h *Host) Remove(ctx context.Context, id string) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	_, ok := h.liveLocked(id, h.now())
	delete(h.records, id)
	return ok, nil
}

func (h *Host) Count(ctx context.Context) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.pruneLocked(h.now())
	return len(h.records), nil
}

// Close stops the janitor.
func (h *Host) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.closed {
		h.closed = true
		close(h.stop)
	}
	return nil
}

func (h *Host) liveLocked(id string, now time.Time) (record, bool) {
	rec, ok := h.records[id]
	if !ok {
		return record{}, false
	}
	if !now.Before(rec.expiresAt) {
		delete(h.records, id)
		return record{}, false
	}
	return rec, true
}

func (h *Host) pruneLocked(now time.Time) {
	for id, rec := range h.records {
		if !now.Before(rec.expiresAt) {
			delete(h.records, id)
		}
	}
}

func (h *Host) sweep() {
	ticker := time.NewTicker(h.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-h.stop:
			return
		case <-ticker.C:
			h.mu.Lock()
			h.pruneLocked(h.now())
			h.mu.Unlock()
		}
	}
}

func clone(b []byte) []byte {
	return append([]byte(nil), b...)
}

var _ sessions.Host = (*Host)(nil)
