// Package sessionhosttest provides a conformance suite for sessions.Host
// implementations, plus a Store-level suite that runs on top of any host.
package sessionhosttest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/mcp-gateway/sessions"
)

// Clock is a manually advanced clock shared by a host and a Store.
type Clock struct {
	mu sync.Mutex
	t  time.Time
}

// NewClock returns a clock starting at a fixed instant.
func NewClock() *Clock {
	return &Clock{t: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// Harness is a host under test together with a way to move time forward for
// both the host's clock and the backing store's own expiry.
type Harness struct {
	Host    sessions.Host
	Clock   *Clock
	Advance func(d time.Duration)
}

// HostFactory creates a new, empty host for a single subtest.
type HostFactory func(t *testing.T) Harness

// RunHostTests runs the complete Host test suite against the provided factory.
func RunHostTests(t *testing.T, factory HostFactory) {
	t.Run("InsertAndLoad", func(t *testing.T) { testInsertAndLoad(t, factory) })
	t.Run("InsertNeverOverwrites", func(t *testing.T) { testInsertNeverOverwrites(t, factory) })
	t.Run("InsertRespectsLimit", func(t *testing.T) { testInsertRespectsLimit(t, factory) })
	t.Run("LoadMissing", func(t *testing.T) { testLoadMissing(t, factory) })
	t.Run("ReplaceSlidesExpiry", func(t *testing.T) { testReplaceSlidesExpiry(t, factory) })
	t.Run("ReplaceMissing", func(t *testing.T) { testReplaceMissing(t, factory) })
	t.Run("RemoveUpdatesCount", func(t *testing.T) { testRemoveUpdatesCount(t, factory) })
	t.Run("ExpiryUpdatesCount", func(t *testing.T) { testExpiryUpdatesCount(t, factory) })
	t.Run("ConcurrentInsertsHonorLimit", func(t *testing.T) { testConcurrentInsertsHonorLimit(t, factory) })

	t.Run("Store_Lifecycle", func(t *testing.T) { testStoreLifecycle(t, factory) })
	t.Run("Store_IdleTimeout", func(t *testing.T) { testStoreIdleTimeout(t, factory) })
	t.Run("Store_Capacity", func(t *testing.T) { testStoreCapacity(t, factory) })
	t.Run("Store_ErrorBudget", func(t *testing.T) { testStoreErrorBudget(t, factory) })
	t.Run("Store_AuthInfoImmutable", func(t *testing.T) { testStoreAuthInfoImmutable(t, factory) })
}

func newHarness(t *testing.T, factory HostFactory) Harness {
	t.Helper()
	h := factory(t)
	t.Cleanup(func() { _ = h.Host.Close() })
	return h
}

func testInsertAndLoad(t *testing.T, factory HostFactory) {
	h := newHarness(t, factory)
	ctx := context.Background()

	if err := h.Host.Insert(ctx, "s1", []byte(`{"a":1}`), time.Minute, 0); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	got, err := h.Host.Load(ctx, "s1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if string(got) != `{"a":1}` {
		t.Fatalf("Load = %s", got)
	}
	n, err := h.Host.Count(ctx)
	if err != nil || n != 1 {
		t.Fatalf("Count = %d, %v; want 1", n, err)
	}
}

func testInsertNeverOverwrites(t *testing.T, factory HostFactory) {
	h := newHarness(t, factory)
	ctx := context.Background()

	if err := h.Host.Insert(ctx, "s1", []byte("first"), time.Minute, 0); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	err := h.Host.Insert(ctx, "s1", []byte("second"), time.Minute, 0)
	if !errors.Is(err, sessions.ErrSessionExists) {
		t.Fatalf("second Insert err = %v, want ErrSessionExists", err)
	}
	got, _ := h.Host.Load(ctx, "s1")
	if string(got) != "first" {
		t.Fatalf("record overwritten: %s", got)
	}
	if n, _ := h.Host.Count(ctx); n != 1 {
		t.Fatalf("Count = %d, want 1", n)
	}
}

func testInsertRespectsLimit(t *testing.T, factory HostFactory) {
	h := newHarness(t, factory)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := h.Host.Insert(ctx, fmt.Sprintf("s%d", i), []byte("x"), time.Minute, 3); err != nil {
			t.Fatalf("Insert %d: %v", i, err)
		}
	}
	err := h.Host.Insert(ctx, "s3", []byte("x"), time.Minute, 3)
	if !errors.Is(err, sessions.ErrCapacityExceeded) {
		t.Fatalf("Insert past limit err = %v, want ErrCapacityExceeded", err)
	}
	if _, err := h.Host.Load(ctx, "s3"); !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Fatalf("rejected insert left a record: %v", err)
	}
}

func testLoadMissing(t *testing.T, factory HostFactory) {
	h := newHarness(t, factory)
	if _, err := h.Host.Load(context.Background(), "nope"); !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Fatalf("Load err = %v, want ErrSessionNotFound", err)
	}
}

func testReplaceSlidesExpiry(t *testing.T, factory HostFactory) {
	h := newHarness(t, factory)
	ctx := context.Background()

	if err := h.Host.Insert(ctx, "s1", []byte("v1"), 10*time.Second, 0); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	h.Advance(7 * time.Second)
	if err := h.Host.Replace(ctx, "s1", []byte("v2"), 10*time.Second); err != nil {
		t.Fatalf("Replace: %v", err)
	}
	h.Advance(7 * time.Second)

	got, err := h.Host.Load(ctx, "s1")
	if err != nil {
		t.Fatalf("Load after slide: %v", err)
	}
	if string(got) != "v2" {
		t.Fatalf("Load = %s, want v2", got)
	}
	if n, _ := h.Host.Count(ctx); n != 1 {
		t.Fatalf("Count = %d, want 1", n)
	}
}

func testReplaceMissing(t *testing.T, factory HostFactory) {
	h := newHarness(t, factory)
	err := h.Host.Replace(context.Background(), "nope", []byte("x"), time.Minute)
	if !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Fatalf("Replace err = %v, want ErrSessionNotFound", err)
	}
	if n, _ := h.Host.Count(context.Background()); n != 0 {
		t.Fatalf("Count = %d, want 0", n)
	}
}

func testRemoveUpdatesCount(t *testing.T, factory HostFactory) {
	h := newHarness(t, factory)
	ctx := context.Background()

	_ = h.Host.Insert(ctx, "s1", []byte("x"), time.Minute, 0)
	_ = h.Host.Insert(ctx, "s2", []byte("x"), time.Minute, 0)

	removed, err := h.Host.Remove(ctx, "s1")
	if err != nil || !removed {
		t.Fatalf("Remove = %v, %v; want true", removed, err)
	}
	removed, err = h.Host.Remove(ctx, "s1")
	if err != nil || removed {
		t.Fatalf("second Remove = %v, %v; want false", removed, err)
	}
	if n, _ := h.Host.Count(ctx); n != 1 {
		t.Fatalf("Count = %d, want 1", n)
	}
}

func testExpiryUpdatesCount(t *testing.T, factory HostFactory) {
	h := newHarness(t, factory)
	ctx := context.Background()

	_ = h.Host.Insert(ctx, "short", []byte("x"), 5*time.Second, 0)
	_ = h.Host.Insert(ctx, "long", []byte("x"), time.Minute, 0)

	h.Advance(6 * time.Second)

	if _, err := h.Host.Load(ctx, "short"); !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Fatalf("expired Load err = %v", err)
	}
	if n, _ := h.Host.Count(ctx); n != 1 {
		t.Fatalf("Count = %d, want 1", n)
	}
	// An expired id is free again.
	if err := h.Host.Insert(ctx, "short", []byte("y"), time.Minute, 2); err != nil {
		t.Fatalf("re-Insert after expiry: %v", err)
	}
}

func testConcurrentInsertsHonorLimit(t *testing.T, factory HostFactory) {
	h := newHarness(t, factory)
	ctx := context.Background()

	const limit = 5
	var wg sync.WaitGroup
	var mu sync.Mutex
	ok := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := h.Host.Insert(ctx, fmt.Sprintf("s%d", i), []byte("x"), time.Minute, limit); err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if ok != limit {
		t.Fatalf("%d inserts succeeded, want %d", ok, limit)
	}
	if n, _ := h.Host.Count(ctx); n != limit {
		t.Fatalf("Count = %d, want %d", n, limit)
	}
}

// --- Store behavior on top of the host ---

func newStore(h Harness, cfg sessions.Config) *sessions.Store {
	cfg.Now = h.Clock.Now
	return sessions.NewStore(h.Host, cfg)
}

var testAuth = sessions.AuthInfo{
	Method:         "jwt",
	OrganizationID: "org-1",
	UserID:         "user-1",
	InstanceID:     "inst-1",
	Scopes:         []string{"mcp:gateway"},
}

func testStoreLifecycle(t *testing.T, factory HostFactory) {
	h := newHarness(t, factory)
	ctx := context.Background()
	s := newStore(h, sessions.Config{Timeout: time.Minute})

	sess, err := s.Create(ctx, "s1", sessions.TransportStreamableHTTP, testAuth)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if sess.CreatedAt != h.Clock.Now() || sess.LastActivity != sess.CreatedAt {
		t.Fatalf("unexpected timestamps: %+v", sess)
	}
	if !s.IsValid(ctx, "s1") {
		t.Fatal("new session should be valid")
	}

	h.Advance(10 * time.Second)
	if err := s.Touch(ctx, "s1", "client-a"); err != nil {
		t.Fatalf("Touch: %v", err)
	}
	got, err := s.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ClientID != "client-a" || !got.LastActivity.Equal(h.Clock.Now()) {
		t.Fatalf("Touch not applied: %+v", got)
	}

	if err := s.Delete(ctx, "s1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if s.IsValid(ctx, "s1") {
		t.Fatal("deleted session should be invalid")
	}
	if err := s.Delete(ctx, "s1"); err != nil {
		t.Fatalf("Delete of absent session: %v", err)
	}
	if _, err := s.Get(ctx, "s1"); !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Fatalf("Get after delete err = %v", err)
	}
}

func testStoreIdleTimeout(t *testing.T, factory HostFactory) {
	h := newHarness(t, factory)
	ctx := context.Background()
	s := newStore(h, sessions.Config{Timeout: 30 * time.Second})

	if _, err := s.Create(ctx, "s1", sessions.TransportStreamableHTTP, testAuth); err != nil {
		t.Fatalf("Create: %v", err)
	}

	h.Advance(20 * time.Second)
	if err := s.Touch(ctx, "s1", ""); err != nil {
		t.Fatalf("Touch: %v", err)
	}
	if !s.IsValid(ctx, "s1") {
		t.Fatal("session should be valid right after touch")
	}

	h.Advance(20 * time.Second)
	if !s.IsValid(ctx, "s1") {
		t.Fatal("touch should have slid the expiry")
	}

	h.Advance(31 * time.Second)
	if s.IsValid(ctx, "s1") {
		t.Fatal("session should be invalid after timeout without touch")
	}
}

func testStoreCapacity(t *testing.T, factory HostFactory) {
	h := newHarness(t, factory)
	ctx := context.Background()
	s := newStore(h, sessions.Config{Timeout: time.Minute, MaxSessions: 2})

	for i := 0; i < 2; i++ {
		if !s.CanCreate(ctx) {
			t.Fatalf("CanCreate false with %d sessions", i)
		}
		if _, err := s.Create(ctx, fmt.Sprintf("s%d", i), sessions.TransportStreamableHTTP, testAuth); err != nil {
			t.Fatalf("Create %d: %v", i, err)
		}
	}
	if n, _ := s.Count(ctx); n != 2 {
		t.Fatalf("Count = %d, want 2", n)
	}
	if s.CanCreate(ctx) {
		t.Fatal("CanCreate should be false at the ceiling")
	}
	if _, err := s.Create(ctx, "s2", sessions.TransportStreamableHTTP, testAuth); !errors.Is(err, sessions.ErrCapacityExceeded) {
		t.Fatalf("Create past ceiling err = %v", err)
	}
	if _, err := s.Create(ctx, "s0", sessions.TransportStreamableHTTP, testAuth); err == nil {
		t.Fatal("Create must never overwrite an existing session")
	}

	_ = s.Delete(ctx, "s0")
	if !s.CanCreate(ctx) {
		t.Fatal("CanCreate should be true after a delete")
	}
}

func testStoreErrorBudget(t *testing.T, factory HostFactory) {
	h := newHarness(t, factory)
	ctx := context.Background()
	s := newStore(h, sessions.Config{Timeout: time.Minute, MaxErrorCount: 3})

	if _, err := s.Create(ctx, "s1", sessions.TransportStreamableHTTP, testAuth); err != nil {
		t.Fatalf("Create: %v", err)
	}
	for i := 1; i <= 2; i++ {
		if err := s.RecordError(ctx, "s1"); err != nil {
			t.Fatalf("RecordError %d: %v", i, err)
		}
		got, _ := s.Get(ctx, "s1")
		if got.ErrorCount != i {
			t.Fatalf("ErrorCount = %d, want %d", got.ErrorCount, i)
		}
		if !s.IsValid(ctx, "s1") {
			t.Fatalf("session invalid below the budget")
		}
	}
	if err := s.RecordError(ctx, "s1"); !errors.Is(err, sessions.ErrSessionInvalid) {
		t.Fatalf("RecordError at budget err = %v", err)
	}
	if s.IsValid(ctx, "s1") {
		t.Fatal("session should be invalid once the budget is exhausted")
	}
	if n, _ := s.Count(ctx); n != 0 {
		t.Fatalf("exhausted session still counted: %d", n)
	}
}

func testStoreAuthInfoImmutable(t *testing.T, factory HostFactory) {
	h := newHarness(t, factory)
	ctx := context.Background()
	s := newStore(h, sessions.Config{Timeout: time.Minute})

	auth := testAuth
	auth.Scopes = []string{"a", "b"}
	if _, err := s.Create(ctx, "s1", sessions.TransportStreamableHTTP, auth); err != nil {
		t.Fatalf("Create: %v", err)
	}
	auth.Scopes[0] = "mutated"

	_ = s.Touch(ctx, "s1", "client")
	_ = s.RecordError(ctx, "s1")

	got, err := s.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	want := testAuth
	want.Scopes = []string{"a", "b"}
	if !got.AuthInfo.Equal(want) {
		t.Fatalf("AuthInfo changed: %+v", got.AuthInfo)
	}
}
