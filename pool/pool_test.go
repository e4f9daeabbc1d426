package pool_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ggoodman/mcp-gateway/directory"
	"github.com/ggoodman/mcp-gateway/internal/mcptest"
	"github.com/ggoodman/mcp-gateway/pool"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock { return &clock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeClient struct {
	listErr  error
	closeErr error
	closed   atomic.Int32

	// closing is closed when Close starts; Close then waits on release.
	closing chan struct{}
	release chan struct{}
}

func (f *fakeClient) ListTools(context.Context, *mcp.ListToolsParams) (*mcp.ListToolsResult, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return &mcp.ListToolsResult{}, nil
}

func (f *fakeClient) CallTool(context.Context, *mcp.CallToolParams) (*mcp.CallToolResult, error) {
	return &mcp.CallToolResult{}, nil
}

func (f *fakeClient) Ping(context.Context, *mcp.PingParams) error { return nil }

func (f *fakeClient) Close() error {
	if f.closing != nil {
		close(f.closing)
		<-f.release
	}
	f.closed.Add(1)
	return f.closeErr
}

// fakeDialer hands out fakeClients and remembers them in dial order.
type fakeDialer struct {
	mu      sync.Mutex
	clients []*fakeClient
	delay   time.Duration
	failN   int
	err     error
	next    func() *fakeClient
}

func (d *fakeDialer) Dial(ctx context.Context, cfg *directory.ServerConfig) (pool.Client, error) {
	if d.delay > 0 {
		time.Sleep(d.delay)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failN != 0 {
		if d.failN > 0 {
			d.failN--
		}
		d.clients = append(d.clients, nil)
		return nil, d.err
	}
	c := &fakeClient{}
	if d.next != nil {
		c = d.next()
	}
	d.clients = append(d.clients, c)
	return c, nil
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.clients)
}

func (d *fakeDialer) client(i int) *fakeClient {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.clients[i]
}

var configs = mcptest.Configs{Namespaces: []string{"github", "slack"}}

func fastConfig(c *clock) pool.Config {
	return pool.Config{
		MaxIdleTime:          5 * time.Minute,
		ConnectionTimeout:    time.Second,
		HealthCheckInterval:  time.Hour,
		ReconnectStep:        time.Millisecond,
		ReconnectMaxDelay:    2 * time.Millisecond,
		ReconnectMaxAttempts: 3,
		Now:                  c.Now,
	}
}

func newPool(t *testing.T, d pool.Dialer, c *clock) *pool.Pool {
	t.Helper()
	p := pool.New(configs, d, fastConfig(c))
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })
	return p
}

var github = pool.Key{Instance: "inst-1", Namespace: "github"}

func TestAcquireReusesConnection(t *testing.T) {
	d := &fakeDialer{}
	p := newPool(t, d, newClock())
	ctx := context.Background()

	a, err := p.Acquire(ctx, github)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	b, err := p.Acquire(ctx, github)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if a != b {
		t.Fatal("expected the same connection for one key")
	}
	other, err := p.Acquire(ctx, pool.Key{Instance: "inst-2", Namespace: "github"})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if other == a {
		t.Fatal("instances must not share connections")
	}
	p.Release(a)
	p.Release(b)
	p.Release(other)

	if d.dials() != 2 || p.Len() != 2 {
		t.Fatalf("dials = %d, len = %d; want 2, 2", d.dials(), p.Len())
	}
	if d.client(0).closed.Load() != 0 {
		t.Fatal("Release must not close")
	}
}

func TestConcurrentAcquireDialsOnce(t *testing.T) {
	d := &fakeDialer{delay: 50 * time.Millisecond}
	p := newPool(t, d, newClock())

	var wg sync.WaitGroup
	conns := make([]*pool.Conn, 16)
	errs := make([]error, 16)
	for i := range conns {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conns[i], errs[i] = p.Acquire(context.Background(), github)
		}()
	}
	wg.Wait()

	for i := range conns {
		if errs[i] != nil {
			t.Fatalf("Acquire %d: %v", i, errs[i])
		}
		if conns[i] != conns[0] {
			t.Fatal("concurrent acquires returned different connections")
		}
	}
	if d.dials() != 1 {
		t.Fatalf("dials = %d, want 1", d.dials())
	}
}

func TestAcquireUnknownNamespace(t *testing.T) {
	d := &fakeDialer{}
	p := newPool(t, d, newClock())

	_, err := p.Acquire(context.Background(), pool.Key{Instance: "inst-1", Namespace: "jira"})
	if !errors.Is(err, pool.ErrConfigNotFound) {
		t.Fatalf("err = %v, want ErrConfigNotFound", err)
	}
	var ce *pool.ConnectionError
	if !errors.As(err, &ce) || ce.Key.Namespace != "jira" || ce.Op != "config" {
		t.Fatalf("expected ConnectionError for jira, got %#v", err)
	}
	if d.dials() != 0 || p.Len() != 0 {
		t.Fatalf("dials = %d, len = %d; want 0, 0", d.dials(), p.Len())
	}
}

func TestReconnectExhausted(t *testing.T) {
	boom := errors.New("connection refused")
	d := &fakeDialer{failN: -1, err: boom}
	p := newPool(t, d, newClock())

	_, err := p.Acquire(context.Background(), github)
	if !errors.Is(err, pool.ErrReconnectExhausted) || !errors.Is(err, boom) {
		t.Fatalf("err = %v, want ErrReconnectExhausted wrapping dial error", err)
	}
	if d.dials() != 3 {
		t.Fatalf("dials = %d, want 3", d.dials())
	}
	if p.Len() != 0 {
		t.Fatal("failed dial must not register a connection")
	}
}

func TestReconnectRecovers(t *testing.T) {
	d := &fakeDialer{failN: 2, err: errors.New("flaky")}
	p := newPool(t, d, newClock())

	conn, err := p.Acquire(context.Background(), github)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer p.Release(conn)
	if d.dials() != 3 {
		t.Fatalf("dials = %d, want 3", d.dials())
	}
}

func TestAcquireHonorsContext(t *testing.T) {
	d := &fakeDialer{delay: 200 * time.Millisecond}
	p := newPool(t, d, newClock())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := p.Acquire(ctx, github)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
}

func TestEvictIdle(t *testing.T) {
	c := newClock()
	d := &fakeDialer{}
	p := newPool(t, d, c)
	ctx := context.Background()

	idle, _ := p.Acquire(ctx, github)
	p.Release(idle)
	busy, _ := p.Acquire(ctx, pool.Key{Instance: "inst-1", Namespace: "slack"})

	c.Advance(4 * time.Minute)
	if n := p.EvictIdle(); n != 0 {
		t.Fatalf("evicted %d before MaxIdleTime", n)
	}
	c.Advance(2 * time.Minute)
	if n := p.EvictIdle(); n != 1 {
		t.Fatalf("evicted %d, want 1", n)
	}
	if d.client(0).closed.Load() != 1 {
		t.Fatal("idle connection was not closed")
	}
	if d.client(1).closed.Load() != 0 {
		t.Fatal("active connection must never be evicted")
	}
	p.Release(busy)
}

func TestAcquireReplacesStaleConnection(t *testing.T) {
	c := newClock()
	d := &fakeDialer{}
	p := newPool(t, d, c)
	ctx := context.Background()

	first, _ := p.Acquire(ctx, github)
	p.Release(first)
	c.Advance(6 * time.Minute)

	second, err := p.Acquire(ctx, github)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer p.Release(second)
	if second == first || d.dials() != 2 {
		t.Fatalf("expected a fresh connection, dials = %d", d.dials())
	}
	if d.client(0).closed.Load() != 1 {
		t.Fatal("stale connection was not closed")
	}
}

func TestAcquireDuringSlowStaleCloseSharesConnection(t *testing.T) {
	c := newClock()
	stale := &fakeClient{closing: make(chan struct{}), release: make(chan struct{})}
	var n atomic.Int32
	d := &fakeDialer{next: func() *fakeClient {
		if n.Add(1) == 1 {
			return stale
		}
		return &fakeClient{}
	}}
	p := pool.New(configs, d, fastConfig(c))
	ctx := context.Background()

	first, err := p.Acquire(ctx, github)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	p.Release(first)
	c.Advance(6 * time.Minute)

	type result struct {
		conn *pool.Conn
		err  error
	}
	slow := make(chan result, 1)
	go func() {
		conn, err := p.Acquire(ctx, github)
		slow <- result{conn, err}
	}()
	<-stale.closing

	fast, err := p.Acquire(ctx, github)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	close(stale.release)
	res := <-slow
	if res.err != nil {
		t.Fatalf("Acquire: %v", res.err)
	}
	if res.conn != fast {
		t.Fatal("concurrent acquirers got different connections for one key")
	}
	if p.Len() != 1 {
		t.Fatalf("Len = %d, want 1", p.Len())
	}
	p.Release(fast)
	p.Release(res.conn)

	if err := p.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	for i := 0; i < d.dials(); i++ {
		if got := d.client(i).closed.Load(); got != 1 {
			t.Fatalf("client %d closed %d times, want 1", i, got)
		}
	}
}

func TestHealthCheck(t *testing.T) {
	d := &fakeDialer{}
	p := newPool(t, d, newClock())
	ctx := context.Background()

	if p.HealthCheck(ctx, github) {
		t.Fatal("missing connection reported healthy")
	}
	conn, _ := p.Acquire(ctx, github)
	p.Release(conn)
	if !p.HealthCheck(ctx, github) {
		t.Fatal("healthy connection reported unhealthy")
	}

	d.client(0).listErr = errors.New("broken pipe")
	if p.HealthCheck(ctx, github) {
		t.Fatal("broken connection reported healthy")
	}
	if p.Len() != 0 || d.client(0).closed.Load() != 1 {
		t.Fatal("unhealthy idle connection was not evicted")
	}
}

func TestShutdown(t *testing.T) {
	d := &fakeDialer{}
	closeErr := errors.New("close failed")
	n := 0
	d.next = func() *fakeClient {
		n++
		if n == 1 {
			return &fakeClient{closeErr: closeErr}
		}
		return &fakeClient{}
	}
	p := pool.New(configs, d, fastConfig(newClock()))
	ctx := context.Background()

	a, _ := p.Acquire(ctx, github)
	_, _ = p.Acquire(ctx, pool.Key{Instance: "inst-1", Namespace: "slack"})
	p.Release(a)

	err := p.Shutdown(ctx)
	if !errors.Is(err, closeErr) {
		t.Fatalf("Shutdown error = %v, want joined close error", err)
	}
	if d.client(0).closed.Load() != 1 || d.client(1).closed.Load() != 1 {
		t.Fatal("every connection must be closed, active ones included")
	}
	if _, err := p.Acquire(ctx, github); !errors.Is(err, pool.ErrPoolClosed) {
		t.Fatalf("Acquire after Shutdown = %v, want ErrPoolClosed", err)
	}
	if err := p.Shutdown(ctx); err != nil {
		t.Fatalf("second Shutdown = %v", err)
	}
}

func TestSweepEvictsInBackground(t *testing.T) {
	d := &fakeDialer{}
	cfg := fastConfig(newClock())
	cfg.Now = time.Now
	cfg.MaxIdleTime = 10 * time.Millisecond
	cfg.HealthCheckInterval = 20 * time.Millisecond
	p := pool.New(configs, d, cfg)
	defer func() { _ = p.Shutdown(context.Background()) }()

	conn, err := p.Acquire(context.Background(), github)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	p.Release(conn)

	deadline := time.Now().Add(2 * time.Second)
	for p.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("sweep did not evict idle connection")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestCallThroughInMemoryServer(t *testing.T) {
	d := mcptest.NewDialer(map[string]*mcp.Server{"github": mcptest.NewServer("github")})
	p := newPool(t, d, newClock())
	ctx := context.Background()

	conn, err := p.Acquire(ctx, github)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer p.Release(conn)

	tools, err := conn.ListTools(ctx, &mcp.ListToolsParams{})
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	if len(tools.Tools) != 2 {
		t.Fatalf("tools = %d, want 2", len(tools.Tools))
	}
	res, err := conn.CallTool(ctx, &mcp.CallToolParams{Name: "echo", Arguments: map[string]any{"message": "hi"}})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	text, ok := res.Content[0].(*mcp.TextContent)
	if !ok || text.Text != "github:hi" {
		t.Fatalf("unexpected result: %#v", res.Content)
	}
}
