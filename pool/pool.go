// Package pool keeps downstream MCP client connections, one per instance
// namespace, shared by concurrent requests on this process.
//
// A connection is active while at least one caller holds it through Acquire
// and has not yet called Release. Idle connections older than MaxIdleTime are
// closed by a background sweep or replaced on the next Acquire.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/ggoodman/mcp-gateway/directory"
	"github.com/ggoodman/mcp-gateway/internal/metrics"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrConfigNotFound indicates the namespace has no server configuration.
	// It is never retried.
	ErrConfigNotFound = errors.New("server config not found")
	// ErrReconnectExhausted indicates every dial attempt failed.
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
	// ErrPoolClosed is returned by Acquire after Shutdown.
	ErrPoolClosed = errors.New("pool is shut down")
)

// ConnectionError reports a failure to obtain a downstream connection.
type ConnectionError struct {
	Key Key
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection %s: %s: %v", e.Key, e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// Key identifies a pooled connection.
type Key struct {
	Instance  string
	Namespace string
}

func (k Key) String() string { return k.Instance + "/" + k.Namespace }

// Conn is a pooled downstream connection. Callers must not Close it; they
// hand it back with Pool.Release.
type Conn struct {
	key     Key
	client  Client
	created time.Time

	// guarded by Pool.mu
	refs     int
	lastUsed time.Time
}

func (c *Conn) Key() Key { return c.key }

func (c *Conn) ListTools(ctx context.Context, params *mcp.ListToolsParams) (*mcp.ListToolsResult, error) {
	return c.client.ListTools(ctx, params)
}

func (c *Conn) CallTool(ctx context.Context, params *mcp.CallToolParams) (*mcp.CallToolResult, error) {
	return c.client.CallTool(ctx, params)
}

// Config controls pool timing.
type Config struct {
	MaxIdleTime         time.Duration
	ConnectionTimeout   time.Duration
	HealthCheckInterval time.Duration

	ReconnectInitial     time.Duration
	ReconnectStep        time.Duration
	ReconnectMaxDelay    time.Duration
	ReconnectMaxAttempts int

	Now func() time.Time
}

func (c *Config) applyDefaults() {
	if c.MaxIdleTime <= 0 {
		c.MaxIdleTime = 5 * time.Minute
	}
	if c.ConnectionTimeout <= 0 {
		c.ConnectionTimeout = 30 * time.Second
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = time.Minute
	}
	if c.ReconnectStep <= 0 {
		c.ReconnectStep = 500 * time.Millisecond
	}
	if c.ReconnectMaxDelay <= 0 {
		c.ReconnectMaxDelay = 5 * time.Second
	}
	if c.ReconnectMaxAttempts <= 0 {
		c.ReconnectMaxAttempts = 5
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Option configures a Pool.
type Option func(*Pool)

func WithLogger(l *slog.Logger) Option {
	return func(p *Pool) { p.log = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pool) { p.metrics = m }
}

// Pool hands out shared downstream connections.
type Pool struct {
	cfg     Config
	configs directory.ServerConfigSource
	dialer  Dialer
	log     *slog.Logger
	metrics *metrics.Metrics

	flight singleflight.Group

	mu     sync.Mutex
	conns  map[Key]*Conn
	closed bool

	sweepOnce sync.Once
	stop      chan struct{}
}

// New returns a Pool. The idle sweep starts on the first Acquire.
func New(configs directory.ServerConfigSource, dialer Dialer, cfg Config, opts ...Option) *Pool {
	cfg.applyDefaults()
	p := &Pool{
		cfg:     cfg,
		configs: configs,
		dialer:  dialer,
		log:     slog.Default(),
		conns:   make(map[Key]*Conn),
		stop:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Acquire returns a connection for key, creating one if needed. Every
// successful Acquire must be paired with exactly one Release.
func (p *Pool) Acquire(ctx context.Context, key Key) (*Conn, error) {
	p.sweepOnce.Do(p.startSweep)

	for {
		conn, stale, err := p.reuse(key)
		if err != nil {
			return nil, err
		}
		if stale != nil {
			p.closeConn(stale, "stale")
		}
		if conn != nil {
			return conn, nil
		}

		ch := p.flight.DoChan(key.String(), func() (any, error) {
			return p.connect(context.WithoutCancel(ctx), key)
		})
		var res singleflight.Result
		select {
		case <-ctx.Done():
			return nil, &ConnectionError{Key: key, Op: "acquire", Err: ctx.Err()}
		case res = <-ch:
		}
		if res.Err != nil {
			return nil, res.Err
		}
		created := res.Val.(*Conn)

		p.mu.Lock()
		if p.conns[key] == created {
			created.refs++
			p.mu.Unlock()
			return created, nil
		}
		p.mu.Unlock()
		// Evicted between creation and hand-off; start over.
	}
}

// reuse returns a live connection for key with its refcount taken, or the
// idle connection it evicted for being too old.
func (p *Pool) reuse(key Key) (conn, stale *Conn, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, nil, ErrPoolClosed
	}
	c, ok := p.conns[key]
	if !ok {
		return nil, nil, nil
	}
	if c.refs == 0 && p.cfg.Now().Sub(c.lastUsed) > p.cfg.MaxIdleTime {
		delete(p.conns, key)
		return nil, c, nil
	}
	c.refs++
	return c, nil, nil
}

func (p *Pool) connect(ctx context.Context, key Key) (*Conn, error) {
	cfg, err := p.configs.ServerConfig(ctx, key.Instance, key.Namespace)
	if errors.Is(err, directory.ErrServerNotFound) || (err == nil && cfg == nil) {
		return nil, &ConnectionError{Key: key, Op: "config", Err: ErrConfigNotFound}
	}
	if err != nil {
		return nil, &ConnectionError{Key: key, Op: "config", Err: err}
	}

	bo := &LinearBackOff{
		Initial:     p.cfg.ReconnectInitial,
		Step:        p.cfg.ReconnectStep,
		Max:         p.cfg.ReconnectMaxDelay,
		MaxAttempts: p.cfg.ReconnectMaxAttempts,
	}
	attempts := 0
	client, err := backoff.Retry(ctx, func() (Client, error) {
		attempts++
		dialCtx, cancel := context.WithTimeout(ctx, p.cfg.ConnectionTimeout)
		defer cancel()
		c, err := p.dialer.Dial(dialCtx, cfg)
		if err != nil {
			p.metrics.Dial("error")
			return nil, err
		}
		return c, nil
	},
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(uint(p.cfg.ReconnectMaxAttempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			p.log.WarnContext(ctx, "pool.dial.retry",
				slog.String("key", key.String()),
				slog.Int("attempt", attempts),
				slog.Duration("next", next),
				slog.String("err", err.Error()))
		}),
	)
	if err != nil {
		if attempts >= p.cfg.ReconnectMaxAttempts {
			err = fmt.Errorf("%w after %d attempts: %w", ErrReconnectExhausted, attempts, err)
		}
		p.log.ErrorContext(ctx, "pool.dial.fail", slog.String("key", key.String()), slog.String("err", err.Error()))
		return nil, &ConnectionError{Key: key, Op: "dial", Err: err}
	}

	now := p.cfg.Now()
	conn := &Conn{key: key, client: client, created: now, lastUsed: now}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		_ = client.Close()
		return nil, &ConnectionError{Key: key, Op: "dial", Err: ErrPoolClosed}
	}
	if existing, ok := p.conns[key]; ok {
		// Another flight registered while this one dialed.
		p.mu.Unlock()
		_ = client.Close()
		p.metrics.Dial("ok")
		p.log.InfoContext(ctx, "pool.dial.discard", slog.String("key", key.String()))
		return existing, nil
	}
	p.conns[key] = conn
	p.mu.Unlock()

	p.metrics.Dial("ok")
	p.metrics.PoolConnections(1)
	p.log.InfoContext(ctx, "pool.dial.ok", slog.String("key", key.String()), slog.Int("attempts", attempts))
	return conn, nil
}

// Release hands conn back. It never closes the connection.
func (p *Pool) Release(conn *Conn) {
	if conn == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if conn.refs > 0 {
		conn.refs--
	}
	if conn.refs == 0 {
		conn.lastUsed = p.cfg.Now()
	}
}

// EvictIdle closes idle connections that have not been used for longer
// than MaxIdleTime. It returns how many were closed.
func (p *Pool) EvictIdle() int {
	now := p.cfg.Now()
	var victims []*Conn
	p.mu.Lock()
	for k, c := range p.conns {
		if c.refs == 0 && now.Sub(c.lastUsed) > p.cfg.MaxIdleTime {
			delete(p.conns, k)
			victims = append(victims, c)
		}
	}
	p.mu.Unlock()

	for _, c := range victims {
		p.closeConn(c, "idle")
	}
	return len(victims)
}

// HealthCheck probes the connection for key with a bounded ListTools call.
// Missing connections and any probe error report false. An idle connection
// that fails the probe is evicted.
func (p *Pool) HealthCheck(ctx context.Context, key Key) bool {
	p.mu.Lock()
	c, ok := p.conns[key]
	p.mu.Unlock()
	if !ok {
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.ConnectionTimeout)
	defer cancel()
	healthy := p.probe(ctx, c)
	if healthy {
		return true
	}

	p.mu.Lock()
	evict := p.conns[key] == c && c.refs == 0
	if evict {
		delete(p.conns, key)
	}
	p.mu.Unlock()
	if evict {
		p.closeConn(c, "unhealthy")
	}
	return false
}

func (p *Pool) probe(ctx context.Context, c *Conn) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			p.log.ErrorContext(ctx, "pool.health.panic", slog.String("key", c.key.String()), slog.Any("panic", r))
			ok = false
		}
	}()
	if _, err := c.client.ListTools(ctx, &mcp.ListToolsParams{}); err != nil {
		p.log.WarnContext(ctx, "pool.health.fail", slog.String("key", c.key.String()), slog.String("err", err.Error()))
		return false
	}
	return true
}

// Len returns the number of pooled connections.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

// Shutdown stops the sweep and closes every connection concurrently. Close
// failures are joined into the returned error; ctx bounds the wait.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	conns := make([]*Conn, 0, len(p.conns))
	for _, c := range p.conns {
		conns = append(conns, c)
	}
	clear(p.conns)
	p.mu.Unlock()

	close(p.stop)

	var (
		g    errgroup.Group
		emu  sync.Mutex
		errs []error
	)
	for _, c := range conns {
		g.Go(func() error {
			if err := c.client.Close(); err != nil {
				emu.Lock()
				errs = append(errs, fmt.Errorf("close %s: %w", c.key, err))
				emu.Unlock()
			}
			p.metrics.PoolConnections(-1)
			return nil
		})
	}
	waited := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-ctx.Done():
		return errors.Join(append(errs, ctx.Err())...)
	}

	err := errors.Join(errs...)
	if err != nil {
		p.log.WarnContext(ctx, "pool.shutdown.partial", slog.String("err", err.Error()))
	}
	p.log.InfoContext(ctx, "pool.shutdown", slog.Int("closed", len(conns)))
	return err
}

func (p *Pool) startSweep() {
	go func() {
		t := time.NewTicker(p.cfg.HealthCheckInterval)
		defer t.Stop()
		for {
			select {
			case <-p.stop:
				return
			case <-t.C:
				p.sweep()
			}
		}
	}()
}

// sweep evicts connections idle past MaxIdleTime, then probes the remaining
// idle ones.
func (p *Pool) sweep() {
	evicted := p.EvictIdle()

	var idle []Key
	p.mu.Lock()
	for k, c := range p.conns {
		if c.refs == 0 {
			idle = append(idle, k)
		}
	}
	p.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-p.stop:
			cancel()
		case <-ctx.Done():
		}
	}()
	defer cancel()

	unhealthy := 0
	for _, k := range idle {
		if !p.HealthCheck(ctx, k) {
			unhealthy++
		}
	}
	if evicted > 0 || unhealthy > 0 {
		p.log.Debug("pool.sweep", slog.Int("evicted", evicted), slog.Int("unhealthy", unhealthy))
	}
}

func (p *Pool) closeConn(c *Conn, reason string) {
	if err := c.client.Close(); err != nil {
		p.log.Warn("pool.close.fail", slog.String("key", c.key.String()), slog.String("reason", reason), slog.String("err", err.Error()))
	} else {
		p.log.Debug("pool.close", slog.String("key", c.key.String()), slog.String("reason", reason))
	}
	p.metrics.PoolConnections(-1)
}
