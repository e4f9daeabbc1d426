// Package gateway is the transport-agnostic request pipeline of the MCP
// gateway. Each JSON-RPC request moves through a fixed sequence of states:
//
//	Unauthenticated → Authenticated → Authorized → InstanceResolved → Dispatched → Completed
//
// and any failure, including a recovered panic, ends in Failed with a
// well-formed JSON-RPC error that echoes the request id. Pooled connections
// acquired along the way are released exactly once whatever the outcome.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"github.com/ggoodman/mcp-gateway/auth"
	"github.com/ggoodman/mcp-gateway/directory"
	"github.com/ggoodman/mcp-gateway/hooks"
	"github.com/ggoodman/mcp-gateway/internal/jsonrpc"
	"github.com/ggoodman/mcp-gateway/internal/logctx"
	"github.com/ggoodman/mcp-gateway/internal/metrics"
	"github.com/ggoodman/mcp-gateway/internal/wellknown"
	"github.com/ggoodman/mcp-gateway/permissions"
	"github.com/ggoodman/mcp-gateway/pool"
	"github.com/ggoodman/mcp-gateway/sessions"
	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Authenticator resolves request credentials. *auth.Resolver satisfies it.
type Authenticator interface {
	Resolve(ctx context.Context, req auth.Request) (auth.AuthContext, error)
	RequiredScope() string
}

// PermissionChecker answers permission checks. *permissions.Service
// satisfies it.
type PermissionChecker interface {
	Check(ctx context.Context, req permissions.CheckRequest) (bool, error)
}

// Connections hands out pooled downstream connections. *pool.Pool
// satisfies it.
type Connections interface {
	Acquire(ctx context.Context, key pool.Key) (*pool.Conn, error)
	Release(conn *pool.Conn)
}

// Mode selects how a request relates to sessions.
type Mode int

const (
	// ModeSession requires a session id on every request but initialize.
	ModeSession Mode = iota
	// ModeStateless handles each request on its own.
	ModeStateless
)

// State is a step of the request pipeline.
type State string

const (
	StateUnauthenticated  State = "unauthenticated"
	StateAuthenticated    State = "authenticated"
	StateAuthorized       State = "authorized"
	StateInstanceResolved State = "instance_resolved"
	StateDispatched       State = "dispatched"
	StateCompleted        State = "completed"
	StateFailed           State = "failed"
)

// Request is one inbound JSON-RPC message.
type Request struct {
	Header     http.Header
	InstanceID string
	SessionID  string
	Mode       Mode
	Body       []byte
}

// Result is the outcome of Handle.
type Result struct {
	// Response is nil for accepted notifications.
	Response *jsonrpc.Response
	Status   int
	// SessionID is set when the request created a session.
	SessionID string
	// Challenge is a WWW-Authenticate value for credential failures.
	Challenge string
	// State is the final pipeline state.
	State State
}

// Config tunes the gateway.
type Config struct {
	ToolCallTimeout  time.Duration
	ListToolsTimeout time.Duration
	// PublicURL is the externally visible base URL, used in challenges.
	PublicURL  string
	ServerInfo mcp.Implementation
	// NewSessionID generates session ids.
	NewSessionID func() string
	Now          func() time.Time
}

func (c *Config) applyDefaults() {
	if c.ToolCallTimeout <= 0 {
		c.ToolCallTimeout = 60 * time.Second
	}
	if c.ListToolsTimeout <= 0 {
		c.ListToolsTimeout = 15 * time.Second
	}
	if c.ServerInfo.Name == "" {
		c.ServerInfo = mcp.Implementation{Name: "mcp-gateway", Version: "dev"}
	}
	if c.NewSessionID == nil {
		c.NewSessionID = uuid.NewString
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Deps are the collaborators of a Gateway. Sessions may be nil when only
// stateless requests are served; Hooks may be nil.
type Deps struct {
	Auth        Authenticator
	Permissions PermissionChecker
	Instances   directory.InstanceSource
	Sessions    *sessions.Store
	Pool        Connections
	Hooks       *hooks.Runner
}

// Option configures a Gateway.
type Option func(*Gateway)

func WithLogger(l *slog.Logger) Option {
	return func(g *Gateway) { g.log = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Gateway) { g.metrics = m }
}

// Gateway handles requests.
type Gateway struct {
	cfg     Config
	deps    Deps
	log     *slog.Logger
	metrics *metrics.Metrics
}

// New returns a Gateway.
func New(deps Deps, cfg Config, opts ...Option) (*Gateway, error) {
	switch {
	case deps.Auth == nil:
		return nil, errors.New("gateway: authenticator is required")
	case deps.Permissions == nil:
		return nil, errors.New("gateway: permission checker is required")
	case deps.Instances == nil:
		return nil, errors.New("gateway: instance source is required")
	case deps.Pool == nil:
		return nil, errors.New("gateway: connection pool is required")
	}
	cfg.applyDefaults()
	g := &Gateway{cfg: cfg, deps: deps, log: slog.Default()}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// flow carries the state of one request through the pipeline.
type flow struct {
	g     *Gateway
	req   *Request
	rpc   *jsonrpc.Request
	id    *jsonrpc.RequestID
	state State

	ac             auth.AuthContext
	authenticated  bool
	instance       *directory.Instance
	sessionID      string
	sessionCreated bool

	failed   bool
	category Category

	mu     sync.Mutex
	leases []*lease
}

// lease is one pool acquisition. release is safe to call any number of
// times; the pool sees exactly one Release.
type lease struct {
	conn *pool.Conn
	once sync.Once
	pool Connections
}

func (l *lease) release() {
	l.once.Do(func() { l.pool.Release(l.conn) })
}

func (f *flow) acquire(ctx context.Context, key pool.Key) (*lease, error) {
	conn, err := f.g.deps.Pool.Acquire(ctx, key)
	if err != nil {
		return nil, err
	}
	l := &lease{conn: conn, pool: f.g.deps.Pool}
	f.mu.Lock()
	f.leases = append(f.leases, l)
	f.mu.Unlock()
	return l, nil
}

func (f *flow) releaseAll() {
	f.mu.Lock()
	leases := f.leases
	f.leases = nil
	f.mu.Unlock()
	for _, l := range leases {
		l.release()
	}
}

func (f *flow) transition(ctx context.Context, to State) {
	f.g.log.DebugContext(ctx, "gateway.state", slog.String("from", string(f.state)), slog.String("to", string(to)))
	f.state = to
}

func (f *flow) method() string {
	if f.rpc == nil {
		return ""
	}
	return f.rpc.Method
}

// Handle runs req through the pipeline. It never returns nil.
func (g *Gateway) Handle(ctx context.Context, req *Request) (res *Result) {
	start := g.cfg.Now()
	rpcReq, id, parseErr := jsonrpc.ParseRequest(req.Body)
	f := &flow{g: g, req: req, rpc: rpcReq, id: id, state: StateUnauthenticated}

	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{Method: f.method(), ID: idString(id)})

	defer func() {
		if p := recover(); p != nil {
			g.log.ErrorContext(ctx, "gateway.panic", slog.Any("panic", p), slog.String("stack", string(debug.Stack())))
			res = f.fail(ctx, fmt.Errorf("panic: %v", p))
		}
		f.releaseAll()
		g.finish(ctx, f, res, start)
	}()

	return f.run(ctx, parseErr)
}

func (f *flow) run(ctx context.Context, parseErr error) *Result {
	g := f.g

	ac, err := g.deps.Auth.Resolve(ctx, auth.Request{Header: f.req.Header, InstanceID: f.req.InstanceID})
	if err != nil {
		return f.fail(ctx, err)
	}
	f.ac, f.authenticated = ac, true
	ctx = logctx.WithTenantData(ctx, &logctx.TenantData{
		OrganizationID: ac.OrganizationID(),
		InstanceID:     f.req.InstanceID,
		Principal:      ac.Principal(),
		AuthMethod:     string(ac.Method()),
	})
	f.transition(ctx, StateAuthenticated)

	if parseErr != nil {
		return f.fail(ctx, parseErr)
	}

	if err := f.authorize(ctx); err != nil {
		return f.fail(ctx, err)
	}
	f.transition(ctx, StateAuthorized)

	if err := f.resolveInstance(ctx); err != nil {
		return f.fail(ctx, err)
	}
	f.transition(ctx, StateInstanceResolved)

	if f.req.Mode == ModeSession {
		if err := f.bindSession(ctx); err != nil {
			return f.fail(ctx, err)
		}
		ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: f.sessionID, Transport: string(sessions.TransportStreamableHTTP)})
	}
	f.transition(ctx, StateDispatched)

	result, err := f.dispatch(ctx)
	if err != nil {
		return f.fail(ctx, err)
	}
	f.transition(ctx, StateCompleted)

	out := &Result{Status: http.StatusOK, State: StateCompleted}
	if f.sessionCreated {
		out.SessionID = f.sessionID
	}
	if f.rpc.IsNotification() {
		out.Status = http.StatusAccepted
		return out
	}
	resp, err := jsonrpc.NewResultResponse(f.id, result)
	if err != nil {
		return f.fail(ctx, err)
	}
	out.Response = resp
	return out
}

// authorize checks READ on the instance whenever a user stands behind the
// credential, whatever the method. Keys and clients without a user are
// authorized by their instance binding alone.
func (f *flow) authorize(ctx context.Context) error {
	if f.ac.UserID() == "" {
		return nil
	}
	ok, err := f.g.deps.Permissions.Check(ctx, permissions.CheckRequest{
		UserID:         f.ac.UserID(),
		OrganizationID: f.ac.OrganizationID(),
		ResourceType:   directory.ResourceMCPServerInstance,
		Action:         directory.ActionRead,
		ResourceID:     f.req.InstanceID,
	})
	if err != nil {
		return fmt.Errorf("permission check: %w", err)
	}
	if !ok {
		return ErrForbidden
	}
	return nil
}

func (f *flow) resolveInstance(ctx context.Context) error {
	if bound := f.ac.InstanceID(); bound != "" && bound != f.req.InstanceID {
		return fmt.Errorf("%w: credential bound to %s", auth.ErrInstanceMismatch, bound)
	}
	inst, err := f.g.deps.Instances.Instance(ctx, f.req.InstanceID)
	if err != nil {
		return err
	}
	if inst == nil {
		return directory.ErrInstanceNotFound
	}
	if inst.OrganizationID != f.ac.OrganizationID() {
		return fmt.Errorf("%w: instance %s belongs to another organization", auth.ErrInstanceMismatch, inst.ID)
	}
	f.instance = inst
	return nil
}

func snapshot(ac auth.AuthContext) sessions.AuthInfo {
	return sessions.AuthInfo{
		Method:         string(ac.Method()),
		OrganizationID: ac.OrganizationID(),
		UserID:         ac.UserID(),
		ClientID:       ac.ClientID(),
		InstanceID:     ac.InstanceID(),
		Scopes:         ac.Scopes(),
	}
}

func (f *flow) bindSession(ctx context.Context) error {
	store := f.g.deps.Sessions
	if store == nil {
		return errors.New("session mode is not configured")
	}

	if f.rpc.Method == methodInitialize {
		if f.req.SessionID != "" {
			return fmt.Errorf("%w: initialize must not carry a session id", jsonrpc.ErrInvalidRequest)
		}
		id := f.g.cfg.NewSessionID()
		if _, err := store.Create(ctx, id, sessions.TransportStreamableHTTP, snapshot(f.ac)); err != nil {
			return err
		}
		f.sessionID, f.sessionCreated = id, true
		f.g.metrics.SessionEvent("create")
		return nil
	}

	if f.req.SessionID == "" {
		return ErrSessionRequired
	}
	sess, err := store.Validate(ctx, f.req.SessionID)
	if err != nil {
		return err
	}
	info := sess.AuthInfo
	if info.OrganizationID != f.ac.OrganizationID() ||
		info.Principal() != f.ac.Principal() ||
		(info.InstanceID != "" && info.InstanceID != f.instance.ID) {
		return fmt.Errorf("%w: session belongs to another principal", sessions.ErrSessionNotFound)
	}
	if err := store.Touch(ctx, sess.ID, f.ac.ClientID()); err != nil {
		return err
	}
	f.sessionID = sess.ID
	return nil
}

// fail ends the flow with err.
func (f *flow) fail(ctx context.Context, err error) *Result {
	g := f.g
	cat := Classify(err)
	f.failed, f.category = true, cat
	from := f.state
	f.transition(ctx, StateFailed)

	attrs := []any{
		slog.String("state", string(from)),
		slog.String("category", cat.String()),
		slog.String("err", err.Error()),
	}
	switch cat {
	case CategoryAuthentication, CategoryAuthorization, CategoryInstanceMismatch:
		g.log.InfoContext(ctx, "auth.fail", attrs...)
		g.metrics.AuthFailure(cat.String())
	case CategoryInternal:
		g.log.ErrorContext(ctx, "gateway.fail", attrs...)
	default:
		g.log.WarnContext(ctx, "gateway.fail", attrs...)
	}

	out := &Result{
		Response: ErrorResponse(f.id, err),
		Status:   cat.Status(),
		State:    StateFailed,
	}
	if cat == CategoryAuthentication || errors.Is(err, auth.ErrInsufficientScope) {
		out.Challenge = auth.BearerChallenge(err, wellknown.MetadataURL(g.cfg.PublicURL, f.req.InstanceID), g.deps.Auth.RequiredScope())
	}
	if f.sessionCreated {
		out.SessionID = f.sessionID
	}

	if f.sessionID != "" && (cat == CategoryConnection || cat == CategoryInternal) {
		if rerr := g.deps.Sessions.RecordError(ctx, f.sessionID); rerr != nil {
			g.log.WarnContext(ctx, "session.record_error", slog.String("err", rerr.Error()))
			if errors.Is(rerr, sessions.ErrSessionInvalid) {
				g.metrics.SessionEvent("error_budget_exhausted")
			}
		}
	}
	return out
}

func (g *Gateway) finish(ctx context.Context, f *flow, res *Result, start time.Time) {
	dur := g.cfg.Now().Sub(start)
	category := "ok"
	if f.failed {
		category = f.category.String()
	}
	g.metrics.ObserveRequest(f.method(), category, dur)

	ev := hooks.Event{
		Time:       start,
		RequestID:  logctx.RequestID(ctx),
		SessionID:  f.sessionID,
		InstanceID: f.req.InstanceID,
		Method:     f.method(),
		Outcome:    category,
		Duration:   dur,
	}
	if f.authenticated {
		ev.OrganizationID = f.ac.OrganizationID()
		ev.Principal = f.ac.Principal()
		ev.AuthMethod = string(f.ac.Method())
	}
	if tool, ok := f.toolName(); ok {
		ev.Tool = tool
	}
	g.deps.Hooks.Audit(ctx, ev)
}

// TerminateSession deletes a session after checking that the caller owns
// it. It backs HTTP DELETE on the session endpoint.
func (g *Gateway) TerminateSession(ctx context.Context, header http.Header, instanceID, sessionID string) *Result {
	f := &flow{g: g, req: &Request{Header: header, InstanceID: instanceID, SessionID: sessionID, Mode: ModeSession}, state: StateUnauthenticated}

	ac, err := g.deps.Auth.Resolve(ctx, auth.Request{Header: header, InstanceID: instanceID})
	if err != nil {
		return f.fail(ctx, err)
	}
	f.ac, f.authenticated = ac, true
	f.transition(ctx, StateAuthenticated)

	if sessionID == "" {
		return f.fail(ctx, ErrSessionRequired)
	}
	if g.deps.Sessions == nil {
		return f.fail(ctx, errors.New("session mode is not configured"))
	}
	sess, err := g.deps.Sessions.Get(ctx, sessionID)
	if err != nil {
		return f.fail(ctx, err)
	}
	if sess.AuthInfo.OrganizationID != ac.OrganizationID() || sess.AuthInfo.Principal() != ac.Principal() ||
		(sess.AuthInfo.InstanceID != "" && sess.AuthInfo.InstanceID != instanceID) {
		return f.fail(ctx, fmt.Errorf("%w: session belongs to another principal", sessions.ErrSessionNotFound))
	}
	if err := g.deps.Sessions.Delete(ctx, sessionID); err != nil {
		return f.fail(ctx, err)
	}
	g.metrics.SessionEvent("terminate")
	g.log.InfoContext(ctx, "session.terminate", slog.String("session_id", sessionID))
	return &Result{Status: http.StatusNoContent, State: StateCompleted}
}

func idString(id *jsonrpc.RequestID) string {
	if id == nil {
		return ""
	}
	return id.String()
}
