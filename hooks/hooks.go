// Package hooks lets deployments attach optional post-processing to tool
// results (PII masking, payload compaction) and an audit trail, without any
// of it being able to fail a request.
package hooks

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ggoodman/mcp-gateway/internal/metrics"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// CallInfo describes the tool call a result belongs to.
type CallInfo struct {
	OrganizationID string
	InstanceID     string
	Namespace      string
	Tool           string
	Principal      string
}

// ResponseTransform rewrites a downstream tool result before it is returned
// to the caller. Implementations must not mutate res in place; return a new
// result instead.
type ResponseTransform interface {
	Name() string
	TransformToolResult(ctx context.Context, info CallInfo, res *mcp.CallToolResult) (*mcp.CallToolResult, error)
}

// Event is one audit record.
type Event struct {
	Time           time.Time     `json:"time"`
	RequestID      string        `json:"requestId,omitempty"`
	SessionID      string        `json:"sessionId,omitempty"`
	OrganizationID string        `json:"organizationId,omitempty"`
	InstanceID     string        `json:"instanceId,omitempty"`
	Principal      string        `json:"principal,omitempty"`
	AuthMethod     string        `json:"authMethod,omitempty"`
	Method         string        `json:"method"`
	Tool           string        `json:"tool,omitempty"`
	Outcome        string        `json:"outcome"`
	Duration       time.Duration `json:"duration"`
}

// AuditSink receives audit events. Record is called off the request path.
type AuditSink interface {
	Name() string
	Record(ctx context.Context, ev Event) error
}

// Option configures a Runner.
type Option func(*Runner)

func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) { r.log = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Runner) { r.metrics = m }
}

// WithTransform appends a transform. Transforms run in the order added.
func WithTransform(t ResponseTransform) Option {
	return func(r *Runner) { r.transforms = append(r.transforms, t) }
}

// WithAuditSink adds a sink.
func WithAuditSink(s AuditSink) Option {
	return func(r *Runner) { r.sinks = append(r.sinks, s) }
}

// WithAuditTimeout bounds each Record call.
func WithAuditTimeout(d time.Duration) Option {
	return func(r *Runner) { r.auditTimeout = d }
}

// Runner runs hooks fail-open: a hook that errors or panics is logged and
// skipped, and the caller always gets a usable result.
type Runner struct {
	transforms   []ResponseTransform
	sinks        []AuditSink
	auditTimeout time.Duration
	log          *slog.Logger
	metrics      *metrics.Metrics

	wg sync.WaitGroup
}

// NewRunner returns a Runner. A Runner with no hooks is a no-op.
func NewRunner(opts ...Option) *Runner {
	r := &Runner{auditTimeout: 5 * time.Second, log: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// TransformToolResult applies every transform in order. A failing transform
// leaves the result as it was before that transform ran.
func (r *Runner) TransformToolResult(ctx context.Context, info CallInfo, res *mcp.CallToolResult) *mcp.CallToolResult {
	if r == nil {
		return res
	}
	for _, t := range r.transforms {
		next, err := r.safeTransform(ctx, t, info, res)
		if err != nil {
			r.log.WarnContext(ctx, "hook.transform.fail", slog.String("hook", t.Name()), slog.String("err", err.Error()))
			r.metrics.HookFailure(t.Name())
			continue
		}
		if next != nil {
			res = next
		}
	}
	return res
}

func (r *Runner) safeTransform(ctx context.Context, t ResponseTransform, info CallInfo, res *mcp.CallToolResult) (out *mcp.CallToolResult, err error) {
	defer func() {
		if p := recover(); p != nil {
			out, err = nil, fmt.Errorf("panic: %v", p)
		}
	}()
	return t.TransformToolResult(ctx, info, res)
}

// Audit hands ev to every sink asynchronously. It never blocks on a sink.
func (r *Runner) Audit(ctx context.Context, ev Event) {
	if r == nil || len(r.sinks) == 0 {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	base := context.WithoutCancel(ctx)
	for _, s := range r.sinks {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			defer func() {
				if p := recover(); p != nil {
					r.log.ErrorContext(base, "hook.audit.panic", slog.String("hook", s.Name()), slog.Any("panic", p))
					r.metrics.HookFailure(s.Name())
				}
			}()
			ctx, cancel := context.WithTimeout(base, r.auditTimeout)
			defer cancel()
			if err := s.Record(ctx, ev); err != nil {
				r.log.WarnContext(ctx, "hook.audit.fail", slog.String("hook", s.Name()), slog.String("err", err.Error()))
				r.metrics.HookFailure(s.Name())
			}
		}()
	}
}

// Wait blocks until in-flight audit records finish or ctx is done.
func (r *Runner) Wait(ctx context.Context) error {
	if r == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
