// Package logctx enriches slog records with request-scoped data carried on
// the context.
package logctx

import (
	"context"
	"log/slog"
)

type Handler struct {
	slog.Handler
}

// Wrap returns h enriched from the context. A Handler is returned as is so
// records never carry the same group twice.
func Wrap(h slog.Handler) slog.Handler {
	if _, ok := h.(Handler); ok {
		return h
	}
	return Handler{Handler: h}
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if rd, ok := ctx.Value(requestDataKey{}).(*RequestData); ok {
		r.AddAttrs(slog.Group("req",
			slog.String("id", rd.RequestID),
			slog.String("method", rd.Method),
			slog.String("user_agent", rd.UserAgent),
			slog.String("remote_addr", rd.RemoteAddr),
			slog.String("path", rd.Path),
		))
	}

	if td, ok := ctx.Value(tenantDataKey{}).(*TenantData); ok {
		r.AddAttrs(slog.Group("tenant",
			slog.String("org", td.OrganizationID),
			slog.String("instance", td.InstanceID),
			slog.String("principal", td.Principal),
			slog.String("auth_method", td.AuthMethod),
		))
	}

	if sd, ok := ctx.Value(sessionDataKey{}).(*SessionData); ok {
		r.AddAttrs(slog.Group("sess",
			slog.String("id", sd.SessionID),
			slog.String("transport", sd.Transport),
		))
	}

	if msg, ok := ctx.Value(rpcMsg{}).(*RPCMessage); ok {
		r.AddAttrs(slog.Group("rpc",
			slog.String("method", msg.Method),
			slog.String("id", msg.ID),
		))
	}

	if td, ok := ctx.Value(toolCallDataKey{}).(*ToolCallData); ok {
		r.AddAttrs(slog.Group("tool",
			slog.String("name", td.ToolName),
			slog.String("namespace", td.Namespace),
		))
	}

	return h.Handler.Handle(ctx, r)
}

// WithAttrs and WithGroup must keep the wrapper so derived loggers still
// enrich from the context.
func (h Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return Handler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h Handler) WithGroup(name string) slog.Handler {
	return Handler{Handler: h.Handler.WithGroup(name)}
}

type rpcMsg struct{}

type RPCMessage struct {
	Method string
	ID     string
}

func WithRPCMessage(ctx context.Context, msg *RPCMessage) context.Context {
	return context.WithValue(ctx, rpcMsg{}, msg)
}

type requestDataKey struct{}

type RequestData struct {
	RequestID  string
	Method     string
	UserAgent  string
	RemoteAddr string
	Path       string
}

func WithRequestData(ctx context.Context, data *RequestData) context.Context {
	return context.WithValue(ctx, requestDataKey{}, data)
}

// RequestID returns the request id stored on ctx, if any.
func RequestID(ctx context.Context) string {
	if rd, ok := ctx.Value(requestDataKey{}).(*RequestData); ok {
		return rd.RequestID
	}
	return ""
}

type tenantDataKey struct{}

type TenantData struct {
	OrganizationID string
	InstanceID     string
	Principal      string
	AuthMethod     string
}

func WithTenantData(ctx context.Context, data *TenantData) context.Context {
	return context.WithValue(ctx, tenantDataKey{}, data)
}

type sessionDataKey struct{}

type SessionData struct {
	SessionID string
	Transport string
}

func WithSessionData(ctx context.Context, data *SessionData) context.Context {
	return context.WithValue(ctx, sessionDataKey{}, data)
}

type toolCallDataKey struct{}

type ToolCallData struct {
	ToolName  string
	Namespace string
}

func WithToolCallData(ctx context.Context, data *ToolCallData) context.Context {
	return context.WithValue(ctx, toolCallDataKey{}, data)
}
