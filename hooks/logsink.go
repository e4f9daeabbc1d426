package hooks

import (
	"context"
	"log/slog"
)

// LogSink writes audit events to a logger at info level under the "audit"
// message.
type LogSink struct {
	Logger *slog.Logger
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Record(ctx context.Context, ev Event) error {
	l := s.Logger
	if l == nil {
		l = slog.Default()
	}
	l.LogAttrs(ctx, slog.LevelInfo, "audit",
		slog.Time("time", ev.Time),
		slog.String("request_id", ev.RequestID),
		slog.String("session_id", ev.SessionID),
		slog.String("org", ev.OrganizationID),
		slog.String("instance", ev.InstanceID),
		slog.String("principal", ev.Principal),
		slog.String("auth_method", ev.AuthMethod),
		slog.String("method", ev.Method),
		slog.String("tool", ev.Tool),
		slog.String("outcome", ev.Outcome),
		slog.Duration("dur", ev.Duration),
	)
	return nil
}
