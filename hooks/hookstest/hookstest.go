// Package hookstest provides hook implementations for tests.
package hookstest

import (
	"context"
	"sync"

	"github.com/ggoodman/mcp-gateway/hooks"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// TransformFunc adapts a function to hooks.ResponseTransform.
type TransformFunc struct {
	HookName string
	Fn       func(ctx context.Context, info hooks.CallInfo, res *mcp.CallToolResult) (*mcp.CallToolResult, error)
}

func (t TransformFunc) Name() string { return t.HookName }

func (t TransformFunc) TransformToolResult(ctx context.Context, info hooks.CallInfo, res *mcp.CallToolResult) (*mcp.CallToolResult, error) {
	return t.Fn(ctx, info, res)
}

// RecordingSink keeps every event it receives.
type RecordingSink struct {
	// Err is returned from every Record call when set.
	Err error

	mu     sync.Mutex
	events []hooks.Event
}

func (s *RecordingSink) Name() string { return "recording" }

func (s *RecordingSink) Record(_ context.Context, ev hooks.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return s.Err
}

// Events returns a copy of the recorded events.
func (s *RecordingSink) Events() []hooks.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]hooks.Event(nil), s.events...)
}
