package hooks_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/ggoodman/mcp-gateway/hooks"
	"github.com/ggoodman/mcp-gateway/hooks/hookstest"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

func textResult(s string) *mcp.CallToolResult {
	return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: s}}}
}

func textOf(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	tc, ok := res.Content[0].(*mcp.TextContent)
	if !ok {
		t.Fatalf("content is %T", res.Content[0])
	}
	return tc.Text
}

func upper() hookstest.TransformFunc {
	return hookstest.TransformFunc{HookName: "upper", Fn: func(_ context.Context, _ hooks.CallInfo, res *mcp.CallToolResult) (*mcp.CallToolResult, error) {
		return textResult(strings.ToUpper(res.Content[0].(*mcp.TextContent).Text)), nil
	}}
}

func TestTransformsRunInOrder(t *testing.T) {
	suffix := hookstest.TransformFunc{HookName: "suffix", Fn: func(_ context.Context, _ hooks.CallInfo, res *mcp.CallToolResult) (*mcp.CallToolResult, error) {
		return textResult(res.Content[0].(*mcp.TextContent).Text + "!"), nil
	}}
	r := hooks.NewRunner(hooks.WithTransform(upper()), hooks.WithTransform(suffix))

	got := r.TransformToolResult(context.Background(), hooks.CallInfo{}, textResult("hi"))
	if textOf(t, got) != "HI!" {
		t.Fatalf("got %q", textOf(t, got))
	}
}

func TestTransformsFailOpen(t *testing.T) {
	failing := hookstest.TransformFunc{HookName: "pii", Fn: func(context.Context, hooks.CallInfo, *mcp.CallToolResult) (*mcp.CallToolResult, error) {
		return nil, errors.New("detector unavailable")
	}}
	panicking := hookstest.TransformFunc{HookName: "toon", Fn: func(context.Context, hooks.CallInfo, *mcp.CallToolResult) (*mcp.CallToolResult, error) {
		panic("boom")
	}}
	var logs bytes.Buffer
	r := hooks.NewRunner(
		hooks.WithLogger(slog.New(slog.NewTextHandler(&logs, nil))),
		hooks.WithTransform(failing),
		hooks.WithTransform(upper()),
		hooks.WithTransform(panicking),
	)

	orig := textResult("secret")
	got := r.TransformToolResult(context.Background(), hooks.CallInfo{}, orig)
	if textOf(t, got) != "SECRET" {
		t.Fatalf("got %q, want the result of the only healthy transform", textOf(t, got))
	}
	if textOf(t, orig) != "secret" {
		t.Fatal("original result was mutated")
	}
	if !strings.Contains(logs.String(), "hook=pii") || !strings.Contains(logs.String(), "hook=toon") {
		t.Fatalf("expected failures to be logged:\n%s", logs.String())
	}
}

func TestNilRunner(t *testing.T) {
	var r *hooks.Runner
	res := textResult("x")
	if r.TransformToolResult(context.Background(), hooks.CallInfo{}, res) != res {
		t.Fatal("nil runner must return the input")
	}
	r.Audit(context.Background(), hooks.Event{})
	if err := r.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}
}

type panicSink struct{}

func (panicSink) Name() string                               { return "panic" }
func (panicSink) Record(context.Context, hooks.Event) error { panic("sink exploded") }

func TestAuditIsFireAndForget(t *testing.T) {
	ok := &hookstest.RecordingSink{}
	failing := &hookstest.RecordingSink{Err: errors.New("warehouse down")}
	r := hooks.NewRunner(
		hooks.WithLogger(slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))),
		hooks.WithAuditSink(ok),
		hooks.WithAuditSink(failing),
		hooks.WithAuditSink(panicSink{}),
	)

	ctx, cancel := context.WithCancel(context.Background())
	r.Audit(ctx, hooks.Event{Method: "tools/call", Tool: "github__echo", Outcome: "ok"})
	cancel()

	waitCtx, done := context.WithTimeout(context.Background(), time.Second)
	defer done()
	if err := r.Wait(waitCtx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	events := ok.Events()
	if len(events) != 1 || events[0].Tool != "github__echo" || events[0].Time.IsZero() {
		t.Fatalf("unexpected events: %+v", events)
	}
	if len(failing.Events()) != 1 {
		t.Fatal("failing sink should still have been called")
	}
}

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	s := &hooks.LogSink{Logger: slog.New(slog.NewJSONHandler(&buf, nil))}
	if err := s.Record(context.Background(), hooks.Event{Method: "tools/call", Outcome: "forbidden"}); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), `"outcome":"forbidden"`) {
		t.Fatalf("unexpected log: %s", buf.String())
	}
}
