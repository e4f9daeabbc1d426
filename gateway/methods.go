package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/ggoodman/mcp-gateway/hooks"
	"github.com/ggoodman/mcp-gateway/internal/logctx"
	"github.com/ggoodman/mcp-gateway/pool"
	"github.com/ggoodman/mcp-gateway/toolname"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/errgroup"
)

const (
	methodInitialize = "initialize"
	methodPing       = "ping"
	methodToolsList  = "tools/list"
	methodToolsCall  = "tools/call"

	notificationPrefix = "notifications/"
)

// LatestProtocolVersion is offered when the client asks for a version the
// gateway does not speak.
const LatestProtocolVersion = "2025-06-18"

var supportedProtocolVersions = []string{"2025-06-18", "2025-03-26", "2024-11-05"}

// maxListPages bounds pagination against a misbehaving downstream.
const maxListPages = 100

func (f *flow) dispatch(ctx context.Context) (any, error) {
	switch m := f.rpc.Method; {
	case m == methodInitialize:
		return f.initialize()
	case strings.HasPrefix(m, notificationPrefix):
		return nil, nil
	case m == methodPing:
		return struct{}{}, nil
	case m == methodToolsList:
		return f.listTools(ctx)
	case m == methodToolsCall:
		return f.callTool(ctx)
	default:
		return nil, fmt.Errorf("%w: %s", ErrMethodNotFound, m)
	}
}

func (f *flow) initialize() (*mcp.InitializeResult, error) {
	var params mcp.InitializeParams
	if len(f.rpc.Params) > 0 {
		if err := json.Unmarshal(f.rpc.Params, &params); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidParams, err)
		}
	}
	version := LatestProtocolVersion
	if slices.Contains(supportedProtocolVersions, params.ProtocolVersion) {
		version = params.ProtocolVersion
	}
	info := f.g.cfg.ServerInfo
	return &mcp.InitializeResult{
		ProtocolVersion: version,
		ServerInfo:      &info,
		Capabilities: &mcp.ServerCapabilities{
			Tools: &mcp.ToolCapabilities{},
		},
	}, nil
}

// listTools fans out to every namespace of the instance and merges the
// results under namespaced names. A namespace that fails is left out.
func (f *flow) listTools(ctx context.Context) (*mcp.ListToolsResult, error) {
	ctx, cancel := context.WithTimeout(ctx, f.g.cfg.ListToolsTimeout)
	defer cancel()

	namespaces := f.instance.Namespaces
	perNS := make([][]*mcp.Tool, len(namespaces))

	var eg errgroup.Group
	for i, ns := range namespaces {
		eg.Go(func() error {
			tools, err := f.listNamespace(ctx, ns)
			if err != nil {
				f.g.log.WarnContext(ctx, "tools.list.namespace.fail", slog.String("namespace", ns), slog.String("err", err.Error()))
				return nil
			}
			perNS[i] = tools
			return nil
		})
	}
	_ = eg.Wait()

	out := &mcp.ListToolsResult{Tools: []*mcp.Tool{}}
	for _, tools := range perNS {
		out.Tools = append(out.Tools, tools...)
	}
	return out, nil
}

func (f *flow) listNamespace(ctx context.Context, ns string) ([]*mcp.Tool, error) {
	l, err := f.acquire(ctx, pool.Key{Instance: f.instance.ID, Namespace: ns})
	if err != nil {
		return nil, err
	}
	defer l.release()

	var tools []*mcp.Tool
	cursor := ""
	for range maxListPages {
		res, err := l.conn.ListTools(ctx, &mcp.ListToolsParams{Cursor: cursor})
		if err != nil {
			return nil, err
		}
		for _, t := range res.Tools {
			if t == nil {
				continue
			}
			nt := *t
			nt.Name = toolname.Join(ns, t.Name)
			tools = append(tools, &nt)
		}
		if res.NextCursor == "" {
			break
		}
		cursor = res.NextCursor
	}
	return tools, nil
}

type callToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

func (f *flow) callTool(ctx context.Context) (*mcp.CallToolResult, error) {
	var params callToolParams
	if err := json.Unmarshal(f.rpc.Params, &params); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	name, err := toolname.Parse(params.Name)
	if err != nil {
		return nil, err
	}
	if !f.instance.HasNamespace(name.Instance) {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, params.Name)
	}
	ctx = logctx.WithToolCallData(ctx, &logctx.ToolCallData{ToolName: name.Tool, Namespace: name.Instance})

	ctx, cancel := context.WithTimeout(ctx, f.g.cfg.ToolCallTimeout)
	defer cancel()

	l, err := f.acquire(ctx, pool.Key{Instance: f.instance.ID, Namespace: name.Instance})
	if err != nil {
		f.g.metrics.ToolCall(name.Instance, "connection_error")
		return nil, err
	}
	defer l.release()

	var args any
	if len(params.Arguments) > 0 && string(params.Arguments) != "null" {
		args = params.Arguments
	}
	res, err := l.conn.CallTool(ctx, &mcp.CallToolParams{Name: name.Tool, Arguments: args})
	if err != nil {
		f.g.metrics.ToolCall(name.Instance, "error")
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: tool call timed out: %w", ErrDownstream, err)
		}
		return nil, fmt.Errorf("%w: %w", ErrDownstream, err)
	}
	l.release()

	result := "ok"
	if res.IsError {
		result = "tool_error"
	}
	f.g.metrics.ToolCall(name.Instance, result)

	return f.g.deps.Hooks.TransformToolResult(ctx, hooks.CallInfo{
		OrganizationID: f.ac.OrganizationID(),
		InstanceID:     f.instance.ID,
		Namespace:      name.Instance,
		Tool:           name.Tool,
		Principal:      f.ac.Principal(),
	}, res), nil
}

// toolName reports the requested tool for tools/call, for auditing.
func (f *flow) toolName() (string, bool) {
	if f.rpc == nil || f.rpc.Method != methodToolsCall {
		return "", false
	}
	var p struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(f.rpc.Params, &p); err != nil || p.Name == "" {
		return "", false
	}
	return p.Name, true
}
