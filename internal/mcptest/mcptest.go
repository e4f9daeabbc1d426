// Package mcptest runs small downstream MCP servers in-process for tests.
package mcptest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ggoodman/mcp-gateway/directory"
	"github.com/ggoodman/mcp-gateway/pool"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// EchoInput is the argument shape of the echo tool.
type EchoInput struct {
	Message string `json:"message"`
}

// NewServer returns a server named name with two tools: "echo", which
// answers "<name>:<message>", and "fail", which reports a tool error.
func NewServer(name string) *mcp.Server {
	s := mcp.NewServer(&mcp.Implementation{Name: name, Version: "test"}, nil)
	mcp.AddTool(s, &mcp.Tool{Name: "echo", Description: "Echo a message"},
		func(ctx context.Context, req *mcp.CallToolRequest, in EchoInput) (*mcp.CallToolResult, any, error) {
			return &mcp.CallToolResult{
				Content: []mcp.Content{&mcp.TextContent{Text: name + ":" + in.Message}},
			}, nil, nil
		})
	mcp.AddTool(s, &mcp.Tool{Name: "fail", Description: "Always fails"},
		func(ctx context.Context, req *mcp.CallToolRequest, in struct{}) (*mcp.CallToolResult, any, error) {
			return nil, nil, errors.New("tool failed")
		})
	return s
}

// Dialer connects to in-process servers by namespace over in-memory
// transports.
type Dialer struct {
	mu      sync.Mutex
	servers map[string]*mcp.Server
	dials   atomic.Int64
	// Fail, when set, is consulted before every dial.
	Fail func(cfg *directory.ServerConfig) error
}

var _ pool.Dialer = (*Dialer)(nil)

// NewDialer serves every namespace in servers.
func NewDialer(servers map[string]*mcp.Server) *Dialer {
	return &Dialer{servers: servers}
}

// Dials returns the number of Dial calls.
func (d *Dialer) Dials() int { return int(d.dials.Load()) }

// Dial implements pool.Dialer.
func (d *Dialer) Dial(ctx context.Context, cfg *directory.ServerConfig) (pool.Client, error) {
	d.dials.Add(1)
	if d.Fail != nil {
		if err := d.Fail(cfg); err != nil {
			return nil, err
		}
	}
	d.mu.Lock()
	srv, ok := d.servers[cfg.Namespace]
	d.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no test server for namespace %q", cfg.Namespace)
	}

	serverT, clientT := mcp.NewInMemoryTransports()
	if _, err := srv.Connect(ctx, serverT, nil); err != nil {
		return nil, err
	}
	client := mcp.NewClient(&mcp.Implementation{Name: "mcptest", Version: "test"}, nil)
	cs, err := client.Connect(ctx, clientT, nil)
	if err != nil {
		return nil, err
	}
	return cs, nil
}

// Configs is a directory.ServerConfigSource returning a config for every
// namespace in Namespaces, regardless of instance.
type Configs struct {
	Namespaces []string
}

func (c Configs) ServerConfig(_ context.Context, instanceID, namespace string) (*directory.ServerConfig, error) {
	for _, ns := range c.Namespaces {
		if ns == namespace {
			return &directory.ServerConfig{Namespace: ns, Transport: directory.TransportStreamableHTTP, URL: "mem://" + ns}, nil
		}
	}
	return nil, directory.ErrServerNotFound
}
