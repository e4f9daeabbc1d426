package pool

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"

	"github.com/ggoodman/mcp-gateway/directory"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Client is the downstream surface the gateway uses. *mcp.ClientSession
// satisfies it.
type Client interface {
	ListTools(ctx context.Context, params *mcp.ListToolsParams) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, params *mcp.CallToolParams) (*mcp.CallToolResult, error)
	Ping(ctx context.Context, params *mcp.PingParams) error
	Close() error
}

// Dialer opens a client for a server config.
type Dialer interface {
	Dial(ctx context.Context, cfg *directory.ServerConfig) (Client, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, cfg *directory.ServerConfig) (Client, error)

func (f DialerFunc) Dial(ctx context.Context, cfg *directory.ServerConfig) (Client, error) {
	return f(ctx, cfg)
}

// SDKDialer connects with the MCP go-sdk client transports.
type SDKDialer struct {
	Implementation *mcp.Implementation
	// HTTPClient is the base client for HTTP transports. Nil uses
	// http.DefaultClient's transport.
	HTTPClient *http.Client
}

// Dial implements Dialer.
func (d *SDKDialer) Dial(ctx context.Context, cfg *directory.ServerConfig) (Client, error) {
	transport, err := d.transport(cfg)
	if err != nil {
		return nil, err
	}
	impl := d.Implementation
	if impl == nil {
		impl = &mcp.Implementation{Name: "mcp-gateway", Version: "dev"}
	}
	client := mcp.NewClient(impl, nil)
	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		return nil, err
	}
	return session, nil
}

func (d *SDKDialer) transport(cfg *directory.ServerConfig) (mcp.Transport, error) {
	switch cfg.Transport {
	case directory.TransportStreamableHTTP, "":
		if cfg.URL == "" {
			return nil, errors.New("server config has no url")
		}
		return &mcp.StreamableClientTransport{Endpoint: cfg.URL, HTTPClient: d.httpClient(cfg.Headers)}, nil
	case directory.TransportSSE:
		if cfg.URL == "" {
			return nil, errors.New("server config has no url")
		}
		return &mcp.SSEClientTransport{Endpoint: cfg.URL, HTTPClient: d.httpClient(cfg.Headers)}, nil
	case directory.TransportStdio:
		if cfg.Command == "" {
			return nil, errors.New("server config has no command")
		}
		// The process must outlive the dial context.
		cmd := exec.Command(cfg.Command, cfg.Args...)
		if len(cfg.Env) > 0 {
			cmd.Env = append(os.Environ(), cfg.Env...)
		}
		return &mcp.CommandTransport{Command: cmd}, nil
	default:
		return nil, fmt.Errorf("unsupported transport %q", cfg.Transport)
	}
}

func (d *SDKDialer) httpClient(headers map[string]string) *http.Client {
	base := d.HTTPClient
	if base == nil {
		base = http.DefaultClient
	}
	if len(headers) == 0 {
		return base
	}
	next := base.Transport
	if next == nil {
		next = http.DefaultTransport
	}
	clone := *base
	clone.Transport = &headerTransport{next: next, headers: headers}
	return &clone
}

// headerTransport sets static headers, such as downstream credentials, on
// every request.
type headerTransport struct {
	next    http.RoundTripper
	headers map[string]string
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}
	return t.next.RoundTrip(req)
}
