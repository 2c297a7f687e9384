// Package mcpclient discovers and invokes tools served by MCP servers.
package mcpclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/cgrail/mcp-express-test/internal/domain"
	"github.com/cgrail/mcp-express-test/internal/registry"
)

const (
	stdioSchemePrefix = "stdio://"
	sseSchemePrefix   = "sse://"
)

// TransportBuilder opens the transport to one MCP server.
type TransportBuilder func(ctx context.Context) (mcp.Transport, error)

// Client is a registry.Provider backed by one MCP server. It connects
// lazily on first use and keeps the session open until Close.
type Client struct {
	name        string
	build       TransportBuilder
	impl        *mcp.Client
	callTimeout time.Duration

	once       sync.Once
	mu         sync.Mutex
	session    *mcp.ClientSession
	cancelConn context.CancelFunc
	connectErr error
}

// New builds a client for a transport spec: "stdio://<command>",
// "sse://<url>" or a plain http(s) URL for streamable HTTP.
func New(name, spec string, callTimeout time.Duration) (*Client, error) {
	build, err := builderForSpec(spec)
	if err != nil {
		return nil, err
	}
	return NewWithTransport(name, build, callTimeout), nil
}

func NewWithTransport(name string, build TransportBuilder, callTimeout time.Duration) *Client {
	return &Client{
		name:        name,
		build:       build,
		impl:        mcp.NewClient(&mcp.Implementation{Name: "mcp-express-test", Version: "dev"}, nil),
		callTimeout: callTimeout,
	}
}

func (c *Client) Name() string {
	return c.name
}

// ensureConnected opens the session on first use. The session outlives
// the caller: it runs on a context owned by the client and cancelled in
// Close, while ctx only bounds the handshake.
func (c *Client) ensureConnected(ctx context.Context) (*mcp.ClientSession, error) {
	c.once.Do(func() {
		c.connectErr = c.connect(ctx)
	})
	if c.connectErr != nil {
		return nil, c.connectErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return nil, fmt.Errorf("mcp client %s is closed", c.name)
	}
	return c.session, nil
}

func (c *Client) connect(ctx context.Context) error {
	connCtx, cancelConn := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(ctx, cancelConn)

	transport, err := c.build(connCtx)
	if err != nil {
		stop()
		cancelConn()
		return fmt.Errorf("build transport: %w", err)
	}
	session, err := c.impl.Connect(connCtx, transport, nil)
	if !stop() && err == nil {
		// ctx ended during the handshake.
		_ = session.Close()
		err = ctx.Err()
	}
	if err != nil {
		cancelConn()
		return fmt.Errorf("connect %s: %w", c.name, err)
	}
	c.mu.Lock()
	c.session = session
	c.cancelConn = cancelConn
	c.mu.Unlock()
	return nil
}

// ListTools fetches every tool the server advertises.
func (c *Client) ListTools(ctx context.Context) ([]domain.ToolDescriptor, error) {
	session, err := c.ensureConnected(ctx)
	if err != nil {
		return nil, err
	}
	var out []domain.ToolDescriptor
	for tool, err := range session.Tools(ctx, nil) {
		if err != nil {
			if malformedListing(err) {
				return nil, &registry.ToolError{
					Kind: registry.KindMalformedToolCatalog,
					Err:  fmt.Errorf("%w from %s: %v", registry.ErrMalformedToolCatalog, c.name, err),
				}
			}
			return nil, fmt.Errorf("list tools from %s: %w", c.name, err)
		}
		if tool == nil {
			continue
		}
		out = append(out, domain.ToolDescriptor{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: tool.InputSchema,
		})
	}
	return out, nil
}

// malformedListing reports whether a tools/list reply arrived but did not
// decode as a tool listing.
func malformedListing(err error) bool {
	var typeErr *json.UnmarshalTypeError
	var syntaxErr *json.SyntaxError
	return errors.As(err, &typeErr) || errors.As(err, &syntaxErr)
}

// InvokeTool calls the tool, bounded by the configured call timeout.
func (c *Client) InvokeTool(ctx context.Context, name string, args map[string]any) (domain.ToolResult, error) {
	session, err := c.ensureConnected(ctx)
	if err != nil {
		return domain.ToolResult{}, err
	}
	callCtx := ctx
	cancel := func() {}
	if c.callTimeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, c.callTimeout)
	}
	defer cancel()

	result, err := session.CallTool(callCtx, &mcp.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return domain.ToolResult{}, &registry.ToolError{
				Kind: registry.KindToolCallTimeout,
				Tool: name,
				Err:  fmt.Errorf("no reply from %s after %s: %w", c.name, c.callTimeout, err),
			}
		}
		return domain.ToolResult{}, err
	}
	return toToolResult(result), nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	session, cancelConn := c.session, c.cancelConn
	c.session, c.cancelConn = nil, nil
	c.mu.Unlock()
	if session == nil {
		return nil
	}
	err := session.Close()
	cancelConn()
	return err
}

func toToolResult(result *mcp.CallToolResult) domain.ToolResult {
	if result == nil {
		return domain.ToolResult{}
	}
	out := domain.ToolResult{IsError: result.IsError}
	for _, item := range result.Content {
		switch typed := item.(type) {
		case *mcp.TextContent:
			out.Content = append(out.Content, domain.TextContent(typed.Text))
		default:
			data, err := json.Marshal(item)
			if err != nil {
				continue
			}
			out.Content = append(out.Content, domain.ContentItem{Kind: contentKind(data), Data: data})
		}
	}
	return out
}

func contentKind(data []byte) domain.ContentKind {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil || probe.Type == "" {
		return "unknown"
	}
	return domain.ContentKind(probe.Type)
}

func builderForSpec(spec string) (TransportBuilder, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, fmt.Errorf("mcp transport spec is empty")
	}
	lowered := strings.ToLower(spec)
	switch {
	case strings.HasPrefix(lowered, stdioSchemePrefix):
		parts := strings.Fields(spec[len(stdioSchemePrefix):])
		if len(parts) == 0 {
			return nil, fmt.Errorf("mcp stdio command is empty")
		}
		return func(ctx context.Context) (mcp.Transport, error) {
			// #nosec G204 -- command comes from operator configuration
			return &mcp.CommandTransport{Command: exec.Command(parts[0], parts[1:]...)}, nil
		}, nil
	case strings.HasPrefix(lowered, sseSchemePrefix):
		endpoint, err := normalizeHTTPURL(spec[len(sseSchemePrefix):])
		if err != nil {
			return nil, fmt.Errorf("invalid sse endpoint: %w", err)
		}
		return func(context.Context) (mcp.Transport, error) {
			return &mcp.SSEClientTransport{Endpoint: endpoint}, nil
		}, nil
	default:
		endpoint, err := normalizeHTTPURL(spec)
		if err != nil {
			return nil, fmt.Errorf("invalid mcp endpoint: %w", err)
		}
		return func(context.Context) (mcp.Transport, error) {
			return &mcp.StreamableClientTransport{Endpoint: endpoint}, nil
		}, nil
	}
}

func normalizeHTTPURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("endpoint is empty")
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return "", fmt.Errorf("missing host")
	}
	parsed.Scheme = scheme
	return parsed.String(), nil
}
