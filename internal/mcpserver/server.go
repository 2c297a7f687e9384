// Package mcpserver exposes the gateway's built-in tools over the Model
// Context Protocol, both to external MCP clients and in-process.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

const (
	ServerName = "mcp-express-test"
	ToolAdd    = "add"
)

type addArgs struct {
	A float64 `json:"a" jsonschema:"first addend"`
	B float64 `json:"b" jsonschema:"second addend"`
}

// New builds the MCP server with the built-in tools registered.
func New(version string) (*mcp.Server, error) {
	server := mcp.NewServer(&mcp.Implementation{Name: ServerName, Version: version}, nil)

	addSchema, err := jsonschema.For[addArgs](nil)
	if err != nil {
		return nil, fmt.Errorf("build %s schema: %w", ToolAdd, err)
	}
	addSchema.Required = []string{"a", "b"}
	server.AddTool(&mcp.Tool{
		Name:        ToolAdd,
		Description: "add two numbers",
		InputSchema: addSchema,
	}, handleAdd)
	return server, nil
}

func handleAdd(_ context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var raw map[string]json.RawMessage
	if len(req.Params.Arguments) > 0 {
		if err := json.Unmarshal(req.Params.Arguments, &raw); err != nil {
			return errorResult(fmt.Sprintf("Error: arguments must be an object: %v", err)), nil
		}
	}
	a, err := numberArg(raw, "a")
	if err != nil {
		return errorResult(err.Error()), nil
	}
	b, err := numberArg(raw, "b")
	if err != nil {
		return errorResult(err.Error()), nil
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: strconv.FormatFloat(a+b, 'f', -1, 64)}},
	}, nil
}

func numberArg(raw map[string]json.RawMessage, key string) (float64, error) {
	value, ok := raw[key]
	if !ok {
		return 0, fmt.Errorf("Error: missing required argument %q", key)
	}
	var n float64
	if err := json.Unmarshal(value, &n); err != nil {
		var s string
		if json.Unmarshal(value, &s) == nil {
			if parsed, perr := strconv.ParseFloat(s, 64); perr == nil {
				return parsed, nil
			}
		}
		return 0, fmt.Errorf("Error: argument %q must be a number", key)
	}
	return n, nil
}

func errorResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		IsError: true,
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
	}
}

// Handler serves server over streamable HTTP.
func Handler(server *mcp.Server) http.Handler {
	return mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return server }, nil)
}

// InMemoryTransport connects server in-process and returns the client end.
// The server session ends when the client closes its side.
func InMemoryTransport(ctx context.Context, server *mcp.Server, logger *slog.Logger) mcp.Transport {
	if logger == nil {
		logger = slog.Default()
	}
	serverTransport, clientTransport := mcp.NewInMemoryTransports()
	go func() {
		if _, err := server.Connect(ctx, serverTransport, nil); err != nil {
			logger.Warn("in-process mcp server connect failed", "error", err)
		}
	}()
	return clientTransport
}
