package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cgrail/mcp-express-test/internal/domain"
	"github.com/cgrail/mcp-express-test/internal/registry"
	"github.com/cgrail/mcp-express-test/internal/transport"
)

// Sender is the request/reply channel to the peer. *transport.Transport
// implements it.
type Sender interface {
	Send(ctx context.Context, data string) (string, error)
}

// RemoteTool runs a tool inside the connected peer. The request payload is
// {"action": <action>, ...args}; the reply payload becomes one text item.
type RemoteTool struct {
	def    domain.ToolDefinition
	action string
	sender Sender
}

func NewRemoteTool(def domain.ToolDefinition, action string, sender Sender) *RemoteTool {
	return &RemoteTool{def: def, action: action, sender: sender}
}

func (t *RemoteTool) Definition() domain.ToolDefinition {
	return t.def
}

func (t *RemoteTool) Invoke(ctx context.Context, args map[string]interface{}) (domain.ToolResult, error) {
	payload, err := encodeAction(t.action, args)
	if err != nil {
		return domain.ToolResult{}, &registry.ToolError{Kind: registry.KindToolInvocation, Tool: t.def.Name, Err: err}
	}
	out, err := t.sender.Send(ctx, payload)
	if err != nil {
		kind := registry.KindToolInvocation
		if errors.Is(err, transport.ErrToolCallTimeout) || errors.Is(err, context.DeadlineExceeded) {
			kind = registry.KindToolCallTimeout
		}
		return domain.ToolResult{}, &registry.ToolError{Kind: kind, Tool: t.def.Name, Err: err}
	}
	return domain.TextResult(out), nil
}

func encodeAction(action string, args map[string]interface{}) (string, error) {
	body := make(map[string]interface{}, len(args)+1)
	for k, v := range args {
		body[k] = v
	}
	body["action"] = action
	buf, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("encode %s request: %w", action, err)
	}
	return string(buf), nil
}
