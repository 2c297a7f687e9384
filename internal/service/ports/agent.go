package ports

import (
	"context"

	"github.com/cgrail/mcp-express-test/internal/domain"
	"github.com/cgrail/mcp-express-test/internal/runner"
)

// ChatGateway is the inference backend as the orchestrator sees it.
type ChatGateway interface {
	Chat(ctx context.Context, req runner.ChatRequest) (runner.ChatResult, error)
	ChatStream(ctx context.Context, req runner.ChatRequest, onDelta func(string)) (runner.ChatResult, error)
}

// ToolCatalog is the read-only view of the tool registry used during a turn.
type ToolCatalog interface {
	Definitions() []domain.ToolDefinition
	Invoke(ctx context.Context, name string, args map[string]any) (domain.ToolResult, error)
	Suggest(name string, args map[string]any) map[string]string
	Diagnose(name, errText string, args map[string]any, mappings map[string]string) string
}
