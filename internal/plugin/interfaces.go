package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/cgrail/mcp-express-test/internal/domain"
	"github.com/cgrail/mcp-express-test/internal/registry"
)

// ToolPlugin is an in-process tool bound directly into the registry.
type ToolPlugin interface {
	Definition() domain.ToolDefinition
	Invoke(ctx context.Context, args map[string]interface{}) (domain.ToolResult, error)
}

// Register binds each plugin into reg under its definition name.
func Register(reg *registry.Registry, plugins ...ToolPlugin) error {
	for _, p := range plugins {
		if p == nil {
			continue
		}
		p := p
		inv := registry.InvokerFunc(func(ctx context.Context, _ string, args map[string]interface{}) (domain.ToolResult, error) {
			return p.Invoke(ctx, args)
		})
		if err := reg.RegisterLocal(p.Definition(), inv); err != nil {
			return fmt.Errorf("register tool %q: %w", p.Definition().Name, err)
		}
	}
	return nil
}

func stringFromAny(v interface{}) string {
	switch value := v.(type) {
	case string:
		return value
	case fmt.Stringer:
		return value.String()
	case float64:
		return strconv.FormatFloat(value, 'f', -1, 64)
	case json.Number:
		return value.String()
	default:
		return ""
	}
}
