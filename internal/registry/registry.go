package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/cgrail/mcp-express-test/internal/domain"
)

// Invoker executes a named tool with already-repaired arguments.
type Invoker interface {
	InvokeTool(ctx context.Context, name string, args map[string]any) (domain.ToolResult, error)
}

type InvokerFunc func(ctx context.Context, name string, args map[string]any) (domain.ToolResult, error)

func (f InvokerFunc) InvokeTool(ctx context.Context, name string, args map[string]any) (domain.ToolResult, error) {
	return f(ctx, name, args)
}

// Provider is a source of tools: it lists descriptors and invokes them.
type Provider interface {
	Invoker
	Name() string
	ListTools(ctx context.Context) ([]domain.ToolDescriptor, error)
}

// Registry is the tool catalog plus the name to invoker binding. After
// Freeze it is read-only and safe to share between conversations.
type Registry struct {
	mu         sync.RWMutex
	defs       []domain.ToolDefinition
	index      map[string]int
	invokers   map[string]Invoker
	validators *validatorCache
	frozen     bool
	logger     *slog.Logger
}

func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		index:      map[string]int{},
		invokers:   map[string]Invoker{},
		validators: newValidatorCache(),
		logger:     logger.With("component", "registry"),
	}
}

// Register normalises descriptors into definitions and binds each name to
// inv. Descriptors without a name are logged and skipped. It returns the
// definitions that were accepted.
func (r *Registry) Register(inv Invoker, descriptors []domain.ToolDescriptor) ([]domain.ToolDefinition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return nil, ErrCatalogFrozen
	}
	accepted := make([]domain.ToolDefinition, 0, len(descriptors))
	for i, desc := range descriptors {
		name := strings.TrimSpace(desc.Name)
		if name == "" {
			r.logger.Warn("skipping tool descriptor without name", "index", i)
			continue
		}
		def := domain.ToolDefinition{
			Name:        name,
			Description: strings.TrimSpace(desc.Description),
			Parameters:  NormalizeSchema(desc.InputSchema),
		}
		r.put(def, inv)
		accepted = append(accepted, def)
	}
	return accepted, nil
}

// RegisterLocal binds a single in-process tool.
func (r *Registry) RegisterLocal(def domain.ToolDefinition, inv Invoker) error {
	name := strings.TrimSpace(def.Name)
	if name == "" {
		return fmt.Errorf("tool name is required")
	}
	if inv == nil {
		return fmt.Errorf("tool %q has no invoker", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return ErrCatalogFrozen
	}
	def.Name = name
	if def.Parameters.Type == "" {
		def.Parameters.Type = "object"
	}
	if def.Parameters.Properties == nil {
		def.Parameters.Properties = map[string]any{}
	}
	r.put(def, inv)
	return nil
}

func (r *Registry) put(def domain.ToolDefinition, inv Invoker) {
	if idx, ok := r.index[def.Name]; ok {
		r.logger.Warn("tool registered twice, replacing earlier definition", "tool", def.Name)
		r.defs[idx] = def
	} else {
		r.index[def.Name] = len(r.defs)
		r.defs = append(r.defs, def)
	}
	r.invokers[def.Name] = inv
	r.validators.forget(def.Name)
}

// Discover lists the provider's tools and registers them. A failing or
// malformed listing yields zero tools; it is logged, never returned.
func (r *Registry) Discover(ctx context.Context, provider Provider) int {
	descriptors, err := provider.ListTools(ctx)
	if err != nil {
		if KindOf(err) == KindMalformedToolCatalog {
			r.logger.Warn("tool listing is malformed, treating as empty", "provider", provider.Name(), "error", err)
			return 0
		}
		r.logger.Warn("tool discovery failed", "provider", provider.Name(), "error", err)
		return 0
	}
	accepted, err := r.Register(provider, descriptors)
	if err != nil {
		r.logger.Warn("tool registration failed", "provider", provider.Name(), "error", err)
		return 0
	}
	r.logger.Info("tools registered", "provider", provider.Name(), "count", len(accepted))
	return len(accepted)
}

// Freeze makes the catalog read-only.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

func (r *Registry) LookupDefinition(name string) (domain.ToolDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	idx, ok := r.index[name]
	if !ok {
		return domain.ToolDefinition{}, false
	}
	return r.defs[idx], true
}

// Definitions returns the catalog in registration order.
func (r *Registry) Definitions() []domain.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.ToolDefinition, len(r.defs))
	copy(out, r.defs)
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.defs)
}

// Invoke dispatches to the bound invoker. Every failure comes back as a
// *ToolError so callers can feed it to the model.
func (r *Registry) Invoke(ctx context.Context, name string, args map[string]any) (domain.ToolResult, error) {
	r.mu.RLock()
	inv, ok := r.invokers[name]
	r.mu.RUnlock()
	if !ok || inv == nil {
		return domain.ToolResult{}, notFound(name)
	}
	if args == nil {
		args = map[string]any{}
	}
	result, err := inv.InvokeTool(ctx, name, args)
	if err != nil {
		var toolErr *ToolError
		if errors.As(err, &toolErr) {
			if toolErr.Tool == "" {
				toolErr.Tool = name
			}
			return domain.ToolResult{}, toolErr
		}
		return domain.ToolResult{}, &ToolError{Kind: KindToolInvocation, Tool: name, Err: err}
	}
	return result, nil
}

// Suggest computes argument key remappings against the named tool's
// declared parameters. Unknown tools get no suggestions.
func (r *Registry) Suggest(name string, args map[string]any) map[string]string {
	def, ok := r.LookupDefinition(name)
	if !ok {
		return map[string]string{}
	}
	return SuggestMappings(def.Parameters.Names(), args)
}
