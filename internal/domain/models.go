package domain

import "strings"

const (
	DefaultSessionID = "session-default"
	DefaultModel     = "qwen3:4b"

	DefaultSystemPrompt = "You are a helpful AI assistant. Please provide clear, accurate, and relevant responses to user queries. If you need to use tools to help answer a question, explain what you're doing."
)

type APIErrorBody struct {
	Error APIError `json:"error"`
}

type APIError struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one transcript entry. ToolCalls is only set on assistant
// messages, ToolCallID only on tool messages.
type Message struct {
	Role       Role              `json:"role"`
	Content    string            `json:"content"`
	ToolCalls  []ToolCallRequest `json:"tool_calls,omitempty"`
	ToolCallID string            `json:"tool_call_id,omitempty"`
	Name       string            `json:"name,omitempty"`
}

type ToolCallRequest struct {
	ID        string        `json:"id"`
	ToolName  string        `json:"name"`
	Arguments ToolArguments `json:"arguments"`
}

// ToolDescriptor is the raw shape reported by a tool provider before
// normalisation into a ToolDefinition.
type ToolDescriptor struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	InputSchema any    `json:"inputSchema,omitempty"`
}

type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  ToolParameters `json:"parameters"`
}

type ToolParameters struct {
	Type       string         `json:"type"`
	Properties map[string]any `json:"properties"`
	Required   []string       `json:"required"`
	// Order keeps the declared property order. Argument repair relies on it.
	Order []string `json:"-"`
	// Schema is the provider's full input schema, used for validation.
	Schema map[string]any `json:"-"`
}

// Names returns the declared parameter names in declaration order.
func (p ToolParameters) Names() []string {
	if len(p.Order) > 0 {
		return p.Order
	}
	return sortedKeys(p.Properties)
}

// JoinNonEmpty joins trimmed non-empty parts, one per line.
func JoinNonEmpty(parts []string) string {
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return strings.Join(out, "\n")
}
