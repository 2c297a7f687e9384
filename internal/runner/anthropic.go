package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/cgrail/mcp-express-test/internal/domain"
)

const anthropicMaxTokens = 4096

// anthropicAdapter uses the Anthropic Messages API through the official SDK.
type anthropicAdapter struct{}

func (a *anthropicAdapter) ID() string {
	return AdapterAnthropic
}

func (a *anthropicAdapter) GenerateTurn(ctx context.Context, req ChatRequest, cfg GenerateConfig, runner *Runner) (ChatResult, error) {
	client, params, err := runner.anthropicCall(req, cfg)
	if err != nil {
		return ChatResult{}, err
	}
	requestCtx, cancel := withRequestTimeout(ctx, cfg)
	defer cancel()

	message, err := client.Messages.New(requestCtx, params)
	if err != nil {
		return ChatResult{}, requestFailed("provider request failed", err)
	}
	return anthropicResult(message)
}

func (a *anthropicAdapter) GenerateTurnStream(
	ctx context.Context,
	req ChatRequest,
	cfg GenerateConfig,
	runner *Runner,
	onDelta func(string),
) (ChatResult, error) {
	client, params, err := runner.anthropicCall(req, cfg)
	if err != nil {
		return ChatResult{}, err
	}
	requestCtx, cancel := withRequestTimeout(ctx, cfg)
	defer cancel()

	stream := client.Messages.NewStreaming(requestCtx, params)
	defer stream.Close()

	message := anthropic.Message{}
	for stream.Next() {
		event := stream.Current()
		if err := message.Accumulate(event); err != nil {
			return ChatResult{}, &RunnerError{Code: ErrorCodeProviderInvalidReply, Message: "invalid provider stream event", Err: err}
		}
		if event.Type == anthropic.MessageStreamEventTypeContentBlockDelta {
			delta, ok := event.Delta.(anthropic.ContentBlockDeltaEventDelta)
			if ok && delta.Type == anthropic.ContentBlockDeltaEventDeltaTypeTextDelta && delta.Text != "" && onDelta != nil {
				onDelta(delta.Text)
			}
		}
	}
	if err := stream.Err(); err != nil {
		if isConnectionRefused(err) {
			return ChatResult{}, requestFailed("provider stream request failed", err)
		}
		return ChatResult{}, mapStreamConsumeError(err)
	}
	return anthropicResult(&message)
}

func (r *Runner) anthropicCall(req ChatRequest, cfg GenerateConfig) (*anthropic.Client, anthropic.MessageNewParams, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, anthropic.MessageNewParams{}, &RunnerError{Code: ErrorCodeProviderNotConfigured, Message: "provider api_key is required"}
	}
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(r.httpClient),
		option.WithMaxRetries(0),
	}
	if baseURL := strings.TrimSpace(cfg.BaseURL); baseURL != "" {
		opts = append(opts, option.WithBaseURL(strings.TrimRight(baseURL, "/")+"/"))
	}
	for key, value := range cfg.Headers {
		k := strings.TrimSpace(key)
		v := strings.TrimSpace(value)
		if k == "" || v == "" {
			continue
		}
		opts = append(opts, option.WithHeader(k, v))
	}
	client := anthropic.NewClient(opts...)

	system, messages := toAnthropicMessages(req.Messages)
	if len(messages) == 0 {
		return nil, anthropic.MessageNewParams{}, errEmptyTranscript()
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.F(anthropic.Model(cfg.Model)),
		MaxTokens: anthropic.F(int64(anthropicMaxTokens)),
		Messages:  anthropic.F(messages),
	}
	if system != "" {
		params.System = anthropic.F([]anthropic.TextBlockParam{anthropic.NewTextBlock(system)})
	}
	if tools := toAnthropicTools(req.Tools); len(tools) > 0 {
		params.Tools = anthropic.F(tools)
	}
	return client, params, nil
}

// toAnthropicMessages splits out the system prompt and folds each run of
// tool messages into a single user message of tool_result blocks, which is
// how the Messages API expects results to follow a tool_use turn.
func toAnthropicMessages(input []domain.Message) (string, []anthropic.MessageParam) {
	var system []string
	out := make([]anthropic.MessageParam, 0, len(input))
	var results []anthropic.ContentBlockParamUnion
	flushResults := func() {
		if len(results) == 0 {
			return
		}
		out = append(out, anthropic.NewUserMessage(results...))
		results = nil
	}

	for _, msg := range input {
		role := normalizeRole(msg.Role)
		content := strings.TrimSpace(msg.Content)
		if role != domain.RoleTool {
			flushResults()
		}
		switch role {
		case domain.RoleSystem:
			if content != "" {
				system = append(system, content)
			}
		case domain.RoleTool:
			results = append(results, anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, false))
		case domain.RoleAssistant:
			blocks := make([]anthropic.ContentBlockParamUnion, 0, 1+len(msg.ToolCalls))
			if content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(content))
			}
			for _, call := range msg.ToolCalls {
				blocks = append(blocks, anthropic.NewToolUseBlockParam(call.ID, call.ToolName, argumentsObject(call.Arguments)))
			}
			if len(blocks) == 0 {
				continue
			}
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		default:
			if content == "" {
				continue
			}
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(content)))
		}
	}
	flushResults()
	return strings.Join(system, "\n\n"), out
}

func toAnthropicTools(tools []domain.ToolDefinition) []anthropic.ToolParam {
	out := make([]anthropic.ToolParam, 0, len(tools))
	for _, item := range tools {
		name := strings.TrimSpace(item.Name)
		if name == "" {
			continue
		}
		out = append(out, anthropic.ToolParam{
			Name:        anthropic.F(name),
			Description: anthropic.F(strings.TrimSpace(item.Description)),
			InputSchema: anthropic.F(interface{}(toolParametersSchema(item.Parameters))),
		})
	}
	return out
}

func anthropicResult(message *anthropic.Message) (ChatResult, error) {
	if message == nil {
		return ChatResult{}, &RunnerError{Code: ErrorCodeProviderInvalidReply, Message: "provider response is empty"}
	}
	var text strings.Builder
	var calls []domain.ToolCallRequest
	for i, block := range message.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			name := strings.TrimSpace(block.Name)
			if name == "" {
				err := fmt.Errorf("provider tool call[%d] name is empty", i)
				return ChatResult{}, &RunnerError{Code: ErrorCodeProviderInvalidReply, Message: err.Error(), Err: err}
			}
			input, err := json.Marshal(block.Input)
			if err != nil {
				input = []byte("{}")
			}
			id := strings.TrimSpace(block.ID)
			if id == "" {
				id = fmt.Sprintf("call_%d", len(calls)+1)
			}
			calls = append(calls, domain.ToolCallRequest{
				ID:        id,
				ToolName:  name,
				Arguments: domain.RawArguments(string(input)),
			})
		}
	}
	reply := text.String()
	if err := emptyReply(reply, calls); err != nil {
		return ChatResult{}, err
	}
	return ChatResult{Text: reply, ToolCalls: calls, ResponseID: message.ID}, nil
}
