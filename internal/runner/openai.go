package runner

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/cgrail/mcp-express-test/internal/domain"
)

type openAICompatibleAdapter struct{}

func (a *openAICompatibleAdapter) ID() string {
	return AdapterOpenAICompatible
}

func (a *openAICompatibleAdapter) GenerateTurn(ctx context.Context, req ChatRequest, cfg GenerateConfig, runner *Runner) (ChatResult, error) {
	return runner.generateOpenAICompatibleTurn(ctx, req, cfg)
}

func (a *openAICompatibleAdapter) GenerateTurnStream(
	ctx context.Context,
	req ChatRequest,
	cfg GenerateConfig,
	runner *Runner,
	onDelta func(string),
) (ChatResult, error) {
	return runner.generateOpenAICompatibleTurnStream(ctx, req, cfg, onDelta)
}

func (a *openAICompatibleAdapter) Probe(ctx context.Context, cfg GenerateConfig, runner *Runner) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, openAIBaseURL(cfg)+"/models", nil)
	if err != nil {
		return &RunnerError{Code: ErrorCodeProviderRequestFailed, Message: "failed to create probe request", Err: err}
	}
	if apiKey := strings.TrimSpace(cfg.APIKey); apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+apiKey)
	}
	resp, err := runner.httpClient.Do(httpReq)
	if err != nil {
		return requestFailed("provider probe failed", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return &RunnerError{
			Code:    ErrorCodeProviderRequestFailed,
			Message: fmt.Sprintf("provider probe returned status %d", resp.StatusCode),
		}
	}
	return nil
}

func openAIBaseURL(cfg GenerateConfig) string {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = catalogBaseURL(ProviderOpenAI)
	}
	return baseURL
}

func (r *Runner) newOpenAIRequest(ctx context.Context, cfg GenerateConfig, payload openAIChatRequest) (*http.Request, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, &RunnerError{Code: ErrorCodeProviderNotConfigured, Message: "provider api_key is required"}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, &RunnerError{
			Code:    ErrorCodeProviderRequestFailed,
			Message: "failed to encode provider request",
			Err:     err,
		}
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, openAIBaseURL(cfg)+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, &RunnerError{
			Code:    ErrorCodeProviderRequestFailed,
			Message: "failed to create provider request",
			Err:     err,
		}
	}
	httpReq.Header.Set("Authorization", "Bearer "+apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	if payload.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}
	for key, value := range cfg.Headers {
		k := strings.TrimSpace(key)
		v := strings.TrimSpace(value)
		if k == "" || v == "" {
			continue
		}
		httpReq.Header.Set(k, v)
	}
	return httpReq, nil
}

func withRequestTimeout(ctx context.Context, cfg GenerateConfig) (context.Context, context.CancelFunc) {
	if cfg.TimeoutMS > 0 {
		return context.WithTimeout(ctx, time.Duration(cfg.TimeoutMS)*time.Millisecond)
	}
	return ctx, func() {}
}

func (r *Runner) generateOpenAICompatibleTurn(ctx context.Context, req ChatRequest, cfg GenerateConfig) (ChatResult, error) {
	payload := openAIChatRequest{
		Model:    cfg.Model,
		Messages: toOpenAIMessages(req.Messages),
		Tools:    toOpenAITools(req.Tools),
	}
	if len(payload.Messages) == 0 {
		return ChatResult{}, errEmptyTranscript()
	}

	requestCtx, cancel := withRequestTimeout(ctx, cfg)
	defer cancel()

	httpReq, err := r.newOpenAIRequest(requestCtx, cfg, payload)
	if err != nil {
		return ChatResult{}, err
	}

	resp, err := r.httpClient.Do(httpReq)
	if err != nil {
		return ChatResult{}, requestFailed("provider request failed", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 2*1024*1024))
	if err != nil {
		return ChatResult{}, &RunnerError{
			Code:    ErrorCodeProviderRequestFailed,
			Message: "failed to read provider response",
			Err:     err,
		}
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return ChatResult{}, &RunnerError{
			Code:    ErrorCodeProviderRequestFailed,
			Message: fmt.Sprintf("provider returned status %d", resp.StatusCode),
		}
	}

	var completion openAIChatResponse
	if err := json.Unmarshal(respBody, &completion); err != nil {
		return ChatResult{}, &RunnerError{
			Code:    ErrorCodeProviderInvalidReply,
			Message: "provider response is not valid json",
			Err:     err,
		}
	}
	if len(completion.Choices) == 0 {
		return ChatResult{}, &RunnerError{
			Code:    ErrorCodeProviderInvalidReply,
			Message: "provider response has no choices",
		}
	}

	message := completion.Choices[0].Message
	text := strings.TrimSpace(extractOpenAIContent(message.Content))
	toolCalls, err := parseOpenAIToolCalls(message.ToolCalls)
	if err != nil {
		return ChatResult{}, &RunnerError{
			Code:    ErrorCodeProviderInvalidReply,
			Message: err.Error(),
			Err:     err,
		}
	}
	if err := emptyReply(text, toolCalls); err != nil {
		return ChatResult{}, err
	}

	return ChatResult{
		Text:       text,
		ToolCalls:  toolCalls,
		ResponseID: strings.TrimSpace(completion.ID),
	}, nil
}

func (r *Runner) generateOpenAICompatibleTurnStream(
	ctx context.Context,
	req ChatRequest,
	cfg GenerateConfig,
	onDelta func(string),
) (ChatResult, error) {
	payload := openAIChatRequest{
		Model:    cfg.Model,
		Messages: toOpenAIMessages(req.Messages),
		Tools:    toOpenAITools(req.Tools),
		Stream:   true,
	}
	if len(payload.Messages) == 0 {
		return ChatResult{}, errEmptyTranscript()
	}

	requestCtx, cancel := withRequestTimeout(ctx, cfg)
	defer cancel()

	httpReq, err := r.newOpenAIRequest(requestCtx, cfg, payload)
	if err != nil {
		return ChatResult{}, err
	}

	resp, err := r.httpClient.Do(httpReq)
	if err != nil {
		return ChatResult{}, requestFailed("provider request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 2*1024*1024))
		return ChatResult{}, &RunnerError{
			Code:    ErrorCodeProviderRequestFailed,
			Message: fmt.Sprintf("provider returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody))),
		}
	}

	var replyBuilder strings.Builder
	toolCalls := map[int]*openAIToolCall{}
	responseID := ""
	processData := func(data string) error {
		if isSSEControlToken(data) {
			return nil
		}
		var chunk openAIChatStreamResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return fmt.Errorf("provider stream chunk is not valid json: %w; payload=%q", err, truncateText(data, 512))
		}
		if id := strings.TrimSpace(chunk.ID); id != "" {
			responseID = id
		}
		for _, choice := range chunk.Choices {
			delta := extractOpenAIDeltaContent(choice.Delta.Content)
			if delta != "" {
				replyBuilder.WriteString(delta)
				if onDelta != nil {
					onDelta(delta)
				}
			}
			for _, tc := range choice.Delta.ToolCalls {
				idx := tc.Index
				if idx < 0 {
					idx = 0
				}
				current, ok := toolCalls[idx]
				if !ok {
					current = &openAIToolCall{}
					toolCalls[idx] = current
				}
				if strings.TrimSpace(tc.ID) != "" {
					current.ID = strings.TrimSpace(tc.ID)
				}
				if strings.TrimSpace(tc.Type) != "" {
					current.Type = strings.TrimSpace(tc.Type)
				}
				if strings.TrimSpace(tc.Function.Name) != "" {
					current.Function.Name = strings.TrimSpace(tc.Function.Name)
				}
				if tc.Function.Arguments != "" {
					current.Function.Arguments += tc.Function.Arguments
				}
			}
		}
		return nil
	}

	if err := consumeSSEData(resp.Body, processData); err != nil {
		return ChatResult{}, mapStreamConsumeError(err)
	}

	orderedIndexes := make([]int, 0, len(toolCalls))
	for idx := range toolCalls {
		orderedIndexes = append(orderedIndexes, idx)
	}
	sort.Ints(orderedIndexes)
	aggregatedToolCalls := make([]openAIToolCall, 0, len(orderedIndexes))
	for _, idx := range orderedIndexes {
		aggregatedToolCalls = append(aggregatedToolCalls, *toolCalls[idx])
	}

	parsedToolCalls, err := parseOpenAIToolCalls(aggregatedToolCalls)
	if err != nil {
		return ChatResult{}, &RunnerError{
			Code:    ErrorCodeProviderInvalidReply,
			Message: err.Error(),
			Err:     err,
		}
	}

	reply := replyBuilder.String()
	if err := emptyReply(reply, parsedToolCalls); err != nil {
		return ChatResult{}, err
	}

	return ChatResult{
		Text:       reply,
		ToolCalls:  parsedToolCalls,
		ResponseID: responseID,
	}, nil
}

type openAIChatRequest struct {
	Model    string                 `json:"model"`
	Messages []openAIMessage        `json:"messages"`
	Tools    []openAIToolDefinition `json:"tools,omitempty"`
	Stream   bool                   `json:"stream,omitempty"`
}

type openAIMessage struct {
	Role       string           `json:"role"`
	Content    interface{}      `json:"content,omitempty"`
	ToolCalls  []openAIToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
	Name       string           `json:"name,omitempty"`
}

type openAIToolDefinition struct {
	Type     string             `json:"type"`
	Function openAIToolFunction `json:"function"`
}

type openAIToolFunction struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Parameters  map[string]interface{} `json:"parameters"`
}

type openAIToolCall struct {
	ID       string             `json:"id,omitempty"`
	Type     string             `json:"type,omitempty"`
	Function openAIFunctionCall `json:"function"`
}

type openAIFunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments,omitempty"`
}

type openAIChatResponse struct {
	ID      string `json:"id,omitempty"`
	Choices []struct {
		Message struct {
			Content   json.RawMessage  `json:"content"`
			ToolCalls []openAIToolCall `json:"tool_calls,omitempty"`
		} `json:"message"`
	} `json:"choices"`
}

type openAIChatStreamResponse struct {
	ID      string `json:"id,omitempty"`
	Choices []struct {
		Delta struct {
			Content   json.RawMessage        `json:"content"`
			ToolCalls []openAIStreamToolCall `json:"tool_calls,omitempty"`
		} `json:"delta"`
	} `json:"choices"`
}

type openAIStreamToolCall struct {
	Index    int                `json:"index"`
	ID       string             `json:"id,omitempty"`
	Type     string             `json:"type,omitempty"`
	Function openAIFunctionCall `json:"function"`
}

func toOpenAIMessages(input []domain.Message) []openAIMessage {
	out := make([]openAIMessage, 0, len(input))
	for _, msg := range input {
		role := normalizeRole(msg.Role)
		content := strings.TrimSpace(msg.Content)

		switch role {
		case domain.RoleAssistant:
			item := openAIMessage{Role: string(role)}
			if content != "" {
				item.Content = content
			}
			for _, call := range msg.ToolCalls {
				item.ToolCalls = append(item.ToolCalls, openAIToolCall{
					ID:   call.ID,
					Type: "function",
					Function: openAIFunctionCall{
						Name:      call.ToolName,
						Arguments: argumentsString(call.Arguments),
					},
				})
			}
			if item.Content == nil && len(item.ToolCalls) == 0 {
				continue
			}
			out = append(out, item)
		case domain.RoleTool:
			out = append(out, openAIMessage{
				Role:       string(role),
				Content:    content,
				ToolCallID: strings.TrimSpace(msg.ToolCallID),
				Name:       strings.TrimSpace(msg.Name),
			})
		default:
			if content == "" {
				continue
			}
			out = append(out, openAIMessage{Role: string(role), Content: content})
		}
	}
	return out
}

func toOpenAITools(tools []domain.ToolDefinition) []openAIToolDefinition {
	if len(tools) == 0 {
		return nil
	}
	out := make([]openAIToolDefinition, 0, len(tools))
	for _, item := range tools {
		name := strings.TrimSpace(item.Name)
		if name == "" {
			continue
		}
		out = append(out, openAIToolDefinition{
			Type: "function",
			Function: openAIToolFunction{
				Name:        name,
				Description: strings.TrimSpace(item.Description),
				Parameters:  toolParametersSchema(item.Parameters),
			},
		})
	}
	return out
}

// FunctionTools renders definitions in the OpenAI function-tool shape, the
// form the catalog is exported in.
func FunctionTools(tools []domain.ToolDefinition) []map[string]interface{} {
	defs := toOpenAITools(tools)
	out := make([]map[string]interface{}, 0, len(defs))
	for _, def := range defs {
		out = append(out, map[string]interface{}{
			"type": def.Type,
			"function": map[string]interface{}{
				"name":        def.Function.Name,
				"description": def.Function.Description,
				"parameters":  def.Function.Parameters,
			},
		})
	}
	return out
}

// parseOpenAIToolCalls keeps arguments as the raw string the provider sent;
// they are decoded once when the orchestrator dispatches the call.
func parseOpenAIToolCalls(in []openAIToolCall) ([]domain.ToolCallRequest, error) {
	if len(in) == 0 {
		return nil, nil
	}
	calls := make([]domain.ToolCallRequest, 0, len(in))
	for i, item := range in {
		name := strings.TrimSpace(item.Function.Name)
		if name == "" {
			return nil, fmt.Errorf("provider tool call[%d] name is empty", i)
		}
		callID := strings.TrimSpace(item.ID)
		if callID == "" {
			callID = fmt.Sprintf("call_%d", i+1)
		}
		calls = append(calls, domain.ToolCallRequest{
			ID:        callID,
			ToolName:  name,
			Arguments: domain.RawArguments(item.Function.Arguments),
		})
	}
	return calls, nil
}

func normalizeRole(role domain.Role) domain.Role {
	switch domain.Role(strings.ToLower(strings.TrimSpace(string(role)))) {
	case domain.RoleSystem:
		return domain.RoleSystem
	case domain.RoleAssistant:
		return domain.RoleAssistant
	case domain.RoleTool:
		return domain.RoleTool
	default:
		return domain.RoleUser
	}
}

func extractOpenAIContent(raw json.RawMessage) string {
	var direct string
	if err := json.Unmarshal(raw, &direct); err == nil {
		return direct
	}
	var arr []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &arr); err == nil {
		parts := make([]string, 0, len(arr))
		for _, item := range arr {
			if item.Type != "text" {
				continue
			}
			text := strings.TrimSpace(item.Text)
			if text != "" {
				parts = append(parts, text)
			}
		}
		return strings.Join(parts, "\n")
	}
	return ""
}

func extractOpenAIDeltaContent(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var direct string
	if err := json.Unmarshal(raw, &direct); err == nil {
		return direct
	}
	var arr []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &arr); err == nil {
		var out strings.Builder
		for _, item := range arr {
			if item.Type != "text" || item.Text == "" {
				continue
			}
			out.WriteString(item.Text)
		}
		return out.String()
	}
	return ""
}

func consumeSSEData(reader io.Reader, onData func(string) error) error {
	if reader == nil {
		return fmt.Errorf("stream reader is nil")
	}
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 2*1024*1024)
	dataLines := make([]string, 0, 4)
	flushBlock := func() error {
		if len(dataLines) == 0 {
			return nil
		}
		payload := strings.TrimSpace(strings.Join(dataLines, "\n"))
		dataLines = dataLines[:0]
		if payload == "" || onData == nil {
			return nil
		}
		return onData(payload)
	}

	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			if err := flushBlock(); err != nil {
				return err
			}
			continue
		}
		if strings.HasPrefix(line, ":") || !strings.HasPrefix(line, "data:") {
			continue
		}
		dataLines = append(dataLines, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return flushBlock()
}

func isSSEControlToken(data string) bool {
	token := strings.TrimSpace(data)
	if token == "" {
		return true
	}
	if strings.EqualFold(token, "[DONE]") {
		return true
	}
	if len(token) < 2 || token[0] != '[' || token[len(token)-1] != ']' {
		return false
	}
	inner := strings.TrimSpace(token[1 : len(token)-1])
	if inner == "" {
		return true
	}
	for _, r := range inner {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsSpace(r) || r == '_' || r == '-' || r == '.' {
			continue
		}
		return false
	}
	return true
}

func mapStreamConsumeError(err error) *RunnerError {
	if isStreamReadTimeout(err) {
		return &RunnerError{
			Code:    ErrorCodeProviderRequestFailed,
			Message: "provider stream request failed",
			Err:     err,
		}
	}
	return &RunnerError{
		Code:    ErrorCodeProviderInvalidReply,
		Message: "provider stream response is invalid",
		Err:     err,
	}
}

func isStreamReadTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := strings.ToLower(strings.TrimSpace(err.Error()))
	return strings.Contains(msg, "client.timeout")
}
