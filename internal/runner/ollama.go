package runner

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/cgrail/mcp-express-test/internal/domain"
)

// ollamaAdapter talks to Ollama's native /api/chat endpoint. Streaming
// replies are newline-delimited JSON objects, the last one carrying done.
type ollamaAdapter struct{}

func (a *ollamaAdapter) ID() string {
	return AdapterOllama
}

func (a *ollamaAdapter) GenerateTurn(ctx context.Context, req ChatRequest, cfg GenerateConfig, runner *Runner) (ChatResult, error) {
	return runner.generateOllamaTurn(ctx, req, cfg, false, nil)
}

func (a *ollamaAdapter) GenerateTurnStream(
	ctx context.Context,
	req ChatRequest,
	cfg GenerateConfig,
	runner *Runner,
	onDelta func(string),
) (ChatResult, error) {
	return runner.generateOllamaTurn(ctx, req, cfg, true, onDelta)
}

func (a *ollamaAdapter) Probe(ctx context.Context, cfg GenerateConfig, runner *Runner) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, ollamaBaseURL(cfg)+"/api/tags", nil)
	if err != nil {
		return &RunnerError{Code: ErrorCodeProviderRequestFailed, Message: "failed to create probe request", Err: err}
	}
	resp, err := runner.httpClient.Do(httpReq)
	if err != nil {
		return requestFailed("ollama probe failed", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
	if resp.StatusCode != http.StatusOK {
		return &RunnerError{
			Code:    ErrorCodeProviderRequestFailed,
			Message: fmt.Sprintf("ollama probe returned status %d", resp.StatusCode),
		}
	}
	return nil
}

func ollamaBaseURL(cfg GenerateConfig) string {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = catalogBaseURL(ProviderOllama)
	}
	return baseURL
}

func (r *Runner) generateOllamaTurn(ctx context.Context, req ChatRequest, cfg GenerateConfig, stream bool, onDelta func(string)) (ChatResult, error) {
	payload := ollamaChatRequest{
		Model:    cfg.Model,
		Messages: toOllamaMessages(req.Messages),
		Tools:    toOpenAITools(req.Tools),
		Stream:   stream,
	}
	if len(payload.Messages) == 0 {
		return ChatResult{}, errEmptyTranscript()
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return ChatResult{}, &RunnerError{
			Code:    ErrorCodeProviderRequestFailed,
			Message: "failed to encode provider request",
			Err:     err,
		}
	}

	requestCtx, cancel := withRequestTimeout(ctx, cfg)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(requestCtx, http.MethodPost, ollamaBaseURL(cfg)+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return ChatResult{}, &RunnerError{
			Code:    ErrorCodeProviderRequestFailed,
			Message: "failed to create provider request",
			Err:     err,
		}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for key, value := range cfg.Headers {
		k := strings.TrimSpace(key)
		v := strings.TrimSpace(value)
		if k == "" || v == "" {
			continue
		}
		httpReq.Header.Set(k, v)
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
	var rawCalls []ollamaToolCall
	processChunk := func(chunk ollamaChatResponse) error {
		if msg := strings.TrimSpace(chunk.Error); msg != "" {
			return fmt.Errorf("ollama error: %s", msg)
		}
		if chunk.Message.Content != "" {
			replyBuilder.WriteString(chunk.Message.Content)
			if onDelta != nil {
				onDelta(chunk.Message.Content)
			}
		}
		rawCalls = append(rawCalls, chunk.Message.ToolCalls...)
		return nil
	}

	if err := consumeNDJSON(resp.Body, processChunk); err != nil {
		return ChatResult{}, mapStreamConsumeError(err)
	}

	calls, err := parseOllamaToolCalls(rawCalls)
	if err != nil {
		return ChatResult{}, &RunnerError{
			Code:    ErrorCodeProviderInvalidReply,
			Message: err.Error(),
			Err:     err,
		}
	}
	text := replyBuilder.String()
	if !stream {
		text = strings.TrimSpace(text)
	}
	if err := emptyReply(text, calls); err != nil {
		return ChatResult{}, err
	}
	return ChatResult{Text: text, ToolCalls: calls}, nil
}

// consumeNDJSON decodes one JSON object per line. A non-streaming reply is
// the single-line case.
func consumeNDJSON(reader io.Reader, onChunk func(ollamaChatResponse) error) error {
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 2*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var chunk ollamaChatResponse
		if err := json.Unmarshal([]byte(line), &chunk); err != nil {
			return fmt.Errorf("provider stream chunk is not valid json: %w; payload=%q", err, truncateText(line, 512))
		}
		if err := onChunk(chunk); err != nil {
			return err
		}
		if chunk.Done {
			return nil
		}
	}
	return scanner.Err()
}

type ollamaChatRequest struct {
	Model    string                 `json:"model"`
	Messages []ollamaMessage        `json:"messages"`
	Tools    []openAIToolDefinition `json:"tools,omitempty"`
	Stream   bool                   `json:"stream"`
}

type ollamaMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
	ToolName  string           `json:"tool_name,omitempty"`
}

type ollamaToolCall struct {
	Function struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments,omitempty"`
	} `json:"function"`
}

type ollamaChatResponse struct {
	Message struct {
		Role      string           `json:"role"`
		Content   string           `json:"content"`
		ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
	} `json:"message"`
	Done  bool   `json:"done"`
	Error string `json:"error,omitempty"`
}

func toOllamaMessages(input []domain.Message) []ollamaMessage {
	out := make([]ollamaMessage, 0, len(input))
	for _, msg := range input {
		role := normalizeRole(msg.Role)
		item := ollamaMessage{Role: string(role), Content: msg.Content}
		switch role {
		case domain.RoleAssistant:
			for _, call := range msg.ToolCalls {
				var tc ollamaToolCall
				tc.Function.Name = call.ToolName
				tc.Function.Arguments = json.RawMessage(domain.CanonicalJSON(argumentsObject(call.Arguments)))
				item.ToolCalls = append(item.ToolCalls, tc)
			}
			if strings.TrimSpace(item.Content) == "" && len(item.ToolCalls) == 0 {
				continue
			}
		case domain.RoleTool:
			item.ToolName = strings.TrimSpace(msg.Name)
		default:
			if strings.TrimSpace(item.Content) == "" {
				continue
			}
		}
		out = append(out, item)
	}
	return out
}

// parseOllamaToolCalls synthesises call ids; Ollama does not send any.
// Arguments normally arrive as an object but some models emit a string.
func parseOllamaToolCalls(in []ollamaToolCall) ([]domain.ToolCallRequest, error) {
	if len(in) == 0 {
		return nil, nil
	}
	calls := make([]domain.ToolCallRequest, 0, len(in))
	for i, item := range in {
		name := strings.TrimSpace(item.Function.Name)
		if name == "" {
			return nil, fmt.Errorf("provider tool call[%d] name is empty", i)
		}
		var args domain.ToolArguments
		if len(item.Function.Arguments) > 0 {
			if err := json.Unmarshal(item.Function.Arguments, &args); err != nil {
				args = domain.RawArguments(string(item.Function.Arguments))
			}
		} else {
			args = domain.ParsedArguments(map[string]any{})
		}
		calls = append(calls, domain.ToolCallRequest{
			ID:        fmt.Sprintf("call_%d", i+1),
			ToolName:  name,
			Arguments: args,
		})
	}
	return calls, nil
}
