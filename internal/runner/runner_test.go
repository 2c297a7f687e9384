package runner

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cgrail/mcp-express-test/internal/domain"
)

func userRequest(text string) ChatRequest {
	return ChatRequest{Messages: []domain.Message{
		{Role: domain.RoleSystem, Content: "be brief"},
		{Role: domain.RoleUser, Content: text},
	}}
}

func weatherTool() domain.ToolDefinition {
	return domain.ToolDefinition{
		Name:        "weather",
		Description: "look up weather",
		Parameters: domain.ToolParameters{
			Type:       "object",
			Properties: map[string]any{"city": map[string]any{"type": "string"}},
			Required:   []string{"city"},
		},
	}
}

func assertRunnerCode(t *testing.T, err error, code string) {
	t.Helper()
	require.Error(t, err)
	var runnerErr *RunnerError
	require.ErrorAs(t, err, &runnerErr)
	assert.Equal(t, code, runnerErr.Code)
}

func TestChatDemoEchoesLatestUserMessage(t *testing.T) {
	r := New(GenerateConfig{ProviderID: ProviderDemo})
	req := userRequest("first")
	req.Messages = append(req.Messages,
		domain.Message{Role: domain.RoleAssistant, Content: "Echo: first"},
		domain.Message{Role: domain.RoleUser, Content: "second"},
	)
	got, err := r.Chat(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "Echo: second", got.Text)
	assert.Empty(t, got.ToolCalls)
}

func TestChatStreamFallsBackToSingleFragment(t *testing.T) {
	r := New(GenerateConfig{})
	var fragments []string
	got, err := r.ChatStream(context.Background(), userRequest("hi"), func(s string) { fragments = append(fragments, s) })
	require.NoError(t, err)
	assert.Equal(t, []string{"Echo: hi"}, fragments)
	assert.Equal(t, "Echo: hi", got.Text)
}

func TestNewRunnerUsesNoGlobalHTTPTimeout(t *testing.T) {
	r := New(GenerateConfig{})
	require.NotNil(t, r.httpClient)
	assert.Zero(t, r.httpClient.Timeout)
}

func TestChatUnsupportedProvider(t *testing.T) {
	r := New(GenerateConfig{ProviderID: "mystery", Model: "m"})
	_, err := r.Chat(context.Background(), userRequest("hi"))
	assertRunnerCode(t, err, ErrorCodeProviderNotSupported)
}

func TestChatRequiresModelForRealProviders(t *testing.T) {
	r := New(GenerateConfig{ProviderID: ProviderOllama})
	_, err := r.Chat(context.Background(), userRequest("hi"))
	assertRunnerCode(t, err, ErrorCodeProviderNotConfigured)
}

func TestChatRequestModelOverridesConfig(t *testing.T) {
	var model string
	mock := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&req)
		model, _ = req["model"].(string)
		_, _ = w.Write([]byte(`{"message":{"role":"assistant","content":"ok"},"done":true}`))
	}))
	defer mock.Close()

	r := NewWithHTTPClient(GenerateConfig{ProviderID: ProviderOllama, Model: "qwen3:4b", BaseURL: mock.URL}, mock.Client())
	req := userRequest("hi")
	req.Model = "llama3.2"
	_, err := r.Chat(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "llama3.2", model)
}

func TestChatOpenAISuccess(t *testing.T) {
	var auth string
	var body map[string]interface{}
	mock := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		if r.Method != http.MethodPost || r.URL.Path != "/chat/completions" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		_, _ = w.Write([]byte(`{"id":"resp-1","choices":[{"message":{"content":"hello from provider"}}]}`))
	}))
	defer mock.Close()

	r := NewWithHTTPClient(GenerateConfig{ProviderID: ProviderOpenAI, Model: "gpt-4o-mini", APIKey: "sk-test", BaseURL: mock.URL}, mock.Client())
	req := userRequest("hello")
	req.Tools = []domain.ToolDefinition{weatherTool()}
	got, err := r.Chat(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "hello from provider", got.Text)
	assert.Equal(t, "resp-1", got.ResponseID)
	assert.Equal(t, "Bearer sk-test", auth)
	assert.Equal(t, "gpt-4o-mini", body["model"])

	tools, _ := body["tools"].([]interface{})
	require.Len(t, tools, 1)
	fn := tools[0].(map[string]interface{})["function"].(map[string]interface{})
	assert.Equal(t, "weather", fn["name"])
	params := fn["parameters"].(map[string]interface{})
	assert.Equal(t, "object", params["type"])
	assert.Equal(t, []interface{}{"city"}, params["required"])
}

func TestChatOpenAIKeepsRawArgumentsAndSynthesisesIDs(t *testing.T) {
	mock := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"","tool_calls":[
			{"type":"function","function":{"name":"weather","arguments":"{\"City_Name\":\"Paris\"}"}},
			{"id":"call_abc","type":"function","function":{"name":"weather","arguments":"not json"}}
		]}}]}`))
	}))
	defer mock.Close()

	r := NewWithHTTPClient(GenerateConfig{ProviderID: ProviderOpenAI, Model: "m", APIKey: "k", BaseURL: mock.URL}, mock.Client())
	got, err := r.Chat(context.Background(), userRequest("weather?"))
	require.NoError(t, err)
	require.Len(t, got.ToolCalls, 2)

	assert.Equal(t, "call_1", got.ToolCalls[0].ID)
	assert.True(t, got.ToolCalls[0].Arguments.IsRaw())
	args, err := got.ToolCalls[0].Arguments.Resolve()
	require.NoError(t, err)
	assert.Equal(t, "Paris", args["City_Name"])

	assert.Equal(t, "call_abc", got.ToolCalls[1].ID)
	args, err = got.ToolCalls[1].Arguments.Resolve()
	require.Error(t, err)
	assert.Equal(t, "not json", args["value"])
}

func TestChatOpenAISendsToolTranscript(t *testing.T) {
	var body struct {
		Messages []struct {
			Role       string `json:"role"`
			Content    string `json:"content"`
			ToolCallID string `json:"tool_call_id"`
			ToolCalls  []struct {
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"messages"`
	}
	mock := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"sunny"}}]}`))
	}))
	defer mock.Close()

	req := userRequest("weather?")
	req.Messages = append(req.Messages,
		domain.Message{Role: domain.RoleAssistant, ToolCalls: []domain.ToolCallRequest{
			{ID: "call_1", ToolName: "weather", Arguments: domain.ParsedArguments(map[string]any{"city": "Paris"})},
		}},
		domain.Message{Role: domain.RoleTool, ToolCallID: "call_1", Name: "weather", Content: "sunny"},
	)
	r := NewWithHTTPClient(GenerateConfig{ProviderID: ProviderOpenAI, Model: "m", APIKey: "k", BaseURL: mock.URL}, mock.Client())
	_, err := r.Chat(context.Background(), req)
	require.NoError(t, err)

	require.Len(t, body.Messages, 4)
	assert.Equal(t, "assistant", body.Messages[2].Role)
	require.Len(t, body.Messages[2].ToolCalls, 1)
	assert.Equal(t, `{"city":"Paris"}`, body.Messages[2].ToolCalls[0].Function.Arguments)
	assert.Equal(t, "tool", body.Messages[3].Role)
	assert.Equal(t, "call_1", body.Messages[3].ToolCallID)
}

func TestChatOpenAIMissingAPIKey(t *testing.T) {
	r := New(GenerateConfig{ProviderID: ProviderOpenAI, Model: "gpt-4o-mini"})
	_, err := r.Chat(context.Background(), userRequest("hello"))
	assertRunnerCode(t, err, ErrorCodeProviderNotConfigured)
}

func TestChatOpenAIUpstreamFailure(t *testing.T) {
	mock := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer mock.Close()

	r := NewWithHTTPClient(GenerateConfig{ProviderID: ProviderOpenAI, Model: "m", APIKey: "k", BaseURL: mock.URL}, mock.Client())
	_, err := r.Chat(context.Background(), userRequest("hello"))
	assertRunnerCode(t, err, ErrorCodeProviderRequestFailed)
	assert.False(t, IsGatewayUnavailable(err))
}

func TestChatRefusedConnectionIsGatewayUnavailable(t *testing.T) {
	mock := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := mock.URL
	mock.Close()

	for _, providerID := range []string{ProviderOllama, ProviderOpenAI} {
		r := New(GenerateConfig{ProviderID: providerID, Model: "m", APIKey: "k", BaseURL: url})
		_, err := r.Chat(context.Background(), userRequest("hello"))
		assertRunnerCode(t, err, ErrorCodeGatewayUnavailable)
		assert.True(t, IsGatewayUnavailable(err), providerID)
	}
}

func TestChatStreamOpenAIAggregatesDeltasAndToolCalls(t *testing.T) {
	mock := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))
		w.Header().Set("Content-Type", "text/event-stream")
		chunks := []string{
			`{"id":"resp-s","choices":[{"delta":{"content":"Let me "}}]}`,
			`{"choices":[{"delta":{"content":"check."}}]}`,
			`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_w","type":"function","function":{"name":"weather","arguments":"{\"ci"}}]}}]}`,
			`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"ty\":\"Oslo\"}"}}]}}]}`,
			`[DONE]`,
		}
		for _, c := range chunks {
			_, _ = w.Write([]byte("data: " + c + "\n\n"))
		}
	}))
	defer mock.Close()

	r := NewWithHTTPClient(GenerateConfig{ProviderID: ProviderOpenAI, Model: "m", APIKey: "k", BaseURL: mock.URL}, mock.Client())
	var fragments []string
	got, err := r.ChatStream(context.Background(), userRequest("weather?"), func(s string) { fragments = append(fragments, s) })
	require.NoError(t, err)
	assert.Equal(t, []string{"Let me ", "check."}, fragments)
	assert.Equal(t, "Let me check.", got.Text)
	assert.Equal(t, "resp-s", got.ResponseID)
	require.Len(t, got.ToolCalls, 1)
	assert.Equal(t, "call_w", got.ToolCalls[0].ID)
	assert.Equal(t, `{"city":"Oslo"}`, got.ToolCalls[0].Arguments.Signature())
}

func TestChatStreamOpenAIInvalidChunk(t *testing.T) {
	mock := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("data: {broken\n\n"))
	}))
	defer mock.Close()

	r := NewWithHTTPClient(GenerateConfig{ProviderID: ProviderOpenAI, Model: "m", APIKey: "k", BaseURL: mock.URL}, mock.Client())
	_, err := r.ChatStream(context.Background(), userRequest("hi"), nil)
	assertRunnerCode(t, err, ErrorCodeProviderInvalidReply)
}

func TestChatOllamaToolCallsAsObjects(t *testing.T) {
	var body map[string]interface{}
	mock := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/chat", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		_, _ = w.Write([]byte(`{"message":{"role":"assistant","content":"","tool_calls":[{"function":{"name":"add","arguments":{"a":2,"b":3}}}]},"done":true}`))
	}))
	defer mock.Close()

	r := NewWithHTTPClient(GenerateConfig{ProviderID: ProviderOllama, Model: "qwen3:4b", BaseURL: mock.URL}, mock.Client())
	got, err := r.Chat(context.Background(), userRequest("add 2 and 3"))
	require.NoError(t, err)
	assert.Equal(t, false, body["stream"])
	require.Len(t, got.ToolCalls, 1)
	call := got.ToolCalls[0]
	assert.Equal(t, "call_1", call.ID)
	assert.Equal(t, "add", call.ToolName)
	assert.False(t, call.Arguments.IsRaw())
	assert.Equal(t, `{"a":2,"b":3}`, call.Arguments.Signature())
}

func TestChatStreamOllamaEmitsFragments(t *testing.T) {
	mock := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		lines := []string{
			`{"message":{"role":"assistant","content":"Hel"},"done":false}`,
			`{"message":{"role":"assistant","content":"lo"},"done":false}`,
			`{"message":{"role":"assistant","content":""},"done":true}`,
		}
		_, _ = w.Write([]byte(strings.Join(lines, "\n") + "\n"))
	}))
	defer mock.Close()

	r := NewWithHTTPClient(GenerateConfig{ProviderID: ProviderOllama, Model: "m", BaseURL: mock.URL}, mock.Client())
	var fragments []string
	got, err := r.ChatStream(context.Background(), userRequest("hi"), func(s string) { fragments = append(fragments, s) })
	require.NoError(t, err)
	assert.Equal(t, []string{"Hel", "lo"}, fragments)
	assert.Equal(t, "Hello", got.Text)
}

func TestChatOllamaErrorChunk(t *testing.T) {
	mock := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"error":"model not found"}` + "\n"))
	}))
	defer mock.Close()

	r := NewWithHTTPClient(GenerateConfig{ProviderID: ProviderOllama, Model: "m", BaseURL: mock.URL}, mock.Client())
	_, err := r.Chat(context.Background(), userRequest("hi"))
	assertRunnerCode(t, err, ErrorCodeProviderInvalidReply)
}

func TestProbe(t *testing.T) {
	mock := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/tags" {
			_, _ = w.Write([]byte(`{"models":[]}`))
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer mock.Close()

	require.NoError(t, New(GenerateConfig{}).Probe(context.Background()))
	require.NoError(t, NewWithHTTPClient(GenerateConfig{ProviderID: ProviderOllama, Model: "m", BaseURL: mock.URL}, mock.Client()).Probe(context.Background()))

	err := NewWithHTTPClient(GenerateConfig{ProviderID: ProviderOpenAI, Model: "m", APIKey: "k", BaseURL: mock.URL}, mock.Client()).Probe(context.Background())
	assertRunnerCode(t, err, ErrorCodeProviderRequestFailed)
}

func TestChatAnthropicToolRoundTrip(t *testing.T) {
	var body struct {
		System   []map[string]interface{} `json:"system"`
		Messages []struct {
			Role    string                   `json:"role"`
			Content []map[string]interface{} `json:"content"`
		} `json:"messages"`
		Tools []map[string]interface{} `json:"tools"`
	}
	var apiKey string
	mock := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apiKey = r.Header.Get("X-Api-Key")
		require.Equal(t, "/v1/messages", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"msg_1","type":"message","role":"assistant","model":"claude-test",
			"content":[{"type":"text","text":"Adding."},{"type":"tool_use","id":"toolu_1","name":"add","input":{"a":1,"b":2}}],
			"stop_reason":"tool_use","stop_sequence":null,"usage":{"input_tokens":3,"output_tokens":4}}`))
	}))
	defer mock.Close()

	req := userRequest("add")
	req.Messages = append(req.Messages,
		domain.Message{Role: domain.RoleAssistant, ToolCalls: []domain.ToolCallRequest{
			{ID: "toolu_0", ToolName: "add", Arguments: domain.RawArguments(`{"a":1}`)},
			{ID: "toolu_9", ToolName: "add", Arguments: domain.RawArguments(`{"a":2}`)},
		}},
		domain.Message{Role: domain.RoleTool, ToolCallID: "toolu_0", Content: "1"},
		domain.Message{Role: domain.RoleTool, ToolCallID: "toolu_9", Content: "2"},
	)
	req.Tools = []domain.ToolDefinition{weatherTool()}

	r := NewWithHTTPClient(GenerateConfig{ProviderID: ProviderAnthropic, Model: "claude-test", APIKey: "ak", BaseURL: mock.URL}, mock.Client())
	got, err := r.Chat(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, "ak", apiKey)
	require.Len(t, body.System, 1)
	assert.Equal(t, "be brief", body.System[0]["text"])
	require.Len(t, body.Messages, 3)
	assert.Equal(t, "user", body.Messages[0].Role)
	assert.Equal(t, "assistant", body.Messages[1].Role)
	assert.Equal(t, "user", body.Messages[2].Role)
	require.Len(t, body.Messages[2].Content, 2)
	assert.Equal(t, "tool_result", body.Messages[2].Content[0]["type"])
	assert.Equal(t, "toolu_9", body.Messages[2].Content[1]["tool_use_id"])
	require.Len(t, body.Tools, 1)

	assert.Equal(t, "Adding.", got.Text)
	assert.Equal(t, "msg_1", got.ResponseID)
	require.Len(t, got.ToolCalls, 1)
	assert.Equal(t, "toolu_1", got.ToolCalls[0].ID)
	assert.Equal(t, `{"a":1,"b":2}`, got.ToolCalls[0].Arguments.Signature())
}

func TestChatStreamAnthropicAccumulatesText(t *testing.T) {
	events := []string{
		`event: message_start
data: {"type":"message_start","message":{"id":"msg_2","type":"message","role":"assistant","model":"claude-test","content":[],"stop_reason":null,"stop_sequence":null,"usage":{"input_tokens":1,"output_tokens":1}}}`,
		`event: content_block_start
data: {"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`,
		`event: content_block_delta
data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hel"}}`,
		`event: content_block_delta
data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"lo"}}`,
		`event: content_block_stop
data: {"type":"content_block_stop","index":0}`,
		`event: message_delta
data: {"type":"message_delta","delta":{"stop_reason":"end_turn","stop_sequence":null},"usage":{"output_tokens":2}}`,
		`event: message_stop
data: {"type":"message_stop"}`,
	}
	mock := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/messages", r.URL.Path)
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte(strings.Join(events, "\n\n") + "\n\n"))
	}))
	defer mock.Close()

	r := NewWithHTTPClient(GenerateConfig{ProviderID: ProviderAnthropic, Model: "claude-test", APIKey: "ak", BaseURL: mock.URL}, mock.Client())
	var fragments []string
	got, err := r.ChatStream(context.Background(), userRequest("hi"), func(delta string) {
		fragments = append(fragments, delta)
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"Hel", "lo"}, fragments)
	assert.Equal(t, "Hello", got.Text)
	assert.Equal(t, "msg_2", got.ResponseID)
	assert.Empty(t, got.ToolCalls)
}

func TestChatEmptyTranscriptIsInvalidForRealProviders(t *testing.T) {
	called := false
	mock := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		called = true
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer mock.Close()

	blank := ChatRequest{Messages: []domain.Message{{Role: domain.RoleUser, Content: "  "}}}
	for _, providerID := range []string{ProviderOpenAI, ProviderOllama, ProviderAnthropic} {
		r := NewWithHTTPClient(GenerateConfig{ProviderID: providerID, Model: "m", APIKey: "k", BaseURL: mock.URL}, mock.Client())

		_, err := r.Chat(context.Background(), blank)
		assertRunnerCode(t, err, ErrorCodeProviderInvalidReply)

		_, err = r.ChatStream(context.Background(), blank, func(string) {})
		assertRunnerCode(t, err, ErrorCodeProviderInvalidReply)
	}
	assert.False(t, called)
}
