package runner

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"syscall"

	"github.com/cgrail/mcp-express-test/internal/domain"
	"github.com/cgrail/mcp-express-test/internal/provider"
)

const (
	ProviderDemo      = "demo"
	ProviderOllama    = "ollama"
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"

	AdapterDemo             = provider.AdapterDemo
	AdapterOllama           = provider.AdapterOllama
	AdapterOpenAICompatible = provider.AdapterOpenAICompatible
	AdapterAnthropic        = provider.AdapterAnthropic

	ErrorCodeProviderNotConfigured = "provider_not_configured"
	ErrorCodeProviderNotSupported  = "provider_not_supported"
	ErrorCodeProviderRequestFailed = "provider_request_failed"
	ErrorCodeProviderInvalidReply  = "provider_invalid_reply"
	ErrorCodeGatewayUnavailable    = "gateway_unavailable"
)

type RunnerError struct {
	Code    string
	Message string
	Err     error
}

func (e *RunnerError) Error() string {
	if e == nil {
		return ""
	}
	if e.Message != "" {
		return e.Message
	}
	return e.Code
}

func (e *RunnerError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// IsGatewayUnavailable reports whether err means the inference server could
// not be reached at all.
func IsGatewayUnavailable(err error) bool {
	var runnerErr *RunnerError
	if errors.As(err, &runnerErr) && runnerErr != nil {
		return runnerErr.Code == ErrorCodeGatewayUnavailable
	}
	return false
}

type GenerateConfig struct {
	ProviderID string
	Model      string
	APIKey     string
	BaseURL    string
	AdapterID  string
	Headers    map[string]string
	TimeoutMS  int
}

// ChatRequest is one model call: the transcript so far plus the tools the
// model may call. An empty Model falls back to the configured one.
type ChatRequest struct {
	Model    string
	Messages []domain.Message
	Tools    []domain.ToolDefinition
}

type ChatResult struct {
	Text       string
	ToolCalls  []domain.ToolCallRequest
	ResponseID string
}

// Message is the assistant transcript entry for the result.
func (r ChatResult) Message() domain.Message {
	return domain.Message{
		Role:      domain.RoleAssistant,
		Content:   r.Text,
		ToolCalls: r.ToolCalls,
	}
}

type ProviderAdapter interface {
	ID() string
	GenerateTurn(ctx context.Context, req ChatRequest, cfg GenerateConfig, runner *Runner) (ChatResult, error)
}

type StreamProviderAdapter interface {
	ProviderAdapter
	GenerateTurnStream(ctx context.Context, req ChatRequest, cfg GenerateConfig, runner *Runner, onDelta func(string)) (ChatResult, error)
}

// ProbeAdapter checks that the inference server answers at all.
type ProbeAdapter interface {
	Probe(ctx context.Context, cfg GenerateConfig, runner *Runner) error
}

type Runner struct {
	httpClient *http.Client
	adapters   map[string]ProviderAdapter
	cfg        GenerateConfig
}

func New(cfg GenerateConfig) *Runner {
	return NewWithHTTPClient(cfg, &http.Client{})
}

func NewWithHTTPClient(cfg GenerateConfig, client *http.Client) *Runner {
	if client == nil {
		client = &http.Client{}
	}
	r := &Runner{
		httpClient: client,
		adapters:   map[string]ProviderAdapter{},
		cfg:        cfg,
	}
	r.registerAdapter(&demoAdapter{})
	r.registerAdapter(&ollamaAdapter{})
	r.registerAdapter(&openAICompatibleAdapter{})
	r.registerAdapter(&anthropicAdapter{})
	return r
}

func (r *Runner) registerAdapter(adapter ProviderAdapter) {
	if adapter == nil {
		return
	}
	id := strings.TrimSpace(adapter.ID())
	if id == "" {
		return
	}
	r.adapters[id] = adapter
}

func (r *Runner) Config() GenerateConfig {
	return r.cfg
}

func (r *Runner) resolve(model string) (ProviderAdapter, GenerateConfig, error) {
	cfg := r.cfg
	if m := strings.TrimSpace(model); m != "" {
		cfg.Model = m
	}
	providerID := strings.ToLower(strings.TrimSpace(cfg.ProviderID))
	if providerID == "" {
		providerID = ProviderDemo
	}

	adapterID := strings.TrimSpace(cfg.AdapterID)
	if adapterID == "" {
		adapterID = provider.ResolveAdapter(providerID)
	}
	if adapterID == "" {
		return nil, cfg, &RunnerError{
			Code:    ErrorCodeProviderNotSupported,
			Message: fmt.Sprintf("provider %q is not supported", providerID),
		}
	}

	if adapterID != AdapterDemo && strings.TrimSpace(cfg.Model) == "" {
		return nil, cfg, &RunnerError{Code: ErrorCodeProviderNotConfigured, Message: "model is required for active provider"}
	}

	adapter, ok := r.adapters[adapterID]
	if !ok {
		return nil, cfg, &RunnerError{
			Code:    ErrorCodeProviderNotSupported,
			Message: fmt.Sprintf("adapter %q is not supported", adapterID),
		}
	}
	return adapter, cfg, nil
}

// Chat runs one model call and returns the complete reply.
func (r *Runner) Chat(ctx context.Context, req ChatRequest) (ChatResult, error) {
	adapter, cfg, err := r.resolve(req.Model)
	if err != nil {
		return ChatResult{}, err
	}
	return adapter.GenerateTurn(ctx, req, cfg, r)
}

// ChatStream runs one model call, passing text fragments to onDelta as they
// arrive. Adapters without streaming support deliver the whole text as one
// fragment.
func (r *Runner) ChatStream(ctx context.Context, req ChatRequest, onDelta func(string)) (ChatResult, error) {
	adapter, cfg, err := r.resolve(req.Model)
	if err != nil {
		return ChatResult{}, err
	}

	if streamAdapter, ok := adapter.(StreamProviderAdapter); ok {
		return streamAdapter.GenerateTurnStream(ctx, req, cfg, r, onDelta)
	}

	turn, err := adapter.GenerateTurn(ctx, req, cfg, r)
	if err != nil {
		return ChatResult{}, err
	}
	if onDelta != nil && turn.Text != "" {
		onDelta(turn.Text)
	}
	return turn, nil
}

// Probe checks connectivity to the configured provider. Adapters without a
// cheap health endpoint report success.
func (r *Runner) Probe(ctx context.Context) error {
	adapter, cfg, err := r.resolve("")
	if err != nil {
		return err
	}
	prober, ok := adapter.(ProbeAdapter)
	if !ok {
		return nil
	}
	return prober.Probe(ctx, cfg, r)
}

type demoAdapter struct{}

func (a *demoAdapter) ID() string {
	return AdapterDemo
}

func (a *demoAdapter) GenerateTurn(_ context.Context, req ChatRequest, _ GenerateConfig, _ *Runner) (ChatResult, error) {
	return ChatResult{Text: generateDemoReply(req)}, nil
}

// errEmptyTranscript is returned when nothing in the request survives
// conversion to the provider's message format.
func errEmptyTranscript() error {
	return &RunnerError{Code: ErrorCodeProviderInvalidReply, Message: "request has no messages"}
}

func catalogBaseURL(providerID string) string {
	spec, _ := provider.ResolveProvider(providerID)
	return spec.DefaultBaseURL
}

// generateDemoReply echoes the latest user message.
func generateDemoReply(req ChatRequest) string {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		msg := req.Messages[i]
		if msg.Role != domain.RoleUser {
			continue
		}
		if text := strings.TrimSpace(msg.Content); text != "" {
			return "Echo: " + text
		}
		break
	}
	return "Echo: (empty input)"
}

// requestFailed maps a transport-level failure. A refused connection means
// the inference server is not running.
func requestFailed(message string, err error) *RunnerError {
	if isConnectionRefused(err) {
		return &RunnerError{
			Code:    ErrorCodeGatewayUnavailable,
			Message: "inference server is unreachable",
			Err:     err,
		}
	}
	return &RunnerError{
		Code:    ErrorCodeProviderRequestFailed,
		Message: message,
		Err:     err,
	}
}

func isConnectionRefused(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "connection refused")
}

func emptyReply(text string, calls []domain.ToolCallRequest) error {
	if strings.TrimSpace(text) == "" && len(calls) == 0 {
		return &RunnerError{
			Code:    ErrorCodeProviderInvalidReply,
			Message: "provider response has empty content",
		}
	}
	return nil
}

func truncateText(text string, limit int) string {
	if limit <= 0 {
		return ""
	}
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit]) + "...(truncated)"
}

// toolParametersSchema renders a definition's parameters as a JSON schema
// object, preferring the provider's original schema.
func toolParametersSchema(params domain.ToolParameters) map[string]interface{} {
	if len(params.Schema) > 0 {
		out := make(map[string]interface{}, len(params.Schema))
		for k, v := range params.Schema {
			out[k] = v
		}
		if _, ok := out["type"]; !ok {
			out["type"] = "object"
		}
		return out
	}
	out := map[string]interface{}{"type": "object"}
	if params.Type != "" {
		out["type"] = params.Type
	}
	if len(params.Properties) == 0 {
		out["additionalProperties"] = true
		return out
	}
	out["properties"] = params.Properties
	if len(params.Required) > 0 {
		out["required"] = params.Required
	}
	return out
}

// argumentsObject resolves call arguments for providers that want a JSON
// object rather than a string.
func argumentsObject(args domain.ToolArguments) map[string]interface{} {
	resolved, _ := args.Resolve()
	if resolved == nil {
		return map[string]interface{}{}
	}
	return resolved
}

// argumentsString renders call arguments for providers that want a JSON
// string. Raw strings from the provider are sent back untouched.
func argumentsString(args domain.ToolArguments) string {
	if args.IsRaw() {
		if raw := strings.TrimSpace(args.Raw()); raw != "" {
			return raw
		}
		return "{}"
	}
	return domain.CanonicalJSON(argumentsObject(args))
}
