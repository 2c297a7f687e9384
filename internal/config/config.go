package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cgrail/mcp-express-test/internal/domain"
	"github.com/cgrail/mcp-express-test/internal/provider"
)

const (
	DefaultToolCallTimeout = 30 * time.Second
	DefaultMaxToolRounds   = 8
	DefaultSessionIdleTTL  = 30 * time.Minute
	DefaultSweepSchedule   = "@every 1m"
	SelfEndpoint           = "self"
)

type Config struct {
	Host   string
	Port   string
	WebDir string

	Provider          string
	Model             string
	BaseURL           string
	APIKey            string
	ProviderTimeoutMS int

	MCPEndpoints           []string
	ToolCallTimeout        time.Duration
	MaxToolRounds          int
	TranscriptPolicy       string
	FailPendingOnReconnect bool

	SessionIdleTTL       time.Duration
	SessionSweepSchedule string

	SystemPrompt string
	LogLevel     string
}

func Load() Config {
	host := os.Getenv("MCPX_HOST")
	if host == "" {
		host = "127.0.0.1"
	}
	port := os.Getenv("MCPX_PORT")
	if port == "" {
		port = "3000"
	}
	providerID := strings.ToLower(strings.TrimSpace(os.Getenv("MCPX_PROVIDER")))
	if providerID == "" {
		providerID = "ollama"
	}
	model := strings.TrimSpace(os.Getenv("MCPX_MODEL"))
	if model == "" {
		model = provider.DefaultModelID(providerID)
	}
	systemPrompt := strings.TrimSpace(os.Getenv("MCPX_SYSTEM_PROMPT"))
	if systemPrompt == "" {
		systemPrompt = domain.DefaultSystemPrompt
	}
	sweep := strings.TrimSpace(os.Getenv("MCPX_SESSION_SWEEP_SCHEDULE"))
	if sweep == "" {
		sweep = DefaultSweepSchedule
	}
	logLevel := strings.TrimSpace(os.Getenv("MCPX_LOG_LEVEL"))
	if logLevel == "" {
		logLevel = "info"
	}
	policy := strings.ToLower(strings.TrimSpace(os.Getenv("MCPX_TRANSCRIPT_POLICY")))
	if policy == "" {
		policy = "keep"
	}
	return Config{
		Host:                   host,
		Port:                   port,
		WebDir:                 strings.TrimSpace(os.Getenv("MCPX_WEB_DIR")),
		Provider:               providerID,
		Model:                  model,
		BaseURL:                strings.TrimSpace(os.Getenv("MCPX_BASE_URL")),
		APIKey:                 provider.ResolveAPIKey(providerID, os.Getenv("MCPX_API_KEY"), os.Getenv),
		ProviderTimeoutMS:      parseEnvInt("MCPX_PROVIDER_TIMEOUT_MS", 0),
		MCPEndpoints:           parseEndpoints(os.Getenv("MCPX_MCP_ENDPOINTS")),
		ToolCallTimeout:        parseEnvSeconds("MCPX_TOOL_CALL_TIMEOUT_SECONDS", DefaultToolCallTimeout),
		MaxToolRounds:          parseEnvInt("MCPX_MAX_TOOL_ROUNDS", DefaultMaxToolRounds),
		TranscriptPolicy:       policy,
		FailPendingOnReconnect: parseEnvBool("MCPX_FAIL_PENDING_ON_RECONNECT"),
		SessionIdleTTL:         parseEnvSeconds("MCPX_SESSION_IDLE_TTL_SECONDS", DefaultSessionIdleTTL),
		SessionSweepSchedule:   sweep,
		SystemPrompt:           systemPrompt,
		LogLevel:               logLevel,
	}
}

func parseEnvBool(key string) bool {
	return strings.EqualFold(strings.TrimSpace(os.Getenv(key)), "true")
}

// parseEnvInt falls back on unset, malformed or negative values.
func parseEnvInt(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

func parseEnvSeconds(key string, fallback time.Duration) time.Duration {
	seconds := parseEnvInt(key, 0)
	if seconds == 0 {
		return fallback
	}
	return time.Duration(seconds) * time.Second
}

// parseEndpoints splits a comma list. Unset means the in-process server only;
// "none" disables MCP discovery.
func parseEndpoints(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return []string{SelfEndpoint}
	}
	if strings.EqualFold(raw, "none") {
		return nil
	}
	out := make([]string, 0, 2)
	seen := map[string]struct{}{}
	for _, part := range strings.Split(raw, ",") {
		item := strings.TrimSpace(part)
		if item == "" {
			continue
		}
		if _, ok := seen[item]; ok {
			continue
		}
		seen[item] = struct{}{}
		out = append(out, item)
	}
	return out
}
