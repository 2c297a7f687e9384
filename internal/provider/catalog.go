package provider

import (
	"sort"
	"strings"

	"github.com/cgrail/mcp-express-test/internal/domain"
)

const (
	AdapterDemo             = "demo"
	AdapterOllama           = "ollama"
	AdapterOpenAICompatible = "openai-compatible"
	AdapterAnthropic        = "anthropic"
)

type ProviderSpec struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Adapter        string   `json:"adapter"`
	DefaultBaseURL string   `json:"default_base_url,omitempty"`
	APIKeyEnv      string   `json:"api_key_env,omitempty"`
	RequiresAPIKey bool     `json:"requires_api_key"`
	Models         []string `json:"models,omitempty"`
}

var builtinProviders = map[string]ProviderSpec{
	"demo": {
		ID:      "demo",
		Name:    "Demo",
		Adapter: AdapterDemo,
	},
	"ollama": {
		ID:             "ollama",
		Name:           "Ollama",
		Adapter:        AdapterOllama,
		DefaultBaseURL: "http://localhost:11434",
		Models:         []string{domain.DefaultModel},
	},
	"openai": {
		ID:             "openai",
		Name:           "OpenAI",
		Adapter:        AdapterOpenAICompatible,
		DefaultBaseURL: "https://api.openai.com/v1",
		APIKeyEnv:      "OPENAI_API_KEY",
		RequiresAPIKey: true,
	},
	"anthropic": {
		ID:             "anthropic",
		Name:           "Anthropic",
		Adapter:        AdapterAnthropic,
		DefaultBaseURL: "https://api.anthropic.com",
		APIKeyEnv:      "ANTHROPIC_API_KEY",
		RequiresAPIKey: true,
	},
}

// ResolveProvider returns the catalog entry for providerID. Ids prefixed with
// "openai-compatible" resolve to a generic entry using that adapter; any
// other unknown id comes back with an empty Adapter.
func ResolveProvider(providerID string) (ProviderSpec, bool) {
	id := normalizeProviderID(providerID)
	if id == "" {
		id = "demo"
	}
	if spec, ok := builtinProviders[id]; ok {
		return cloneProviderSpec(spec), true
	}
	spec := ProviderSpec{
		ID:        id,
		Name:      strings.ToUpper(id),
		APIKeyEnv: EnvPrefix(id) + "_API_KEY",
	}
	if strings.HasPrefix(id, AdapterOpenAICompatible) {
		spec.Adapter = AdapterOpenAICompatible
		return spec, true
	}
	return spec, false
}

func ResolveAdapter(providerID string) string {
	spec, _ := ResolveProvider(providerID)
	return spec.Adapter
}

func DefaultModelID(providerID string) string {
	spec, _ := ResolveProvider(providerID)
	if len(spec.Models) == 0 {
		return ""
	}
	return spec.Models[0]
}

// ListProviders returns the built-in entries sorted by id.
func ListProviders() []ProviderSpec {
	out := make([]ProviderSpec, 0, len(builtinProviders))
	for _, spec := range builtinProviders {
		out = append(out, cloneProviderSpec(spec))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ID < out[j].ID
	})
	return out
}

func EnvPrefix(providerID string) string {
	prefix := strings.ToUpper(strings.TrimSpace(providerID))
	if prefix == "" {
		return "PROVIDER"
	}
	replacer := strings.NewReplacer("-", "_", ".", "_", " ", "_")
	return replacer.Replace(prefix)
}

func normalizeProviderID(providerID string) string {
	return strings.ToLower(strings.TrimSpace(providerID))
}

func cloneProviderSpec(in ProviderSpec) ProviderSpec {
	out := in
	if in.Models != nil {
		out.Models = append([]string(nil), in.Models...)
	}
	return out
}
