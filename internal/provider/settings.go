package provider

import (
	"os"
	"strings"
)

// ResolveAPIKey prefers the configured key, then the provider's own
// environment variable.
func ResolveAPIKey(providerID, configured string, envLookup func(string) string) string {
	if key := strings.TrimSpace(configured); key != "" {
		return key
	}
	spec, _ := ResolveProvider(providerID)
	if spec.APIKeyEnv == "" {
		return ""
	}
	if envLookup == nil {
		envLookup = os.Getenv
	}
	return strings.TrimSpace(envLookup(spec.APIKeyEnv))
}

// ResolveBaseURL prefers the configured URL, then <PREFIX>_BASE_URL, then the
// catalog default.
func ResolveBaseURL(providerID, configured string, envLookup func(string) string) string {
	if baseURL := strings.TrimSpace(configured); baseURL != "" {
		return baseURL
	}
	if envLookup == nil {
		envLookup = os.Getenv
	}
	if envBaseURL := strings.TrimSpace(envLookup(EnvPrefix(providerID) + "_BASE_URL")); envBaseURL != "" {
		return envBaseURL
	}
	spec, _ := ResolveProvider(providerID)
	return spec.DefaultBaseURL
}

func MaskKey(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 6 {
		return "***"
	}
	return s[:3] + "***" + s[len(s)-3:]
}
