package registry

import (
	"sort"
	"strings"
)

// SuggestMappings proposes renames for supplied argument keys that are not
// declared parameters. Keys are compared lowercased with '_' and '-'
// removed; a declared name matches when either normalised string contains
// the other. The first declared name in order wins. Keys that already match
// exactly are left out, so a correct argument set yields an empty mapping.
func SuggestMappings(expected []string, provided map[string]any) map[string]string {
	mappings := map[string]string{}
	if len(expected) == 0 || len(provided) == 0 {
		return mappings
	}
	declared := make(map[string]struct{}, len(expected))
	for _, name := range expected {
		declared[name] = struct{}{}
	}
	for key := range provided {
		if _, ok := declared[key]; ok {
			continue
		}
		if target, ok := closestParameter(key, expected); ok {
			mappings[key] = target
		}
	}
	return mappings
}

func closestParameter(provided string, expected []string) (string, bool) {
	normalized := normalizeParamName(provided)
	if normalized == "" {
		return "", false
	}
	for _, name := range expected {
		candidate := normalizeParamName(name)
		if candidate == "" {
			continue
		}
		if strings.Contains(candidate, normalized) || strings.Contains(normalized, candidate) {
			return name, true
		}
	}
	return "", false
}

func normalizeParamName(name string) string {
	name = strings.ToLower(name)
	return strings.NewReplacer("_", "", "-", "").Replace(name)
}

// ApplyMappings rewrites argument keys through mappings. Unmapped keys are
// kept as-is. When a renamed key collides with a key the caller already
// supplied under the target name, the caller's value wins.
func ApplyMappings(args map[string]any, mappings map[string]string) map[string]any {
	out := make(map[string]any, len(args))
	renamed := make([]string, 0, len(mappings))
	for key, value := range args {
		if _, ok := mappings[key]; ok {
			renamed = append(renamed, key)
			continue
		}
		out[key] = value
	}
	sort.Strings(renamed)
	for _, key := range renamed {
		target := mappings[key]
		if _, taken := out[target]; taken {
			continue
		}
		out[target] = args[key]
	}
	return out
}
