package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// ToolArguments holds tool-call arguments as the provider sent them: either
// a raw JSON string or an already decoded object. Resolve turns both into a
// map exactly once at the transcript boundary.
type ToolArguments struct {
	raw    string
	parsed map[string]any
	isRaw  bool
}

func RawArguments(raw string) ToolArguments {
	return ToolArguments{raw: raw, isRaw: true}
}

func ParsedArguments(args map[string]any) ToolArguments {
	return ToolArguments{parsed: args}
}

func (a ToolArguments) IsRaw() bool {
	return a.isRaw
}

func (a ToolArguments) Raw() string {
	return a.raw
}

// ArgumentParseError reports a raw argument string that is not a JSON object.
// It is informational: Resolve still returns a usable map.
type ArgumentParseError struct {
	Raw string
	Err error
}

func (e *ArgumentParseError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("tool arguments are not a json object: %v", e.Err)
}

func (e *ArgumentParseError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Resolve returns the arguments as a map. A raw string that does not decode
// to a JSON object is wrapped as {"value": raw} and reported through a
// non-nil *ArgumentParseError alongside the usable map.
func (a ToolArguments) Resolve() (map[string]any, error) {
	if !a.isRaw {
		return cloneArgs(a.parsed), nil
	}
	trimmed := strings.TrimSpace(a.raw)
	if trimmed == "" {
		return map[string]any{}, nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(trimmed), &out); err != nil {
		return map[string]any{"value": a.raw}, &ArgumentParseError{Raw: a.raw, Err: err}
	}
	if out == nil {
		return map[string]any{"value": a.raw}, &ArgumentParseError{Raw: a.raw, Err: fmt.Errorf("null arguments")}
	}
	return out, nil
}

// Signature is a canonical encoding of the resolved arguments. Two argument
// sets with the same keys and values have the same signature regardless of
// how they were delivered.
func (a ToolArguments) Signature() string {
	args, _ := a.Resolve()
	return CanonicalJSON(args)
}

func (a ToolArguments) MarshalJSON() ([]byte, error) {
	if a.isRaw {
		return json.Marshal(a.raw)
	}
	if a.parsed == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(a.parsed)
}

func (a *ToolArguments) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	switch {
	case len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")):
		*a = ParsedArguments(map[string]any{})
		return nil
	case trimmed[0] == '"':
		var raw string
		if err := json.Unmarshal(trimmed, &raw); err != nil {
			return err
		}
		*a = RawArguments(raw)
		return nil
	case trimmed[0] == '{':
		var parsed map[string]any
		if err := json.Unmarshal(trimmed, &parsed); err != nil {
			return err
		}
		*a = ParsedArguments(parsed)
		return nil
	default:
		*a = RawArguments(string(trimmed))
		return nil
	}
}

// CanonicalJSON encodes v with sorted object keys. encoding/json already
// sorts map keys, so this only guards against encode failures.
func CanonicalJSON(v any) string {
	buf, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(buf)
}

func cloneArgs(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func sortedKeys(in map[string]any) []string {
	keys := make([]string, 0, len(in))
	for k := range in {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
