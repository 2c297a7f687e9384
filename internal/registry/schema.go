package registry

import (
	"bytes"
	"encoding/json"
	"sort"

	"github.com/cgrail/mcp-express-test/internal/domain"
)

// NormalizeSchema turns a provider input schema into ToolParameters. Raw
// JSON keeps the declared property order; decoded maps (which is what MCP
// discovery delivers) fall back to sorted order.
func NormalizeSchema(schema any) domain.ToolParameters {
	params := domain.ToolParameters{Type: "object", Properties: map[string]any{}, Required: []string{}}
	var raw []byte
	switch typed := schema.(type) {
	case nil:
		return params
	case json.RawMessage:
		raw = typed
	case []byte:
		raw = typed
	default:
		buf, err := json.Marshal(typed)
		if err != nil {
			return params
		}
		raw = buf
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil || doc == nil {
		return params
	}
	params.Schema = doc
	if t, ok := doc["type"].(string); ok && t != "" {
		params.Type = t
	}
	if props, ok := doc["properties"].(map[string]any); ok {
		params.Properties = props
	}
	if req, ok := doc["required"].([]any); ok {
		for _, item := range req {
			if s, ok := item.(string); ok {
				params.Required = append(params.Required, s)
			}
		}
	}
	params.Order = propertyOrder(raw)
	if len(params.Order) != len(params.Properties) {
		params.Order = sortedNames(params.Properties)
	}
	return params
}

// propertyOrder walks the top-level "properties" object of a JSON schema
// and returns its keys in document order.
func propertyOrder(raw []byte) []string {
	dec := json.NewDecoder(bytes.NewReader(raw))
	if tok, err := dec.Token(); err != nil || tok != json.Delim('{') {
		return nil
	}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil
		}
		key, _ := keyTok.(string)
		if key != "properties" {
			var skip json.RawMessage
			if err := dec.Decode(&skip); err != nil {
				return nil
			}
			continue
		}
		if tok, err := dec.Token(); err != nil || tok != json.Delim('{') {
			return nil
		}
		var names []string
		for dec.More() {
			nameTok, err := dec.Token()
			if err != nil {
				return nil
			}
			name, _ := nameTok.(string)
			names = append(names, name)
			var skip json.RawMessage
			if err := dec.Decode(&skip); err != nil {
				return nil
			}
		}
		return names
	}
	return nil
}

func sortedNames(in map[string]any) []string {
	out := make([]string, 0, len(in))
	for k := range in {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
