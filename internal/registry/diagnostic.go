package registry

import (
	"fmt"
	"sort"
	"strings"
)

// Diagnose builds the tool message fed back to the model after a failed
// call: the error text, the tool's declared parameters, any suggested key
// remappings and schema violations for the arguments actually sent.
func (r *Registry) Diagnose(name, errText string, args map[string]any, mappings map[string]string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Error using tool %s:\n%s\n\n", name, errText)

	def, ok := r.LookupDefinition(name)
	if !ok {
		return b.String()
	}
	b.WriteString("Expected parameters:\n")
	fmt.Fprintf(&b, "Required: %s\n", strings.Join(def.Parameters.Required, ", "))
	fmt.Fprintf(&b, "Available: %s\n\n", strings.Join(def.Parameters.Names(), ", "))

	if len(mappings) > 0 {
		keys := make([]string, 0, len(mappings))
		for k := range mappings {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("Suggested parameter mappings:\n")
		for _, k := range keys {
			fmt.Fprintf(&b, "- %s -> %s\n", k, mappings[k])
		}
	}
	if violations := r.Violations(name, args); len(violations) > 0 {
		b.WriteString("Schema violations:\n")
		for _, v := range violations {
			fmt.Fprintf(&b, "- %s\n", v)
		}
	}
	return b.String()
}
