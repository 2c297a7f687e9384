package registry

import (
	"bytes"
	"encoding/json"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// validatorCache compiles provider input schemas on first use. Provider
// schemas come in several drafts, so compilation is tolerant: a schema that
// does not compile simply yields no violations.
type validatorCache struct {
	mu      sync.Mutex
	schemas map[string]*jsonschema.Schema
}

func newValidatorCache() *validatorCache {
	return &validatorCache{schemas: map[string]*jsonschema.Schema{}}
}

func (c *validatorCache) forget(name string) {
	c.mu.Lock()
	delete(c.schemas, name)
	c.mu.Unlock()
}

func (c *validatorCache) get(name string, doc map[string]any) *jsonschema.Schema {
	c.mu.Lock()
	defer c.mu.Unlock()
	if sch, ok := c.schemas[name]; ok {
		return sch
	}
	sch := compileSchema(name, doc)
	c.schemas[name] = sch
	return sch
}

func compileSchema(name string, doc map[string]any) *jsonschema.Schema {
	if len(doc) == 0 {
		return nil
	}
	loaded, err := toJSONValue(doc)
	if err != nil {
		return nil
	}
	url := "mem://tools/" + name + ".json"
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(url, loaded); err != nil {
		return nil
	}
	sch, err := compiler.Compile(url)
	if err != nil {
		return nil
	}
	return sch
}

func toJSONValue(v any) (any, error) {
	buf, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(bytes.NewReader(buf))
}

// Violations validates args against the named tool's input schema and
// returns one line per violation.
func (r *Registry) Violations(name string, args map[string]any) []string {
	def, ok := r.LookupDefinition(name)
	if !ok {
		return nil
	}
	sch := r.validators.get(name, def.Parameters.Schema)
	if sch == nil {
		return nil
	}
	inst, err := toJSONValue(args)
	if err != nil {
		return nil
	}
	if err := sch.Validate(inst); err != nil {
		return violationLines(err.Error())
	}
	return nil
}

func violationLines(text string) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "jsonschema") {
			continue
		}
		out = append(out, strings.TrimPrefix(line, "- "))
	}
	return out
}
