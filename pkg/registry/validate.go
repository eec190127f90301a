package registry

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/loomworks/loom/pkg/errors"
)

// schemaCache compiles each tool's parameter schema once and reuses
// the compiled form for every subsequent validation.
type schemaCache struct {
	mu       sync.Mutex
	compiled map[string]*jsonschema.Schema
}

func newSchemaCache() *schemaCache {
	return &schemaCache{compiled: make(map[string]*jsonschema.Schema)}
}

func (c *schemaCache) validate(name string, schema map[string]any, args map[string]any) error {
	compiled, err := c.compile(name, schema)
	if err != nil {
		return err
	}

	// The validator expects decoded JSON values. Arguments coming off
	// the wire already are; normalize the rest through a round trip.
	doc, err := normalizeJSON(args)
	if err != nil {
		return errors.New(errors.CodeValidation, "tool arguments are not JSON-representable", err).
			WithContext("tool", name)
	}

	if err := compiled.Validate(doc); err != nil {
		return errors.New(errors.CodeValidation, "tool arguments failed schema validation", err).
			WithContext("tool", name)
	}
	return nil
}

func (c *schemaCache) compile(name string, schema map[string]any) (*jsonschema.Schema, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if compiled, ok := c.compiled[name]; ok {
		return compiled, nil
	}

	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, errors.New(errors.CodeValidation, "tool schema is not serializable", err).
			WithContext("tool", name)
	}

	compiled, err := jsonschema.CompileString(fmt.Sprintf("loom://tool/%s", name), string(raw))
	if err != nil {
		return nil, errors.New(errors.CodeValidation, "tool schema failed to compile", err).
			WithContext("tool", name)
	}
	c.compiled[name] = compiled
	return compiled, nil
}

func (c *schemaCache) invalidate(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.compiled, name)
}

func normalizeJSON(v map[string]any) (any, error) {
	if v == nil {
		return map[string]any{}, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}
