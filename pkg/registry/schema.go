package registry

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

// SchemaFor derives a JSON parameter schema from a Go argument struct.
// Local tools declare their arguments as a struct and let reflection
// produce the schema the model and validator both consume.
func SchemaFor(v any) (map[string]any, error) {
	reflector := jsonschema.Reflector{
		DoNotReference:            true,
		ExpandedStruct:            true,
		AllowAdditionalProperties: false,
	}
	schema := reflector.Reflect(v)

	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("marshal reflected schema: %w", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode reflected schema: %w", err)
	}

	// Tool schemas are standalone documents; the draft pointer only
	// adds noise in model-facing tool definitions.
	delete(doc, "$schema")
	delete(doc, "$id")
	return doc, nil
}

// MustSchemaFor is SchemaFor for static declarations where reflection
// cannot fail at runtime.
func MustSchemaFor(v any) map[string]any {
	doc, err := SchemaFor(v)
	if err != nil {
		panic(err)
	}
	return doc
}
