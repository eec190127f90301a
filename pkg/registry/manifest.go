package registry

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/loomworks/loom/pkg/core"
)

// Manifest is a declarative tool catalogue loaded at startup. Each
// entry names the executor binding it expects; the caller supplies the
// bindings when applying the manifest.
type Manifest struct {
	Tools []ManifestTool `yaml:"tools"`
}

// ManifestTool is one declared tool.
type ManifestTool struct {
	Name        string         `yaml:"name"`
	DisplayName string         `yaml:"display_name"`
	Description string         `yaml:"description"`
	Parameters  map[string]any `yaml:"parameters"`
	Executor    string         `yaml:"executor"`
}

// LoadManifest parses a YAML tool manifest from path.
func LoadManifest(path string) (*Manifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tool manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("parse tool manifest %s: %w", path, err)
	}
	return &m, nil
}

// Apply registers every manifest entry, resolving executor bindings by
// name. Unbound entries are an error; partial application is not
// rolled back.
func (r *Registry) Apply(m *Manifest, executors map[string]core.Executor) error {
	for _, tool := range m.Tools {
		binding := tool.Executor
		if binding == "" {
			binding = tool.Name
		}
		exec, ok := executors[binding]
		if !ok {
			return fmt.Errorf("tool %s: no executor bound for %q", tool.Name, binding)
		}
		def := core.ToolDefinition{
			Name:        tool.Name,
			DisplayName: tool.DisplayName,
			Description: tool.Description,
			Schema:      tool.Parameters,
			Executor:    exec,
		}
		if err := r.Register(def); err != nil {
			return err
		}
	}
	return nil
}
