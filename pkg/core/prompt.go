package core

import "github.com/google/uuid"

// ToolPolicyKind enumerates how a prompt may use tools.
type ToolPolicyKind string

const (
	// ToolPolicyNone withholds all tools from the model.
	ToolPolicyNone ToolPolicyKind = "none"
	// ToolPolicySelected offers only the named tools.
	ToolPolicySelected ToolPolicyKind = "selected"
	// ToolPolicyAll offers every registered tool.
	ToolPolicyAll ToolPolicyKind = "all_available"
)

// ToolPolicy is a prompt's tool-inclusion policy.
type ToolPolicy struct {
	Kind  ToolPolicyKind
	Names []string
}

// AllowAll returns the policy that offers every available tool.
func AllowAll() ToolPolicy { return ToolPolicy{Kind: ToolPolicyAll} }

// AllowNone returns the policy that withholds all tools.
func AllowNone() ToolPolicy { return ToolPolicy{Kind: ToolPolicyNone} }

// AllowSelected returns the policy that offers only the named tools.
func AllowSelected(names ...string) ToolPolicy {
	return ToolPolicy{Kind: ToolPolicySelected, Names: names}
}

// Permits reports whether the policy lets the named tool be offered.
func (p ToolPolicy) Permits(name string) bool {
	switch p.Kind {
	case ToolPolicySelected:
		for _, n := range p.Names {
			if n == name {
				return true
			}
		}
		return false
	case ToolPolicyNone:
		return false
	default:
		return true
	}
}

// Prompt is the immutable input of one turn. It is constructed by the
// turn manager when the turn starts and never mutated afterwards.
type Prompt struct {
	ID      string
	Text    string
	Context map[string]string
	Policy  ToolPolicy
}

// NewPrompt builds a prompt with a generated ID. The context map is
// copied so later mutation by the caller cannot leak into the turn.
func NewPrompt(text string, policy ToolPolicy, promptContext map[string]string) Prompt {
	var ctx map[string]string
	if len(promptContext) > 0 {
		ctx = make(map[string]string, len(promptContext))
		for k, v := range promptContext {
			ctx[k] = v
		}
	}
	return Prompt{
		ID:      uuid.NewString(),
		Text:    text,
		Context: ctx,
		Policy:  policy,
	}
}
