package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"promptpilot/internal/detect"
)

// Ruleset is the parsed rules file.
type Ruleset struct {
	Patterns []Rule `yaml:"patterns"`
}

// Rule is one pattern definition as written in the rules file.
type Rule struct {
	ID           string       `yaml:"id"`
	Title        string       `yaml:"title"`
	Kind         string       `yaml:"kind,omitempty"`
	Sequence     []string     `yaml:"sequence,omitempty"`
	Response     ResponseSpec `yaml:"response,omitempty"`
	Notification string       `yaml:"notification,omitempty"`
	Disabled     bool         `yaml:"disabled,omitempty"`
}

// ResponseSpec is the YAML form of a response: a string, a list of strings,
// or a mapping {env: NAME} read from the environment each time it matches.
type ResponseSpec struct {
	Literal *string
	List    []string
	Env     string
}

// UnmarshalYAML decodes the response union.
func (r *ResponseSpec) UnmarshalYAML(node *yaml.Node) error {
	*r = ResponseSpec{}
	switch node.Kind {
	case yaml.ScalarNode:
		if node.Tag == "!!null" {
			return nil
		}
		s := node.Value
		r.Literal = &s
		return nil
	case yaml.SequenceNode:
		var items []string
		if err := node.Decode(&items); err != nil {
			return fmt.Errorf("line %d: response list must contain strings: %w", node.Line, err)
		}
		r.List = items
		if r.List == nil {
			r.List = []string{}
		}
		return nil
	case yaml.MappingNode:
		var m struct {
			Env string `yaml:"env"`
		}
		if err := node.Decode(&m); err != nil {
			return fmt.Errorf("line %d: %w", node.Line, err)
		}
		if m.Env == "" {
			return fmt.Errorf("line %d: response mapping needs an 'env' key", node.Line)
		}
		r.Env = m.Env
		return nil
	default:
		return fmt.Errorf("line %d: response must be a string, a list or {env: NAME}", node.Line)
	}
}

// MarshalYAML encodes the response back to its YAML form.
func (r ResponseSpec) MarshalYAML() (any, error) {
	switch {
	case r.Literal != nil:
		return *r.Literal, nil
	case r.List != nil:
		return r.List, nil
	case r.Env != "":
		return map[string]string{"env": r.Env}, nil
	default:
		return nil, nil
	}
}

// IsZero lets omitempty drop unset responses.
func (r ResponseSpec) IsZero() bool {
	return r.Literal == nil && r.List == nil && r.Env == ""
}

// Response converts the YAML form to a detect.Response.
func (r ResponseSpec) Response() detect.Response {
	switch {
	case r.Literal != nil:
		return detect.Literal(*r.Literal)
	case r.List != nil:
		return detect.List(r.List...)
	case r.Env != "":
		name := r.Env
		return detect.Computed(func() detect.Response {
			return detect.Literal(os.Getenv(name))
		})
	default:
		return detect.Response{}
	}
}

// LoadRuleset reads and validates a rules file.
func LoadRuleset(path string) (*Ruleset, error) {
	data, err := os.ReadFile(ExpandPath(path))
	if err != nil {
		return nil, fmt.Errorf("failed to read ruleset: %w", err)
	}
	rs, err := ParseRuleset(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return rs, nil
}

// ParseRuleset decodes and validates ruleset YAML.
func ParseRuleset(data []byte) (*Ruleset, error) {
	var rs Ruleset
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return nil, fmt.Errorf("invalid ruleset: %w", err)
	}
	if err := rs.Validate(); err != nil {
		return nil, err
	}
	return &rs, nil
}

// Validate checks ids, titles, kinds and sequences of every rule.
func (rs *Ruleset) Validate() error {
	seen := make(map[string]int, len(rs.Patterns))
	for i, rule := range rs.Patterns {
		field := fmt.Sprintf("patterns[%d]", i)
		id := strings.TrimSpace(rule.ID)
		if id == "" {
			return &ValidationError{Field: field + ".id", Message: "is required"}
		}
		if prev, dup := seen[id]; dup {
			return &ValidationError{Field: field + ".id", Message: fmt.Sprintf("duplicates patterns[%d] (%q)", prev, id)}
		}
		seen[id] = i

		if strings.TrimSpace(rule.Title) == "" {
			return &ValidationError{Field: field + ".title", Message: "is required"}
		}
		if _, err := detect.ParseKind(rule.Kind); err != nil {
			return &ValidationError{Field: field + ".kind", Message: "must be 'prompt', 'confirmation' or 'completion'"}
		}

		p, _ := rule.Pattern()
		if err := p.Validate(); err != nil {
			return &ValidationError{Field: field + ".sequence", Message: err.Error()}
		}
	}
	return nil
}

// Pattern converts a rule to a detect.Pattern.
func (r Rule) Pattern() (detect.Pattern, error) {
	kind, err := detect.ParseKind(r.Kind)
	if err != nil {
		return detect.Pattern{}, err
	}
	return detect.Pattern{
		ID:           strings.TrimSpace(r.ID),
		Title:        r.Title,
		Sequence:     r.Sequence,
		Response:     r.Response.Response(),
		Kind:         kind,
		Notification: r.Notification,
	}, nil
}

// ToPatterns returns the enabled rules as patterns, in file order.
func (rs *Ruleset) ToPatterns() ([]detect.Pattern, error) {
	out := make([]detect.Pattern, 0, len(rs.Patterns))
	for _, rule := range rs.Patterns {
		if rule.Disabled {
			continue
		}
		p, err := rule.Pattern()
		if err != nil {
			return nil, fmt.Errorf("pattern %q: %w", rule.ID, err)
		}
		out = append(out, p)
	}
	return out, nil
}

// SampleRuleset is written by `promptpilot init`.
const SampleRuleset = `# promptpilot rules
#
# Each pattern lists the lines that must appear, in order, in the program's
# recent output. Lines match as substrings. {{name}} captures text within a
# line, {{name | multiline}} captures every line between its neighbours.
#
# response: a string, a list typed entry by entry, or {env: VAR}.
# Keys such as <enter>, <esc>, <tab>, <up>, <down> and <ctrl-c> are translated.
patterns:
  - id: trust-folder
    title: Trust this folder
    kind: prompt
    sequence:
      - "Do you trust the files in this folder?"
    response: "1"
    notification: "Trusted folder"

  - id: apply-edit
    title: Apply file edit
    kind: confirmation
    sequence:
      - "Do you want to make this edit to {{file}}?"
      - "❯ 1. Yes"
    response: ["<enter>"]
    notification: "Approved edit to {{file}}"

  - id: task-complete
    title: Task complete
    kind: completion
    sequence:
      - "Task completed"
    notification: "Task finished"
    disabled: true
`
