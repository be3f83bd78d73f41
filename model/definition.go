package model

// EntityDefinition is the root structure of a definition file. Each file
// declares one entity type's lifecycle: its initial state, its role
// vocabulary, and its transition table.
type EntityDefinition struct {
	EntityType   string                 `yaml:"entity_type"   json:"entity_type"`
	Version      string                 `yaml:"version"       json:"version"`
	Label        string                 `yaml:"label"         json:"label,omitempty"`
	InitialState string                 `yaml:"initial_state" json:"initial_state"`
	States       []StateDefinition      `yaml:"states"        json:"states,omitempty"`
	Roles        []string               `yaml:"roles"         json:"roles,omitempty"`
	Transitions  []TransitionDefinition `yaml:"transitions"   json:"transitions"`

	// Checksum is computed at load time and not part of the YAML.
	Checksum string `yaml:"-" json:"-"`
	// SourceFile records the originating file path.
	SourceFile string `yaml:"-" json:"-"`
}

// StateDefinition attaches display metadata to a state. Declaring states is
// optional; when present, every transition must reference a declared state.
type StateDefinition struct {
	ID    string `yaml:"id"    json:"id"`
	Label string `yaml:"label" json:"label,omitempty"`
	Style string `yaml:"style" json:"style,omitempty"`
}

// TransitionDefinition is the YAML form of a TransitionRule.
type TransitionDefinition struct {
	From            string   `yaml:"from"             json:"from"`
	To              string   `yaml:"to"               json:"to"`
	Label           string   `yaml:"label"            json:"label,omitempty"`
	AllowedRoles    []string `yaml:"allowed_roles"    json:"allowed_roles"`
	RequiresComment bool     `yaml:"requires_comment" json:"requires_comment"`
}

// Rule converts the definition into a TransitionRule.
func (t TransitionDefinition) Rule() TransitionRule {
	roles := make([]Role, len(t.AllowedRoles))
	for i, r := range t.AllowedRoles {
		roles[i] = Role(r)
	}
	return TransitionRule{
		From:            State(t.From),
		To:              State(t.To),
		AllowedRoles:    roles,
		RequiresComment: t.RequiresComment,
	}
}

// Rules converts every transition of the definition, preserving order.
func (d EntityDefinition) Rules() []TransitionRule {
	rules := make([]TransitionRule, len(d.Transitions))
	for i, t := range d.Transitions {
		rules[i] = t.Rule()
	}
	return rules
}
