package definition

import (
	"fmt"
	"regexp"

	"github.com/pitabwire/lifecycle/model"
)

// VError describes a single validation error in a definition.
type VError struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e VError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// Validation error codes.
const (
	CodeRequired            = "REQUIRED"
	CodeInvalidFormat       = "INVALID_FORMAT"
	CodeDuplicateID         = "DUPLICATE_ID"
	CodeDuplicateTransition = "DUPLICATE_TRANSITION"
	CodeDuplicateRole       = "DUPLICATE_ROLE"
	CodeUnknownState        = "UNKNOWN_STATE"
	CodeUnknownRole         = "UNKNOWN_ROLE"
	CodeSelfTransition      = "SELF_TRANSITION"
	CodeUnreachableState    = "UNREACHABLE_STATE"
)

// entityTypePattern keeps entity types usable as URL path segments and
// metric label values.
var entityTypePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// Validator validates definitions structurally and referentially.
type Validator struct{}

// NewValidator creates a new Validator.
func NewValidator() *Validator {
	return &Validator{}
}

// Validate checks all definitions, including that no entity type is declared
// twice.
func (v *Validator) Validate(defs []model.EntityDefinition) []VError {
	var errs []VError
	seen := make(map[string]string, len(defs))
	for i, def := range defs {
		prefix := fmt.Sprintf("definitions[%d]", i)
		if def.SourceFile != "" {
			prefix = def.SourceFile
		}
		errs = append(errs, v.validateEntity(prefix, def)...)

		if def.EntityType == "" {
			continue
		}
		if first, dup := seen[def.EntityType]; dup {
			errs = append(errs, VError{
				Path:    prefix + ".entity_type",
				Code:    CodeDuplicateID,
				Message: fmt.Sprintf("entity type %q is already declared in %s", def.EntityType, first),
			})
			continue
		}
		seen[def.EntityType] = prefix
	}
	return errs
}

func (v *Validator) validateEntity(prefix string, def model.EntityDefinition) []VError {
	var errs []VError

	if def.EntityType == "" {
		errs = append(errs, VError{Path: prefix + ".entity_type", Code: CodeRequired, Message: "entity_type is required"})
	} else if !entityTypePattern.MatchString(def.EntityType) {
		errs = append(errs, VError{
			Path:    prefix + ".entity_type",
			Code:    CodeInvalidFormat,
			Message: fmt.Sprintf("entity_type %q must be lower snake case", def.EntityType),
		})
	}
	if def.Version == "" {
		errs = append(errs, VError{Path: prefix + ".version", Code: CodeRequired, Message: "version is required"})
	}
	if def.InitialState == "" {
		errs = append(errs, VError{Path: prefix + ".initial_state", Code: CodeRequired, Message: "initial_state is required"})
	}
	if len(def.Roles) == 0 {
		errs = append(errs, VError{Path: prefix + ".roles", Code: CodeRequired, Message: "at least one role is required"})
	}
	if len(def.Transitions) == 0 {
		errs = append(errs, VError{Path: prefix + ".transitions", Code: CodeRequired, Message: "at least one transition is required"})
	}

	roles := make(map[string]bool, len(def.Roles))
	for i, r := range def.Roles {
		rp := fmt.Sprintf("%s.roles[%d]", prefix, i)
		if r == "" {
			errs = append(errs, VError{Path: rp, Code: CodeRequired, Message: "role must not be empty"})
			continue
		}
		if roles[r] {
			errs = append(errs, VError{Path: rp, Code: CodeDuplicateRole, Message: fmt.Sprintf("role %q declared twice", r)})
		}
		roles[r] = true
	}

	// States are optional; when declared they form a closed vocabulary.
	states := make(map[string]bool, len(def.States))
	for i, s := range def.States {
		sp := fmt.Sprintf("%s.states[%d]", prefix, i)
		if s.ID == "" {
			errs = append(errs, VError{Path: sp + ".id", Code: CodeRequired, Message: "state id is required"})
			continue
		}
		if states[s.ID] {
			errs = append(errs, VError{Path: sp + ".id", Code: CodeDuplicateID, Message: fmt.Sprintf("state %q declared twice", s.ID)})
		}
		states[s.ID] = true
	}
	declared := len(states) > 0
	if declared && def.InitialState != "" && !states[def.InitialState] {
		errs = append(errs, VError{
			Path:    prefix + ".initial_state",
			Code:    CodeUnknownState,
			Message: fmt.Sprintf("initial_state %q is not a declared state", def.InitialState),
		})
	}

	type edge struct{ from, to string }
	edges := make(map[edge]int, len(def.Transitions))
	for i, t := range def.Transitions {
		tp := fmt.Sprintf("%s.transitions[%d]", prefix, i)
		errs = append(errs, v.validateTransition(tp, t, roles, states, declared)...)

		if t.From == "" || t.To == "" {
			continue
		}
		e := edge{t.From, t.To}
		if first, dup := edges[e]; dup {
			errs = append(errs, VError{
				Path:    tp,
				Code:    CodeDuplicateTransition,
				Message: fmt.Sprintf("%s -> %s already declared at transitions[%d]", t.From, t.To, first),
			})
			continue
		}
		edges[e] = i
	}

	if declared && def.InitialState != "" {
		reachable := reachableFrom(def.InitialState, def.Transitions)
		for i, s := range def.States {
			if s.ID != "" && !reachable[s.ID] {
				errs = append(errs, VError{
					Path:    fmt.Sprintf("%s.states[%d]", prefix, i),
					Code:    CodeUnreachableState,
					Message: fmt.Sprintf("state %q cannot be reached from %q", s.ID, def.InitialState),
				})
			}
		}
	}

	return errs
}

func (v *Validator) validateTransition(prefix string, t model.TransitionDefinition, roles, states map[string]bool, statesDeclared bool) []VError {
	var errs []VError

	if t.From == "" {
		errs = append(errs, VError{Path: prefix + ".from", Code: CodeRequired, Message: "from is required"})
	} else if statesDeclared && !states[t.From] {
		errs = append(errs, VError{Path: prefix + ".from", Code: CodeUnknownState, Message: fmt.Sprintf("state %q is not declared", t.From)})
	}
	if t.To == "" {
		errs = append(errs, VError{Path: prefix + ".to", Code: CodeRequired, Message: "to is required"})
	} else if statesDeclared && !states[t.To] {
		errs = append(errs, VError{Path: prefix + ".to", Code: CodeUnknownState, Message: fmt.Sprintf("state %q is not declared", t.To)})
	}
	if t.From != "" && t.From == t.To {
		errs = append(errs, VError{Path: prefix, Code: CodeSelfTransition, Message: fmt.Sprintf("transition from %q to itself", t.From)})
	}

	if len(t.AllowedRoles) == 0 {
		errs = append(errs, VError{Path: prefix + ".allowed_roles", Code: CodeRequired, Message: "at least one allowed role is required"})
	}
	seen := make(map[string]bool, len(t.AllowedRoles))
	for _, r := range t.AllowedRoles {
		if seen[r] {
			errs = append(errs, VError{Path: prefix + ".allowed_roles", Code: CodeDuplicateRole, Message: fmt.Sprintf("role %q listed twice", r)})
		}
		seen[r] = true
		if len(roles) > 0 && !roles[r] {
			errs = append(errs, VError{Path: prefix + ".allowed_roles", Code: CodeUnknownRole, Message: fmt.Sprintf("role %q is not in the roles list", r)})
		}
	}

	return errs
}

// reachableFrom returns every state reachable from initial, initial included.
func reachableFrom(initial string, transitions []model.TransitionDefinition) map[string]bool {
	next := make(map[string][]string)
	for _, t := range transitions {
		next[t.From] = append(next[t.From], t.To)
	}
	reached := map[string]bool{initial: true}
	queue := []string{initial}
	for len(queue) > 0 {
		s := queue[0]
		queue = queue[1:]
		for _, n := range next[s] {
			if !reached[n] {
				reached[n] = true
				queue = append(queue, n)
			}
		}
	}
	return reached
}
