package workflow

import (
	"fmt"
	"slices"
	"strings"

	"github.com/pitabwire/lifecycle/model"
)

type edge struct {
	from model.State
	to   model.State
}

// Registry is the immutable transition table of one entity type. It has no
// mutators; any number of goroutines may read it without synchronization.
type Registry struct {
	entityType string
	initial    model.State
	rules      []model.TransitionRule
	byEdge     map[edge]int
	byFrom     map[model.State][]int
	states     []model.State
}

// NewRegistry validates rules and builds a registry. It rejects duplicate
// (from, to) pairs, empty state names and rules that name no allowed role.
// The rules are deep-copied, so later changes to the argument have no effect.
func NewRegistry(entityType string, initial model.State, rules []model.TransitionRule) (*Registry, error) {
	if strings.TrimSpace(entityType) == "" {
		return nil, fmt.Errorf("registry: entity type is required")
	}
	if initial == "" {
		return nil, fmt.Errorf("registry %s: initial state is required", entityType)
	}

	r := &Registry{
		entityType: entityType,
		initial:    initial,
		rules:      make([]model.TransitionRule, 0, len(rules)),
		byEdge:     make(map[edge]int, len(rules)),
		byFrom:     make(map[model.State][]int),
	}

	seen := map[model.State]bool{initial: true}
	r.states = append(r.states, initial)
	addState := func(s model.State) {
		if !seen[s] {
			seen[s] = true
			r.states = append(r.states, s)
		}
	}

	for i, rule := range rules {
		if rule.From == "" || rule.To == "" {
			return nil, fmt.Errorf("registry %s: rule %d has an empty state", entityType, i)
		}
		if len(rule.AllowedRoles) == 0 {
			return nil, fmt.Errorf("registry %s: rule %s -> %s allows no role", entityType, rule.From, rule.To)
		}
		e := edge{from: rule.From, to: rule.To}
		if _, dup := r.byEdge[e]; dup {
			return nil, fmt.Errorf("registry %s: duplicate rule %s -> %s", entityType, rule.From, rule.To)
		}

		rule.AllowedRoles = slices.Clone(rule.AllowedRoles)
		idx := len(r.rules)
		r.rules = append(r.rules, rule)
		r.byEdge[e] = idx
		r.byFrom[rule.From] = append(r.byFrom[rule.From], idx)
		addState(rule.From)
		addState(rule.To)
	}

	return r, nil
}

// MustRegistry is NewRegistry for tables known to be valid at compile time.
func MustRegistry(entityType string, initial model.State, rules []model.TransitionRule) *Registry {
	r, err := NewRegistry(entityType, initial, rules)
	if err != nil {
		panic(err)
	}
	return r
}

// EntityType returns the entity type this registry governs.
func (r *Registry) EntityType() string { return r.entityType }

// InitialState returns the state new entities are created in.
func (r *Registry) InitialState() model.State { return r.initial }

// RulesFor returns the rules leaving from, in declaration order. The result
// is a copy.
func (r *Registry) RulesFor(from model.State) []model.TransitionRule {
	idxs := r.byFrom[from]
	out := make([]model.TransitionRule, 0, len(idxs))
	for _, i := range idxs {
		out = append(out, cloneRule(r.rules[i]))
	}
	return out
}

// RuleFor returns the rule for the edge (from, to), if one is declared.
func (r *Registry) RuleFor(from, to model.State) (model.TransitionRule, bool) {
	i, ok := r.byEdge[edge{from: from, to: to}]
	if !ok {
		return model.TransitionRule{}, false
	}
	return cloneRule(r.rules[i]), true
}

// Rules returns the whole table in declaration order.
func (r *Registry) Rules() []model.TransitionRule {
	out := make([]model.TransitionRule, len(r.rules))
	for i, rule := range r.rules {
		out[i] = cloneRule(rule)
	}
	return out
}

// States returns every state mentioned by the table, initial state first.
func (r *Registry) States() []model.State {
	return slices.Clone(r.states)
}

// IsTerminal reports whether s has no outgoing rule.
func (r *Registry) IsTerminal(s model.State) bool {
	return len(r.byFrom[s]) == 0
}

// Evaluate looks up the rule for (from, to) and runs the guard against it.
func (r *Registry) Evaluate(from, to model.State, actor model.Actor, comment string) (model.TransitionRule, error) {
	req := model.TransitionRequest{
		Entity:       model.EntityRef{EntityType: r.entityType},
		CurrentState: from,
		TargetState:  to,
		Actor:        actor,
		Comment:      comment,
	}
	rule, ok := r.RuleFor(from, to)
	if !ok {
		return Evaluate(nil, req)
	}
	return Evaluate(&rule, req)
}

func cloneRule(rule model.TransitionRule) model.TransitionRule {
	rule.AllowedRoles = slices.Clone(rule.AllowedRoles)
	return rule
}

// Voucher roles.
const (
	RolePreparer           model.Role = "preparer"
	RoleSpendingAuthority  model.Role = "spending_authority"
	RoleRealizationOfficer model.Role = "realization_officer"
	RoleAccountant         model.Role = "accountant"
	RoleAdmin              model.Role = "admin"
	RoleSuperAdmin         model.Role = "super_admin"
)

// Voucher states.
const (
	StateDraft           model.State = "draft"
	StatePendingApproval model.State = "pending_approval"
	StateApproved        model.State = "approved"
	StatePosted          model.State = "posted"
	StateCorrection      model.State = "correction"
	StateCancelled       model.State = "cancelled"
)

// VoucherRules returns the voucher transition table. cancelled and correction
// have no outgoing rule and are therefore terminal.
func VoucherRules() []model.TransitionRule {
	return []model.TransitionRule{
		{From: StateDraft, To: StatePendingApproval, AllowedRoles: []model.Role{RolePreparer, RoleAdmin, RoleSuperAdmin}},
		{From: StatePendingApproval, To: StateApproved, AllowedRoles: []model.Role{RoleSpendingAuthority, RoleAdmin, RoleSuperAdmin}},
		{From: StatePendingApproval, To: StateDraft, AllowedRoles: []model.Role{RolePreparer, RoleSpendingAuthority, RoleAdmin, RoleSuperAdmin}, RequiresComment: true},
		{From: StateApproved, To: StatePosted, AllowedRoles: []model.Role{RoleRealizationOfficer, RoleAccountant, RoleAdmin, RoleSuperAdmin}},
		{From: StatePosted, To: StateCorrection, AllowedRoles: []model.Role{RoleAccountant, RoleAdmin, RoleSuperAdmin}, RequiresComment: true},
		{From: StateDraft, To: StateCancelled, AllowedRoles: []model.Role{RolePreparer, RoleAdmin, RoleSuperAdmin}, RequiresComment: true},
		{From: StatePendingApproval, To: StateCancelled, AllowedRoles: []model.Role{RoleSpendingAuthority, RoleAdmin, RoleSuperAdmin}, RequiresComment: true},
	}
}

// VoucherRegistry returns the registry for the "voucher" entity type.
func VoucherRegistry() *Registry {
	return MustRegistry("voucher", StateDraft, VoucherRules())
}

// Catalog resolves the registry that governs an entity type.
type Catalog interface {
	Registry(entityType string) (*Registry, bool)
}

// StaticCatalog is a fixed Catalog keyed by entity type.
type StaticCatalog map[string]*Registry

// NewStaticCatalog indexes registries by their entity type. A later registry
// for the same entity type replaces an earlier one.
func NewStaticCatalog(regs ...*Registry) StaticCatalog {
	c := make(StaticCatalog, len(regs))
	for _, r := range regs {
		c[r.EntityType()] = r
	}
	return c
}

// Registry implements Catalog.
func (c StaticCatalog) Registry(entityType string) (*Registry, bool) {
	r, ok := c[entityType]
	return r, ok
}
