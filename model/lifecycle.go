package model

import (
	"slices"
	"time"
)

// State identifies one lifecycle stage of a governed entity (e.g. "draft",
// "pending_approval"). States carry no ordering; legality is defined only by
// the transition rules of the entity type.
type State string

// Role is the acting user's role as understood by one entity type's rules.
type Role string

// Outcome of a transition attempt as recorded in the audit trail.
type Outcome string

// Audit outcomes.
const (
	OutcomeSuccess  Outcome = "success"
	OutcomeRejected Outcome = "rejected"
)

// TransitionRule declares one legal edge between two states.
type TransitionRule struct {
	From            State  `json:"from" yaml:"from"`
	To              State  `json:"to" yaml:"to"`
	AllowedRoles    []Role `json:"allowed_roles" yaml:"allowed_roles"`
	RequiresComment bool   `json:"requires_comment" yaml:"requires_comment"`
}

// Allows reports whether role is one of the rule's allowed roles.
func (r TransitionRule) Allows(role Role) bool {
	return slices.Contains(r.AllowedRoles, role)
}

// EntityRef identifies a governed entity inside its organization.
type EntityRef struct {
	EntityType     string `json:"entity_type"`
	EntityID       string `json:"entity_id"`
	OrganizationID string `json:"organization_id"`
}

// GovernedEntity is the only view of a record the engine has: its identity,
// tenant scope and status.
type GovernedEntity struct {
	EntityRef
	Status    State     `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Actor is the user attempting a transition. It is supplied by the caller and
// never persisted on its own.
type Actor struct {
	ID             string `json:"id"`
	Role           Role   `json:"role"`
	OrganizationID string `json:"organization_id"`
}

// AuditEntry is an immutable record of one transition attempt.
type AuditEntry struct {
	ID              string    `json:"id"`
	EntityType      string    `json:"entity_type"`
	EntityID        string    `json:"entity_id"`
	OrganizationID  string    `json:"organization_id"`
	FromState       State     `json:"from_state"`
	ToState         State     `json:"to_state"`
	ActorID         string    `json:"actor_id"`
	ActorRole       Role      `json:"actor_role"`
	Comment         string    `json:"comment,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
	Outcome         Outcome   `json:"outcome"`
	RejectionReason string    `json:"rejection_reason,omitempty"`
}

// Ref returns the entity reference the entry belongs to.
func (e AuditEntry) Ref() EntityRef {
	return EntityRef{EntityType: e.EntityType, EntityID: e.EntityID, OrganizationID: e.OrganizationID}
}

// TransitionRequest asks the service to move an entity from CurrentState to
// TargetState. CurrentState is the state the caller last observed.
type TransitionRequest struct {
	Entity       EntityRef `json:"entity"`
	CurrentState State     `json:"current_state"`
	TargetState  State     `json:"target_state"`
	Actor        Actor     `json:"actor"`
	Comment      string    `json:"comment,omitempty"`
}

// TransitionResult describes a committed transition.
type TransitionResult struct {
	Entity    EntityRef `json:"entity"`
	FromState State     `json:"from_state"`
	ToState   State     `json:"to_state"`
	AuditID   string    `json:"audit_id"`
	Timestamp time.Time `json:"timestamp"`
}
