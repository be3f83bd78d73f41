package workflow

import (
	"strings"

	"github.com/pitabwire/lifecycle/model"
)

// Evaluate checks req against its rule. rule is nil when no rule exists for
// the requested edge. Checks run in a fixed order: existence, role, comment.
// Evaluate has no side effects.
func Evaluate(rule *model.TransitionRule, req model.TransitionRequest) (model.TransitionRule, error) {
	if rule == nil {
		return model.TransitionRule{}, model.NewUndefinedTransitionError(req.Entity.EntityType, req.CurrentState, req.TargetState)
	}
	if !Permits(*rule, req.Actor) {
		return model.TransitionRule{}, model.NewRoleNotPermittedError(req.Actor.Role, rule.From, rule.To)
	}
	if rule.RequiresComment && strings.TrimSpace(req.Comment) == "" {
		return model.TransitionRule{}, model.NewCommentRequiredError(rule.From, rule.To)
	}
	return *rule, nil
}

// Permits is the role half of Evaluate. The comment check is skipped because
// comments are only supplied when a transition is executed.
func Permits(rule model.TransitionRule, actor model.Actor) bool {
	return actor.Role != "" && rule.Allows(actor.Role)
}
