// Package transition evaluates status transitions against the
// status_transitions rule table. It never hardcodes the state chart — every
// legal edge lives in the database (internal/store/schema), this package
// only walks the loaded rule set.
package transition

import (
	"context"

	"github.com/swarmguard/aipm-orchestrator/internal/apperr"
	"github.com/swarmguard/aipm-orchestrator/internal/model"
)

// RuleSource loads the active rules for an entity type. internal/store.Store
// satisfies this.
type RuleSource interface {
	ListTransitionRules(ctx context.Context, entity model.EntityType) ([]model.StatusTransitionRule, error)
}

// Engine evaluates whether a transition is legal for a given role.
type Engine struct {
	rules RuleSource
}

func NewEngine(rules RuleSource) *Engine {
	return &Engine{rules: rules}
}

// Check returns nil if role may move an entity of kind from `from` (nil for
// the initial-state case) to `to`. Same-status transitions are always legal
// regardless of role or rule table contents, supporting idempotent
// re-application of a state the caller already believes is current.
func (e *Engine) Check(ctx context.Context, kind model.EntityType, from *string, to string, role model.Role) error {
	if from != nil && *from == to {
		return nil
	}

	rules, err := e.rules.ListTransitionRules(ctx, kind)
	if err != nil {
		return err
	}

	var allowedTo []string
	for _, r := range rules {
		if !sameFrom(r.FromStatus, from) || r.ToStatus != to {
			continue
		}
		if r.AllowedRole == model.RoleAny || r.AllowedRole == role {
			return nil
		}
		allowedTo = append(allowedTo, string(r.AllowedRole))
	}

	fromStr := "∅"
	if from != nil {
		fromStr = *from
	}
	return apperr.TransitionForbiddenError{
		EntityType: string(kind),
		From:       fromStr,
		To:         to,
		Role:       string(role),
		Allowed:    allowedTo,
	}
}

// LegalTargets returns every `to` status reachable from `from` for the given
// entity kind and role.
func (e *Engine) LegalTargets(ctx context.Context, kind model.EntityType, from *string, role model.Role) ([]string, error) {
	rules, err := e.rules.ListTransitionRules(ctx, kind)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, r := range rules {
		if !sameFrom(r.FromStatus, from) {
			continue
		}
		if r.AllowedRole == model.RoleAny || r.AllowedRole == role {
			out = append(out, r.ToStatus)
		}
	}
	return out, nil
}

func sameFrom(ruleFrom *string, actual *string) bool {
	if ruleFrom == nil && actual == nil {
		return true
	}
	if ruleFrom == nil || actual == nil {
		return false
	}
	return *ruleFrom == *actual
}
