// Package policy evaluates candidate actions against the configured rule set.
// The rule set is built once at startup and immutable afterwards; Evaluate is
// a pure function of (action, context), so any verdict can be re-derived from
// the audit trail.
package policy

import (
	"fmt"
	"time"

	"github.com/NTBlok/ai-financial-agent/api/schemas"
	"github.com/NTBlok/ai-financial-agent/internal/config"
)

// AllowedReason is the reason recorded on every allowing verdict.
const AllowedReason = "no policy violation"

// PriorAction is one item of the account's prior action history inside the
// lookback window.
type PriorAction struct {
	ActionID string
	At       time.Time
}

// EvalContext carries everything an evaluation may consult. It is assembled
// by the caller; the engine holds no hidden state.
type EvalContext struct {
	AccountID string
	Now       time.Time
	History   []PriorAction
}

// Engine holds the immutable, priority-ordered rule set.
type Engine struct {
	rules     []Rule
	operators map[string]bool
}

// NewEngine builds the rule set in the configured priority order.
func NewEngine(cfg config.PolicyConfig) (*Engine, error) {
	rules := make([]Rule, 0, len(cfg.RuleOrder))
	for _, id := range cfg.RuleOrder {
		rule, err := buildRule(id, cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to build policy rule set: %w", err)
		}
		rules = append(rules, rule)
	}

	operators := make(map[string]bool, len(cfg.OverrideOperators))
	for _, op := range cfg.OverrideOperators {
		operators[op] = true
	}
	return &Engine{rules: rules, operators: operators}, nil
}

// Evaluate runs the rules in priority order. The first denying rule
// short-circuits with its reason and its own override class; if no rule
// denies, the action is allowed.
func (e *Engine) Evaluate(action schemas.Action, ec EvalContext) schemas.PolicyVerdict {
	for _, rule := range e.rules {
		if reason := rule.Check(action, ec); reason != "" {
			return schemas.PolicyVerdict{
				ActionID:          action.ID,
				Allowed:           false,
				Reason:            reason,
				OverrideAvailable: rule.Overridable(),
				RuleID:            rule.ID(),
				EvaluatedAt:       ec.Now.UTC(),
			}
		}
	}
	return schemas.PolicyVerdict{
		ActionID:    action.ID,
		Allowed:     true,
		Reason:      AllowedReason,
		EvaluatedAt: ec.Now.UTC(),
	}
}

// CanOverride reports whether the actor is authorized to override an
// overridable denial. With no operators configured, overrides are disabled.
func (e *Engine) CanOverride(actor string) bool {
	return e.operators[actor]
}
