// Package policy compiles schema attributes into executable access rules
// and field behaviors, and answers the two questions enforcement asks at
// request time: may this principal perform this operation on this record,
// and which rows may this principal read at all.
//
// Decisions follow a strict precedence: any matching deny rule that
// evaluates true denies, then any matching allow rule that evaluates true
// allows, and in the absence of both the operation is denied. A model with
// no rules at all is therefore completely inaccessible.
package policy

import (
	"context"
	"time"

	"github.com/syssam/guardrail"
	"github.com/syssam/guardrail/expr"
	"github.com/syssam/guardrail/schema"
)

// Effect is the consequence of a rule whose condition evaluates true.
type Effect int

// Rule effects.
const (
	EffectAllow Effect = iota
	EffectDeny
)

// String returns "allow" or "deny".
func (e Effect) String() string {
	if e == EffectDeny {
		return "deny"
	}
	return "allow"
}

// Rule is one compiled @@allow or @@deny attribute: an operation selector,
// an effect, and a checked condition expression. Src preserves the condition
// source text for diagnostics.
type Rule struct {
	Op     guardrail.Op
	Effect Effect
	Cond   expr.Expr
	Src    string
}

// Env is the ambient request state a decision is made under.
type Env struct {
	// Principal is the identity performing the operation, nil for
	// anonymous access.
	Principal any

	// Now is the decision timestamp.
	Now time.Time

	// Loader resolves relation traversals in rule conditions. It may be
	// nil when no condition contains an existential.
	Loader expr.RelationLoader
}

// RuleSet holds the rules of a single model in declaration order.
type RuleSet struct {
	model *schema.Model
	rules []Rule
}

// Rules returns the compiled rules in declaration order.
func (rs *RuleSet) Rules() []Rule { return rs.rules }

// Decide reports whether op may be performed on rec. Deny rules are
// consulted before allow rules regardless of declaration order; with no
// rule voting, the default is denial. A nil error means allowed. Denials
// are returned as *guardrail.PolicyViolationError carrying the deciding
// rule's source text, or none for default-deny.
func (rs *RuleSet) Decide(ctx context.Context, op guardrail.Op, rec guardrail.Record, env Env) error {
	ec := &expr.Context{
		Principal: env.Principal,
		Model:     rs.model,
		Record:    rec,
		Now:       env.Now,
		Loader:    env.Loader,
	}
	for _, r := range rs.rules {
		if r.Effect != EffectDeny || !r.Op.Is(op) {
			continue
		}
		ok, err := expr.Eval(ctx, r.Cond, ec)
		if err != nil {
			return err
		}
		if ok {
			return guardrail.NewPolicyViolationError(rs.model.Name, op, r.Src)
		}
	}
	for _, r := range rs.rules {
		if r.Effect != EffectAllow || !r.Op.Is(op) {
			continue
		}
		ok, err := expr.Eval(ctx, r.Cond, ec)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
	return guardrail.NewPolicyViolationError(rs.model.Name, op, "")
}

// ReadFilter compiles the model's read rules into a row filter for the
// given request state: the disjunction of the allow conditions conjoined
// with the negated disjunction of the deny conditions. A model with no
// allow rule covering reads filters to match-none, so default-deny holds
// for row selection exactly as it does for Decide.
func (rs *RuleSet) ReadFilter(env Env) (*guardrail.Filter, error) {
	var allows, denies []*guardrail.Filter
	for _, r := range rs.rules {
		if !r.Op.Is(guardrail.OpRead) {
			continue
		}
		f, err := expr.ToFilter(r.Cond, rs.model, env.Principal, env.Now)
		if err != nil {
			return nil, err
		}
		if r.Effect == EffectDeny {
			denies = append(denies, f)
		} else {
			allows = append(allows, f)
		}
	}
	if len(allows) == 0 {
		return guardrail.MatchNone(), nil
	}
	allowed := guardrail.Or(allows...)
	if len(denies) == 0 {
		return allowed, nil
	}
	return guardrail.And(allowed, guardrail.Not(guardrail.Or(denies...))), nil
}
