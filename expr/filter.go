package expr

import (
	"time"

	"github.com/syssam/guardrail"
	"github.com/syssam/guardrail/schema"
)

// ToFilter translates a checked policy expression into a record filter by
// partially evaluating it against the ambient request state: principal()
// folds to the given principal value and constant sub-expressions collapse
// to match-all or match-none. The result selects exactly the rows the
// expression would evaluate to true on, so data sources can push it down
// instead of loading candidates for per-record evaluation.
func ToFilter(e Expr, m *schema.Model, principal any, now time.Time) (*guardrail.Filter, error) {
	t := translator{model: m, principal: principal, now: now, src: e.String()}
	return t.translate(e, m)
}

type translator struct {
	model     *schema.Model
	principal any
	now       time.Time
	src       string
}

func (t *translator) errorf(msg string) error {
	return guardrail.NewEvaluationError(t.model.Name, t.src, msg)
}

func (t *translator) translate(e Expr, m *schema.Model) (*guardrail.Filter, error) {
	switch n := e.(type) {
	case *Literal:
		b, ok := n.Value.(bool)
		if !ok {
			return nil, t.errorf("non-boolean literal in filter position")
		}
		if b {
			return guardrail.MatchAll(), nil
		}
		return guardrail.MatchNone(), nil
	case *FieldRef:
		// A bare boolean field reference.
		return guardrail.Cond(n.Name, guardrail.CmpEQ, true), nil
	case *Not:
		sub, err := t.translate(n.X, m)
		if err != nil {
			return nil, err
		}
		return guardrail.Not(sub), nil
	case *Binary:
		switch n.Op {
		case OpAnd:
			x, err := t.translate(n.X, m)
			if err != nil {
				return nil, err
			}
			y, err := t.translate(n.Y, m)
			if err != nil {
				return nil, err
			}
			return guardrail.And(x, y), nil
		case OpOr:
			x, err := t.translate(n.X, m)
			if err != nil {
				return nil, err
			}
			y, err := t.translate(n.Y, m)
			if err != nil {
				return nil, err
			}
			return guardrail.Or(x, y), nil
		}
		return t.comparison(n, m)
	case *Exists:
		f, ok := m.Field(n.Relation)
		if !ok || !f.Relation() {
			return nil, t.errorf("not a relation: " + n.Relation)
		}
		sub, err := t.translate(n.Pred, f.TargetModel())
		if err != nil {
			return nil, err
		}
		return guardrail.Some(n.Relation, sub), nil
	}
	return nil, t.errorf("unsupported expression node in filter position")
}

// comparison translates a single comparison. Operands partially evaluate
// to either a constant or a field name; a constant on the left is
// normalized to the right by flipping the operator.
func (t *translator) comparison(n *Binary, m *schema.Model) (*guardrail.Filter, error) {
	xf, xv, xConst, err := t.operand(n.X, m)
	if err != nil {
		return nil, err
	}
	yf, yv, yConst, err := t.operand(n.Y, m)
	if err != nil {
		return nil, err
	}
	cmp, ok := cmpOf(n.Op)
	if !ok {
		return nil, t.errorf("not a comparison operator: " + string(n.Op))
	}
	switch {
	case xConst && yConst:
		ev := evaluator{root: n, ec: &Context{Model: m}}
		res, err := ev.compare(n.Op, xv, yv)
		if err != nil {
			return nil, err
		}
		if res {
			return guardrail.MatchAll(), nil
		}
		return guardrail.MatchNone(), nil
	case !xConst && yConst:
		return guardrail.Cond(xf, cmp, yv), nil
	case xConst && !yConst:
		return guardrail.Cond(yf, flip(cmp), xv), nil
	default:
		return guardrail.CondField(xf, cmp, yf), nil
	}
}

// operand resolves one comparison side. It returns either a constant value
// or a field name; single relation references resolve to the local join
// field so the condition stays on the current row's columns.
func (t *translator) operand(e Expr, m *schema.Model) (field string, value any, constant bool, err error) {
	switch n := e.(type) {
	case *Literal:
		return "", n.Value, true, nil
	case *Principal:
		return "", t.principal, true, nil
	case *FieldRef:
		f, ok := m.Field(n.Name)
		if !ok {
			return "", nil, false, t.errorf("unknown field " + n.Name)
		}
		if !f.Relation() {
			return n.Name, nil, false, nil
		}
		if f.Many {
			return "", nil, false, t.errorf("to-many relation " + n.Name + " used as a value")
		}
		return f.FromField, nil, false, nil
	}
	return "", nil, false, t.errorf("unsupported comparison operand")
}

func cmpOf(op BinOp) (guardrail.Cmp, bool) {
	switch op {
	case OpEQ:
		return guardrail.CmpEQ, true
	case OpNEQ:
		return guardrail.CmpNEQ, true
	case OpLT:
		return guardrail.CmpLT, true
	case OpLTE:
		return guardrail.CmpLTE, true
	case OpGT:
		return guardrail.CmpGT, true
	case OpGTE:
		return guardrail.CmpGTE, true
	}
	return "", false
}

// flip mirrors a comparison across its operands (a < b iff b > a).
func flip(c guardrail.Cmp) guardrail.Cmp {
	switch c {
	case guardrail.CmpLT:
		return guardrail.CmpGT
	case guardrail.CmpLTE:
		return guardrail.CmpGTE
	case guardrail.CmpGT:
		return guardrail.CmpLT
	case guardrail.CmpGTE:
		return guardrail.CmpLTE
	}
	return c
}
