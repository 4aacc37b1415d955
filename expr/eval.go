package expr

import (
	"context"
	"time"

	"github.com/syssam/guardrail"
	"github.com/syssam/guardrail/schema"
)

// RelationLoader loads the records related to rec through a relation field.
// Existential evaluation delegates to it; the data source backing it owns
// all concurrency and cancellation concerns.
type RelationLoader interface {
	LoadRelated(ctx context.Context, model, relation string, rec guardrail.Record) ([]guardrail.Record, error)
}

// Context is the immutable input of one expression evaluation: the current
// principal (nil for anonymous access), the record under evaluation with
// its model, the evaluation timestamp, and the loader used for relation
// traversal. The evaluator never mutates it.
type Context struct {
	Principal any
	Model     *schema.Model
	Record    guardrail.Record
	Now       time.Time
	Loader    RelationLoader
}

// rebind returns a copy of the context with the record rebound to a related
// candidate. Principal, timestamp and loader are carried over unchanged.
func (ec *Context) rebind(m *schema.Model, rec guardrail.Record) *Context {
	return &Context{
		Principal: ec.Principal,
		Model:     m,
		Record:    rec,
		Now:       ec.Now,
		Loader:    ec.Loader,
	}
}

// Eval evaluates a boolean policy expression against the context. It is
// pure: same expression, same context, same result. A missing or null
// field value makes any comparison on it false rather than failing; an
// EvaluationError is returned only for type-category violations that
// compile-time checking should have made unreachable.
func Eval(ctx context.Context, e Expr, ec *Context) (bool, error) {
	ev := evaluator{root: e, ec: ec}
	return ev.evalBool(ctx, e, ec)
}

type evaluator struct {
	root Expr
	ec   *Context
}

func (ev *evaluator) errorf(msg string) error {
	return guardrail.NewEvaluationError(ev.ec.Model.Name, ev.root.String(), msg)
}

func (ev *evaluator) evalBool(ctx context.Context, e Expr, ec *Context) (bool, error) {
	switch n := e.(type) {
	case *Not:
		v, err := ev.evalBool(ctx, n.X, ec)
		return !v, err
	case *Binary:
		if !n.Op.Comparison() {
			x, err := ev.evalBool(ctx, n.X, ec)
			if err != nil {
				return false, err
			}
			// Short-circuit left to right.
			if n.Op == OpAnd && !x {
				return false, nil
			}
			if n.Op == OpOr && x {
				return true, nil
			}
			return ev.evalBool(ctx, n.Y, ec)
		}
		x, err := ev.value(ctx, n.X, ec)
		if err != nil {
			return false, err
		}
		y, err := ev.value(ctx, n.Y, ec)
		if err != nil {
			return false, err
		}
		return ev.compare(n.Op, x, y)
	case *Exists:
		return ev.evalExists(ctx, n, ec)
	default:
		v, err := ev.value(ctx, e, ec)
		if err != nil {
			return false, err
		}
		if v == nil {
			return false, nil
		}
		b, ok := v.(bool)
		if !ok {
			return false, ev.errorf("expected bool operand")
		}
		return b, nil
	}
}

func (ev *evaluator) evalExists(ctx context.Context, n *Exists, ec *Context) (bool, error) {
	f, ok := ec.Model.Field(n.Relation)
	if !ok || !f.Relation() {
		return false, ev.errorf("unknown relation " + n.Relation)
	}
	if ec.Loader == nil {
		return false, ev.errorf("no relation loader for " + n.Relation)
	}
	candidates, err := ec.Loader.LoadRelated(ctx, ec.Model.Name, n.Relation, ec.Record)
	if err != nil {
		return false, err
	}
	target := f.TargetModel()
	for _, cand := range candidates {
		ok, err := ev.evalBool(ctx, n.Pred, ec.rebind(target, cand))
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// value evaluates a non-boolean operand to its runtime value.
func (ev *evaluator) value(ctx context.Context, e Expr, ec *Context) (any, error) {
	switch n := e.(type) {
	case *Literal:
		return n.Value, nil
	case *Principal:
		return ec.Principal, nil
	case *FieldRef:
		return ev.fieldValue(n.Name, ec)
	case *Not, *Binary, *Exists:
		return ev.evalBool(ctx, e, ec)
	}
	return nil, ev.errorf("unsupported expression node")
}

// fieldValue resolves a field reference against the context record. A
// single relation field resolves to the identity of the related record:
// the nested record's join value when it was eager-loaded, otherwise the
// local join field's value.
func (ev *evaluator) fieldValue(name string, ec *Context) (any, error) {
	f, ok := ec.Model.Field(name)
	if !ok {
		return nil, ev.errorf("unknown field " + name)
	}
	if !f.Relation() {
		return ec.Record[name], nil
	}
	if f.Many {
		return nil, ev.errorf("to-many relation " + name + " used as a value")
	}
	if nested, ok := ec.Record[name].(guardrail.Record); ok {
		return nested[f.ToField], nil
	}
	return ec.Record[f.FromField], nil
}

// compare applies a comparison operator. Equality against null tests
// nil-ness; any other comparison involving nil is false. Equality across
// mismatched runtime types is false (the principal's concrete type is
// unknowable at compile time); ordering across mismatched types is a
// defensive EvaluationError.
func (ev *evaluator) compare(op BinOp, x, y any) (bool, error) {
	if x == nil || y == nil {
		switch op {
		case OpEQ:
			return x == nil && y == nil, nil
		case OpNEQ:
			return (x == nil) != (y == nil), nil
		}
		return false, nil
	}
	if xf, ok := numeric(x); ok {
		if yf, ok := numeric(y); ok {
			return ordered(op, xf, yf), nil
		}
		return crossTypeResult(op, ev)
	}
	if xs, ok := x.(string); ok {
		if ys, ok := y.(string); ok {
			return ordered(op, xs, ys), nil
		}
		return crossTypeResult(op, ev)
	}
	if xt, ok := x.(time.Time); ok {
		if yt, ok := y.(time.Time); ok {
			switch op {
			case OpEQ:
				return xt.Equal(yt), nil
			case OpNEQ:
				return !xt.Equal(yt), nil
			case OpLT:
				return xt.Before(yt), nil
			case OpLTE:
				return !xt.After(yt), nil
			case OpGT:
				return xt.After(yt), nil
			case OpGTE:
				return !xt.Before(yt), nil
			}
		}
		return crossTypeResult(op, ev)
	}
	if xb, ok := x.(bool); ok {
		if yb, ok := y.(bool); ok {
			switch op {
			case OpEQ:
				return xb == yb, nil
			case OpNEQ:
				return xb != yb, nil
			}
			return false, ev.errorf("cannot order bool values")
		}
		return crossTypeResult(op, ev)
	}
	switch op {
	case OpEQ:
		return x == y, nil
	case OpNEQ:
		return x != y, nil
	}
	return false, ev.errorf("cannot order values of this type")
}

func crossTypeResult(op BinOp, ev *evaluator) (bool, error) {
	switch op {
	case OpEQ:
		return false, nil
	case OpNEQ:
		return true, nil
	}
	return false, ev.errorf("cannot order values of mismatched types")
}

func ordered[T float64 | string](op BinOp, x, y T) bool {
	switch op {
	case OpEQ:
		return x == y
	case OpNEQ:
		return x != y
	case OpLT:
		return x < y
	case OpLTE:
		return x <= y
	case OpGT:
		return x > y
	case OpGTE:
		return x >= y
	}
	return false
}

func numeric(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
