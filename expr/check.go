package expr

import (
	"fmt"

	"github.com/syssam/guardrail"
	"github.com/syssam/guardrail/schema"
)

// category is the type category an expression produces. Checking operates
// on categories, not exact types: it exists to reject expressions that can
// never produce a boolean or that reference unknown schema members, leaving
// exact value semantics to the evaluator.
type category int

const (
	catBool category = iota
	catNumber
	catString
	catTime
	catIdentity // record identity: id fields and single relation references
	catNull     // the null literal
	catAny      // principal(): its concrete type is unknown until runtime
)

func (c category) String() string {
	switch c {
	case catBool:
		return "bool"
	case catNumber:
		return "number"
	case catString:
		return "string"
	case catTime:
		return "time"
	case catIdentity:
		return "identity"
	case catNull:
		return "null"
	case catAny:
		return "principal"
	}
	return fmt.Sprintf("category(%d)", int(c))
}

// Check verifies that the expression is well-formed against the model: all
// field references exist, relation existentials traverse relation fields,
// comparison operands are category-compatible, and the expression as a
// whole produces a boolean. Expressions that pass Check evaluate
// without EvaluationError on records conforming to the schema.
func Check(e Expr, m *schema.Model) error {
	c := checker{model: m, src: e.String()}
	cat, err := c.check(e, m)
	if err != nil {
		return err
	}
	if cat != catBool {
		return c.errorf("expression produces %s, not bool", cat)
	}
	return nil
}

type checker struct {
	model *schema.Model
	src   string
}

func (c *checker) errorf(format string, args ...any) error {
	return &guardrail.PolicyParseError{
		Model: c.model.Name,
		Expr:  c.src,
		Msg:   fmt.Sprintf(format, args...),
	}
}

func (c *checker) check(e Expr, m *schema.Model) (category, error) {
	switch n := e.(type) {
	case *Literal:
		switch n.Value.(type) {
		case nil:
			return catNull, nil
		case bool:
			return catBool, nil
		case int64, float64:
			return catNumber, nil
		case string:
			return catString, nil
		}
		return catAny, nil
	case *Principal:
		return catAny, nil
	case *FieldRef:
		f, ok := m.Field(n.Name)
		if !ok {
			return 0, c.errorf("unknown field %q on model %s", n.Name, m.Name)
		}
		if f.Relation() {
			if f.Many {
				return 0, c.errorf("relation %q is to-many; use %s?[...] to quantify over it", n.Name, n.Name)
			}
			return catIdentity, nil
		}
		return fieldCategory(f), nil
	case *Exists:
		f, ok := m.Field(n.Relation)
		if !ok {
			return 0, c.errorf("unknown relation %q on model %s", n.Relation, m.Name)
		}
		if !f.Relation() {
			return 0, c.errorf("field %q is not a relation", n.Relation)
		}
		target := f.TargetModel()
		if target == nil {
			return 0, c.errorf("relation %q targets unknown model %q", n.Relation, f.Target)
		}
		cat, err := c.check(n.Pred, target)
		if err != nil {
			return 0, err
		}
		if cat != catBool {
			return 0, c.errorf("existential predicate produces %s, not bool", cat)
		}
		return catBool, nil
	case *Not:
		cat, err := c.check(n.X, m)
		if err != nil {
			return 0, err
		}
		if cat != catBool {
			return 0, c.errorf("operand of ! produces %s, not bool", cat)
		}
		return catBool, nil
	case *Binary:
		x, err := c.check(n.X, m)
		if err != nil {
			return 0, err
		}
		y, err := c.check(n.Y, m)
		if err != nil {
			return 0, err
		}
		switch n.Op {
		case OpAnd, OpOr:
			if x != catBool || y != catBool {
				return 0, c.errorf("operands of %s must be bool, got %s and %s", n.Op, x, y)
			}
			return catBool, nil
		case OpEQ, OpNEQ:
			if !equatable(x, y) {
				return 0, c.errorf("cannot compare %s with %s", x, y)
			}
			return catBool, nil
		default:
			if !orderable(x, y) {
				return 0, c.errorf("cannot order %s against %s", x, y)
			}
			return catBool, nil
		}
	}
	return 0, c.errorf("unsupported expression node %T", e)
}

// equatable reports whether two categories may appear on the two sides of
// an equality comparison. Null and principal compare against anything;
// record identities additionally compare against the scalar categories an
// id value may take.
func equatable(x, y category) bool {
	if x == catNull || y == catNull || x == catAny || y == catAny {
		return true
	}
	if x == y {
		return true
	}
	scalarID := func(c category) bool { return c == catString || c == catNumber || c == catIdentity }
	return scalarID(x) && scalarID(y)
}

// orderable reports whether two categories may appear on the two sides of
// an ordering comparison. Only matching ordered categories qualify; null
// and principal never do.
func orderable(x, y category) bool {
	if x != y {
		return false
	}
	return x == catNumber || x == catString || x == catTime
}

func fieldCategory(f *schema.Field) category {
	switch f.Type {
	case schema.TypeBool:
		return catBool
	case schema.TypeInt, schema.TypeFloat:
		return catNumber
	case schema.TypeString:
		return catString
	case schema.TypeTime:
		return catTime
	case schema.TypeID:
		return catIdentity
	}
	return catAny
}
