// Package expr implements the boolean policy expression language: a parser
// producing a small pure AST, a compile-time checker binding the AST to a
// schema model, and a side-effect-free evaluator.
//
// The grammar is deliberately closed. An expression is built from literals
// (null, true, false, numbers, single-quoted strings), the principal()
// accessor, field references on the current record, relation traversal with
// an existential quantifier (rel?[subexpr]), the comparison operators
// ==  !=  <  <=  >  >=, and the boolean connectives &&, || and !.
package expr

import (
	"fmt"
	"strconv"
	"strings"
)

// Expr is a node of the policy expression AST. Nodes are immutable after
// parsing and safe to share across concurrent evaluations.
type Expr interface {
	// String renders the node back to expression source form.
	String() string

	node()
}

// Literal is a constant value: nil (the null literal), bool, int64, float64
// or string.
type Literal struct {
	Value any
}

func (*Literal) node() {}

// String returns the source form of the literal.
func (l *Literal) String() string {
	switch v := l.Value.(type) {
	case nil:
		return "null"
	case bool:
		return strconv.FormatBool(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64)
	case string:
		return "'" + strings.ReplaceAll(v, "'", `\'`) + "'"
	}
	return fmt.Sprintf("%v", l.Value)
}

// Principal is the reserved principal() accessor. It resolves to the
// evaluation context's principal identity, or null for anonymous access.
type Principal struct{}

func (*Principal) node() {}

// String returns "principal()".
func (*Principal) String() string { return "principal()" }

// FieldRef references a field of the current record. Referencing a single
// relation field resolves to the identity of the related record.
type FieldRef struct {
	Name string
}

func (*FieldRef) node() {}

// String returns the field name.
func (f *FieldRef) String() string { return f.Name }

// BinOp is a binary operator.
type BinOp string

// Binary operators.
const (
	OpEQ  BinOp = "=="
	OpNEQ BinOp = "!="
	OpLT  BinOp = "<"
	OpLTE BinOp = "<="
	OpGT  BinOp = ">"
	OpGTE BinOp = ">="
	OpAnd BinOp = "&&"
	OpOr  BinOp = "||"
)

// Comparison reports whether the operator compares values rather than
// combining booleans.
func (op BinOp) Comparison() bool {
	return op != OpAnd && op != OpOr
}

// Binary applies a binary operator to two sub-expressions.
type Binary struct {
	Op   BinOp
	X, Y Expr
}

func (*Binary) node() {}

// String returns the source form, parenthesizing nested binaries.
func (b *Binary) String() string {
	return operand(b.X) + " " + string(b.Op) + " " + operand(b.Y)
}

// Not negates a boolean sub-expression.
type Not struct {
	X Expr
}

func (*Not) node() {}

// String returns the source form.
func (n *Not) String() string { return "!" + operand(n.X) }

// Exists is the relation existential rel?[pred]: true iff at least one
// record related through Relation satisfies Pred, with the current record
// rebound to that candidate.
type Exists struct {
	Relation string
	Pred     Expr
}

func (*Exists) node() {}

// String returns the source form.
func (e *Exists) String() string {
	return e.Relation + "?[" + e.Pred.String() + "]"
}

func operand(e Expr) string {
	switch e.(type) {
	case *Binary:
		return "(" + e.String() + ")"
	}
	return e.String()
}
