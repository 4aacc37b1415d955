package sqldata

import (
	"fmt"
	"strings"

	"github.com/syssam/guardrail"
	"github.com/syssam/guardrail/schema"
)

// builder compiles a guardrail.Filter into a WHERE clause, collecting
// arguments in execution order. Postgres placeholders are numbered; every
// other dialect uses '?'.
type builder struct {
	dialect string
	args    []any
	n       int
	depth   int
}

func newBuilder(dialect string) *builder {
	return &builder{dialect: dialect}
}

func (b *builder) placeholder() string {
	if b.dialect == Postgres {
		b.n++
		return fmt.Sprintf("$%d", b.n)
	}
	return "?"
}

// where returns the WHERE expression for the filter, or the empty string
// for a filter matching all rows.
func (b *builder) where(m *schema.Model, f *guardrail.Filter, alias string) (string, error) {
	if f == nil || f.Kind == guardrail.KindAll {
		return "", nil
	}
	return b.expr(m, f, alias)
}

func (b *builder) expr(m *schema.Model, f *guardrail.Filter, alias string) (string, error) {
	if f == nil {
		return "1 = 1", nil
	}
	switch f.Kind {
	case guardrail.KindAll:
		return "1 = 1", nil
	case guardrail.KindNone:
		return "1 = 0", nil
	case guardrail.KindAnd, guardrail.KindOr:
		sep := " AND "
		if f.Kind == guardrail.KindOr {
			sep = " OR "
		}
		parts := make([]string, len(f.Sub))
		for i, sub := range f.Sub {
			p, err := b.expr(m, sub, alias)
			if err != nil {
				return "", err
			}
			parts[i] = p
		}
		return "(" + strings.Join(parts, sep) + ")", nil
	case guardrail.KindNot:
		p, err := b.expr(m, f.Sub[0], alias)
		if err != nil {
			return "", err
		}
		return "NOT (" + p + ")", nil
	case guardrail.KindCond:
		return b.cond(m, f, alias)
	case guardrail.KindSome:
		return b.exists(m, f, alias)
	}
	return "", fmt.Errorf("sqldata: unknown filter kind %d", f.Kind)
}

func (b *builder) cond(m *schema.Model, f *guardrail.Filter, alias string) (string, error) {
	fld, ok := m.Field(f.Field)
	if !ok || fld.Relation() {
		return "", fmt.Errorf("sqldata: model %s has no scalar field %q", m.Name, f.Field)
	}
	col := alias + "." + ColumnName(f.Field)
	if f.ValueField != "" {
		other, ok := m.Field(f.ValueField)
		if !ok || other.Relation() {
			return "", fmt.Errorf("sqldata: model %s has no scalar field %q", m.Name, f.ValueField)
		}
		sym, err := cmpSymbol(f.Cmp)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s %s %s.%s", col, sym, alias, ColumnName(f.ValueField)), nil
	}
	if f.Value == nil {
		switch f.Cmp {
		case guardrail.CmpEQ:
			return col + " IS NULL", nil
		case guardrail.CmpNEQ:
			return col + " IS NOT NULL", nil
		}
		// Ordering against null matches nothing.
		return "1 = 0", nil
	}
	sym, err := cmpSymbol(f.Cmp)
	if err != nil {
		return "", err
	}
	ph := b.placeholder()
	b.args = append(b.args, f.Value)
	if f.Cmp == guardrail.CmpNEQ {
		// SQL three-valued logic would drop null rows from a plain <>.
		return fmt.Sprintf("(%s %s %s OR %s IS NULL)", col, sym, ph, col), nil
	}
	return fmt.Sprintf("%s %s %s", col, sym, ph), nil
}

func (b *builder) exists(m *schema.Model, f *guardrail.Filter, alias string) (string, error) {
	fld, ok := m.Field(f.Relation)
	if !ok || !fld.Relation() {
		return "", fmt.Errorf("sqldata: model %s has no relation %q", m.Name, f.Relation)
	}
	target := fld.TargetModel()
	b.depth++
	sub := fmt.Sprintf("t%d", b.depth)
	join := fmt.Sprintf("%s.%s = %s.%s", sub, ColumnName(fld.ToField), alias, ColumnName(fld.FromField))
	body := join
	if len(f.Sub) > 0 {
		p, err := b.expr(target, f.Sub[0], sub)
		if err != nil {
			return "", err
		}
		body = join + " AND " + p
	}
	return fmt.Sprintf("EXISTS (SELECT 1 FROM %s %s WHERE %s)", TableName(target.Name), sub, body), nil
}

func cmpSymbol(c guardrail.Cmp) (string, error) {
	switch c {
	case guardrail.CmpEQ:
		return "=", nil
	case guardrail.CmpNEQ:
		return "<>", nil
	case guardrail.CmpLT:
		return "<", nil
	case guardrail.CmpLTE:
		return "<=", nil
	case guardrail.CmpGT:
		return ">", nil
	case guardrail.CmpGTE:
		return ">=", nil
	}
	return "", fmt.Errorf("sqldata: unknown comparison %q", c)
}
