package guardrail

import (
	"fmt"
	"time"
)

// FilterKind discriminates the node kinds of a Filter tree.
type FilterKind int

// Filter node kinds.
const (
	// KindAll matches every row. It is the identity element of And.
	KindAll FilterKind = iota
	// KindNone matches no row. Default-deny read filters compile to it.
	KindNone
	// KindAnd matches rows satisfying all sub-filters.
	KindAnd
	// KindOr matches rows satisfying at least one sub-filter.
	KindOr
	// KindNot matches rows not satisfying the single sub-filter.
	KindNot
	// KindCond is a single field comparison.
	KindCond
	// KindSome matches rows for which at least one related row through
	// Relation satisfies the sub-filter (SQL EXISTS).
	KindSome
)

// Cmp is the comparison operator of a KindCond node.
type Cmp string

// Comparison operators.
const (
	CmpEQ  Cmp = "eq"
	CmpNEQ Cmp = "neq"
	CmpLT  Cmp = "lt"
	CmpLTE Cmp = "lte"
	CmpGT  Cmp = "gt"
	CmpGTE Cmp = "gte"
)

// Filter is a storage-neutral row filter. Data sources translate it into
// their native form (SQL WHERE clauses with EXISTS subqueries, in-memory
// matching). The enforcement layer composes compiled policy filters with
// caller-supplied filters through the And/Or/Not constructors.
type Filter struct {
	Kind FilterKind

	// Sub holds the operands of And/Or (any number), Not (exactly one),
	// and Some (zero or one).
	Sub []*Filter

	// Field, Cmp and Value describe a KindCond comparison. When ValueField
	// is non-empty the comparison is against another field of the same row
	// instead of Value.
	Field      string
	Cmp        Cmp
	Value      any
	ValueField string

	// Relation names the relation field of a KindSome node.
	Relation string
}

// MatchAll returns a filter matching every row.
func MatchAll() *Filter { return &Filter{Kind: KindAll} }

// MatchNone returns a filter matching no row.
func MatchNone() *Filter { return &Filter{Kind: KindNone} }

// Cond returns a field comparison filter.
func Cond(field string, cmp Cmp, value any) *Filter {
	return &Filter{Kind: KindCond, Field: field, Cmp: cmp, Value: value}
}

// CondField returns a field-to-field comparison filter.
func CondField(field string, cmp Cmp, other string) *Filter {
	return &Filter{Kind: KindCond, Field: field, Cmp: cmp, ValueField: other}
}

// Some returns an existential filter over a many-relation. A nil sub-filter
// matches rows that have at least one related row.
func Some(relation string, sub *Filter) *Filter {
	f := &Filter{Kind: KindSome, Relation: relation}
	if sub != nil {
		f.Sub = []*Filter{sub}
	}
	return f
}

// And conjoins filters. Nil and match-all operands are dropped; a match-none
// operand collapses the result; zero remaining operands yield match-all.
func And(fs ...*Filter) *Filter {
	out := make([]*Filter, 0, len(fs))
	for _, f := range fs {
		switch {
		case f == nil || f.Kind == KindAll:
		case f.Kind == KindNone:
			return MatchNone()
		default:
			out = append(out, f)
		}
	}
	switch len(out) {
	case 0:
		return MatchAll()
	case 1:
		return out[0]
	}
	return &Filter{Kind: KindAnd, Sub: out}
}

// Or disjoins filters. Nil and match-none operands are dropped; a match-all
// operand collapses the result; zero remaining operands yield match-none.
func Or(fs ...*Filter) *Filter {
	out := make([]*Filter, 0, len(fs))
	for _, f := range fs {
		switch {
		case f == nil || f.Kind == KindNone:
		case f.Kind == KindAll:
			return MatchAll()
		default:
			out = append(out, f)
		}
	}
	switch len(out) {
	case 0:
		return MatchNone()
	case 1:
		return out[0]
	}
	return &Filter{Kind: KindOr, Sub: out}
}

// Not negates a filter.
func Not(f *Filter) *Filter {
	switch {
	case f == nil || f.Kind == KindAll:
		return MatchNone()
	case f.Kind == KindNone:
		return MatchAll()
	case f.Kind == KindNot:
		return f.Sub[0]
	}
	return &Filter{Kind: KindNot, Sub: []*Filter{f}}
}

// RelatedFunc loads the rows related to rec through the named relation
// field. In-memory matching uses it to resolve KindSome nodes.
type RelatedFunc func(relation string, rec Record) ([]Record, error)

// Match reports whether the record satisfies the filter. Comparisons
// involving a missing or nil field value are false, except equality against
// an explicit nil value. The load function may be nil when the filter
// contains no KindSome node.
func (f *Filter) Match(rec Record, load RelatedFunc) (bool, error) {
	if f == nil {
		return true, nil
	}
	switch f.Kind {
	case KindAll:
		return true, nil
	case KindNone:
		return false, nil
	case KindAnd:
		for _, sub := range f.Sub {
			ok, err := sub.Match(rec, load)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	case KindOr:
		for _, sub := range f.Sub {
			ok, err := sub.Match(rec, load)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	case KindNot:
		ok, err := f.Sub[0].Match(rec, load)
		return !ok, err
	case KindCond:
		want := f.Value
		if f.ValueField != "" {
			want = rec[f.ValueField]
		}
		return compareValues(rec[f.Field], f.Cmp, want), nil
	case KindSome:
		if load == nil {
			return false, fmt.Errorf("guardrail: filter on relation %q requires a relation loader", f.Relation)
		}
		related, err := load(f.Relation, rec)
		if err != nil {
			return false, err
		}
		for _, r := range related {
			if len(f.Sub) == 0 {
				return true, nil
			}
			ok, err := f.Sub[0].Match(r, load)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	}
	return false, fmt.Errorf("guardrail: unknown filter kind %d", f.Kind)
}

// compareValues applies cmp to two runtime values. Numeric values are
// normalized to float64 so int and int64 columns compare against literal
// numbers. Nil operands satisfy only eq/neq against nil.
func compareValues(got any, cmp Cmp, want any) bool {
	if got == nil || want == nil {
		switch cmp {
		case CmpEQ:
			return got == nil && want == nil
		case CmpNEQ:
			return (got == nil) != (want == nil)
		}
		return false
	}
	if gf, gok := toFloat(got); gok {
		if wf, wok := toFloat(want); wok {
			return compareOrdered(gf, cmp, wf)
		}
		return cmp == CmpNEQ
	}
	if gs, ok := got.(string); ok {
		if ws, ok := want.(string); ok {
			return compareOrdered(gs, cmp, ws)
		}
		return cmp == CmpNEQ
	}
	if gt, ok := got.(time.Time); ok {
		if wt, ok := want.(time.Time); ok {
			switch cmp {
			case CmpEQ:
				return gt.Equal(wt)
			case CmpNEQ:
				return !gt.Equal(wt)
			case CmpLT:
				return gt.Before(wt)
			case CmpLTE:
				return !gt.After(wt)
			case CmpGT:
				return gt.After(wt)
			case CmpGTE:
				return !gt.Before(wt)
			}
		}
		return cmp == CmpNEQ
	}
	switch cmp {
	case CmpEQ:
		return got == want
	case CmpNEQ:
		return got != want
	}
	return false
}

func compareOrdered[T float64 | string](got T, cmp Cmp, want T) bool {
	switch cmp {
	case CmpEQ:
		return got == want
	case CmpNEQ:
		return got != want
	case CmpLT:
		return got < want
	case CmpLTE:
		return got <= want
	case CmpGT:
		return got > want
	case CmpGTE:
		return got >= want
	}
	return false
}

func toFloat(v any) (float64, bool) {
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
