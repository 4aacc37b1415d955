package guardrail

import (
	"context"
)

// Op is the kind of operation a policy rule applies to.
type Op string

// Operation kinds. OpAll matches every operation kind and is only valid
// as a rule target, never as a requested operation.
const (
	OpCreate Op = "create"
	OpRead   Op = "read"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
	OpAll    Op = "all"
)

// Is reports whether a rule declared for the receiver applies to the
// requested operation. A rule declared for OpAll applies to everything.
func (o Op) Is(requested Op) bool {
	return o == requested || o == OpAll
}

// Valid reports whether o is one of the recognized operation kinds.
func (o Op) Valid() bool {
	switch o {
	case OpCreate, OpRead, OpUpdate, OpDelete, OpAll:
		return true
	}
	return false
}

// Record is a single row as a field-name to value mapping. Relation fields
// appear either as a nested Record (single relation, eager-loaded), a
// []Record (many relation, eager-loaded), or not at all.
type Record map[string]any

// Clone returns a shallow copy of the record. Nested records attached by
// eager loading are copied recursively so that redaction of a clone never
// mutates the source.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for k, v := range r {
		switch nested := v.(type) {
		case Record:
			out[k] = nested.Clone()
		case []Record:
			rs := make([]Record, len(nested))
			for i := range nested {
				rs[i] = nested[i].Clone()
			}
			out[k] = rs
		default:
			out[k] = v
		}
	}
	return out
}

// CloneRecords clones a slice of records.
func CloneRecords(recs []Record) []Record {
	out := make([]Record, len(recs))
	for i := range recs {
		out[i] = recs[i].Clone()
	}
	return out
}

// Query describes a read request against a single model.
type Query struct {
	// Filter restricts the returned rows. A nil filter matches all rows.
	Filter *Filter

	// Include requests eager loading of relation fields. The nested query
	// is applied to the related rows; enforcement conjoins the target
	// model's read filter into it before delegation.
	Include map[string]*Query

	// OrderBy lists field names to sort by, ascending. Prefix a name with
	// "-" for descending order.
	OrderBy []string

	// Limit caps the number of returned rows when positive.
	Limit int

	// Offset skips rows from the start of the result when positive.
	Offset int
}

// Clone returns a copy of the query with the filter and include maps
// copied one level deep.
func (q *Query) Clone() *Query {
	if q == nil {
		return &Query{}
	}
	out := &Query{
		Filter:  q.Filter,
		OrderBy: append([]string(nil), q.OrderBy...),
		Limit:   q.Limit,
		Offset:  q.Offset,
	}
	if q.Include != nil {
		out.Include = make(map[string]*Query, len(q.Include))
		for k, v := range q.Include {
			out.Include[k] = v.Clone()
		}
	}
	return out
}

// DataSource is the operation surface of the underlying data-access client.
// The enforcement layer presents the identical surface and delegates to it
// only after all policy checks pass.
//
// Implementations must guarantee that nothing is persisted for calls they
// never receive; the enforcement layer relies on this for its zero
// side-effect promise on denied operations.
type DataSource interface {
	// FindMany returns the rows of the model matching the query, with any
	// requested includes attached to the returned records.
	FindMany(ctx context.Context, model string, q *Query) ([]Record, error)

	// Count returns the number of rows matching the filter.
	Count(ctx context.Context, model string, f *Filter) (int, error)

	// Create persists a new row and returns it as stored.
	Create(ctx context.Context, model string, data Record) (Record, error)

	// Update applies the change set to every row matching the filter and
	// returns the rows in their updated state.
	Update(ctx context.Context, model string, f *Filter, data Record) ([]Record, error)

	// Delete removes every row matching the filter and returns the number
	// of rows removed.
	Delete(ctx context.Context, model string, f *Filter) (int, error)

	// LoadRelated returns the rows related to rec through the named
	// relation field, using the relation's join condition.
	LoadRelated(ctx context.Context, model, relation string, rec Record) ([]Record, error)

	// InTx runs fn within a transaction. The DataSource passed to fn
	// operates on the transaction; returning an error rolls back every
	// write made through it.
	InTx(ctx context.Context, fn func(ctx context.Context, ds DataSource) error) error
}

// principalCtxKey is the context key for the current principal.
type principalCtxKey struct{}

// WithPrincipal returns a new context carrying the principal identity under
// which subsequent operations are evaluated. The principal is an opaque
// scalar (commonly a user ID) compared against field values by policy
// expressions.
func WithPrincipal(ctx context.Context, principal any) context.Context {
	return context.WithValue(ctx, principalCtxKey{}, principal)
}

// PrincipalFromContext returns the principal attached to the context.
// The second return value is false for anonymous access.
func PrincipalFromContext(ctx context.Context) (any, bool) {
	p := ctx.Value(principalCtxKey{})
	if p == nil {
		return nil, false
	}
	return p, true
}
