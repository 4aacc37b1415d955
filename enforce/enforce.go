// Package enforce wraps a data-access client with policy enforcement. The
// Client presents the same operation surface as the underlying
// guardrail.DataSource and delegates to it only after the compiled policy
// bundle has allowed the operation: reads have the policy's row filter
// conjoined before delegation, writes are decided per affected record
// inside a transaction, and denied operations never reach storage.
package enforce

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/syssam/guardrail"
	"github.com/syssam/guardrail/expr"
	"github.com/syssam/guardrail/policy"
)

// ErrNotFound is returned by FindFirst when no readable row matches.
var ErrNotFound = errors.New("enforce: record not found")

// Client enforces a compiled policy bundle in front of a data source.
// It is safe for concurrent use.
type Client struct {
	ds              guardrail.DataSource
	bundle          *policy.Bundle
	postUpdateCheck bool
	now             func() time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithPostUpdateCheck makes Update re-decide every affected record in its
// updated state and roll the transaction back on denial. Without it, update
// permission is decided on the pre-update state only.
func WithPostUpdateCheck() Option {
	return func(c *Client) { c.postUpdateCheck = true }
}

// WithClock overrides the timestamp source used for policy decisions.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// NewClient returns a Client enforcing bundle over ds.
func NewClient(ds guardrail.DataSource, bundle *policy.Bundle, opts ...Option) *Client {
	c := &Client{ds: ds, bundle: bundle, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// AsPrincipal returns a context under which operations through the client
// are evaluated as the given principal. Collaborators integrating the
// enforced client use this and never touch the raw data source for
// principal-scoped operations.
func AsPrincipal(ctx context.Context, principal any) context.Context {
	return guardrail.WithPrincipal(ctx, principal)
}

// loader adapts a DataSource to the expression evaluator's relation loader.
type loader struct {
	ds guardrail.DataSource
}

func (l loader) LoadRelated(ctx context.Context, model, relation string, rec guardrail.Record) ([]guardrail.Record, error) {
	return l.ds.LoadRelated(ctx, model, relation, rec)
}

func (c *Client) policyFor(ctx context.Context, model string, ds guardrail.DataSource) (*policy.ModelPolicy, policy.Env, error) {
	mp, ok := c.bundle.Model(model)
	if !ok {
		return nil, policy.Env{}, fmt.Errorf("enforce: unknown model %q", model)
	}
	principal, _ := guardrail.PrincipalFromContext(ctx)
	env := policy.Env{Principal: principal, Now: c.now(), Loader: loader{ds: ds}}
	return mp, env, nil
}

// FindMany returns the rows of the model matching the query that the
// context's principal may read, with omitted fields stripped. Requested
// includes are filtered by the related model's read policy and redacted
// the same way.
func (c *Client) FindMany(ctx context.Context, model string, q *guardrail.Query) ([]guardrail.Record, error) {
	mp, env, err := c.policyFor(ctx, model, c.ds)
	if err != nil {
		return nil, err
	}
	secured, err := c.secureQuery(mp, env, q)
	if err != nil {
		return nil, err
	}
	rows, err := c.ds.FindMany(ctx, model, secured)
	if err != nil {
		return nil, err
	}
	out := make([]guardrail.Record, len(rows))
	for i, row := range rows {
		out[i] = c.redact(mp, row)
	}
	return out, nil
}

// FindFirst returns the first readable row matching the query, or
// ErrNotFound.
func (c *Client) FindFirst(ctx context.Context, model string, q *guardrail.Query) (guardrail.Record, error) {
	q = q.Clone()
	q.Limit = 1
	rows, err := c.FindMany(ctx, model, q)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	return rows[0], nil
}

// Count returns the number of rows matching the filter that the context's
// principal may read. Unreadable rows are invisible to counting.
func (c *Client) Count(ctx context.Context, model string, f *guardrail.Filter) (int, error) {
	mp, env, err := c.policyFor(ctx, model, c.ds)
	if err != nil {
		return 0, err
	}
	rf, err := mp.Rules.ReadFilter(env)
	if err != nil {
		return 0, err
	}
	return c.ds.Count(ctx, model, guardrail.And(f, rf))
}

// Create persists a new row if the create policy allows the proposed record
// after defaults, validation and write transforms. Nothing is persisted on
// denial. The stored row is returned redacted.
func (c *Client) Create(ctx context.Context, model string, data guardrail.Record) (guardrail.Record, error) {
	mp, env, err := c.policyFor(ctx, model, c.ds)
	if err != nil {
		return nil, err
	}
	proposed := mp.Behaviors.ApplyDefaults(data)
	if err := mp.Behaviors.ValidateWrite(proposed); err != nil {
		return nil, err
	}
	proposed, err = mp.Behaviors.TransformWrite(proposed)
	if err != nil {
		return nil, err
	}
	if err := mp.Rules.Decide(ctx, guardrail.OpCreate, proposed, env); err != nil {
		return nil, err
	}
	stored, err := c.ds.Create(ctx, model, proposed)
	if err != nil {
		return nil, err
	}
	return c.redact(mp, stored), nil
}

// Update applies the change set to every row matching the filter, inside a
// transaction. Each affected row is decided in its pre-update state; one
// denial aborts the whole operation with nothing persisted. With the
// post-update check enabled, every row is re-decided in its updated state
// and a denial rolls the transaction back. Updated rows are returned
// redacted.
func (c *Client) Update(ctx context.Context, model string, f *guardrail.Filter, data guardrail.Record) ([]guardrail.Record, error) {
	mp, ok := c.bundle.Model(model)
	if !ok {
		return nil, fmt.Errorf("enforce: unknown model %q", model)
	}
	if err := mp.Behaviors.ValidateWrite(data); err != nil {
		return nil, err
	}
	data, err := mp.Behaviors.TransformWrite(data)
	if err != nil {
		return nil, err
	}
	var out []guardrail.Record
	err = c.ds.InTx(ctx, func(ctx context.Context, tx guardrail.DataSource) error {
		mp, env, err := c.policyFor(ctx, model, tx)
		if err != nil {
			return err
		}
		pre, err := tx.FindMany(ctx, model, &guardrail.Query{Filter: f})
		if err != nil {
			return err
		}
		for _, row := range pre {
			if err := mp.Rules.Decide(ctx, guardrail.OpUpdate, row, env); err != nil {
				return err
			}
		}
		updated, err := tx.Update(ctx, model, f, data)
		if err != nil {
			return err
		}
		if c.postUpdateCheck {
			for _, row := range updated {
				if err := mp.Rules.Decide(ctx, guardrail.OpUpdate, row, env); err != nil {
					return err
				}
			}
		}
		out = make([]guardrail.Record, len(updated))
		for i, row := range updated {
			out[i] = c.redact(mp, row)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Delete removes every row matching the filter, inside a transaction. Each
// affected row is decided first; one denial aborts the whole operation with
// nothing removed.
func (c *Client) Delete(ctx context.Context, model string, f *guardrail.Filter) (int, error) {
	var n int
	err := c.ds.InTx(ctx, func(ctx context.Context, tx guardrail.DataSource) error {
		mp, env, err := c.policyFor(ctx, model, tx)
		if err != nil {
			return err
		}
		pre, err := tx.FindMany(ctx, model, &guardrail.Query{Filter: f})
		if err != nil {
			return err
		}
		for _, row := range pre {
			if err := mp.Rules.Decide(ctx, guardrail.OpDelete, row, env); err != nil {
				return err
			}
		}
		n, err = tx.Delete(ctx, model, f)
		return err
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// secureQuery clones the query with the model's read filter conjoined, and
// does the same recursively for every requested include against the related
// model's policy.
func (c *Client) secureQuery(mp *policy.ModelPolicy, env policy.Env, q *guardrail.Query) (*guardrail.Query, error) {
	rf, err := mp.Rules.ReadFilter(env)
	if err != nil {
		return nil, err
	}
	out := q.Clone()
	out.Filter = guardrail.And(out.Filter, rf)
	for name, sub := range out.Include {
		f, ok := mp.Model.Field(name)
		if !ok || !f.Relation() {
			return nil, fmt.Errorf("enforce: model %s has no relation %q to include", mp.Model.Name, name)
		}
		rel, ok := c.bundle.Model(f.Target)
		if !ok {
			return nil, fmt.Errorf("enforce: unknown model %q", f.Target)
		}
		secured, err := c.secureQuery(rel, env, sub)
		if err != nil {
			return nil, err
		}
		out.Include[name] = secured
	}
	return out, nil
}

// redact strips omitted fields from the record and, recursively, from any
// eager-loaded related records.
func (c *Client) redact(mp *policy.ModelPolicy, rec guardrail.Record) guardrail.Record {
	out := mp.Behaviors.RedactRead(rec)
	for _, f := range mp.Model.Fields {
		if !f.Relation() {
			continue
		}
		v, ok := out[f.Name]
		if !ok {
			continue
		}
		rel, ok := c.bundle.Model(f.Target)
		if !ok {
			continue
		}
		switch nested := v.(type) {
		case guardrail.Record:
			out[f.Name] = c.redact(rel, nested)
		case []guardrail.Record:
			rs := make([]guardrail.Record, len(nested))
			for i := range nested {
				rs[i] = c.redact(rel, nested[i])
			}
			out[f.Name] = rs
		}
	}
	return out
}

var _ expr.RelationLoader = loader{}
