// Package memdata provides an in-memory guardrail.DataSource backed by the
// schema's join conditions. It exists for tests, examples and prototyping;
// rows live in process memory and a transaction is a table snapshot that is
// restored on rollback.
package memdata

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/syssam/guardrail"
	"github.com/syssam/guardrail/schema"
)

// Source is an in-memory data source. The zero value is not usable; use New.
// All operations are safe for concurrent use.
type Source struct {
	sch *schema.Schema

	mu     sync.RWMutex
	tables map[string][]guardrail.Record
}

// New returns an empty Source for the schema.
func New(sch *schema.Schema) *Source {
	return &Source{sch: sch, tables: make(map[string][]guardrail.Record)}
}

// Seed inserts rows into the model's table without generating identifiers.
// Intended for test fixtures.
func (s *Source) Seed(model string, rows ...guardrail.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tables[model] = append(s.tables[model], guardrail.CloneRecords(rows)...)
}

// FindMany implements guardrail.DataSource.
func (s *Source) FindMany(ctx context.Context, model string, q *guardrail.Query) ([]guardrail.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.findMany(model, q)
}

// Count implements guardrail.DataSource.
func (s *Source) Count(ctx context.Context, model string, f *guardrail.Filter) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.matching(model, f)
	if err != nil {
		return 0, err
	}
	return len(rows), nil
}

// Create implements guardrail.DataSource. A missing id field value is
// filled with a fresh UUID.
func (s *Source) Create(ctx context.Context, model string, data guardrail.Record) (guardrail.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.create(model, data)
}

// Update implements guardrail.DataSource.
func (s *Source) Update(ctx context.Context, model string, f *guardrail.Filter, data guardrail.Record) ([]guardrail.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.update(model, f, data)
}

// Delete implements guardrail.DataSource.
func (s *Source) Delete(ctx context.Context, model string, f *guardrail.Filter) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.delete(model, f)
}

// LoadRelated implements guardrail.DataSource.
func (s *Source) LoadRelated(ctx context.Context, model, relation string, rec guardrail.Record) ([]guardrail.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loadRelated(model, relation, rec)
}

// InTx implements guardrail.DataSource. The whole store is locked for the
// duration of the transaction; an error from fn restores the pre-transaction
// snapshot.
func (s *Source) InTx(ctx context.Context, fn func(ctx context.Context, ds guardrail.DataSource) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot := make(map[string][]guardrail.Record, len(s.tables))
	for model, rows := range s.tables {
		snapshot[model] = guardrail.CloneRecords(rows)
	}
	if err := fn(ctx, &txSource{s: s}); err != nil {
		s.tables = snapshot
		return err
	}
	return nil
}

// txSource is the unlocked view handed to transaction bodies while the
// owning Source holds its write lock.
type txSource struct {
	s *Source
}

func (t *txSource) FindMany(ctx context.Context, model string, q *guardrail.Query) ([]guardrail.Record, error) {
	return t.s.findMany(model, q)
}

func (t *txSource) Count(ctx context.Context, model string, f *guardrail.Filter) (int, error) {
	rows, err := t.s.matching(model, f)
	if err != nil {
		return 0, err
	}
	return len(rows), nil
}

func (t *txSource) Create(ctx context.Context, model string, data guardrail.Record) (guardrail.Record, error) {
	return t.s.create(model, data)
}

func (t *txSource) Update(ctx context.Context, model string, f *guardrail.Filter, data guardrail.Record) ([]guardrail.Record, error) {
	return t.s.update(model, f, data)
}

func (t *txSource) Delete(ctx context.Context, model string, f *guardrail.Filter) (int, error) {
	return t.s.delete(model, f)
}

func (t *txSource) LoadRelated(ctx context.Context, model, relation string, rec guardrail.Record) ([]guardrail.Record, error) {
	return t.s.loadRelated(model, relation, rec)
}

// InTx on a transaction reuses the surrounding transaction.
func (t *txSource) InTx(ctx context.Context, fn func(ctx context.Context, ds guardrail.DataSource) error) error {
	return fn(ctx, t)
}

func (s *Source) model(name string) (*schema.Model, error) {
	m, ok := s.sch.Model(name)
	if !ok {
		return nil, fmt.Errorf("memdata: unknown model %q", name)
	}
	return m, nil
}

func (s *Source) related(model string) guardrail.RelatedFunc {
	return func(relation string, rec guardrail.Record) ([]guardrail.Record, error) {
		return s.loadRelated(model, relation, rec)
	}
}

func (s *Source) matching(model string, f *guardrail.Filter) ([]guardrail.Record, error) {
	if _, err := s.model(model); err != nil {
		return nil, err
	}
	var out []guardrail.Record
	for _, row := range s.tables[model] {
		ok, err := f.Match(row, s.related(model))
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, row)
		}
	}
	return out, nil
}

func (s *Source) findMany(model string, q *guardrail.Query) ([]guardrail.Record, error) {
	if q == nil {
		q = &guardrail.Query{}
	}
	rows, err := s.matching(model, q.Filter)
	if err != nil {
		return nil, err
	}
	rows = guardrail.CloneRecords(rows)
	if len(q.OrderBy) > 0 {
		sortRows(rows, q.OrderBy)
	}
	if q.Offset > 0 {
		if q.Offset >= len(rows) {
			rows = nil
		} else {
			rows = rows[q.Offset:]
		}
	}
	if q.Limit > 0 && q.Limit < len(rows) {
		rows = rows[:q.Limit]
	}
	m, err := s.model(model)
	if err != nil {
		return nil, err
	}
	for name, sub := range q.Include {
		f, ok := m.Field(name)
		if !ok || !f.Relation() {
			return nil, fmt.Errorf("memdata: model %s has no relation %q to include", model, name)
		}
		for _, row := range rows {
			if err := s.attachInclude(f, row, sub); err != nil {
				return nil, err
			}
		}
	}
	return rows, nil
}

// attachInclude materializes one relation field on a row by running the
// nested query against the related table, restricted to the join condition.
func (s *Source) attachInclude(f *schema.Field, row guardrail.Record, sub *guardrail.Query) error {
	sub = sub.Clone()
	sub.Filter = guardrail.And(
		guardrail.Cond(f.ToField, guardrail.CmpEQ, row[f.FromField]),
		sub.Filter,
	)
	related, err := s.findMany(f.Target, sub)
	if err != nil {
		return err
	}
	if f.Many {
		row[f.Name] = related
		return nil
	}
	if len(related) > 0 {
		row[f.Name] = related[0]
	}
	return nil
}

func (s *Source) create(model string, data guardrail.Record) (guardrail.Record, error) {
	m, err := s.model(model)
	if err != nil {
		return nil, err
	}
	row := data.Clone()
	if row == nil {
		row = guardrail.Record{}
	}
	if id := m.ID(); id != nil {
		if _, ok := row[id.Name]; !ok {
			row[id.Name] = uuid.NewString()
		}
		for _, existing := range s.tables[model] {
			if existing[id.Name] == row[id.Name] {
				return nil, guardrail.NewConstraintError(
					fmt.Sprintf("memdata: duplicate %s.%s %v", model, id.Name, row[id.Name]), nil)
			}
		}
	}
	s.tables[model] = append(s.tables[model], row)
	return row.Clone(), nil
}

func (s *Source) update(model string, f *guardrail.Filter, data guardrail.Record) ([]guardrail.Record, error) {
	rows, err := s.matching(model, f)
	if err != nil {
		return nil, err
	}
	out := make([]guardrail.Record, 0, len(rows))
	for _, row := range rows {
		for k, v := range data {
			row[k] = v
		}
		out = append(out, row.Clone())
	}
	return out, nil
}

func (s *Source) delete(model string, f *guardrail.Filter) (int, error) {
	if _, err := s.model(model); err != nil {
		return 0, err
	}
	kept := s.tables[model][:0]
	n := 0
	for _, row := range s.tables[model] {
		ok, err := f.Match(row, s.related(model))
		if err != nil {
			return 0, err
		}
		if ok {
			n++
			continue
		}
		kept = append(kept, row)
	}
	s.tables[model] = kept
	return n, nil
}

func (s *Source) loadRelated(model, relation string, rec guardrail.Record) ([]guardrail.Record, error) {
	m, err := s.model(model)
	if err != nil {
		return nil, err
	}
	f, ok := m.Field(relation)
	if !ok || !f.Relation() {
		return nil, fmt.Errorf("memdata: model %s has no relation %q", model, relation)
	}
	join := guardrail.Cond(f.ToField, guardrail.CmpEQ, rec[f.FromField])
	related, err := s.matching(f.Target, join)
	if err != nil {
		return nil, err
	}
	out := guardrail.CloneRecords(related)
	if !f.Many && len(out) > 1 {
		out = out[:1]
	}
	return out, nil
}

func sortRows(rows []guardrail.Record, orderBy []string) {
	sort.SliceStable(rows, func(i, j int) bool {
		for _, key := range orderBy {
			field, desc := key, false
			if strings.HasPrefix(key, "-") {
				field, desc = key[1:], true
			}
			c := compareForSort(rows[i][field], rows[j][field])
			if c == 0 {
				continue
			}
			if desc {
				return c > 0
			}
			return c < 0
		}
		return false
	})
}

// compareForSort orders nil first, then by value. Values of mismatched
// types compare equal and keep their input order.
func compareForSort(a, b any) int {
	if a == nil || b == nil {
		switch {
		case a == nil && b == nil:
			return 0
		case a == nil:
			return -1
		default:
			return 1
		}
	}
	if af, ok := sortFloat(a); ok {
		if bf, ok := sortFloat(b); ok {
			switch {
			case af < bf:
				return -1
			case af > bf:
				return 1
			}
		}
		return 0
	}
	if as, ok := a.(string); ok {
		if bs, ok := b.(string); ok {
			return strings.Compare(as, bs)
		}
		return 0
	}
	if at, ok := a.(time.Time); ok {
		if bt, ok := b.(time.Time); ok {
			switch {
			case at.Before(bt):
				return -1
			case at.After(bt):
				return 1
			}
		}
	}
	return 0
}

func sortFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
