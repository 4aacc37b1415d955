// Package sqldata provides a guardrail.DataSource backed by database/sql.
// Model and field names map to pluralized snake_case tables and snake_case
// columns; filters compile to WHERE clauses with EXISTS subqueries for
// relation existentials, so policy read filters are pushed down to the
// database instead of being applied row by row in memory.
package sqldata

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/go-openapi/inflect"
	"github.com/google/uuid"

	"github.com/syssam/guardrail"
	"github.com/syssam/guardrail/schema"
)

// Supported dialects. The dialect selects the placeholder style and the
// driver whose constraint errors are recognized.
const (
	MySQL    = "mysql"
	Postgres = "postgres"
	SQLite   = "sqlite"
)

// execQuerier is the subset of database/sql used by Source. Both *sql.DB
// and *sql.Tx satisfy it.
type execQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Source is a SQL-backed data source.
type Source struct {
	db      execQuerier
	beginTx func(ctx context.Context) (*sql.Tx, error)
	dialect string
	sch     *schema.Schema
}

// New returns a Source over db for the given dialect and schema.
func New(db *sql.DB, dialect string, sch *schema.Schema) *Source {
	return &Source{
		db:      db,
		beginTx: func(ctx context.Context) (*sql.Tx, error) { return db.BeginTx(ctx, nil) },
		dialect: dialect,
		sch:     sch,
	}
}

// TableName returns the table a model is stored in.
func TableName(model string) string {
	return inflect.Pluralize(inflect.Underscore(model))
}

// ColumnName returns the column a field is stored in.
func ColumnName(field string) string {
	return inflect.Underscore(field)
}

func (s *Source) model(name string) (*schema.Model, error) {
	m, ok := s.sch.Model(name)
	if !ok {
		return nil, fmt.Errorf("sqldata: unknown model %q", name)
	}
	return m, nil
}

// FindMany implements guardrail.DataSource.
func (s *Source) FindMany(ctx context.Context, model string, q *guardrail.Query) ([]guardrail.Record, error) {
	if q == nil {
		q = &guardrail.Query{}
	}
	m, err := s.model(model)
	if err != nil {
		return nil, err
	}
	rows, err := s.selectRows(ctx, m, q.Filter, q.OrderBy, q.Limit, q.Offset)
	if err != nil {
		return nil, err
	}
	for name, sub := range q.Include {
		f, ok := m.Field(name)
		if !ok || !f.Relation() {
			return nil, fmt.Errorf("sqldata: model %s has no relation %q to include", model, name)
		}
		for _, row := range rows {
			if err := s.attachInclude(ctx, f, row, sub); err != nil {
				return nil, err
			}
		}
	}
	return rows, nil
}

func (s *Source) attachInclude(ctx context.Context, f *schema.Field, row guardrail.Record, sub *guardrail.Query) error {
	sub = sub.Clone()
	sub.Filter = guardrail.And(
		guardrail.Cond(f.ToField, guardrail.CmpEQ, row[f.FromField]),
		sub.Filter,
	)
	related, err := s.FindMany(ctx, f.Target, sub)
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

// Count implements guardrail.DataSource.
func (s *Source) Count(ctx context.Context, model string, f *guardrail.Filter) (int, error) {
	m, err := s.model(model)
	if err != nil {
		return 0, err
	}
	b := newBuilder(s.dialect)
	where, err := b.where(m, f, "t0")
	if err != nil {
		return 0, err
	}
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s t0", TableName(m.Name))
	if where != "" {
		query += " WHERE " + where
	}
	rows, err := s.db.QueryContext(ctx, query, b.args...)
	if err != nil {
		return 0, s.mapError(err)
	}
	defer rows.Close()
	n := 0
	if rows.Next() {
		if err := rows.Scan(&n); err != nil {
			return 0, err
		}
	}
	return n, rows.Err()
}

// Create implements guardrail.DataSource. A missing id field value is
// filled with a fresh UUID before insertion; the stored row is re-selected
// and returned.
func (s *Source) Create(ctx context.Context, model string, data guardrail.Record) (guardrail.Record, error) {
	m, err := s.model(model)
	if err != nil {
		return nil, err
	}
	id := m.ID()
	if id == nil {
		return nil, fmt.Errorf("sqldata: model %s has no id field", model)
	}
	row := data.Clone()
	if row == nil {
		row = guardrail.Record{}
	}
	if _, ok := row[id.Name]; !ok {
		row[id.Name] = uuid.NewString()
	}
	var cols []string
	var marks []string
	var args []any
	b := newBuilder(s.dialect)
	for _, f := range m.ScalarFields() {
		v, ok := row[f.Name]
		if !ok {
			continue
		}
		cols = append(cols, ColumnName(f.Name))
		marks = append(marks, b.placeholder())
		args = append(args, v)
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		TableName(m.Name), strings.Join(cols, ", "), strings.Join(marks, ", "))
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return nil, s.mapError(err)
	}
	stored, err := s.selectRows(ctx, m, guardrail.Cond(id.Name, guardrail.CmpEQ, row[id.Name]), nil, 1, 0)
	if err != nil {
		return nil, err
	}
	if len(stored) == 0 {
		return nil, fmt.Errorf("sqldata: inserted row not found in %s", model)
	}
	return stored[0], nil
}

// Update implements guardrail.DataSource. Matching rows are identified
// first, updated by id, and re-selected in their updated state.
func (s *Source) Update(ctx context.Context, model string, f *guardrail.Filter, data guardrail.Record) ([]guardrail.Record, error) {
	m, err := s.model(model)
	if err != nil {
		return nil, err
	}
	id := m.ID()
	if id == nil {
		return nil, fmt.Errorf("sqldata: model %s has no id field", model)
	}
	pre, err := s.selectRows(ctx, m, f, nil, 0, 0)
	if err != nil {
		return nil, err
	}
	if len(pre) == 0 {
		return nil, nil
	}
	ids := make([]any, len(pre))
	for i, row := range pre {
		ids[i] = row[id.Name]
	}
	b := newBuilder(s.dialect)
	var sets []string
	for _, fld := range m.ScalarFields() {
		v, ok := data[fld.Name]
		if !ok {
			continue
		}
		sets = append(sets, fmt.Sprintf("%s = %s", ColumnName(fld.Name), b.placeholder()))
		b.args = append(b.args, v)
	}
	if len(sets) > 0 {
		marks := make([]string, len(ids))
		for i, v := range ids {
			marks[i] = b.placeholder()
			b.args = append(b.args, v)
		}
		query := fmt.Sprintf("UPDATE %s SET %s WHERE %s IN (%s)",
			TableName(m.Name), strings.Join(sets, ", "), ColumnName(id.Name), strings.Join(marks, ", "))
		if _, err := s.db.ExecContext(ctx, query, b.args...); err != nil {
			return nil, s.mapError(err)
		}
	}
	var idFilters []*guardrail.Filter
	for _, v := range ids {
		idFilters = append(idFilters, guardrail.Cond(id.Name, guardrail.CmpEQ, v))
	}
	return s.selectRows(ctx, m, guardrail.Or(idFilters...), nil, 0, 0)
}

// Delete implements guardrail.DataSource.
func (s *Source) Delete(ctx context.Context, model string, f *guardrail.Filter) (int, error) {
	m, err := s.model(model)
	if err != nil {
		return 0, err
	}
	b := newBuilder(s.dialect)
	where, err := b.where(m, f, TableName(m.Name))
	if err != nil {
		return 0, err
	}
	query := "DELETE FROM " + TableName(m.Name)
	if where != "" {
		query += " WHERE " + where
	}
	res, err := s.db.ExecContext(ctx, query, b.args...)
	if err != nil {
		return 0, s.mapError(err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// LoadRelated implements guardrail.DataSource.
func (s *Source) LoadRelated(ctx context.Context, model, relation string, rec guardrail.Record) ([]guardrail.Record, error) {
	m, err := s.model(model)
	if err != nil {
		return nil, err
	}
	f, ok := m.Field(relation)
	if !ok || !f.Relation() {
		return nil, fmt.Errorf("sqldata: model %s has no relation %q", model, relation)
	}
	target, err := s.model(f.Target)
	if err != nil {
		return nil, err
	}
	limit := 0
	if !f.Many {
		limit = 1
	}
	return s.selectRows(ctx, target, guardrail.Cond(f.ToField, guardrail.CmpEQ, rec[f.FromField]), nil, limit, 0)
}

// InTx implements guardrail.DataSource. On a transaction-backed source the
// surrounding transaction is reused.
func (s *Source) InTx(ctx context.Context, fn func(ctx context.Context, ds guardrail.DataSource) error) error {
	if s.beginTx == nil {
		return fn(ctx, s)
	}
	tx, err := s.beginTx(ctx)
	if err != nil {
		return err
	}
	child := &Source{db: tx, dialect: s.dialect, sch: s.sch}
	if err := fn(ctx, child); err != nil {
		if rerr := tx.Rollback(); rerr != nil {
			return fmt.Errorf("%w (rollback: %v)", err, rerr)
		}
		return err
	}
	return tx.Commit()
}

func (s *Source) selectRows(ctx context.Context, m *schema.Model, f *guardrail.Filter, orderBy []string, limit, offset int) ([]guardrail.Record, error) {
	fields := m.ScalarFields()
	cols := make([]string, len(fields))
	for i, fld := range fields {
		cols[i] = "t0." + ColumnName(fld.Name)
	}
	b := newBuilder(s.dialect)
	where, err := b.where(m, f, "t0")
	if err != nil {
		return nil, err
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "SELECT %s FROM %s t0", strings.Join(cols, ", "), TableName(m.Name))
	if where != "" {
		sb.WriteString(" WHERE " + where)
	}
	if len(orderBy) > 0 {
		terms := make([]string, len(orderBy))
		for i, key := range orderBy {
			field, dir := key, "ASC"
			if strings.HasPrefix(key, "-") {
				field, dir = key[1:], "DESC"
			}
			if _, ok := m.Field(field); !ok {
				return nil, fmt.Errorf("sqldata: model %s has no field %q to order by", m.Name, field)
			}
			terms[i] = "t0." + ColumnName(field) + " " + dir
		}
		sb.WriteString(" ORDER BY " + strings.Join(terms, ", "))
	}
	if limit > 0 {
		fmt.Fprintf(&sb, " LIMIT %d", limit)
	}
	if offset > 0 {
		fmt.Fprintf(&sb, " OFFSET %d", offset)
	}
	rows, err := s.db.QueryContext(ctx, sb.String(), b.args...)
	if err != nil {
		return nil, s.mapError(err)
	}
	defer rows.Close()
	var out []guardrail.Record
	for rows.Next() {
		dest := make([]any, len(fields))
		for i := range dest {
			dest[i] = new(any)
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}
		rec := make(guardrail.Record, len(fields))
		for i, fld := range fields {
			rec[fld.Name] = convertValue(fld, *dest[i].(*any))
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// convertValue normalizes a driver value to the field's record
// representation.
func convertValue(f *schema.Field, v any) any {
	if v == nil {
		return nil
	}
	switch f.Type {
	case schema.TypeBool:
		switch n := v.(type) {
		case bool:
			return n
		case int64:
			return n != 0
		}
	case schema.TypeFloat:
		switch n := v.(type) {
		case float64:
			return n
		case int64:
			return float64(n)
		}
	case schema.TypeTime:
		switch n := v.(type) {
		case time.Time:
			return n
		case string:
			if t, err := time.Parse(time.RFC3339, n); err == nil {
				return t
			}
		case []byte:
			if t, err := time.Parse(time.RFC3339, string(n)); err == nil {
				return t
			}
		}
	}
	if bs, ok := v.([]byte); ok {
		return string(bs)
	}
	return v
}
