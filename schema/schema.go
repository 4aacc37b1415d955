// Package schema defines the typed model/field/attribute tree consumed by
// the policy compiler. The tree is built once at process start, either
// directly or from the YAML text form in the load subpackage, and is
// read-only thereafter.
package schema

import (
	"fmt"
)

// FieldType is the semantic type of a field.
type FieldType int

// Field types. TypeRelation fields reference another model through a join
// condition; all other types are scalars.
const (
	TypeInvalid FieldType = iota
	TypeID
	TypeString
	TypeInt
	TypeFloat
	TypeBool
	TypeTime
	TypeRelation
)

var typeNames = map[FieldType]string{
	TypeInvalid:  "invalid",
	TypeID:       "id",
	TypeString:   "string",
	TypeInt:      "int",
	TypeFloat:    "float",
	TypeBool:     "bool",
	TypeTime:     "time",
	TypeRelation: "relation",
}

// String returns the lowercase name of the type as used in the schema text
// form.
func (t FieldType) String() string {
	if s, ok := typeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("FieldType(%d)", int(t))
}

// TypeFromString returns the FieldType named by s, or TypeInvalid.
func TypeFromString(s string) FieldType {
	for t, name := range typeNames {
		if name == s && t != TypeInvalid {
			return t
		}
	}
	return TypeInvalid
}

// Numeric reports whether the type is int or float.
func (t FieldType) Numeric() bool {
	return t == TypeInt || t == TypeFloat
}

// Attribute is a declarative annotation instance attached to a model or a
// field. Attributes are data, never executable code; their arguments are
// checked against the attribute registry's signature at compile time.
type Attribute struct {
	Name string // Registered attribute name, e.g. "@@allow" or "@omit"
	Args []any  // Positional arguments: string, int64, float64, bool or nil
}

// Field belongs to exactly one model.
type Field struct {
	Name     string
	Type     FieldType
	Optional bool // May hold null
	Unique   bool
	Default  any // Value merged into create input when the field is absent

	// Relation fields only. Target names the related model; FromField and
	// ToField form the join condition: related rows are those whose
	// ToField value equals this row's FromField value. Many marks a
	// to-many relation.
	Target    string
	FromField string
	ToField   string
	Many      bool

	Attrs []Attribute

	target *Model
}

// TargetModel returns the resolved target model of a relation field. It is
// nil for scalar fields and before New has validated the schema.
func (f *Field) TargetModel() *Model { return f.target }

// Relation reports whether the field references another model.
func (f *Field) Relation() bool { return f.Type == TypeRelation }

// Model is a named entity with an ordered sequence of fields and a set of
// model-level attributes.
type Model struct {
	Name   string
	Fields []*Field
	Attrs  []Attribute

	fields map[string]*Field
	id     *Field
}

// Field returns the named field.
func (m *Model) Field(name string) (*Field, bool) {
	f, ok := m.fields[name]
	return f, ok
}

// ID returns the model's identifier field, or nil when the model declares
// none.
func (m *Model) ID() *Field { return m.id }

// ScalarFields returns the fields that map to storage columns, in
// declaration order.
func (m *Model) ScalarFields() []*Field {
	out := make([]*Field, 0, len(m.Fields))
	for _, f := range m.Fields {
		if !f.Relation() {
			out = append(out, f)
		}
	}
	return out
}

// Schema is an immutable set of models with unique names.
type Schema struct {
	Models []*Model

	models map[string]*Model
}

// Model returns the named model.
func (s *Schema) Model(name string) (*Model, bool) {
	m, ok := s.models[name]
	return m, ok
}

// New assembles and validates a schema from the given models. It verifies
// that model names are unique, that each relation targets a known model,
// and that both sides of every join condition name existing fields.
func New(models ...*Model) (*Schema, error) {
	s := &Schema{Models: models, models: make(map[string]*Model, len(models))}
	for _, m := range models {
		if m.Name == "" {
			return nil, fmt.Errorf("schema: model with empty name")
		}
		if _, ok := s.models[m.Name]; ok {
			return nil, fmt.Errorf("schema: duplicate model name %q", m.Name)
		}
		s.models[m.Name] = m
		m.fields = make(map[string]*Field, len(m.Fields))
		for _, f := range m.Fields {
			if f.Name == "" {
				return nil, fmt.Errorf("schema: model %s: field with empty name", m.Name)
			}
			if _, ok := m.fields[f.Name]; ok {
				return nil, fmt.Errorf("schema: model %s: duplicate field name %q", m.Name, f.Name)
			}
			m.fields[f.Name] = f
			if f.Type == TypeID {
				if m.id != nil {
					return nil, fmt.Errorf("schema: model %s: multiple id fields", m.Name)
				}
				m.id = f
			}
		}
	}
	for _, m := range models {
		for _, f := range m.Fields {
			if !f.Relation() {
				if f.Target != "" || f.FromField != "" || f.ToField != "" {
					return nil, fmt.Errorf("schema: model %s: field %s: join condition on non-relation field", m.Name, f.Name)
				}
				continue
			}
			target, ok := s.models[f.Target]
			if !ok {
				return nil, fmt.Errorf("schema: model %s: relation %s targets unknown model %q", m.Name, f.Name, f.Target)
			}
			f.target = target
			from, ok := m.fields[f.FromField]
			if !ok {
				return nil, fmt.Errorf("schema: model %s: relation %s: unknown local join field %q", m.Name, f.Name, f.FromField)
			}
			if from.Relation() {
				return nil, fmt.Errorf("schema: model %s: relation %s: join field %q must be scalar", m.Name, f.Name, f.FromField)
			}
			to, ok := target.fields[f.ToField]
			if !ok {
				return nil, fmt.Errorf("schema: model %s: relation %s: unknown target join field %s.%q", m.Name, f.Name, f.Target, f.ToField)
			}
			if to.Relation() {
				return nil, fmt.Errorf("schema: model %s: relation %s: join field %s.%q must be scalar", m.Name, f.Name, f.Target, f.ToField)
			}
		}
	}
	return s, nil
}
