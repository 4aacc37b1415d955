package policy

import (
	"fmt"
	"regexp"

	"golang.org/x/crypto/bcrypt"

	"github.com/syssam/guardrail"
	"github.com/syssam/guardrail/attr"
	"github.com/syssam/guardrail/expr"
	"github.com/syssam/guardrail/schema"
)

// ModelPolicy is the compiled policy of one model: its access rules and
// its field behaviors.
type ModelPolicy struct {
	Model     *schema.Model
	Rules     *RuleSet
	Behaviors *Behaviors
}

// Bundle is the compiled policy of a whole schema. It is immutable after
// Compile and safe for concurrent use.
type Bundle struct {
	Schema *schema.Schema

	models map[string]*ModelPolicy
}

// Model returns the compiled policy of the named model.
func (b *Bundle) Model(name string) (*ModelPolicy, bool) {
	mp, ok := b.models[name]
	return mp, ok
}

// Compile validates every attribute in the schema against the registry and
// compiles the recognized ones into rules and behaviors. It fails on the
// first unknown attribute, signature mismatch, invalid operation selector,
// or condition expression that does not parse and check against its model.
// A schema that compiles cleanly produces policies that evaluate without
// internal errors on conforming records.
func Compile(sch *schema.Schema, reg *attr.Registry) (*Bundle, error) {
	b := &Bundle{Schema: sch, models: make(map[string]*ModelPolicy, len(sch.Models))}
	for _, m := range sch.Models {
		mp, err := compileModel(m, reg)
		if err != nil {
			return nil, err
		}
		b.models[m.Name] = mp
	}
	return b, nil
}

func compileModel(m *schema.Model, reg *attr.Registry) (*ModelPolicy, error) {
	rs := &RuleSet{model: m}
	for _, a := range m.Attrs {
		if err := reg.Validate(m.Name, "", a); err != nil {
			return nil, err
		}
		switch a.Name {
		case attr.Allow, attr.Deny:
			r, err := compileRule(m, a)
			if err != nil {
				return nil, err
			}
			rs.rules = append(rs.rules, r)
		}
	}
	bh, err := compileBehaviors(m, reg)
	if err != nil {
		return nil, err
	}
	return &ModelPolicy{Model: m, Rules: rs, Behaviors: bh}, nil
}

func compileRule(m *schema.Model, a schema.Attribute) (Rule, error) {
	opArg := a.Args[0].(string)
	op := guardrail.Op(opArg)
	if !op.Valid() {
		return Rule{}, &guardrail.ArgumentTypeMismatchError{
			Model: m.Name, Attribute: a.Name,
			Index: 0, Want: "operation (create, read, update, delete, all)", Got: fmt.Sprintf("%q", opArg),
		}
	}
	src := a.Args[1].(string)
	cond, err := expr.Parse(src)
	if err != nil {
		if pe, ok := err.(*guardrail.PolicyParseError); ok {
			pe.Model = m.Name
		}
		return Rule{}, err
	}
	if err := expr.Check(cond, m); err != nil {
		return Rule{}, err
	}
	effect := EffectAllow
	if a.Name == attr.Deny {
		effect = EffectDeny
	}
	return Rule{Op: op, Effect: effect, Cond: cond, Src: src}, nil
}

func compileBehaviors(m *schema.Model, reg *attr.Registry) (*Behaviors, error) {
	bh := &Behaviors{
		model:      m,
		defaults:   make(map[string]any),
		omitted:    make(map[string]bool),
		validators: make(map[string][]validator),
		transforms: make(map[string]transform),
	}
	for _, f := range m.Fields {
		if f.Default != nil {
			if err := checkDefault(m, f, f.Default); err != nil {
				return nil, err
			}
			bh.defaults[f.Name] = f.Default
		}
		for _, a := range f.Attrs {
			if err := reg.Validate(m.Name, f.Name, a); err != nil {
				return nil, err
			}
			switch a.Name {
			case attr.Omit:
				bh.omitted[f.Name] = true
			case attr.Length:
				min, max := intArg(a.Args[0]), intArg(a.Args[1])
				if min < 0 || max < min {
					return nil, &guardrail.ArgumentTypeMismatchError{
						Model: m.Name, Field: f.Name, Attribute: a.Name,
						Index: -1, Want: "0 <= min <= max", Got: fmt.Sprintf("min=%d max=%d", min, max),
					}
				}
				bh.validators[f.Name] = append(bh.validators[f.Name], lengthValidator(min, max))
			case attr.Regex:
				re, err := regexp.Compile(a.Args[0].(string))
				if err != nil {
					return nil, &guardrail.ArgumentTypeMismatchError{
						Model: m.Name, Field: f.Name, Attribute: a.Name,
						Index: 0, Want: "valid regular expression", Got: err.Error(),
					}
				}
				bh.validators[f.Name] = append(bh.validators[f.Name], regexValidator(re))
			case attr.Password:
				cost := bcrypt.DefaultCost
				if len(a.Args) > 0 {
					cost = intArg(a.Args[0])
				}
				if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
					return nil, &guardrail.ArgumentTypeMismatchError{
						Model: m.Name, Field: f.Name, Attribute: a.Name,
						Index: 0, Want: fmt.Sprintf("cost in [%d, %d]", bcrypt.MinCost, bcrypt.MaxCost), Got: fmt.Sprintf("%d", cost),
					}
				}
				bh.transforms[f.Name] = passwordTransform(cost)
			case attr.Default:
				if err := checkDefault(m, f, a.Args[0]); err != nil {
					return nil, err
				}
				bh.defaults[f.Name] = a.Args[0]
			}
		}
	}
	return bh, nil
}

// checkDefault verifies that a declared default value is assignable to the
// field's type. Null defaults are only meaningful on optional fields.
func checkDefault(m *schema.Model, f *schema.Field, v any) error {
	mismatch := func(got string) error {
		return &guardrail.ArgumentTypeMismatchError{
			Model: m.Name, Field: f.Name, Attribute: attr.Default,
			Index: 0, Want: f.Type.String(), Got: got,
		}
	}
	switch v.(type) {
	case nil:
		if !f.Optional {
			return mismatch("null")
		}
		return nil
	case string:
		if f.Type == schema.TypeString || f.Type == schema.TypeID {
			return nil
		}
		return mismatch("string")
	case bool:
		if f.Type == schema.TypeBool {
			return nil
		}
		return mismatch("bool")
	case int, int64:
		if f.Type.Numeric() {
			return nil
		}
		return mismatch("int")
	case float64:
		if f.Type == schema.TypeFloat {
			return nil
		}
		return mismatch("float")
	}
	return mismatch(fmt.Sprintf("%T", v))
}

func intArg(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	}
	return 0
}
