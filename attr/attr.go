// Package attr holds the fixed catalog of recognized declarative attributes
// and their argument signatures. The catalog is populated once at startup
// and read-only thereafter; looking up or validating against it has no side
// effects.
package attr

import (
	"fmt"

	"github.com/syssam/guardrail"
	"github.com/syssam/guardrail/schema"
)

// Kind is the expected kind of a single attribute argument.
type Kind int

// Argument kinds. KindExpr arguments are policy expression source text;
// they are carried as strings and parsed by the policy compiler. KindAny
// accepts any scalar value, including null.
const (
	KindString Kind = iota
	KindInt
	KindFloat
	KindBool
	KindExpr
	KindAny
)

var kindNames = map[Kind]string{
	KindString: "string",
	KindInt:    "int",
	KindFloat:  "float",
	KindBool:   "bool",
	KindExpr:   "expression",
	KindAny:    "any",
}

// String returns the kind name used in diagnostics.
func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Target restricts where an attribute may be attached.
type Target int

// Attachment targets.
const (
	ModelTarget Target = iota
	FieldTarget
)

// Param describes one positional argument of an attribute signature.
type Param struct {
	Name     string
	Kind     Kind
	Optional bool // Optional params must trail the required ones
}

// Signature is the declared shape of an attribute: where it may be attached
// and what arguments it takes.
type Signature struct {
	Target Target
	Params []Param
}

func (s Signature) minArgs() int {
	n := 0
	for _, p := range s.Params {
		if !p.Optional {
			n++
		}
	}
	return n
}

// Registry maps attribute names to signatures.
type Registry struct {
	sigs map[string]Signature
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{sigs: make(map[string]Signature)}
}

// Register adds an attribute signature to the catalog. Registering the same
// name twice is an error; the catalog is fixed, not layered.
func (r *Registry) Register(name string, sig Signature) error {
	if name == "" {
		return fmt.Errorf("attr: empty attribute name")
	}
	if _, ok := r.sigs[name]; ok {
		return fmt.Errorf("attr: attribute %q already registered", name)
	}
	seenOptional := false
	for _, p := range sig.Params {
		if p.Optional {
			seenOptional = true
		} else if seenOptional {
			return fmt.Errorf("attr: attribute %q: required parameter %q after optional one", name, p.Name)
		}
	}
	r.sigs[name] = sig
	return nil
}

// Lookup returns the signature registered under name.
func (r *Registry) Lookup(name string) (Signature, bool) {
	sig, ok := r.sigs[name]
	return sig, ok
}

// Validate checks a schema attribute instance against the catalog: the name
// must be registered for the attachment target and the supplied arguments
// must agree with the signature in arity and kind. The model and field names
// are carried into the returned diagnostics only.
func (r *Registry) Validate(model, field string, a schema.Attribute) error {
	sig, ok := r.sigs[a.Name]
	if !ok {
		return guardrail.NewUnknownAttributeError(model, field, a.Name)
	}
	target := ModelTarget
	if field != "" {
		target = FieldTarget
	}
	if sig.Target != target {
		return guardrail.NewUnknownAttributeError(model, field, a.Name)
	}
	if len(a.Args) < sig.minArgs() || len(a.Args) > len(sig.Params) {
		want := fmt.Sprintf("%d", len(sig.Params))
		if sig.minArgs() != len(sig.Params) {
			want = fmt.Sprintf("%d to %d", sig.minArgs(), len(sig.Params))
		}
		return &guardrail.ArgumentTypeMismatchError{
			Model: model, Field: field, Attribute: a.Name,
			Index: -1, Want: want, Got: fmt.Sprintf("%d", len(a.Args)),
		}
	}
	for i, arg := range a.Args {
		if err := checkKind(sig.Params[i].Kind, arg); err != nil {
			return &guardrail.ArgumentTypeMismatchError{
				Model: model, Field: field, Attribute: a.Name,
				Index: i, Want: sig.Params[i].Kind.String(), Got: kindOf(arg),
			}
		}
	}
	return nil
}

func checkKind(want Kind, v any) error {
	switch want {
	case KindAny:
		return nil
	case KindString, KindExpr:
		if _, ok := v.(string); ok {
			return nil
		}
	case KindInt:
		switch v.(type) {
		case int, int64:
			return nil
		}
	case KindFloat:
		switch v.(type) {
		case int, int64, float64:
			return nil
		}
	case KindBool:
		if _, ok := v.(bool); ok {
			return nil
		}
	}
	return fmt.Errorf("kind mismatch")
}

func kindOf(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case bool:
		return "bool"
	case int, int64:
		return "int"
	case float64:
		return "float"
	}
	return fmt.Sprintf("%T", v)
}

// Builtin attribute names.
const (
	Allow    = "@@allow"
	Deny     = "@@deny"
	Omit     = "@omit"
	Password = "@password"
	Length   = "@length"
	Regex    = "@regex"
	Default  = "@default"
)

// Builtin returns the catalog of attributes recognized by the policy
// compiler:
//
//	@@allow(operation string, condition expr)   model-level
//	@@deny(operation string, condition expr)    model-level
//	@omit()                                     field-level, omit on read
//	@password(cost int?)                        field-level, bcrypt on write
//	@length(min int, max int)                   field-level validation
//	@regex(pattern string)                      field-level validation
//	@default(value any)                         field-level create default
func Builtin() *Registry {
	r := NewRegistry()
	must := func(name string, sig Signature) {
		if err := r.Register(name, sig); err != nil {
			panic(err)
		}
	}
	must(Allow, Signature{Target: ModelTarget, Params: []Param{
		{Name: "operation", Kind: KindString},
		{Name: "condition", Kind: KindExpr},
	}})
	must(Deny, Signature{Target: ModelTarget, Params: []Param{
		{Name: "operation", Kind: KindString},
		{Name: "condition", Kind: KindExpr},
	}})
	must(Omit, Signature{Target: FieldTarget})
	must(Password, Signature{Target: FieldTarget, Params: []Param{
		{Name: "cost", Kind: KindInt, Optional: true},
	}})
	must(Length, Signature{Target: FieldTarget, Params: []Param{
		{Name: "min", Kind: KindInt},
		{Name: "max", Kind: KindInt},
	}})
	must(Regex, Signature{Target: FieldTarget, Params: []Param{
		{Name: "pattern", Kind: KindString},
	}})
	must(Default, Signature{Target: FieldTarget, Params: []Param{
		{Name: "value", Kind: KindAny},
	}})
	return r
}
