package policy

import (
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/syssam/guardrail"
	"github.com/syssam/guardrail/schema"
)

// Behaviors holds the compiled field behaviors of one model: create
// defaults, write validators, write transforms, and read omissions. All
// methods treat their input as immutable and return copies.
type Behaviors struct {
	model      *schema.Model
	defaults   map[string]any
	omitted    map[string]bool
	validators map[string][]validator
	transforms map[string]transform
}

type validator func(v any) error

type transform func(v any) (any, error)

// Omitted reports whether the field is stripped from read results.
func (b *Behaviors) Omitted(field string) bool { return b.omitted[field] }

// ApplyDefaults returns a copy of the create input with declared default
// values merged in for absent fields. Fields present in the input, even as
// explicit nulls, are left alone.
func (b *Behaviors) ApplyDefaults(data guardrail.Record) guardrail.Record {
	out := data.Clone()
	if out == nil {
		out = guardrail.Record{}
	}
	for field, def := range b.defaults {
		if _, ok := out[field]; !ok {
			out[field] = def
		}
	}
	return out
}

// ValidateWrite checks every field present in the write input against its
// declared validators. Absent fields are not validated; partial updates
// only answer for the fields they touch.
func (b *Behaviors) ValidateWrite(data guardrail.Record) error {
	for _, f := range b.model.Fields {
		vs := b.validators[f.Name]
		if len(vs) == 0 {
			continue
		}
		v, ok := data[f.Name]
		if !ok {
			continue
		}
		for _, validate := range vs {
			if err := validate(v); err != nil {
				return guardrail.NewValidationError(b.model.Name, f.Name, err)
			}
		}
	}
	return nil
}

// TransformWrite returns a copy of the write input with declared transforms
// applied to the fields present in it.
func (b *Behaviors) TransformWrite(data guardrail.Record) (guardrail.Record, error) {
	if len(b.transforms) == 0 {
		return data, nil
	}
	out := data.Clone()
	for field, apply := range b.transforms {
		v, ok := out[field]
		if !ok {
			continue
		}
		tv, err := apply(v)
		if err != nil {
			return nil, guardrail.NewValidationError(b.model.Name, field, err)
		}
		out[field] = tv
	}
	return out, nil
}

// RedactRead returns a copy of the record with omitted fields stripped.
// Nested records attached by eager loading are left for the caller, which
// knows the related model each of them belongs to.
func (b *Behaviors) RedactRead(rec guardrail.Record) guardrail.Record {
	out := rec.Clone()
	for field := range b.omitted {
		delete(out, field)
	}
	return out
}

func lengthValidator(min, max int) validator {
	return func(v any) error {
		s, ok := v.(string)
		if !ok {
			return fmt.Errorf("expected string, got %T", v)
		}
		if n := len(s); n < min || n > max {
			return fmt.Errorf("length %d outside range [%d, %d]", n, min, max)
		}
		return nil
	}
}

func regexValidator(re *regexp.Regexp) validator {
	return func(v any) error {
		s, ok := v.(string)
		if !ok {
			return fmt.Errorf("expected string, got %T", v)
		}
		if !re.MatchString(s) {
			return fmt.Errorf("value does not match pattern %s", re)
		}
		return nil
	}
}

// passwordTransform hashes plaintext values with bcrypt. Values already in
// bcrypt form pass through unchanged, so writing a record back does not
// re-hash the hash.
func passwordTransform(cost int) transform {
	return func(v any) (any, error) {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("expected string, got %T", v)
		}
		if isBcryptHash(s) {
			return s, nil
		}
		hashed, err := bcrypt.GenerateFromPassword([]byte(s), cost)
		if err != nil {
			return nil, err
		}
		return string(hashed), nil
	}
}

func isBcryptHash(s string) bool {
	if len(s) != 60 {
		return false
	}
	return strings.HasPrefix(s, "$2a$") || strings.HasPrefix(s, "$2b$") || strings.HasPrefix(s, "$2y$")
}
