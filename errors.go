package guardrail

import (
	"errors"
	"fmt"
)

// Standard sentinel errors for policy enforcement.
var (
	// ErrPolicyViolation is returned when an operation is denied by a
	// policy rule or by default-deny.
	ErrPolicyViolation = errors.New("guardrail: operation denied by policy")

	// ErrValidation is returned when a field behavior validation fails.
	ErrValidation = errors.New("guardrail: validation failed")

	// ErrPolicyParse is returned when a policy expression cannot be
	// compiled against the schema.
	ErrPolicyParse = errors.New("guardrail: policy parse error")
)

// PolicyViolationError reports an operation denied by policy. It carries
// only the model, operation and the source text of the deciding rule;
// never the contents of the denied record.
type PolicyViolationError struct {
	Model string // Model the operation targeted
	Op    Op     // Requested operation kind
	Rule  string // Source text of the deny rule, empty for default-deny
}

// Error returns the error string.
func (e *PolicyViolationError) Error() string {
	if e.Rule != "" {
		return fmt.Sprintf("guardrail: policy denied %s on %s (rule: %s)", e.Op, e.Model, e.Rule)
	}
	return fmt.Sprintf("guardrail: policy denied %s on %s", e.Op, e.Model)
}

// Is reports whether the target error matches PolicyViolationError.
// This allows errors.Is(err, ErrPolicyViolation) to return true.
func (e *PolicyViolationError) Is(err error) bool {
	return err == ErrPolicyViolation
}

// NewPolicyViolationError returns a new PolicyViolationError.
func NewPolicyViolationError(model string, op Op, rule string) *PolicyViolationError {
	return &PolicyViolationError{Model: model, Op: op, Rule: rule}
}

// IsPolicyViolation returns true if the error is a PolicyViolationError.
func IsPolicyViolation(err error) bool {
	if err == nil {
		return false
	}
	var e *PolicyViolationError
	return errors.As(err, &e) || errors.Is(err, ErrPolicyViolation)
}

// ValidationError reports a field behavior validation failure.
type ValidationError struct {
	Model string // Model being written
	Field string // Offending field
	Err   error  // Underlying validation error
}

// Error returns the error string.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("guardrail: validator failed for field %s.%s: %s", e.Model, e.Field, e.Err)
}

// Unwrap returns the underlying error.
func (e *ValidationError) Unwrap() error {
	return e.Err
}

// Is reports whether the target error matches ValidationError.
func (e *ValidationError) Is(err error) bool {
	return err == ErrValidation
}

// NewValidationError returns a new ValidationError for the given field.
func NewValidationError(model, field string, err error) *ValidationError {
	return &ValidationError{Model: model, Field: field, Err: err}
}

// IsValidationError returns true if the error is a ValidationError.
func IsValidationError(err error) bool {
	if err == nil {
		return false
	}
	var e *ValidationError
	return errors.As(err, &e) || errors.Is(err, ErrValidation)
}

// PolicyParseError reports a policy expression that was rejected at schema
// load time: a syntax error, a reference to an unknown field or relation,
// or a construct that does not produce a boolean.
type PolicyParseError struct {
	Model string // Model the attribute is attached to, if known
	Expr  string // Source text of the expression
	Pos   int    // Byte offset of the offending token
	Msg   string // Description of the rejection
}

// Error returns the error string.
func (e *PolicyParseError) Error() string {
	if e.Model != "" {
		return fmt.Sprintf("guardrail: model %s: invalid policy expression %q at offset %d: %s", e.Model, e.Expr, e.Pos, e.Msg)
	}
	return fmt.Sprintf("guardrail: invalid policy expression %q at offset %d: %s", e.Expr, e.Pos, e.Msg)
}

// Is reports whether the target error matches PolicyParseError.
func (e *PolicyParseError) Is(err error) bool {
	return err == ErrPolicyParse
}

// IsPolicyParseError returns true if the error is a PolicyParseError.
func IsPolicyParseError(err error) bool {
	if err == nil {
		return false
	}
	var e *PolicyParseError
	return errors.As(err, &e) || errors.Is(err, ErrPolicyParse)
}

// UnknownAttributeError reports an attribute name with no registered
// signature.
type UnknownAttributeError struct {
	Model     string // Model carrying the attribute
	Field     string // Field carrying the attribute, empty for model-level
	Attribute string // The unrecognized attribute name
}

// Error returns the error string.
func (e *UnknownAttributeError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("guardrail: unknown attribute %s on %s.%s", e.Attribute, e.Model, e.Field)
	}
	return fmt.Sprintf("guardrail: unknown attribute %s on %s", e.Attribute, e.Model)
}

// NewUnknownAttributeError returns a new UnknownAttributeError.
func NewUnknownAttributeError(model, field, attribute string) *UnknownAttributeError {
	return &UnknownAttributeError{Model: model, Field: field, Attribute: attribute}
}

// IsUnknownAttribute returns true if the error is an UnknownAttributeError.
func IsUnknownAttribute(err error) bool {
	if err == nil {
		return false
	}
	var e *UnknownAttributeError
	return errors.As(err, &e)
}

// ArgumentTypeMismatchError reports attribute arguments that disagree with
// the registered signature, either in arity or in kind.
type ArgumentTypeMismatchError struct {
	Model     string // Model carrying the attribute
	Field     string // Field carrying the attribute, empty for model-level
	Attribute string // Attribute name
	Index     int    // Zero-based argument position, -1 for arity errors
	Want      string // Expected kind or arity description
	Got       string // Supplied kind or arity description
}

// Error returns the error string.
func (e *ArgumentTypeMismatchError) Error() string {
	target := e.Model
	if e.Field != "" {
		target = e.Model + "." + e.Field
	}
	if e.Index < 0 {
		return fmt.Sprintf("guardrail: attribute %s on %s: want %s arguments, got %s", e.Attribute, target, e.Want, e.Got)
	}
	return fmt.Sprintf("guardrail: attribute %s on %s: argument %d: want %s, got %s", e.Attribute, target, e.Index, e.Want, e.Got)
}

// IsArgumentTypeMismatch returns true if the error is an ArgumentTypeMismatchError.
func IsArgumentTypeMismatch(err error) bool {
	if err == nil {
		return false
	}
	var e *ArgumentTypeMismatchError
	return errors.As(err, &e)
}

// EvaluationError reports a type-category violation during expression
// evaluation. These are unreachable for expressions that passed compile-time
// checking; they are surfaced rather than coerced to a decision so that an
// internal bug cannot become an authorization bypass.
type EvaluationError struct {
	Model string // Model under evaluation
	Expr  string // Source text of the expression
	Msg   string // Description of the violation
}

// Error returns the error string.
func (e *EvaluationError) Error() string {
	return fmt.Sprintf("guardrail: evaluating %q on %s: %s", e.Expr, e.Model, e.Msg)
}

// NewEvaluationError returns a new EvaluationError.
func NewEvaluationError(model, expr, msg string) *EvaluationError {
	return &EvaluationError{Model: model, Expr: expr, Msg: msg}
}

// IsEvaluationError returns true if the error is an EvaluationError.
func IsEvaluationError(err error) bool {
	if err == nil {
		return false
	}
	var e *EvaluationError
	return errors.As(err, &e)
}

// ConstraintError represents a storage constraint violation surfaced by the
// underlying data-access client.
type ConstraintError struct {
	msg  string
	wrap error
}

// Error returns the error string.
func (e ConstraintError) Error() string {
	return fmt.Sprintf("guardrail: constraint failed: %s", e.msg)
}

// Unwrap returns the underlying error.
func (e ConstraintError) Unwrap() error {
	return e.wrap
}

// NewConstraintError returns a new ConstraintError with the given message.
func NewConstraintError(msg string, wrap error) error {
	return ConstraintError{msg: msg, wrap: wrap}
}

// IsConstraintError returns true if the error is a ConstraintError.
func IsConstraintError(err error) bool {
	if err == nil {
		return false
	}
	var e ConstraintError
	return errors.As(err, &e)
}
