// Package builtins is the versioned registry of rule operators and built-in
// functions. The linter and the IR generator consult the same registry, so
// adding an operator or function is a single registration.
package builtins

import (
	"errors"
	"fmt"
	"sort"

	"github.com/Mindburn-Labs/cap-compiler/pkg/diag"
	"github.com/Mindburn-Labs/cap-compiler/pkg/expr"
)

// Version identifies the operator and function set. It changes whenever a
// registration changes meaning.
const Version = "1.0"

var (
	ErrUnsupportedOperator = errors.New("unsupported operator")
	ErrDuplicate           = errors.New("already registered")
)

// Type is the coarse value type of a function result or declared input.
type Type string

const (
	TypeBool   Type = "bool"
	TypeNumber Type = "number"
	TypeString Type = "string"
	TypeDigest Type = "digest"
	TypeList   Type = "list"
	TypeDate   Type = "date"
	TypeAny    Type = "any"
)

// Function describes a built-in callable from expressions.
type Function struct {
	Name    string
	MinArgs int
	// MaxArgs < 0 means variadic.
	MaxArgs int
	Result  Type
	// Temporal marks functions returning a difference between two dates.
	Temporal bool
	Doc      string
}

// AcceptsArity reports whether n arguments are allowed.
func (f Function) AcceptsArity(n int) bool {
	if n < f.MinArgs {
		return false
	}
	return f.MaxArgs < 0 || n <= f.MaxArgs
}

// ArityString renders the accepted argument count for messages.
func (f Function) ArityString() string {
	switch {
	case f.MaxArgs < 0:
		return fmt.Sprintf("at least %d", f.MinArgs)
	case f.MinArgs == f.MaxArgs:
		return fmt.Sprintf("exactly %d", f.MinArgs)
	default:
		return fmt.Sprintf("%d to %d", f.MinArgs, f.MaxArgs)
	}
}

// Issue is a registry-level finding about an expression or rule shape.
type Issue struct {
	Code    diag.Code
	Message string
}

// ShapeCheck inspects the lowered operands of a rule.
type ShapeCheck func(r *Registry, lhs, rhs expr.Expr) []Issue

// Operator describes a rule operator.
type Operator struct {
	Name string
	// Operands names lhs and rhs for messages, e.g. ["element", "set_root"].
	Operands [2]string
	Doc      string
	Check    ShapeCheck
}

// Registry holds operators and functions. A Registry is not mutated after
// construction by the compiler and is safe for concurrent reads.
type Registry struct {
	version   string
	operators map[string]Operator
	functions map[string]Function
}

// New returns an empty registry.
func New(version string) *Registry {
	return &Registry{
		version:   version,
		operators: make(map[string]Operator),
		functions: make(map[string]Function),
	}
}

func (r *Registry) Version() string { return r.version }

func (r *Registry) RegisterOperator(op Operator) error {
	if op.Name == "" {
		return errors.New("operator name is empty")
	}
	if _, ok := r.operators[op.Name]; ok {
		return fmt.Errorf("operator %q: %w", op.Name, ErrDuplicate)
	}
	r.operators[op.Name] = op
	return nil
}

func (r *Registry) RegisterFunction(fn Function) error {
	if fn.Name == "" {
		return errors.New("function name is empty")
	}
	if fn.MaxArgs >= 0 && fn.MaxArgs < fn.MinArgs {
		return fmt.Errorf("function %q: max arity %d below min %d", fn.Name, fn.MaxArgs, fn.MinArgs)
	}
	if _, ok := r.functions[fn.Name]; ok {
		return fmt.Errorf("function %q: %w", fn.Name, ErrDuplicate)
	}
	r.functions[fn.Name] = fn
	return nil
}

func (r *Registry) Operator(name string) (Operator, bool) {
	op, ok := r.operators[name]
	return op, ok
}

func (r *Registry) Function(name string) (Function, bool) {
	fn, ok := r.functions[name]
	return fn, ok
}

// Operators returns the registered operator names, sorted.
func (r *Registry) Operators() []string {
	out := make([]string, 0, len(r.operators))
	for name := range r.operators {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Functions returns the registered functions sorted by name.
func (r *Registry) Functions() []Function {
	out := make([]Function, 0, len(r.functions))
	for _, fn := range r.functions {
		out = append(out, fn)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// LowerRule resolves op and lowers both operand surfaces. Both sides are
// always attempted: an operand that fails to lower comes back nil and its
// error is joined into err, named by the operator's operand label.
func (r *Registry) LowerRule(op string, lhs, rhs any) (expr.Expr, expr.Expr, error) {
	o, ok := r.operators[op]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %q", ErrUnsupportedOperator, op)
	}
	l, lerr := expr.Lower(lhs)
	if lerr != nil {
		l, lerr = nil, fmt.Errorf("lhs (%s): %w", o.Operands[0], lerr)
	}
	rh, rerr := expr.Lower(rhs)
	if rerr != nil {
		rh, rerr = nil, fmt.Errorf("rhs (%s): %w", o.Operands[1], rerr)
	}
	return l, rh, errors.Join(lerr, rerr)
}

// CheckCalls reports unknown functions (E2002) and arity mismatches (E2004)
// for every call in e, in pre-order.
func (r *Registry) CheckCalls(e expr.Expr) []Issue {
	var issues []Issue
	for _, c := range expr.Calls(e) {
		fn, ok := r.functions[c.Func()]
		if !ok {
			issues = append(issues, Issue{
				Code:    diag.CodeUnknownFunction,
				Message: fmt.Sprintf("unknown built-in function %q", c.Func()),
			})
			continue
		}
		if !fn.AcceptsArity(c.NumArgs()) {
			issues = append(issues, Issue{
				Code: diag.CodeArity,
				Message: fmt.Sprintf("function %q takes %s argument(s), got %d",
					fn.Name, fn.ArityString(), c.NumArgs()),
			})
		}
	}
	return issues
}

// CheckShape runs the operator's constraint-shape check, if any.
func (r *Registry) CheckShape(op string, lhs, rhs expr.Expr) []Issue {
	o, ok := r.operators[op]
	if !ok || o.Check == nil {
		return nil
	}
	return o.Check(r, lhs, rhs)
}

// ResultType returns the static result type of e where it is known.
// Variables resolve to TypeAny; callers that know input types refine that.
func (r *Registry) ResultType(e expr.Expr) Type {
	switch n := e.(type) {
	case expr.Call:
		if fn, ok := r.functions[n.Func()]; ok {
			return fn.Result
		}
		return TypeAny
	case expr.Lit:
		return LiteralType(n.Value())
	default:
		return TypeAny
	}
}
