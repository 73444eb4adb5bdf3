// Package expr defines the three-variant expression tree shared by the
// policy model and the IR: Variable, Literal and Call.
//
// Expressions are immutable. Constructors copy their inputs and accessors
// return copies, so an expression owns its sub-expressions and literal data.
package expr

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/Mindburn-Labs/cap-compiler/pkg/canonicalize"
)

// Kind names an expression variant.
type Kind string

const (
	KindVar  Kind = "var"
	KindLit  Kind = "lit"
	KindCall Kind = "call"
)

// Surface keys recognised when lowering and emitted when encoding.
const (
	keyVar  = "var"
	keyFunc = "func"
	keyArgs = "args"
	keyLit  = "lit"
)

// Expr is a node of the expression tree.
type Expr interface {
	json.Marshaler
	Kind() Kind
	sealed()
}

// Var is a named reference to a declared input or a predicate result.
type Var struct {
	name string
}

func NewVar(name string) Var {
	return Var{name: name}
}

func (v Var) Name() string { return v.name }
func (Var) Kind() Kind     { return KindVar }
func (Var) sealed()        {}

func (v Var) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]string{keyVar: v.name})
}

// Lit is an opaque JSON value carried through compilation unchanged.
type Lit struct {
	value any
}

// NewLit copies v into the generic JSON value space.
func NewLit(v any) (Lit, error) {
	g, err := canonicalize.ToGeneric(v)
	if err != nil {
		return Lit{}, fmt.Errorf("%w: literal: %v", ErrMalformed, err)
	}
	return Lit{value: g}, nil
}

// MustLit is NewLit for values known to be representable.
func MustLit(v any) Lit {
	l, err := NewLit(v)
	if err != nil {
		panic(err)
	}
	return l
}

// Value returns a copy of the literal value.
func (l Lit) Value() any { return copyGeneric(l.value) }
func (Lit) Kind() Kind   { return KindLit }
func (Lit) sealed()      {}

// MarshalJSON emits the raw value. Objects that would read back as a
// var/func/lit form are wrapped as {"lit": value}.
func (l Lit) MarshalJSON() ([]byte, error) {
	if m, ok := l.value.(map[string]any); ok && hasFormKey(m) {
		return marshalValue(map[string]any{keyLit: m})
	}
	return marshalValue(l.value)
}

// Call applies a built-in function to an ordered argument list.
type Call struct {
	fn   string
	args []Expr
}

func NewCall(fn string, args ...Expr) Call {
	return Call{fn: fn, args: append([]Expr(nil), args...)}
}

func (c Call) Func() string { return c.fn }

// Args returns a copy of the argument list.
func (c Call) Args() []Expr { return append([]Expr(nil), c.args...) }

// NumArgs avoids copying when only the arity matters.
func (c Call) NumArgs() int { return len(c.args) }

func (Call) Kind() Kind { return KindCall }
func (Call) sealed()    {}

func (c Call) MarshalJSON() ([]byte, error) {
	args := c.args
	if args == nil {
		args = []Expr{}
	}
	return json.Marshal(struct {
		Func string `json:"func"`
		Args []Expr `json:"args"`
	}{Func: c.fn, Args: args})
}

// Equal reports whether a and b encode to the same canonical bytes.
func Equal(a, b Expr) bool {
	ca, err := canonicalize.Canonicalize(a)
	if err != nil {
		return false
	}
	cb, err := canonicalize.Canonicalize(b)
	if err != nil {
		return false
	}
	return bytes.Equal(ca, cb)
}

// Walk visits e and its descendants in pre-order. Returning false from fn
// skips the children of the current node.
func Walk(e Expr, fn func(Expr) bool) {
	if e == nil || !fn(e) {
		return
	}
	if c, ok := e.(Call); ok {
		for _, a := range c.args {
			Walk(a, fn)
		}
	}
}

// Vars returns the variable names referenced by e in discovery order.
func Vars(e Expr) []string {
	var out []string
	Walk(e, func(n Expr) bool {
		if v, ok := n.(Var); ok {
			out = append(out, v.name)
		}
		return true
	})
	return out
}

// Calls returns the calls in e in pre-order.
func Calls(e Expr) []Call {
	var out []Call
	Walk(e, func(n Expr) bool {
		if c, ok := n.(Call); ok {
			out = append(out, c)
		}
		return true
	})
	return out
}

// Lits returns the literals in e in pre-order.
func Lits(e Expr) []Lit {
	var out []Lit
	Walk(e, func(n Expr) bool {
		if l, ok := n.(Lit); ok {
			out = append(out, l)
		}
		return true
	})
	return out
}

func hasFormKey(m map[string]any) bool {
	for _, k := range []string{keyVar, keyFunc, keyLit} {
		if _, ok := m[k]; ok {
			return true
		}
	}
	return false
}

func marshalValue(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}), nil
}

func copyGeneric(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, vv := range t {
			out[k] = copyGeneric(vv)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, vv := range t {
			out[i] = copyGeneric(vv)
		}
		return out
	default:
		return t
	}
}
