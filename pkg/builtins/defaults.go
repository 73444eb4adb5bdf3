package builtins

import (
	"encoding/json"
	"fmt"

	"github.com/Mindburn-Labs/cap-compiler/pkg/crypto"
	"github.com/Mindburn-Labs/cap-compiler/pkg/diag"
	"github.com/Mindburn-Labs/cap-compiler/pkg/expr"
)

// Operator names.
const (
	OpNonMembership = "non_membership"
	OpEq            = "eq"
	OpRangeMin      = "range_min"
)

var defaultOperators = []Operator{
	{
		Name:     OpNonMembership,
		Operands: [2]string{"element", "set_root"},
		Doc:      "element is absent from the committed set identified by set_root",
		Check:    checkNonMembership,
	},
	{
		Name:     OpEq,
		Operands: [2]string{"left", "right"},
		Doc:      "left equals right",
	},
	{
		Name:     OpRangeMin,
		Operands: [2]string{"value", "min"},
		Doc:      "value is at least min",
		Check:    checkRangeMin,
	},
}

var defaultFunctions = []Function{
	{Name: "and", MinArgs: 2, MaxArgs: -1, Result: TypeBool, Doc: "logical conjunction"},
	{Name: "or", MinArgs: 2, MaxArgs: -1, Result: TypeBool, Doc: "logical disjunction"},
	{Name: "not", MinArgs: 1, MaxArgs: 1, Result: TypeBool, Doc: "logical negation"},
	{Name: "eq", MinArgs: 2, MaxArgs: 2, Result: TypeBool, Doc: "equality"},
	{Name: "neq", MinArgs: 2, MaxArgs: 2, Result: TypeBool, Doc: "inequality"},
	{Name: "gt", MinArgs: 2, MaxArgs: 2, Result: TypeBool, Doc: "greater than"},
	{Name: "gte", MinArgs: 2, MaxArgs: 2, Result: TypeBool, Doc: "greater than or equal"},
	{Name: "lt", MinArgs: 2, MaxArgs: 2, Result: TypeBool, Doc: "less than"},
	{Name: "lte", MinArgs: 2, MaxArgs: 2, Result: TypeBool, Doc: "less than or equal"},
	{Name: "contains", MinArgs: 2, MaxArgs: 2, Result: TypeBool, Doc: "list contains element"},
	{Name: "count", MinArgs: 1, MaxArgs: 1, Result: TypeNumber, Doc: "number of list elements"},
	{Name: "days_between", MinArgs: 2, MaxArgs: 2, Result: TypeNumber, Temporal: true, Doc: "whole days from first to second date"},
	{Name: "months_between", MinArgs: 2, MaxArgs: 2, Result: TypeNumber, Temporal: true, Doc: "whole months from first to second date"},
	{Name: "years_between", MinArgs: 2, MaxArgs: 2, Result: TypeNumber, Temporal: true, Doc: "whole years from first to second date"},
}

// Default returns a fresh registry with the built-in operator and function
// set for Version.
func Default() *Registry {
	r := New(Version)
	for _, op := range defaultOperators {
		if err := r.RegisterOperator(op); err != nil {
			panic(fmt.Sprintf("builtins: %v", err))
		}
	}
	for _, fn := range defaultFunctions {
		if err := r.RegisterFunction(fn); err != nil {
			panic(fmt.Sprintf("builtins: %v", err))
		}
	}
	return r
}

// LiteralType classifies a generic JSON value.
func LiteralType(v any) Type {
	switch t := v.(type) {
	case bool:
		return TypeBool
	case json.Number:
		return TypeNumber
	case string:
		if crypto.IsDigest(t) {
			return TypeDigest
		}
		return TypeString
	case []any:
		return TypeList
	default:
		return TypeAny
	}
}

func checkNonMembership(_ *Registry, _, setRoot expr.Expr) []Issue {
	switch n := setRoot.(type) {
	case expr.Var:
		return nil
	case expr.Lit:
		if s, ok := n.Value().(string); ok && crypto.IsDigest(s) {
			return nil
		}
	}
	return []Issue{{
		Code:    diag.CodeSetRootShape,
		Message: "non_membership set_root must be a variable or a sha3-256 digest literal",
	}}
}

func checkRangeMin(r *Registry, value, bound expr.Expr) []Issue {
	var issues []Issue

	temporal := false
	if c, ok := value.(expr.Call); ok {
		if fn, ok := r.Function(c.Func()); ok && fn.Temporal {
			temporal = true
		}
	}
	if !temporal {
		issues = append(issues, Issue{
			Code:    diag.CodeTemporalShape,
			Message: "range_min value must be a temporal difference call (days_between, months_between, years_between)",
		})
	}

	switch n := bound.(type) {
	case expr.Var:
	case expr.Lit:
		if _, ok := n.Value().(json.Number); !ok {
			issues = append(issues, Issue{
				Code:    diag.CodeRangeBoundShape,
				Message: "range_min min must be numeric",
			})
		}
	case expr.Call:
		if r.ResultType(n) != TypeNumber {
			issues = append(issues, Issue{
				Code:    diag.CodeRangeBoundShape,
				Message: fmt.Sprintf("range_min min must be numeric, %q does not return a number", n.Func()),
			})
		}
	}
	return issues
}
