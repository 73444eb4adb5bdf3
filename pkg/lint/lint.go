// Package lint checks a parsed policy and reports coded diagnostics.
//
// Checks run in a fixed order and, within a check, follow source
// declaration order, so the diagnostic list for a given policy and mode is
// always identical. The linter never mutates the policy.
package lint

import (
	"fmt"

	"github.com/Mindburn-Labs/cap-compiler/pkg/builtins"
	"github.com/Mindburn-Labs/cap-compiler/pkg/diag"
	"github.com/Mindburn-Labs/cap-compiler/pkg/expr"
	"github.com/Mindburn-Labs/cap-compiler/pkg/policy"
)

// Linter checks policies against an operator and function registry.
type Linter struct {
	registry *builtins.Registry
}

// New returns a linter for reg. A nil registry selects builtins.Default().
func New(reg *builtins.Registry) *Linter {
	if reg == nil {
		reg = builtins.Default()
	}
	return &Linter{registry: reg}
}

// Lint checks p with the default registry.
func Lint(p *policy.Policy, mode diag.Mode) diag.List {
	return New(nil).Lint(p, mode)
}

// Lint returns every diagnostic for p in mode. The list is never nil.
func (l *Linter) Lint(p *policy.Policy, mode diag.Mode) diag.List {
	r := &run{
		p:    p,
		mode: mode,
		reg:  l.registry,
		out:  diag.List{},
	}
	r.lower()

	r.checkDuplicateIDs()
	r.checkReferences()
	r.checkLegalBasis()
	r.checkInputTypes()
	r.checkOperators()
	r.checkExpressions()
	r.checkShapes()
	r.checkPredicateCycles()
	r.checkPredicateTypes()
	r.checkDescription()
	r.checkVersion()
	r.checkUnusedInputs()
	r.checkNormalization()
	r.checkDuplicateActivations()
	r.checkUnsafeIntegers()

	return r.out
}

// operand is one lowered surface expression.
type operand struct {
	// where names the position for messages, e.g. `lhs` or `predicate "p"`.
	where string
	e     expr.Expr
	err   error
	// callsOK is false when a call is unknown or has the wrong arity.
	callsOK bool
}

func (o *operand) usable() bool { return o.err == nil && o.callsOK }

type loweredRule struct {
	rule     policy.Rule
	opKnown  bool
	lhs, rhs operand
}

type loweredPredicate struct {
	pred policy.Predicate
	expr operand
}

type run struct {
	p    *policy.Policy
	mode diag.Mode
	reg  *builtins.Registry

	rules      []loweredRule
	predicates []loweredPredicate
	// predicateIDs holds the first declaration of each predicate id.
	predicateIDs map[string]int

	out diag.List
}

func (r *run) report(code diag.Code, ruleID, format string, args ...any) {
	r.out = append(r.out, diag.New(code, r.mode, ruleID, format, args...))
}

func (r *run) lower() {
	for _, rule := range r.p.Rules {
		_, known := r.reg.Operator(rule.Op)
		lr := loweredRule{rule: rule, opKnown: known}
		lr.lhs = r.lowerOperand("lhs", rule.LHS)
		lr.rhs = r.lowerOperand("rhs", rule.RHS)
		r.rules = append(r.rules, lr)
	}

	r.predicateIDs = make(map[string]int)
	for i, pred := range r.p.Predicates() {
		r.predicates = append(r.predicates, loweredPredicate{
			pred: pred,
			expr: r.lowerOperand(fmt.Sprintf("predicate %q", pred.ID), pred.Expr),
		})
		if _, seen := r.predicateIDs[pred.ID]; !seen {
			r.predicateIDs[pred.ID] = i
		}
	}
}

func (r *run) lowerOperand(where string, surface any) operand {
	e, err := expr.Lower(surface)
	if err != nil {
		return operand{where: where, err: err}
	}
	return operand{where: where, e: e, callsOK: len(r.reg.CheckCalls(e)) == 0}
}

// operands returns every successfully lowered expression in declaration
// order: rules (lhs, rhs) then predicates.
func (r *run) operands() []*operand {
	var out []*operand
	for i := range r.rules {
		out = append(out, &r.rules[i].lhs, &r.rules[i].rhs)
	}
	for i := range r.predicates {
		out = append(out, &r.predicates[i].expr)
	}
	return out
}

func (r *run) isPredicate(name string) bool {
	_, ok := r.predicateIDs[name]
	return ok
}
