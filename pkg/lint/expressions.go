package lint

import (
	"encoding/json"
	"math/big"
	"sort"
	"strings"

	"github.com/Mindburn-Labs/cap-compiler/pkg/diag"
	"github.com/Mindburn-Labs/cap-compiler/pkg/expr"
)

// maxSafeInteger is 2^53-1, the largest integer an IEEE-754 double holds
// exactly.
var maxSafeInteger = new(big.Int).SetUint64(1<<53 - 1)

func (r *run) checkOperators() {
	for _, lr := range r.rules {
		if !lr.opKnown {
			r.report(diag.CodeUnsupportedOperator, lr.rule.ID,
				"unsupported operator %q (supported: %s)", lr.rule.Op, strings.Join(r.reg.Operators(), ", "))
		}
	}
}

func (r *run) checkExpressions() {
	names := r.resolvableNames()
	for _, lr := range r.rules {
		r.checkOperand(lr.rule.ID, lr.lhs, names)
		r.checkOperand(lr.rule.ID, lr.rhs, names)
	}
	for _, lp := range r.predicates {
		r.checkOperand("", lp.expr, names)
	}
}

// resolvableNames returns the names an expression may reference, or nil
// when the policy declares no inputs and references cannot be resolved.
func (r *run) resolvableNames() map[string]bool {
	if len(r.p.Inputs) == 0 {
		return nil
	}
	names := make(map[string]bool, len(r.p.Inputs)+len(r.predicateIDs))
	for name := range r.p.Inputs {
		names[name] = true
	}
	for id := range r.predicateIDs {
		names[id] = true
	}
	return names
}

func (r *run) checkOperand(ruleID string, op operand, names map[string]bool) {
	if op.err != nil {
		r.report(diag.CodeMalformedExpression, ruleID, "%s: %v", op.where, op.err)
		return
	}
	for _, is := range r.reg.CheckCalls(op.e) {
		r.report(is.Code, ruleID, "%s: %s", op.where, is.Message)
	}
	if names == nil {
		return
	}
	reported := make(map[string]bool)
	for _, name := range expr.Vars(op.e) {
		if names[name] || reported[name] {
			continue
		}
		reported[name] = true
		r.report(diag.CodeUnresolvedVariable, ruleID,
			"%s: %q is neither a declared input nor a predicate", op.where, name)
	}
}

func (r *run) checkShapes() {
	for _, lr := range r.rules {
		if !lr.opKnown || !lr.lhs.usable() || !lr.rhs.usable() {
			continue
		}
		for _, is := range r.reg.CheckShape(lr.rule.Op, lr.lhs.e, lr.rhs.e) {
			r.report(is.Code, lr.rule.ID, "%s", is.Message)
		}
	}
}

func (r *run) checkUnsafeIntegers() {
	for _, lr := range r.rules {
		for _, op := range []operand{lr.lhs, lr.rhs} {
			r.checkIntegersIn(lr.rule.ID, op)
		}
	}
	for _, lp := range r.predicates {
		r.checkIntegersIn("", lp.expr)
	}
}

func (r *run) checkIntegersIn(ruleID string, op operand) {
	if op.err != nil {
		return
	}
	for _, lit := range expr.Lits(op.e) {
		walkNumbers(lit.Value(), func(n json.Number) {
			if unsafeInteger(n) {
				r.report(diag.CodeUnsafeInteger, ruleID,
					"%s: integer %s exceeds 2^53-1 and loses precision in canonical form", op.where, n)
			}
		})
	}
}

func unsafeInteger(n json.Number) bool {
	s := n.String()
	if strings.ContainsAny(s, ".eE") {
		return false
	}
	i, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return false
	}
	return i.CmpAbs(maxSafeInteger) > 0
}

// walkNumbers visits numbers in a generic JSON value in a stable order.
func walkNumbers(v any, fn func(json.Number)) {
	switch t := v.(type) {
	case json.Number:
		fn(t)
	case []any:
		for _, item := range t {
			walkNumbers(item, fn)
		}
	case map[string]any:
		for _, k := range sortedKeys(t) {
			walkNumbers(t[k], fn)
		}
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
