package ir

import (
	"errors"
	"fmt"
	"sort"

	"github.com/Mindburn-Labs/cap-compiler/pkg/builtins"
	"github.com/Mindburn-Labs/cap-compiler/pkg/diag"
	"github.com/Mindburn-Labs/cap-compiler/pkg/expr"
	"github.com/Mindburn-Labs/cap-compiler/pkg/policy"
)

// Generate lowers p into an unsealed IR. policyHash is recorded verbatim.
//
// Generate does not depend on the linter having run: structural defects
// (duplicate ids, predicates shadowing inputs, dangling references, unknown
// operators or functions, malformed expressions) are returned as
// diagnostics with a nil IR. The output never depends on declaration order.
func Generate(p *policy.Policy, policyHash string, reg *builtins.Registry) (*IR, diag.List) {
	if reg == nil {
		reg = builtins.Default()
	}
	g := &generator{reg: reg, diags: diag.List{}}

	rules := g.rules(p)
	preds := g.predicates(p)
	acts := g.activations(p)
	if len(g.diags) > 0 {
		return nil, g.diags
	}

	x := &IR{
		IRVersion:  Version,
		PolicyID:   p.ID,
		PolicyHash: policyHash,
		Rules:      rules,
	}
	if len(preds) > 0 || len(acts) > 0 {
		x.Adaptivity = &Adaptivity{Predicates: preds, Activations: acts}
	}
	return x, g.diags
}

type generator struct {
	reg   *builtins.Registry
	diags diag.List
}

func (g *generator) fail(code diag.Code, ruleID, format string, args ...any) {
	g.diags = append(g.diags, diag.New(code, diag.ModeStrict, ruleID, format, args...))
}

func (g *generator) lower(ruleID, where string, surface any) expr.Expr {
	e, err := expr.Lower(surface)
	if err != nil {
		g.fail(diag.CodeMalformedExpression, ruleID, "%s: %v", where, err)
		return nil
	}
	g.checkCalls(ruleID, where, e)
	return e
}

func (g *generator) checkCalls(ruleID, where string, e expr.Expr) {
	if e == nil {
		return
	}
	for _, is := range g.reg.CheckCalls(e) {
		g.fail(is.Code, ruleID, "%s: %s", where, is.Message)
	}
}

func (g *generator) rules(p *policy.Policy) []Rule {
	out := make([]Rule, 0, len(p.Rules))
	seen := make(map[string]bool, len(p.Rules))
	for _, r := range p.Rules {
		if seen[r.ID] {
			g.fail(diag.CodeDuplicateRuleID, r.ID, "rule id %q is declared more than once", r.ID)
			continue
		}
		seen[r.ID] = true

		lhs, rhs, err := g.reg.LowerRule(r.Op, r.LHS, r.RHS)
		if errors.Is(err, builtins.ErrUnsupportedOperator) {
			g.fail(diag.CodeUnsupportedOperator, r.ID, "unsupported operator %q", r.Op)
			continue
		}
		for _, e := range splitJoined(err) {
			g.fail(diag.CodeMalformedExpression, r.ID, "%v", e)
		}
		g.checkCalls(r.ID, "lhs", lhs)
		g.checkCalls(r.ID, "rhs", rhs)
		if err != nil {
			continue
		}
		out = append(out, Rule{ID: r.ID, Op: r.Op, LHS: lhs, RHS: rhs})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (g *generator) predicates(p *policy.Policy) []Predicate {
	out := make([]Predicate, 0, len(p.Predicates()))
	seen := make(map[string]bool)
	for _, pr := range p.Predicates() {
		if seen[pr.ID] {
			g.fail(diag.CodeDuplicatePredicate, "", "predicate id %q is declared more than once", pr.ID)
			continue
		}
		seen[pr.ID] = true
		if _, clash := p.Inputs[pr.ID]; clash {
			g.fail(diag.CodeShadowedInput, "", "predicate id %q collides with a declared input", pr.ID)
			continue
		}

		e := g.lower("", fmt.Sprintf("predicate %q", pr.ID), pr.Expr)
		if e == nil {
			continue
		}
		out = append(out, Predicate{ID: pr.ID, Expr: e})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// splitJoined flattens an errors.Join result into its parts.
func splitJoined(err error) []error {
	if err == nil {
		return nil
	}
	if j, ok := err.(interface{ Unwrap() []error }); ok {
		return j.Unwrap()
	}
	return []error{err}
}

// activations merges activations sharing a predicate, then sorts them by
// predicate and their rule lists lexically without duplicates.
func (g *generator) activations(p *policy.Policy) []Activation {
	ruleIDs := make(map[string]bool, len(p.Rules))
	for _, r := range p.Rules {
		ruleIDs[r.ID] = true
	}
	predIDs := make(map[string]bool, len(p.Predicates()))
	for _, pr := range p.Predicates() {
		predIDs[pr.ID] = true
	}

	merged := make(map[string]map[string]bool)
	for _, a := range p.Activations() {
		if !predIDs[a.When] {
			g.fail(diag.CodeUnknownReference, "", "activation when references unknown predicate %q", a.When)
		}
		set, ok := merged[a.When]
		if !ok {
			set = make(map[string]bool)
			merged[a.When] = set
		}
		for _, id := range a.Rules {
			if !ruleIDs[id] {
				g.fail(diag.CodeUnknownReference, id, "activation references unknown rule %q", id)
				continue
			}
			set[id] = true
		}
	}

	out := make([]Activation, 0, len(merged))
	for when, set := range merged {
		ids := make([]string, 0, len(set))
		for id := range set {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		out = append(out, Activation{When: when, Rules: ids})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].When < out[j].When })
	return out
}
