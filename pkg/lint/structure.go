package lint

import (
	"strings"

	"github.com/Masterminds/semver/v3"
	"golang.org/x/text/unicode/norm"

	"github.com/Mindburn-Labs/cap-compiler/pkg/diag"
	"github.com/Mindburn-Labs/cap-compiler/pkg/expr"
)

func (r *run) checkDuplicateIDs() {
	seen := make(map[string]bool, len(r.p.Rules))
	for _, rule := range r.p.Rules {
		if seen[rule.ID] {
			r.report(diag.CodeDuplicateRuleID, rule.ID, "rule id %q is declared more than once", rule.ID)
			continue
		}
		seen[rule.ID] = true
	}

	seen = make(map[string]bool)
	for _, pred := range r.p.Predicates() {
		if seen[pred.ID] {
			r.report(diag.CodeDuplicatePredicate, "", "predicate id %q is declared more than once", pred.ID)
			continue
		}
		seen[pred.ID] = true
		if _, clash := r.p.Inputs[pred.ID]; clash {
			r.report(diag.CodeShadowedInput, "", "predicate id %q collides with a declared input", pred.ID)
		}
	}
}

func (r *run) checkReferences() {
	rules := make(map[string]bool, len(r.p.Rules))
	for _, rule := range r.p.Rules {
		rules[rule.ID] = true
	}

	for i, act := range r.p.Activations() {
		if !r.isPredicate(act.When) {
			r.report(diag.CodeUnknownReference, "",
				"activation %d: when references unknown predicate %q", i, act.When)
		}
		for _, id := range act.Rules {
			if !rules[id] {
				r.report(diag.CodeUnknownReference, id,
					"activation %d: references unknown rule %q", i, id)
			}
		}
	}
}

func (r *run) checkLegalBasis() {
	for _, c := range r.p.LegalBasis {
		if strings.TrimSpace(c.Citation) != "" {
			return
		}
	}
	r.report(diag.CodeMissingLegalBasis, "", "policy %q declares no legal basis", r.p.ID)
}

func (r *run) checkInputTypes() {
	for _, name := range r.p.InputNames() {
		if t := r.p.Inputs[name]; !t.Supported() {
			r.report(diag.CodeUnsupportedInput, "", "input %q has unsupported type %q", name, t)
		}
	}
}

func (r *run) checkDescription() {
	if r.p.Source.DescriptionDeclared && strings.TrimSpace(r.p.Description) == "" {
		r.report(diag.CodeBlankDescription, "", "description is present but blank")
	}
}

func (r *run) checkVersion() {
	if _, err := semver.NewVersion(r.p.Version); err != nil {
		r.report(diag.CodeNonSemverVersion, "", "version %q is not a semantic version", r.p.Version)
	}
}

func (r *run) checkUnusedInputs() {
	if len(r.p.Inputs) == 0 {
		return
	}
	used := make(map[string]bool)
	for _, op := range r.operands() {
		if op.err != nil {
			continue
		}
		for _, name := range expr.Vars(op.e) {
			used[name] = true
		}
	}
	for _, name := range r.p.InputNames() {
		if !used[name] {
			r.report(diag.CodeUnusedInput, "", "input %q is declared but never referenced", name)
		}
	}
}

// checkNormalization flags identifiers that are not in NFC. Visually equal
// identifiers in different normal forms hash differently.
func (r *run) checkNormalization() {
	seen := make(map[string]bool)
	check := func(kind, ruleID, id string) {
		if seen[id] || norm.NFC.IsNormalString(id) {
			return
		}
		seen[id] = true
		r.report(diag.CodeNonNFCIdentifier, ruleID, "%s %q is not in Unicode NFC", kind, id)
	}

	check("policy id", "", r.p.ID)
	for _, name := range r.p.InputNames() {
		check("input", "", name)
	}
	for _, rule := range r.p.Rules {
		check("rule id", rule.ID, rule.ID)
	}
	for _, pred := range r.p.Predicates() {
		check("predicate id", "", pred.ID)
	}
	for _, lr := range r.rules {
		for _, op := range []operand{lr.lhs, lr.rhs} {
			if op.err != nil {
				continue
			}
			for _, name := range expr.Vars(op.e) {
				check("variable", lr.rule.ID, name)
			}
		}
	}
	for _, lp := range r.predicates {
		if lp.expr.err != nil {
			continue
		}
		for _, name := range expr.Vars(lp.expr.e) {
			check("variable", "", name)
		}
	}
}

func (r *run) checkDuplicateActivations() {
	for i, act := range r.p.Activations() {
		seen := make(map[string]bool, len(act.Rules))
		for _, id := range act.Rules {
			if seen[id] {
				r.report(diag.CodeDuplicateActivation, id,
					"activation %d (when %q) lists rule %q more than once", i, act.When, id)
				continue
			}
			seen[id] = true
		}
	}
}
