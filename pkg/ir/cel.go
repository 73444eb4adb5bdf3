package ir

import (
	"fmt"

	"github.com/Mindburn-Labs/cap-compiler/pkg/expr"
)

// CEL renders the rule as a CEL call of its operator.
func (r Rule) CEL() (string, error) {
	call := expr.NewCall(r.Op, r.LHS, r.RHS)
	s, err := expr.ToCEL(call)
	if err != nil {
		return "", fmt.Errorf("rule %q: %w", r.ID, err)
	}
	return s, nil
}

// CEL renders the predicate expression.
func (p Predicate) CEL() (string, error) {
	s, err := expr.ToCEL(p.Expr)
	if err != nil {
		return "", fmt.Errorf("predicate %q: %w", p.ID, err)
	}
	return s, nil
}

// Rendering is the CEL form of an IR, keyed by rule and predicate id.
type Rendering struct {
	Rules      map[string]string `json:"rules"`
	Predicates map[string]string `json:"predicates,omitempty"`
}

// ToCEL renders every rule and predicate of x.
func ToCEL(x *IR) (*Rendering, error) {
	out := &Rendering{Rules: make(map[string]string, len(x.Rules))}
	for _, r := range x.Rules {
		s, err := r.CEL()
		if err != nil {
			return nil, err
		}
		out.Rules[r.ID] = s
	}
	if x.Adaptivity != nil && len(x.Adaptivity.Predicates) > 0 {
		out.Predicates = make(map[string]string, len(x.Adaptivity.Predicates))
		for _, p := range x.Adaptivity.Predicates {
			s, err := p.CEL()
			if err != nil {
				return nil, err
			}
			out.Predicates[p.ID] = s
		}
	}
	return out, nil
}
