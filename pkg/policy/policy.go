// Package policy holds the source policy model and its parser.
//
// A Policy is exactly what the author wrote, decoded into typed fields.
// Expressions are kept in their surface form (generic JSON values) and
// lowered later by the IR generator, so a malformed expression is a lint
// finding rather than a parse failure.
package policy

import (
	"sort"

	"github.com/Mindburn-Labs/cap-compiler/pkg/canonicalize"
)

// InputType is the declared type of a policy input.
type InputType string

const (
	InputHexDigest  InputType = "hex-digest"
	InputArrayOfHex InputType = "array-of-hex"
	InputString     InputType = "string"
	InputNumber     InputType = "number"
	InputBool       InputType = "bool"
	InputDate       InputType = "date"
)

// SupportedInputTypes lists the recognised input types in display order.
func SupportedInputTypes() []InputType {
	return []InputType{InputHexDigest, InputArrayOfHex, InputString, InputNumber, InputBool, InputDate}
}

// Supported reports whether t is a recognised input type.
func (t InputType) Supported() bool {
	for _, s := range SupportedInputTypes() {
		if t == s {
			return true
		}
	}
	return false
}

// Citation is a legal basis reference.
type Citation struct {
	Citation     string `json:"citation"`
	Article      string `json:"article,omitempty"`
	Jurisdiction string `json:"jurisdiction,omitempty"`
	URL          string `json:"url,omitempty"`
}

// Rule is a single constraint. LHS and RHS are surface expressions.
type Rule struct {
	ID  string `json:"id"`
	Op  string `json:"op"`
	LHS any    `json:"lhs"`
	RHS any    `json:"rhs"`
}

// Predicate is a named boolean condition. Expr is a surface expression.
type Predicate struct {
	ID   string `json:"id"`
	Expr any    `json:"expr"`
}

// Activation enables Rules while the predicate When holds.
type Activation struct {
	When  string   `json:"when"`
	Rules []string `json:"rules"`
}

// Adaptivity groups the conditional parts of a policy.
type Adaptivity struct {
	Predicates  []Predicate  `json:"predicates"`
	Activations []Activation `json:"activations"`
}

// Empty reports whether a carries no predicates or activations.
func (a *Adaptivity) Empty() bool {
	return a == nil || (len(a.Predicates) == 0 && len(a.Activations) == 0)
}

// Policy is a parsed source policy.
type Policy struct {
	ID          string               `json:"id"`
	Version     string               `json:"version"`
	LegalBasis  []Citation           `json:"legal_basis"`
	Description string               `json:"description"`
	Inputs      map[string]InputType `json:"inputs"`
	Rules       []Rule               `json:"rules"`
	Adaptivity  *Adaptivity          `json:"adaptivity,omitempty"`

	// Source describes where the policy came from. It is not hashed.
	Source SourceMeta `json:"-"`
}

// SourceMeta records parser observations that are not part of the policy
// content.
type SourceMeta struct {
	Path   string
	Format Format
	// DescriptionDeclared is true when the document had a non-null
	// description field, even an empty one.
	DescriptionDeclared bool
}

// InputNames returns the declared input names, sorted.
func (p *Policy) InputNames() []string {
	names := make([]string, 0, len(p.Inputs))
	for name := range p.Inputs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Predicates returns the declared predicates, or nil without adaptivity.
func (p *Policy) Predicates() []Predicate {
	if p.Adaptivity == nil {
		return nil
	}
	return p.Adaptivity.Predicates
}

// Activations returns the declared activations, or nil without adaptivity.
func (p *Policy) Activations() []Activation {
	if p.Adaptivity == nil {
		return nil
	}
	return p.Adaptivity.Activations
}

// Normalized returns a deep copy with declaration order removed: rules and
// predicates sorted by id, activations sorted by predicate then rule list,
// and each activation's rule list sorted. Legal basis keeps its order.
func (p *Policy) Normalized() *Policy {
	out := &Policy{
		ID:          p.ID,
		Version:     p.Version,
		LegalBasis:  append([]Citation{}, p.LegalBasis...),
		Description: p.Description,
		Inputs:      make(map[string]InputType, len(p.Inputs)),
		Rules:       make([]Rule, len(p.Rules)),
		Source:      p.Source,
	}
	for k, v := range p.Inputs {
		out.Inputs[k] = v
	}
	for i, r := range p.Rules {
		out.Rules[i] = Rule{ID: r.ID, Op: r.Op, LHS: copyValue(r.LHS), RHS: copyValue(r.RHS)}
	}
	sort.SliceStable(out.Rules, func(i, j int) bool { return out.Rules[i].ID < out.Rules[j].ID })

	if p.Adaptivity.Empty() {
		return out
	}

	ad := &Adaptivity{
		Predicates:  make([]Predicate, len(p.Adaptivity.Predicates)),
		Activations: make([]Activation, len(p.Adaptivity.Activations)),
	}
	for i, pr := range p.Adaptivity.Predicates {
		ad.Predicates[i] = Predicate{ID: pr.ID, Expr: copyValue(pr.Expr)}
	}
	sort.SliceStable(ad.Predicates, func(i, j int) bool { return ad.Predicates[i].ID < ad.Predicates[j].ID })

	for i, a := range p.Adaptivity.Activations {
		rules := append([]string{}, a.Rules...)
		sort.Strings(rules)
		ad.Activations[i] = Activation{When: a.When, Rules: rules}
	}
	sort.SliceStable(ad.Activations, func(i, j int) bool {
		ai, aj := ad.Activations[i], ad.Activations[j]
		if ai.When != aj.When {
			return ai.When < aj.When
		}
		return lessStrings(ai.Rules, aj.Rules)
	})
	out.Adaptivity = ad
	return out
}

// Hash returns the SHA3-256 digest of the canonical normalized policy.
func (p *Policy) Hash() (string, error) {
	return canonicalize.CanonicalHash(p.Normalized())
}

func lessStrings(a, b []string) bool {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return len(a) < len(b)
}

func copyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, vv := range t {
			out[k] = copyValue(vv)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, vv := range t {
			out[i] = copyValue(vv)
		}
		return out
	default:
		return t
	}
}
