package diag

import (
	"regexp"
	"sort"
)

// Code is a stable diagnostic identifier of the form [EW]NNNN.
type Code string

// Policy structure (1xxx).
const (
	CodeUnknownReference    Code = "E1001" // activation names a rule or predicate that does not exist
	CodeMissingLegalBasis   Code = "E1002"
	CodeDuplicateRuleID     Code = "E1003"
	CodeDuplicatePredicate  Code = "E1004"
	CodeUnsupportedInput    Code = "E1005"
	CodePredicateCycle      Code = "E1006"
	CodeShadowedInput       Code = "E1007" // predicate id equals a declared input name
	CodeNonSemverVersion    Code = "W1001"
	CodeBlankDescription    Code = "W1002"
	CodeUnusedInput         Code = "W1003"
	CodeNonNFCIdentifier    Code = "W1004"
	CodeDuplicateActivation Code = "W1005"
)

// Expression and operator correctness (2xxx).
const (
	CodeUnsupportedOperator Code = "E2001"
	CodeUnknownFunction     Code = "E2002"
	CodeUnresolvedVariable  Code = "E2003"
	CodeArity               Code = "E2004"
	CodeNonBooleanPredicate Code = "E2005"
	CodeMalformedExpression Code = "E2006"
	CodeUnsafeInteger       Code = "W2001"
)

// Constraint shape (3xxx).
const (
	CodeSetRootShape    Code = "E3001"
	CodeTemporalShape   Code = "E3002"
	CodeRangeBoundShape Code = "E3003"
)

// Spec declares how a code behaves. Mode dependence is a property of the
// code, never inferred at the call site.
type Spec struct {
	Summary string
	// Strict and Relaxed are the levels emitted in each mode.
	Strict  Level
	Relaxed Level
	// RelaxedFatal marks structural codes that still block IR in relaxed mode.
	RelaxedFatal bool
}

// Catalog is the full, append-only code registry.
var Catalog = map[Code]Spec{
	CodeUnknownReference:    {Summary: "activation references an unknown rule or predicate", Strict: LevelError, Relaxed: LevelError, RelaxedFatal: true},
	CodeMissingLegalBasis:   {Summary: "policy declares no legal basis", Strict: LevelError, Relaxed: LevelWarning},
	CodeDuplicateRuleID:     {Summary: "rule id declared more than once", Strict: LevelError, Relaxed: LevelError, RelaxedFatal: true},
	CodeDuplicatePredicate:  {Summary: "predicate id declared more than once", Strict: LevelError, Relaxed: LevelError, RelaxedFatal: true},
	CodeUnsupportedInput:    {Summary: "input declared with an unsupported type", Strict: LevelError, Relaxed: LevelError},
	CodePredicateCycle:      {Summary: "predicates reference each other in a cycle", Strict: LevelError, Relaxed: LevelError, RelaxedFatal: true},
	CodeShadowedInput:       {Summary: "predicate id collides with a declared input", Strict: LevelError, Relaxed: LevelError, RelaxedFatal: true},
	CodeNonSemverVersion:    {Summary: "policy version is not a semantic version", Strict: LevelWarning, Relaxed: LevelWarning},
	CodeBlankDescription:    {Summary: "description is present but blank", Strict: LevelWarning, Relaxed: LevelWarning},
	CodeUnusedInput:         {Summary: "declared input is never referenced", Strict: LevelWarning, Relaxed: LevelWarning},
	CodeNonNFCIdentifier:    {Summary: "identifier is not in Unicode NFC", Strict: LevelWarning, Relaxed: LevelWarning},
	CodeDuplicateActivation: {Summary: "activation lists the same rule more than once", Strict: LevelWarning, Relaxed: LevelWarning},
	CodeUnsupportedOperator: {Summary: "operator is not in the supported set", Strict: LevelError, Relaxed: LevelError, RelaxedFatal: true},
	CodeUnknownFunction:     {Summary: "call to an unknown built-in function", Strict: LevelError, Relaxed: LevelError, RelaxedFatal: true},
	CodeUnresolvedVariable:  {Summary: "expression references an undeclared name", Strict: LevelError, Relaxed: LevelError},
	CodeArity:               {Summary: "built-in called with the wrong number of arguments", Strict: LevelError, Relaxed: LevelError, RelaxedFatal: true},
	CodeNonBooleanPredicate: {Summary: "predicate expression is not boolean-valued", Strict: LevelError, Relaxed: LevelError},
	CodeMalformedExpression: {Summary: "expression is malformed or nested too deeply", Strict: LevelError, Relaxed: LevelError, RelaxedFatal: true},
	CodeUnsafeInteger:       {Summary: "integer literal loses precision in canonical form", Strict: LevelWarning, Relaxed: LevelWarning},
	CodeSetRootShape:        {Summary: "non_membership set root is not a variable or digest", Strict: LevelError, Relaxed: LevelError},
	CodeTemporalShape:       {Summary: "range_min left-hand side is not a temporal difference", Strict: LevelError, Relaxed: LevelError},
	CodeRangeBoundShape:     {Summary: "range bound is not numeric", Strict: LevelError, Relaxed: LevelError},
}

var codePattern = regexp.MustCompile(`^[EW][0-9]{4}$`)

// Valid reports whether c has the fixed textual form.
func (c Code) Valid() bool {
	return codePattern.MatchString(string(c))
}

// Spec returns the catalog entry for c.
func (c Code) Spec() (Spec, bool) {
	s, ok := Catalog[c]
	return s, ok
}

// LevelIn returns the level c is emitted at in mode. Codes missing from the
// catalog fall back to their letter prefix.
func (c Code) LevelIn(mode Mode) Level {
	if s, ok := Catalog[c]; ok {
		if mode == ModeRelaxed {
			return s.Relaxed
		}
		return s.Strict
	}
	if len(c) > 0 && c[0] == 'W' {
		return LevelWarning
	}
	return LevelError
}

// FatalIn reports whether a diagnostic with code c at level blocks IR
// emission in mode.
func (c Code) FatalIn(mode Mode, level Level) bool {
	if level != LevelError {
		return false
	}
	if mode == ModeRelaxed {
		s, ok := Catalog[c]
		return ok && s.RelaxedFatal
	}
	return true
}

// ModeDependent reports whether c changes level between modes.
func (c Code) ModeDependent() bool {
	s, ok := Catalog[c]
	return ok && s.Strict != s.Relaxed
}

// AllCodes returns every catalogued code in lexical order.
func AllCodes() []Code {
	out := make([]Code, 0, len(Catalog))
	for c := range Catalog {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
