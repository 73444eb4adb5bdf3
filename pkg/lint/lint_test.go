package lint

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/cap-compiler/pkg/diag"
	"github.com/Mindburn-Labs/cap-compiler/pkg/policy"
)

const lksg = `
id: lksg.v1
version: "1.0"
legal_basis: [LkSG]
rules:
  - id: no_sanctions
    op: non_membership
    lhs: {var: supplier_hashes}
    rhs: {var: sanctions_root}
`

func parse(t *testing.T, doc string) *policy.Policy {
	t.Helper()
	p, err := policy.Parse([]byte(doc), policy.FormatYAML)
	require.NoError(t, err)
	return p
}

func TestLint_LKSGScenarioIsClean(t *testing.T) {
	got := Lint(parse(t, lksg), diag.ModeStrict)
	assert.Empty(t, got)
	assert.NotNil(t, got)
}

func TestLint_BareIdentifiersAreVariables(t *testing.T) {
	got := Lint(parse(t, `
id: lksg.v1
version: "1.0"
legal_basis: [LkSG]
rules:
  - {id: no_sanctions, op: non_membership, lhs: supplier_hashes, rhs: sanctions_root}
`), diag.ModeStrict)
	assert.Empty(t, got)

	quoted := Lint(parse(t, `
id: lksg.v1
version: "1.0"
legal_basis: [LkSG]
rules:
  - {id: no_sanctions, op: non_membership, lhs: supplier_hashes, rhs: "sanctions_root"}
`), diag.ModeStrict)
	assert.Equal(t, []diag.Code{diag.CodeSetRootShape}, quoted.Codes())
}

func TestLint_PredicateShadowsInput(t *testing.T) {
	got := Lint(parse(t, `
id: p
version: "1.0"
legal_basis: [LkSG]
inputs: {supplier_hashes: array-of-hex, sanctions_root: hex-digest, high_risk: bool}
rules:
  - {id: no_sanctions, op: non_membership, lhs: supplier_hashes, rhs: sanctions_root}
adaptivity:
  predicates:
    - {id: high_risk, expr: true}
    - {id: escalated, expr: high_risk}
  activations:
    - {when: escalated, rules: [no_sanctions]}
`), diag.ModeRelaxed)

	require.Equal(t, []diag.Code{diag.CodeShadowedInput}, got.Codes())
	assert.Contains(t, got[0].Message, `"high_risk"`)
	assert.True(t, got.HasFatal(diag.ModeRelaxed))
}

func TestLint_UnsupportedOperatorScenario(t *testing.T) {
	p := parse(t, lksg)
	p.Rules[0].Op = "greater_than"

	got := Lint(p, diag.ModeStrict)
	require.Len(t, got, 1)
	assert.Equal(t, diag.CodeUnsupportedOperator, got[0].Code)
	assert.Equal(t, diag.LevelError, got[0].Level)
	assert.Equal(t, "no_sanctions", got[0].RuleID)
	assert.Contains(t, got[0].Message, `"greater_than"`)
}

func TestLint_DuplicateRuleID(t *testing.T) {
	p := parse(t, lksg)
	p.Rules = append(p.Rules, p.Rules[0])

	got := Lint(p, diag.ModeStrict)
	assert.Equal(t, []diag.Code{diag.CodeDuplicateRuleID}, got.Codes())
	assert.True(t, got.HasFatal(diag.ModeStrict))
	assert.True(t, got.HasFatal(diag.ModeRelaxed))
}

func TestLint_DanglingReferences(t *testing.T) {
	p := parse(t, lksg+`
adaptivity:
  predicates:
    - {id: high_risk, expr: true}
  activations:
    - {when: high_risk, rules: [no_sanctions, ghost]}
    - {when: missing, rules: [no_sanctions]}
`)
	got := Lint(p, diag.ModeStrict)
	require.Equal(t, []diag.Code{diag.CodeUnknownReference, diag.CodeUnknownReference}, got.Codes())
	assert.Equal(t, "ghost", got[0].RuleID)
	assert.Contains(t, got[1].Message, `"missing"`)
	assert.True(t, got.HasFatal(diag.ModeRelaxed))
}

func TestLint_MissingLegalBasisModeSensitivity(t *testing.T) {
	doc := `
id: p
version: 1.0.0
legal_basis: []
inputs: {x: string}
rules:
  - {id: a, op: eq, lhs: {var: x}, rhs: {var: y}}
  - {id: b, op: greater_than, lhs: 1, rhs: 2}
`
	strict := Lint(parse(t, doc), diag.ModeStrict)
	relaxed := Lint(parse(t, doc), diag.ModeRelaxed)

	require.Equal(t, strict.Codes(), relaxed.Codes())
	for i := range strict {
		if strict[i].Code == diag.CodeMissingLegalBasis {
			assert.Equal(t, diag.LevelError, strict[i].Level)
			assert.Equal(t, diag.LevelWarning, relaxed[i].Level)
			continue
		}
		assert.Equal(t, strict[i].Level, relaxed[i].Level, strict[i].Code)
	}
	assert.True(t, strict.Has(diag.CodeMissingLegalBasis))
	assert.True(t, strict.Has(diag.CodeUnresolvedVariable))
	assert.True(t, strict.Has(diag.CodeUnsupportedOperator))
}

func TestLint_BlankCitationsCountAsMissing(t *testing.T) {
	got := Lint(parse(t, "id: p\nversion: 1.0.0\nlegal_basis: [' ']\n"), diag.ModeStrict)
	assert.Equal(t, []diag.Code{diag.CodeMissingLegalBasis}, got.Codes())
}

func TestLint_ExpressionChecks(t *testing.T) {
	doc := `
id: p
version: 1.0.0
legal_basis: [X]
inputs:
  start: date
  end: date
  flag: bool
  kind: uuid
rules:
  - id: r1
    op: eq
    lhs: {func: frobnicate, args: [{var: start}]}
    rhs: {func: not, args: [{var: flag}, {var: flag}]}
  - id: r2
    op: eq
    lhs: {var: start, extra: 1}
    rhs: {var: nowhere}
  - id: r3
    op: range_min
    lhs: {func: days_between, args: [{var: start}, {var: end}]}
    rhs: "30"
`
	got := Lint(parse(t, doc), diag.ModeStrict)
	assert.Equal(t, []diag.Code{
		diag.CodeUnsupportedInput,
		diag.CodeUnknownFunction,
		diag.CodeArity,
		diag.CodeMalformedExpression,
		diag.CodeUnresolvedVariable,
		diag.CodeRangeBoundShape,
		diag.CodeUnusedInput,
	}, got.Codes())
	assert.Equal(t, "r1", got[1].RuleID)
	assert.Equal(t, "r2", got[3].RuleID)
	assert.Contains(t, got[4].Message, `"nowhere"`)
	assert.Contains(t, got[6].Message, `"kind"`)

	relaxedFatal := Lint(parse(t, doc), diag.ModeRelaxed).Fatal(diag.ModeRelaxed)
	assert.Equal(t, []diag.Code{diag.CodeUnknownFunction, diag.CodeArity, diag.CodeMalformedExpression}, relaxedFatal.Codes())
}

func TestLint_UnresolvedOnlyWithDeclaredInputs(t *testing.T) {
	got := Lint(parse(t, `
id: p
version: 1.0.0
legal_basis: [X]
rules:
  - {id: r, op: eq, lhs: {var: anything}, rhs: 1}
`), diag.ModeStrict)
	assert.Empty(t, got)
}

func TestLint_ShapeChecks(t *testing.T) {
	got := Lint(parse(t, `
id: p
version: 1.0.0
legal_basis: [X]
rules:
  - {id: nm_bad, op: non_membership, lhs: {var: h}, rhs: "not-a-digest"}
  - {id: nm_ok, op: non_membership, lhs: {var: h}, rhs: "sha3-256:a7ffc6f8bf1ed76651c14756a061d662f580ff4de43b49fa82d80a4b80f8434a"}
  - {id: rm_bad, op: range_min, lhs: {var: age}, rhs: 18}
`), diag.ModeStrict)
	assert.Equal(t, []diag.Code{diag.CodeSetRootShape, diag.CodeTemporalShape}, got.Codes())
	assert.Equal(t, "nm_bad", got[0].RuleID)
	assert.Equal(t, "rm_bad", got[1].RuleID)
	assert.False(t, got.HasFatal(diag.ModeRelaxed))
}

func TestLint_Predicates(t *testing.T) {
	got := Lint(parse(t, `
id: p
version: 1.0.0
legal_basis: [X]
inputs:
  risk: number
  flagged: bool
  codes: array-of-hex
rules:
  - {id: r, op: eq, lhs: {var: flagged}, rhs: true}
adaptivity:
  predicates:
    - {id: high, expr: {func: gt, args: [{var: risk}, 7]}}
    - {id: many, expr: {func: count, args: [{var: codes}]}}
    - {id: flag, expr: {var: flagged}}
    - {id: a, expr: {func: and, args: [{var: b}, {var: high}]}}
    - {id: b, expr: {func: or, args: [{var: a}, {var: flag}, {var: high}]}}
    - {id: self, expr: {func: not, args: [{var: self}]}}
    - {id: high, expr: true}
    - {id: text, expr: "yes"}
  activations:
    - {when: high, rules: [r, r]}
`), diag.ModeStrict)

	assert.Equal(t, []diag.Code{
		diag.CodeDuplicatePredicate,
		diag.CodePredicateCycle,
		diag.CodePredicateCycle,
		diag.CodeNonBooleanPredicate,
		diag.CodeNonBooleanPredicate,
		diag.CodeDuplicateActivation,
	}, got.Codes())
	assert.Contains(t, got[1].Message, "a -> b -> a")
	assert.Contains(t, got[2].Message, "self -> self")
	assert.Contains(t, got[3].Message, `"many"`)
	assert.Contains(t, got[4].Message, `"text"`)
	assert.Equal(t, "r", got[5].RuleID)
}

func TestLint_Warnings(t *testing.T) {
	got := Lint(parse(t, `
id: "cafe\u0301"
version: release-one
description: "   "
legal_basis: [X]
inputs: {amount: number}
rules:
  - {id: big, op: eq, lhs: {var: amount}, rhs: 9007199254740993}
  - {id: safe, op: eq, lhs: {var: amount}, rhs: [9007199254740991, 1.5e300]}
`), diag.ModeStrict)

	assert.Equal(t, []diag.Code{
		diag.CodeBlankDescription,
		diag.CodeNonSemverVersion,
		diag.CodeNonNFCIdentifier,
		diag.CodeUnsafeInteger,
	}, got.Codes())
	assert.Equal(t, "big", got[3].RuleID)
	assert.False(t, got.HasFatal(diag.ModeStrict))
}

func TestLint_Deterministic(t *testing.T) {
	doc := `
id: p
version: x
legal_basis: []
inputs: {b: string, a: string, c: weird}
rules:
  - {id: r, op: nope, lhs: {var: z}, rhs: {var: y}}
  - {id: r, op: eq, lhs: {func: zz}, rhs: 1}
`
	first := Lint(parse(t, doc), diag.ModeStrict)
	for i := 0; i < 50; i++ {
		assert.Equal(t, first, Lint(parse(t, doc), diag.ModeStrict))
	}
}
