// Package ir defines the canonical intermediate representation produced by
// the compiler and consumed by proof generation and offline verification.
//
// An IR value is sealed once: ir_hash is the SHA3-256 digest of the canonical
// IR with ir_hash held empty. Callers must treat a sealed IR as read-only.
package ir

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Mindburn-Labs/cap-compiler/pkg/canonicalize"
	"github.com/Mindburn-Labs/cap-compiler/pkg/crypto"
	"github.com/Mindburn-Labs/cap-compiler/pkg/expr"
)

// Version is the IR format version.
const Version = "1.0"

var (
	ErrHashMismatch       = errors.New("ir_hash does not match content")
	ErrUnsupportedVersion = errors.New("unsupported ir_version")
	ErrMalformed          = errors.New("malformed IR")
)

// Rule is a compiled constraint.
type Rule struct {
	ID  string    `json:"id"`
	Op  string    `json:"op"`
	LHS expr.Expr `json:"lhs"`
	RHS expr.Expr `json:"rhs"`
}

// Predicate is a compiled boolean condition.
type Predicate struct {
	ID   string    `json:"id"`
	Expr expr.Expr `json:"expr"`
}

// Activation lists the rules enabled while predicate When holds. Rules is
// sorted and free of duplicates.
type Activation struct {
	When  string   `json:"when"`
	Rules []string `json:"rules"`
}

type Adaptivity struct {
	Predicates  []Predicate  `json:"predicates"`
	Activations []Activation `json:"activations"`
}

// IR is a compiled policy.
type IR struct {
	IRVersion  string      `json:"ir_version"`
	PolicyID   string      `json:"policy_id"`
	PolicyHash string      `json:"policy_hash"`
	Rules      []Rule      `json:"rules"`
	Adaptivity *Adaptivity `json:"adaptivity,omitempty"`
	IRHash     string      `json:"ir_hash"`
}

// Empty returns the placeholder emitted when compilation is rejected: no
// rules and no ir_hash.
func Empty(policyID, policyHash string) *IR {
	return &IR{
		IRVersion:  Version,
		PolicyID:   policyID,
		PolicyHash: policyHash,
		Rules:      []Rule{},
	}
}

// WithSelfHashBlanked implements canonicalize.SelfHashed.
func (x *IR) WithSelfHashBlanked() any {
	cp := *x
	cp.IRHash = ""
	return &cp
}

// Hash computes the ir_hash of x, ignoring any hash already set.
func Hash(x *IR) (string, error) {
	return canonicalize.HashWithSelfReferenceBlanked(x)
}

// Seal returns a copy of x carrying its ir_hash.
func Seal(x *IR) (*IR, error) {
	h, err := Hash(x)
	if err != nil {
		return nil, fmt.Errorf("seal IR: %w", err)
	}
	cp := *x
	cp.IRHash = h
	return &cp, nil
}

// Canonical returns the canonical bytes of x.
func Canonical(x *IR) ([]byte, error) {
	return canonicalize.Canonicalize(x)
}

// Verify recomputes ir_hash and compares it with the recorded value.
func Verify(x *IR) error {
	if x.IRVersion != Version {
		return fmt.Errorf("%w: %q", ErrUnsupportedVersion, x.IRVersion)
	}
	if _, err := crypto.ParseDigest(x.IRHash); err != nil {
		return fmt.Errorf("%w: %v", ErrHashMismatch, err)
	}
	want, err := Hash(x)
	if err != nil {
		return err
	}
	if want != x.IRHash {
		return fmt.Errorf("%w: recorded %s, computed %s", ErrHashMismatch, x.IRHash, want)
	}
	return nil
}

// Decode parses IR JSON strictly. It does not verify ir_hash.
func Decode(raw []byte) (*IR, error) {
	var x IR
	if err := strictUnmarshal(raw, &x); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if x.IRVersion != Version {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedVersion, x.IRVersion)
	}
	if x.Rules == nil {
		x.Rules = []Rule{}
	}
	return &x, nil
}

func (r *Rule) UnmarshalJSON(b []byte) error {
	var aux struct {
		ID  string          `json:"id"`
		Op  string          `json:"op"`
		LHS json.RawMessage `json:"lhs"`
		RHS json.RawMessage `json:"rhs"`
	}
	if err := strictUnmarshal(b, &aux); err != nil {
		return err
	}
	lhs, err := decodeExpr(aux.LHS)
	if err != nil {
		return fmt.Errorf("rule %q lhs: %w", aux.ID, err)
	}
	rhs, err := decodeExpr(aux.RHS)
	if err != nil {
		return fmt.Errorf("rule %q rhs: %w", aux.ID, err)
	}
	*r = Rule{ID: aux.ID, Op: aux.Op, LHS: lhs, RHS: rhs}
	return nil
}

func (p *Predicate) UnmarshalJSON(b []byte) error {
	var aux struct {
		ID   string          `json:"id"`
		Expr json.RawMessage `json:"expr"`
	}
	if err := strictUnmarshal(b, &aux); err != nil {
		return err
	}
	e, err := decodeExpr(aux.Expr)
	if err != nil {
		return fmt.Errorf("predicate %q: %w", aux.ID, err)
	}
	*p = Predicate{ID: aux.ID, Expr: e}
	return nil
}

func decodeExpr(raw json.RawMessage) (expr.Expr, error) {
	if len(raw) == 0 {
		return nil, errors.New("missing expression")
	}
	return expr.Decode(raw)
}

func strictUnmarshal(b []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("trailing data")
	}
	return nil
}
