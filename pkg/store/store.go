// Package store persists compiled policies keyed by their IR hash.
//
// Every backend verifies the IR before writing it and gives
// at-most-one-writer-per-hash: of two concurrent Puts of the same IR one
// inserts and the other reports a deduplicated write. Status is lifecycle
// metadata owned by the store; the compiler never reads it.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Mindburn-Labs/cap-compiler/pkg/crypto"
	"github.com/Mindburn-Labs/cap-compiler/pkg/ir"
)

var (
	ErrNotFound          = errors.New("compiled policy not found")
	ErrHashMismatch      = errors.New("compiled policy hash mismatch")
	ErrInvalidID         = errors.New("invalid compiled policy id")
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrConflict is returned when a status changed underneath a SetStatus.
	ErrConflict = errors.New("concurrent status update")
	// ErrDisabled is returned by Open when no store is configured.
	ErrDisabled = errors.New("policy store disabled")
)

// Status is the lifecycle state of a stored policy.
type Status string

const (
	StatusDraft      Status = "draft"
	StatusActive     Status = "active"
	StatusDeprecated Status = "deprecated"
)

// ParseStatus parses a status name.
func ParseStatus(s string) (Status, error) {
	switch st := Status(strings.ToLower(strings.TrimSpace(s))); st {
	case StatusDraft, StatusActive, StatusDeprecated:
		return st, nil
	default:
		return "", fmt.Errorf("unknown status %q (want draft, active or deprecated)", s)
	}
}

// CanTransition reports whether a policy may move from s to next.
// Statuses only move forward; setting the current status again is a no-op.
func (s Status) CanTransition(next Status) bool {
	if s == next {
		return true
	}
	switch s {
	case StatusDraft:
		return next == StatusActive || next == StatusDeprecated
	case StatusActive:
		return next == StatusDeprecated
	}
	return false
}

func checkTransition(id string, from, to Status) error {
	if _, err := ParseStatus(string(to)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTransition, err)
	}
	if !from.CanTransition(to) {
		return fmt.Errorf("%w: %s is %s, cannot become %s", ErrInvalidTransition, id, from, to)
	}
	return nil
}

// CompiledPolicy is a verified IR together with its store metadata.
type CompiledPolicy struct {
	// ID is the IR's ir_hash.
	ID         string    `json:"id"`
	PolicyID   string    `json:"policy_id"`
	PolicyHash string    `json:"policy_hash"`
	IR         []byte    `json:"ir"`
	Status     Status    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
}

// Store is the compiled-policy store.
type Store interface {
	// Put verifies and stores IR bytes. The returned id is the ir_hash;
	// deduplicated is true when that id was already present.
	Put(ctx context.Context, irBytes []byte, policyHash string) (id string, deduplicated bool, err error)
	// Get returns the compiled policy with the given id or ErrNotFound.
	Get(ctx context.Context, id string) (*CompiledPolicy, error)
	// SetStatus moves a policy along its lifecycle.
	SetStatus(ctx context.Context, id string, status Status) error
	Close() error
}

// prepare decodes and verifies irBytes and returns the record to insert.
// The stored IR is re-canonicalized so that every backend holds the same bytes.
func prepare(irBytes []byte, policyHash string, now time.Time) (*CompiledPolicy, error) {
	x, err := ir.Decode(irBytes)
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}
	if err := ir.Verify(x); err != nil {
		if errors.Is(err, ir.ErrHashMismatch) {
			return nil, fmt.Errorf("%w: %v", ErrHashMismatch, err)
		}
		return nil, fmt.Errorf("store: %w", err)
	}
	if x.PolicyHash != policyHash {
		return nil, fmt.Errorf("%w: IR carries policy_hash %s, caller supplied %s", ErrHashMismatch, x.PolicyHash, policyHash)
	}
	canon, err := ir.Canonical(x)
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}
	return &CompiledPolicy{
		ID:         x.IRHash,
		PolicyID:   x.PolicyID,
		PolicyHash: x.PolicyHash,
		IR:         canon,
		Status:     StatusDraft,
		CreatedAt:  now.UTC(),
	}, nil
}

func checkID(id string) error {
	if !crypto.IsDigest(id) {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}

func (p *CompiledPolicy) clone() *CompiledPolicy {
	c := *p
	c.IR = append([]byte(nil), p.IR...)
	return &c
}
