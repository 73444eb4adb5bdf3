// Package canonicalize provides RFC 8785 (JSON Canonicalization Scheme)
// serialization for deterministic hashing of policies and IR.
//
// Object keys are sorted, numbers use the single ES6 textual form, strings are
// not HTML-escaped, and no whitespace is emitted. Arrays keep their order.
package canonicalize

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gowebpki/jcs"

	"github.com/Mindburn-Labs/cap-compiler/pkg/crypto"
)

// ErrNotCanonicalizable marks a value the canonicalizer cannot serialize.
// Reaching it from the compiler is a bug in the pipeline, not bad user input.
var ErrNotCanonicalizable = errors.New("canonicalize: value has no canonical form")

// Canonicalize returns the RFC 8785 canonical JSON representation of v.
//
// v is first marshaled with encoding/json so struct tags are honoured, then
// re-serialized by the JCS transform which fixes key order and number form.
func Canonicalize(v any) ([]byte, error) {
	intermediate, err := marshalNoEscape(v)
	if err != nil {
		return nil, fmt.Errorf("%w: pre-marshal failed: %v", ErrNotCanonicalizable, err)
	}

	out, err := jcs.Transform(intermediate)
	if err != nil {
		return nil, fmt.Errorf("%w: transform failed: %v", ErrNotCanonicalizable, err)
	}
	return out, nil
}

// CanonicalString returns the canonical form as a string.
func CanonicalString(v any) (string, error) {
	b, err := Canonicalize(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// CanonicalHash returns the SHA3-256 digest of the canonical form of v.
func CanonicalHash(v any) (string, error) {
	b, err := Canonicalize(v)
	if err != nil {
		return "", err
	}
	return crypto.HashBytes(b), nil
}

// ToGeneric converts v into the generic JSON value space
// (map[string]any, []any, string, bool, json.Number, nil).
func ToGeneric(v any) (any, error) {
	raw, err := marshalNoEscape(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotCanonicalizable, err)
	}
	return DecodeGeneric(raw)
}

// DecodeGeneric decodes a single JSON document preserving number text.
func DecodeGeneric(raw []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, errors.New("trailing data after JSON value")
	}
	return out, nil
}

func marshalNoEscape(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	// json.Encoder adds a newline
	return bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}), nil
}
