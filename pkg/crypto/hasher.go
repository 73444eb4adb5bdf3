// Package crypto provides the content hash used for policy and IR identity.
//
// Only SHA3-256 is accepted. Digests are rendered as "sha3-256:" followed by
// 64 lowercase hex characters. Changing the algorithm is a protocol break and
// requires a new IR version.
package crypto

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/sha3"
)

// DigestPrefix is the algorithm tag carried by every digest string.
const DigestPrefix = "sha3-256:"

// DigestHexLen is the number of hex characters after the prefix.
const DigestHexLen = 64

// ErrInvalidDigest is returned when a digest string is not in canonical form.
var ErrInvalidDigest = errors.New("invalid digest")

// HashBytes returns the prefixed SHA3-256 digest of data.
func HashBytes(data []byte) string {
	sum := sha3.Sum256(data)
	return DigestPrefix + hex.EncodeToString(sum[:])
}

// ParseDigest validates s and returns the raw 32 digest bytes.
// Uppercase hex is rejected; the textual form is part of the hashed IR.
func ParseDigest(s string) ([]byte, error) {
	if !strings.HasPrefix(s, DigestPrefix) {
		return nil, fmt.Errorf("%w: missing %q prefix", ErrInvalidDigest, DigestPrefix)
	}
	h := strings.TrimPrefix(s, DigestPrefix)
	if len(h) != DigestHexLen {
		return nil, fmt.Errorf("%w: want %d hex chars, got %d", ErrInvalidDigest, DigestHexLen, len(h))
	}
	if strings.ToLower(h) != h {
		return nil, fmt.Errorf("%w: hex must be lowercase", ErrInvalidDigest)
	}
	raw, err := hex.DecodeString(h)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDigest, err)
	}
	return raw, nil
}

// IsDigest reports whether s is a well-formed digest string.
func IsDigest(s string) bool {
	_, err := ParseDigest(s)
	return err == nil
}
