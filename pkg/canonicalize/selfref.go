package canonicalize

// SelfHashed is implemented by values that embed their own content hash.
type SelfHashed interface {
	// WithSelfHashBlanked returns a copy of the value whose hash field is the
	// empty string. The receiver must not be modified.
	WithSelfHashBlanked() any
}

// HashWithSelfReferenceBlanked computes the digest a self-hashed value must
// carry: the hash of its canonical form with the hash field held empty.
//
// The field is blanked, not removed, so the key is still present in the
// hashed bytes. Every producer and verifier goes through this one helper.
func HashWithSelfReferenceBlanked(v SelfHashed) (string, error) {
	return CanonicalHash(v.WithSelfHashBlanked())
}
