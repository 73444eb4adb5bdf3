package crypto

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHashBytes_KnownVectors(t *testing.T) {
	require.Equal(t,
		"sha3-256:a7ffc6f8bf1ed76651c14756a061d662f580ff4de43b49fa82d80a4b80f8434a",
		HashBytes(nil))
	require.Equal(t,
		"sha3-256:3a985da74fe225b2045c172d6bd390bd855f086e3e9d525b46bfe24511431532",
		HashBytes([]byte("abc")))
}

func TestHashBytes_Format(t *testing.T) {
	d := HashBytes([]byte(`{"a":1}`))
	require.True(t, strings.HasPrefix(d, DigestPrefix))
	require.Len(t, strings.TrimPrefix(d, DigestPrefix), DigestHexLen)
	require.True(t, IsDigest(d))
}

func TestParseDigest(t *testing.T) {
	good := HashBytes([]byte("x"))
	raw, err := ParseDigest(good)
	require.NoError(t, err)
	require.Len(t, raw, 32)

	cases := map[string]string{
		"no prefix": strings.TrimPrefix(good, DigestPrefix),
		"sha256":    "sha256:" + strings.TrimPrefix(good, DigestPrefix),
		"truncated": good[:len(good)-2],
		"uppercase": DigestPrefix + strings.ToUpper(strings.TrimPrefix(good, DigestPrefix)),
		"non-hex":   DigestPrefix + strings.Repeat("z", DigestHexLen),
		"empty":     "",
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseDigest(in)
			require.ErrorIs(t, err, ErrInvalidDigest)
			require.False(t, IsDigest(in))
		})
	}
}
