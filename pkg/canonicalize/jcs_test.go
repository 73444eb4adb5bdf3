package canonicalize

import (
	"encoding/json"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalize_Sorting(t *testing.T) {
	input := map[string]any{
		"c": 3,
		"a": 1,
		"b": 2,
	}

	b, err := Canonicalize(input)
	require.NoError(t, err)
	require.Equal(t, `{"a":1,"b":2,"c":3}`, string(b))
}

func TestCanonicalize_RecursiveSorting(t *testing.T) {
	input := map[string]any{
		"z": map[string]any{
			"y": "foo",
			"x": "bar",
		},
		"a": []any{3, 1, 2},
	}

	b, err := Canonicalize(input)
	require.NoError(t, err)
	// arrays keep element order
	require.Equal(t, `{"a":[3,1,2],"z":{"x":"bar","y":"foo"}}`, string(b))
}

func TestCanonicalize_NoHTMLEscaping(t *testing.T) {
	input := map[string]string{
		"html": "<script>alert('xss')</script> &",
	}

	b, err := Canonicalize(input)
	require.NoError(t, err)
	require.Equal(t, `{"html":"<script>alert('xss')</script> &"}`, string(b))
}

func TestCanonicalize_NumberForm(t *testing.T) {
	cases := []struct {
		name string
		in   any
		want string
	}{
		{"decimal", json.Number("123.456"), "123.456"},
		{"trailing zero", json.Number("1.0"), "1"},
		{"exponent", json.Number("1e2"), "100"},
		{"negative zero", json.Number("-0"), "0"},
		{"float64", 2.5, "2.5"},
		{"int", 42, "42"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b, err := Canonicalize(map[string]any{"n": tc.in})
			require.NoError(t, err)
			require.Equal(t, `{"n":`+tc.want+`}`, string(b))
		})
	}
}

func TestCanonicalize_NoWhitespace(t *testing.T) {
	raw := []byte("{ \"b\" : [ 1 , 2 ] ,\n \"a\" : { } }")
	v, err := DecodeGeneric(raw)
	require.NoError(t, err)

	b, err := Canonicalize(v)
	require.NoError(t, err)
	require.Equal(t, `{"a":{},"b":[1,2]}`, string(b))
}

func TestCanonicalize_RejectsNaN(t *testing.T) {
	_, err := Canonicalize(map[string]any{"x": math.NaN()})
	require.ErrorIs(t, err, ErrNotCanonicalizable)

	_, err = Canonicalize(map[string]any{"x": math.Inf(1)})
	require.ErrorIs(t, err, ErrNotCanonicalizable)

	_, err = Canonicalize(make(chan int))
	require.ErrorIs(t, err, ErrNotCanonicalizable)
}

func TestCanonicalHash_Stability(t *testing.T) {
	v1 := map[string]any{"a": 1, "b": 2}

	type S struct {
		B int `json:"b"`
		A int `json:"a"`
	}
	v2 := S{A: 1, B: 2}

	h1, err := CanonicalHash(v1)
	require.NoError(t, err)
	h2, err := CanonicalHash(v2)
	require.NoError(t, err)

	require.Equal(t, h1, h2)
	require.True(t, strings.HasPrefix(h1, "sha3-256:"))
}

func TestCanonicalString_MatchesBytes(t *testing.T) {
	s, err := CanonicalString(map[string]int{"b": 2, "a": 1})
	require.NoError(t, err)
	assert.Equal(t, `{"a":1,"b":2}`, s)
}

func TestDecodeGeneric_TrailingData(t *testing.T) {
	_, err := DecodeGeneric([]byte(`{"a":1} {"b":2}`))
	require.Error(t, err)
}

type sealed struct {
	Body string `json:"body"`
	Hash string `json:"hash"`
}

func (s sealed) WithSelfHashBlanked() any {
	s.Hash = ""
	return s
}

func TestHashWithSelfReferenceBlanked(t *testing.T) {
	v := sealed{Body: "payload"}
	h, err := HashWithSelfReferenceBlanked(v)
	require.NoError(t, err)

	// the blanked key stays in the hashed bytes
	want, err := CanonicalHash(map[string]any{"body": "payload", "hash": ""})
	require.NoError(t, err)
	require.Equal(t, want, h)

	// populating the field does not change the recomputed digest
	v.Hash = h
	again, err := HashWithSelfReferenceBlanked(v)
	require.NoError(t, err)
	require.Equal(t, h, again)
	require.Equal(t, "payload", v.Body)
}
