package canonicalize

import (
	"bytes"
	"testing"
)

func FuzzCanonicalize(f *testing.F) {
	f.Add([]byte(`{"a":1,"b":2}`))
	f.Add([]byte(`{"z":{"y":"foo","x":"bar"},"a":1}`))
	f.Add([]byte(`{"html":"<script>alert('xss')</script> &"}`))
	f.Add([]byte(`{"num":123.456,"bool":true,"null":null}`))
	f.Add([]byte(`{"arr":[3,1,2],"nested":{"deep":{"key":"val"}}}`))
	f.Add([]byte(`{}`))
	f.Add([]byte(`{"":"empty_key","a":""}`))
	f.Add([]byte(`{"unicode":"こんにちは","emoji":"🚀"}`))
	f.Add([]byte(`{"escape":"line1\nline2\ttab"}`))

	f.Fuzz(func(t *testing.T, data []byte) {
		v, err := DecodeGeneric(data)
		if err != nil {
			t.Skip("invalid JSON input")
			return
		}

		b1, err := Canonicalize(v)
		if err != nil {
			return
		}

		b2, err := Canonicalize(v)
		if err != nil {
			t.Fatal("Canonicalize returned error on second call but not first")
		}
		if !bytes.Equal(b1, b2) {
			t.Errorf("non-deterministic:\n  first:  %s\n  second: %s", b1, b2)
		}

		// canonical form is a fixed point
		v2, err := DecodeGeneric(b1)
		if err != nil {
			t.Fatalf("canonical output is not valid JSON: %s", b1)
		}
		b3, err := Canonicalize(v2)
		if err != nil {
			t.Fatalf("re-canonicalize failed: %v", err)
		}
		if !bytes.Equal(b1, b3) {
			t.Errorf("canonical form is not idempotent:\n  once:  %s\n  twice: %s", b1, b3)
		}
	})
}
