package expr

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/Mindburn-Labs/cap-compiler/pkg/canonicalize"
)

// MaxDepth bounds call nesting so adversarial documents cannot drive
// unbounded recursion.
const MaxDepth = 64

var (
	// ErrMalformed marks a surface value that uses a var/func/lit key but
	// does not match the exact form.
	ErrMalformed = errors.New("malformed expression")
	// ErrTooDeep marks an expression nested beyond MaxDepth.
	ErrTooDeep = errors.New("expression nested too deeply")
)

// Lower converts a surface value into an expression:
//
//	{var: name}                -> Var
//	{func: name, args: [...]}  -> Call (args lowered recursively)
//	{lit: value}               -> Lit (explicit escape for object literals)
//	anything else              -> Lit
//
// An object carrying var, func or lit alongside other keys is rejected.
// Bare YAML identifiers reach Lower already rewritten to the var form by
// the policy parser.
func Lower(surface any) (Expr, error) {
	return lower(surface, 0)
}

// Decode parses a JSON-encoded expression.
func Decode(raw []byte) (Expr, error) {
	v, err := canonicalize.DecodeGeneric(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return Lower(v)
}

func lower(s any, depth int) (Expr, error) {
	if depth > MaxDepth {
		return nil, fmt.Errorf("%w: more than %d levels", ErrTooDeep, MaxDepth)
	}

	m, ok := s.(map[string]any)
	if !ok || !hasFormKey(m) {
		return NewLit(s)
	}

	switch {
	case has(m, keyVar):
		if len(m) != 1 {
			return nil, fmt.Errorf("%w: var form takes no other keys (found %s)", ErrMalformed, keyList(m))
		}
		name, ok := m[keyVar].(string)
		if !ok || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("%w: var name must be a non-empty string", ErrMalformed)
		}
		return NewVar(name), nil

	case has(m, keyFunc):
		for k := range m {
			if k != keyFunc && k != keyArgs {
				return nil, fmt.Errorf("%w: func form allows only func and args (found %s)", ErrMalformed, keyList(m))
			}
		}
		name, ok := m[keyFunc].(string)
		if !ok || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("%w: func name must be a non-empty string", ErrMalformed)
		}
		var rawArgs []any
		if a, present := m[keyArgs]; present && a != nil {
			rawArgs, ok = a.([]any)
			if !ok {
				return nil, fmt.Errorf("%w: args of %q must be a list", ErrMalformed, name)
			}
		}
		args := make([]Expr, 0, len(rawArgs))
		for i, a := range rawArgs {
			e, err := lower(a, depth+1)
			if err != nil {
				return nil, fmt.Errorf("%s arg %d: %w", name, i, err)
			}
			args = append(args, e)
		}
		return Call{fn: name, args: args}, nil

	default: // lit
		if len(m) != 1 {
			return nil, fmt.Errorf("%w: lit form takes no other keys (found %s)", ErrMalformed, keyList(m))
		}
		return NewLit(m[keyLit])
	}
}

func has(m map[string]any, k string) bool {
	_, ok := m[k]
	return ok
}

func keyList(m map[string]any) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return strings.Join(keys, ",")
}
