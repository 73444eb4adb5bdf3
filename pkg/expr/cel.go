package expr

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// ErrNotRenderable is returned when an expression has no CEL spelling.
var ErrNotRenderable = errors.New("expression not renderable as CEL")

var celIdent = regexp.MustCompile(`^[_a-zA-Z][_a-zA-Z0-9]*$`)

var celReserved = map[string]bool{
	"as": true, "break": true, "const": true, "continue": true, "else": true,
	"false": true, "for": true, "function": true, "if": true, "import": true,
	"in": true, "let": true, "loop": true, "package": true, "namespace": true,
	"null": true, "return": true, "true": true, "var": true, "void": true,
	"while": true,
}

// IsCELIdent reports whether name can be used verbatim as a CEL identifier.
func IsCELIdent(name string) bool {
	return celIdent.MatchString(name) && !celReserved[name]
}

// Naming maps expression names onto CEL identifiers. Nil functions keep
// names as they are.
type Naming struct {
	Var  func(string) string
	Func func(string) string
}

func (n Naming) varName(s string) string {
	if n.Var == nil {
		return s
	}
	return n.Var(s)
}

func (n Naming) funcName(s string) string {
	if n.Func == nil {
		return s
	}
	return n.Func(s)
}

// ToCEL renders e as CEL source. Names are used verbatim.
func ToCEL(e Expr) (string, error) {
	return ToCELNamed(e, Naming{})
}

// ToCELNamed renders e as CEL source, mapping names through naming.
func ToCELNamed(e Expr, naming Naming) (string, error) {
	var b strings.Builder
	if err := renderCEL(&b, e, naming); err != nil {
		return "", err
	}
	return b.String(), nil
}

func renderCEL(b *strings.Builder, e Expr, naming Naming) error {
	switch n := e.(type) {
	case Var:
		name := naming.varName(n.name)
		if !IsCELIdent(name) {
			return fmt.Errorf("%w: variable %q", ErrNotRenderable, name)
		}
		b.WriteString(name)
	case Lit:
		return renderCELValue(b, n.value)
	case Call:
		fn := naming.funcName(n.fn)
		if !IsCELIdent(fn) {
			return fmt.Errorf("%w: function %q", ErrNotRenderable, fn)
		}
		b.WriteString(fn)
		b.WriteByte('(')
		for i, a := range n.args {
			if i > 0 {
				b.WriteString(", ")
			}
			if err := renderCEL(b, a, naming); err != nil {
				return err
			}
		}
		b.WriteByte(')')
	default:
		return fmt.Errorf("%w: %T", ErrNotRenderable, e)
	}
	return nil
}

func renderCELValue(b *strings.Builder, v any) error {
	switch t := v.(type) {
	case nil:
		b.WriteString("null")
	case bool:
		b.WriteString(strconv.FormatBool(t))
	case string:
		b.WriteString(strconv.Quote(t))
	case json.Number:
		s := t.String()
		if _, err := strconv.ParseInt(s, 10, 64); err != nil || strings.ContainsAny(s, ".eE") {
			f, err := t.Float64()
			if err != nil {
				return fmt.Errorf("%w: number %s", ErrNotRenderable, s)
			}
			s = strconv.FormatFloat(f, 'g', -1, 64)
			if !strings.ContainsAny(s, ".eE") {
				s += ".0"
			}
		}
		b.WriteString(s)
	case []any:
		b.WriteByte('[')
		for i, item := range t {
			if i > 0 {
				b.WriteString(", ")
			}
			if err := renderCELValue(b, item); err != nil {
				return err
			}
		}
		b.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(strconv.Quote(k))
			b.WriteString(": ")
			if err := renderCELValue(b, t[k]); err != nil {
				return err
			}
		}
		b.WriteByte('}')
	default:
		return fmt.Errorf("%w: literal of type %T", ErrNotRenderable, v)
	}
	return nil
}
