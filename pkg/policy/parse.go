package policy

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/cap-compiler/pkg/canonicalize"
)

// DefaultMaxBytes bounds the size of a source document.
const DefaultMaxBytes int64 = 1 << 20

// Limits applied while converting YAML, covering alias expansion.
const (
	maxYAMLNodes = 1 << 20
	maxYAMLDepth = 1000
	maxJSONDepth = 1000
)

// Format is a source encoding.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
	FormatCUE  Format = "cue"
)

var (
	ErrTooLarge          = errors.New("policy document too large")
	ErrUnsupportedFormat = errors.New("unsupported policy format")
)

// ParseError reports a document that could not be turned into a Policy.
// It carries no diagnostic code.
type ParseError struct {
	Source string
	Format Format
	Msg    string
	Err    error
}

func (e *ParseError) Error() string {
	src := e.Source
	if src == "" {
		src = "<input>"
	}
	if e.Err != nil {
		return fmt.Sprintf("parse %s (%s): %s: %v", src, e.Format, e.Msg, e.Err)
	}
	return fmt.Sprintf("parse %s (%s): %s", src, e.Format, e.Msg)
}

func (e *ParseError) Unwrap() error { return e.Err }

// FormatFromPath picks the encoding from a file extension.
func FormatFromPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".json":
		return FormatJSON, nil
	case ".cue":
		return FormatCUE, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, filepath.Ext(path))
	}
}

// ParseFormat parses a format name.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatYAML, FormatJSON, FormatCUE:
		return f, nil
	case "yml":
		return FormatYAML, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, s)
	}
}

// Parser turns source documents into policies.
type Parser struct {
	MaxBytes int64
}

// NewParser returns a parser with the given size limit. A non-positive
// limit selects DefaultMaxBytes.
func NewParser(maxBytes int64) *Parser {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Parser{MaxBytes: maxBytes}
}

// Parse parses data with the default parser.
func Parse(data []byte, format Format) (*Policy, error) {
	return NewParser(0).Parse(data, format, "")
}

// ParseFile reads and parses path, choosing the format from its extension.
func (p *Parser) ParseFile(path string) (*Policy, error) {
	format, err := FormatFromPath(path)
	if err != nil {
		return nil, &ParseError{Source: path, Msg: "cannot determine format", Err: err}
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, &ParseError{Source: path, Format: format, Msg: "cannot open", Err: err}
	}
	defer f.Close()
	return p.ParseReader(f, format, path)
}

// ParseReader reads at most MaxBytes+1 bytes from r and parses them.
func (p *Parser) ParseReader(r io.Reader, format Format, source string) (*Policy, error) {
	data, err := io.ReadAll(io.LimitReader(r, p.limit()+1))
	if err != nil {
		return nil, &ParseError{Source: source, Format: format, Msg: "read failed", Err: err}
	}
	return p.Parse(data, format, source)
}

// Parse parses a complete document. source names the document in errors.
func (p *Parser) Parse(data []byte, format Format, source string) (*Policy, error) {
	fail := func(msg string, err error) (*Policy, error) {
		return nil, &ParseError{Source: source, Format: format, Msg: msg, Err: err}
	}

	if int64(len(data)) > p.limit() {
		return fail(fmt.Sprintf("exceeds %d bytes", p.limit()), ErrTooLarge)
	}

	var (
		doc any
		err error
	)
	switch format {
	case FormatYAML:
		doc, err = decodeYAML(data)
	case FormatJSON:
		doc, err = decodeJSON(data)
	case FormatCUE:
		doc, err = decodeCUE(data, source)
	default:
		return fail("cannot decode", fmt.Errorf("%w: %q", ErrUnsupportedFormat, format))
	}
	if err != nil {
		return fail("malformed document", err)
	}

	root, ok := doc.(map[string]any)
	if !ok {
		return fail("document root must be a mapping", nil)
	}
	if err := checkNumbers(doc); err != nil {
		return fail("malformed document", err)
	}
	expandCitations(root)

	schema, err := policySchema()
	if err != nil {
		return fail("schema unavailable", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fail("schema validation failed", err)
	}

	pol, err := decodeStrict(root)
	if err != nil {
		return fail("decode failed", err)
	}
	pol.Source = SourceMeta{
		Path:                source,
		Format:              format,
		DescriptionDeclared: root["description"] != nil,
	}
	return pol, nil
}

func (p *Parser) limit() int64 {
	if p == nil || p.MaxBytes <= 0 {
		return DefaultMaxBytes
	}
	return p.MaxBytes
}

// expandCitations rewrites bare-string legal basis entries into citation
// records.
func expandCitations(root map[string]any) {
	list, ok := root["legal_basis"].([]any)
	if !ok {
		return
	}
	for i, item := range list {
		if s, ok := item.(string); ok {
			list[i] = map[string]any{"citation": s}
		}
	}
}

// checkNumbers rejects numbers with no finite IEEE-754 value; they have no
// canonical form.
func checkNumbers(v any) error {
	switch t := v.(type) {
	case json.Number:
		f, err := strconv.ParseFloat(t.String(), 64)
		if err != nil || math.IsInf(f, 0) {
			return fmt.Errorf("number %s is out of range", t)
		}
	case map[string]any:
		for _, vv := range t {
			if err := checkNumbers(vv); err != nil {
				return err
			}
		}
	case []any:
		for _, vv := range t {
			if err := checkNumbers(vv); err != nil {
				return err
			}
		}
	}
	return nil
}

func decodeStrict(root map[string]any) (*Policy, error) {
	raw, err := json.Marshal(root)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	dec.DisallowUnknownFields()

	var pol Policy
	if err := dec.Decode(&pol); err != nil {
		return nil, err
	}

	if pol.LegalBasis == nil {
		pol.LegalBasis = []Citation{}
	}
	if pol.Inputs == nil {
		pol.Inputs = map[string]InputType{}
	}
	if pol.Rules == nil {
		pol.Rules = []Rule{}
	}
	if a := pol.Adaptivity; a != nil {
		if a.Predicates == nil {
			a.Predicates = []Predicate{}
		}
		if a.Activations == nil {
			a.Activations = []Activation{}
		}
		for i := range a.Activations {
			if a.Activations[i].Rules == nil {
				a.Activations[i].Rules = []string{}
			}
		}
	}
	return &pol, nil
}

func decodeCUE(data []byte, source string) (any, error) {
	ctx := cuecontext.New()
	opts := []cue.BuildOption{}
	if source != "" {
		opts = append(opts, cue.Filename(source))
	}
	v := ctx.CompileBytes(data, opts...)
	if v.Err() != nil {
		return nil, fmt.Errorf("compile: %w", v.Err())
	}
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return nil, fmt.Errorf("not concrete: %w", err)
	}
	raw, err := v.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("export: %w", err)
	}
	return canonicalize.DecodeGeneric(raw)
}

var jsonNumber = regexp.MustCompile(`^-?(0|[1-9][0-9]*)(\.[0-9]+)?([eE][+-]?[0-9]+)?$`)

func decodeYAML(data []byte) (any, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	var doc yaml.Node
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("empty document")
		}
		return nil, err
	}
	var extra yaml.Node
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		if err != nil {
			return nil, err
		}
		return nil, errors.New("multiple YAML documents")
	}
	budget := maxYAMLNodes
	v, err := yamlValue(&doc, &budget, 0)
	if err != nil {
		return nil, err
	}
	return resolveBareIdents(v), nil
}

// decodeJSON decodes a JSON document, rejecting objects that repeat a key
// at any depth.
func decodeJSON(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := checkJSONKeys(dec, 0); err != nil {
		return nil, err
	}
	return canonicalize.DecodeGeneric(data)
}

func checkJSONKeys(dec *json.Decoder, depth int) error {
	if depth > maxJSONDepth {
		return fmt.Errorf("offset %d: nesting deeper than %d", dec.InputOffset(), maxJSONDepth)
	}
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	delim, ok := tok.(json.Delim)
	if !ok {
		return nil
	}
	switch delim {
	case '{':
		seen := make(map[string]struct{})
		for dec.More() {
			kt, err := dec.Token()
			if err != nil {
				return err
			}
			key, _ := kt.(string)
			if _, dup := seen[key]; dup {
				return fmt.Errorf("offset %d: duplicate key %q", dec.InputOffset(), key)
			}
			seen[key] = struct{}{}
			if err := checkJSONKeys(dec, depth+1); err != nil {
				return err
			}
		}
	case '[':
		for dec.More() {
			if err := checkJSONKeys(dec, depth+1); err != nil {
				return err
			}
		}
	}
	// Closing delimiter.
	_, err = dec.Token()
	return err
}

// bareIdent is an unquoted YAML scalar shaped like an identifier. In an
// expression position it names a variable; elsewhere it is a string.
type bareIdent string

var identifier = regexp.MustCompile(`^[_a-zA-Z][_a-zA-Z0-9]*$`)

// resolveBareIdents rewrites bare identifiers in expression positions (rule
// lhs and rhs, predicate expr, and call arguments below them) to the
// {var: name} form and turns every other bare identifier back into a string.
func resolveBareIdents(doc any) any {
	if root, ok := doc.(map[string]any); ok {
		for _, r := range mapsIn(root["rules"]) {
			for _, k := range []string{"lhs", "rhs"} {
				if v, ok := r[k]; ok {
					r[k] = bareVar(v)
				}
			}
		}
		if a, ok := root["adaptivity"].(map[string]any); ok {
			for _, p := range mapsIn(a["predicates"]) {
				if v, ok := p["expr"]; ok {
					p["expr"] = bareVar(v)
				}
			}
		}
	}
	return plainStrings(doc)
}

func bareVar(v any) any {
	switch t := v.(type) {
	case bareIdent:
		return map[string]any{"var": string(t)}
	case map[string]any:
		if _, call := t["func"]; call {
			if args, ok := t["args"].([]any); ok {
				for i, a := range args {
					args[i] = bareVar(a)
				}
			}
		}
	}
	return v
}

func plainStrings(v any) any {
	switch t := v.(type) {
	case bareIdent:
		return string(t)
	case map[string]any:
		for k, e := range t {
			t[k] = plainStrings(e)
		}
	case []any:
		for i, e := range t {
			t[i] = plainStrings(e)
		}
	}
	return v
}

func mapsIn(v any) []map[string]any {
	list, _ := v.([]any)
	out := make([]map[string]any, 0, len(list))
	for _, item := range list {
		if m, ok := item.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

// yamlValue converts a YAML node into the generic JSON value space, keeping
// number text where it is already valid JSON.
func yamlValue(n *yaml.Node, budget *int, depth int) (any, error) {
	*budget--
	if *budget < 0 {
		return nil, errors.New("document expands to too many nodes")
	}
	if depth > maxYAMLDepth {
		return nil, fmt.Errorf("line %d: nesting deeper than %d", n.Line, maxYAMLDepth)
	}

	switch n.Kind {
	case yaml.DocumentNode:
		if len(n.Content) == 0 {
			return nil, errors.New("empty document")
		}
		return yamlValue(n.Content[0], budget, depth)

	case yaml.AliasNode:
		return yamlValue(n.Alias, budget, depth)

	case yaml.MappingNode:
		out := make(map[string]any, len(n.Content)/2)
		for i := 0; i+1 < len(n.Content); i += 2 {
			k, v := n.Content[i], n.Content[i+1]
			if k.Kind != yaml.ScalarNode {
				return nil, fmt.Errorf("line %d: mapping key must be a scalar", k.Line)
			}
			if k.ShortTag() == "!!merge" {
				return nil, fmt.Errorf("line %d: merge keys are not supported", k.Line)
			}
			if _, dup := out[k.Value]; dup {
				return nil, fmt.Errorf("line %d: duplicate key %q", k.Line, k.Value)
			}
			val, err := yamlValue(v, budget, depth+1)
			if err != nil {
				return nil, err
			}
			out[k.Value] = val
		}
		return out, nil

	case yaml.SequenceNode:
		out := make([]any, 0, len(n.Content))
		for _, c := range n.Content {
			val, err := yamlValue(c, budget, depth+1)
			if err != nil {
				return nil, err
			}
			out = append(out, val)
		}
		return out, nil

	case yaml.ScalarNode:
		return yamlScalar(n)
	}
	return nil, fmt.Errorf("line %d: unsupported YAML node", n.Line)
}

func yamlScalar(n *yaml.Node) (any, error) {
	switch n.ShortTag() {
	case "!!null":
		return nil, nil
	case "!!bool":
		var b bool
		if err := n.Decode(&b); err != nil {
			return nil, fmt.Errorf("line %d: %w", n.Line, err)
		}
		return b, nil
	case "!!int":
		if jsonNumber.MatchString(n.Value) {
			return json.Number(n.Value), nil
		}
		var i int64
		if err := n.Decode(&i); err != nil {
			return nil, fmt.Errorf("line %d: %w", n.Line, err)
		}
		return json.Number(strconv.FormatInt(i, 10)), nil
	case "!!float":
		var f float64
		if err := n.Decode(&f); err != nil {
			return nil, fmt.Errorf("line %d: %w", n.Line, err)
		}
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, fmt.Errorf("line %d: %q is not a finite number", n.Line, n.Value)
		}
		if jsonNumber.MatchString(n.Value) {
			return json.Number(n.Value), nil
		}
		return json.Number(strconv.FormatFloat(f, 'g', -1, 64)), nil
	case "!!str":
		if n.Style == 0 && identifier.MatchString(n.Value) {
			return bareIdent(n.Value), nil
		}
		return n.Value, nil
	default:
		// !!timestamp and !!binary keep their source text.
		return n.Value, nil
	}
}
