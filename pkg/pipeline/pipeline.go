// Package pipeline wires the compiler stages together:
// parse, lint, generate, canonicalize and hash.
//
// A Compiler holds only immutable configuration. Compile is a pure function
// of its input policy and that configuration, so one Compiler may be shared
// by any number of goroutines.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/Mindburn-Labs/cap-compiler/pkg/builtins"
	"github.com/Mindburn-Labs/cap-compiler/pkg/diag"
	"github.com/Mindburn-Labs/cap-compiler/pkg/ir"
	"github.com/Mindburn-Labs/cap-compiler/pkg/lint"
	"github.com/Mindburn-Labs/cap-compiler/pkg/observability"
	"github.com/Mindburn-Labs/cap-compiler/pkg/policy"
)

// ErrInternal marks a broken compiler invariant. It is never caused by the
// content of a policy alone.
var ErrInternal = errors.New("internal compiler error")

// Result is the outcome of one compilation.
type Result struct {
	// IR is the sealed IR, or an empty placeholder when not Accepted.
	IR *ir.IR
	// Canonical is the canonical JSON encoding of IR.
	Canonical   []byte
	PolicyHash  string
	Diagnostics diag.List
	Accepted    bool
	Mode        diag.Mode
}

// IRHash returns the ir_hash, empty when the compilation was rejected.
func (r *Result) IRHash() string {
	if r.IR == nil {
		return ""
	}
	return r.IR.IRHash
}

// Option configures a Compiler.
type Option func(*Compiler)

func WithMode(m diag.Mode) Option { return func(c *Compiler) { c.mode = m } }

func WithRegistry(r *builtins.Registry) Option { return func(c *Compiler) { c.registry = r } }

func WithLogger(l *slog.Logger) Option { return func(c *Compiler) { c.logger = l } }

func WithTracer(t trace.Tracer) Option { return func(c *Compiler) { c.tracer = t } }

func WithMetrics(m *observability.CompilerMetrics) Option {
	return func(c *Compiler) { c.metrics = m }
}

// WithMaxInputBytes bounds source documents read by CompileSource and
// CompileFile.
func WithMaxInputBytes(n int64) Option { return func(c *Compiler) { c.maxBytes = n } }

// Compiler runs the pipeline with a fixed mode and registry.
type Compiler struct {
	mode     diag.Mode
	registry *builtins.Registry
	logger   *slog.Logger
	tracer   trace.Tracer
	metrics  *observability.CompilerMetrics
	maxBytes int64

	parser *policy.Parser
	linter *lint.Linter
}

// New returns a strict-mode compiler with the default registry unless
// options say otherwise.
func New(opts ...Option) *Compiler {
	c := &Compiler{mode: diag.ModeStrict}
	for _, opt := range opts {
		opt(c)
	}
	if c.mode == "" {
		c.mode = diag.ModeStrict
	}
	if c.registry == nil {
		c.registry = builtins.Default()
	}
	if c.logger == nil {
		c.logger = slog.New(slog.DiscardHandler)
	}
	if c.tracer == nil {
		c.tracer = noop.NewTracerProvider().Tracer(observability.InstrumentationName)
	}
	c.parser = policy.NewParser(c.maxBytes)
	c.linter = lint.New(c.registry)
	return c
}

func (c *Compiler) Mode() diag.Mode { return c.mode }

// ParseFile parses the policy at path with the compiler's size limit.
func (c *Compiler) ParseFile(path string) (*policy.Policy, error) {
	return c.parser.ParseFile(path)
}

// CompileFile parses and compiles the policy at path. Parse failures are
// returned as *policy.ParseError.
func (c *Compiler) CompileFile(ctx context.Context, path string) (*Result, error) {
	p, err := c.parser.ParseFile(path)
	if err != nil {
		return nil, err
	}
	return c.Compile(ctx, p)
}

// CompileSource parses and compiles a document held in memory.
func (c *Compiler) CompileSource(ctx context.Context, data []byte, format policy.Format, source string) (*Result, error) {
	p, err := c.parser.Parse(data, format, source)
	if err != nil {
		return nil, err
	}
	return c.Compile(ctx, p)
}

// Lint runs only the linter.
func (c *Compiler) Lint(ctx context.Context, p *policy.Policy) diag.List {
	_, span := c.tracer.Start(ctx, "capc.lint")
	defer span.End()
	diags := c.linter.Lint(p, c.mode)
	span.SetAttributes(attribute.Int("capc.diagnostics", len(diags)))
	return diags
}

// Compile lints p and, unless a fatal diagnostic is found, produces the
// sealed IR. Diagnostics are data and never returned as an error; a non-nil
// error wraps ErrInternal.
func (c *Compiler) Compile(ctx context.Context, p *policy.Policy) (res *Result, err error) {
	start := time.Now()
	ctx, span := c.tracer.Start(ctx, "capc.compile", trace.WithAttributes(
		attribute.String("capc.policy_id", p.ID),
		attribute.String("capc.mode", string(c.mode)),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetAttributes(attribute.Bool("capc.accepted", res.Accepted))
			c.record(ctx, res, time.Since(start))
		}
		span.End()
	}()

	policyHash, err := c.hash(ctx, "policy", func() (string, error) { return p.Hash() })
	if err != nil {
		return nil, fmt.Errorf("%w: policy hash: %v", ErrInternal, err)
	}

	diags := c.Lint(ctx, p)
	res = &Result{
		PolicyHash:  policyHash,
		Diagnostics: diags,
		Mode:        c.mode,
	}

	if diags.HasFatal(c.mode) {
		c.logger.DebugContext(ctx, "compilation rejected",
			"policy_id", p.ID,
			"fatal", len(diags.Fatal(c.mode)),
			"diagnostics", len(diags),
		)
		res.IR = ir.Empty(p.ID, policyHash)
		if res.Canonical, err = ir.Canonical(res.IR); err != nil {
			return nil, fmt.Errorf("%w: placeholder IR: %v", ErrInternal, err)
		}
		return res, nil
	}

	_, genSpan := c.tracer.Start(ctx, "capc.generate")
	unsealed, genDiags := ir.Generate(p, policyHash, c.registry)
	genSpan.End()
	if len(genDiags) > 0 {
		return nil, fmt.Errorf("%w: generator rejected a linted policy: %s", ErrInternal, genDiags[0])
	}

	var sealed *ir.IR
	if _, err = c.hash(ctx, "ir", func() (string, error) {
		var serr error
		sealed, serr = ir.Seal(unsealed)
		if serr != nil {
			return "", serr
		}
		return sealed.IRHash, nil
	}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}

	if res.Canonical, err = ir.Canonical(sealed); err != nil {
		return nil, fmt.Errorf("%w: canonical IR: %v", ErrInternal, err)
	}
	res.IR = sealed
	res.Accepted = true

	c.logger.DebugContext(ctx, "compiled policy",
		"policy_id", p.ID,
		"policy_hash", policyHash,
		"ir_hash", sealed.IRHash,
		"rules", len(sealed.Rules),
		"diagnostics", len(diags),
	)
	return res, nil
}

func (c *Compiler) hash(ctx context.Context, subject string, fn func() (string, error)) (string, error) {
	_, span := c.tracer.Start(ctx, "capc.hash", trace.WithAttributes(
		attribute.String("capc.hash.subject", subject),
	))
	defer span.End()
	h, err := fn()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	span.SetAttributes(attribute.String("capc.hash.value", h))
	return h, nil
}

func (c *Compiler) record(ctx context.Context, res *Result, d time.Duration) {
	if c.metrics == nil {
		return
	}
	c.metrics.RecordCompilation(ctx, string(c.mode), res.Accepted, d)
	for _, dg := range res.Diagnostics {
		c.metrics.RecordDiagnostic(ctx, string(dg.Code), string(dg.Level))
	}
}
