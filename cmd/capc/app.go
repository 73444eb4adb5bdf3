package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Mindburn-Labs/cap-compiler/pkg/audit"
	"github.com/Mindburn-Labs/cap-compiler/pkg/config"
	"github.com/Mindburn-Labs/cap-compiler/pkg/diag"
	"github.com/Mindburn-Labs/cap-compiler/pkg/observability"
	"github.com/Mindburn-Labs/cap-compiler/pkg/pipeline"
	"github.com/Mindburn-Labs/cap-compiler/pkg/store"
)

// skipSetup marks commands that run without configuration.
const skipSetup = "capc/skip-setup"

// app holds the state shared by all subcommands of one invocation.
type app struct {
	stdout, stderr io.Writer

	flags struct {
		config    string
		mode      string
		logLevel  string
		logFormat string
	}

	cfg       *config.Config
	mode      diag.Mode
	logger    *slog.Logger
	telemetry *observability.Provider
	compiler  *pipeline.Compiler

	store store.Store
	audit *audit.Log
}

func newApp(stdout, stderr io.Writer) *app {
	return &app{
		stdout: stdout,
		stderr: stderr,
		logger: slog.New(slog.DiscardHandler),
	}
}

// setup loads configuration, applies flag overrides and builds the
// compiler. Flags win over the environment, which wins over the file.
func (a *app) setup(cmd *cobra.Command, args []string) error {
	if cmd.Annotations[skipSetup] == "true" {
		return nil
	}
	cfg, err := config.Load(a.flags.config)
	if err != nil {
		return err
	}
	if a.flags.mode != "" {
		cfg.Mode = a.flags.mode
	}
	if a.flags.logLevel != "" {
		cfg.LogLevel = a.flags.logLevel
	}
	if a.flags.logFormat != "" {
		cfg.LogFormat = a.flags.logFormat
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	a.cfg = cfg
	a.mode, _ = cfg.LintMode()

	lvl, _ := cfg.SlogLevel()
	opts := &slog.HandlerOptions{Level: lvl}
	var h slog.Handler
	if strings.EqualFold(cfg.LogFormat, "json") {
		h = slog.NewJSONHandler(a.stderr, opts)
	} else {
		h = slog.NewTextHandler(a.stderr, opts)
	}
	slog.SetDefault(slog.New(h))
	a.logger = slog.Default().With("component", "capc")

	ctx := cmd.Context()
	a.telemetry, err = observability.New(ctx, &observability.Config{
		ServiceName:    "capc",
		ServiceVersion: version,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		SampleRate:     cfg.Telemetry.SampleRate,
		BatchTimeout:   5 * time.Second,
		Enabled:        cfg.Telemetry.Enabled,
		Insecure:       cfg.Telemetry.Insecure,
	})
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	metrics, err := observability.NewCompilerMetrics(a.telemetry.Meter())
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}

	a.compiler = pipeline.New(
		pipeline.WithMode(a.mode),
		pipeline.WithLogger(a.logger),
		pipeline.WithTracer(a.telemetry.Tracer()),
		pipeline.WithMetrics(metrics),
		pipeline.WithMaxInputBytes(cfg.MaxInputBytes),
	)
	return nil
}

// openStore opens the configured policy store on first use.
func (a *app) openStore(ctx context.Context) (store.Store, error) {
	if a.store != nil {
		return a.store, nil
	}
	s, err := store.Open(ctx, a.cfg)
	if errors.Is(err, store.ErrDisabled) {
		return nil, fmt.Errorf("%w: set CAPC_STORE or store.type in the config file", err)
	}
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	a.store = s
	return s, nil
}

// openAudit opens the audit log at path, or the configured one when path
// is empty. It returns nil when neither is set.
func (a *app) openAudit(path string) (*audit.Log, error) {
	if path == "" {
		path = a.cfg.AuditLog
	}
	if path == "" {
		return nil, nil
	}
	if a.audit != nil && a.audit.Path() == path {
		return a.audit, nil
	}
	l, err := audit.Open(path)
	if err != nil {
		return nil, err
	}
	a.audit = l
	return l, nil
}

func (a *app) teardown(ctx context.Context) error {
	var errs []error
	if a.store != nil {
		errs = append(errs, a.store.Close())
		a.store = nil
	}
	if a.telemetry != nil {
		// Export failures never change the outcome of a command.
		if err := a.telemetry.Shutdown(ctx); err != nil {
			a.logger.WarnContext(ctx, "telemetry shutdown", "error", err)
		}
		a.telemetry = nil
	}
	return errors.Join(errs...)
}

// writeJSON writes v as indented JSON.
func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
