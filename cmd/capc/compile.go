package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Mindburn-Labs/cap-compiler/pkg/audit"
	"github.com/Mindburn-Labs/cap-compiler/pkg/diag"
	"github.com/Mindburn-Labs/cap-compiler/pkg/pipeline"
)

// watchDebounce coalesces the burst of events an editor save produces.
const watchDebounce = 100 * time.Millisecond

type compileOptions struct {
	out       string
	json      bool
	pretty    bool
	store     bool
	auditPath string
	watch     bool
}

// compileReport is one line of `compile --json` output.
type compileReport struct {
	Source      string          `json:"source"`
	Accepted    bool            `json:"accepted"`
	Mode        diag.Mode       `json:"mode,omitempty"`
	PolicyHash  string          `json:"policy_hash,omitempty"`
	IRHash      string          `json:"ir_hash,omitempty"`
	Diagnostics diag.List       `json:"diagnostics"`
	IR          json.RawMessage `json:"ir,omitempty"`
	Error       string          `json:"error,omitempty"`
}

type compileOutcome struct {
	source string
	res    *pipeline.Result
	err    error
}

func (a *app) compileCmd() *cobra.Command {
	var opts compileOptions
	cmd := &cobra.Command{
		Use:   "compile <policy>...",
		Short: "Compile policies to canonical IR",
		Long: "Compile one or more policy documents. Accepted IR is written to stdout,\n" +
			"or to --out (a file for a single input, a directory otherwise).\n" +
			"Diagnostics go to stderr unless --json is set.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.watch {
				return a.watch(cmd.Context(), args, opts)
			}
			code, err := a.compileOnce(cmd.Context(), args, opts)
			if err != nil {
				return err
			}
			if code != exitOK {
				return &codedError{code: code}
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVarP(&opts.out, "out", "o", "", "output file or directory for accepted IR")
	f.BoolVar(&opts.json, "json", false, "print one JSON report per input")
	f.BoolVar(&opts.pretty, "pretty", false, "indent IR output (not canonical)")
	f.BoolVar(&opts.store, "store", false, "persist accepted IR in the configured policy store")
	f.StringVar(&opts.auditPath, "audit", "", "append events to this audit log (default from config)")
	f.BoolVar(&opts.watch, "watch", false, "recompile when an input changes")
	return cmd
}

// compileOnce compiles every input and reports in argument order. The
// returned code is the worst outcome: 2 for a parse or internal error, 1
// for a rejected policy.
func (a *app) compileOnce(ctx context.Context, paths []string, opts compileOptions) (int, error) {
	outs := a.compileAll(paths)

	var auditLog *audit.Log
	var err error
	if auditLog, err = a.openAudit(opts.auditPath); err != nil {
		return exitError, err
	}

	code := exitOK
	for _, o := range outs {
		c, err := a.emit(ctx, o, opts, len(outs) > 1, auditLog)
		if err != nil {
			return exitError, err
		}
		code = max(code, c)
	}
	return code, nil
}

func (a *app) compileAll(paths []string) []compileOutcome {
	outs := make([]compileOutcome, len(paths))
	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, path := range paths {
		g.Go(func() error {
			// Compilation is CPU bound and ignores cancellation.
			res, err := a.compiler.CompileFile(context.Background(), path)
			outs[i] = compileOutcome{source: path, res: res, err: err}
			return nil
		})
	}
	_ = g.Wait()
	return outs
}

func (a *app) emit(ctx context.Context, o compileOutcome, opts compileOptions, many bool, auditLog *audit.Log) (int, error) {
	if o.err != nil {
		if opts.json {
			return exitError, a.writeReport(compileReport{Source: o.source, Error: o.err.Error()})
		}
		if errors.Is(o.err, pipeline.ErrInternal) {
			_, _ = fmt.Fprintf(a.stderr, "Error: %s: %v\n", o.source, o.err)
		} else {
			_, _ = fmt.Fprintf(a.stderr, "Error: %v\n", o.err)
		}
		return exitError, nil
	}

	res := o.res
	if auditLog != nil {
		if _, err := auditLog.Append(ctx, audit.Event{
			Action:     audit.ActionCompile,
			PolicyID:   res.IR.PolicyID,
			PolicyHash: res.PolicyHash,
			IRHash:     res.IRHash(),
			Detail: map[string]string{
				"source":      o.source,
				"mode":        string(res.Mode),
				"accepted":    strconv.FormatBool(res.Accepted),
				"diagnostics": strconv.Itoa(len(res.Diagnostics)),
			},
		}); err != nil {
			return exitError, err
		}
	}

	if res.Accepted && opts.store {
		if err := a.storeResult(ctx, res, auditLog); err != nil {
			return exitError, err
		}
	}

	if opts.json {
		rep := compileReport{
			Source:      o.source,
			Accepted:    res.Accepted,
			Mode:        res.Mode,
			PolicyHash:  res.PolicyHash,
			IRHash:      res.IRHash(),
			Diagnostics: res.Diagnostics,
		}
		if res.Accepted {
			rep.IR = res.Canonical
		}
		if err := a.writeReport(rep); err != nil {
			return exitError, err
		}
	} else {
		for _, d := range res.Diagnostics {
			_, _ = fmt.Fprintf(a.stderr, "%s: %s\n", o.source, d)
		}
	}

	if !res.Accepted {
		if !opts.json {
			_, _ = fmt.Fprintf(a.stderr, "%s: rejected (%d fatal in %s mode)\n",
				o.source, len(res.Diagnostics.Fatal(res.Mode)), res.Mode)
		}
		return exitRejected, nil
	}

	if opts.out != "" {
		dst, err := outputPath(opts.out, o.source, many)
		if err != nil {
			return exitError, err
		}
		if err := writeIRFile(dst, res.Canonical, opts.pretty); err != nil {
			return exitError, err
		}
		a.logger.InfoContext(ctx, "wrote IR", "source", o.source, "path", dst, "ir_hash", res.IRHash())
	} else if !opts.json {
		if err := writeIR(a.stdout, res.Canonical, opts.pretty); err != nil {
			return exitError, err
		}
	}
	return exitOK, nil
}

func (a *app) storeResult(ctx context.Context, res *pipeline.Result, auditLog *audit.Log) error {
	s, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	id, dedup, err := s.Put(ctx, res.Canonical, res.PolicyHash)
	if err != nil {
		return fmt.Errorf("store %s: %w", res.IR.PolicyID, err)
	}
	a.logger.InfoContext(ctx, "stored compiled policy", "id", id, "policy_id", res.IR.PolicyID, "deduplicated", dedup)
	if auditLog == nil {
		return nil
	}
	_, err = auditLog.Append(ctx, audit.Event{
		Action:     audit.ActionStorePut,
		PolicyID:   res.IR.PolicyID,
		PolicyHash: res.PolicyHash,
		IRHash:     id,
		Detail:     map[string]string{"deduplicated": strconv.FormatBool(dedup)},
	})
	return err
}

func (a *app) writeReport(rep compileReport) error {
	enc := json.NewEncoder(a.stdout)
	enc.SetEscapeHTML(false)
	return enc.Encode(rep)
}

// outputPath resolves --out. A single input writes to out itself unless out
// names an existing directory; several inputs always write into out.
func outputPath(out, source string, many bool) (string, error) {
	if !many {
		if fi, err := os.Stat(out); err != nil || !fi.IsDir() {
			return out, nil
		}
	}
	//nolint:gosec // G301: IR output directory is shared with downstream tools
	if err := os.MkdirAll(out, 0755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}
	base := strings.TrimSuffix(filepath.Base(source), filepath.Ext(source))
	return filepath.Join(out, base+".ir.json"), nil
}

func writeIRFile(path string, canonical []byte, pretty bool) error {
	var buf bytes.Buffer
	if err := writeIR(&buf, canonical, pretty); err != nil {
		return err
	}
	//nolint:gosec // G306: IR is public output
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("write IR: %w", err)
	}
	return nil
}

// writeIR writes the canonical bytes followed by a newline. Pretty output is
// for humans only; its hash is not ir_hash.
func writeIR(w io.Writer, canonical []byte, pretty bool) error {
	if pretty {
		var buf bytes.Buffer
		if err := json.Indent(&buf, canonical, "", "  "); err != nil {
			return fmt.Errorf("indent IR: %w", err)
		}
		canonical = buf.Bytes()
	}
	if _, err := w.Write(canonical); err != nil {
		return err
	}
	_, err := io.WriteString(w, "\n")
	return err
}

// watch compiles the inputs once and again after every change until ctx is
// done. Results of individual runs do not affect the exit code.
func (a *app) watch(ctx context.Context, paths []string, opts compileOptions) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer w.Close() //nolint:errcheck // watcher teardown

	targets := make(map[string]bool, len(paths))
	dirs := make(map[string]bool)
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return err
		}
		targets[abs] = true
		dir := filepath.Dir(abs)
		if dirs[dir] {
			continue
		}
		// Watch the directory so editors that replace the file are seen.
		if err := w.Add(dir); err != nil {
			return fmt.Errorf("failed to watch %q: %w", dir, err)
		}
		dirs[dir] = true
	}

	rebuild := func() error {
		code, err := a.compileOnce(ctx, paths, opts)
		if err != nil {
			return err
		}
		a.logger.InfoContext(ctx, "compiled", "inputs", len(paths), "exit_code", code)
		return nil
	}
	if err := rebuild(); err != nil {
		return err
	}

	var (
		timer *time.Timer
		fire  <-chan time.Time
	)
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			if abs, err := filepath.Abs(ev.Name); err != nil || !targets[abs] {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(watchDebounce)
			fire = timer.C

		case <-fire:
			fire = nil
			if err := rebuild(); err != nil {
				return err
			}

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			a.logger.WarnContext(ctx, "file watcher error", "error", err)
		}
	}
}
