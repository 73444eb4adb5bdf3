// Command capc compiles compliance policies into hashed, canonical IR.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Exit codes.
const (
	exitOK       = 0
	exitRejected = 1 // policy, lint or verification rejected
	exitError    = 2 // usage, parse or runtime error
)

// codedError carries a specific exit code out of a command. A nil err
// means the command already reported what went wrong.
type codedError struct {
	code int
	err  error
}

func (e *codedError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *codedError) Unwrap() error { return e.err }

func rejected(err error) error { return &codedError{code: exitRejected, err: err} }

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return run(ctx, args, stdout, stderr)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	a := newApp(stdout, stderr)
	root := a.rootCmd()
	if len(args) > 0 {
		args = args[1:]
	}
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	if terr := a.teardown(context.WithoutCancel(ctx)); terr != nil && err == nil {
		err = terr
	}
	return reportExit(stderr, err)
}

func reportExit(stderr io.Writer, err error) int {
	if err == nil {
		return exitOK
	}
	var ce *codedError
	if errors.As(err, &ce) {
		if ce.err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", ce.err)
		}
		return ce.code
	}
	_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
	return exitError
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "capc",
		Short: "Compile compliance policies into canonical, hashed IR",
		Long: "capc parses a policy (YAML, JSON or CUE), lints it, lowers it to IR and\n" +
			"seals the IR with a SHA3-256 hash over its canonical JSON form.\n\n" +
			"Exit codes: 0 success, 1 rejected, 2 usage or runtime error.",
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.setup,
	}
	f := root.PersistentFlags()
	f.StringVar(&a.flags.config, "config", "", "config file (default $CAPC_CONFIG)")
	f.StringVar(&a.flags.mode, "mode", "", "lint mode: strict or relaxed (default from config)")
	f.StringVar(&a.flags.logLevel, "log-level", "", "log level: debug, info, warn, error")
	f.StringVar(&a.flags.logFormat, "log-format", "", "log format: text or json")

	root.AddCommand(
		a.compileCmd(),
		a.lintCmd(),
		a.hashCmd(),
		a.verifyCmd(),
		a.celCmd(),
		a.storeCmd(),
		a.auditCmd(),
		a.versionCmd(),
	)
	return root
}
