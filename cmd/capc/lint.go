package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Mindburn-Labs/cap-compiler/pkg/diag"
)

type lintReport struct {
	Source      string    `json:"source"`
	Mode        diag.Mode `json:"mode"`
	Fatal       bool      `json:"fatal"`
	Diagnostics diag.List `json:"diagnostics"`
}

func (a *app) lintCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "lint <policy>...",
		Short: "Report diagnostics without emitting IR",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			code := exitOK
			enc := json.NewEncoder(a.stdout)
			enc.SetEscapeHTML(false)
			for _, path := range args {
				p, err := a.compiler.ParseFile(path)
				if err != nil {
					return err
				}
				diags := a.compiler.Lint(ctx, p)
				fatal := diags.HasFatal(a.mode)
				if fatal {
					code = exitRejected
				}
				if asJSON {
					if err := enc.Encode(lintReport{Source: path, Mode: a.mode, Fatal: fatal, Diagnostics: diags}); err != nil {
						return err
					}
					continue
				}
				for _, d := range diags {
					_, _ = fmt.Fprintf(a.stdout, "%s: %s\n", path, d)
				}
				switch {
				case fatal:
					_, _ = fmt.Fprintf(a.stdout, "%s: rejected in %s mode\n", path, a.mode)
				case len(diags) == 0:
					_, _ = fmt.Fprintf(a.stdout, "%s: ok\n", path)
				default:
					_, _ = fmt.Fprintf(a.stdout, "%s: ok with %d diagnostics\n", path, len(diags))
				}
			}
			if code != exitOK {
				return &codedError{code: code}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print one JSON report per input")
	return cmd
}

func (a *app) hashCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash <policy>",
		Short: "Print the policy_hash of a policy document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := a.compiler.ParseFile(args[0])
			if err != nil {
				return err
			}
			h, err := p.Hash()
			if err != nil {
				return fmt.Errorf("hash policy: %w", err)
			}
			_, err = fmt.Fprintln(a.stdout, h)
			return err
		},
	}
}
