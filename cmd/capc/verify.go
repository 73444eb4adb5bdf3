package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Mindburn-Labs/cap-compiler/pkg/ir"
)

func (a *app) verifyCmd() *cobra.Command {
	var policyPath string
	cmd := &cobra.Command{
		Use:   "verify <ir.json>",
		Short: "Check an IR file's ir_hash, optionally against its source policy",
		Long: "Recompute ir_hash over the canonical IR with the hash field blanked and\n" +
			"compare it with the recorded value. With --policy, also recompile the\n" +
			"source and require the same ir_hash.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[0]) //nolint:gosec // operator-supplied path
			if err != nil {
				return fmt.Errorf("read IR: %w", err)
			}
			x, err := ir.Decode(raw)
			if err != nil {
				return rejected(fmt.Errorf("%s: %w", args[0], err))
			}
			if err := ir.Verify(x); err != nil {
				return rejected(fmt.Errorf("%s: %w", args[0], err))
			}

			if policyPath != "" {
				res, err := a.compiler.CompileFile(cmd.Context(), policyPath)
				if err != nil {
					return err
				}
				if !res.Accepted {
					return rejected(fmt.Errorf("%s does not compile in %s mode", policyPath, res.Mode))
				}
				if res.PolicyHash != x.PolicyHash {
					return rejected(fmt.Errorf("policy_hash mismatch: IR has %s, %s compiles to %s", x.PolicyHash, policyPath, res.PolicyHash))
				}
				if res.IRHash() != x.IRHash {
					return rejected(fmt.Errorf("ir_hash mismatch: IR has %s, %s compiles to %s", x.IRHash, policyPath, res.IRHash()))
				}
			}

			_, err = fmt.Fprintf(a.stdout, "ok %s %s\n", x.PolicyID, x.IRHash)
			return err
		},
	}
	cmd.Flags().StringVar(&policyPath, "policy", "", "source policy to recompile and compare")
	return cmd
}

func (a *app) celCmd() *cobra.Command {
	var fromIR bool
	cmd := &cobra.Command{
		Use:   "cel <policy>",
		Short: "Render compiled rules and predicates as CEL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var x *ir.IR
			if fromIR {
				raw, err := os.ReadFile(args[0]) //nolint:gosec // operator-supplied path
				if err != nil {
					return fmt.Errorf("read IR: %w", err)
				}
				if x, err = ir.Decode(raw); err != nil {
					return rejected(err)
				}
			} else {
				res, err := a.compiler.CompileFile(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if !res.Accepted {
					for _, d := range res.Diagnostics {
						_, _ = fmt.Fprintf(a.stderr, "%s: %s\n", args[0], d)
					}
					return rejected(fmt.Errorf("%s: rejected in %s mode", args[0], res.Mode))
				}
				x = res.IR
			}

			r, err := ir.ToCEL(x)
			if err != nil {
				return err
			}
			return writeJSON(a.stdout, r)
		},
	}
	cmd.Flags().BoolVar(&fromIR, "ir", false, "treat the input as an IR file")
	return cmd
}
