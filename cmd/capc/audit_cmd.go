package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Mindburn-Labs/cap-compiler/pkg/audit"
)

func (a *app) auditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Work with the audit hash chain",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "verify [log]",
		Short: "Replay an audit log and check every link",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := a.cfg.AuditLog
			if len(args) == 1 {
				path = args[0]
			}
			if path == "" {
				return errors.New("no audit log given and none configured (CAPC_AUDIT_LOG)")
			}
			n, err := audit.VerifyFile(path)
			if errors.Is(err, audit.ErrChainBroken) {
				return rejected(fmt.Errorf("%s: %d valid records before: %w", path, n, err))
			}
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(a.stdout, "ok %d records\n", n)
			return err
		},
	})
	return cmd
}
