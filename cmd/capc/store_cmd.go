package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/Mindburn-Labs/cap-compiler/pkg/audit"
	"github.com/Mindburn-Labs/cap-compiler/pkg/ir"
	"github.com/Mindburn-Labs/cap-compiler/pkg/store"
)

// storedPolicyView is the --json form of a stored policy.
type storedPolicyView struct {
	ID         string          `json:"id"`
	PolicyID   string          `json:"policy_id"`
	PolicyHash string          `json:"policy_hash"`
	Status     store.Status    `json:"status"`
	CreatedAt  time.Time       `json:"created_at"`
	IR         json.RawMessage `json:"ir"`
}

func (a *app) storeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "store",
		Short: "Inspect and manage the compiled-policy store",
	}
	cmd.AddCommand(a.storeGetCmd(), a.storePutCmd(), a.storeSetStatusCmd())
	return cmd
}

func (a *app) storeGetCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "get <ir_hash>",
		Short: "Print a stored IR",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			cp, err := s.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !asJSON {
				return writeIR(a.stdout, cp.IR, false)
			}
			return writeJSON(a.stdout, storedPolicyView{
				ID:         cp.ID,
				PolicyID:   cp.PolicyID,
				PolicyHash: cp.PolicyHash,
				Status:     cp.Status,
				CreatedAt:  cp.CreatedAt,
				IR:         cp.IR,
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the record with its status")
	return cmd
}

func (a *app) storePutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "put <ir.json>",
		Short: "Verify and store a compiled IR file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			raw, err := os.ReadFile(args[0]) //nolint:gosec // operator-supplied path
			if err != nil {
				return fmt.Errorf("read IR: %w", err)
			}
			x, err := ir.Decode(raw)
			if err != nil {
				return rejected(err)
			}
			s, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			id, dedup, err := s.Put(ctx, raw, x.PolicyHash)
			if errors.Is(err, store.ErrHashMismatch) {
				return rejected(err)
			}
			if err != nil {
				return err
			}
			if err := a.auditEvent(cmd, audit.Event{
				Action:     audit.ActionStorePut,
				PolicyID:   x.PolicyID,
				PolicyHash: x.PolicyHash,
				IRHash:     id,
				Detail:     map[string]string{"deduplicated": strconv.FormatBool(dedup)},
			}); err != nil {
				return err
			}
			_, err = fmt.Fprintln(a.stdout, id)
			return err
		},
	}
}

func (a *app) storeSetStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-status <ir_hash> <draft|active|deprecated>",
		Short: "Move a stored policy along its lifecycle",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			status, err := store.ParseStatus(args[1])
			if err != nil {
				return err
			}
			s, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			prev, err := s.Get(ctx, args[0])
			if err != nil {
				return err
			}
			err = s.SetStatus(ctx, args[0], status)
			if errors.Is(err, store.ErrInvalidTransition) {
				return rejected(err)
			}
			if err != nil {
				return err
			}
			if prev.Status == status {
				_, err = fmt.Fprintf(a.stdout, "%s already %s\n", prev.ID, status)
				return err
			}
			if err := a.auditEvent(cmd, audit.Event{
				Action:     audit.ActionSetStatus,
				PolicyID:   prev.PolicyID,
				PolicyHash: prev.PolicyHash,
				IRHash:     prev.ID,
				Detail:     map[string]string{"from": string(prev.Status), "to": string(status)},
			}); err != nil {
				return err
			}
			_, err = fmt.Fprintf(a.stdout, "%s %s -> %s\n", prev.ID, prev.Status, status)
			return err
		},
	}
}

// auditEvent appends ev to the configured audit log, if any.
func (a *app) auditEvent(cmd *cobra.Command, ev audit.Event) error {
	l, err := a.openAudit("")
	if err != nil || l == nil {
		return err
	}
	_, err = l.Append(cmd.Context(), ev)
	return err
}
