package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Mindburn-Labs/cap-compiler/pkg/builtins"
	"github.com/Mindburn-Labs/cap-compiler/pkg/ir"
)

// version is set at build time via -ldflags "-X main.version=...".
var version = "dev"

func (a *app) versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:         "version",
		Short:       "Print version information",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{skipSetup: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintf(a.stdout, "capc %s\nir_version %s\nbuiltins %s\n", version, ir.Version, builtins.Version)
			return err
		},
	}
}
