package cmd

import (
	"github.com/spf13/cobra"

	"github.com/oshokin/overwatch/internal/service/client"
)

var (
	rulesCmd = &cobra.Command{
		Use:   "rules",
		Short: "Work with rule files.",
	}

	rulesValidateCmd = &cobra.Command{
		Use:   "validate <file-or-dir>...",
		Short: "Parse rule files without a server.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return client.ValidateRules(args, cmd.OutOrStdout())
		},
	}
)

//nolint:gochecknoinits // Required by Cobra CLI framework architecture.
func init() {
	rulesCmd.AddCommand(rulesValidateCmd)
}
