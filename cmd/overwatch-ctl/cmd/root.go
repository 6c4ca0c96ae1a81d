package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/oshokin/overwatch/internal/config"
	"github.com/oshokin/overwatch/internal/version"
)

var (
	// configPath to the configuration YAML file.
	configPath string
	// serverAddress overrides the gRPC address from config.
	serverAddress string

	// rootCmd represents the operator command line.
	rootCmd = &cobra.Command{
		Use:   "overwatch-ctl",
		Short: "Operate an overwatch server.",
		Long: `Submits manual events, checks server health and validates rule files.

The gRPC address and call timeout come from the configuration file when it
exists; --server overrides the address.`,
		SilenceUsage: true,
	}
)

// Execute runs the overwatch-ctl CLI and exits with non-zero status on error.
func Execute() {
	version.AttachCobraVersionCommand(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// signalContext is canceled on SIGTERM or SIGINT.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
}

//nolint:gochecknoinits // Required by Cobra CLI framework architecture.
func init() {
	rootCmd.PersistentFlags().
		StringVarP(&configPath, "config", "c", config.DefaultConfigFilename, "path to configuration file")
	rootCmd.PersistentFlags().StringVarP(&serverAddress, "server", "s", "", "gRPC server address (overrides config)")

	rootCmd.AddCommand(submitCmd, healthCmd, rulesCmd)
}
