package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/oshokin/overwatch/internal/config"
	"github.com/oshokin/overwatch/internal/service/server"
	"github.com/oshokin/overwatch/internal/version"
)

var (
	// configPath to the configuration YAML file.
	configPath string
	// httpAddress overrides the REST and WebSocket listen address.
	httpAddress string
	// grpcAddress overrides the gRPC ingest listen address.
	grpcAddress string

	// rootCmd represents the base command for running an overwatch node.
	rootCmd = &cobra.Command{
		Use:   "overwatch-server",
		Short: "Run the overwatch event correlation and alarm server.",
		Long: `Starts an overwatch node: event ingestion over REST, gRPC and MQTT,
correlation of events into alarms, rule evaluation, notification delivery and
live updates over WebSocket.

Storage, locking, notification channels and relays are configured in the YAML
file. Listen addresses can be overridden with flags.`,
		Args: cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			// Setup graceful shutdown handling.
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			return server.Run(ctx, &server.Options{
				ConfigPath:  configPath,
				HTTPAddress: httpAddress,
				GRPCAddress: grpcAddress,
			})
		},
	}
)

// Execute runs the overwatch-server CLI and exits with non-zero status on error.
func Execute() {
	version.AttachCobraVersionCommand(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

//nolint:gochecknoinits // Required by Cobra CLI framework architecture.
func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", config.DefaultConfigFilename, "path to configuration file")
	rootCmd.Flags().StringVar(&httpAddress, "http-addr", "", "REST and WebSocket listen address (overrides config)")
	rootCmd.Flags().StringVar(&grpcAddress, "grpc-addr", "", "gRPC ingest listen address (overrides config)")
}
