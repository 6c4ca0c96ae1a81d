package cmd

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/oshokin/overwatch/internal/service/checker"
)

var (
	// healthInterval switches the health command to polling mode.
	healthInterval time.Duration

	healthCmd = &cobra.Command{
		Use:   "health",
		Short: "Check the ingest service health.",
		Long: `Queries the gRPC health service. Exits non-zero when the ingest service is
not serving. With --watch the status is polled and every change is logged.`,
		Args: cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			ctx, stop := signalContext()
			defer stop()

			return checker.Run(ctx, &checker.Options{
				ConfigPath:    configPath,
				ServerAddress: serverAddress,
				PollInterval:  healthInterval,
			})
		},
	}
)

//nolint:gochecknoinits // Required by Cobra CLI framework architecture.
func init() {
	healthCmd.Flags().DurationVarP(&healthInterval, "watch", "w", 0, "poll interval (check once when zero)")
}
