package checker

import (
	"context"
	"errors"
	"fmt"
	"time"

	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/oshokin/overwatch/internal/logger"
	"github.com/oshokin/overwatch/internal/service/client"
	"github.com/oshokin/overwatch/internal/service/common"
)

// Options controls the health polling behavior and configuration.
type Options struct {
	// ConfigPath specifies the path to the settings YAML file.
	ConfigPath string
	// ServerAddress provides an optional gRPC server address override.
	ServerAddress string
	// PollInterval defines the interval between checks; zero checks once.
	PollInterval time.Duration
	// ClientOptions are passed to common.Dial.
	ClientOptions []common.Option
}

// ErrNotServing is returned by a single check when the ingest service is down.
var ErrNotServing = errors.New("ingest service is not serving")

// Run checks the ingest service once, or keeps polling and logging status
// changes until the context is canceled.
func Run(ctx context.Context, opts *Options) error {
	ctx = logger.WithName(ctx, "overwatch-health")

	cfg, err := client.LoadConfig(opts.ConfigPath)
	if err != nil {
		return err
	}

	serverAddress := client.DialAddress(cfg.GRPCAddress, opts.ServerAddress)
	clientOptions := append([]common.Option{common.WithCallTimeout(cfg.Timeout)}, opts.ClientOptions...)

	conn, err := common.Dial(ctx, serverAddress, clientOptions...)
	if err != nil {
		return fmt.Errorf("dial server: %w", err)
	}

	defer func() {
		_ = conn.Close()
	}()

	if opts.PollInterval <= 0 {
		return checkOnce(ctx, conn, serverAddress)
	}

	logger.InfoKV(ctx, "Polling ingest health", "server_address", serverAddress, "interval", opts.PollInterval.String())

	ticker := time.NewTicker(opts.PollInterval)
	defer ticker.Stop()

	last := healthpb.HealthCheckResponse_UNKNOWN

	for {
		current, checkErr := conn.Check(ctx)
		if checkErr != nil {
			logger.WarnKV(ctx, "Health check failed", "error", checkErr)
		}

		if current != last {
			logger.InfoKV(ctx, "Ingest status changed", "from", last.String(), "to", current.String())
			last = current
		}

		select {
		case <-ctx.Done():
			logger.Info(ctx, "Context canceled, exiting")
			return nil
		case <-ticker.C:
		}
	}
}

func checkOnce(ctx context.Context, conn *common.Client, serverAddress string) error {
	current, err := conn.Check(ctx)
	if err != nil {
		return err
	}

	logger.InfoKV(ctx, "Ingest status", "server_address", serverAddress, "status", current.String())

	if current != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("%w: %s", ErrNotServing, current)
	}

	return nil
}
