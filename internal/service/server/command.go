package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/mitchellh/go-ps"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/oshokin/overwatch/internal/api/grpc/ingest"
	"github.com/oshokin/overwatch/internal/api/rest"
	"github.com/oshokin/overwatch/internal/config"
	"github.com/oshokin/overwatch/internal/logger"
)

// shutdownTimeout bounds how long in-flight HTTP requests may drain.
const shutdownTimeout = 10 * time.Second

// Options controls the overwatch-server process and configuration.
type Options struct {
	// ConfigPath specifies the path to settings YAML file.
	ConfigPath string
	// HTTPAddress overrides the REST and WebSocket listen address.
	HTTPAddress string
	// GRPCAddress overrides the gRPC ingest listen address.
	GRPCAddress string
}

// Run starts the node and blocks until the context is canceled or a listener fails.
func Run(ctx context.Context, opts *Options) error {
	ctx = logger.WithName(ctx, "overwatch-server")

	settings, err := loadSettings(opts)
	if err != nil {
		return err
	}

	if err = logger.Configure(settings.LogLevel, settings.LogFormat); err != nil {
		return fmt.Errorf("configure logger: %w", err)
	}

	if settings.SingleInstance {
		executable, execErr := currentExecutable()
		if execErr != nil {
			return execErr
		}

		if err = ensureSingleInstance(ps.Processes, executable, os.Getpid()); err != nil {
			return err
		}
	}

	svc, err := newService(ctx, settings, logger.Logger().Desugar())
	if err != nil {
		return fmt.Errorf("initialise service: %w", err)
	}

	defer svc.close(context.WithoutCancel(ctx))

	if err = svc.start(ctx); err != nil {
		return err
	}

	lc := net.ListenConfig{}

	httpListener, err := lc.Listen(ctx, "tcp", settings.HTTPAddress)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", settings.HTTPAddress, err)
	}

	grpcListener, err := lc.Listen(ctx, "tcp", settings.GRPCAddress)
	if err != nil {
		_ = httpListener.Close()

		return fmt.Errorf("listen on %s: %w", settings.GRPCAddress, err)
	}

	return serve(ctx, svc, httpListener, grpcListener)
}

func loadSettings(opts *Options) (*config.Config, error) {
	settings, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}

	if opts.HTTPAddress != "" {
		settings.HTTPAddress = opts.HTTPAddress
	}

	if opts.GRPCAddress != "" {
		settings.GRPCAddress = opts.GRPCAddress
	}

	return settings, nil
}

// serve runs the HTTP and gRPC servers until ctx ends, then stops both gracefully.
func serve(ctx context.Context, svc *service, httpListener, grpcListener net.Listener) error {
	handler := rest.NewHandler(rest.Services{
		Events:    svc.events,
		Submitter: svc.pipeline,
		Alarms:    svc.alarms,
		Rules:     svc.rules,
		Hub:       svc.hub,
	}, svc.log)
	httpServer := rest.NewServer(svc.settings.HTTPAddress, handler.Routes())

	grpcServer := grpc.NewServer()
	ingest.Register(grpcServer, ingest.NewServer(svc.pipeline))

	healthServer := health.NewServer()
	healthServer.SetServingStatus(ingest.ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(grpcServer, healthServer)

	logger.InfoKV(ctx, "Overwatch server listening",
		"http_addr", httpListener.Addr().String(),
		"grpc_addr", grpcListener.Addr().String(),
		"storage", svc.settings.Storage.Driver,
		"locking", svc.settings.Locking.Backend,
	)

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		if serveErr := httpServer.Serve(httpListener); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			return fmt.Errorf("serve HTTP: %w", serveErr)
		}

		return nil
	})

	group.Go(func() error {
		if serveErr := grpcServer.Serve(grpcListener); serveErr != nil && !errors.Is(serveErr, grpc.ErrServerStopped) {
			return fmt.Errorf("serve gRPC: %w", serveErr)
		}

		return nil
	})

	group.Go(func() error {
		<-groupCtx.Done()
		logger.Info(ctx, "Shutting down listeners")

		healthServer.Shutdown()
		grpcServer.GracefulStop()

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()

		if shutdownErr := httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.WarnKV(ctx, "HTTP shutdown incomplete", "error", shutdownErr)
		}

		return nil
	})

	err := group.Wait()

	logger.Info(ctx, "Overwatch server stopped")

	return err
}
