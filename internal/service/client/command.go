package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/oshokin/overwatch/internal/config"
	"github.com/oshokin/overwatch/internal/logger"
	"github.com/oshokin/overwatch/internal/service/common"
)

// Options configures a manual event submission.
type Options struct {
	// ConfigPath to YAML settings file; a missing file falls back to defaults.
	ConfigPath string
	// ServerAddress overrides the gRPC address from config when specified.
	ServerAddress string
	// Fields are the event fields sent to the server.
	Fields map[string]any
	// Attempts bounds how many times an unavailable server is retried.
	Attempts int
	// Output receives the server response as JSON.
	Output io.Writer
	// ClientOptions are passed to common.Dial.
	ClientOptions []common.Option
}

const (
	// defaultPushInterval defines retry delay while the server is unavailable.
	defaultPushInterval = 1 * time.Second
	// defaultAttempts is used when Options.Attempts is not positive.
	defaultAttempts = 5
	// manualSourceType marks events submitted by an operator.
	manualSourceType = "manual"
)

// Run submits one event, retrying while the server is unavailable.
func Run(ctx context.Context, opts *Options) error {
	ctx = logger.WithName(ctx, "overwatch-ctl")

	cfg, err := LoadConfig(opts.ConfigPath)
	if err != nil {
		return err
	}

	serverAddress := DialAddress(cfg.GRPCAddress, opts.ServerAddress)

	fields, err := withDefaults(opts.Fields)
	if err != nil {
		return err
	}

	clientOptions := append([]common.Option{common.WithCallTimeout(cfg.Timeout)}, opts.ClientOptions...)

	client, err := common.Dial(ctx, serverAddress, clientOptions...)
	if err != nil {
		return err
	}

	defer func() {
		_ = client.Close()
	}()

	attempts := opts.Attempts
	if attempts <= 0 {
		attempts = defaultAttempts
	}

	logger.InfoKV(ctx, "Submitting event", "server_address", serverAddress, "type", fields["type"])

	// attempt tries once, returns (completed, error).
	attempt := func() (bool, error) {
		response, submitErr := client.SubmitEvent(ctx, fields)
		if submitErr != nil {
			if status.Code(submitErr) == codes.Unavailable {
				logger.WarnKV(ctx, "Server unavailable, retrying", "error", submitErr)

				return false, nil
			}

			return false, submitErr
		}

		return true, writeJSON(opts.Output, response)
	}

	ticker := time.NewTicker(defaultPushInterval)
	defer ticker.Stop()

	for tries := 1; ; tries++ {
		done, attemptErr := attempt()
		if attemptErr != nil || done {
			return attemptErr
		}

		if tries >= attempts {
			return fmt.Errorf("submit event: server %s unavailable after %d attempts", serverAddress, attempts)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// LoadConfig reads settings, falling back to defaults when the file is absent.
func LoadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)

	switch {
	case errors.Is(err, fs.ErrNotExist):
		return config.Default(), nil
	case err != nil:
		return nil, fmt.Errorf("load configuration: %w", err)
	}

	return cfg, nil
}

// DialAddress picks override over configured and turns a port-only listen
// address such as ":9090" into a dialable one.
func DialAddress(configured, override string) string {
	address := configured
	if override != "" {
		address = override
	}

	host, port, err := net.SplitHostPort(address)
	if err == nil && host == "" {
		return net.JoinHostPort("localhost", port)
	}

	return address
}

// withDefaults copies fields and fills source_type and source_id for manual
// submissions. The operator's user@host becomes the source id.
func withDefaults(fields map[string]any) (map[string]any, error) {
	result := make(map[string]any, len(fields)+2)

	for key, value := range fields {
		result[key] = value
	}

	if text, _ := result["source_type"].(string); text == "" {
		result["source_type"] = manualSourceType
	}

	if text, _ := result["source_id"].(string); text == "" {
		actor, err := common.DetectActor()
		if err != nil {
			return nil, err
		}

		result["source_id"] = actor
	}

	return result, nil
}

func writeJSON(output io.Writer, value any) error {
	if output == nil {
		return nil
	}

	encoder := json.NewEncoder(output)
	encoder.SetIndent("", "  ")

	if err := encoder.Encode(value); err != nil {
		return fmt.Errorf("write response: %w", err)
	}

	return nil
}
