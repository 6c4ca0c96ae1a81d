package client

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/oshokin/overwatch/internal/api/grpc/ingest"
	"github.com/oshokin/overwatch/internal/service/common"
)

// flakyIngest fails with the configured code a number of times before accepting.
type flakyIngest struct {
	mu       sync.Mutex
	failures int
	code     codes.Code
	calls    int
	received map[string]any
}

func (f *flakyIngest) SubmitEvent(_ context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls++
	if f.calls <= f.failures {
		return nil, status.Error(f.code, "not now")
	}

	f.received = request.AsMap()

	return structpb.NewStruct(map[string]any{"event_id": "e-1", "created": true})
}

func bufconnOptions(t *testing.T, service ingest.IngestServiceServer) []common.Option {
	t.Helper()

	listener := bufconn.Listen(1 << 20)

	server := grpc.NewServer()
	ingest.Register(server, service)

	go func() { _ = server.Serve(listener) }()

	t.Cleanup(server.Stop)

	return []common.Option{
		common.WithDialOptions(grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return listener.DialContext(ctx)
		})),
	}
}

func testOptions(t *testing.T, service ingest.IngestServiceServer, output *bytes.Buffer) *Options {
	t.Helper()

	return &Options{
		ConfigPath:    filepath.Join(t.TempDir(), "absent.yaml"),
		ServerAddress: "passthrough:///bufnet",
		Fields: map[string]any{
			"tenant":    "acme",
			"site":      "hq",
			"area":      "lobby",
			"type":      "panic_button",
			"timestamp": "2026-10-16T08:00:00Z",
		},
		Output:        output,
		ClientOptions: bufconnOptions(t, service),
	}
}

func TestRun_SubmitsWithDefaults(t *testing.T) {
	t.Parallel()

	service := new(flakyIngest)
	output := new(bytes.Buffer)

	require.NoError(t, Run(context.Background(), testOptions(t, service, output)))

	require.Equal(t, "manual", service.received["source_type"])
	require.Contains(t, service.received["source_id"], "@")
	require.Equal(t, "panic_button", service.received["type"])

	var response map[string]any
	require.NoError(t, json.Unmarshal(output.Bytes(), &response))
	require.Equal(t, "e-1", response["event_id"])
}

func TestRun_RetriesUnavailable(t *testing.T) {
	t.Parallel()

	service := &flakyIngest{failures: 1, code: codes.Unavailable}

	require.NoError(t, Run(context.Background(), testOptions(t, service, nil)))
	require.Equal(t, 2, service.calls)

	exhausted := &flakyIngest{failures: 10, code: codes.Unavailable}
	opts := testOptions(t, exhausted, nil)
	opts.Attempts = 1

	require.ErrorContains(t, Run(context.Background(), opts), "unavailable after 1 attempts")
}

func TestRun_StopsOnRejection(t *testing.T) {
	t.Parallel()

	service := &flakyIngest{failures: 1, code: codes.InvalidArgument}

	err := Run(context.Background(), testOptions(t, service, nil))
	require.Equal(t, codes.InvalidArgument, status.Code(err))
	require.Equal(t, 1, service.calls)
}

func TestDialAddress(t *testing.T) {
	t.Parallel()

	require.Equal(t, "localhost:9090", DialAddress(":9090", ""))
	require.Equal(t, "ops:7000", DialAddress(":9090", "ops:7000"))
	require.Equal(t, "localhost:7000", DialAddress(":9090", ":7000"))
	require.Equal(t, "passthrough:///bufnet", DialAddress("", "passthrough:///bufnet"))
}

func TestValidateRules(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	good := filepath.Join(dir, "good.yaml")
	bad := filepath.Join(dir, "bad.yaml")

	require.NoError(t, os.WriteFile(good, []byte(`
rule: door-forced
when: {type: door_forced}
then:
  - alarm.create_or_update: {severity: critical}
`), 0o600))
	require.NoError(t, os.WriteFile(bad, []byte(`
rule: broken
when: {type: door_forced}
then:
  - teleport: {}
`), 0o600))

	output := new(bytes.Buffer)
	require.NoError(t, ValidateRules([]string{good}, output))
	require.Contains(t, output.String(), "ok   "+good+": 1 rule(s) door-forced")

	output.Reset()
	err := ValidateRules([]string{good, bad, filepath.Join(dir, "missing.yaml")}, output)
	require.ErrorIs(t, err, errInvalidRules)
	require.ErrorContains(t, err, "2 of 3")
	require.Contains(t, output.String(), "FAIL "+bad)
}
