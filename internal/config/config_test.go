package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestValidate checks required fields and format validations for Config.
func TestValidate(t *testing.T) {
	t.Parallel()

	require.ErrorIs(t, Validate(nil), errConfigIsNotSet)

	// Defaults alone are valid.
	settings := new(Config)
	require.NoError(t, Validate(settings))
	require.Equal(t, DriverMemory, settings.Storage.Driver)
	require.Equal(t, LockLocal, settings.Locking.Backend)
	require.Equal(t, 5*time.Minute, settings.Correlation.Window)
	require.InDelta(t, 0.85, settings.Correlation.EscalationConfidence, 1e-9)
	require.Equal(t, time.Hour, settings.SLA.Durations["critical"])
	require.Equal(t, 24*time.Hour, settings.SLA.Durations["info"])

	// Confidence never exceeds 1.
	settings = &Config{Correlation: Correlation{EscalationConfidence: 1.5}}
	require.ErrorContains(t, Validate(settings), "escalation_confidence")

	// Bad listen address.
	settings = &Config{HTTPAddress: "bad:address"}
	require.Error(t, Validate(settings))

	// Postgres without DSN.
	settings = &Config{Storage: Storage{Driver: "POSTGRES"}}
	require.ErrorIs(t, Validate(settings), errDSNRequired)

	// Redis without address.
	settings = &Config{Locking: Locking{Backend: LockRedis}}
	require.ErrorIs(t, Validate(settings), errRedisAddressRequired)

	// Unknown severity in the SLA table.
	settings = &Config{SLA: SLA{Durations: map[string]time.Duration{"urgent": time.Minute}}}
	require.Error(t, Validate(settings))

	// Retry cap below the base delay.
	settings = &Config{Notifications: Notifications{BaseDelay: time.Minute, MaxDelay: time.Second}}
	require.ErrorIs(t, Validate(settings), errDelayOrder)

	// Broken webhook URL.
	settings = &Config{Notifications: Notifications{WebhookURL: "not a url"}}
	require.Error(t, Validate(settings))

	// Partial SLA override keeps the other defaults.
	settings = &Config{SLA: SLA{Durations: map[string]time.Duration{"critical": 15 * time.Minute}}}
	require.NoError(t, Validate(settings))
	require.Equal(t, 15*time.Minute, settings.SLADurations()["critical"])
	require.Equal(t, 2*time.Hour, settings.SLADurations()["major"])
}

// TestSaveLoadRoundtrip ensures settings are persisted and loaded back correctly.
func TestSaveLoadRoundtrip(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "overwatch.yaml")

	settings := &Config{
		HTTPAddress: "127.0.0.1:8080",
		GRPCAddress: "127.0.0.1:9090",
		Storage: Storage{
			Driver: DriverPostgres,
			DSN:    "postgres://overwatch@localhost/overwatch?sslmode=disable",
		},
		Correlation: Correlation{Window: 90 * time.Second, DefaultSeverity: "major"},
		Directory: Directory{
			Sites: map[string]string{"hq": "Headquarters"},
		},
	}

	require.NoError(t, Save(path, settings))

	loaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, settings, loaded)

	// File exists with restricted permissions.
	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(DefaultFilePermissions), info.Mode().Perm())
}

// TestLoadMissingFile verifies a missing file is reported.
func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

// TestDefault verifies Default returns a valid configuration.
func TestDefault(t *testing.T) {
	t.Parallel()

	cfg := Default()
	require.NoError(t, Validate(cfg))
	require.Equal(t, DefaultHTTPAddress, cfg.HTTPAddress)
	require.Equal(t, 4, cfg.Pipeline.Workers)
}
