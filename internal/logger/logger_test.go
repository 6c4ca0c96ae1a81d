package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
)

// TestParseLogLevel verifies mapping from strings to zapcore.Level and handling of unknown values.
func TestParseLogLevel(t *testing.T) {
	t.Parallel()

	cases := map[string]zapcore.Level{
		"debug": zapcore.DebugLevel,
		"info":  zapcore.InfoLevel,
		"warn":  zapcore.WarnLevel,
		"error": zapcore.ErrorLevel,
		"panic": zapcore.PanicLevel,
		"fatal": zapcore.FatalLevel,
	}
	for s, lvl := range cases {
		got, ok := ParseLogLevel(s)
		require.True(t, ok)
		require.Equal(t, lvl, got)
	}

	_, ok := ParseLogLevel("unknown")
	require.False(t, ok)
}

// TestContextHelpers verifies loggers travel through contexts.
func TestContextHelpers(t *testing.T) {
	t.Parallel()

	require.Same(t, Logger(), FromContext(context.Background()))

	custom := zaptest.NewLogger(t).Sugar()
	ctx := ToContext(context.Background(), custom)
	require.Same(t, custom, FromContext(ctx))

	named := WithName(ctx, "correlator")
	require.NotSame(t, custom, FromContext(named))

	withKV := WithKV(named, "alarm_id", "a1")
	require.NotNil(t, FromContext(withKV))
	InfoKV(withKV, "linked event", "event_id", "e1")
}

// TestConfigureRejectsUnknownValues verifies textual settings are validated.
func TestConfigureRejectsUnknownValues(t *testing.T) {
	t.Parallel()

	require.Error(t, Configure("loud", "console"))
	require.Error(t, Configure("info", "xml"))
}
