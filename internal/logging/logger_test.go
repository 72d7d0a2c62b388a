package logging

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNew(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		cfg   Config
		level zapcore.Level
	}{
		{name: "development", cfg: Config{Development: true}, level: zapcore.DebugLevel},
		{name: "production", cfg: Config{}, level: zapcore.InfoLevel},
		{name: "explicit level", cfg: Config{Level: "warn", Encoding: "console"}, level: zapcore.WarnLevel},
		{name: "json development", cfg: Config{Development: true, Encoding: "json", Level: "error"}, level: zapcore.ErrorLevel},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			logger, err := New(tt.cfg)
			require.NoError(t, err)
			require.NotNil(t, logger)
			defer logger.Sync() //nolint:errcheck // best-effort flush

			require.True(t, logger.Core().Enabled(tt.level))
			if tt.level > zapcore.DebugLevel {
				require.False(t, logger.Core().Enabled(tt.level-1))
			}
		})
	}
}

func TestNewRejectsBadInput(t *testing.T) {
	t.Parallel()

	_, err := New(Config{Level: "loud"})
	require.ErrorContains(t, err, "parse log level")

	_, err = New(Config{Encoding: "xml"})
	require.ErrorContains(t, err, "unknown log encoding")
}
