package logger

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"taskpilot/pkg/config"
)

func TestConfig(t *testing.T) {
	zc, err := Config(&config.Config{AppEnv: "production", LogLevel: "warn"})
	require.NoError(t, err)
	require.Equal(t, "json", zc.Encoding)
	require.Equal(t, "severity", zc.EncoderConfig.LevelKey)
	require.Equal(t, zapcore.WarnLevel, zc.Level.Level())

	zc, err = Config(&config.Config{AppEnv: "development"})
	require.NoError(t, err)
	require.Equal(t, "console", zc.Encoding)
	require.Equal(t, zapcore.DebugLevel, zc.Level.Level())

	_, err = Config(&config.Config{AppEnv: "production", LogLevel: "loud"})
	require.Error(t, err)
}
