package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNewDevelopmentLogger(t *testing.T) {
	t.Parallel()

	logger, err := New(true)
	require.NoError(t, err)
	require.NotNil(t, logger)
	require.True(t, logger.Core().Enabled(zapcore.DebugLevel))
	logger.Info("development logger ready")
}

func TestNewProductionLoggerWritesJSON(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "out.log")
	logger, err := New(false, WithOutputPaths(path))
	require.NoError(t, err)
	require.False(t, logger.Core().Enabled(zapcore.DebugLevel))

	logger.Info("session closed")
	require.NoError(t, Sync(logger))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	line := strings.TrimSpace(string(data))
	require.Contains(t, line, `"msg":"session closed"`)
	require.Contains(t, line, `"ts":`)
}

func TestWithLevel(t *testing.T) {
	t.Parallel()

	logger, err := New(false, WithLevel("warn"))
	require.NoError(t, err)
	require.False(t, logger.Core().Enabled(zapcore.InfoLevel))
	require.True(t, logger.Core().Enabled(zapcore.WarnLevel))

	logger, err = New(false, WithLevel("bogus"))
	require.NoError(t, err)
	require.True(t, logger.Core().Enabled(zapcore.InfoLevel))
}
