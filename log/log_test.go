package log

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewBuildsLoggerAndCreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "log")
	cfg := ZapConfig{
		Level:         "debug",
		Format:        "console",
		Prefix:        "[raftdb]",
		Director:      dir,
		ShowLine:      true,
		EncodeLevel:   "LowercaseColorLevelEncoder",
		StacktraceKey: "stacktrace",
		LogInConsole:  true,
	}
	logger, err := New(cfg)
	require.NoError(t, err)
	require.NotNil(t, logger)
	logger.Info("hello")
	logger.Sync()

	_, err = filepath.Glob(filepath.Join(dir, "*"))
	require.NoError(t, err)
	require.DirExists(t, dir)
}

func TestBaseLevelDefaultsToDebug(t *testing.T) {
	cfg := ZapConfig{Level: "not-a-level"}
	require.Equal(t, int8(-1), int8(cfg.baseLevel())) // zapcore.DebugLevel == -1
}
