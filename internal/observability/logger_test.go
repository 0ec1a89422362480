// File: internal/observability/logger_test.go
package observability

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/xkilldash9x/ghoul/internal/config"
)

func TestNewLogger(t *testing.T) {
	t.Run("console format colorizes levels", func(t *testing.T) {
		var buf bytes.Buffer
		logger := NewLogger(config.LoggerConfig{
			Level:       "debug",
			Format:      "console",
			ServiceName: "TestService",
			Colors:      config.ColorConfig{Info: "green"},
		}, zapcore.AddSync(&buf))

		logger.Info("This is a test message.")
		require.NoError(t, logger.Sync())

		output := buf.String()
		assert.Contains(t, output, colorMap["green"]+"INFO"+colorReset)
		assert.Contains(t, output, "TestService.")
		assert.Contains(t, output, "This is a test message.")
	})

	t.Run("json format is parseable", func(t *testing.T) {
		var buf bytes.Buffer
		logger := NewLogger(config.LoggerConfig{
			Level:       "info",
			Format:      "json",
			ServiceName: "JSONTest",
		}, zapcore.AddSync(&buf))

		logger.Warn("This is a JSON message.", zap.String("key", "value"))
		logger.Debug("filtered out")
		require.NoError(t, logger.Sync())

		lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
		require.Len(t, lines, 1, "debug entries must be filtered at info level")

		var entry map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
		assert.Equal(t, "warn", entry["level"])
		assert.Equal(t, "JSONTest", entry["logger"])
		assert.Equal(t, "This is a JSON message.", entry["msg"])
		assert.Equal(t, "value", entry["key"])
	})

	t.Run("log file receives json copy", func(t *testing.T) {
		logFile := filepath.Join(t.TempDir(), "ghoul.log")
		var buf bytes.Buffer
		logger := NewLogger(config.LoggerConfig{
			Level:   "debug",
			Format:  "console",
			LogFile: logFile,
			MaxSize: 1,
		}, zapcore.AddSync(&buf))

		logger.Error("written to file")
		require.NoError(t, logger.Sync())

		content, err := os.ReadFile(logFile)
		require.NoError(t, err)
		assert.Contains(t, string(content), `"msg":"written to file"`)
	})

	t.Run("invalid level falls back to info", func(t *testing.T) {
		var buf bytes.Buffer
		logger := NewLogger(config.LoggerConfig{Level: "loud", Format: "json"}, zapcore.AddSync(&buf))
		logger.Debug("hidden")
		logger.Info("shown")
		require.NoError(t, logger.Sync())
		assert.NotContains(t, buf.String(), "hidden")
		assert.Contains(t, buf.String(), "shown")
	})
}

func TestGlobalLogger(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)

	var first, second bytes.Buffer
	Initialize(config.LoggerConfig{Level: "info", Format: "json", ServiceName: "first"}, zapcore.AddSync(&first))
	// Later calls are ignored.
	Initialize(config.LoggerConfig{Level: "info", Format: "json", ServiceName: "second"}, zapcore.AddSync(&second))

	GetLogger().Info("hello")
	Sync()

	assert.Contains(t, first.String(), `"logger":"first"`)
	assert.Empty(t, second.String())
}

func TestGetLoggerFallback(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)

	logger := GetLogger()
	require.NotNil(t, logger)
}
