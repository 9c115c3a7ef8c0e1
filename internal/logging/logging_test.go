package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zapcore.Level
	}{
		{"", zapcore.InfoLevel},
		{"debug", zapcore.DebugLevel},
		{"warn", zapcore.WarnLevel},
		{"error", zapcore.ErrorLevel},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := ParseLevel("loud")
	assert.Error(t, err)
}

func TestNewWritesDatedFile(t *testing.T) {
	dir := t.TempDir()
	logger, closeFn, err := New(Options{Dir: dir, Level: "info"})
	require.NoError(t, err)

	logger.Debug("hidden")
	logger.Info("Scan matched", zap.String("pattern", "trust"))
	require.NoError(t, closeFn())

	name := "promptpilot-" + time.Now().Format("2006-01-02") + ".log"
	data, err := os.ReadFile(filepath.Join(dir, name))
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "Scan matched", entry["msg"])
	assert.Equal(t, "trust", entry["pattern"])
	assert.Equal(t, "info", entry["level"])

	target, err := os.Readlink(filepath.Join(dir, "promptpilot.log"))
	require.NoError(t, err)
	assert.Equal(t, name, target)
}

func TestNewRejectsBadLevel(t *testing.T) {
	_, _, err := New(Options{Dir: t.TempDir(), Level: "chatty"})
	assert.Error(t, err)
}

func TestDailyFileRotatesOnDateChange(t *testing.T) {
	dir := t.TempDir()
	df, err := NewDailyFile(dir)
	require.NoError(t, err)
	defer df.Close()

	day := time.Date(2026, 3, 1, 23, 59, 0, 0, time.Local)
	df.now = func() time.Time { return day }
	_, err = df.Write([]byte("first\n"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "promptpilot-2026-03-01.log"), df.Path())

	day = day.Add(2 * time.Minute)
	_, err = df.Write([]byte("second\n"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "promptpilot-2026-03-02.log"), df.Path())
	require.NoError(t, df.Sync())

	data, err := os.ReadFile(filepath.Join(dir, "promptpilot-2026-03-02.log"))
	require.NoError(t, err)
	assert.Equal(t, "second\n", string(data))
}

func writeLog(t *testing.T, dir, name string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0644))
}

func TestCleanupLogs(t *testing.T) {
	dir := t.TempDir()
	old := time.Now().AddDate(0, 0, -10).Format("2006-01-02")
	recent := time.Now().AddDate(0, 0, -1).Format("2006-01-02")

	writeLog(t, dir, "promptpilot-"+old+".log")
	writeLog(t, dir, "promptpilot-"+recent+".log")
	writeLog(t, dir, "promptpilot-garbage.log")
	writeLog(t, dir, "other-"+old+".log")
	writeLog(t, dir, "promptpilot.log")

	deleted, err := CleanupLogs(dir, 7, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	_, err = os.Stat(filepath.Join(dir, "promptpilot-"+old+".log"))
	assert.True(t, os.IsNotExist(err))
	for _, keep := range []string{"promptpilot-" + recent + ".log", "promptpilot-garbage.log", "other-" + old + ".log", "promptpilot.log"} {
		_, err := os.Stat(filepath.Join(dir, keep))
		assert.NoError(t, err, keep)
	}

	deleted, err = CleanupLogs(dir, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, deleted, "zero retention keeps everything")

	deleted, err = CleanupLogs(filepath.Join(dir, "missing"), 7, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, deleted)
}

func TestListLogFiles(t *testing.T) {
	dir := t.TempDir()
	writeLog(t, dir, "promptpilot-2026-01-01.log")
	writeLog(t, dir, "promptpilot-2026-01-03.log")
	writeLog(t, dir, "promptpilot-2026-01-02.log")
	writeLog(t, dir, "promptpilot.log")

	logs, err := ListLogFiles(dir)
	require.NoError(t, err)
	require.Len(t, logs, 3)
	assert.Equal(t, "promptpilot-2026-01-03.log", logs[0].Name)
	assert.Equal(t, "promptpilot-2026-01-01.log", logs[2].Name)

	total, err := TotalLogSize(dir)
	require.NoError(t, err)
	assert.EqualValues(t, 3, total)

	logs, err = ListLogFiles(filepath.Join(dir, "missing"))
	require.NoError(t, err)
	assert.Empty(t, logs)
}
