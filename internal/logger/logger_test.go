package logger

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// decodeLines parses JSON log output, one record per line.
func decodeLines(t *testing.T, data []byte) []map[string]any {
	t.Helper()

	var records []map[string]any
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		if len(bytes.TrimSpace(sc.Bytes())) == 0 {
			continue
		}
		var rec map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &rec), "log line must be valid JSON: %s", sc.Text())
		records = append(records, rec)
	}
	return records
}

func TestSlogLoggerLevels(t *testing.T) {
	t.Parallel()

	buf := &bytes.Buffer{}
	log := NewSlogLogger(buf, LogLevelInfo)

	log.Trace("trace message")
	log.Debug("debug message")
	log.Info("info message", String("station", "zolder"))
	log.Warn("warn message")
	log.Error("error message", Error(assert.AnError))

	records := decodeLines(t, buf.Bytes())
	require.Len(t, records, 3, "trace and debug must be filtered at info level")
	assert.Equal(t, "info message", records[0]["msg"])
	assert.Equal(t, "zolder", records[0]["station"])
	assert.Equal(t, "WARN", records[1]["level"])
	assert.Equal(t, assert.AnError.Error(), records[2]["error"])
}

func TestTraceLevelRenderedByName(t *testing.T) {
	t.Parallel()

	buf := &bytes.Buffer{}
	NewSlogLogger(buf, LogLevelTrace).Trace("sql query")

	records := decodeLines(t, buf.Bytes())
	require.Len(t, records, 1)
	assert.Equal(t, "TRACE", records[0]["level"])
}

func TestModuleAndWithAccumulateFields(t *testing.T) {
	t.Parallel()

	buf := &bytes.Buffer{}
	base := NewSlogLogger(buf, LogLevelDebug).Module("sync")
	runLog := base.With(String("station", "zolder"), Uint64("cursor", 500))
	runLog.Module("edge").Debug("batch read", Int("rows", 10))
	base.Info("no fields")

	records := decodeLines(t, buf.Bytes())
	require.Len(t, records, 2)
	assert.Equal(t, "sync.edge", records[0]["module"])
	assert.Equal(t, "zolder", records[0]["station"])
	assert.EqualValues(t, 500, records[0]["cursor"])
	assert.EqualValues(t, 10, records[0]["rows"])

	assert.Equal(t, "sync", records[1]["module"])
	assert.NotContains(t, records[1], "station", "With must not mutate the parent logger")
}

func TestWithContextAddsTraceID(t *testing.T) {
	t.Parallel()

	buf := &bytes.Buffer{}
	log := NewSlogLogger(buf, LogLevelInfo)
	ctx := WithTraceID(context.Background(), "run-123")

	log.WithContext(ctx).Info("with trace")
	log.WithContext(context.Background()).Info("without trace")

	records := decodeLines(t, buf.Bytes())
	require.Len(t, records, 2)
	assert.Equal(t, "run-123", records[0]["trace_id"])
	assert.NotContains(t, records[1], "trace_id")
}

func TestFieldFormatting(t *testing.T) {
	t.Parallel()

	buf := &bytes.Buffer{}
	NewSlogLogger(buf, LogLevelInfo).Info("fmt",
		Float64("confidence", 0.712345),
		Duration("elapsed", 1534*time.Microsecond),
		Bool("dry_run", true))

	records := decodeLines(t, buf.Bytes())
	require.Len(t, records, 1)
	assert.InDelta(t, 0.712, records[0]["confidence"], 1e-9)
	assert.Equal(t, "2ms", records[0]["elapsed"])
	assert.Equal(t, true, records[0]["dry_run"])
}

func TestCentralLoggerRoutesModuleToOwnFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	mainPath := filepath.Join(dir, "main.log")
	quarantinePath := filepath.Join(dir, "sub", "quarantine.log")

	cl, err := NewCentralLogger(&LoggingConfig{
		DefaultLevel: "debug",
		Timezone:     "UTC",
		Console:      &ConsoleOutput{Enabled: false},
		FileOutput:   &FileOutput{Enabled: true, Path: mainPath, Level: "debug"},
		ModuleOutputs: map[string]ModuleOutput{
			QuarantineModule: {Enabled: true, FilePath: quarantinePath, Level: "info"},
		},
	})
	require.NoError(t, err)

	cl.Module("sync").Info("run finished")
	cl.Module(QuarantineModule).Warn("row quarantined", String("reason", "bad date"))
	require.NoError(t, cl.Flush())
	require.NoError(t, cl.Close())

	mainData, err := os.ReadFile(mainPath)
	require.NoError(t, err)
	mainRecords := decodeLines(t, mainData)
	require.Len(t, mainRecords, 1)
	assert.Equal(t, "run finished", mainRecords[0]["msg"])

	qData, err := os.ReadFile(quarantinePath)
	require.NoError(t, err)
	qRecords := decodeLines(t, qData)
	require.Len(t, qRecords, 1)
	assert.Equal(t, "bad date", qRecords[0]["reason"])
	assert.Equal(t, QuarantineModule, qRecords[0]["module"])
}

func TestCentralLoggerFansOutToConsoleAndFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "app.log")

	// A strict console must not filter records the file accepts
	cl, err := NewCentralLogger(&LoggingConfig{
		DefaultLevel: "debug",
		Timezone:     "UTC",
		Console:      &ConsoleOutput{Enabled: true, Level: "error"},
		FileOutput:   &FileOutput{Enabled: true, Path: path, Level: "debug"},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = cl.Close() })

	log := cl.Module("sync")
	log.Debug("batch read", Int("rows", 3))
	log.Info("run finished")
	require.NoError(t, cl.Flush())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	records := decodeLines(t, data)
	require.Len(t, records, 2)
	assert.Equal(t, "batch read", records[0]["msg"])
	assert.InDelta(t, 3, records[0]["rows"], 0)
	assert.Equal(t, "run finished", records[1]["msg"])
	assert.Equal(t, "sync", records[1]["module"])
}

func TestCentralLoggerModuleLevels(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "app.log")

	cl, err := NewCentralLogger(&LoggingConfig{
		DefaultLevel: "info",
		Console:      &ConsoleOutput{Enabled: false},
		FileOutput:   &FileOutput{Enabled: true, Path: path, Level: "trace"},
		ModuleLevels: map[string]string{"datastore": "trace"},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = cl.Close() })

	cl.Module("datastore").Trace("sql query")
	cl.Module("sync").Debug("filtered")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	records := decodeLines(t, data)
	require.Len(t, records, 1)
	assert.Equal(t, "datastore", records[0]["module"])
}

func TestCentralLoggerRejectsBadTimezone(t *testing.T) {
	t.Parallel()

	_, err := NewCentralLogger(&LoggingConfig{Timezone: "Mars/Olympus_Mons"})
	require.Error(t, err)

	_, err = NewCentralLogger(nil)
	require.Error(t, err)
}

func TestGormAdapterLevels(t *testing.T) {
	t.Parallel()

	buf := &bytes.Buffer{}
	adapter := NewGormLoggerAdapter(NewSlogLogger(buf, LogLevelDebug), 10*time.Millisecond)
	sqlFn := func() (string, int64) { return "SELECT 1", 1 }

	adapter.Trace(context.Background(), time.Now(), sqlFn, nil)
	adapter.Trace(context.Background(), time.Now().Add(-time.Second), sqlFn, nil)
	adapter.Trace(context.Background(), time.Now(), sqlFn, gorm.ErrRecordNotFound)
	adapter.Trace(context.Background(), time.Now(), sqlFn, assert.AnError)

	records := decodeLines(t, buf.Bytes())
	require.Len(t, records, 2, "trace level query and record-not-found must not be logged at debug")
	assert.Equal(t, "slow query", records[0]["msg"])
	assert.Equal(t, "WARN", records[0]["level"])
	assert.Equal(t, "query error", records[1]["msg"])
}
