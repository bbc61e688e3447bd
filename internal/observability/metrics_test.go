package observability

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/birdnet-sync/internal/observability/metrics"
)

func TestSyncMetricsRecordRun(t *testing.T) {
	t.Parallel()

	m, err := NewMetrics()
	require.NoError(t, err)

	m.Sync.AddRows("zolder", metrics.OutcomeInserted, 9)
	m.Sync.AddRows("zolder", metrics.OutcomeQuarantined, 1)
	m.Sync.AddRows("zolder", metrics.OutcomeRemoved, 0)
	m.Sync.SetCursor("zolder", 812)
	m.Sync.IncBatch("zolder", "incremental")
	m.Sync.ObserveRun("zolder", "partial", 1500*time.Millisecond, time.Unix(1766380000, 0))

	assert.InDelta(t, 9, testutil.ToFloat64(m.Sync.Rows.WithLabelValues("zolder", metrics.OutcomeInserted)), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.Sync.Rows.WithLabelValues("zolder", metrics.OutcomeQuarantined)), 0)
	assert.InDelta(t, 812, testutil.ToFloat64(m.Sync.Cursor.WithLabelValues("zolder")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.Sync.LastRunStatus.WithLabelValues("zolder")), 0)
	assert.InDelta(t, 1.5, testutil.ToFloat64(m.Sync.RunDuration.WithLabelValues("zolder")), 1e-9)
	assert.InDelta(t, 1766380000, testutil.ToFloat64(m.Sync.LastRunTimestamp.WithLabelValues("zolder")), 0)

	// A zero count creates no series
	assert.Equal(t, 2, testutil.CollectAndCount(m.Sync.Rows))
}

func TestNilMetricsAreNoops(t *testing.T) {
	t.Parallel()

	var s *metrics.SyncMetrics
	s.AddRows("zolder", metrics.OutcomeInserted, 3)
	s.SetCursor("zolder", 1)
	s.IncBatch("zolder", "revalidation")
	s.ObserveRun("zolder", "success", time.Second, time.Now())

	var q *metrics.MQTTMetrics
	q.RecordPublish(metrics.ResultError)
	q.UpdateConnectionStatus(true)
	q.ObserveMessageSize(10)
	q.StartPublishTimer().ObserveDuration()

	var m *Metrics
	assert.NoError(t, m.WriteStationTextfile("/nonexistent/ignored.prom", "zolder"))
}

func TestMQTTMetricsCountErrors(t *testing.T) {
	t.Parallel()

	m, err := NewMetrics()
	require.NoError(t, err)

	m.MQTT.RecordPublish(metrics.ResultSuccess)
	m.MQTT.RecordPublish(metrics.ResultError)
	m.MQTT.RecordPublish(metrics.ResultSkipped)
	m.MQTT.UpdateConnectionStatus(true)

	assert.InDelta(t, 1, testutil.ToFloat64(m.MQTT.Errors), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.MQTT.ConnectionStatus), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.MQTT.Publishes.WithLabelValues(metrics.ResultSkipped)), 0)
}

func TestStationTextfile(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		path string
		want string
	}{
		{"extension", "/var/lib/node_exporter/birdnet_sync.prom", "/var/lib/node_exporter/birdnet_sync.zolder.prom"},
		{"placeholder", "/var/lib/node_exporter/sync-{station}.prom", "/var/lib/node_exporter/sync-zolder.prom"},
		{"no extension", "/tmp/birdnet_sync", "/tmp/birdnet_sync.zolder"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, StationTextfile(tt.path, "zolder"))
		})
	}
}

func TestWriteStationTextfile(t *testing.T) {
	t.Parallel()

	m, err := NewMetrics()
	require.NoError(t, err)
	m.Sync.SetCursor("tuin", 44)
	m.Sync.ObserveRun("tuin", "success", time.Second, time.Now())
	m.Sync.SetCursor("zolder", 501)
	m.MQTT.RecordPublish(metrics.ResultSuccess)

	path := filepath.Join(t.TempDir(), "textfile", "birdnet_sync.prom")
	require.NoError(t, m.WriteStationTextfile(path, "tuin"))

	data, err := os.ReadFile(StationTextfile(path, "tuin"))
	require.NoError(t, err)
	text := string(data)
	assert.Contains(t, text, `birdnet_sync_cursor{station="tuin"} 44`)
	assert.Contains(t, text, `birdnet_sync_last_run_status{station="tuin"} 0`)
	assert.NotContains(t, text, `station="zolder"`)
	assert.NotContains(t, text, "mqtt_publishes_total", "process wide series are not written")

	// Every family with a tuin series is in the file
	families, err := m.Registry().Gather()
	require.NoError(t, err)
	for _, mf := range families {
		for _, metric := range mf.GetMetric() {
			if labelValue(metric, "station") == "tuin" {
				assert.True(t, strings.Contains(text, mf.GetName()), "textfile misses %s", mf.GetName())
			}
		}
		if mf.GetName() == "birdnet_sync_runs_total" {
			require.Equal(t, dto.MetricType_COUNTER, mf.GetType())
		}
	}

	// No temp files left next to the output
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestStationTextfilesFromSeparateRunsCoexist(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "birdnet_sync.prom")

	// Two processes, one station each, finishing one after the other
	for station, cursor := range map[string]uint64{"zolder": 501, "tuin": 44} {
		m, err := NewMetrics()
		require.NoError(t, err)
		m.Sync.SetCursor(station, cursor)
		require.NoError(t, m.WriteStationTextfile(path, station))
	}

	zolder, err := os.ReadFile(StationTextfile(path, "zolder"))
	require.NoError(t, err)
	assert.Contains(t, string(zolder), `birdnet_sync_cursor{station="zolder"} 501`)

	tuin, err := os.ReadFile(StationTextfile(path, "tuin"))
	require.NoError(t, err)
	assert.Contains(t, string(tuin), `birdnet_sync_cursor{station="tuin"} 44`)
}
