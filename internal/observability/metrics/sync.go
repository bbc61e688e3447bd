package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// SyncMetrics contains the per-station metrics of sync runs.
type SyncMetrics struct {
	Rows             *prometheus.CounterVec
	Runs             *prometheus.CounterVec
	RunDuration      *prometheus.GaugeVec
	LastRunTimestamp *prometheus.GaugeVec
	LastRunStatus    *prometheus.GaugeVec
	Cursor           *prometheus.GaugeVec
	Batches          *prometheus.CounterVec
}

// NewSyncMetrics creates the sync metrics and registers them with registry.
func NewSyncMetrics(registry prometheus.Registerer) (*SyncMetrics, error) {
	m := &SyncMetrics{
		Rows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "birdnet_sync_rows_total",
			Help: "Rows processed by sync runs, by outcome",
		}, []string{"station", "outcome"}),
		Runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "birdnet_sync_runs_total",
			Help: "Completed sync runs, by final status",
		}, []string{"station", "status"}),
		RunDuration: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "birdnet_sync_last_run_duration_seconds",
			Help: "Wall clock duration of the last sync run",
		}, []string{"station"}),
		LastRunTimestamp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "birdnet_sync_last_run_timestamp_seconds",
			Help: "Unix time the last sync run finished",
		}, []string{"station"}),
		LastRunStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "birdnet_sync_last_run_status",
			Help: "Status of the last sync run (0 success, 1 partial, 2 error)",
		}, []string{"station"}),
		Cursor: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "birdnet_sync_cursor",
			Help: "Last edge sequence number synced",
		}, []string{"station"}),
		Batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "birdnet_sync_batches_total",
			Help: "Batches written to the central store",
		}, []string{"station", "phase"}),
	}

	for _, c := range []prometheus.Collector{m.Rows, m.Runs, m.RunDuration, m.LastRunTimestamp, m.LastRunStatus, m.Cursor, m.Batches} {
		if err := registry.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register sync metrics: %w", err)
		}
	}
	return m, nil
}

// AddRows counts n rows with the given outcome.
func (m *SyncMetrics) AddRows(station, outcome string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.Rows.WithLabelValues(station, outcome).Add(float64(n))
}

// IncBatch counts a written batch of the given phase.
func (m *SyncMetrics) IncBatch(station, phase string) {
	if m == nil {
		return
	}
	m.Batches.WithLabelValues(station, phase).Inc()
}

// SetCursor records the station's cursor.
func (m *SyncMetrics) SetCursor(station string, seq uint64) {
	if m == nil {
		return
	}
	m.Cursor.WithLabelValues(station).Set(float64(seq))
}

// ObserveRun records the end of a run.
func (m *SyncMetrics) ObserveRun(station, status string, duration time.Duration, finished time.Time) {
	if m == nil {
		return
	}
	m.Runs.WithLabelValues(station, status).Inc()
	m.RunDuration.WithLabelValues(station).Set(duration.Seconds())
	m.LastRunTimestamp.WithLabelValues(station).Set(float64(finished.Unix()))
	if code, ok := statusCodes[status]; ok {
		m.LastRunStatus.WithLabelValues(station).Set(code)
	}
}
