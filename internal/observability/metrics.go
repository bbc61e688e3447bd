// Package observability collects the Prometheus metrics of sync runs and
// writes them for the node exporter textfile collector.
package observability

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/tphakala/birdnet-sync/internal/errors"
	"github.com/tphakala/birdnet-sync/internal/observability/metrics"
)

const stationPlaceholder = "{station}"

// Metrics holds all the metric collectors for the application.
type Metrics struct {
	registry *prometheus.Registry
	Sync     *metrics.SyncMetrics
	MQTT     *metrics.MQTTMetrics
}

// NewMetrics creates a new instance of Metrics on a private registry.
func NewMetrics() (*Metrics, error) {
	registry := prometheus.NewRegistry()

	syncMetrics, err := metrics.NewSyncMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("failed to create sync metrics: %w", err)
	}

	mqttMetrics, err := metrics.NewMQTTMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("failed to create MQTT metrics: %w", err)
	}

	return &Metrics{
		registry: registry,
		Sync:     syncMetrics,
		MQTT:     mqttMetrics,
	}, nil
}

// Registry returns the registry holding all collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// StationTextfile returns the textfile path of station. A "{station}"
// placeholder in path is replaced; otherwise the station name is inserted
// before the extension, so /var/lib/node_exporter/birdnet_sync.prom becomes
// birdnet_sync.zolder.prom.
func StationTextfile(path, station string) string {
	if strings.Contains(path, stationPlaceholder) {
		return strings.ReplaceAll(path, stationPlaceholder, station)
	}
	ext := filepath.Ext(path)
	return strings.TrimSuffix(path, ext) + "." + station + ext
}

// WriteStationTextfile writes the series labelled with station to the
// station's own textfile. Runs of other stations, in this process or
// another, write their own files and never replace it. Series without a
// station label are process wide and not written. The file is replaced
// atomically so the node exporter never reads a partial file. An empty path
// is a no-op.
func (m *Metrics) WriteStationTextfile(path, station string) error {
	if m == nil || path == "" {
		return nil
	}
	target := StationTextfile(path, station)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return textfileError(err, target)
	}
	if err := prometheus.WriteToTextfile(target, stationGatherer{g: m.registry, station: station}); err != nil {
		return textfileError(err, target)
	}
	return nil
}

func textfileError(err error, path string) error {
	return errors.New(err).
		Component("observability").
		Category(errors.CategoryFileIO).
		Context("textfile", path).
		Build()
}

// stationGatherer keeps the series of one station.
type stationGatherer struct {
	g       prometheus.Gatherer
	station string
}

func (s stationGatherer) Gather() ([]*dto.MetricFamily, error) {
	families, err := s.g.Gather()
	if err != nil {
		return nil, err
	}
	kept := families[:0]
	for _, mf := range families {
		var series []*dto.Metric
		for _, metric := range mf.GetMetric() {
			if labelValue(metric, "station") == s.station {
				series = append(series, metric)
			}
		}
		if len(series) == 0 {
			continue
		}
		mf.Metric = series
		kept = append(kept, mf)
	}
	return kept, nil
}

func labelValue(metric *dto.Metric, name string) string {
	for _, lp := range metric.GetLabel() {
		if lp.GetName() == name {
			return lp.GetValue()
		}
	}
	return ""
}
