// Package status publishes the outcome of sync runs to MQTT.
//
// Publication is best effort. Failures are logged and counted but never
// returned, and a circuit breaker stops talking to a broker that is down so
// the remaining stations of a run do not each wait for their timeouts.
package status

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/tphakala/birdnet-sync/internal/errors"
	"github.com/tphakala/birdnet-sync/internal/logger"
	"github.com/tphakala/birdnet-sync/internal/mqtt"
	"github.com/tphakala/birdnet-sync/internal/observability/metrics"
)

// State is the status of a run as seen by monitoring.
type State string

const (
	StateRunning State = "running"
	StateSuccess State = "success"
	StatePartial State = "partial"
	StateError   State = "error"
)

// Report is the status payload of one run.
type Report struct {
	Station         string    `json:"station"`
	RunID           string    `json:"run_id"`
	RunStartedAt    time.Time `json:"run_started_at"`
	RowsInserted    int       `json:"rows_inserted"`
	RowsUpdated     int       `json:"rows_updated"`
	RowsRemoved     int       `json:"rows_removed"`
	RowsQuarantined int       `json:"rows_quarantined"`
	RowsDuplicate   int       `json:"rows_duplicate"`
	Cursor          uint64    `json:"cursor"`
	DurationSeconds float64   `json:"duration_seconds"`
	Status          State     `json:"status"`
	Error           string    `json:"error,omitempty"`
}

// stats is the numeric subset published on the stats topic.
type stats struct {
	Station         string  `json:"station"`
	RunID           string  `json:"run_id"`
	RowsInserted    int     `json:"rows_inserted"`
	RowsUpdated     int     `json:"rows_updated"`
	RowsRemoved     int     `json:"rows_removed"`
	RowsQuarantined int     `json:"rows_quarantined"`
	RowsDuplicate   int     `json:"rows_duplicate"`
	Cursor          uint64  `json:"cursor"`
	DurationSeconds float64 `json:"duration_seconds"`
}

// Sink receives run reports.
type Sink interface {
	Publish(ctx context.Context, r *Report) bool
}

// Nop discards reports. It is used when MQTT is disabled and for dry runs.
type Nop struct{}

// Publish does nothing and reports success.
func (Nop) Publish(context.Context, *Report) bool { return true }

// Options tune a Publisher.
type Options struct {
	TopicPrefix      string
	Timeout          time.Duration // per publication, applied even after the run context ended
	FailureThreshold uint32        // consecutive failures that open the breaker
	OpenTimeout      time.Duration // how long the breaker stays open
}

// Publisher publishes reports through an MQTT client.
type Publisher struct {
	client  mqtt.Client
	opts    Options
	breaker *gobreaker.CircuitBreaker[struct{}]
	metrics *metrics.MQTTMetrics
	log     logger.Logger

	connMu sync.Mutex
}

// NewPublisher returns a publisher using client. m may be nil.
func NewPublisher(client mqtt.Client, opts Options, m *metrics.MQTTMetrics, log logger.Logger) *Publisher {
	if log == nil {
		log = logger.NewSlogLogger(nil, logger.LogLevelInfo)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.FailureThreshold == 0 {
		opts.FailureThreshold = 2
	}
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = time.Minute
	}
	opts.TopicPrefix = strings.TrimSuffix(opts.TopicPrefix, "/")

	p := &Publisher{client: client, opts: opts, metrics: m, log: log}
	p.breaker = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "mqtt-status",
		MaxRequests: 1,
		Timeout:     opts.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= opts.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Info("status publisher circuit state changed",
				logger.String("breaker", name),
				logger.String("from", from.String()),
				logger.String("to", to.String()))
		},
	})
	return p
}

// StatusTopic returns the status topic of station.
func (p *Publisher) StatusTopic(station string) string {
	return fmt.Sprintf("%s/%s/status", p.opts.TopicPrefix, station)
}

// StatsTopic returns the stats topic of station.
func (p *Publisher) StatsTopic(station string) string {
	return fmt.Sprintf("%s/%s/stats", p.opts.TopicPrefix, station)
}

// Publish sends r to the station's status topic and, for final reports, its
// stats topic. It reports whether the broker accepted everything. The
// publication gets its own timeout so a cancelled run still reports.
func (p *Publisher) Publish(ctx context.Context, r *Report) bool {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.opts.Timeout)
	defer cancel()

	log := p.log.WithContext(ctx).With(
		logger.String("station", r.Station),
		logger.String("status", string(r.Status)))

	messages, err := p.encode(r)
	if err != nil {
		p.metrics.RecordPublish(metrics.ResultError)
		log.Error("failed to encode status report", logger.Error(err))
		return false
	}

	_, err = p.breaker.Execute(func() (struct{}, error) {
		if err := p.ensureConnected(ctx); err != nil {
			return struct{}{}, err
		}
		for _, m := range messages {
			if err := p.client.Publish(ctx, m.topic, m.payload); err != nil {
				return struct{}{}, err
			}
		}
		return struct{}{}, nil
	})

	switch {
	case err == nil:
		p.metrics.RecordPublish(metrics.ResultSuccess)
		log.Debug("status published")
		return true
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		p.metrics.RecordPublish(metrics.ResultSkipped)
		log.Debug("status not published, broker circuit open")
		return false
	default:
		p.metrics.RecordPublish(metrics.ResultError)
		log.Warn("failed to publish status", logger.Error(err))
		return false
	}
}

// Close disconnects from the broker.
func (p *Publisher) Close() {
	p.connMu.Lock()
	defer p.connMu.Unlock()
	p.client.Disconnect()
}

type message struct {
	topic   string
	payload []byte
}

func (p *Publisher) encode(r *Report) ([]message, error) {
	payload, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	msgs := []message{{topic: p.StatusTopic(r.Station), payload: payload}}
	if r.Status == StateRunning {
		return msgs, nil
	}

	payload, err = json.Marshal(stats{
		Station:         r.Station,
		RunID:           r.RunID,
		RowsInserted:    r.RowsInserted,
		RowsUpdated:     r.RowsUpdated,
		RowsRemoved:     r.RowsRemoved,
		RowsQuarantined: r.RowsQuarantined,
		RowsDuplicate:   r.RowsDuplicate,
		Cursor:          r.Cursor,
		DurationSeconds: r.DurationSeconds,
	})
	if err != nil {
		return nil, err
	}
	return append(msgs, message{topic: p.StatsTopic(r.Station), payload: payload}), nil
}

func (p *Publisher) ensureConnected(ctx context.Context) error {
	p.connMu.Lock()
	defer p.connMu.Unlock()
	if p.client.IsConnected() {
		return nil
	}
	return p.client.Connect(ctx)
}
