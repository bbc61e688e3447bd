package syncer

import (
	"context"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/tphakala/birdnet-sync/internal/central"
	"github.com/tphakala/birdnet-sync/internal/conf"
	"github.com/tphakala/birdnet-sync/internal/cursor"
	"github.com/tphakala/birdnet-sync/internal/datastore"
	"github.com/tphakala/birdnet-sync/internal/edge"
	"github.com/tphakala/birdnet-sync/internal/errors"
	"github.com/tphakala/birdnet-sync/internal/logger"
	"github.com/tphakala/birdnet-sync/internal/observability/metrics"
	"github.com/tphakala/birdnet-sync/internal/retry"
	"github.com/tphakala/birdnet-sync/internal/runlock"
	"github.com/tphakala/birdnet-sync/internal/status"
)

// Runner runs configured stations against a shared central store.
type Runner struct {
	settings   *conf.Settings
	policy     retry.Policy
	central    *gorm.DB
	centralErr error
	writer     *central.Writer
	cursors    *cursor.Store
	status     status.Sink
	metrics    *metrics.SyncMetrics
	log        logger.Logger
	quarantine logger.Logger
	now        func() time.Time
}

// RunnerDeps are the shared collaborators of a Runner. Central may be nil
// when the central store could not be opened; every run then fails with
// CentralErr. Status and Metrics may be nil.
type RunnerDeps struct {
	Central    *gorm.DB
	CentralErr error
	Status     status.Sink
	Metrics    *metrics.SyncMetrics
	Log        logger.Logger
	Quarantine logger.Logger
}

// NewRunner returns a runner for settings.
func NewRunner(settings *conf.Settings, deps RunnerDeps) *Runner {
	if deps.Log == nil {
		deps.Log = logger.NewSlogLogger(nil, logger.LogLevelInfo)
	}
	if deps.Status == nil {
		deps.Status = status.Nop{}
	}
	policy := retry.FromSettings(&settings.Sync.Retry)

	r := &Runner{
		settings:   settings,
		policy:     policy,
		central:    deps.Central,
		centralErr: deps.CentralErr,
		status:     deps.Status,
		metrics:    deps.Metrics,
		log:        deps.Log,
		quarantine: deps.Quarantine,
		now:        time.Now,
	}
	if deps.Central != nil {
		r.writer = central.NewWriter(deps.Central, policy, deps.Log.Module("central"))
		r.cursors = cursor.NewStore(deps.Central, policy, deps.Log.Module("cursor"))
	}
	return r
}

// Options returns the run options configured in settings.
func (r *Runner) Options() Options {
	s := r.settings.Sync
	return Options{
		BatchSize:        s.BatchSize,
		MaxBatches:       s.MaxBatches,
		RevalidationDays: s.RevalidationDays,
		Timeout:          s.Timeout,
	}
}

// RunStation syncs one station while holding its run lock.
func (r *Runner) RunStation(ctx context.Context, name string, opts Options) *Outcome {
	runID := uuid.NewString()
	log := r.log.With(logger.String("station", name))

	engine := r.engine(name, nil, opts, log)

	st, ok := r.settings.Station(name)
	if !ok {
		return engine.Fail(ctx, runID, errors.Newf("station %q is not configured", name).
			Component("syncer").
			Category(errors.CategoryConfiguration).
			Build())
	}
	if r.central == nil {
		return engine.Fail(ctx, runID, r.centralUnavailable())
	}

	lock, err := runlock.Acquire(r.settings.Sync.LockDir, name)
	if err != nil {
		return engine.Fail(ctx, runID, err)
	}
	defer func() {
		if err := lock.Release(); err != nil {
			log.Warn("failed to release run lock", logger.Error(err))
		}
	}()

	edgeDB, err := datastore.OpenEdge(ctx, st.EdgePath, st.Table, r.settings.Sync.EdgeBusyTimeout, log.Module("edge"))
	if err != nil {
		return engine.Fail(ctx, runID, err)
	}
	defer func() {
		if err := datastore.Close(edgeDB); err != nil {
			log.Debug("failed to close edge store", logger.Error(err))
		}
	}()

	extractor := edge.NewExtractor(edgeDB, name, st.Table, r.policy, log.Module("edge"))
	return r.engine(name, extractor, opts, log).Run(ctx, runID)
}

// RunAll syncs stations concurrently, each in its own goroutine with its own
// lock. Outcomes are returned in the order of names.
func (r *Runner) RunAll(ctx context.Context, names []string, opts Options) []*Outcome {
	outcomes := make([]*Outcome, len(names))
	var g errgroup.Group
	for i, name := range names {
		g.Go(func() error {
			outcomes[i] = r.RunStation(ctx, name, opts)
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

func (r *Runner) engine(name string, extractor EdgeReader, opts Options, log logger.Logger) *Engine {
	var (
		cursors CursorStore
		store   CentralStore
	)
	if r.central != nil {
		cursors = r.cursors
		store = r.writer
	}
	return NewEngine(name, Deps{
		Edge:       extractor,
		Central:    store,
		Cursors:    cursors,
		Status:     r.status,
		Metrics:    r.metrics,
		Log:        log,
		Quarantine: r.quarantine,
		Now:        r.now,
	}, opts)
}

// centralUnavailable returns the error that kept the central store closed.
func (r *Runner) centralUnavailable() error {
	if r.centralErr != nil {
		return r.centralErr
	}
	return errors.Newf("central store is not open").
		Component("syncer").
		Category(errors.CategoryCentralUnavailable).
		Build()
}
