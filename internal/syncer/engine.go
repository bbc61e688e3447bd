// Package syncer runs the sync of one station: read new edge rows in batches,
// classify them against the central store, write the plan, advance the
// cursor, then re-validate a trailing window to pick up corrections and
// deletions, and finally publish the outcome.
package syncer

import (
	"context"
	"time"

	"github.com/tphakala/birdnet-sync/internal/central"
	"github.com/tphakala/birdnet-sync/internal/cursor"
	"github.com/tphakala/birdnet-sync/internal/datastore"
	"github.com/tphakala/birdnet-sync/internal/edge"
	"github.com/tphakala/birdnet-sync/internal/errors"
	"github.com/tphakala/birdnet-sync/internal/logger"
	"github.com/tphakala/birdnet-sync/internal/observability/metrics"
	"github.com/tphakala/birdnet-sync/internal/reconcile"
	"github.com/tphakala/birdnet-sync/internal/status"
)

const dateLayout = "2006-01-02"

// EdgeReader reads a station's edge store.
type EdgeReader interface {
	Extract(ctx context.Context, afterSeq uint64, limit int) (edge.Batch, error)
	Window(ctx context.Context, since string) ([]datastore.EdgeNote, error)
	MaxSeq(ctx context.Context) (uint64, error)
}

// CentralStore reads and writes central observations.
type CentralStore interface {
	Apply(ctx context.Context, station string, plan *reconcile.Result) (central.WriteResult, error)
	RowsOn(ctx context.Context, station string, dates []string) ([]datastore.Observation, error)
	RowsSince(ctx context.Context, station, since string) ([]datastore.Observation, error)
}

// CursorStore persists sync positions.
type CursorStore interface {
	Read(ctx context.Context, station string) (cursor.Cursor, error)
	Advance(ctx context.Context, station string, seq uint64) error
	Reset(ctx context.Context, station string) error
	MarkRun(ctx context.Context, station string, at time.Time) error
}

// Options tune a run.
type Options struct {
	BatchSize        int
	MaxBatches       int // 0 drains the edge store
	RevalidationDays int // 0 disables the trailing window
	FullResync       bool
	DryRun           bool
	Timeout          time.Duration // 0 means no limit
}

// Deps are the collaborators of an Engine. Status, Metrics and Quarantine
// may be nil.
type Deps struct {
	Edge       EdgeReader
	Central    CentralStore
	Cursors    CursorStore
	Status     status.Sink
	Metrics    *metrics.SyncMetrics
	Log        logger.Logger
	Quarantine logger.Logger
	Now        func() time.Time
}

// Engine runs one station. An Engine is used for a single run.
type Engine struct {
	station string
	deps    Deps
	opts    Options
	log     logger.Logger
	state   State

	quarantined map[uint64]bool
	duplicates  map[uint64]bool
	planned     map[datastore.NaturalKey]bool // dry run only
}

// NewEngine returns an engine for station.
func NewEngine(station string, deps Deps, opts Options) *Engine {
	if deps.Log == nil {
		deps.Log = logger.NewSlogLogger(nil, logger.LogLevelInfo)
	}
	if deps.Quarantine == nil {
		deps.Quarantine = deps.Log
	}
	if deps.Status == nil || opts.DryRun {
		deps.Status = status.Nop{}
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 1000
	}
	if opts.DryRun {
		deps.Cursors = cursor.NewOverlay(deps.Cursors)
	}
	return &Engine{
		station:     station,
		deps:        deps,
		opts:        opts,
		log:         deps.Log.With(logger.String("station", station)),
		quarantined: make(map[uint64]bool),
		duplicates:  make(map[uint64]bool),
		planned:     make(map[datastore.NaturalKey]bool),
	}
}

// State returns the current state.
func (e *Engine) State() State { return e.state }

// Run syncs the station and publishes the outcome. It never returns an
// error; failures are recorded in the outcome.
func (e *Engine) Run(ctx context.Context, runID string) *Outcome {
	ctx = logger.WithTraceID(ctx, runID)
	e.log = e.log.WithContext(ctx)

	out := newOutcome(e.station, runID, e.deps.Now(), e.opts.DryRun)
	e.deps.Status.Publish(ctx, &status.Report{
		Station:      e.station,
		RunID:        runID,
		RunStartedAt: out.StartedAt.UTC(),
		Status:       status.StateRunning,
	})

	runCtx := ctx
	if e.opts.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, e.opts.Timeout)
		defer cancel()
	}

	err := e.sync(runCtx, out)
	if err == nil && runCtx.Err() != nil {
		err = errors.New(runCtx.Err()).
			Component("syncer").
			Category(errors.CategoryCancellation).
			Context("station", e.station).
			Build()
	}
	switch {
	case err == nil:
	case errors.IsCategory(err, errors.CategoryEdgeUnavailable):
		// Nothing was read, the station is simply offline
		e.transition(StateIdle)
	default:
		e.transition(StateFailed)
	}

	// Publishing uses the parent context so a timed out run still reports
	e.finish(ctx, out, err)
	return out
}

// Fail records a run that could not start, such as a busy lock or an
// unreachable store, and publishes it like any other outcome.
func (e *Engine) Fail(ctx context.Context, runID string, err error) *Outcome {
	ctx = logger.WithTraceID(ctx, runID)
	e.log = e.log.WithContext(ctx)

	out := newOutcome(e.station, runID, e.deps.Now(), e.opts.DryRun)
	if errors.IsCategory(err, errors.CategoryEdgeUnavailable) {
		e.transition(StateIdle)
	} else {
		e.transition(StateFailed)
	}
	e.finish(ctx, out, err)
	return out
}

func (e *Engine) sync(ctx context.Context, out *Outcome) error {
	cur, err := e.deps.Cursors.Read(ctx, e.station)
	if err != nil {
		return err
	}
	out.Cursor = cur.LastSeq

	e.transition(StateExtracting)
	maxSeq, err := e.deps.Edge.MaxSeq(ctx)
	if err != nil {
		return err
	}

	reset := e.opts.FullResync
	if cur.LastSeq > maxSeq {
		// Sequence numbers only grow, so the edge store was replaced. Its
		// rows are read from the start, but removal stays bounded by the
		// trailing window: history the new store never held is kept.
		e.log.Warn("edge store is behind the cursor, reading it from the start",
			logger.Uint64("cursor", cur.LastSeq),
			logger.Uint64("edge_max_seq", maxSeq))
		reset = true
	}
	if reset && cur.LastSeq > 0 {
		if err := e.deps.Cursors.Reset(ctx, e.station); err != nil {
			return err
		}
		out.Resynced = true
		out.Cursor = 0
	}

	if err := e.incremental(ctx, out, out.Cursor); err != nil {
		return err
	}

	if scope, since, ok := e.revalidationScope(e.opts.FullResync); ok {
		if err := e.revalidate(ctx, out, scope, since); err != nil {
			return err
		}
	}

	return e.deps.Cursors.MarkRun(ctx, e.station, e.deps.Now())
}

// incremental reads rows above the cursor batch by batch. Each batch is
// committed before the cursor moves past it.
func (e *Engine) incremental(ctx context.Context, out *Outcome, after uint64) error {
	phase := out.phase(PhaseIncremental, reconcile.NoRemoval())

	for e.opts.MaxBatches == 0 || phase.Batches < e.opts.MaxBatches {
		e.transition(StateExtracting)
		batch, err := e.deps.Edge.Extract(ctx, after, e.opts.BatchSize)
		if err != nil {
			return err
		}
		if batch.Empty() {
			return nil
		}
		phase.Read += len(batch.Rows)

		e.transition(StateClassifying)
		existing, err := e.deps.Central.RowsOn(ctx, e.station, datesOf(batch.Rows))
		if err != nil {
			return err
		}
		plan := reconcile.Classify(reconcile.Input{
			Station: e.station,
			Edge:    batch.Rows,
			Central: existing,
			Scope:   reconcile.NoRemoval(),
			Now:     e.deps.Now(),
		})

		e.transition(StateWriting)
		if err := e.write(ctx, phase, &plan); err != nil {
			return err
		}

		e.transition(StateAdvancingCursor)
		if err := e.deps.Cursors.Advance(ctx, e.station, batch.MaxSeq); err != nil {
			return err
		}
		after = batch.MaxSeq
		out.Cursor = after
		phase.Batches++
		if !e.opts.DryRun {
			e.deps.Metrics.IncBatch(e.station, PhaseIncremental)
			e.deps.Metrics.SetCursor(e.station, after)
		}
	}

	e.log.Info("batch limit reached, the next run continues from the cursor",
		logger.Int("max_batches", e.opts.MaxBatches),
		logger.Uint64("cursor", after))
	return nil
}

// revalidationScope returns the removal scope of the re-validation pass and
// the first date it reads. Only an operator requested full resync covers
// the whole store.
func (e *Engine) revalidationScope(full bool) (reconcile.Scope, string, bool) {
	if full {
		return reconcile.All(), "", true
	}
	if e.opts.RevalidationDays <= 0 {
		return reconcile.NoRemoval(), "", false
	}
	since := e.deps.Now().AddDate(0, 0, -e.opts.RevalidationDays).Format(dateLayout)
	return reconcile.Since(since), since, true
}

// revalidate re-reads a window of the edge store and compares it with the
// central rows of the same dates. This is where corrections and deletions
// made at the edge after a row was first synced are found. The cursor does
// not move.
func (e *Engine) revalidate(ctx context.Context, out *Outcome, scope reconcile.Scope, since string) error {
	phase := out.phase(PhaseRevalidation, scope)

	e.transition(StateExtracting)
	rows, err := e.deps.Edge.Window(ctx, since)
	if err != nil {
		return err
	}
	phase.Read = len(rows)

	e.transition(StateClassifying)
	existing, err := e.deps.Central.RowsSince(ctx, e.station, since)
	if err != nil {
		return err
	}
	plan := reconcile.Classify(reconcile.Input{
		Station: e.station,
		Edge:    rows,
		Central: existing,
		Scope:   scope,
		Now:     e.deps.Now(),
	})

	e.transition(StateWriting)
	if err := e.write(ctx, phase, &plan); err != nil {
		return err
	}
	phase.Batches = 1
	if !e.opts.DryRun {
		e.deps.Metrics.IncBatch(e.station, PhaseRevalidation)
	}
	return nil
}

// write records the plan in phase and, unless this is a dry run, applies it.
func (e *Engine) write(ctx context.Context, phase *Phase, plan *reconcile.Result) error {
	phase.Corrected += plan.Corrected
	phase.Restored += plan.Restored
	phase.Unchanged += plan.Unchanged
	phase.Conflicts += len(plan.Conflicts)

	for _, q := range plan.Quarantined {
		e.quarantine(phase, q.Seq, q.Key, "classify", q.Reason)
	}
	for _, d := range plan.Duplicates {
		if e.duplicates[d.Seq] {
			continue
		}
		e.duplicates[d.Seq] = true
		phase.Duplicates++
		e.deps.Quarantine.Info("duplicate edge row skipped",
			logger.String("station", e.station),
			logger.String("natural_key", d.Key.String()),
			logger.Uint64("edge_seq", d.Seq),
			logger.String("reason", d.Reason))
	}
	for i := range plan.Conflicts {
		c := &plan.Conflicts[i]
		e.log.Warn("central store holds more than one row for a natural key",
			logger.String("natural_key", c.NaturalKey().String()),
			logger.Int("shadowed_id", int(c.ID)))
	}

	if e.opts.DryRun {
		e.plan(phase, plan)
		return nil
	}

	res, err := e.deps.Central.Apply(ctx, e.station, plan)
	if err != nil {
		return err
	}
	phase.Inserted += res.Inserted
	phase.Updated += res.Updated
	phase.Removed += res.Removed
	for _, r := range res.Rejected {
		e.quarantine(phase, r.Seq, r.Key, r.Op, r.Reason)
	}
	return nil
}

// plan counts what a dry run would write. Nothing reaches the central store,
// so the re-validation pass sees rows the incremental pass already planned;
// those are counted once.
func (e *Engine) plan(phase *Phase, plan *reconcile.Result) {
	count := func(rows []datastore.Observation) int {
		n := 0
		for i := range rows {
			key := rows[i].NaturalKey()
			if e.planned[key] {
				continue
			}
			e.planned[key] = true
			n++
		}
		return n
	}
	phase.Inserted += count(plan.ToInsert)
	phase.Updated += count(plan.ToUpdate)
	phase.Removed += len(plan.ToMarkRemoved)
}

// quarantine logs a row that could not be written. A row seen again by the
// re-validation pass of the same run is counted and logged once.
func (e *Engine) quarantine(phase *Phase, seq uint64, key datastore.NaturalKey, operation, reason string) {
	if e.quarantined[seq] {
		return
	}
	e.quarantined[seq] = true
	phase.Quarantined++
	e.deps.Quarantine.Warn("row quarantined",
		logger.String("station", e.station),
		logger.String("natural_key", key.String()),
		logger.Uint64("edge_seq", seq),
		logger.String("operation", operation),
		logger.String("reason", reason))
}

// finish settles the outcome, publishes it and logs the summary.
func (e *Engine) finish(ctx context.Context, out *Outcome, err error) {
	out.settle(err, e.deps.Now())
	totals := out.Totals()

	fields := []logger.Field{
		logger.String("status", string(out.Status)),
		logger.Uint64("cursor", out.Cursor),
		logger.Int("inserted", totals.Inserted),
		logger.Int("updated", totals.Updated),
		logger.Int("removed", totals.Removed),
		logger.Int("quarantined", totals.Quarantined),
		logger.Int("duplicates", totals.Duplicates),
		logger.Duration("duration", out.Duration),
		logger.Bool("dry_run", out.DryRun),
	}
	if err != nil {
		fields = append(fields,
			logger.String("category", string(errors.CategoryOf(err))),
			logger.Error(err))
		e.log.Error("sync run failed", fields...)
		if !out.DryRun {
			reportFatal(err, e.station)
		}
	} else {
		e.log.Info("sync run finished", fields...)
	}

	if out.DryRun {
		return
	}

	if e.state != StateFailed {
		e.transition(StatePublishingStatus)
	}
	e.deps.Status.Publish(ctx, out.Report())

	m := e.deps.Metrics
	m.AddRows(e.station, metrics.OutcomeInserted, totals.Inserted)
	m.AddRows(e.station, metrics.OutcomeUpdated, totals.Updated)
	m.AddRows(e.station, metrics.OutcomeRemoved, totals.Removed)
	m.AddRows(e.station, metrics.OutcomeQuarantined, totals.Quarantined)
	m.AddRows(e.station, metrics.OutcomeDuplicate, totals.Duplicates)
	m.AddRows(e.station, metrics.OutcomeUnchanged, totals.Unchanged)
	m.SetCursor(e.station, out.Cursor)
	m.ObserveRun(e.station, string(out.Status), out.Duration, e.deps.Now())

	if e.state != StateFailed {
		e.transition(StateIdle)
	}
}

func (e *Engine) transition(to State) {
	if e.state == to {
		return
	}
	e.log.Trace("state change",
		logger.String("from", e.state.String()),
		logger.String("to", to.String()))
	e.state = to
}

func datesOf(rows []datastore.EdgeNote) []string {
	dates := make([]string, 0, len(rows))
	for i := range rows {
		dates = append(dates, rows[i].Date)
	}
	return dates
}
