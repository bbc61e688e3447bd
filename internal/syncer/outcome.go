package syncer

import (
	"fmt"
	"time"

	"github.com/tphakala/birdnet-sync/internal/errors"
	"github.com/tphakala/birdnet-sync/internal/privacy"
	"github.com/tphakala/birdnet-sync/internal/reconcile"
	"github.com/tphakala/birdnet-sync/internal/status"
)

// Process exit codes.
const (
	ExitSuccess  = 0
	ExitPartial  = 1 // some rows quarantined
	ExitFatal    = 2 // the run ended early
	ExitLockBusy = 3 // another run holds the station lock
)

// Phase names.
const (
	PhaseIncremental  = "incremental"
	PhaseRevalidation = "revalidation"
)

// Phase counts what one pass over the edge store found and wrote. In a dry
// run the write counts are what would have been written.
type Phase struct {
	Name        string
	Scope       string
	Batches     int
	Read        int
	Inserted    int
	Updated     int
	Removed     int
	Corrected   int
	Restored    int
	Unchanged   int
	Quarantined int
	Duplicates  int
	Conflicts   int
}

// Outcome is the result of one station run.
type Outcome struct {
	Station   string
	RunID     string
	StartedAt time.Time
	Duration  time.Duration
	DryRun    bool
	Cursor    uint64
	Resynced  bool // the cursor was reset before reading
	Phases    []*Phase
	Status    status.State
	Err       error
}

func newOutcome(station, runID string, started time.Time, dryRun bool) *Outcome {
	return &Outcome{Station: station, RunID: runID, StartedAt: started, DryRun: dryRun}
}

func (o *Outcome) phase(name string, scope reconcile.Scope) *Phase {
	p := &Phase{Name: name, Scope: scope.String()}
	o.Phases = append(o.Phases, p)
	return p
}

// Totals sums the phases.
func (o *Outcome) Totals() Phase {
	t := Phase{Name: "total"}
	for _, p := range o.Phases {
		t.Batches += p.Batches
		t.Read += p.Read
		t.Inserted += p.Inserted
		t.Updated += p.Updated
		t.Removed += p.Removed
		t.Corrected += p.Corrected
		t.Restored += p.Restored
		t.Unchanged += p.Unchanged
		t.Quarantined += p.Quarantined
		t.Duplicates += p.Duplicates
		t.Conflicts += p.Conflicts
	}
	return t
}

// ExitCode maps the outcome to the process exit code.
func (o *Outcome) ExitCode() int {
	switch {
	case o.Err != nil && errors.IsCategory(o.Err, errors.CategoryRunLock):
		return ExitLockBusy
	case o.Err != nil:
		return ExitFatal
	case o.Totals().Quarantined > 0:
		return ExitPartial
	default:
		return ExitSuccess
	}
}

// settle derives the final status from the error and counts.
func (o *Outcome) settle(err error, finished time.Time) {
	o.Err = err
	o.Duration = finished.Sub(o.StartedAt)
	switch o.ExitCode() {
	case ExitSuccess:
		o.Status = status.StateSuccess
	case ExitPartial:
		o.Status = status.StatePartial
	default:
		o.Status = status.StateError
	}
}

// Report renders the outcome as a status payload.
func (o *Outcome) Report() *status.Report {
	t := o.Totals()
	r := &status.Report{
		Station:         o.Station,
		RunID:           o.RunID,
		RunStartedAt:    o.StartedAt.UTC(),
		RowsInserted:    t.Inserted,
		RowsUpdated:     t.Updated,
		RowsRemoved:     t.Removed,
		RowsQuarantined: t.Quarantined,
		RowsDuplicate:   t.Duplicates,
		Cursor:          o.Cursor,
		DurationSeconds: o.Duration.Seconds(),
		Status:          o.Status,
	}
	if o.Err != nil {
		// Status messages leave the host; DSNs and addresses are scrubbed.
		r.Error = privacy.WrapError(o.Err).Error()
	}
	return r
}

// WorstExitCode returns the most severe exit code of outcomes, ranking
// fatal over lock busy over partial.
func WorstExitCode(outcomes []*Outcome) int {
	worst := ExitSuccess
	rank := map[int]int{ExitSuccess: 0, ExitPartial: 1, ExitLockBusy: 2, ExitFatal: 3}
	for _, o := range outcomes {
		if code := o.ExitCode(); rank[code] > rank[worst] {
			worst = code
		}
	}
	return worst
}

// reportFatal raises the error that ended a run to critical priority and
// hands it to the telemetry reporter. A busy lock or a cancelled run is
// expected operation and not reported.
func reportFatal(err error, station string) {
	switch errors.CategoryOf(err) {
	case errors.CategoryRunLock, errors.CategoryCancellation:
		return
	}
	var ee *errors.EnhancedError
	if !errors.As(err, &ee) {
		ee = errors.New(err).Component("syncer").Build()
	}
	ee.Priority = errors.PriorityCritical
	if ee.Context == nil {
		ee.Context = make(map[string]any)
	}
	if _, ok := ee.Context["station"]; !ok {
		ee.Context["station"] = station
	}
	errors.Report(ee)
}

// ExitError carries a process exit code out of a command. The cause has
// already been logged.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exit status %d", e.Code)
}

// ExitCodeOf maps a command error to a process exit code.
func ExitCodeOf(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exit *ExitError
	if errors.As(err, &exit) {
		return exit.Code
	}
	if errors.IsCategory(err, errors.CategoryRunLock) {
		return ExitLockBusy
	}
	return ExitFatal
}
