package syncer

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/tphakala/birdnet-sync/internal/central"
	"github.com/tphakala/birdnet-sync/internal/cursor"
	"github.com/tphakala/birdnet-sync/internal/datastore"
	"github.com/tphakala/birdnet-sync/internal/edge"
	"github.com/tphakala/birdnet-sync/internal/logger"
	"github.com/tphakala/birdnet-sync/internal/observability"
	"github.com/tphakala/birdnet-sync/internal/retry"
	"github.com/tphakala/birdnet-sync/internal/status"
	"github.com/tphakala/birdnet-sync/internal/testutil"
)

const station = "zolder"

// lockedBuffer is a bytes.Buffer safe for concurrent log writes.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) count(msg string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.Count(b.buf.String(), `"msg":"`+msg+`"`)
}

// recordingSink keeps every published report.
type recordingSink struct {
	mu      sync.Mutex
	reports []status.Report
}

func (s *recordingSink) Publish(_ context.Context, r *status.Report) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports = append(s.reports, *r)
	return true
}

func (s *recordingSink) all() []status.Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]status.Report(nil), s.reports...)
}

// final returns the reports that close a run.
func (s *recordingSink) final() []status.Report {
	var out []status.Report
	for _, r := range s.all() {
		if r.Status != status.StateRunning {
			out = append(out, r)
		}
	}
	return out
}

func testPolicy() retry.Policy {
	p := retry.DefaultPolicy()
	p.MaxAttempts = 3
	p.BaseDelay = time.Millisecond
	p.MaxDelay = 5 * time.Millisecond
	p.MaxElapsed = time.Second
	return p
}

// harness is one station with a real edge store and a real central store.
type harness struct {
	t          *testing.T
	edge       *testutil.EdgeStore
	edgeDB     *gorm.DB
	central    *gorm.DB
	cursors    *cursor.Store
	writer     *central.Writer
	sink       *recordingSink
	quarantine *lockedBuffer
	metrics    *observability.Metrics
	now        time.Time
	runs       int
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	db := testutil.NewCentral(t)
	m, err := observability.NewMetrics()
	require.NoError(t, err)

	h := &harness{
		t:          t,
		central:    db,
		cursors:    cursor.NewStore(db, testPolicy(), testutil.Quiet()),
		writer:     central.NewWriter(db, testPolicy(), testutil.Quiet()),
		sink:       &recordingSink{},
		quarantine: &lockedBuffer{},
		metrics:    m,
		now:        time.Date(2025, 12, 23, 6, 0, 0, 0, time.Local),
	}
	h.replaceEdge()
	return h
}

// replaceEdge swaps in a new, empty edge store holding notes, the way a
// station reinstall would.
func (h *harness) replaceEdge(notes ...datastore.EdgeNote) {
	h.t.Helper()
	h.edge = testutil.NewEdgeStore(h.t)
	h.edge.Insert(notes...)
	h.edgeDB = h.edge.Open()
}

func (h *harness) deps() Deps {
	return Deps{
		Edge:       edge.NewExtractor(h.edgeDB, station, h.edge.Table, testPolicy(), testutil.Quiet()),
		Central:    h.writer,
		Cursors:    h.cursors,
		Status:     h.sink,
		Metrics:    h.metrics.Sync,
		Log:        testutil.Quiet(),
		Quarantine: logger.NewSlogLogger(h.quarantine, logger.LogLevelInfo),
		Now:        func() time.Time { return h.now },
	}
}

func (h *harness) run(opts Options) *Outcome {
	h.t.Helper()
	return h.runWith(context.Background(), h.deps(), opts)
}

func (h *harness) runWith(ctx context.Context, deps Deps, opts Options) *Outcome {
	h.t.Helper()
	h.runs++
	return NewEngine(station, deps, opts).Run(ctx, "run-"+strings.Repeat("x", h.runs))
}

func (h *harness) rows() []datastore.Observation {
	return testutil.Observations(h.t, h.central, station)
}

func (h *harness) cursor() cursor.Cursor {
	h.t.Helper()
	c, err := h.cursors.Read(context.Background(), station)
	require.NoError(h.t, err)
	return c
}

func defaultOptions() Options {
	return Options{BatchSize: 100, RevalidationDays: 7}
}

// koolmees is the detection corrected in several tests.
func koolmees() datastore.EdgeNote {
	return testutil.Note(501, "2025-12-22", "05:19:01", "Parus major", "Koolmees", 0.66)
}

func stationNotes() []datastore.EdgeNote {
	return []datastore.EdgeNote{
		testutil.Note(3, "2025-12-20", "06:01:10", "Erithacus rubecula", "Roodborst", 0.81),
		testutil.Note(7, "2025-12-21", "07:44:00", "Turdus merula", "Merel", 0.92),
		koolmees(),
	}
}
