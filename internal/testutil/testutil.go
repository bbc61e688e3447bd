// Package testutil provides shared test utilities for birdnet-sync.
// These helpers stand up real SQLite stores so tests exercise the same
// gorm code paths as production instead of mocks.
package testutil

import (
	"context"
	"fmt"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/tphakala/birdnet-sync/internal/conf"
	"github.com/tphakala/birdnet-sync/internal/datastore"
	"github.com/tphakala/birdnet-sync/internal/logger"
)

// Common test timeout constants.
const (
	// DefaultTestTimeout is the standard timeout for most async test operations.
	DefaultTestTimeout = 5 * time.Second

	// ShortTestTimeout is for operations expected to complete quickly.
	ShortTestTimeout = 1 * time.Second
)

// WaitForChannel waits for a value on ch or fails after timeout.
func WaitForChannel[T any](t *testing.T, ch <-chan T, timeout time.Duration, msg string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(timeout):
		require.FailNow(t, msg)
	}
	var zero T
	return zero
}

// Quiet returns a logger that only prints errors.
func Quiet() logger.Logger {
	return logger.NewSlogLogger(nil, logger.LogLevelError)
}

// Note builds an edge detection whose label follows the capture process
// convention of common name plus confidence percentage, e.g. "Koolmees-66".
func Note(seq uint64, date, clock, scientific, common string, confidence float64) datastore.EdgeNote {
	return datastore.EdgeNote{
		ID:             seq,
		Date:           date,
		Time:           clock,
		ScientificName: scientific,
		CommonName:     common,
		Confidence:     datastore.Score(confidence),
		ClipName:       Label(common, confidence),
	}
}

// Label renders the capture process label for a species and confidence.
func Label(common string, confidence float64) string {
	return fmt.Sprintf("%s-%d", common, int(math.Round(confidence*100)))
}

// EdgeStore is a writable station database; tests use it to play the part
// of the capture process while the engine reads the same file read-only.
type EdgeStore struct {
	Path  string
	Table string
	DB    *gorm.DB
	t     *testing.T
}

// NewEdgeStore creates an empty station database in a temp dir.
func NewEdgeStore(t *testing.T) *EdgeStore {
	t.Helper()

	path := filepath.Join(t.TempDir(), "birdnet.db")
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: gormlogger.Discard})
	require.NoError(t, err)
	t.Cleanup(func() { _ = datastore.Close(db) })

	require.NoError(t, db.Table(datastore.DefaultEdgeTable).AutoMigrate(&datastore.EdgeNote{}))

	return &EdgeStore{Path: path, Table: datastore.DefaultEdgeTable, DB: db, t: t}
}

// Insert writes detections as the capture process would.
func (e *EdgeStore) Insert(notes ...datastore.EdgeNote) {
	e.t.Helper()
	for i := range notes {
		require.NoError(e.t, e.DB.Table(e.Table).Create(&notes[i]).Error)
	}
}

// Correct applies a human species correction to the detection with seq.
func (e *EdgeStore) Correct(seq uint64, scientific, common string, confidence float64) {
	e.t.Helper()
	res := e.DB.Table(e.Table).Where("id = ?", seq).Updates(map[string]any{
		"scientific_name": scientific,
		"common_name":     common,
		"confidence":      confidence,
		"clip_name":       Label(common, confidence),
	})
	require.NoError(e.t, res.Error)
	require.Equal(e.t, int64(1), res.RowsAffected, "no edge row with seq %d", seq)
}

// Delete removes detections, as a user deleting false positives would.
func (e *EdgeStore) Delete(seqs ...uint64) {
	e.t.Helper()
	require.NoError(e.t, e.DB.Table(e.Table).Where("id IN ?", seqs).Delete(&datastore.EdgeNote{}).Error)
}

// Open opens the store read-only through the production code path.
func (e *EdgeStore) Open() *gorm.DB {
	e.t.Helper()
	db, err := datastore.OpenEdge(context.Background(), e.Path, e.Table, time.Second, Quiet())
	require.NoError(e.t, err)
	e.t.Cleanup(func() { _ = datastore.Close(db) })
	return db
}

// CentralSettings returns settings for a SQLite central store in a temp dir.
func CentralSettings(t *testing.T) conf.CentralSettings {
	t.Helper()
	return conf.CentralSettings{
		Type:         "sqlite",
		SQLite:       conf.SQLiteSettings{Path: filepath.Join(t.TempDir(), "central.db")},
		MaxOpenConns: 1,
	}
}

// NewCentral opens a migrated SQLite central store.
func NewCentral(t *testing.T) *gorm.DB {
	t.Helper()
	settings := CentralSettings(t)
	db, err := datastore.OpenCentral(context.Background(), &settings, Quiet())
	require.NoError(t, err)
	t.Cleanup(func() { _ = datastore.Close(db) })
	return db
}

// Observations returns every central row of station ordered by natural key,
// removed rows included.
func Observations(t *testing.T, db *gorm.DB, station string) []datastore.Observation {
	t.Helper()
	var rows []datastore.Observation
	require.NoError(t, db.Where("station = ?", station).Order("date, time").Find(&rows).Error)
	return rows
}
