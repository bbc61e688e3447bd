package datastore

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/tphakala/birdnet-sync/internal/conf"
	"github.com/tphakala/birdnet-sync/internal/errors"
	"github.com/tphakala/birdnet-sync/internal/logger"
)

// createEdgeFile creates a writable station database holding notes, the way
// the capture process would, and returns its path and handle.
func createEdgeFile(t *testing.T, notes ...EdgeNote) (string, *gorm.DB) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "birdnet.db")
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: gormlogger.Discard})
	require.NoError(t, err)
	t.Cleanup(func() { _ = Close(db) })

	require.NoError(t, db.Table(DefaultEdgeTable).AutoMigrate(&EdgeNote{}))
	if len(notes) > 0 {
		require.NoError(t, db.Table(DefaultEdgeTable).Create(&notes).Error)
	}
	return path, db
}

func testLogger() logger.Logger {
	return logger.NewSlogLogger(nil, logger.LogLevelError)
}

func TestOpenEdgeMissingFile(t *testing.T) {
	t.Parallel()

	_, err := OpenEdge(context.Background(), filepath.Join(t.TempDir(), "absent.db"), "", time.Second, testLogger())
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryEdgeUnavailable))
}

func TestOpenEdgeMissingTable(t *testing.T) {
	t.Parallel()

	path, _ := createEdgeFile(t)
	_, err := OpenEdge(context.Background(), path, "detections", time.Second, testLogger())
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryEdgeUnavailable))
	assert.Contains(t, err.Error(), "detections")
}

func TestOpenEdgeIsReadOnly(t *testing.T) {
	t.Parallel()

	path, _ := createEdgeFile(t, EdgeNote{ID: 1, Date: "2025-12-22", Time: "05:19:01", ScientificName: "Parus major", Confidence: 0.66})

	db, err := OpenEdge(context.Background(), path, "", time.Second, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = Close(db) })

	var count int64
	require.NoError(t, db.Table(DefaultEdgeTable).Count(&count).Error)
	assert.Equal(t, int64(1), count)

	err = db.Table(DefaultEdgeTable).Where("id = ?", 1).Update("clip_name", "changed").Error
	require.Error(t, err, "edge connection must refuse writes")
}

func TestOpenEdgeBusyIsStoreLocked(t *testing.T) {
	t.Parallel()

	path, writer := createEdgeFile(t, EdgeNote{ID: 1, Date: "2025-12-22", Time: "05:19:01", ScientificName: "Parus major", Confidence: 0.66})

	db, err := OpenEdge(context.Background(), path, "", 50*time.Millisecond, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = Close(db) })

	// Hold an exclusive lock like a capture process in the middle of a write
	sqlDB, err := writer.DB()
	require.NoError(t, err)
	conn, err := sqlDB.Conn(context.Background())
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.ExecContext(context.Background(), "BEGIN EXCLUSIVE")
	require.NoError(t, err)
	defer func() { _, _ = conn.ExecContext(context.Background(), "ROLLBACK") }()

	var notes []EdgeNote
	err = db.Table(DefaultEdgeTable).Find(&notes).Error
	require.Error(t, err)
	assert.Equal(t, errors.CategoryStoreLocked, Category(err))
}

func TestEdgeDSN(t *testing.T) {
	t.Parallel()

	dsn := edgeDSN("/var/lib/birdnet/birdnet.db", 2*time.Second)
	assert.True(t, strings.HasPrefix(dsn, "file:/var/lib/birdnet/birdnet.db?"))
	assert.Contains(t, dsn, "mode=ro")
	assert.Contains(t, dsn, "_busy_timeout=2000")
}

func TestCentralMySQLDSN(t *testing.T) {
	t.Parallel()

	dsn := centralMySQLDSN(&conf.MySQLSettings{
		Host:     "db.example.org",
		Port:     3306,
		Username: "sync",
		Password: "p@ss:word",
		Database: "birds",
	}, 5*time.Second)

	assert.True(t, strings.HasPrefix(dsn, "sync:p@ss:word@tcp(db.example.org:3306)/birds?"))
	assert.Contains(t, dsn, "parseTime=true")
	assert.Contains(t, dsn, "timeout=5s")
	assert.Contains(t, dsn, "charset=utf8mb4")
}

func openTestCentral(t *testing.T) *gorm.DB {
	t.Helper()

	settings := &conf.CentralSettings{
		Type:   "sqlite",
		SQLite: conf.SQLiteSettings{Path: filepath.Join(t.TempDir(), "central", "central.db")},
	}
	db, err := OpenCentral(context.Background(), settings, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = Close(db) })
	return db
}

func TestOpenCentralSQLiteMigrates(t *testing.T) {
	t.Parallel()

	db := openTestCentral(t)

	assert.True(t, db.Migrator().HasTable(&Observation{}))
	assert.True(t, db.Migrator().HasTable(&SyncCursor{}))
	assert.True(t, db.Migrator().HasIndex(&Observation{}, "idx_observations_natural_key"))

	// Running migrations again is harmless
	require.NoError(t, Migrate(context.Background(), db))
}

func TestNaturalKeyIsUniqueAcrossRemovedRows(t *testing.T) {
	t.Parallel()

	db := openTestCentral(t)
	now := time.Now().UTC()
	removedAt := now

	first := Observation{
		Station: "zolder", Date: "2025-12-22", Time: "05:19:01",
		ScientificName: "Parus major", Confidence: 0.66, Label: "Koolmees-66",
		EdgeSeq: 501, Removed: true, RemovedAt: &removedAt,
		CreatedAt: now, LastSyncedAt: now,
	}
	require.NoError(t, db.Create(&first).Error)

	dup := first
	dup.ID = 0
	dup.Removed = false
	dup.RemovedAt = nil
	err := db.Create(&dup).Error
	require.Error(t, err)
	assert.Equal(t, errors.CategoryDataShape, Category(err))
}

func TestOpenCentralUnsupportedType(t *testing.T) {
	t.Parallel()

	_, err := OpenCentral(context.Background(), &conf.CentralSettings{Type: "postgres"}, testLogger())
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryConfiguration))
}

func TestOpenCentralUnwritableDirectory(t *testing.T) {
	t.Parallel()

	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0o600))

	settings := &conf.CentralSettings{
		Type:   "sqlite",
		SQLite: conf.SQLiteSettings{Path: filepath.Join(blocker, "central.db")},
	}
	_, err := OpenCentral(context.Background(), settings, testLogger())
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryCentralUnavailable))
}
