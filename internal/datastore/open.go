// open.go: connection setup for edge and central stores
package datastore

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	mysqldrv "github.com/go-sql-driver/mysql"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/tphakala/birdnet-sync/internal/conf"
	"github.com/tphakala/birdnet-sync/internal/errors"
	"github.com/tphakala/birdnet-sync/internal/logger"
)

const (
	defaultBusyTimeout   = 5 * time.Second
	defaultSlowThreshold = 500 * time.Millisecond
)

// OpenEdge opens a station's detection database read-only. The capture
// process keeps writing while we read, so the connection waits up to
// busyTimeout for its locks before SQLite reports SQLITE_BUSY.
func OpenEdge(ctx context.Context, path, table string, busyTimeout time.Duration, log logger.Logger) (*gorm.DB, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, edgeUnavailable(err, path, "stat edge database")
	}
	if busyTimeout <= 0 {
		busyTimeout = defaultBusyTimeout
	}

	dsn := edgeDSN(path, busyTimeout)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                 logger.NewGormLoggerAdapter(log, defaultSlowThreshold),
		SkipDefaultTransaction: true,
	})
	if err != nil {
		return nil, edgeUnavailable(err, path, "open edge database")
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, edgeUnavailable(err, path, "get edge connection pool")
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, edgeUnavailable(err, path, "ping edge database")
	}

	if table == "" {
		table = DefaultEdgeTable
	}
	if !db.WithContext(ctx).Migrator().HasTable(table) {
		_ = sqlDB.Close()
		return nil, edgeUnavailable(fmt.Errorf("table %q not found", table), path, "check edge table")
	}

	return db, nil
}

// edgeDSN builds a read-only SQLite URI for mattn/go-sqlite3.
func edgeDSN(path string, busyTimeout time.Duration) string {
	params := url.Values{}
	params.Set("mode", "ro")
	params.Set("_busy_timeout", strconv.FormatInt(busyTimeout.Milliseconds(), 10))
	params.Set("_query_only", "true")
	return "file:" + path + "?" + params.Encode()
}

// OpenCentral connects to the central store and creates the engine's own
// tables when they are missing.
func OpenCentral(ctx context.Context, settings *conf.CentralSettings, log logger.Logger) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch settings.Type {
	case "mysql":
		dialector = mysql.Open(centralMySQLDSN(&settings.MySQL, settings.ConnectTimeout))
	case "sqlite", "":
		if err := ensureParentDir(settings.SQLite.Path); err != nil {
			return nil, centralUnavailable(err, "create central database directory")
		}
		dialector = sqlite.Open(centralSQLiteDSN(settings.SQLite.Path))
	default:
		return nil, errors.Newf("unsupported central store type %q", settings.Type).
			Component("datastore").
			Category(errors.CategoryConfiguration).
			Build()
	}

	slow := settings.SlowQueryThreshold
	if slow <= 0 {
		slow = defaultSlowThreshold
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.NewGormLoggerAdapter(log, slow),
	})
	if err != nil {
		return nil, openError(err, "open central database")
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, centralUnavailable(err, "get central connection pool")
	}

	if settings.Type == "mysql" {
		maxOpen := max(settings.MaxOpenConns, 1)
		sqlDB.SetMaxOpenConns(maxOpen)
		sqlDB.SetMaxIdleConns(maxOpen)
		sqlDB.SetConnMaxLifetime(30 * time.Minute)
	} else {
		// One writer at a time; waiting for the pool beats SQLITE_BUSY
		sqlDB.SetMaxOpenConns(1)
	}

	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, openError(err, "ping central database")
	}

	if err := Migrate(ctx, db); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}

	return db, nil
}

// Migrate creates or updates the observations and sync_cursors tables.
func Migrate(ctx context.Context, db *gorm.DB) error {
	if err := db.WithContext(ctx).AutoMigrate(CentralModels()...); err != nil {
		return dbError(err, "auto_migrate", errors.PriorityCritical)
	}
	return nil
}

// Close releases the connection pool behind db.
func Close(db *gorm.DB) error {
	if db == nil {
		return nil
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func centralMySQLDSN(s *conf.MySQLSettings, connectTimeout time.Duration) string {
	cfg := mysqldrv.NewConfig()
	cfg.User = s.Username
	cfg.Passwd = s.Password
	cfg.Net = "tcp"
	cfg.Addr = net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
	cfg.DBName = s.Database
	cfg.ParseTime = true
	cfg.ClientFoundRows = true // RowsAffected counts matched rows, as SQLite does
	cfg.Loc = time.UTC
	cfg.Timeout = connectTimeout
	cfg.TLSConfig = s.TLS
	cfg.Params = map[string]string{"charset": "utf8mb4"}
	return cfg.FormatDSN()
}

func centralSQLiteDSN(path string) string {
	params := url.Values{}
	params.Set("_busy_timeout", strconv.FormatInt(defaultBusyTimeout.Milliseconds(), 10))
	params.Set("_journal_mode", "WAL")
	params.Set("_txlock", "immediate")
	return "file:" + path + "?" + params.Encode()
}

func ensureParentDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "" || dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0o750)
}
