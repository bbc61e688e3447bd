// errors_helper.go: driver error classification and enhanced error helpers
package datastore

import (
	"context"
	"database/sql/driver"
	"io"
	"net"
	"strings"
	"syscall"

	mysqldrv "github.com/go-sql-driver/mysql"
	"github.com/mattn/go-sqlite3"

	"github.com/tphakala/birdnet-sync/internal/errors"
)

// MySQL server error numbers the engine reacts to.
const (
	mysqlErrDBAccessDenied    = 1044
	mysqlErrAccessDenied      = 1045
	mysqlErrBadNull           = 1048
	mysqlErrDupEntry          = 1062
	mysqlErrLockWaitTimeout   = 1205
	mysqlErrLockDeadlock      = 1213
	mysqlErrTruncatedValue    = 1292
	mysqlErrBadValue          = 1366
	mysqlErrDataTooLong       = 1406
	mysqlErrOutOfRange        = 1264
	mysqlErrTooManyConns      = 1040
	mysqlErrServerShutdown    = 1053
	mysqlErrAccessDeniedNoPwd = 1698
)

// Category maps a driver error to the sync error taxonomy. It understands
// mattn/go-sqlite3 result codes, MySQL server error numbers and network
// failures, then falls back to the message heuristics of the errors package.
func Category(err error) errors.ErrorCategory {
	if err == nil {
		return ""
	}
	if c := errors.CategoryOf(err); isSyncCategory(c) {
		return c
	}

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked:
			return errors.CategoryStoreLocked
		case sqlite3.ErrConstraint, sqlite3.ErrMismatch, sqlite3.ErrTooBig, sqlite3.ErrRange:
			return errors.CategoryDataShape
		case sqlite3.ErrAuth, sqlite3.ErrPerm:
			return errors.CategoryAuthentication
		case sqlite3.ErrCantOpen, sqlite3.ErrNotADB, sqlite3.ErrCorrupt:
			return errors.CategoryDatabase
		}
	}

	var mysqlErr *mysqldrv.MySQLError
	if errors.As(err, &mysqlErr) {
		switch mysqlErr.Number {
		case mysqlErrLockWaitTimeout, mysqlErrLockDeadlock:
			return errors.CategoryStoreLocked
		case mysqlErrDupEntry, mysqlErrDataTooLong, mysqlErrBadValue,
			mysqlErrTruncatedValue, mysqlErrBadNull, mysqlErrOutOfRange:
			return errors.CategoryDataShape
		case mysqlErrAccessDenied, mysqlErrDBAccessDenied, mysqlErrAccessDeniedNoPwd:
			return errors.CategoryAuthentication
		case mysqlErrTooManyConns, mysqlErrServerShutdown:
			return errors.CategoryConnectionReset
		}
	}

	switch {
	case errors.Is(err, context.Canceled):
		return errors.CategoryCancellation
	case errors.Is(err, context.DeadlineExceeded):
		return errors.CategoryTimeout
	case errors.Is(err, driver.ErrBadConn),
		errors.Is(err, mysqldrv.ErrInvalidConn),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, syscall.ECONNREFUSED):
		return errors.CategoryConnectionReset
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return errors.CategoryTimeout
	}

	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "constraint failed") || strings.Contains(msg, "datatype mismatch") {
		return errors.CategoryDataShape
	}

	return errors.DetectCategory(err)
}

// Classify wraps a driver error in an EnhancedError carrying its sync
// category. Errors that already carry a sync category are returned as is.
func Classify(err error, operation string) error {
	if err == nil {
		return nil
	}
	if isSyncCategory(errors.CategoryOf(err)) {
		return err
	}
	return errors.New(err).
		Component("datastore").
		Category(Category(err)).
		Context("operation", operation).
		Build()
}

// IsDataShape reports whether err is a row level failure that should
// quarantine the row instead of failing the batch.
func IsDataShape(err error) bool {
	return Category(err) == errors.CategoryDataShape
}

// isSyncCategory reports whether c is specific enough to act on.
func isSyncCategory(c errors.ErrorCategory) bool {
	switch c {
	case "", errors.CategoryGeneric, errors.CategoryDatabase:
		return false
	}
	return true
}

// dbError creates a standardized database error with context
func dbError(err error, operation string, priority string, ctx ...any) error {
	builder := errors.New(err).
		Component("datastore").
		Category(Category(err)).
		Context("operation", operation).
		Priority(priority)

	for i := 0; i+1 < len(ctx); i += 2 {
		if key, ok := ctx[i].(string); ok {
			builder = builder.Context(key, ctx[i+1])
		}
	}

	return builder.Build()
}

func edgeUnavailable(err error, path, operation string) error {
	category := errors.CategoryEdgeUnavailable
	if c := Category(err); c == errors.CategoryStoreLocked || c == errors.CategoryCancellation {
		category = c
	}
	return errors.New(err).
		Component("datastore").
		Category(category).
		Priority(errors.PriorityHigh).
		Context("operation", operation).
		Context("edge_path", path).
		Build()
}

func centralUnavailable(err error, operation string) error {
	return errors.New(err).
		Component("datastore").
		Category(errors.CategoryCentralUnavailable).
		Priority(errors.PriorityHigh).
		Context("operation", operation).
		Build()
}

// openError keeps authentication and cancellation distinct from a plain
// unreachable central store.
func openError(err error, operation string) error {
	switch Category(err) {
	case errors.CategoryAuthentication:
		return errors.New(err).
			Component("datastore").
			Category(errors.CategoryAuthentication).
			Priority(errors.PriorityHigh).
			Context("operation", operation).
			Build()
	case errors.CategoryCancellation:
		return Classify(err, operation)
	default:
		return centralUnavailable(err, operation)
	}
}
