// Package runlock keeps two runs for the same station from overlapping.
//
// The lock is an exclusive OS lock on <dir>/<station>.lock taken without
// blocking. The kernel drops it when the process exits, so a crashed run never
// leaves a stale lock behind.
package runlock

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/tphakala/birdnet-sync/internal/errors"
)

// Lock is a held station lock.
type Lock struct {
	station string
	path    string
	file    *os.File
}

// Acquire takes the station lock in dir. If another run holds it the error
// has category run-lock.
func Acquire(dir, station string) (*Lock, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, lockError(err, dir, station, errors.CategoryFileIO)
	}

	path := filepath.Join(dir, station+".lock")
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o640)
	if err != nil {
		return nil, lockError(err, path, station, errors.CategoryFileIO)
	}

	if err := lockFile(f); err != nil {
		_ = f.Close()
		if isBusy(err) {
			return nil, errors.Newf("station %s is already being synced (lock %s held)", station, path).
				Component("runlock").
				Category(errors.CategoryRunLock).
				Context("station", station).
				Context("lock_file", path).
				Build()
		}
		return nil, lockError(err, path, station, errors.CategoryFileIO)
	}

	// Owner details help when someone inspects a lock by hand
	_ = f.Truncate(0)
	_, _ = fmt.Fprintf(f, "pid=%s\nstarted=%s\n", strconv.Itoa(os.Getpid()), time.Now().UTC().Format(time.RFC3339))

	return &Lock{station: station, path: path, file: f}, nil
}

// Path returns the lock file path.
func (l *Lock) Path() string { return l.path }

// Release drops the lock. The lock file itself stays; removing it would let
// a waiting run lock a different inode than a third one.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	f := l.file
	l.file = nil
	unlockErr := unlockFile(f)
	closeErr := f.Close()
	if err := errors.Join(unlockErr, closeErr); err != nil {
		return lockError(err, l.path, l.station, errors.CategoryFileIO)
	}
	return nil
}

func lockError(err error, path, station string, category errors.ErrorCategory) error {
	return errors.New(err).
		Component("runlock").
		Category(category).
		Context("station", station).
		Context("lock_file", path).
		Build()
}
