// Package cursor persists how far each station's edge store has been synced.
package cursor

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tphakala/birdnet-sync/internal/datastore"
	"github.com/tphakala/birdnet-sync/internal/logger"
	"github.com/tphakala/birdnet-sync/internal/retry"
)

// Cursor is the sync position of one station.
type Cursor struct {
	Station   string
	LastSeq   uint64
	LastRunAt *time.Time
	UpdatedAt time.Time
	Exists    bool // false until the first advance or run
}

// Store reads and writes cursors in the central store.
type Store struct {
	db     *gorm.DB
	policy retry.Policy
	log    logger.Logger
	now    func() time.Time
}

// NewStore returns a cursor store backed by the central database.
func NewStore(db *gorm.DB, policy retry.Policy, log logger.Logger) *Store {
	if log == nil {
		log = logger.NewSlogLogger(nil, logger.LogLevelInfo)
	}
	return &Store{db: db, policy: policy, log: log, now: time.Now}
}

// Read returns the station's cursor, or a zero cursor if the station has
// never been synced.
func (s *Store) Read(ctx context.Context, station string) (Cursor, error) {
	return retry.DoValue(ctx, s.policy, s.log, "read_cursor", func(ctx context.Context) (Cursor, error) {
		var rows []datastore.SyncCursor
		if err := s.db.WithContext(ctx).Where("station = ?", station).Limit(1).Find(&rows).Error; err != nil {
			return Cursor{}, datastore.Classify(err, "read_cursor")
		}
		if len(rows) == 0 {
			return Cursor{Station: station}, nil
		}
		row := rows[0]
		return Cursor{
			Station:   row.Station,
			LastSeq:   row.LastSeq,
			LastRunAt: row.LastRunAt,
			UpdatedAt: row.UpdatedAt,
			Exists:    true,
		}, nil
	})
}

// Advance moves the cursor to seq. The cursor never moves backwards: the
// stored value afterwards is max(old, seq), so replaying an older batch
// after a crash cannot rewind it. The run timestamp is left to MarkRun.
func (s *Store) Advance(ctx context.Context, station string, seq uint64) error {
	return retry.Do(ctx, s.policy, s.log, "advance_cursor", func(ctx context.Context) error {
		now := s.now().UTC()
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := ensureRow(tx, station, now); err != nil {
				return err
			}
			return tx.Model(&datastore.SyncCursor{}).
				Where("station = ? AND last_seq <= ?", station, seq).
				Updates(map[string]any{
					"last_seq":   seq,
					"updated_at": now,
				}).Error
		})
		if err != nil {
			return datastore.Classify(err, "advance_cursor")
		}
		s.log.Debug("cursor advanced",
			logger.String("station", station),
			logger.Uint64("cursor", seq))
		return nil
	})
}

// MarkRun records a completed run without moving the cursor.
func (s *Store) MarkRun(ctx context.Context, station string, at time.Time) error {
	return retry.Do(ctx, s.policy, s.log, "mark_run", func(ctx context.Context) error {
		ts := at.UTC()
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := ensureRow(tx, station, ts); err != nil {
				return err
			}
			return tx.Model(&datastore.SyncCursor{}).
				Where("station = ?", station).
				Updates(map[string]any{"last_run_at": ts, "updated_at": ts}).Error
		})
		return datastore.Classify(err, "mark_run")
	})
}

// Reset moves the cursor back to zero so the next run reads the whole edge
// store. This is the only way a cursor moves backwards.
func (s *Store) Reset(ctx context.Context, station string) error {
	return retry.Do(ctx, s.policy, s.log, "reset_cursor", func(ctx context.Context) error {
		now := s.now().UTC()
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := ensureRow(tx, station, now); err != nil {
				return err
			}
			return tx.Model(&datastore.SyncCursor{}).
				Where("station = ?", station).
				Updates(map[string]any{"last_seq": 0, "updated_at": now}).Error
		})
		if err != nil {
			return datastore.Classify(err, "reset_cursor")
		}
		s.log.Warn("cursor reset", logger.String("station", station))
		return nil
	})
}

func ensureRow(tx *gorm.DB, station string, now time.Time) error {
	row := datastore.SyncCursor{Station: station, UpdatedAt: now}
	return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error
}
