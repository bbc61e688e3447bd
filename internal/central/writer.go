// Package central applies write plans to the central store.
//
// A plan is written in one transaction. Each row runs inside its own
// savepoint so a row the database rejects (too long, wrong type, constraint)
// is rolled back and quarantined alone while the rest of the batch commits.
// Lock and connection failures abort the whole transaction and are retried.
package central

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tphakala/birdnet-sync/internal/datastore"
	"github.com/tphakala/birdnet-sync/internal/errors"
	"github.com/tphakala/birdnet-sync/internal/logger"
	"github.com/tphakala/birdnet-sync/internal/reconcile"
	"github.com/tphakala/birdnet-sync/internal/retry"
)

const rowSavepoint = "sync_row"

// Operations recorded on rejected rows.
const (
	OpInsert = "insert"
	OpUpdate = "update"
	OpRemove = "remove"
)

// upsertColumns are overwritten when an insert hits an existing natural key.
// created_at is left alone so a replay keeps the original creation time.
var upsertColumns = []string{
	"scientific_name", "common_name", "confidence", "label",
	"latitude", "longitude", "edge_seq", "removed", "removed_at", "last_synced_at",
}

// Rejected is a row the central store refused.
type Rejected struct {
	Key    datastore.NaturalKey
	Seq    uint64
	Op     string
	Reason string
	Err    *errors.EnhancedError
}

// WriteResult summarizes one applied plan.
type WriteResult struct {
	Inserted int
	Updated  int
	Removed  int
	Rejected []Rejected
}

// Writer applies plans to the central store.
type Writer struct {
	db     *gorm.DB
	policy retry.Policy
	log    logger.Logger
}

// NewWriter returns a writer for db.
func NewWriter(db *gorm.DB, policy retry.Policy, log logger.Logger) *Writer {
	if log == nil {
		log = logger.NewSlogLogger(nil, logger.LogLevelInfo)
	}
	return &Writer{db: db, policy: policy, log: log}
}

// Apply writes plan for station in a single transaction. The caller advances
// the cursor only after Apply returned without error. A crash between the two
// replays the batch on the next run, and the natural key upsert makes that
// replay a no-op.
func (w *Writer) Apply(ctx context.Context, station string, plan *reconcile.Result) (WriteResult, error) {
	if plan.Empty() {
		return WriteResult{}, nil
	}
	return retry.DoValue(ctx, w.policy, w.log, "write_batch", func(ctx context.Context) (WriteResult, error) {
		return w.applyOnce(ctx, station, plan)
	})
}

// applyOnce runs one transaction attempt. It returns a classified error for
// anything that is not a row level rejection.
func (w *Writer) applyOnce(ctx context.Context, station string, plan *reconcile.Result) (WriteResult, error) {
	var res WriteResult
	now := time.Now().UTC()

	err := w.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i := range plan.ToInsert {
			row := plan.ToInsert[i]
			row.ID = 0
			ok, err := w.inSavepoint(tx, station, &res, rejectedFrom(&row, OpInsert), func(tx *gorm.DB) error {
				return tx.Clauses(clause.OnConflict{
					Columns:   []clause.Column{{Name: "station"}, {Name: "date"}, {Name: "time"}},
					DoUpdates: clause.AssignmentColumns(upsertColumns),
				}).Create(&row).Error
			})
			if err != nil {
				return err
			}
			if ok {
				res.Inserted++
			}
		}

		for i := range plan.ToUpdate {
			row := plan.ToUpdate[i]
			row.LastSyncedAt = now
			ok, err := w.inSavepoint(tx, station, &res, rejectedFrom(&row, OpUpdate), func(tx *gorm.DB) error {
				return updateByKey(tx, &row)
			})
			if err != nil {
				return err
			}
			if ok {
				res.Updated++
			}
		}

		for i := range plan.ToMarkRemoved {
			row := plan.ToMarkRemoved[i]
			removedAt := now
			if row.RemovedAt != nil {
				removedAt = row.RemovedAt.UTC()
			}
			var affected int64
			ok, err := w.inSavepoint(tx, station, &res, rejectedFrom(&row, OpRemove), func(tx *gorm.DB) error {
				result := tx.Model(&datastore.Observation{}).
					Where("station = ? AND date = ? AND time = ? AND removed = ?", row.Station, row.Date, row.Time, false).
					Updates(map[string]any{
						"removed":        true,
						"removed_at":     removedAt,
						"last_synced_at": now,
					})
				affected = result.RowsAffected
				return result.Error
			})
			if err != nil {
				return err
			}
			if ok && affected > 0 {
				res.Removed++
			}
		}
		return nil
	})
	if err != nil {
		return WriteResult{}, datastore.Classify(err, "write_batch")
	}

	return res, nil
}

// updateByKey rewrites the payload of the row with the same natural key.
// If the row has vanished since classification it is inserted again.
func updateByKey(tx *gorm.DB, row *datastore.Observation) error {
	result := tx.Model(&datastore.Observation{}).
		Where("station = ? AND date = ? AND time = ?", row.Station, row.Date, row.Time).
		Updates(map[string]any{
			"scientific_name": row.ScientificName,
			"common_name":     row.CommonName,
			"confidence":      row.Confidence,
			"label":           row.Label,
			"latitude":        row.Latitude,
			"longitude":       row.Longitude,
			"edge_seq":        row.EdgeSeq,
			"removed":         row.Removed,
			"removed_at":      row.RemovedAt,
			"last_synced_at":  row.LastSyncedAt,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected > 0 {
		return nil
	}

	fresh := *row
	fresh.ID = 0
	if fresh.CreatedAt.IsZero() {
		fresh.CreatedAt = fresh.LastSyncedAt
	}
	return tx.Create(&fresh).Error
}

// inSavepoint runs fn inside a savepoint. A data-shape failure rolls back
// to the savepoint, records the row as rejected and returns ok=false with a
// nil error so the caller continues with the next row. Any other failure is
// returned and aborts the transaction.
func (w *Writer) inSavepoint(tx *gorm.DB, station string, res *WriteResult, rejected Rejected, fn func(*gorm.DB) error) (bool, error) {
	if err := tx.SavePoint(rowSavepoint).Error; err != nil {
		return false, err
	}

	err := fn(tx)
	if err == nil {
		if err := tx.Exec("RELEASE SAVEPOINT " + rowSavepoint).Error; err != nil {
			return false, err
		}
		return true, nil
	}

	if !datastore.IsDataShape(err) {
		return false, err
	}

	if rbErr := tx.RollbackTo(rowSavepoint).Error; rbErr != nil {
		return false, errors.Join(err, rbErr)
	}
	if relErr := tx.Exec("RELEASE SAVEPOINT " + rowSavepoint).Error; relErr != nil {
		return false, relErr
	}

	rejected.Reason = err.Error()
	rejected.Err = errors.New(err).
		Component("central").
		Category(errors.CategoryDataShape).
		StationContext(station, rejected.Key.Date, rejected.Key.Time).
		Context("operation", rejected.Op).
		Context("edge_seq", rejected.Seq).
		Build()
	res.Rejected = append(res.Rejected, rejected)
	w.log.Debug("row rolled back to savepoint",
		logger.String("station", station),
		logger.String("natural_key", rejected.Key.String()),
		logger.Error(rejected.Err))
	return false, nil
}

func rejectedFrom(row *datastore.Observation, op string) Rejected {
	return Rejected{Key: row.NaturalKey(), Seq: row.EdgeSeq, Op: op}
}

// String renders a rejection for status messages.
func (r Rejected) String() string {
	return fmt.Sprintf("%s %s (seq %d): %s", r.Op, r.Key, r.Seq, r.Reason)
}
