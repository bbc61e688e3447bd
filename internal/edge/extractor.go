// Package edge reads detections from a station's local database.
//
// The capture process owns the edge store and keeps writing to it while a
// sync runs, so every query goes through the retry layer and lock contention
// is absorbed there. Nothing in this package writes to the edge store.
package edge

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/tphakala/birdnet-sync/internal/datastore"
	"github.com/tphakala/birdnet-sync/internal/errors"
	"github.com/tphakala/birdnet-sync/internal/logger"
	"github.com/tphakala/birdnet-sync/internal/retry"
)

// windowPageSize bounds a single window query.
const windowPageSize = 5000

// Batch is one slice of the edge store in sequence order.
type Batch struct {
	Rows   []datastore.EdgeNote
	MaxSeq uint64 // highest sequence number in Rows, 0 when empty
}

// Empty reports whether the batch carries no rows.
func (b Batch) Empty() bool {
	return len(b.Rows) == 0
}

// Extractor reads one station's edge store.
type Extractor struct {
	db      *gorm.DB
	table   string
	station string
	policy  retry.Policy
	log     logger.Logger
}

// NewExtractor returns an extractor over db, which must have been opened
// with datastore.OpenEdge.
func NewExtractor(db *gorm.DB, station, table string, policy retry.Policy, log logger.Logger) *Extractor {
	if table == "" {
		table = datastore.DefaultEdgeTable
	}
	if log == nil {
		log = logger.NewSlogLogger(nil, logger.LogLevelInfo)
	}
	return &Extractor{
		db:      db,
		table:   table,
		station: station,
		policy:  policy,
		log:     log.With(logger.String("edge_table", table)),
	}
}

// Extract returns up to limit rows with a sequence number above afterSeq,
// ascending. Gaps in the sequence are normal: the capture process deletes
// rows and SQLite does not reuse their ids.
func (e *Extractor) Extract(ctx context.Context, afterSeq uint64, limit int) (Batch, error) {
	rows, err := retry.DoValue(ctx, e.policy, e.log, "extract_batch", func(ctx context.Context) ([]datastore.EdgeNote, error) {
		var rows []datastore.EdgeNote
		err := e.db.WithContext(ctx).
			Table(e.table).
			Where("id > ?", afterSeq).
			Order("id ASC").
			Limit(limit).
			Find(&rows).Error
		if err != nil {
			return nil, datastore.Classify(err, "extract_batch")
		}
		return rows, nil
	})
	if err != nil {
		return Batch{}, e.fail(err, "extract_batch", afterSeq)
	}

	batch := Batch{Rows: rows}
	if n := len(rows); n > 0 {
		batch.MaxSeq = rows[n-1].ID
	}

	e.log.Debug("extracted batch",
		logger.Uint64("after_seq", afterSeq),
		logger.Int("rows", len(rows)),
		logger.Uint64("max_seq", batch.MaxSeq))

	return batch, nil
}

// Window returns every row dated on or after since (YYYY-MM-DD), or the
// whole store when since is empty. Rows are read in id order, page by page.
func (e *Extractor) Window(ctx context.Context, since string) ([]datastore.EdgeNote, error) {
	var (
		all     []datastore.EdgeNote
		lastSeq uint64
	)

	for {
		page, err := retry.DoValue(ctx, e.policy, e.log, "extract_window", func(ctx context.Context) ([]datastore.EdgeNote, error) {
			var rows []datastore.EdgeNote
			q := e.db.WithContext(ctx).Table(e.table).Where("id > ?", lastSeq)
			if since != "" {
				q = q.Where("date >= ?", since)
			}
			if err := q.Order("id ASC").Limit(windowPageSize).Find(&rows).Error; err != nil {
				return nil, datastore.Classify(err, "extract_window")
			}
			return rows, nil
		})
		if err != nil {
			return nil, e.fail(err, "extract_window", lastSeq)
		}

		all = append(all, page...)
		if len(page) < windowPageSize {
			break
		}
		lastSeq = page[len(page)-1].ID
	}

	e.log.Debug("extracted window",
		logger.String("since", since),
		logger.Int("rows", len(all)))

	return all, nil
}

// MaxSeq returns the highest sequence number in the edge store, 0 when the
// store is empty.
func (e *Extractor) MaxSeq(ctx context.Context) (uint64, error) {
	seq, err := retry.DoValue(ctx, e.policy, e.log, "edge_max_seq", func(ctx context.Context) (uint64, error) {
		var maxSeq uint64
		row := e.db.WithContext(ctx).
			Table(e.table).
			Select("COALESCE(MAX(id), 0)").
			Row()
		if err := row.Scan(&maxSeq); err != nil {
			return 0, datastore.Classify(err, "edge_max_seq")
		}
		return maxSeq, nil
	})
	if err != nil {
		return 0, e.fail(err, "edge_max_seq", 0)
	}
	return seq, nil
}

// fail turns a read failure into an edge-unavailable error unless it
// already carries a category the orchestrator handles differently.
func (e *Extractor) fail(err error, operation string, afterSeq uint64) error {
	switch errors.CategoryOf(err) {
	case errors.CategoryRetry, errors.CategoryCancellation, errors.CategoryEdgeUnavailable:
		return err
	}
	return errors.New(fmt.Errorf("edge store %s unreadable: %w", e.station, err)).
		Component("edge").
		Category(errors.CategoryEdgeUnavailable).
		Priority(errors.PriorityHigh).
		Context("operation", operation).
		Context("station", e.station).
		Context("after_seq", afterSeq).
		Build()
}
