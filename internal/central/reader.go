package central

import (
	"context"
	"slices"

	"github.com/tphakala/birdnet-sync/internal/datastore"
	"github.com/tphakala/birdnet-sync/internal/retry"
)

// datesPerQuery bounds the IN list of a single lookup.
const datesPerQuery = 500

// RowsOn returns the station's central rows dated on any of dates, removed
// rows included. Classification of a batch needs these to tell a new
// detection from a replayed or corrected one.
func (w *Writer) RowsOn(ctx context.Context, station string, dates []string) ([]datastore.Observation, error) {
	dates = slices.Clone(dates)
	slices.Sort(dates)
	dates = slices.Compact(dates)

	var all []datastore.Observation
	for chunk := range slices.Chunk(dates, datesPerQuery) {
		rows, err := retry.DoValue(ctx, w.policy, w.log, "read_central", func(ctx context.Context) ([]datastore.Observation, error) {
			var rows []datastore.Observation
			err := w.db.WithContext(ctx).
				Where("station = ? AND date IN ?", station, chunk).
				Find(&rows).Error
			if err != nil {
				return nil, datastore.Classify(err, "read_central")
			}
			return rows, nil
		})
		if err != nil {
			return nil, err
		}
		all = append(all, rows...)
	}
	return all, nil
}

// RowsSince returns the station's central rows dated on or after since, or
// all of them when since is empty. Removed rows are included.
func (w *Writer) RowsSince(ctx context.Context, station, since string) ([]datastore.Observation, error) {
	return retry.DoValue(ctx, w.policy, w.log, "read_central", func(ctx context.Context) ([]datastore.Observation, error) {
		var rows []datastore.Observation
		q := w.db.WithContext(ctx).Where("station = ?", station)
		if since != "" {
			q = q.Where("date >= ?", since)
		}
		if err := q.Order("date, time").Find(&rows).Error; err != nil {
			return nil, datastore.Classify(err, "read_central")
		}
		return rows, nil
	})
}
