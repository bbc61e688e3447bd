package reconcile

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/birdnet-sync/internal/datastore"
)

var (
	syncedAt = time.Date(2025, 12, 22, 6, 0, 0, 0, time.UTC)
	now      = time.Date(2025, 12, 23, 6, 0, 0, 0, time.UTC)
)

func note(seq uint64, date, clock, scientific, label string, confidence float64) datastore.EdgeNote {
	return datastore.EdgeNote{
		ID:             seq,
		Date:           date,
		Time:           clock,
		ScientificName: scientific,
		CommonName:     label[:len(label)-3],
		Confidence:     datastore.Score(confidence),
		ClipName:       label,
	}
}

func central(id uint, n datastore.EdgeNote) datastore.Observation {
	return datastore.Observation{
		ID:             id,
		Station:        "zolder",
		Date:           n.Date,
		Time:           n.Time,
		ScientificName: n.ScientificName,
		CommonName:     n.CommonName,
		Confidence:     float64(n.Confidence),
		Label:          n.ClipName,
		EdgeSeq:        n.ID,
		CreatedAt:      syncedAt,
		LastSyncedAt:   syncedAt,
	}
}

func TestClassifyNewRowsAreInserted(t *testing.T) {
	t.Parallel()

	res := Classify(Input{
		Station: "zolder",
		Edge: []datastore.EdgeNote{
			note(12, "2025-12-22", "05:25:30", "Cyanistes caeruleus", "Pimpelmees-74", 0.74),
			note(8, "2025-12-22", "05:19:01", "Parus major", "Koolmees-66", 0.66),
		},
		Scope: NoRemoval(),
		Now:   now,
	})

	require.Len(t, res.ToInsert, 2)
	assert.Equal(t, uint64(8), res.ToInsert[0].EdgeSeq, "inserts follow edge sequence order")
	assert.Equal(t, "zolder", res.ToInsert[0].Station)
	assert.Equal(t, now, res.ToInsert[0].CreatedAt)
	assert.Equal(t, now, res.ToInsert[0].LastSyncedAt)
	assert.Empty(t, res.ToUpdate)
	assert.Empty(t, res.ToMarkRemoved)
	assert.False(t, res.Empty())
}

func TestClassifyUnchangedRowsAreSkipped(t *testing.T) {
	t.Parallel()

	n := note(501, "2025-12-22", "05:19:01", "Parus major", "Koolmees-66", 0.66)
	res := Classify(Input{
		Station: "zolder",
		Edge:    []datastore.EdgeNote{n},
		Central: []datastore.Observation{central(1, n)},
		Scope:   Since("2025-12-16"),
		Now:     now,
	})

	assert.True(t, res.Empty())
	assert.Equal(t, 1, res.Unchanged)
}

// A human corrects Koolmees to Pimpelmees on the station; the central row
// keeps its identity and creation time.
func TestClassifyCorrectionUpdatesInPlace(t *testing.T) {
	t.Parallel()

	before := note(501, "2025-12-22", "05:19:01", "Parus major", "Koolmees-66", 0.66)
	after := note(501, "2025-12-22", "05:19:01", "Cyanistes caeruleus", "Pimpelmees-71", 0.71)

	res := Classify(Input{
		Station: "zolder",
		Edge:    []datastore.EdgeNote{after},
		Central: []datastore.Observation{central(42, before)},
		Scope:   Since("2025-12-16"),
		Now:     now,
	})

	assert.Empty(t, res.ToInsert)
	assert.Empty(t, res.ToMarkRemoved)
	require.Len(t, res.ToUpdate, 1)
	assert.Equal(t, 1, res.Corrected)

	updated := res.ToUpdate[0]
	assert.Equal(t, uint(42), updated.ID)
	assert.Equal(t, "Cyanistes caeruleus", updated.ScientificName)
	assert.Equal(t, "Pimpelmees", updated.CommonName)
	assert.Equal(t, "Pimpelmees-71", updated.Label)
	assert.InDelta(t, 0.71, updated.Confidence, 1e-9)
	assert.Equal(t, syncedAt, updated.CreatedAt)
	assert.Equal(t, now, updated.LastSyncedAt)
	assert.Equal(t, "2025-12-22", updated.Date)
	assert.Equal(t, "05:19:01", updated.Time)
}

func TestClassifyLabelOnlyChangeIsCorrection(t *testing.T) {
	t.Parallel()

	before := note(7, "2025-12-21", "07:44:00", "Turdus merula", "Merel-92", 0.92)
	after := before
	after.ClipName = "Merel-93"

	res := Classify(Input{
		Station: "zolder",
		Edge:    []datastore.EdgeNote{after},
		Central: []datastore.Observation{central(3, before)},
		Now:     now,
	})
	require.Len(t, res.ToUpdate, 1)
	assert.Equal(t, "Merel-93", res.ToUpdate[0].Label)
}

func TestClassifyMissingKeysAreRemovedWithinScope(t *testing.T) {
	t.Parallel()

	kept := note(8, "2025-12-22", "05:19:01", "Parus major", "Koolmees-66", 0.66)
	deleted := note(9, "2025-12-22", "05:20:00", "Pica pica", "Ekster-55", 0.55)
	old := note(2, "2025-11-01", "12:00:00", "Corvus corone", "Zwarte kraai-80", 0.80)

	rows := []datastore.Observation{central(1, kept), central(2, deleted), central(3, old)}

	res := Classify(Input{
		Station: "zolder",
		Edge:    []datastore.EdgeNote{kept},
		Central: rows,
		Scope:   Since("2025-12-16"),
		Now:     now,
	})

	require.Len(t, res.ToMarkRemoved, 1, "rows older than the window are never judged")
	removed := res.ToMarkRemoved[0]
	assert.Equal(t, uint(2), removed.ID)
	assert.True(t, removed.Removed)
	require.NotNil(t, removed.RemovedAt)
	assert.Equal(t, now, *removed.RemovedAt)

	full := Classify(Input{
		Station: "zolder",
		Edge:    []datastore.EdgeNote{kept},
		Central: rows,
		Scope:   All(),
		Now:     now,
	})
	require.Len(t, full.ToMarkRemoved, 2)
	assert.Equal(t, "2025-11-01", full.ToMarkRemoved[0].Date, "removals are ordered by natural key")
}

func TestClassifyIncrementalNeverRemoves(t *testing.T) {
	t.Parallel()

	gone := note(9, "2025-12-22", "05:20:00", "Pica pica", "Ekster-55", 0.55)
	res := Classify(Input{
		Station: "zolder",
		Central: []datastore.Observation{central(2, gone)},
		Scope:   NoRemoval(),
		Now:     now,
	})
	assert.True(t, res.Empty())
}

func TestClassifyAlreadyRemovedRowsStayRemoved(t *testing.T) {
	t.Parallel()

	gone := central(2, note(9, "2025-12-22", "05:20:00", "Pica pica", "Ekster-55", 0.55))
	gone.Removed = true
	gone.RemovedAt = &syncedAt

	res := Classify(Input{Station: "zolder", Central: []datastore.Observation{gone}, Scope: All(), Now: now})
	assert.True(t, res.Empty(), "a removed row is not removed twice")
}

func TestClassifyReappearingKeyIsRestored(t *testing.T) {
	t.Parallel()

	n := note(640, "2025-12-22", "05:20:00", "Pica pica", "Ekster-55", 0.55)
	gone := central(2, n)
	gone.EdgeSeq = 9
	gone.Removed = true
	gone.RemovedAt = &syncedAt

	res := Classify(Input{
		Station: "zolder",
		Edge:    []datastore.EdgeNote{n},
		Central: []datastore.Observation{gone},
		Scope:   Since("2025-12-16"),
		Now:     now,
	})

	require.Len(t, res.ToUpdate, 1)
	assert.Empty(t, res.ToInsert)
	assert.Equal(t, 1, res.Restored)
	restored := res.ToUpdate[0]
	assert.Equal(t, uint(2), restored.ID)
	assert.False(t, restored.Removed)
	assert.Nil(t, restored.RemovedAt)
	assert.Equal(t, uint64(640), restored.EdgeSeq)
}

func TestClassifyQuarantinesMalformedRows(t *testing.T) {
	t.Parallel()

	good := note(1, "2025-12-22", "05:19:01", "Parus major", "Koolmees-66", 0.66)
	noSpecies := note(2, "2025-12-22", "05:19:30", "  ", "Onbekend-50", 0.5)
	badConfidence := note(3, "2025-12-22", "05:20:00", "Pica pica", "Ekster-55", 1.7)
	nanConfidence := note(4, "2025-12-22", "05:21:00", "Pica pica", "Ekster-55", 0.5)
	nanConfidence.Confidence = datastore.Score(math.NaN())
	badDate := note(5, "22-12-2025", "05:22:00", "Pica pica", "Ekster-55", 0.5)
	badTime := note(6, "2025-12-22", "5:22", "Pica pica", "Ekster-55", 0.5)

	res := Classify(Input{
		Station: "zolder",
		Edge:    []datastore.EdgeNote{good, noSpecies, badConfidence, nanConfidence, badDate, badTime},
		Scope:   NoRemoval(),
		Now:     now,
	})

	require.Len(t, res.ToInsert, 1)
	assert.Equal(t, uint64(1), res.ToInsert[0].EdgeSeq)

	reasons := map[uint64]string{}
	for _, q := range res.Quarantined {
		reasons[q.Seq] = q.Reason
	}
	assert.Equal(t, map[uint64]string{
		2: ReasonNoSpecies,
		3: ReasonBadConfidence,
		4: ReasonBadConfidence,
		5: ReasonBadDate,
		6: ReasonBadTime,
	}, reasons)
}

// A malformed edge row still proves its detection exists, so the central
// copy must not be marked removed because of it.
func TestClassifyQuarantinedKeyIsProtectedFromRemoval(t *testing.T) {
	t.Parallel()

	synced := note(9, "2025-12-22", "05:20:00", "Pica pica", "Ekster-55", 0.55)
	broken := synced
	broken.Confidence = datastore.Score(math.NaN())

	res := Classify(Input{
		Station: "zolder",
		Edge:    []datastore.EdgeNote{broken},
		Central: []datastore.Observation{central(2, synced)},
		Scope:   Since("2025-12-16"),
		Now:     now,
	})

	assert.Len(t, res.Quarantined, 1)
	assert.Empty(t, res.ToMarkRemoved)
	assert.Empty(t, res.ToUpdate)
}

func TestClassifyEdgeDuplicateKeepsHighestSequence(t *testing.T) {
	t.Parallel()

	first := note(10, "2025-12-22", "05:19:01", "Parus major", "Koolmees-66", 0.66)
	second := note(11, "2025-12-22", "05:19:01", "Cyanistes caeruleus", "Pimpelmees-71", 0.71)

	for _, order := range [][]datastore.EdgeNote{{first, second}, {second, first}} {
		res := Classify(Input{Station: "zolder", Edge: order, Scope: NoRemoval(), Now: now})
		require.Len(t, res.ToInsert, 1)
		assert.Equal(t, uint64(11), res.ToInsert[0].EdgeSeq)
		require.Len(t, res.Duplicates, 1)
		assert.Equal(t, uint64(10), res.Duplicates[0].Seq)
		assert.Equal(t, ReasonDuplicateKey, res.Duplicates[0].Reason)
	}
}

func TestClassifyCentralConflictPrefersMostRecentlySynced(t *testing.T) {
	t.Parallel()

	n := note(501, "2025-12-22", "05:19:01", "Cyanistes caeruleus", "Pimpelmees-71", 0.71)
	stale := central(1, note(501, "2025-12-22", "05:19:01", "Parus major", "Koolmees-66", 0.66))
	fresh := central(2, n)
	fresh.LastSyncedAt = syncedAt.Add(time.Hour)

	res := Classify(Input{
		Station: "zolder",
		Edge:    []datastore.EdgeNote{n},
		Central: []datastore.Observation{fresh, stale},
		Scope:   All(),
		Now:     now,
	})

	require.Len(t, res.Conflicts, 1)
	assert.Equal(t, uint(1), res.Conflicts[0].ID)
	assert.Equal(t, 1, res.Unchanged, "the fresh copy already matches the edge")
	assert.True(t, res.Empty(), "the conflicting copy is left untouched")
}

func TestClassifyIsDeterministic(t *testing.T) {
	t.Parallel()

	edge := []datastore.EdgeNote{
		note(3, "2025-12-20", "06:01:10", "Erithacus rubecula", "Roodborst-81", 0.81),
		note(7, "2025-12-21", "07:44:00", "Turdus merula", "Merel-92", 0.92),
		note(8, "2025-12-22", "05:19:01", "Parus major", "Koolmees-66", 0.66),
	}
	rows := []datastore.Observation{
		central(1, note(1, "2025-12-19", "06:00:00", "Pica pica", "Ekster-55", 0.55)),
		central(2, note(2, "2025-12-19", "06:30:00", "Pica pica", "Ekster-60", 0.60)),
	}

	first := Classify(Input{Station: "zolder", Edge: edge, Central: rows, Scope: All(), Now: now})
	for range 10 {
		again := Classify(Input{Station: "zolder", Edge: edge, Central: rows, Scope: All(), Now: now})
		assert.Equal(t, first, again)
	}
}

func TestScopeString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "none", NoRemoval().String())
	assert.Equal(t, "since 2025-12-16", Since("2025-12-16").String())
	assert.Equal(t, "all", All().String())
}
