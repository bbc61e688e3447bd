package edge

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/birdnet-sync/internal/datastore"
	"github.com/tphakala/birdnet-sync/internal/errors"
	"github.com/tphakala/birdnet-sync/internal/retry"
	"github.com/tphakala/birdnet-sync/internal/testutil"
)

func testPolicy() retry.Policy {
	p := retry.DefaultPolicy()
	p.MaxAttempts = 3
	p.BaseDelay = time.Millisecond
	p.MaxDelay = 5 * time.Millisecond
	return p
}

func seededStore(t *testing.T) *testutil.EdgeStore {
	t.Helper()
	store := testutil.NewEdgeStore(t)
	store.Insert(
		testutil.Note(3, "2025-12-20", "06:01:10", "Erithacus rubecula", "Roodborst", 0.81),
		testutil.Note(7, "2025-12-21", "07:44:00", "Turdus merula", "Merel", 0.92),
		testutil.Note(8, "2025-12-22", "05:19:01", "Parus major", "Koolmees", 0.66),
		testutil.Note(12, "2025-12-22", "05:25:30", "Cyanistes caeruleus", "Pimpelmees", 0.74),
	)
	return store
}

func TestExtractReturnsRowsAfterCursorInOrder(t *testing.T) {
	t.Parallel()

	store := seededStore(t)
	x := NewExtractor(store.Open(), "zolder", "", testPolicy(), testutil.Quiet())

	batch, err := x.Extract(context.Background(), 3, 2)
	require.NoError(t, err)
	require.Len(t, batch.Rows, 2)
	assert.Equal(t, uint64(7), batch.Rows[0].ID)
	assert.Equal(t, uint64(8), batch.Rows[1].ID)
	assert.Equal(t, uint64(8), batch.MaxSeq)

	// Gaps in the sequence are skipped without complaint
	batch, err = x.Extract(context.Background(), batch.MaxSeq, 2)
	require.NoError(t, err)
	require.Len(t, batch.Rows, 1)
	assert.Equal(t, uint64(12), batch.MaxSeq)
	assert.Equal(t, "Pimpelmees-74", batch.Rows[0].ClipName)

	batch, err = x.Extract(context.Background(), batch.MaxSeq, 2)
	require.NoError(t, err)
	assert.True(t, batch.Empty())
	assert.Zero(t, batch.MaxSeq)
}

func TestWindow(t *testing.T) {
	t.Parallel()

	x := NewExtractor(seededStore(t).Open(), "zolder", "", testPolicy(), testutil.Quiet())

	rows, err := x.Window(context.Background(), "2025-12-21")
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, uint64(7), rows[0].ID)

	rows, err = x.Window(context.Background(), "")
	require.NoError(t, err)
	assert.Len(t, rows, 4, "empty since reads the whole store")
}

func TestWindowPagesLargeStores(t *testing.T) {
	t.Parallel()

	store := testutil.NewEdgeStore(t)
	total := windowPageSize + 17
	notes := make([]datastore.EdgeNote, 0, total)
	base := time.Date(2025, 12, 22, 0, 0, 0, 0, time.UTC)
	for i := 1; i <= total; i++ {
		clock := base.Add(time.Duration(i) * time.Second).Format(time.TimeOnly)
		notes = append(notes, testutil.Note(uint64(i), "2025-12-22", clock, "Parus major", "Koolmees", 0.7))
	}
	require.NoError(t, store.DB.Table(store.Table).CreateInBatches(&notes, 500).Error)

	x := NewExtractor(store.Open(), "zolder", "", testPolicy(), testutil.Quiet())
	rows, err := x.Window(context.Background(), "2025-12-22")
	require.NoError(t, err)
	require.Len(t, rows, total)
	assert.Equal(t, uint64(total), rows[total-1].ID)
}

func TestMaxSeq(t *testing.T) {
	t.Parallel()

	empty := NewExtractor(testutil.NewEdgeStore(t).Open(), "zolder", "", testPolicy(), testutil.Quiet())
	seq, err := empty.MaxSeq(context.Background())
	require.NoError(t, err)
	assert.Zero(t, seq)

	x := NewExtractor(seededStore(t).Open(), "zolder", "", testPolicy(), testutil.Quiet())
	seq, err = x.MaxSeq(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(12), seq)
}

func TestExtractRetriesWhileEdgeIsLocked(t *testing.T) {
	t.Parallel()

	store := seededStore(t)
	db := store.Open()
	x := NewExtractor(db, "zolder", "", testPolicy(), testutil.Quiet())

	sqlDB, err := store.DB.DB()
	require.NoError(t, err)
	conn, err := sqlDB.Conn(context.Background())
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.ExecContext(context.Background(), "BEGIN EXCLUSIVE")
	require.NoError(t, err)

	released := make(chan struct{})
	go func() {
		defer close(released)
		time.Sleep(30 * time.Millisecond)
		_, _ = conn.ExecContext(context.Background(), "ROLLBACK")
	}()

	p := testPolicy()
	p.MaxAttempts = 50
	x.policy = p

	batch, err := x.Extract(context.Background(), 0, 10)
	<-released
	require.NoError(t, err)
	assert.Len(t, batch.Rows, 4)
}

func TestExtractLockedTooLongExhaustsRetries(t *testing.T) {
	t.Parallel()

	store := seededStore(t)
	db := store.Open()
	x := NewExtractor(db, "zolder", "", testPolicy(), testutil.Quiet())

	sqlDB, err := store.DB.DB()
	require.NoError(t, err)
	conn, err := sqlDB.Conn(context.Background())
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.ExecContext(context.Background(), "BEGIN EXCLUSIVE")
	require.NoError(t, err)
	defer func() { _, _ = conn.ExecContext(context.Background(), "ROLLBACK") }()

	_, err = x.Extract(context.Background(), 0, 10)
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryRetry))
}

func TestExtractFromVanishedStoreIsEdgeUnavailable(t *testing.T) {
	t.Parallel()

	store := seededStore(t)
	db := store.Open()
	x := NewExtractor(db, "zolder", "", testPolicy(), testutil.Quiet())

	// The table disappears underneath the open connection
	require.NoError(t, store.DB.Exec("ALTER TABLE notes RENAME TO notes_old").Error)

	_, err := x.Extract(context.Background(), 0, 10)
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryEdgeUnavailable))
	_, statErr := os.Stat(store.Path)
	assert.NoError(t, statErr, "the edge file itself must be left alone")
}
