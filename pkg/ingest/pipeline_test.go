package ingest

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guardianworks/destiny-activity-client/internal/testutil"
	"github.com/guardianworks/destiny-activity-client/pkg/client"
	"github.com/guardianworks/destiny-activity-client/pkg/ratelimit"
	"github.com/guardianworks/destiny-activity-client/pkg/storage"
)

var testPlayer = storage.Player{
	DestinyID: 4611686018467284386,
	DiscordID: 219517105249189888,
	System:    3,
}

func newTestPipeline(t *testing.T, mock *testutil.MockBungie, cfg Config) (*Pipeline, *storage.SQLiteStore) {
	t.Helper()

	store, err := storage.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	api, err := client.New(client.Config{
		APIKey:   "test-key",
		MaxTries: 3,
		Limiter:  ratelimit.New(ratelimit.Config{MaxTokens: 1 << 20, Window: time.Second}),
	})
	require.NoError(t, err)

	cfg.BaseURL = mock.URL()
	return New(api, store, NewDedup(), cfg), store
}

// setEntries registers history entries for a character and a generated
// carnage report for each of them.
func setEntries(mock *testutil.MockBungie, charID int64, entries []testutil.HistoryEntry) {
	mock.SetHistory(charID, entries)
	for _, e := range entries {
		mock.SetReport(e.InstanceID, e.Period, nil)
	}
}

func TestIngest_PersistsFullHistoryAndIsIdempotent(t *testing.T) {
	mock := testutil.NewMockBungie()
	defer mock.Close()

	base := time.Now().UTC().Truncate(time.Second)
	mock.SetCharacters(testPlayer.DestinyID, 100, 200)
	setEntries(mock, 100, []testutil.HistoryEntry{
		{InstanceID: 11, Period: base.Add(-1 * time.Hour)},
		{InstanceID: 12, Period: base.Add(-2 * time.Hour)},
		{InstanceID: 13, Period: base.Add(-3 * time.Hour)},
	})
	// Match 12 shows up on both characters; it must be fetched once.
	setEntries(mock, 200, []testutil.HistoryEntry{
		{InstanceID: 12, Period: base.Add(-2 * time.Hour)},
		{InstanceID: 14, Period: base.Add(-4 * time.Hour)},
	})

	p, store := newTestPipeline(t, mock, Config{PageSize: 250, BatchSize: 50})
	ctx := context.Background()

	require.NoError(t, p.Ingest(ctx, testPlayer, time.Time{}))

	count, err := store.CountMatches(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, count)
	assert.Equal(t, 1, mock.PGCRRequests[12], "shared match fetched once")

	cursor, err := store.GetCursor(ctx, testPlayer.DestinyID)
	require.NoError(t, err)
	assert.Equal(t, base.Add(-1*time.Hour).Unix(), cursor.Unix())

	// A second run over the same history changes nothing and fetches no
	// carnage reports.
	require.NoError(t, p.Ingest(ctx, testPlayer, time.Time{}))

	count, err = store.CountMatches(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, count)
	for _, id := range []int64{11, 12, 13, 14} {
		assert.Equal(t, 1, mock.PGCRRequests[id], "instance %d refetched", id)
	}
}

func TestIngest_StopsAtCursor(t *testing.T) {
	mock := testutil.NewMockBungie()
	defer mock.Close()

	since := time.Now().UTC().Truncate(time.Second).Add(-24 * time.Hour)
	mock.SetCharacters(testPlayer.DestinyID, 100)
	setEntries(mock, 100, []testutil.HistoryEntry{
		{InstanceID: 21, Period: since.Add(5 * time.Minute)},
		{InstanceID: 22, Period: since.Add(3 * time.Minute)},
		{InstanceID: 23, Period: since.Add(-1 * time.Minute)},
		{InstanceID: 24, Period: since.Add(-10 * time.Minute)},
	})

	p, store := newTestPipeline(t, mock, Config{PageSize: 250, BatchSize: 50})
	ctx := context.Background()

	require.NoError(t, p.Ingest(ctx, testPlayer, since))

	count, err := store.CountMatches(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count, "only entries after the cursor are ingested")
	assert.Zero(t, mock.PGCRRequests[23], "entry before cursor must not be fetched")
	assert.Zero(t, mock.PGCRRequests[24], "entry before cursor must not be fetched")

	cursor, err := store.GetCursor(ctx, testPlayer.DestinyID)
	require.NoError(t, err)
	assert.Equal(t, since.Add(5*time.Minute).Unix(), cursor.Unix())
}

func TestIngest_PagesThroughHistory(t *testing.T) {
	mock := testutil.NewMockBungie()
	defer mock.Close()

	base := time.Now().UTC().Truncate(time.Second)
	mock.SetCharacters(testPlayer.DestinyID, 100)

	var entries []testutil.HistoryEntry
	for i := 0; i < 7; i++ {
		entries = append(entries, testutil.HistoryEntry{
			InstanceID: int64(30 + i),
			Period:     base.Add(-time.Duration(i) * time.Hour),
		})
	}
	setEntries(mock, 100, entries)

	p, store := newTestPipeline(t, mock, Config{PageSize: 3, BatchSize: 50})
	require.NoError(t, p.Ingest(context.Background(), testPlayer, time.Time{}))

	count, err := store.CountMatches(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, count)
}

func TestIngest_FailedFetchIsIsolated(t *testing.T) {
	mock := testutil.NewMockBungie()
	defer mock.Close()

	base := time.Now().UTC().Truncate(time.Second)
	mock.SetCharacters(testPlayer.DestinyID, 100)

	var entries []testutil.HistoryEntry
	for i := 0; i < 7; i++ {
		entries = append(entries, testutil.HistoryEntry{
			InstanceID: int64(40 + i),
			Period:     base.Add(-time.Duration(i) * time.Hour),
		})
	}
	setEntries(mock, 100, entries)

	// The newest match fails its detail fetch. 404 classifies as terminal
	// so the client does not retry it.
	mock.FailReport(40, http.StatusNotFound)

	p, store := newTestPipeline(t, mock, Config{PageSize: 250, BatchSize: 5})
	ctx := context.Background()

	require.NoError(t, p.Ingest(ctx, testPlayer, time.Time{}))

	count, err := store.CountMatches(ctx)
	require.NoError(t, err)
	assert.Equal(t, 6, count, "failure must not take down the rest of the batch")

	pending, err := store.ListPendingFetches(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, int64(40), pending[0].InstanceID)

	// The failed match has the newest period, so the cursor stays behind
	// it: the next incremental run must see this match again.
	cursor, err := store.GetCursor(ctx, testPlayer.DestinyID)
	require.NoError(t, err)
	assert.Equal(t, base.Add(-1*time.Hour).Unix(), cursor.Unix())

	// Once upstream recovers, the retry pass drains the queue.
	mock.FailReport(40, 0)
	require.NoError(t, p.RetryPending(ctx))

	count, err = store.CountMatches(ctx)
	require.NoError(t, err)
	assert.Equal(t, 7, count)

	pending, err = store.ListPendingFetches(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestIngest_FlushesAtBatchBoundary(t *testing.T) {
	mock := testutil.NewMockBungie()
	defer mock.Close()

	base := time.Now().UTC().Truncate(time.Second)
	mock.SetCharacters(testPlayer.DestinyID, 100)

	var entries []testutil.HistoryEntry
	for i := 0; i < 7; i++ {
		entries = append(entries, testutil.HistoryEntry{
			InstanceID: int64(50 + i),
			Period:     base.Add(-time.Duration(i) * time.Hour),
		})
	}
	setEntries(mock, 100, entries)

	// The oldest entry fails terminally. With BatchSize 5 the first five
	// matches were already committed by the time the failure happens, so
	// they must survive it.
	mock.FailReport(56, http.StatusNotFound)

	p, store := newTestPipeline(t, mock, Config{PageSize: 250, BatchSize: 5})
	ctx := context.Background()

	require.NoError(t, p.Ingest(ctx, testPlayer, time.Time{}))

	count, err := store.CountMatches(ctx)
	require.NoError(t, err)
	assert.Equal(t, 6, count)

	for _, id := range []int64{50, 51, 52, 53, 54} {
		exists, err := store.MatchExists(ctx, id)
		require.NoError(t, err)
		assert.True(t, exists, "match %d from the first batch missing", id)
	}
}

func TestIngest_SkipsMatchesAlreadyInStorage(t *testing.T) {
	mock := testutil.NewMockBungie()
	defer mock.Close()

	base := time.Now().UTC().Truncate(time.Second)
	mock.SetCharacters(testPlayer.DestinyID, 100)
	setEntries(mock, 100, []testutil.HistoryEntry{
		{InstanceID: 61, Period: base.Add(-1 * time.Hour)},
		{InstanceID: 62, Period: base.Add(-2 * time.Hour)},
	})

	p, store := newTestPipeline(t, mock, Config{PageSize: 250, BatchSize: 50})
	ctx := context.Background()

	// 62 was persisted by an earlier process; the claim set is empty.
	require.NoError(t, store.InsertMatchBatch(ctx, []storage.Match{{
		InstanceID: 62,
		Period:     base.Add(-2 * time.Hour),
	}}))

	require.NoError(t, p.Ingest(ctx, testPlayer, time.Time{}))

	count, err := store.CountMatches(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	assert.Zero(t, mock.PGCRRequests[62], "persisted match must not be refetched")
	assert.Equal(t, 1, mock.PGCRRequests[61])
}

func TestIngest_UpstreamDownStopsCleanly(t *testing.T) {
	mock := testutil.NewMockBungie()
	defer mock.Close()

	mock.Handle("/Destiny2/3/Account/4611686018467284386/Stats/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"ErrorCode": 5, "ErrorStatus": "SystemDisabled", "Message": "down"}`))
	})

	p, store := newTestPipeline(t, mock, Config{PageSize: 250, BatchSize: 50})
	ctx := context.Background()

	// An outage is not an error; the run just ends without progress.
	require.NoError(t, p.Ingest(ctx, testPlayer, time.Time{}))

	cursor, err := store.GetCursor(ctx, testPlayer.DestinyID)
	require.NoError(t, err)
	assert.True(t, cursor.IsZero(), "cursor must not move during an outage")
}

func TestIngest_OutageMidRunReleasesClaims(t *testing.T) {
	mock := testutil.NewMockBungie()
	defer mock.Close()

	base := time.Now().UTC().Truncate(time.Second)
	mock.SetCharacters(testPlayer.DestinyID, 100, 200)
	setEntries(mock, 100, []testutil.HistoryEntry{
		{InstanceID: 91, Period: base.Add(-1 * time.Hour)},
		{InstanceID: 92, Period: base.Add(-2 * time.Hour)},
	})

	// The second character's history endpoint is down, so the run stops
	// before the first character's candidates ever get flushed.
	downPath := "/Destiny2/3/Account/4611686018467284386/Character/200/Stats/Activities/"
	mock.Handle(downPath, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"ErrorCode": 5, "ErrorStatus": "SystemDisabled", "Message": "down"}`))
	})

	p, store := newTestPipeline(t, mock, Config{PageSize: 250, BatchSize: 50})
	ctx := context.Background()

	require.NoError(t, p.Ingest(ctx, testPlayer, time.Time{}))

	count, err := store.CountMatches(ctx)
	require.NoError(t, err)
	assert.Zero(t, count, "nothing was flushed before the outage")
	assert.Zero(t, p.dedup.Size(), "unfetched candidates must not stay claimed")

	// After recovery the same matches must still be ingestable.
	mock.Handle(downPath, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"Response": {}, "ErrorCode": 1, "ErrorStatus": "Success"}`))
	})

	require.NoError(t, p.Ingest(ctx, testPlayer, time.Time{}))

	count, err = store.CountMatches(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count, "matches from the interrupted run must be recovered")
}

func TestIngest_EmptyHistory(t *testing.T) {
	mock := testutil.NewMockBungie()
	defer mock.Close()

	mock.SetCharacters(testPlayer.DestinyID, 100)

	p, store := newTestPipeline(t, mock, Config{PageSize: 250, BatchSize: 50})
	ctx := context.Background()

	require.NoError(t, p.Ingest(ctx, testPlayer, time.Time{}))

	count, err := store.CountMatches(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)

	cursor, err := store.GetCursor(ctx, testPlayer.DestinyID)
	require.NoError(t, err)
	assert.True(t, cursor.IsZero())
}

func TestRetryPending_AlreadyPersistedElsewhere(t *testing.T) {
	mock := testutil.NewMockBungie()
	defer mock.Close()

	base := time.Now().UTC().Truncate(time.Second)

	p, store := newTestPipeline(t, mock, Config{PageSize: 250, BatchSize: 50})
	ctx := context.Background()

	require.NoError(t, store.InsertPendingFetch(ctx, storage.PendingFetch{InstanceID: 71, Period: base}))
	require.NoError(t, store.InsertMatchBatch(ctx, []storage.Match{{InstanceID: 71, Period: base}}))

	require.NoError(t, p.RetryPending(ctx))

	pending, err := store.ListPendingFetches(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending, "record for a persisted match must be dropped")
	assert.Zero(t, mock.PGCRRequests[71], "no fetch needed for a persisted match")
	assert.False(t, p.dedup.TryClaim(71), "retried match must be marked persisted")
}

func TestRetryPending_StillFailingStaysQueued(t *testing.T) {
	mock := testutil.NewMockBungie()
	defer mock.Close()

	base := time.Now().UTC().Truncate(time.Second)
	mock.SetReport(81, base, nil)
	mock.FailReport(81, http.StatusNotFound)

	p, store := newTestPipeline(t, mock, Config{PageSize: 250, BatchSize: 50})
	ctx := context.Background()

	require.NoError(t, store.InsertPendingFetch(ctx, storage.PendingFetch{InstanceID: 81, Period: base}))

	require.NoError(t, p.RetryPending(ctx))

	pending, err := store.ListPendingFetches(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1, "still-failing fetch stays queued")

	// Next sweep after recovery drains it.
	mock.FailReport(81, 0)
	require.NoError(t, p.RetryPending(ctx))

	pending, err = store.ListPendingFetches(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	exists, err := store.MatchExists(ctx, 81)
	require.NoError(t, err)
	assert.True(t, exists)
}
