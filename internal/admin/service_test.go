package admin_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/angelmondragon/fieldsync/internal/admin"
	"github.com/angelmondragon/fieldsync/internal/cache"
	"github.com/angelmondragon/fieldsync/internal/queue"
	"github.com/angelmondragon/fieldsync/internal/testutil"
	"github.com/angelmondragon/fieldsync/pkg/db"
	"github.com/angelmondragon/fieldsync/pkg/db/models"
	"github.com/angelmondragon/fieldsync/pkg/enums"
	pkgerrors "github.com/angelmondragon/fieldsync/pkg/errors"
	"github.com/angelmondragon/fieldsync/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubFetcher struct {
	mu     sync.Mutex
	tables map[string][]types.CanonicalRecord
	err    error
	calls  []string
}

func (s *stubFetcher) FetchTable(_ context.Context, table string) ([]types.CanonicalRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, table)
	if s.err != nil {
		return nil, s.err
	}
	return s.tables[table], nil
}

type fixture struct {
	client  *db.Client
	cache   *cache.Cache
	queue   *queue.Repository
	dlq     *queue.DLQRepository
	fetcher *stubFetcher
	svc     admin.Service
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	return newFixtureWithTables(t, []string{"surveyItem", "appointment"})
}

func newFixtureWithTables(t *testing.T, tables []string) fixture {
	t.Helper()
	client := testutil.NewDeviceDB(t)
	c, err := cache.New(cache.Options{DB: client, Clock: testutil.NewClock(), Tables: tables})
	require.NoError(t, err)
	f := fixture{
		client:  client,
		cache:   c,
		queue:   queue.NewRepository(client.DB()),
		dlq:     queue.NewDLQRepository(client.DB()),
		fetcher: &stubFetcher{tables: map[string][]types.CanonicalRecord{}},
	}
	f.svc, err = admin.NewService(admin.ServiceParams{
		Cache:       c,
		Queue:       f.queue,
		DeadLetters: f.dlq,
		Remote:      f.fetcher,
	})
	require.NoError(t, err)
	return f
}

func canonical(key, payload string, version int64) types.CanonicalRecord {
	return types.CanonicalRecord{
		Key:            key,
		RemoteID:       "remote-" + key,
		Version:        version,
		Payload:        json.RawMessage(payload),
		LastModifiedAt: testutil.Epoch.Add(-time.Hour),
	}
}

func TestNewServiceRequiresCache(t *testing.T) {
	_, err := admin.NewService(admin.ServiceParams{})
	require.Error(t, err)
}

func TestGetTableStatsCombinesRecordsAndQueue(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.cache.SeedCanonical(ctx, "surveyItem", []types.CanonicalRecord{canonical("1", `{}`, 1), canonical("2", `{}`, 1)}))
	_, err := f.cache.Put(ctx, "surveyItem", "2", json.RawMessage(`{"qty":1}`))
	require.NoError(t, err)
	_, err = f.cache.Put(ctx, "appointment", "a", json.RawMessage(`{}`))
	require.NoError(t, err)

	entry, err := f.queue.FindByKey(ctx, "appointment", "a")
	require.NoError(t, err)
	require.NoError(t, f.dlq.Insert(ctx, queue.FromEntry(*entry, entry.OpKind, enums.DeadLetterMaxAttempts, errors.New("gave up"), testutil.Epoch)))

	stats, err := f.svc.GetTableStats(ctx)
	require.NoError(t, err)
	require.Len(t, stats.Tables, 2)

	byTable := map[string]admin.TableStats{}
	for _, st := range stats.Tables {
		byTable[st.Table] = st
	}
	assert.Equal(t, admin.TableStats{Table: "surveyItem", Records: 2, Clean: 1, Pending: 1, Queued: 1}, byTable["surveyItem"])
	assert.Equal(t, int64(1), byTable["appointment"].DeadLetters)
	assert.Equal(t, int64(1), byTable["appointment"].Queued)

	again, err := f.svc.GetTableStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, stats, again, "stats are read-only")
}

func TestClearRefusesWhilePendingUnlessForced(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.cache.Put(ctx, "surveyItem", "7", json.RawMessage(`{"qty":3}`))
	require.NoError(t, err)

	_, err = f.svc.ClearAllCachedTables(ctx, false)
	require.Error(t, err)
	assert.True(t, pkgerrors.Is(err, pkgerrors.CodeConflict))
	_, err = f.cache.Get(ctx, "surveyItem", "7")
	require.NoError(t, err, "refused clear leaves the cache intact")

	res, err := f.svc.ClearAllCachedTables(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, admin.ClearResult{DroppedOperations: 1, UnsyncedRecords: 1}, *res)

	_, err = f.cache.Get(ctx, "surveyItem", "7")
	assert.True(t, pkgerrors.Is(err, pkgerrors.CodeNotFound))
	n, err := f.queue.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

// deadLetter moves the queued change of key to the dead-letter table and
// parks its record in Conflict, as the engine does after max attempts.
func deadLetter(t *testing.T, f fixture, table, key string) {
	t.Helper()
	ctx := context.Background()
	entry, err := f.queue.FindByKey(ctx, table, key)
	require.NoError(t, err)
	require.NoError(t, f.dlq.Insert(ctx, queue.FromEntry(*entry, entry.OpKind, enums.DeadLetterMaxAttempts, errors.New("network down"), testutil.Epoch)))
	require.NoError(t, f.queue.Delete(ctx, entry.ID))

	records := cache.NewRepository(f.client.DB())
	rec, err := records.Find(ctx, table, key)
	require.NoError(t, err)
	rec.SyncState = enums.SyncStateConflict
	require.NoError(t, records.Save(ctx, rec))
}

func TestClearRefusesWhileDeadLettersExist(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.cache.Put(ctx, "surveyItem", "7", json.RawMessage(`{"qty":3}`))
	require.NoError(t, err)
	deadLetter(t, f, "surveyItem", "7")

	n, err := f.queue.Count(ctx)
	require.NoError(t, err)
	require.Zero(t, n, "nothing left in the queue")

	_, err = f.svc.ClearAllCachedTables(ctx, false)
	require.Error(t, err)
	assert.True(t, pkgerrors.Is(err, pkgerrors.CodeConflict))
	rec, err := f.cache.Get(ctx, "surveyItem", "7")
	require.NoError(t, err)
	assert.Equal(t, enums.SyncStateConflict, rec.SyncState)

	res, err := f.svc.ClearAllCachedTables(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, admin.ClearResult{DroppedDeadLetters: 1, UnsyncedRecords: 1}, *res)

	letters, err := f.dlq.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, letters)
}

func TestClearWithoutPendingWork(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.cache.SeedCanonical(ctx, "surveyItem", []types.CanonicalRecord{canonical("1", `{}`, 1)}))

	res, err := f.svc.ClearAllCachedTables(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, admin.ClearResult{}, *res)

	rows, err := f.cache.ListByTable(ctx, "surveyItem")
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestForceReloadFailsWithConflictWhenRecordsAreDirty(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.cache.Put(ctx, "surveyItem", "7", json.RawMessage(`{"qty":3}`))
	require.NoError(t, err)

	_, err = f.svc.ForceReloadFromAPI(ctx, []string{"surveyItem"}, false)
	require.Error(t, err)
	assert.True(t, pkgerrors.Is(err, pkgerrors.CodeConflict))
	assert.Empty(t, f.fetcher.calls, "nothing is fetched when the reload is refused")
}

func TestForceReloadWithDiscardReplacesPendingRecords(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.cache.Put(ctx, "surveyItem", "7", json.RawMessage(`{"qty":3}`))
	require.NoError(t, err)
	_, err = f.cache.Put(ctx, "surveyItem", "8", json.RawMessage(`{"qty":4}`))
	require.NoError(t, err)
	f.fetcher.tables["surveyItem"] = []types.CanonicalRecord{canonical("7", `{"qty":1}`, 5)}

	res, err := f.svc.ForceReloadFromAPI(ctx, []string{"surveyItem"}, true)
	require.NoError(t, err)
	require.Len(t, res.Tables, 1)
	assert.Equal(t, admin.TableReload{Table: "surveyItem", Records: 1, DroppedOperations: 2}, res.Tables[0])

	rows, err := f.cache.ListByTable(ctx, "surveyItem")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	rec := rows[0]
	assert.Equal(t, "7", rec.Key)
	assert.Equal(t, enums.SyncStateClean, rec.SyncState)
	assert.Equal(t, int64(5), rec.Version)
	assert.JSONEq(t, `{"qty":1}`, string(rec.Payload))

	n, err := f.queue.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestForceReloadDefaultsToKnownTables(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fetcher.tables["appointment"] = []types.CanonicalRecord{canonical("a", `{}`, 1)}

	res, err := f.svc.ForceReloadFromAPI(ctx, nil, false)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"surveyItem", "appointment"}, f.fetcher.calls)
	assert.Len(t, res.Tables, 2)

	_, err = f.cache.Get(ctx, "appointment", "a")
	require.NoError(t, err)
}

func TestForceReloadKeepsCacheWhenFetchFails(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.cache.SeedCanonical(ctx, "surveyItem", []types.CanonicalRecord{canonical("1", `{}`, 1)}))
	f.fetcher.err = pkgerrors.New(pkgerrors.CodeNetwork, "offline")

	_, err := f.svc.ForceReloadFromAPI(ctx, []string{"surveyItem"}, true)
	require.Error(t, err)
	assert.True(t, pkgerrors.Is(err, pkgerrors.CodeNetwork))

	var rec *models.CacheRecord
	rec, err = f.cache.Get(ctx, "surveyItem", "1")
	require.NoError(t, err)
	assert.Equal(t, enums.SyncStateClean, rec.SyncState)
}

func TestForceReloadWithoutConfiguredTablesUsesStoredTables(t *testing.T) {
	ctx := context.Background()
	f := newFixtureWithTables(t, nil)
	_, err := f.cache.Put(ctx, "surveyItem", "7", json.RawMessage(`{"qty":3}`))
	require.NoError(t, err)

	_, err = f.svc.ForceReloadFromAPI(ctx, nil, false)
	require.Error(t, err)
	assert.True(t, pkgerrors.Is(err, pkgerrors.CodeConflict))

	f.fetcher.tables["surveyItem"] = []types.CanonicalRecord{canonical("7", `{"qty":1}`, 2)}
	res, err := f.svc.ForceReloadFromAPI(ctx, nil, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"surveyItem"}, f.fetcher.calls)
	require.Len(t, res.Tables, 1)
	assert.Equal(t, "surveyItem", res.Tables[0].Table)
}
