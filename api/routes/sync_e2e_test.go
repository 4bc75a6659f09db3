package routes

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/fieldsync/internal/cache"
	"github.com/angelmondragon/fieldsync/internal/media"
	"github.com/angelmondragon/fieldsync/internal/remote"
	"github.com/angelmondragon/fieldsync/internal/syncengine"
	"github.com/angelmondragon/fieldsync/internal/testutil"
	"github.com/angelmondragon/fieldsync/pkg/enums"
)

type device struct {
	cache  *cache.Cache
	queue  *media.Queue
	engine *syncengine.Engine
}

func newDevice(t *testing.T, baseURL string) *device {
	t.Helper()
	conn := testutil.NewDeviceDB(t)
	clk := testutil.NewClock()

	client, err := remote.NewHTTPClient(remote.HTTPOptions{BaseURL: baseURL, DeviceID: "tablet-1"})
	require.NoError(t, err)

	c, err := cache.New(cache.Options{DB: conn, Clock: clk})
	require.NoError(t, err)
	q, err := media.NewQueue(media.Options{
		DB:       conn.DB(),
		Remote:   client,
		Clock:    clk,
		SpoolDir: t.TempDir(),
		DeviceID: "tablet-1",
		UserID:   "surveyor-1",
	})
	require.NoError(t, err)
	engine, err := syncengine.NewService(syncengine.ServiceParams{
		DB:     conn,
		Remote: client,
		Media:  q,
		Clock:  clk,
	})
	require.NoError(t, err)
	return &device{cache: c, queue: q, engine: engine}
}

func TestDeviceFlushesAgainstSyncServer(t *testing.T) {
	srv := newTestServer(t, nil)
	dev := newDevice(t, srv.URL)
	ctx := t.Context()

	rec, err := dev.cache.Put(ctx, "surveyItem", "7", json.RawMessage(`{"qty":3}`))
	require.NoError(t, err)
	assert.Equal(t, enums.SyncStatePendingCreate, rec.SyncState)
	assert.False(t, rec.Acknowledged())

	asset, err := dev.queue.Enqueue(ctx, media.EnqueueInput{
		EntityName: "surveyItem",
		EntityID:   "7",
		FileName:   "front.png",
		Data:       pngHeader,
	})
	require.NoError(t, err)
	assert.Equal(t, enums.UploadStateQueued, asset.UploadState)

	result, err := dev.engine.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Succeeded)
	assert.Equal(t, 1, result.Media.UploadedCount)
	require.NoError(t, result.TerminalErr)

	rec, err = dev.cache.Get(ctx, "surveyItem", "7")
	require.NoError(t, err)
	assert.Equal(t, enums.SyncStateClean, rec.SyncState)
	assert.Equal(t, int64(1), rec.Version)
	require.True(t, rec.Acknowledged())

	rows, err := srv.store.ListTable(ctx, "surveyItem")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, *rec.RemoteID, rows[0].RemoteID)

	uploaded, err := dev.queue.Get(ctx, asset.LocalMediaID)
	require.NoError(t, err)
	assert.Equal(t, enums.UploadStateUploaded, uploaded.UploadState)
	require.NotNil(t, uploaded.RemoteMediaID)

	files, err := dev.queue.FetchEntityMedia(ctx, "surveyItem", "7")
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, *uploaded.RemoteMediaID, files[0].MediaID)
	assert.Equal(t, "front.png", files[0].FileName)
	assert.Equal(t, "image/png", files[0].MimeType)
}

func TestUpdateAfterFlushCarriesServerVersion(t *testing.T) {
	srv := newTestServer(t, nil)
	dev := newDevice(t, srv.URL)
	ctx := t.Context()

	_, err := dev.cache.Put(ctx, "surveyItem", "7", json.RawMessage(`{"qty":3}`))
	require.NoError(t, err)
	_, err = dev.engine.Flush(ctx)
	require.NoError(t, err)

	rec, err := dev.cache.Put(ctx, "surveyItem", "7", json.RawMessage(`{"qty":4}`))
	require.NoError(t, err)
	assert.Equal(t, enums.SyncStatePendingUpdate, rec.SyncState)

	result, err := dev.engine.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Succeeded)

	rec, err = dev.cache.Get(ctx, "surveyItem", "7")
	require.NoError(t, err)
	assert.Equal(t, int64(2), rec.Version)
	assert.Equal(t, enums.SyncStateClean, rec.SyncState)

	require.NoError(t, dev.cache.Delete(ctx, "surveyItem", "7"))
	_, err = dev.engine.Flush(ctx)
	require.NoError(t, err)

	rows, err := srv.store.ListTable(ctx, "surveyItem")
	require.NoError(t, err)
	assert.Empty(t, rows)
}
