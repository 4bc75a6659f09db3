package syncengine_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/angelmondragon/fieldsync/internal/cache"
	"github.com/angelmondragon/fieldsync/internal/connectivity"
	"github.com/angelmondragon/fieldsync/internal/media"
	"github.com/angelmondragon/fieldsync/internal/queue"
	"github.com/angelmondragon/fieldsync/internal/remote"
	"github.com/angelmondragon/fieldsync/internal/syncengine"
	"github.com/angelmondragon/fieldsync/internal/testutil"
	"github.com/angelmondragon/fieldsync/pkg/clock"
	"github.com/angelmondragon/fieldsync/pkg/db"
	"github.com/angelmondragon/fieldsync/pkg/enums"
	pkgerrors "github.com/angelmondragon/fieldsync/pkg/errors"
	"github.com/angelmondragon/fieldsync/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type serverEntity struct {
	version  int64
	payload  json.RawMessage
	deleted  bool
	modified time.Time
}

type remoteCall struct {
	op      string
	table   string
	key     string
	version int64
	idemKey string
}

// fakeRemote is an in-memory authority with optimistic versioning and
// idempotency-key replay.
type fakeRemote struct {
	mu       sync.Mutex
	entities map[string]*serverEntity
	replays  map[string]types.EntityAck
	failures []error
	calls    []remoteCall
	hook     func(ctx context.Context, call remoteCall) error
	now      time.Time
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		entities: map[string]*serverEntity{},
		replays:  map[string]types.EntityAck{},
		now:      testutil.Epoch,
	}
}

func (f *fakeRemote) failNext(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = append(f.failures, errs...)
}

func (f *fakeRemote) put(table, key string, version int64, payload string, modified time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entities[table+"/"+key] = &serverEntity{version: version, payload: json.RawMessage(payload), modified: modified}
}

func (f *fakeRemote) entity(table, key string) *serverEntity {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.entities[table+"/"+key]
}

func (f *fakeRemote) recorded() []remoteCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]remoteCall(nil), f.calls...)
}

func (f *fakeRemote) begin(ctx context.Context, call remoteCall) error {
	call.idemKey = remote.IdempotencyKeyFrom(ctx)
	f.mu.Lock()
	f.calls = append(f.calls, call)
	hook := f.hook
	f.mu.Unlock()
	if hook != nil {
		if err := hook(ctx, call); err != nil {
			return err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.failures) > 0 {
		err := f.failures[0]
		f.failures = f.failures[1:]
		return err
	}
	return nil
}

func (f *fakeRemote) conflict(id string, ent *serverEntity) error {
	return pkgerrors.New(pkgerrors.CodeConflict, "version mismatch").WithDetails(types.ConflictDetails{
		RemoteID:       id,
		Version:        ent.version,
		Payload:        ent.payload,
		Deleted:        ent.deleted,
		LastModifiedAt: ent.modified,
	})
}

func (f *fakeRemote) CreateOrUpdateEntity(ctx context.Context, table, key string, payload json.RawMessage, version int64) (types.EntityAck, error) {
	if err := f.begin(ctx, remoteCall{op: "put", table: table, key: key, version: version}); err != nil {
		return types.EntityAck{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	idem := remote.IdempotencyKeyFrom(ctx)
	if ack, ok := f.replays[idem]; ok && idem != "" {
		return ack, nil
	}
	id := "remote-" + key
	ent, ok := f.entities[table+"/"+key]
	switch {
	case !ok:
		ent = &serverEntity{version: 1}
		f.entities[table+"/"+key] = ent
	case ent.version != version:
		return types.EntityAck{}, f.conflict(id, ent)
	default:
		ent.version++
	}
	ent.payload = payload
	ent.deleted = false
	ent.modified = f.now
	ack := types.EntityAck{RemoteID: id, Version: ent.version}
	f.replays[idem] = ack
	return ack, nil
}

func (f *fakeRemote) DeleteEntity(ctx context.Context, table, key string, version int64) error {
	if err := f.begin(ctx, remoteCall{op: "delete", table: table, key: key, version: version}); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	ent, ok := f.entities[table+"/"+key]
	if !ok || ent.deleted {
		return pkgerrors.New(pkgerrors.CodeNotFound, "entity not found")
	}
	if ent.version != version {
		return f.conflict("remote-"+key, ent)
	}
	ent.version++
	ent.deleted = true
	return nil
}

type fakeConnectivity struct {
	mu    sync.Mutex
	state connectivity.State
	subs  map[int]func(connectivity.State)
	next  int
}

func newFakeConnectivity(connected bool) *fakeConnectivity {
	return &fakeConnectivity{state: connectivity.State{Connected: connected}, subs: map[int]func(connectivity.State){}}
}

func (c *fakeConnectivity) CurrentState() connectivity.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *fakeConnectivity) Subscribe(fn func(connectivity.State)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.next
	c.next++
	c.subs[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.subs, id)
	}
}

func (c *fakeConnectivity) set(connected bool) {
	c.mu.Lock()
	c.state = connectivity.State{Connected: connected, Since: testutil.Epoch}
	subs := make([]func(connectivity.State), 0, len(c.subs))
	for _, fn := range c.subs {
		subs = append(subs, fn)
	}
	state := c.state
	c.mu.Unlock()
	for _, fn := range subs {
		fn(state)
	}
}

func (c *fakeConnectivity) subscribers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

type fakeMedia struct {
	mu      sync.Mutex
	batches int
	order   *[]string
}

func (m *fakeMedia) UploadBatch(context.Context, int) (media.BatchResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches++
	if m.order != nil {
		*m.order = append(*m.order, "media")
	}
	return media.BatchResult{}, nil
}

func (m *fakeMedia) Recover(context.Context) (int64, error) { return 0, nil }

// failingDB fails every transaction once armed.
type failingDB struct {
	*db.Client
	mu    sync.Mutex
	armed bool
}

func (f *failingDB) arm(on bool) {
	f.mu.Lock()
	f.armed = on
	f.mu.Unlock()
}

func (f *failingDB) WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	f.mu.Lock()
	armed := f.armed
	f.mu.Unlock()
	if armed {
		return errors.New("disk I/O error")
	}
	return f.Client.WithTx(ctx, fn)
}

type harness struct {
	db     *db.Client
	clock  *clock.Manual
	cache  *cache.Cache
	remote *fakeRemote
	queue  *queue.Repository
	dlq    *queue.DLQRepository
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	client := testutil.NewDeviceDB(t)
	clk := testutil.NewClock()
	c, err := cache.New(cache.Options{DB: client, Clock: clk, Tables: []string{"surveyItem", "appointment"}})
	require.NoError(t, err)
	return &harness{
		db:     client,
		clock:  clk,
		cache:  c,
		remote: newFakeRemote(),
		queue:  queue.NewRepository(client.DB()),
		dlq:    queue.NewDLQRepository(client.DB()),
	}
}

func (h *harness) engine(t *testing.T, mutate func(p *syncengine.ServiceParams)) *syncengine.Engine {
	t.Helper()
	params := syncengine.ServiceParams{
		DB:     h.db,
		Remote: h.remote,
		Clock:  h.clock,
		Retry:  queue.RetryPolicy{Base: time.Second, Factor: 2, Cap: time.Minute, MaxAttempts: 3},
	}
	if mutate != nil {
		mutate(&params)
	}
	engine, err := syncengine.NewService(params)
	require.NoError(t, err)
	return engine
}

func (h *harness) seed(t *testing.T, key, payload string, version int64, modified time.Time) {
	t.Helper()
	require.NoError(t, h.cache.SeedCanonical(context.Background(), "surveyItem", []types.CanonicalRecord{{
		Key:            key,
		RemoteID:       "remote-" + key,
		Version:        version,
		Payload:        json.RawMessage(payload),
		LastModifiedAt: modified,
	}}))
	h.remote.put("surveyItem", key, version, payload, modified)
}

func TestNewServiceRequiresDependencies(t *testing.T) {
	_, err := syncengine.NewService(syncengine.ServiceParams{Remote: newFakeRemote()})
	require.Error(t, err)

	_, err = syncengine.NewService(syncengine.ServiceParams{DB: testutil.NewDeviceDB(t)})
	require.Error(t, err)
}

func TestFlushCreatesRecordAndMarksClean(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	engine := h.engine(t, nil)

	_, err := h.cache.Put(ctx, "surveyItem", "7", json.RawMessage(`{"status":"done"}`))
	require.NoError(t, err)

	res, err := engine.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Dispatched)
	assert.Equal(t, 1, res.Succeeded)
	assert.NoError(t, res.TerminalErr)

	rec, err := h.cache.Get(ctx, "surveyItem", "7")
	require.NoError(t, err)
	assert.Equal(t, enums.SyncStateClean, rec.SyncState)
	assert.Equal(t, int64(1), rec.Version)
	require.NotNil(t, rec.RemoteID)
	assert.Equal(t, "remote-7", *rec.RemoteID)
	assert.JSONEq(t, `{"status":"done"}`, string(rec.CanonicalPayload))

	entry, err := h.queue.FindByKey(ctx, "surveyItem", "7")
	require.NoError(t, err)
	assert.Nil(t, entry, "a clean record has no queue entry")

	server := h.remote.entity("surveyItem", "7")
	require.NotNil(t, server)
	assert.JSONEq(t, `{"status":"done"}`, string(server.payload))
}

func TestFlushOfDrainedQueueDispatchesNothing(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	engine := h.engine(t, nil)

	_, err := h.cache.Put(ctx, "surveyItem", "7", json.RawMessage(`{"a":1}`))
	require.NoError(t, err)
	_, err = engine.Flush(ctx)
	require.NoError(t, err)

	res, err := engine.Flush(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Dispatched)
	assert.Len(t, h.remote.recorded(), 1)
}

func TestFlushSkipsWhileOffline(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	conn := newFakeConnectivity(false)
	engine := h.engine(t, func(p *syncengine.ServiceParams) { p.Connectivity = conn })

	_, err := h.cache.Put(ctx, "surveyItem", "7", json.RawMessage(`{"a":1}`))
	require.NoError(t, err)

	res, err := engine.Flush(ctx)
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Empty(t, h.remote.recorded())
}

func TestTransientFailuresBackOffThenDeadLetter(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	engine := h.engine(t, nil)
	netErr := pkgerrors.New(pkgerrors.CodeNetwork, "connection reset")
	h.remote.failNext(netErr, netErr, netErr)

	_, err := h.cache.Put(ctx, "surveyItem", "7", json.RawMessage(`{"a":1}`))
	require.NoError(t, err)

	res, err := engine.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Retried)

	entry, err := h.queue.FindByKey(ctx, "surveyItem", "7")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, enums.QueueStatusPending, entry.Status)
	assert.Equal(t, 1, entry.Attempts)
	assert.WithinDuration(t, testutil.Epoch.Add(time.Second), entry.NextAttemptAt, 0)
	require.NotNil(t, entry.LastError)

	res, err = engine.Flush(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Dispatched, "entry is not due yet")

	h.clock.Advance(time.Second)
	_, err = engine.Flush(ctx)
	require.NoError(t, err)
	entry, err = h.queue.FindByKey(ctx, "surveyItem", "7")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, 2, entry.Attempts)
	assert.WithinDuration(t, h.clock.Now().Add(2*time.Second), entry.NextAttemptAt, 0)

	h.clock.Advance(2 * time.Second)
	res, err = engine.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.DeadLettered)

	entry, err = h.queue.FindByKey(ctx, "surveyItem", "7")
	require.NoError(t, err)
	assert.Nil(t, entry)

	letter, err := h.dlq.FindByKey(ctx, "surveyItem", "7")
	require.NoError(t, err)
	require.NotNil(t, letter)
	assert.Equal(t, enums.DeadLetterMaxAttempts, letter.Reason)

	rec, err := h.cache.Get(ctx, "surveyItem", "7")
	require.NoError(t, err)
	assert.Equal(t, enums.SyncStateConflict, rec.SyncState)
}

func TestRetriesReuseIdempotencyKey(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	engine := h.engine(t, nil)
	h.remote.failNext(pkgerrors.New(pkgerrors.CodeUnknownServer, "bad gateway"))

	_, err := h.cache.Put(ctx, "surveyItem", "7", json.RawMessage(`{"a":1}`))
	require.NoError(t, err)
	_, err = engine.Flush(ctx)
	require.NoError(t, err)
	h.clock.Advance(time.Second)
	_, err = engine.Flush(ctx)
	require.NoError(t, err)

	calls := h.remote.recorded()
	require.Len(t, calls, 2)
	assert.NotEmpty(t, calls[0].idemKey)
	assert.Equal(t, calls[0].idemKey, calls[1].idemKey)

	_, err = h.cache.Put(ctx, "surveyItem", "7", json.RawMessage(`{"a":2}`))
	require.NoError(t, err)
	_, err = engine.Flush(ctx)
	require.NoError(t, err)
	calls = h.remote.recorded()
	require.Len(t, calls, 3)
	assert.NotEqual(t, calls[0].idemKey, calls[2].idemKey, "changed content needs a new key")
}

func TestTerminalFailureIsSurfacedWithEntryID(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	engine := h.engine(t, nil)
	h.remote.failNext(pkgerrors.New(pkgerrors.CodeValidation, "status is required"))

	_, err := h.cache.Put(ctx, "surveyItem", "7", json.RawMessage(`{}`))
	require.NoError(t, err)
	entry, err := h.queue.FindByKey(ctx, "surveyItem", "7")
	require.NoError(t, err)
	require.NotNil(t, entry)

	res, err := engine.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	failures := res.TerminalErrors()
	require.Len(t, failures, 1)
	typed := pkgerrors.As(failures[0])
	require.NotNil(t, typed)
	assert.Equal(t, entry.ID, typed.EntryID())
	assert.Equal(t, pkgerrors.CodeValidation, typed.Code())

	stored, err := h.queue.Get(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.QueueStatusFailed, stored.Status)

	h.clock.Advance(time.Hour)
	res, err = engine.Flush(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Dispatched, "failed entries are not retried automatically")

	n, err := engine.RequeueFailed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	res, err = engine.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)
}

func TestCancelledCallRequeuesWithoutChargingAttempt(t *testing.T) {
	h := newHarness(t)
	engine := h.engine(t, nil)

	_, err := h.cache.Put(context.Background(), "surveyItem", "7", json.RawMessage(`{"a":1}`))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	h.remote.hook = func(callCtx context.Context, _ remoteCall) error {
		cancel()
		<-callCtx.Done()
		return callCtx.Err()
	}

	res, err := engine.Flush(ctx)
	require.NoError(t, err)
	assert.True(t, res.Interrupted)
	assert.Equal(t, 1, res.Requeued)

	entry, err := h.queue.FindByKey(context.Background(), "surveyItem", "7")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, enums.QueueStatusPending, entry.Status)
	assert.Zero(t, entry.Attempts)
}

func TestDisconnectCancelsFlushInRun(t *testing.T) {
	h := newHarness(t)
	conn := newFakeConnectivity(true)
	engine := h.engine(t, func(p *syncengine.ServiceParams) { p.Connectivity = conn })

	_, err := h.cache.Put(context.Background(), "surveyItem", "7", json.RawMessage(`{"a":1}`))
	require.NoError(t, err)

	var once sync.Once
	h.remote.hook = func(callCtx context.Context, _ remoteCall) error {
		first := false
		once.Do(func() { first = true })
		if !first {
			return nil
		}
		conn.set(false)
		<-callCtx.Done()
		return callCtx.Err()
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- engine.Run(ctx) }()

	require.Eventually(t, func() bool { return len(h.remote.recorded()) == 1 }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		entry, err := h.queue.FindByKey(context.Background(), "surveyItem", "7")
		return err == nil && entry != nil && entry.Status == enums.QueueStatusPending
	}, 2*time.Second, 10*time.Millisecond)

	conn.set(true)
	require.Eventually(t, func() bool {
		rec, err := h.cache.Get(context.Background(), "surveyItem", "7")
		return err == nil && rec.SyncState == enums.SyncStateClean
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
	assert.Zero(t, conn.subscribers())
}

func TestWriteDuringFlightIsSentAfterAck(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	engine := h.engine(t, nil)

	_, err := h.cache.Put(ctx, "surveyItem", "7", json.RawMessage(`{"v":1}`))
	require.NoError(t, err)

	var once sync.Once
	h.remote.hook = func(context.Context, remoteCall) error {
		var err error
		once.Do(func() {
			_, err = h.cache.Put(ctx, "surveyItem", "7", json.RawMessage(`{"v":2}`))
		})
		return err
	}

	res, err := engine.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Succeeded)

	calls := h.remote.recorded()
	require.Len(t, calls, 2)
	assert.Equal(t, int64(0), calls[0].version)
	assert.Equal(t, int64(1), calls[1].version, "follow-up is based on the acknowledged version")

	rec, err := h.cache.Get(ctx, "surveyItem", "7")
	require.NoError(t, err)
	assert.Equal(t, enums.SyncStateClean, rec.SyncState)
	assert.Equal(t, int64(2), rec.Version)
	assert.JSONEq(t, `{"v":2}`, string(h.remote.entity("surveyItem", "7").payload))
}

func TestDeleteRemovesRecordAfterAck(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	engine := h.engine(t, nil)
	h.seed(t, "7", `{"a":1}`, 2, testutil.Epoch.Add(-time.Hour))

	require.NoError(t, h.cache.Delete(ctx, "surveyItem", "7"))
	rec, err := h.cache.Get(ctx, "surveyItem", "7")
	require.NoError(t, err)
	assert.Equal(t, enums.SyncStatePendingDelete, rec.SyncState)

	res, err := engine.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)

	_, err = h.cache.Get(ctx, "surveyItem", "7")
	assert.True(t, pkgerrors.Is(err, pkgerrors.CodeNotFound))
	assert.True(t, h.remote.entity("surveyItem", "7").deleted)
}

func TestDeleteOfMissingRemoteEntityCountsAsSuccess(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	engine := h.engine(t, nil)
	require.NoError(t, h.cache.SeedCanonical(ctx, "surveyItem", []types.CanonicalRecord{{
		Key: "9", RemoteID: "remote-9", Version: 1, Payload: json.RawMessage(`{}`), LastModifiedAt: testutil.Epoch,
	}}))

	require.NoError(t, h.cache.Delete(ctx, "surveyItem", "9"))
	res, err := engine.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)
	assert.Zero(t, res.Failed)
}

func TestConflictKeepsNewerLocalWrite(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	engine := h.engine(t, nil)
	h.seed(t, "7", `{"v":"seed"}`, 2, testutil.Epoch.Add(-2*time.Hour))
	// another device moved the server on, before our edit
	h.remote.put("surveyItem", "7", 3, `{"v":"other"}`, testutil.Epoch.Add(-time.Hour))

	_, err := h.cache.Put(ctx, "surveyItem", "7", json.RawMessage(`{"v":"mine"}`))
	require.NoError(t, err)

	res, err := engine.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Conflicts)
	assert.Equal(t, 1, res.Succeeded)

	rec, err := h.cache.Get(ctx, "surveyItem", "7")
	require.NoError(t, err)
	assert.Equal(t, enums.SyncStateClean, rec.SyncState)
	assert.Equal(t, int64(4), rec.Version)
	assert.JSONEq(t, `{"v":"mine"}`, string(h.remote.entity("surveyItem", "7").payload))
}

func TestConflictAcceptsNewerServerCopy(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	engine := h.engine(t, nil)
	h.seed(t, "7", `{"v":"seed"}`, 2, testutil.Epoch.Add(-2*time.Hour))

	_, err := h.cache.Put(ctx, "surveyItem", "7", json.RawMessage(`{"v":"mine"}`))
	require.NoError(t, err)
	h.remote.put("surveyItem", "7", 3, `{"v":"other"}`, testutil.Epoch.Add(time.Hour))

	res, err := engine.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Conflicts)

	rec, err := h.cache.Get(ctx, "surveyItem", "7")
	require.NoError(t, err)
	assert.Equal(t, enums.SyncStateClean, rec.SyncState)
	assert.Equal(t, int64(3), rec.Version)
	assert.JSONEq(t, `{"v":"other"}`, string(rec.Payload))
	assert.Len(t, h.remote.recorded(), 1)
}

func TestManualResolutionDeadLettersConflict(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	engine := h.engine(t, func(p *syncengine.ServiceParams) {
		p.Resolver = syncengine.ResolverFunc(func(context.Context, syncengine.Conflict) syncengine.Resolution {
			return syncengine.Manual
		})
	})
	h.seed(t, "7", `{"v":"seed"}`, 2, testutil.Epoch.Add(-2*time.Hour))
	_, err := h.cache.Put(ctx, "surveyItem", "7", json.RawMessage(`{"v":"mine"}`))
	require.NoError(t, err)
	h.remote.put("surveyItem", "7", 5, `{"v":"other"}`, testutil.Epoch)

	res, err := engine.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.DeadLettered)

	letter, err := h.dlq.FindByKey(ctx, "surveyItem", "7")
	require.NoError(t, err)
	require.NotNil(t, letter)
	assert.Equal(t, enums.DeadLetterVersionConflict, letter.Reason)

	rec, err := h.cache.Get(ctx, "surveyItem", "7")
	require.NoError(t, err)
	assert.Equal(t, enums.SyncStateConflict, rec.SyncState)
}

func TestStorageFailurePausesEngine(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	store := &failingDB{Client: h.db}
	engine := h.engine(t, func(p *syncengine.ServiceParams) { p.DB = store })

	var paused error
	unsubscribe := engine.OnPause(func(err error) { paused = err })
	defer unsubscribe()

	_, err := h.cache.Put(ctx, "surveyItem", "7", json.RawMessage(`{"a":1}`))
	require.NoError(t, err)

	h.remote.hook = func(context.Context, remoteCall) error {
		store.arm(true)
		return nil
	}
	_, err = engine.Flush(ctx)
	require.Error(t, err)
	assert.True(t, pkgerrors.Is(err, pkgerrors.CodeStorage))
	assert.True(t, engine.Paused())
	require.Error(t, paused)

	_, err = engine.Flush(ctx)
	assert.ErrorIs(t, err, syncengine.ErrPaused)

	h.remote.hook = nil
	store.arm(false)
	engine.Resume()
	require.NoError(t, engine.Recover(ctx))

	res, err := engine.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded, "replayed write is absorbed by its idempotency key")

	rec, err := h.cache.Get(ctx, "surveyItem", "7")
	require.NoError(t, err)
	assert.Equal(t, enums.SyncStateClean, rec.SyncState)
	assert.Equal(t, int64(1), rec.Version)
}

func TestFlushDrainsEntitiesBeforeMedia(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	var order []string
	var mu sync.Mutex
	h.remote.hook = func(context.Context, remoteCall) error {
		mu.Lock()
		order = append(order, "entity")
		mu.Unlock()
		return nil
	}
	uploads := &fakeMedia{order: &order}
	engine := h.engine(t, func(p *syncengine.ServiceParams) { p.Media = uploads })

	_, err := h.cache.Put(ctx, "surveyItem", "7", json.RawMessage(`{"a":1}`))
	require.NoError(t, err)

	_, err = engine.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"entity", "media"}, order)
}

func TestConcurrentFlushesDispatchOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	engine := h.engine(t, nil)
	for _, key := range []string{"1", "2", "3", "4"} {
		_, err := h.cache.Put(ctx, "surveyItem", key, json.RawMessage(`{"k":"`+key+`"}`))
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = engine.Flush(ctx)
		}()
	}
	wg.Wait()

	assert.Len(t, h.remote.recorded(), 4)
	pending, err := h.queue.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestDispatchBoundsParallelismAndSerializesKeys(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	const workers = 2
	engine := h.engine(t, func(p *syncengine.ServiceParams) { p.Workers = workers })

	keys := []string{"1", "2", "3", "4", "5", "6"}
	for _, key := range keys {
		_, err := h.cache.Put(ctx, "surveyItem", key, json.RawMessage(`{"v":1}`))
		require.NoError(t, err)
	}

	var (
		mu       sync.Mutex
		inFlight int
		peak     int
		active   = map[string]bool{}
		rewrote  = map[string]bool{}
		overlaps []string
	)
	h.remote.hook = func(_ context.Context, call remoteCall) error {
		mu.Lock()
		inFlight++
		if inFlight > peak {
			peak = inFlight
		}
		if active[call.key] {
			overlaps = append(overlaps, call.key)
		}
		active[call.key] = true
		rewrite := !rewrote[call.key]
		rewrote[call.key] = true
		mu.Unlock()

		var err error
		if rewrite {
			_, err = h.cache.Put(ctx, "surveyItem", call.key, json.RawMessage(`{"v":2}`))
		}
		time.Sleep(5 * time.Millisecond)

		mu.Lock()
		inFlight--
		active[call.key] = false
		mu.Unlock()
		return err
	}

	res, err := engine.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2*len(keys), res.Succeeded)

	mu.Lock()
	defer mu.Unlock()
	assert.LessOrEqual(t, peak, workers)
	assert.GreaterOrEqual(t, peak, 1)
	assert.Empty(t, overlaps, "a key is never in flight twice at once")

	perKey := map[string][]int64{}
	for _, call := range h.remote.recorded() {
		perKey[call.key] = append(perKey[call.key], call.version)
	}
	for _, key := range keys {
		assert.Equal(t, []int64{0, 1}, perKey[key], "key %s: follow-up waits for the first ack", key)
		rec, err := h.cache.Get(ctx, "surveyItem", key)
		require.NoError(t, err)
		assert.Equal(t, enums.SyncStateClean, rec.SyncState)
	}
}
