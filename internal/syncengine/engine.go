// Package syncengine drains the sync queue and the media queue against the
// remote authority. It runs as a single instance per device.
package syncengine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/angelmondragon/fieldsync/internal/cache"
	"github.com/angelmondragon/fieldsync/internal/connectivity"
	"github.com/angelmondragon/fieldsync/internal/media"
	"github.com/angelmondragon/fieldsync/internal/queue"
	"github.com/angelmondragon/fieldsync/pkg/clock"
	"github.com/angelmondragon/fieldsync/pkg/enums"
	pkgerrors "github.com/angelmondragon/fieldsync/pkg/errors"
	"github.com/angelmondragon/fieldsync/pkg/logger"
	"github.com/angelmondragon/fieldsync/pkg/metrics"
	"github.com/angelmondragon/fieldsync/pkg/types"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"
)

const (
	defaultWorkers     = 3
	defaultCallTimeout = 15 * time.Second
	defaultClaimBatch  = 50
	defaultMediaBatch  = 20
)

// ErrPaused is returned by Flush while a local storage failure is unresolved.
var ErrPaused = pkgerrors.New(pkgerrors.CodeStorage, "sync paused after local storage failure")

type dbClient interface {
	DB() *gorm.DB
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type entityClient interface {
	CreateOrUpdateEntity(ctx context.Context, table, key string, payload json.RawMessage, version int64) (types.EntityAck, error)
	DeleteEntity(ctx context.Context, table, key string, version int64) error
}

type mediaUploader interface {
	UploadBatch(ctx context.Context, limit int) (media.BatchResult, error)
	Recover(ctx context.Context) (int64, error)
}

type connectivitySource interface {
	CurrentState() connectivity.State
	Subscribe(fn func(connectivity.State)) (unsubscribe func())
}

type writeNotifier interface {
	OnWrite(fn func(table, key string)) (unsubscribe func())
}

type ServiceParams struct {
	DB     dbClient
	Remote entityClient
	// Media is optional; without it Flush only drains entity operations.
	Media mediaUploader
	// Connectivity is optional; without it the device is assumed online.
	Connectivity connectivitySource
	// Writes, when set, triggers a flush after each committed local write.
	Writes   writeNotifier
	Clock    clock.Clock
	Logger   *logger.Logger
	Metrics  *metrics.SyncMetrics
	Resolver ConflictResolver
	Retry    queue.RetryPolicy

	Workers     int
	CallTimeout time.Duration
	ClaimBatch  int
	MediaBatch  int
}

// Engine is the SyncEngine.
//
// Thread-safety: all exported methods are safe for concurrent use.
type Engine struct {
	db       dbClient
	remote   entityClient
	media    mediaUploader
	conn     connectivitySource
	writes   writeNotifier
	clock    clock.Clock
	logg     *logger.Logger
	metrics  *metrics.SyncMetrics
	resolver ConflictResolver
	retry    queue.RetryPolicy
	records  *cache.Repository
	queue    *queue.Repository
	dlq      *queue.DLQRepository

	workers     int
	callTimeout time.Duration
	claimBatch  int
	mediaBatch  int

	flights singleflight.Group
	trigger chan struct{}

	mu          sync.Mutex
	cancelFlush context.CancelFunc
	paused      error
	pauseSubs   map[int]func(error)
	nextSub     int
	retryTimer  clock.Timer
}

func NewService(params ServiceParams) (*Engine, error) {
	if params.DB == nil {
		return nil, errors.New("database client is required")
	}
	if params.Remote == nil {
		return nil, errors.New("remote client is required")
	}
	if params.Clock == nil {
		params.Clock = clock.Real{}
	}
	if params.Logger == nil {
		params.Logger = logger.Nop()
	}
	if params.Resolver == nil {
		params.Resolver = LastWriteWins{}
	}
	if params.Retry == (queue.RetryPolicy{}) {
		params.Retry = queue.DefaultRetryPolicy()
	}
	workers := params.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	timeout := params.CallTimeout
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	claim := params.ClaimBatch
	if claim <= 0 {
		claim = defaultClaimBatch
	}
	mediaBatch := params.MediaBatch
	if mediaBatch <= 0 {
		mediaBatch = defaultMediaBatch
	}
	conn := params.DB.DB()
	return &Engine{
		db:          params.DB,
		remote:      params.Remote,
		media:       params.Media,
		conn:        params.Connectivity,
		writes:      params.Writes,
		clock:       params.Clock,
		logg:        params.Logger,
		metrics:     params.Metrics,
		resolver:    params.Resolver,
		retry:       params.Retry,
		records:     cache.NewRepository(conn),
		queue:       queue.NewRepository(conn),
		dlq:         queue.NewDLQRepository(conn),
		workers:     workers,
		callTimeout: timeout,
		claimBatch:  claim,
		mediaBatch:  mediaBatch,
		trigger:     make(chan struct{}, 1),
		pauseSubs:   map[int]func(error){},
	}, nil
}

// Recover returns work orphaned by a previous process to the queues without
// charging attempts. Run calls it once before serving triggers.
func (e *Engine) Recover(ctx context.Context) error {
	now := e.clock.Now()
	n, err := e.queue.ResetInFlight(ctx, now)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeStorage, err, "reset in-flight entries")
	}
	if n > 0 {
		e.logg.Warn(e.logg.WithField(ctx, "entries", n), "requeued entries left in flight")
	}
	if e.media != nil {
		if _, err := e.media.Recover(ctx); err != nil {
			return err
		}
	}
	return nil
}

// TriggerFlush asks Run to flush soon. Triggers coalesce.
func (e *Engine) TriggerFlush() {
	select {
	case e.trigger <- struct{}{}:
	default:
	}
}

// Run recovers orphaned work, then flushes on every trigger until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.Recover(ctx); err != nil {
		e.pause(ctx, err)
		return err
	}

	if e.conn != nil {
		unsubscribe := e.conn.Subscribe(e.onConnectivity)
		defer unsubscribe()
	}
	if e.writes != nil {
		unsubscribe := e.writes.OnWrite(func(string, string) { e.TriggerFlush() })
		defer unsubscribe()
	}
	defer e.stopRetryTimer()

	e.TriggerFlush()
	for {
		select {
		case <-ctx.Done():
			e.logg.Info(ctx, "sync engine stopping")
			return ctx.Err()
		case <-e.trigger:
		}

		res, err := e.Flush(ctx)
		switch {
		case errors.Is(err, ErrPaused):
			continue
		case err != nil && ctx.Err() != nil:
			return ctx.Err()
		case err != nil:
			e.logg.Error(ctx, "flush failed", err)
		case res.TerminalErr != nil:
			e.logg.Warn(e.logg.WithField(ctx, "failed", res.Failed), "flush finished with terminal failures")
		}
		// offline or interrupted flushes resume on the next connectivity change
		if !res.Skipped && !res.Interrupted {
			e.scheduleRetry(ctx)
		}
	}
}

func (e *Engine) onConnectivity(state connectivity.State) {
	if state.Connected {
		e.TriggerFlush()
		return
	}
	e.mu.Lock()
	cancel := e.cancelFlush
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (e *Engine) online() bool {
	return e.conn == nil || e.conn.CurrentState().Connected
}

// scheduleRetry arms a timer for the earliest backed-off entry.
func (e *Engine) scheduleRetry(ctx context.Context) {
	due, err := e.queue.NextDue(ctx)
	if err != nil || due == nil {
		return
	}
	wait := due.Sub(e.clock.Now())
	if wait < 0 {
		wait = 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.retryTimer != nil {
		e.retryTimer.Stop()
	}
	e.retryTimer = e.clock.AfterFunc(wait, e.TriggerFlush)
}

func (e *Engine) stopRetryTimer() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.retryTimer != nil {
		e.retryTimer.Stop()
		e.retryTimer = nil
	}
}

// Paused reports whether a storage failure halted syncing.
func (e *Engine) Paused() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.paused != nil
}

// OnPause registers fn to hear about storage failures that pause the engine.
func (e *Engine) OnPause(fn func(error)) (unsubscribe func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.nextSub
	e.nextSub++
	e.pauseSubs[id] = fn
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.pauseSubs, id)
	}
}

// Resume clears a pause once the operator has dealt with the storage issue.
func (e *Engine) Resume() {
	e.mu.Lock()
	was := e.paused != nil
	e.paused = nil
	e.mu.Unlock()
	if was {
		e.TriggerFlush()
	}
}

func (e *Engine) pause(ctx context.Context, cause error) {
	e.mu.Lock()
	if e.paused != nil {
		e.mu.Unlock()
		return
	}
	e.paused = cause
	subs := make([]func(error), 0, len(e.pauseSubs))
	for _, fn := range e.pauseSubs {
		subs = append(subs, fn)
	}
	e.mu.Unlock()

	e.logg.Error(ctx, "sync paused", cause)
	for _, fn := range subs {
		fn(cause)
	}
}

// RequeueFailed returns terminally failed entries to the queue with a fresh
// attempt budget, for use after the rejected data has been corrected.
func (e *Engine) RequeueFailed(ctx context.Context) (int, error) {
	var n int
	err := e.db.WithTx(ctx, func(tx *gorm.DB) error {
		entries := e.queue.WithTx(tx)
		failed, err := entries.List(ctx, enums.QueueStatusFailed)
		if err != nil {
			return err
		}
		now := e.clock.Now()
		for i := range failed {
			entry := &failed[i]
			entry.Status = enums.QueueStatusPending
			entry.Attempts = 0
			entry.LastError = nil
			entry.NextAttemptAt = now
			entry.UpdatedAt = now
			if err := entries.Save(ctx, entry); err != nil {
				return err
			}
		}
		n = len(failed)
		return nil
	})
	if err != nil {
		return 0, pkgerrors.Wrap(pkgerrors.CodeStorage, err, "requeue failed entries")
	}
	if n > 0 {
		e.logg.Info(e.logg.WithField(ctx, "entries", n), "failed entries requeued")
		e.TriggerFlush()
	}
	return n, nil
}
