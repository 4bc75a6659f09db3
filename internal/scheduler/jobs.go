package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/angelmondragon/fieldsync/internal/connectivity"
	"github.com/angelmondragon/fieldsync/pkg/clock"
	"github.com/angelmondragon/fieldsync/pkg/logger"
)

const (
	JobSyncRetry         = "sync.retry"
	JobConnectivityProbe = "connectivity.probe"
	JobTombstonePurge    = "remote.tombstone_purge"

	defaultTombstoneRetention = 30 * 24 * time.Hour
)

type flushTrigger interface {
	Paused() bool
	TriggerFlush()
}

type connectivityState interface {
	CurrentState() connectivity.State
}

type dueQueue interface {
	NextDue(ctx context.Context) (*time.Time, error)
}

type mediaWork interface {
	HasWork(ctx context.Context) (bool, error)
}

type SyncRetryJobParams struct {
	Logger       *logger.Logger
	Engine       flushTrigger
	Connectivity connectivityState
	Queue        dueQueue
	// Media is optional.
	Media mediaWork
	Clock clock.Clock
}

// NewSyncRetryJob builds the job that nudges the engine when queued work is
// due. It backs up the engine's own retry timer across sleeps and clock
// changes.
func NewSyncRetryJob(params SyncRetryJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Engine == nil {
		return nil, fmt.Errorf("sync engine required")
	}
	if params.Queue == nil {
		return nil, fmt.Errorf("sync queue required")
	}
	if params.Clock == nil {
		params.Clock = clock.Real{}
	}
	return &syncRetryJob{
		logg:   params.Logger,
		engine: params.Engine,
		conn:   params.Connectivity,
		queue:  params.Queue,
		media:  params.Media,
		clock:  params.Clock,
	}, nil
}

type syncRetryJob struct {
	logg   *logger.Logger
	engine flushTrigger
	conn   connectivityState
	queue  dueQueue
	media  mediaWork
	clock  clock.Clock
}

func (j *syncRetryJob) Name() string { return JobSyncRetry }

func (j *syncRetryJob) Run(ctx context.Context) error {
	if j.engine.Paused() {
		j.logg.Warn(ctx, "sync paused after storage failure; not triggering")
		return nil
	}
	if j.conn != nil && !j.conn.CurrentState().Connected {
		return nil
	}

	due, err := j.queue.NextDue(ctx)
	if err != nil {
		return fmt.Errorf("next due entry: %w", err)
	}
	ready := due != nil && !due.After(j.clock.Now())
	if !ready && j.media != nil {
		if ready, err = j.media.HasWork(ctx); err != nil {
			return fmt.Errorf("media work: %w", err)
		}
	}
	if ready {
		j.logg.Debug(ctx, "queued work due; triggering flush")
		j.engine.TriggerFlush()
	}
	return nil
}

type prober interface {
	ProbeNow(ctx context.Context) (connectivity.State, error)
}

// ProbeJob runs an active connectivity probe so a link that came back
// without a platform notification is still noticed.
type ProbeJob struct {
	monitor prober
}

func NewProbeJob(monitor prober) (*ProbeJob, error) {
	if monitor == nil {
		return nil, fmt.Errorf("connectivity monitor required")
	}
	return &ProbeJob{monitor: monitor}, nil
}

func (j *ProbeJob) Name() string { return JobConnectivityProbe }

// Run never fails on an unreachable remote; the monitor records that as
// disconnected.
func (j *ProbeJob) Run(ctx context.Context) error {
	if _, err := j.monitor.ProbeNow(ctx); err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return nil
}

type tombstonePurger interface {
	PurgeDeletedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type TombstonePurgeJobParams struct {
	Logger    *logger.Logger
	Store     tombstonePurger
	Retention time.Duration
	Clock     clock.Clock
}

// NewTombstonePurgeJob builds the reference-server job that drops deleted
// entities once every device has had time to observe the deletion.
func NewTombstonePurgeJob(params TombstonePurgeJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Store == nil {
		return nil, fmt.Errorf("entity store required")
	}
	if params.Retention <= 0 {
		params.Retention = defaultTombstoneRetention
	}
	if params.Clock == nil {
		params.Clock = clock.Real{}
	}
	return &tombstonePurgeJob{
		logg:      params.Logger,
		store:     params.Store,
		retention: params.Retention,
		clock:     params.Clock,
	}, nil
}

type tombstonePurgeJob struct {
	logg      *logger.Logger
	store     tombstonePurger
	retention time.Duration
	clock     clock.Clock
}

func (j *tombstonePurgeJob) Name() string { return JobTombstonePurge }

func (j *tombstonePurgeJob) Run(ctx context.Context) error {
	cutoff := j.clock.Now().Add(-j.retention)
	deleted, err := j.store.PurgeDeletedBefore(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("tombstone purge: %w", err)
	}
	j.logg.Info(j.logg.WithFields(ctx, map[string]any{
		"cutoff":       cutoff,
		"rows_deleted": deleted,
	}), "tombstone purge complete")
	return nil
}
