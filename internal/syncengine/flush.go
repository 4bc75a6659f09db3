package syncengine

import (
	"context"
	"errors"
	"sync"

	"github.com/angelmondragon/fieldsync/internal/media"
	"github.com/angelmondragon/fieldsync/pkg/db/models"
	"github.com/angelmondragon/fieldsync/pkg/enums"
	pkgerrors "github.com/angelmondragon/fieldsync/pkg/errors"
	"github.com/angelmondragon/fieldsync/pkg/metrics"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

// FlushResult summarises one flush.
type FlushResult struct {
	// Skipped is set when the device was offline and nothing was attempted.
	Skipped      bool `json:"skipped"`
	Dispatched   int  `json:"dispatched"`
	Succeeded    int  `json:"succeeded"`
	Retried      int  `json:"retried"`
	Failed       int  `json:"failed"`
	DeadLettered int  `json:"deadLettered"`
	Requeued     int  `json:"requeued"`
	Conflicts    int  `json:"conflicts"`
	// Interrupted is set when a disconnect or shutdown cut the flush short.
	Interrupted bool              `json:"interrupted"`
	Media       media.BatchResult `json:"media"`
	// TerminalErr combines every terminal failure; each carries its entry id.
	TerminalErr error `json:"-"`
}

// TerminalErrors splits TerminalErr into the individual failures.
func (r FlushResult) TerminalErrors() []error {
	return multierr.Errors(r.TerminalErr)
}

type tally struct {
	mu  sync.Mutex
	res FlushResult
}

func (t *tally) add(fn func(r *FlushResult)) {
	t.mu.Lock()
	fn(&t.res)
	t.mu.Unlock()
}

// Flush drains every ready queue entry, then the media queue. Concurrent
// calls share a single run and its result.
func (e *Engine) Flush(ctx context.Context) (FlushResult, error) {
	v, err, _ := e.flights.Do("flush", func() (any, error) {
		return e.flush(ctx)
	})
	res, _ := v.(FlushResult)
	return res, err
}

func (e *Engine) flush(ctx context.Context) (FlushResult, error) {
	if e.Paused() {
		return FlushResult{}, ErrPaused
	}
	if !e.online() {
		return FlushResult{Skipped: true}, nil
	}

	flushCtx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.cancelFlush = cancel
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.cancelFlush = nil
		e.mu.Unlock()
		cancel()
	}()

	t := &tally{}
	err := e.drainEntities(flushCtx, t)
	if err == nil && e.media != nil && flushCtx.Err() == nil {
		err = e.drainMedia(flushCtx, t)
	}
	res := t.res
	res.Interrupted = flushCtx.Err() != nil

	e.metrics.FlushCompleted()
	e.publishDepth(context.WithoutCancel(ctx))

	if err != nil {
		if pkgerrors.Is(err, pkgerrors.CodeStorage) {
			e.pause(ctx, err)
		}
		return res, err
	}
	fields := map[string]any{
		"dispatched":    res.Dispatched,
		"succeeded":     res.Succeeded,
		"retried":       res.Retried,
		"failed":        res.Failed,
		"dead_lettered": res.DeadLettered,
		"media":         res.Media.UploadedCount,
	}
	if res.Dispatched > 0 || len(res.Media.Items) > 0 {
		e.logg.Info(e.logg.WithFields(ctx, fields), "flush complete")
	}
	return res, nil
}

// drainEntities claims ready entries in batches and dispatches each batch
// on the worker pool. It stops when nothing is ready or the flush context
// is cancelled.
func (e *Engine) drainEntities(ctx context.Context, t *tally) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		batch, err := e.claim(ctx)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(e.workers)
		for i := range batch {
			entry := batch[i]
			g.Go(func() error {
				return e.dispatch(gctx, entry, t)
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}
}

func (e *Engine) claim(ctx context.Context) ([]models.SyncQueueEntry, error) {
	var batch []models.SyncQueueEntry
	err := e.db.WithTx(ctx, func(tx *gorm.DB) error {
		var err error
		batch, err = e.queue.WithTx(tx).ClaimReady(ctx, e.clock.Now(), e.claimBatch)
		return err
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeStorage, err, "claim queue entries")
	}
	return batch, nil
}

// drainMedia uploads queued media one batch at a time. Another batch is
// started only when the previous one was full and fully succeeded, so an
// item that just failed is not retried within the same flush.
func (e *Engine) drainMedia(ctx context.Context, t *tally) error {
	for {
		batch, err := e.media.UploadBatch(ctx, e.mediaBatch)
		t.add(func(r *FlushResult) {
			r.Media.UploadedCount += batch.UploadedCount
			r.Media.Items = append(r.Media.Items, batch.Items...)
		})
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}
		if len(batch.Items) < e.mediaBatch || batch.UploadedCount < len(batch.Items) {
			return nil
		}
	}
}

func (e *Engine) publishDepth(ctx context.Context) {
	if e.metrics == nil {
		return
	}
	counts, err := e.queue.CountByTable(ctx)
	if err != nil {
		return
	}
	depth := map[enums.QueueStatus]int64{
		enums.QueueStatusPending:  0,
		enums.QueueStatusInFlight: 0,
		enums.QueueStatusFailed:   0,
	}
	for _, c := range counts {
		depth[c.Status] += c.Count
	}
	for status, n := range depth {
		e.metrics.SetQueueDepth(status.String(), n)
	}
}

func outcomeLabel(o outcome) string {
	switch o {
	case outcomeSucceeded:
		return metrics.OutcomeSucceeded
	case outcomeRetried:
		return metrics.OutcomeTransient
	case outcomeFailed:
		return metrics.OutcomeTerminal
	case outcomeDeadLettered:
		return metrics.OutcomeDeadLettered
	case outcomeConflict:
		return metrics.OutcomeConflict
	default:
		return metrics.OutcomeRequeued
	}
}
