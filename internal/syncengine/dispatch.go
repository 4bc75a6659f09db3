package syncengine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/angelmondragon/fieldsync/internal/cache"
	"github.com/angelmondragon/fieldsync/internal/queue"
	"github.com/angelmondragon/fieldsync/internal/remote"
	"github.com/angelmondragon/fieldsync/pkg/db/models"
	"github.com/angelmondragon/fieldsync/pkg/enums"
	pkgerrors "github.com/angelmondragon/fieldsync/pkg/errors"
	"github.com/angelmondragon/fieldsync/pkg/types"
	"go.uber.org/multierr"
	"gorm.io/gorm"
)

type outcome int

const (
	outcomeSucceeded outcome = iota
	outcomeRetried
	outcomeFailed
	outcomeDeadLettered
	outcomeConflict
	outcomeRequeued
)

// dispatch sends one claimed entry and records the outcome. It returns an
// error only for local storage failures, which stop the flush.
func (e *Engine) dispatch(ctx context.Context, entry models.SyncQueueEntry, t *tally) error {
	ctx = e.logg.WithEntry(ctx, entry.ID, entry.Table, entry.Key)
	persist := context.WithoutCancel(ctx)
	t.add(func(r *FlushResult) { r.Dispatched++ })

	rebased := false
	for {
		e.metrics.Dispatched(entry.Table, entry.OpKind.String())
		start := time.Now()
		ack, err := e.call(ctx, entry)
		e.metrics.ObserveDispatch(entry.Table, time.Since(start))

		var (
			o       outcome
			stepErr error
		)
		switch {
		case err == nil:
			o, stepErr = outcomeSucceeded, e.complete(persist, entry, ack)
		case ctx.Err() != nil:
			o, stepErr = outcomeRequeued, e.requeue(persist, entry)
		case pkgerrors.Is(err, pkgerrors.CodeConflict):
			var next *models.SyncQueueEntry
			o, next, stepErr = e.conflict(persist, entry, err, rebased)
			if next != nil && stepErr == nil {
				t.add(func(r *FlushResult) { r.Conflicts++ })
				e.metrics.Outcome(entry.Table, outcomeLabel(outcomeConflict))
				entry = *next
				rebased = true
				continue
			}
		case pkgerrors.IsTransient(err):
			o, stepErr = e.retryLater(persist, entry, err)
		default:
			o, stepErr = e.fail(persist, entry, err)
			if stepErr == nil {
				surfaced := pkgerrors.Wrap(pkgerrors.CodeOf(err), err,
					fmt.Sprintf("%s %s/%s rejected", entry.OpKind, entry.Table, entry.Key)).WithEntryID(entry.ID)
				t.add(func(r *FlushResult) { r.TerminalErr = multierr.Append(r.TerminalErr, surfaced) })
			}
		}
		if stepErr != nil {
			return stepErr
		}

		e.record(ctx, entry, o, err, t)
		return nil
	}
}

func (e *Engine) record(ctx context.Context, entry models.SyncQueueEntry, o outcome, err error, t *tally) {
	e.metrics.Outcome(entry.Table, outcomeLabel(o))
	t.add(func(r *FlushResult) {
		switch o {
		case outcomeSucceeded:
			r.Succeeded++
		case outcomeRetried:
			r.Retried++
		case outcomeFailed:
			r.Failed++
		case outcomeDeadLettered:
			r.DeadLettered++
		case outcomeConflict:
			r.Conflicts++
		case outcomeRequeued:
			r.Requeued++
		}
	})
	switch o {
	case outcomeSucceeded:
		e.logg.Debug(ctx, "entry synced")
	case outcomeRequeued:
		e.logg.Info(ctx, "entry requeued after interruption")
	case outcomeRetried:
		e.logg.Warn(ctx, "entry sync failed, will retry: "+err.Error())
	case outcomeConflict:
		e.logg.Info(ctx, "version conflict resolved")
	default:
		e.logg.Error(ctx, "entry sync failed", err)
	}
}

// idempotencyKey is stable across retries of the same content and changes
// whenever the operation, payload or base version does.
func idempotencyKey(entry models.SyncQueueEntry) string {
	h := sha256.New()
	h.Write([]byte(entry.OpKind))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatInt(entry.BaseVersion, 10)))
	h.Write([]byte{0})
	h.Write(entry.PayloadSnapshot)
	return entry.ID + ":" + hex.EncodeToString(h.Sum(nil))[:16]
}

func (e *Engine) call(ctx context.Context, entry models.SyncQueueEntry) (types.EntityAck, error) {
	callCtx, cancel := context.WithTimeout(remote.WithIdempotencyKey(ctx, idempotencyKey(entry)), e.callTimeout)
	defer cancel()

	if entry.OpKind == enums.OpDelete {
		err := e.remote.DeleteEntity(callCtx, entry.Table, entry.Key, entry.BaseVersion)
		if pkgerrors.Is(err, pkgerrors.CodeNotFound) {
			err = nil
		}
		// the server bumps the version when it records a deletion
		return types.EntityAck{Version: entry.BaseVersion + 1}, err
	}
	return e.remote.CreateOrUpdateEntity(callCtx, entry.Table, entry.Key, entry.PayloadSnapshot, entry.BaseVersion)
}

// txState is the current queue entry and record, re-read inside the
// transaction so writes made during the call are visible.
type txState struct {
	tx      *gorm.DB
	entries *queue.Repository
	records *cache.Repository
	ctx     context.Context
	entry   *models.SyncQueueEntry
	rec     *models.CacheRecord
	now     time.Time
}

// withEntry runs fn against fresh state. fn is skipped when the entry has
// been removed meanwhile, for example by an operator wiping the table.
func (e *Engine) withEntry(ctx context.Context, id, table, key string, fn func(s *txState) error) error {
	err := e.db.WithTx(ctx, func(tx *gorm.DB) error {
		s := &txState{tx: tx, ctx: ctx, entries: e.queue.WithTx(tx), records: e.records.WithTx(tx), now: e.clock.Now()}
		cur, err := s.entries.Get(ctx, id)
		if err != nil || cur == nil {
			return err
		}
		rec, err := s.records.Find(ctx, table, key)
		if err != nil {
			return err
		}
		s.entry, s.rec = cur, rec
		return fn(s)
	})
	if err != nil {
		if pkgerrors.As(err) != nil {
			return err
		}
		return pkgerrors.Wrap(pkgerrors.CodeStorage, err, "record sync outcome")
	}
	return nil
}

// promote replaces the finished snapshot with the coalesced follow-up.
// uncertain is set when it is unknown whether the server applied the
// snapshot that was in flight.
func promote(s *txState, baseVersion int64, uncertain bool) error {
	entry := s.entry
	op := *entry.NextOpKind
	if uncertain {
		op, _ = queue.Merge(entry.OpKind, op, true)
	}
	entry.OpKind = op
	entry.PayloadSnapshot = entry.NextPayload
	entry.BaseVersion = baseVersion
	entry.NextOpKind = nil
	entry.NextPayload = nil
	entry.Status = enums.QueueStatusPending
	entry.Attempts = 0
	entry.LastError = nil
	entry.NextAttemptAt = s.now
	entry.UpdatedAt = s.now
	if err := s.entries.Save(s.ctx, entry); err != nil {
		return err
	}
	if s.rec != nil {
		s.rec.SyncState = op.PendingState()
		s.rec.UpdatedAt = s.now
		return s.records.Save(s.ctx, s.rec)
	}
	return nil
}

func (e *Engine) complete(ctx context.Context, sent models.SyncQueueEntry, ack types.EntityAck) error {
	return e.withEntry(ctx, sent.ID, sent.Table, sent.Key, func(s *txState) error {
		if s.rec == nil {
			return s.entries.Delete(ctx, s.entry.ID)
		}
		if sent.OpKind == enums.OpDelete {
			if !s.entry.HasFollowUp() {
				if err := s.entries.Delete(ctx, s.entry.ID); err != nil {
					return err
				}
				return s.records.Delete(ctx, sent.Table, sent.Key)
			}
			s.rec.Version = ack.Version
			s.rec.CanonicalPayload = nil
			return promote(s, ack.Version, false)
		}

		remoteID := ack.RemoteID
		if remoteID == "" && s.rec.RemoteID != nil {
			remoteID = *s.rec.RemoteID
		}
		s.rec.RemoteID = &remoteID
		s.rec.Version = ack.Version
		s.rec.CanonicalPayload = sent.PayloadSnapshot
		if s.entry.HasFollowUp() {
			return promote(s, ack.Version, false)
		}
		if err := s.entries.Delete(ctx, s.entry.ID); err != nil {
			return err
		}
		s.rec.SyncState = enums.SyncStateClean
		s.rec.UpdatedAt = s.now
		return s.records.Save(ctx, s.rec)
	})
}

// requeue returns an interrupted entry to the queue without charging an
// attempt.
func (e *Engine) requeue(ctx context.Context, sent models.SyncQueueEntry) error {
	return e.withEntry(ctx, sent.ID, sent.Table, sent.Key, func(s *txState) error {
		if s.entry.HasFollowUp() {
			return promote(s, s.entry.BaseVersion, true)
		}
		s.entry.Status = enums.QueueStatusPending
		s.entry.NextAttemptAt = s.now
		s.entry.UpdatedAt = s.now
		return s.entries.Save(ctx, s.entry)
	})
}

func (e *Engine) retryLater(ctx context.Context, sent models.SyncQueueEntry, cause error) (outcome, error) {
	o := outcomeRetried
	err := e.withEntry(ctx, sent.ID, sent.Table, sent.Key, func(s *txState) error {
		if s.entry.HasFollowUp() {
			return promote(s, s.entry.BaseVersion, true)
		}
		s.entry.Attempts++
		s.entry.LastError = queue.ErrorMessage(cause)
		if e.retry.Exhausted(s.entry.Attempts) {
			o = outcomeDeadLettered
			return e.deadLetter(ctx, s, enums.DeadLetterMaxAttempts, cause)
		}
		s.entry.Status = enums.QueueStatusPending
		s.entry.NextAttemptAt = s.now.Add(e.retry.Delay(s.entry.Attempts))
		s.entry.UpdatedAt = s.now
		return s.entries.Save(ctx, s.entry)
	})
	return o, err
}

func (e *Engine) fail(ctx context.Context, sent models.SyncQueueEntry, cause error) (outcome, error) {
	err := e.withEntry(ctx, sent.ID, sent.Table, sent.Key, func(s *txState) error {
		s.entry.Attempts++
		s.entry.LastError = queue.ErrorMessage(cause)
		if s.entry.HasFollowUp() {
			attempts, lastErr := s.entry.Attempts, s.entry.LastError
			if err := promote(s, s.entry.BaseVersion, true); err != nil {
				return err
			}
			// keep the rejection visible on the promoted entry
			s.entry.Attempts, s.entry.LastError = attempts, lastErr
			return s.entries.Save(ctx, s.entry)
		}
		s.entry.Status = enums.QueueStatusFailed
		s.entry.UpdatedAt = s.now
		return s.entries.Save(ctx, s.entry)
	})
	return outcomeFailed, err
}

// deadLetter moves the entry to the dead-letter bucket and parks the record
// in Conflict.
func (e *Engine) deadLetter(ctx context.Context, s *txState, reason enums.DeadLetterReason, cause error) error {
	op := s.entry.OpKind
	if s.entry.HasFollowUp() {
		op, _ = queue.Merge(op, *s.entry.NextOpKind, true)
	}
	letter := queue.FromEntry(*s.entry, op, reason, cause, s.now)
	if err := e.dlq.WithTx(s.tx).Insert(ctx, letter); err != nil {
		return err
	}
	if err := s.entries.Delete(ctx, s.entry.ID); err != nil {
		return err
	}
	if s.rec == nil {
		return nil
	}
	s.rec.SyncState = enums.SyncStateConflict
	s.rec.UpdatedAt = s.now
	return s.records.Save(ctx, s.rec)
}

// conflict applies the resolver to a 409. A non-nil entry return means the
// caller should resend it immediately.
func (e *Engine) conflict(ctx context.Context, sent models.SyncQueueEntry, cause error, rebased bool) (outcome, *models.SyncQueueEntry, error) {
	details, hasState := remote.ConflictOf(cause)
	rec, err := e.records.Find(ctx, sent.Table, sent.Key)
	if err != nil {
		return outcomeFailed, nil, pkgerrors.Wrap(pkgerrors.CodeStorage, err, "read record for conflict")
	}
	if rec == nil {
		return outcomeSucceeded, nil, e.complete(ctx, sent, types.EntityAck{Version: details.Version})
	}

	decision := e.resolver.Resolve(ctx, Conflict{Entry: sent, Local: *rec, Server: details, HasServerState: hasState})
	e.logg.Info(e.logg.WithFields(ctx, map[string]any{
		"resolution":     decision.String(),
		"server_version": details.Version,
	}), "version conflict")

	switch decision {
	case KeepLocal:
		if rebased {
			// the server moved again under the rebased write; back off
			o, err := e.retryLater(ctx, rebase(sent, details), cause)
			return o, nil, err
		}
		var next *models.SyncQueueEntry
		err := e.withEntry(ctx, sent.ID, sent.Table, sent.Key, func(s *txState) error {
			s.entry.BaseVersion = details.Version
			s.entry.UpdatedAt = s.now
			if err := s.entries.Save(ctx, s.entry); err != nil {
				return err
			}
			if s.rec != nil && details.RemoteID != "" {
				id := details.RemoteID
				s.rec.RemoteID = &id
				s.rec.Version = details.Version
				if err := s.records.Save(ctx, s.rec); err != nil {
					return err
				}
			}
			r := rebase(sent, details)
			next = &r
			return nil
		})
		return outcomeConflict, next, err

	case AcceptServer:
		return outcomeConflict, nil, e.acceptServer(ctx, sent, details)

	default:
		err := e.withEntry(ctx, sent.ID, sent.Table, sent.Key, func(s *txState) error {
			s.entry.Attempts++
			return e.deadLetter(ctx, s, enums.DeadLetterVersionConflict, cause)
		})
		return outcomeDeadLettered, nil, err
	}
}

func rebase(entry models.SyncQueueEntry, details types.ConflictDetails) models.SyncQueueEntry {
	entry.BaseVersion = details.Version
	return entry
}

// acceptServer adopts the server copy for the dispatched snapshot. A local
// follow-up written during the call is still sent, based on the server
// version.
func (e *Engine) acceptServer(ctx context.Context, sent models.SyncQueueEntry, details types.ConflictDetails) error {
	return e.withEntry(ctx, sent.ID, sent.Table, sent.Key, func(s *txState) error {
		if s.rec == nil {
			return s.entries.Delete(ctx, s.entry.ID)
		}
		followUp := s.entry.HasFollowUp()
		if details.Deleted && (!followUp || *s.entry.NextOpKind == enums.OpDelete) {
			if err := s.entries.Delete(ctx, s.entry.ID); err != nil {
				return err
			}
			return s.records.Delete(ctx, sent.Table, sent.Key)
		}

		if details.RemoteID != "" {
			id := details.RemoteID
			s.rec.RemoteID = &id
		}
		s.rec.Version = details.Version
		s.rec.CanonicalPayload = details.Payload
		if followUp {
			return promote(s, details.Version, false)
		}
		if err := s.entries.Delete(ctx, s.entry.ID); err != nil {
			return err
		}
		s.rec.Payload = details.Payload
		if !details.LastModifiedAt.IsZero() {
			s.rec.LastModifiedAt = details.LastModifiedAt
		}
		s.rec.SyncState = enums.SyncStateClean
		s.rec.UpdatedAt = s.now
		return s.records.Save(ctx, s.rec)
	})
}
