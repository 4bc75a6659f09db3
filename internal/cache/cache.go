package cache

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/angelmondragon/fieldsync/internal/queue"
	"github.com/angelmondragon/fieldsync/pkg/clock"
	"github.com/angelmondragon/fieldsync/pkg/db/models"
	"github.com/angelmondragon/fieldsync/pkg/enums"
	pkgerrors "github.com/angelmondragon/fieldsync/pkg/errors"
	"github.com/angelmondragon/fieldsync/pkg/logger"
	"github.com/angelmondragon/fieldsync/pkg/types"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type dbClient interface {
	DB() *gorm.DB
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// Options configures the local cache.
type Options struct {
	DB     dbClient
	Clock  clock.Clock
	Logger *logger.Logger
	// Tables restricts writes to known entity tables. Empty allows any table.
	Tables []string
}

// Cache is the device-side store of entity records. Every mutation updates
// the record and its queue entry in one local transaction and never touches
// the network.
type Cache struct {
	db      dbClient
	records *Repository
	queue   *queue.Repository
	dlq     *queue.DLQRepository
	clock   clock.Clock
	logg    *logger.Logger
	tables  []string
	known   map[string]struct{}

	mu        sync.Mutex
	onWrite   map[int]func(table, key string)
	nextSubID int
}

// TableStats summarises one table for diagnostics.
type TableStats struct {
	Table     string `json:"table"`
	Records   int64  `json:"records"`
	Clean     int64  `json:"clean"`
	Pending   int64  `json:"pending"`
	Conflicts int64  `json:"conflicts"`
}

func New(opts Options) (*Cache, error) {
	if opts.DB == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "database client is required")
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}
	known := make(map[string]struct{}, len(opts.Tables))
	for _, t := range opts.Tables {
		if t = strings.TrimSpace(t); t != "" {
			known[t] = struct{}{}
		}
	}
	conn := opts.DB.DB()
	return &Cache{
		db:      opts.DB,
		records: NewRepository(conn),
		queue:   queue.NewRepository(conn),
		dlq:     queue.NewDLQRepository(conn),
		clock:   opts.Clock,
		logg:    opts.Logger,
		tables:  opts.Tables,
		known:   known,
		onWrite: map[int]func(table, key string){},
	}, nil
}

// KnownTables returns the configured entity tables.
func (c *Cache) KnownTables() []string {
	return append([]string(nil), c.tables...)
}

// StoredTables lists the configured tables, or every table holding records
// when none are configured.
func (c *Cache) StoredTables(ctx context.Context) ([]string, error) {
	if len(c.tables) > 0 {
		return c.KnownTables(), nil
	}
	tables, err := c.records.Tables(ctx)
	if err != nil {
		return nil, storageError(err, "list cached tables")
	}
	return tables, nil
}

// OnWrite registers fn to run after every committed local mutation.
func (c *Cache) OnWrite(fn func(table, key string)) (unsubscribe func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextSubID
	c.nextSubID++
	c.onWrite[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.onWrite, id)
	}
}

func (c *Cache) notifyWrite(table, key string) {
	c.mu.Lock()
	subs := make([]func(string, string), 0, len(c.onWrite))
	for _, fn := range c.onWrite {
		subs = append(subs, fn)
	}
	c.mu.Unlock()
	for _, fn := range subs {
		fn(table, key)
	}
}

// Get returns the cached record. Records awaiting a delete acknowledgement
// are still returned, flagged PendingDelete.
func (c *Cache) Get(ctx context.Context, table, key string) (*models.CacheRecord, error) {
	if err := c.validateKey(table, key); err != nil {
		return nil, err
	}
	rec, err := c.records.Find(ctx, table, key)
	if err != nil {
		return nil, storageError(err, "read cache record")
	}
	if rec == nil {
		return nil, notFound(table, key)
	}
	return rec, nil
}

// Put creates or overwrites a record and coalesces its pending operation.
func (c *Cache) Put(ctx context.Context, table, key string, payload json.RawMessage) (*models.CacheRecord, error) {
	if err := c.validateKey(table, key); err != nil {
		return nil, err
	}
	if len(payload) == 0 || !json.Valid(payload) {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "payload must be valid JSON").
			WithDetails(map[string]any{"table": table, "key": key})
	}

	var saved models.CacheRecord
	err := c.inTx(ctx, func(tx *gorm.DB) error {
		records := c.records.WithTx(tx)
		entries := c.queue.WithTx(tx)

		rec, err := records.Find(ctx, table, key)
		if err != nil {
			return err
		}
		if rec != nil && rec.SyncState == enums.SyncStateConflict {
			return conflictError(table, key, "record is in conflict; resolve it before writing")
		}

		now := c.clock.Now()
		if rec == nil {
			rec = &models.CacheRecord{
				Table:     table,
				Key:       key,
				LocalID:   uuid.NewString(),
				CreatedAt: now,
			}
		}
		rec.Payload = payload
		rec.LastModifiedAt = now
		rec.UpdatedAt = now

		requested := enums.OpCreate
		if rec.Acknowledged() {
			requested = enums.OpUpdate
		}

		entry, err := entries.FindByKey(ctx, table, key)
		if err != nil {
			return err
		}

		switch {
		case entry == nil:
			entry = queue.NewEntry(table, key, requested, payload, rec.Version, now)
			if err := entries.Create(ctx, entry); err != nil {
				return err
			}
			rec.SyncState = requested.PendingState()

		case entry.Status == enums.QueueStatusInFlight:
			slot := queue.SlotOp(requested)
			if entry.NextOpKind != nil {
				slot, _ = queue.Merge(*entry.NextOpKind, requested, true)
			}
			entry.NextOpKind = &slot
			entry.NextPayload = payload
			entry.UpdatedAt = now
			if err := entries.Save(ctx, entry); err != nil {
				return err
			}
			effective, _ := queue.Merge(entry.OpKind, slot, true)
			rec.SyncState = effective.PendingState()

		default:
			merged, _ := queue.Merge(entry.OpKind, requested, entry.Attempts > 0)
			resetEntry(entry, merged, payload, now)
			if err := entries.Save(ctx, entry); err != nil {
				return err
			}
			rec.SyncState = merged.PendingState()
		}

		if err := records.Save(ctx, rec); err != nil {
			return err
		}
		saved = *rec
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.logg.Debug(c.logg.WithFields(ctx, map[string]any{"table": table, "key": key, "sync_state": saved.SyncState}), "cache record written")
	c.notifyWrite(table, key)
	return &saved, nil
}

// Delete removes a record. A record the remote never acknowledged goes away
// immediately together with its queue entry; otherwise the record stays
// PendingDelete until the remote confirms.
func (c *Cache) Delete(ctx context.Context, table, key string) error {
	if err := c.validateKey(table, key); err != nil {
		return err
	}

	err := c.inTx(ctx, func(tx *gorm.DB) error {
		records := c.records.WithTx(tx)
		entries := c.queue.WithTx(tx)

		rec, err := records.Find(ctx, table, key)
		if err != nil {
			return err
		}
		if rec == nil {
			return notFound(table, key)
		}
		if rec.SyncState == enums.SyncStateConflict {
			return conflictError(table, key, "record is in conflict; resolve it before deleting")
		}

		entry, err := entries.FindByKey(ctx, table, key)
		if err != nil {
			return err
		}

		now := c.clock.Now()
		switch {
		case entry == nil:
			if !rec.Acknowledged() {
				return records.Delete(ctx, table, key)
			}
			if err := entries.Create(ctx, queue.NewEntry(table, key, enums.OpDelete, nil, rec.Version, now)); err != nil {
				return err
			}

		case entry.Status == enums.QueueStatusInFlight:
			slot := enums.OpDelete
			entry.NextOpKind = &slot
			entry.NextPayload = nil
			entry.UpdatedAt = now
			if err := entries.Save(ctx, entry); err != nil {
				return err
			}

		default:
			merged, drop := queue.Merge(entry.OpKind, enums.OpDelete, entry.Attempts > 0)
			if drop {
				if err := entries.Delete(ctx, entry.ID); err != nil {
					return err
				}
				return records.Delete(ctx, table, key)
			}
			resetEntry(entry, merged, nil, now)
			if err := entries.Save(ctx, entry); err != nil {
				return err
			}
		}

		rec.SyncState = enums.SyncStatePendingDelete
		rec.LastModifiedAt = now
		rec.UpdatedAt = now
		return records.Save(ctx, rec)
	})
	if err != nil {
		return err
	}

	c.notifyWrite(table, key)
	return nil
}

// ListByTable returns every cached record of table ordered by key.
func (c *Cache) ListByTable(ctx context.Context, table string) ([]models.CacheRecord, error) {
	if strings.TrimSpace(table) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "table is required")
	}
	rows, err := c.records.ListByTable(ctx, table)
	if err != nil {
		return nil, storageError(err, "list cache records")
	}
	return rows, nil
}

// Stats returns record and pending counts per table, including configured
// tables that hold no records yet.
func (c *Cache) Stats(ctx context.Context) ([]TableStats, error) {
	counts, err := c.records.CountByTable(ctx)
	if err != nil {
		return nil, storageError(err, "count cache records")
	}

	byTable := map[string]*TableStats{}
	order := make([]string, 0, len(c.tables))
	get := func(table string) *TableStats {
		if s, ok := byTable[table]; ok {
			return s
		}
		s := &TableStats{Table: table}
		byTable[table] = s
		order = append(order, table)
		return s
	}
	for _, t := range c.tables {
		get(t)
	}
	for _, row := range counts {
		s := get(row.Table)
		s.Records += row.Count
		switch {
		case row.State == enums.SyncStateClean:
			s.Clean += row.Count
		case row.State == enums.SyncStateConflict:
			s.Conflicts += row.Count
		case row.State.IsPending():
			s.Pending += row.Count
		}
	}

	out := make([]TableStats, 0, len(order))
	for _, t := range order {
		out = append(out, *byTable[t])
	}
	return out, nil
}

// ResolveConflict clears the Conflict state of a record. keepLocal requeues
// the local change with a fresh retry budget; otherwise the last acknowledged
// payload is restored, or the record is dropped if it was never acknowledged.
func (c *Cache) ResolveConflict(ctx context.Context, table, key string, keepLocal bool) (*models.CacheRecord, error) {
	if err := c.validateKey(table, key); err != nil {
		return nil, err
	}

	var result *models.CacheRecord
	err := c.inTx(ctx, func(tx *gorm.DB) error {
		records := c.records.WithTx(tx)
		entries := c.queue.WithTx(tx)
		letters := c.dlq.WithTx(tx)

		rec, err := records.Find(ctx, table, key)
		if err != nil {
			return err
		}
		if rec == nil {
			return notFound(table, key)
		}
		if rec.SyncState != enums.SyncStateConflict {
			return pkgerrors.New(pkgerrors.CodeValidation, "record is not in conflict").
				WithDetails(map[string]any{"table": table, "key": key, "sync_state": rec.SyncState})
		}

		letter, err := letters.FindByKey(ctx, table, key)
		if err != nil {
			return err
		}
		if err := entries.DeleteByKey(ctx, table, key); err != nil {
			return err
		}
		if err := letters.DeleteByKey(ctx, table, key); err != nil {
			return err
		}

		now := c.clock.Now()
		if keepLocal {
			op := enums.OpCreate
			if rec.Acknowledged() {
				op = enums.OpUpdate
			}
			payload := json.RawMessage(rec.Payload)
			if letter != nil {
				op = letter.OpKind
				if op == enums.OpCreate && rec.Acknowledged() {
					op = enums.OpUpdate
				}
				if op == enums.OpDelete {
					payload = nil
				}
			}
			if err := entries.Create(ctx, queue.NewEntry(table, key, op, payload, rec.Version, now)); err != nil {
				return err
			}
			rec.SyncState = op.PendingState()
			rec.UpdatedAt = now
			if err := records.Save(ctx, rec); err != nil {
				return err
			}
			result = rec
			return nil
		}

		if !rec.Acknowledged() || len(rec.CanonicalPayload) == 0 {
			return records.Delete(ctx, table, key)
		}
		rec.Payload = rec.CanonicalPayload
		rec.SyncState = enums.SyncStateClean
		rec.UpdatedAt = now
		if err := records.Save(ctx, rec); err != nil {
			return err
		}
		result = rec
		return nil
	})
	if err != nil {
		return nil, err
	}

	fields := map[string]any{"table": table, "key": key, "keep_local": keepLocal}
	c.logg.Info(c.logg.WithFields(ctx, fields), "cache conflict resolved")
	if keepLocal {
		c.notifyWrite(table, key)
	}
	return result, nil
}

// SeedCanonical upserts server-authoritative records as Clean. It refuses to
// overwrite a record carrying unacknowledged local changes.
func (c *Cache) SeedCanonical(ctx context.Context, table string, records []types.CanonicalRecord) error {
	if strings.TrimSpace(table) == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "table is required")
	}
	return c.inTx(ctx, func(tx *gorm.DB) error {
		repo := c.records.WithTx(tx)
		now := c.clock.Now()
		for _, canonical := range records {
			existing, err := repo.Find(ctx, table, canonical.Key)
			if err != nil {
				return err
			}
			if existing != nil && existing.SyncState != enums.SyncStateClean {
				return conflictError(table, canonical.Key, "record has local changes")
			}
			if err := repo.Save(ctx, canonicalRecord(table, canonical, existing, now)); err != nil {
				return err
			}
		}
		return nil
	})
}

// ReplaceTable swaps the whole cached table for a canonical snapshot. Without
// discardLocal it fails with a conflict when any record is not Clean. It
// returns the number of local operations thrown away.
func (c *Cache) ReplaceTable(ctx context.Context, table string, snapshot []types.CanonicalRecord, discardLocal bool) (int64, error) {
	var dropped int64
	err := c.inTx(ctx, func(tx *gorm.DB) error {
		records := c.records.WithTx(tx)
		entries := c.queue.WithTx(tx)
		letters := c.dlq.WithTx(tx)

		dirty, err := records.ListNotClean(ctx, []string{table})
		if err != nil {
			return err
		}
		if len(dirty) > 0 && !discardLocal {
			return pendingConflict(table, len(dirty))
		}

		if dropped, err = entries.DeleteByTable(ctx, []string{table}); err != nil {
			return err
		}
		if _, err := letters.DeleteByTable(ctx, []string{table}); err != nil {
			return err
		}
		if _, err := records.DeleteByTable(ctx, []string{table}); err != nil {
			return err
		}

		now := c.clock.Now()
		for _, canonical := range snapshot {
			if err := records.Save(ctx, canonicalRecord(table, canonical, nil, now)); err != nil {
				return err
			}
		}
		return nil
	})
	return dropped, err
}

// Wipe drops records, queue entries and dead letters of the given tables
// (every table holding records when none are given). It returns the number
// of queued operations lost.
func (c *Cache) Wipe(ctx context.Context, tables []string) (int64, error) {
	var dropped int64
	err := c.inTx(ctx, func(tx *gorm.DB) error {
		records := c.records.WithTx(tx)
		entries := c.queue.WithTx(tx)
		letters := c.dlq.WithTx(tx)

		if len(tables) == 0 {
			var err error
			if dropped, err = entries.DeleteAll(ctx); err != nil {
				return err
			}
			if err := tx.WithContext(ctx).Where("1 = 1").Delete(&models.SyncDeadLetter{}).Error; err != nil {
				return err
			}
			return tx.WithContext(ctx).Where("1 = 1").Delete(&models.CacheRecord{}).Error
		}

		var err error
		if dropped, err = entries.DeleteByTable(ctx, tables); err != nil {
			return err
		}
		if _, err := letters.DeleteByTable(ctx, tables); err != nil {
			return err
		}
		_, err = records.DeleteByTable(ctx, tables)
		return err
	})
	return dropped, err
}

// PendingCount returns the number of records that are not Clean.
func (c *Cache) PendingCount(ctx context.Context, tables []string) (int, error) {
	rows, err := c.records.ListNotClean(ctx, tables)
	if err != nil {
		return 0, storageError(err, "list pending records")
	}
	return len(rows), nil
}

func (c *Cache) validateKey(table, key string) error {
	if strings.TrimSpace(table) == "" || strings.TrimSpace(key) == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "table and key are required")
	}
	if len(c.known) > 0 {
		if _, ok := c.known[table]; !ok {
			return pkgerrors.New(pkgerrors.CodeValidation, "unknown table").
				WithDetails(map[string]any{"table": table})
		}
	}
	return nil
}

func (c *Cache) inTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	err := c.db.WithTx(ctx, fn)
	if err == nil {
		return nil
	}
	if pkgerrors.As(err) != nil {
		return err
	}
	return storageError(err, "local cache transaction failed")
}

// resetEntry replaces the snapshot of a queued entry. A fresh local write is
// a fresh attempt, so the retry budget and any failure are cleared.
func resetEntry(entry *models.SyncQueueEntry, op enums.OpKind, payload json.RawMessage, now time.Time) {
	entry.OpKind = op
	entry.PayloadSnapshot = payload
	entry.Status = enums.QueueStatusPending
	entry.Attempts = 0
	entry.LastError = nil
	entry.NextAttemptAt = now
	entry.UpdatedAt = now
}

func canonicalRecord(table string, canonical types.CanonicalRecord, existing *models.CacheRecord, now time.Time) *models.CacheRecord {
	remoteID := canonical.RemoteID
	rec := &models.CacheRecord{
		Table:            table,
		Key:              canonical.Key,
		LocalID:          uuid.NewString(),
		RemoteID:         &remoteID,
		Version:          canonical.Version,
		SyncState:        enums.SyncStateClean,
		Payload:          canonical.Payload,
		CanonicalPayload: canonical.Payload,
		LastModifiedAt:   canonical.LastModifiedAt,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if existing != nil {
		rec.LocalID = existing.LocalID
		rec.CreatedAt = existing.CreatedAt
	}
	if rec.LastModifiedAt.IsZero() {
		rec.LastModifiedAt = now
	}
	return rec
}

func notFound(table, key string) error {
	return pkgerrors.New(pkgerrors.CodeNotFound, "cache record not found").
		WithDetails(map[string]any{"table": table, "key": key})
}

func conflictError(table, key, message string) error {
	return pkgerrors.New(pkgerrors.CodeConflict, message).
		WithDetails(map[string]any{"table": table, "key": key})
}

func pendingConflict(table string, pending int) error {
	return pkgerrors.New(pkgerrors.CodeConflict, "table has records that are not clean").
		WithDetails(map[string]any{"table": table, "pending": pending})
}

func storageError(err error, message string) error {
	return pkgerrors.Wrap(pkgerrors.CodeStorage, err, message)
}
