package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/angelmondragon/fieldsync/pkg/db/models"
	"github.com/angelmondragon/fieldsync/pkg/enums"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

const maxErrorLen = 1024

// Repository persists the sync queue. Methods run against the bound handle,
// which is a transaction after WithTx.
type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) WithTx(tx *gorm.DB) *Repository {
	if tx == nil {
		return r
	}
	return &Repository{db: tx}
}

// NewEntry builds a pending entry that is ready at now.
func NewEntry(table, key string, op enums.OpKind, payload json.RawMessage, baseVersion int64, now time.Time) *models.SyncQueueEntry {
	return &models.SyncQueueEntry{
		ID:              uuid.NewString(),
		Table:           table,
		Key:             key,
		OpKind:          op,
		PayloadSnapshot: payload,
		BaseVersion:     baseVersion,
		Status:          enums.QueueStatusPending,
		NextAttemptAt:   now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

func (r *Repository) Create(ctx context.Context, entry *models.SyncQueueEntry) error {
	return r.db.WithContext(ctx).Create(entry).Error
}

func (r *Repository) Save(ctx context.Context, entry *models.SyncQueueEntry) error {
	return r.db.WithContext(ctx).Save(entry).Error
}

func (r *Repository) Delete(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Where("id = ?", id).Delete(&models.SyncQueueEntry{}).Error
}

func (r *Repository) DeleteByKey(ctx context.Context, table, key string) error {
	return r.db.WithContext(ctx).
		Where("table_name = ? AND record_key = ?", table, key).
		Delete(&models.SyncQueueEntry{}).Error
}

// DeleteByTable drops every entry of the given tables and returns how many went.
func (r *Repository) DeleteByTable(ctx context.Context, tables []string) (int64, error) {
	res := r.db.WithContext(ctx).Where("table_name IN ?", tables).Delete(&models.SyncQueueEntry{})
	return res.RowsAffected, res.Error
}

func (r *Repository) DeleteAll(ctx context.Context) (int64, error) {
	res := r.db.WithContext(ctx).Where("1 = 1").Delete(&models.SyncQueueEntry{})
	return res.RowsAffected, res.Error
}

// Get returns nil, nil when the entry does not exist.
func (r *Repository) Get(ctx context.Context, id string) (*models.SyncQueueEntry, error) {
	var entry models.SyncQueueEntry
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&entry).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &entry, nil
}

// FindByKey returns the outstanding entry for (table, key), or nil.
func (r *Repository) FindByKey(ctx context.Context, table, key string) (*models.SyncQueueEntry, error) {
	var entry models.SyncQueueEntry
	err := r.db.WithContext(ctx).
		Where("table_name = ? AND record_key = ?", table, key).
		First(&entry).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &entry, nil
}

// List returns entries oldest first, optionally filtered by status.
func (r *Repository) List(ctx context.Context, statuses ...enums.QueueStatus) ([]models.SyncQueueEntry, error) {
	q := r.db.WithContext(ctx).Order("created_at ASC").Order("id ASC")
	if len(statuses) > 0 {
		q = q.Where("status IN ?", statuses)
	}
	var rows []models.SyncQueueEntry
	err := q.Find(&rows).Error
	return rows, err
}

// ClaimReady marks up to limit due pending entries as in flight and returns
// them oldest first. The caller runs it inside a transaction so no entry can
// be claimed twice; the device database has a single connection.
func (r *Repository) ClaimReady(ctx context.Context, now time.Time, limit int) ([]models.SyncQueueEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []models.SyncQueueEntry
	err := r.db.WithContext(ctx).
		Where("status = ? AND next_attempt_at <= ?", enums.QueueStatusPending, now).
		Order("created_at ASC").
		Order("id ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil || len(rows) == 0 {
		return nil, err
	}

	ids := make([]string, 0, len(rows))
	for i := range rows {
		ids = append(ids, rows[i].ID)
		rows[i].Status = enums.QueueStatusInFlight
		rows[i].UpdatedAt = now
	}
	err = r.db.WithContext(ctx).
		Model(&models.SyncQueueEntry{}).
		Where("id IN ? AND status = ?", ids, enums.QueueStatusPending).
		Updates(map[string]any{
			"status":     enums.QueueStatusInFlight,
			"updated_at": now,
		}).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// ResetInFlight returns entries orphaned by a crash to pending without
// charging an attempt.
func (r *Repository) ResetInFlight(ctx context.Context, now time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Model(&models.SyncQueueEntry{}).
		Where("status = ?", enums.QueueStatusInFlight).
		Updates(map[string]any{
			"status":          enums.QueueStatusPending,
			"next_attempt_at": now,
			"updated_at":      now,
		})
	return res.RowsAffected, res.Error
}

// NextDue returns the earliest retry time among pending entries, or nil.
func (r *Repository) NextDue(ctx context.Context) (*time.Time, error) {
	var entry models.SyncQueueEntry
	err := r.db.WithContext(ctx).
		Where("status = ?", enums.QueueStatusPending).
		Order("next_attempt_at ASC").
		First(&entry).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &entry.NextAttemptAt, nil
}

// StatusCount is one row of CountByTable.
type StatusCount struct {
	Table  string            `gorm:"column:table_name"`
	Status enums.QueueStatus `gorm:"column:status"`
	Count  int64             `gorm:"column:total"`
}

func (r *Repository) CountByTable(ctx context.Context) ([]StatusCount, error) {
	var rows []StatusCount
	err := r.db.WithContext(ctx).
		Model(&models.SyncQueueEntry{}).
		Select("table_name, status, COUNT(*) AS total").
		Group("table_name, status").
		Scan(&rows).Error
	return rows, err
}

func (r *Repository) Count(ctx context.Context) (int64, error) {
	var total int64
	err := r.db.WithContext(ctx).Model(&models.SyncQueueEntry{}).Count(&total).Error
	return total, err
}

func truncateError(message string) string {
	if len(message) <= maxErrorLen {
		return message
	}
	return message[:maxErrorLen]
}

// ErrorMessage renders err for the last_error column.
func ErrorMessage(err error) *string {
	if err == nil {
		return nil
	}
	msg := truncateError(err.Error())
	return &msg
}
