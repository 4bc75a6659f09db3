package queue

import (
	"context"
	"errors"
	"time"

	"github.com/angelmondragon/fieldsync/pkg/db/models"
	"github.com/angelmondragon/fieldsync/pkg/enums"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type DLQRepository struct {
	db *gorm.DB
}

func NewDLQRepository(db *gorm.DB) *DLQRepository {
	return &DLQRepository{db: db}
}

func (r *DLQRepository) WithTx(tx *gorm.DB) *DLQRepository {
	if tx == nil {
		return r
	}
	return &DLQRepository{db: tx}
}

// FromEntry builds the dead letter for an entry leaving the queue. payload and
// op are the latest local intent, which includes any coalesced follow-up.
func FromEntry(entry models.SyncQueueEntry, op enums.OpKind, reason enums.DeadLetterReason, err error, now time.Time) models.SyncDeadLetter {
	payload := entry.PayloadSnapshot
	if entry.HasFollowUp() {
		payload = entry.NextPayload
	}
	return models.SyncDeadLetter{
		ID:           uuid.NewString(),
		EntryID:      entry.ID,
		Table:        entry.Table,
		Key:          entry.Key,
		OpKind:       op,
		Payload:      payload,
		BaseVersion:  entry.BaseVersion,
		Reason:       reason,
		ErrorMessage: ErrorMessage(err),
		Attempts:     entry.Attempts,
		EntryCreated: entry.CreatedAt,
		FailedAt:     now,
	}
}

func (r *DLQRepository) Insert(ctx context.Context, letter models.SyncDeadLetter) error {
	if letter.ErrorMessage != nil {
		msg := truncateError(*letter.ErrorMessage)
		letter.ErrorMessage = &msg
	}
	return r.db.WithContext(ctx).Create(&letter).Error
}

// FindByKey returns the newest dead letter for (table, key), or nil.
func (r *DLQRepository) FindByKey(ctx context.Context, table, key string) (*models.SyncDeadLetter, error) {
	var letter models.SyncDeadLetter
	err := r.db.WithContext(ctx).
		Where("table_name = ? AND record_key = ?", table, key).
		Order("failed_at DESC").
		First(&letter).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &letter, nil
}

func (r *DLQRepository) DeleteByKey(ctx context.Context, table, key string) error {
	return r.db.WithContext(ctx).
		Where("table_name = ? AND record_key = ?", table, key).
		Delete(&models.SyncDeadLetter{}).Error
}

func (r *DLQRepository) DeleteByTable(ctx context.Context, tables []string) (int64, error) {
	res := r.db.WithContext(ctx).Where("table_name IN ?", tables).Delete(&models.SyncDeadLetter{})
	return res.RowsAffected, res.Error
}

func (r *DLQRepository) List(ctx context.Context, limit int) ([]models.SyncDeadLetter, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []models.SyncDeadLetter
	err := r.db.WithContext(ctx).
		Order("failed_at DESC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

// TableCount is one row of CountByTable.
type TableCount struct {
	Table string `gorm:"column:table_name"`
	Count int64  `gorm:"column:total"`
}

func (r *DLQRepository) CountByTable(ctx context.Context) ([]TableCount, error) {
	var rows []TableCount
	err := r.db.WithContext(ctx).
		Model(&models.SyncDeadLetter{}).
		Select("table_name, COUNT(*) AS total").
		Group("table_name").
		Scan(&rows).Error
	return rows, err
}

func (r *DLQRepository) Count(ctx context.Context) (int64, error) {
	var total int64
	err := r.db.WithContext(ctx).Model(&models.SyncDeadLetter{}).Count(&total).Error
	return total, err
}
