package cache

import (
	"context"
	"errors"

	"github.com/angelmondragon/fieldsync/pkg/db/models"
	"github.com/angelmondragon/fieldsync/pkg/enums"
	"gorm.io/gorm"
)

// Repository persists cache records.
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

// Find returns nil, nil when the record does not exist.
func (r *Repository) Find(ctx context.Context, table, key string) (*models.CacheRecord, error) {
	var rec models.CacheRecord
	err := r.db.WithContext(ctx).
		Where("table_name = ? AND record_key = ?", table, key).
		First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

func (r *Repository) Save(ctx context.Context, rec *models.CacheRecord) error {
	return r.db.WithContext(ctx).Save(rec).Error
}

func (r *Repository) Delete(ctx context.Context, table, key string) error {
	return r.db.WithContext(ctx).
		Where("table_name = ? AND record_key = ?", table, key).
		Delete(&models.CacheRecord{}).Error
}

func (r *Repository) DeleteByTable(ctx context.Context, tables []string) (int64, error) {
	res := r.db.WithContext(ctx).Where("table_name IN ?", tables).Delete(&models.CacheRecord{})
	return res.RowsAffected, res.Error
}

func (r *Repository) ListByTable(ctx context.Context, table string) ([]models.CacheRecord, error) {
	var rows []models.CacheRecord
	err := r.db.WithContext(ctx).
		Where("table_name = ?", table).
		Order("record_key ASC").
		Find(&rows).Error
	return rows, err
}

// ListNotClean returns every record with a pending or conflicting change in
// the given tables (all tables when none are given).
func (r *Repository) ListNotClean(ctx context.Context, tables []string) ([]models.CacheRecord, error) {
	q := r.db.WithContext(ctx).Where("sync_state <> ?", enums.SyncStateClean)
	if len(tables) > 0 {
		q = q.Where("table_name IN ?", tables)
	}
	var rows []models.CacheRecord
	err := q.Order("table_name ASC").Order("record_key ASC").Find(&rows).Error
	return rows, err
}

// Tables lists every table that currently holds records.
func (r *Repository) Tables(ctx context.Context) ([]string, error) {
	var tables []string
	err := r.db.WithContext(ctx).
		Model(&models.CacheRecord{}).
		Distinct("table_name").
		Order("table_name ASC").
		Pluck("table_name", &tables).Error
	return tables, err
}

// StateCount is one row of CountByTable.
type StateCount struct {
	Table string          `gorm:"column:table_name"`
	State enums.SyncState `gorm:"column:sync_state"`
	Count int64           `gorm:"column:total"`
}

func (r *Repository) CountByTable(ctx context.Context) ([]StateCount, error) {
	var rows []StateCount
	err := r.db.WithContext(ctx).
		Model(&models.CacheRecord{}).
		Select("table_name, sync_state, COUNT(*) AS total").
		Group("table_name, sync_state").
		Scan(&rows).Error
	return rows, err
}
