package media

import (
	"context"
	"errors"
	"time"

	"github.com/angelmondragon/fieldsync/pkg/db/models"
	"github.com/angelmondragon/fieldsync/pkg/enums"
	"gorm.io/gorm"
)

// Repository persists media assets on the device.
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

func (r *Repository) Create(ctx context.Context, asset *models.MediaAsset) error {
	return r.db.WithContext(ctx).Create(asset).Error
}

func (r *Repository) Save(ctx context.Context, asset *models.MediaAsset) error {
	return r.db.WithContext(ctx).Save(asset).Error
}

// Get returns nil, nil when the asset does not exist.
func (r *Repository) Get(ctx context.Context, id string) (*models.MediaAsset, error) {
	var asset models.MediaAsset
	err := r.db.WithContext(ctx).Where("local_media_id = ?", id).Take(&asset).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &asset, nil
}

// ListByState returns assets in the given states, oldest capture first.
// A non-positive limit returns every match.
func (r *Repository) ListByState(ctx context.Context, limit int, states ...enums.UploadState) ([]models.MediaAsset, error) {
	q := r.db.WithContext(ctx).Order("created_at ASC").Order("local_media_id ASC")
	if len(states) > 0 {
		q = q.Where("upload_state IN ?", states)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var assets []models.MediaAsset
	if err := q.Find(&assets).Error; err != nil {
		return nil, err
	}
	return assets, nil
}

// ListByIDs preserves the order of ids; unknown ids are skipped.
func (r *Repository) ListByIDs(ctx context.Context, ids []string) ([]models.MediaAsset, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var found []models.MediaAsset
	if err := r.db.WithContext(ctx).Where("local_media_id IN ?", ids).Find(&found).Error; err != nil {
		return nil, err
	}
	byID := make(map[string]models.MediaAsset, len(found))
	for _, a := range found {
		byID[a.LocalMediaID] = a
	}
	out := make([]models.MediaAsset, 0, len(found))
	for _, id := range ids {
		if a, ok := byID[id]; ok {
			out = append(out, a)
			delete(byID, id)
		}
	}
	return out, nil
}

// Claim moves an active asset to uploading. It reports false when another
// uploader, possibly in another process, got there first or the asset left
// the active states.
func (r *Repository) Claim(ctx context.Context, id string, now time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&models.MediaAsset{}).
		Where("local_media_id = ? AND upload_state IN ?", id, []enums.UploadState{enums.UploadStateQueued, enums.UploadStateFailed}).
		Updates(map[string]any{"upload_state": enums.UploadStateUploading, "updated_at": now})
	return res.RowsAffected == 1, res.Error
}

// ResetUploading returns assets stranded in the uploading state to queued.
func (r *Repository) ResetUploading(ctx context.Context, now time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Model(&models.MediaAsset{}).
		Where("upload_state = ?", enums.UploadStateUploading).
		Updates(map[string]any{"upload_state": enums.UploadStateQueued, "updated_at": now})
	return res.RowsAffected, res.Error
}

type StateCount struct {
	State enums.UploadState `gorm:"column:upload_state" json:"state"`
	Count int64             `gorm:"column:total" json:"count"`
}

func (r *Repository) CountByState(ctx context.Context) ([]StateCount, error) {
	var rows []StateCount
	err := r.db.WithContext(ctx).Model(&models.MediaAsset{}).
		Select("upload_state, COUNT(*) AS total").
		Group("upload_state").
		Order("upload_state").
		Scan(&rows).Error
	return rows, err
}
