package models

import (
	"encoding/json"
	"time"

	"github.com/angelmondragon/fieldsync/pkg/enums"
)

// MediaAsset is a captured binary waiting to be (or already) uploaded.
// ByteSource is a path on the device; the bytes are read only at upload time.
type MediaAsset struct {
	LocalMediaID    string                `gorm:"column:local_media_id;primaryKey"`
	EntityName      string                `gorm:"column:entity_name;not null"`
	EntityID        string                `gorm:"column:entity_id;not null"`
	FileName        string                `gorm:"column:file_name;not null"`
	MimeType        string                `gorm:"column:mime_type;not null"`
	BackendFileType enums.BackendFileType `gorm:"column:backend_file_type;not null"`
	DeviceID        string                `gorm:"column:device_id;not null"`
	UserID          string                `gorm:"column:user_id;not null"`
	Metadata        json.RawMessage       `gorm:"column:metadata_json"`
	ByteSource      string                `gorm:"column:byte_source;not null"`
	SizeBytes       int64                 `gorm:"column:size_bytes;not null;default:0"`
	UploadState     enums.UploadState     `gorm:"column:upload_state;not null"`
	RemoteMediaID   *string               `gorm:"column:remote_media_id"`
	BlobURL         *string               `gorm:"column:blob_url"`
	RetryCount      int                   `gorm:"column:retry_count;not null;default:0"`
	LastError       *string               `gorm:"column:last_error"`
	CreatedAt       time.Time             `gorm:"column:created_at;autoCreateTime:false"`
	UpdatedAt       time.Time             `gorm:"column:updated_at;autoUpdateTime:false"`
	UploadedAt      *time.Time            `gorm:"column:uploaded_at"`
}

func (MediaAsset) TableName() string { return "media_assets" }
