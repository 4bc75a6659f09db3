package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// RemoteEntity is the canonical copy of an entity held by the sync server.
type RemoteEntity struct {
	ID             uuid.UUID       `gorm:"column:id;type:uuid;primaryKey"`
	Table          string          `gorm:"column:table_name;not null;uniqueIndex:idx_remote_entities_table_key"`
	Key            string          `gorm:"column:record_key;not null;uniqueIndex:idx_remote_entities_table_key"`
	Version        int64           `gorm:"column:version;not null"`
	Payload        json.RawMessage `gorm:"column:payload;not null"`
	Deleted        bool            `gorm:"column:deleted;not null;default:false"`
	LastModifiedAt time.Time       `gorm:"column:last_modified_at;not null"`
	CreatedAt      time.Time       `gorm:"column:created_at;autoCreateTime"`
}

func (RemoteEntity) TableName() string { return "remote_entities" }

// RemoteMedia is an uploaded attachment stored by the sync server.
type RemoteMedia struct {
	ID         uuid.UUID `gorm:"column:id;type:uuid;primaryKey"`
	EntityName string    `gorm:"column:entity_name;not null;index:idx_remote_media_entity"`
	EntityID   string    `gorm:"column:entity_id;not null;index:idx_remote_media_entity"`
	FileName   string    `gorm:"column:file_name;not null"`
	MimeType   string    `gorm:"column:mime_type;not null"`
	FileType   string    `gorm:"column:file_type;not null"`
	DeviceID   string    `gorm:"column:device_id"`
	UserID     string    `gorm:"column:user_id"`
	Metadata   string    `gorm:"column:metadata"`
	SizeBytes  int64     `gorm:"column:size_bytes;not null"`
	Content    []byte    `gorm:"column:content"`
	CreatedAt  time.Time `gorm:"column:created_at;autoCreateTime"`
}

func (RemoteMedia) TableName() string { return "remote_media" }
