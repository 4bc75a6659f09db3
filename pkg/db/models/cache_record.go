package models

import (
	"encoding/json"
	"time"

	"github.com/angelmondragon/fieldsync/pkg/enums"
)

// CacheRecord is one locally cached entity row, canonical or dirty.
type CacheRecord struct {
	Table            string          `gorm:"column:table_name;primaryKey"`
	Key              string          `gorm:"column:record_key;primaryKey"`
	LocalID          string          `gorm:"column:local_id;not null"`
	RemoteID         *string         `gorm:"column:remote_id"`
	Version          int64           `gorm:"column:version;not null;default:0"`
	SyncState        enums.SyncState `gorm:"column:sync_state;not null"`
	Payload          json.RawMessage `gorm:"column:payload;not null"`
	CanonicalPayload json.RawMessage `gorm:"column:canonical_payload"`
	LastModifiedAt   time.Time       `gorm:"column:last_modified_at;not null"`
	CreatedAt        time.Time       `gorm:"column:created_at;autoCreateTime:false"`
	UpdatedAt        time.Time       `gorm:"column:updated_at;autoUpdateTime:false"`
}

func (CacheRecord) TableName() string { return "cache_records" }

// Acknowledged reports whether the remote has ever confirmed this record.
func (r CacheRecord) Acknowledged() bool {
	return r.RemoteID != nil && *r.RemoteID != ""
}
