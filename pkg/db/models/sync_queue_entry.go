package models

import (
	"encoding/json"
	"time"

	"github.com/angelmondragon/fieldsync/pkg/enums"
)

// SyncQueueEntry is the single outstanding mutation for a (table, key).
// PayloadSnapshot is frozen once the entry is claimed; writes made while the
// entry is in flight land in NextOpKind/NextPayload.
type SyncQueueEntry struct {
	ID              string            `gorm:"column:id;primaryKey"`
	Table           string            `gorm:"column:table_name;not null"`
	Key             string            `gorm:"column:record_key;not null"`
	OpKind          enums.OpKind      `gorm:"column:op_kind;not null"`
	PayloadSnapshot json.RawMessage   `gorm:"column:payload_snapshot"`
	BaseVersion     int64             `gorm:"column:base_version;not null;default:0"`
	Status          enums.QueueStatus `gorm:"column:status;not null"`
	Attempts        int               `gorm:"column:attempts;not null;default:0"`
	LastError       *string           `gorm:"column:last_error"`
	NextAttemptAt   time.Time         `gorm:"column:next_attempt_at;not null"`
	NextOpKind      *enums.OpKind     `gorm:"column:next_op_kind"`
	NextPayload     json.RawMessage   `gorm:"column:next_payload"`
	CreatedAt       time.Time         `gorm:"column:created_at;autoCreateTime:false"`
	UpdatedAt       time.Time         `gorm:"column:updated_at;autoUpdateTime:false"`
}

func (SyncQueueEntry) TableName() string { return "sync_queue" }

// HasFollowUp reports whether a write arrived while the entry was in flight.
func (e SyncQueueEntry) HasFollowUp() bool {
	return e.NextOpKind != nil
}
