package models

import (
	"encoding/json"
	"time"

	"github.com/angelmondragon/fieldsync/pkg/enums"
)

// SyncDeadLetter captures entries that exhausted their retry budget.
type SyncDeadLetter struct {
	ID           string                 `gorm:"column:id;primaryKey"`
	EntryID      string                 `gorm:"column:entry_id;not null"`
	Table        string                 `gorm:"column:table_name;not null"`
	Key          string                 `gorm:"column:record_key;not null"`
	OpKind       enums.OpKind           `gorm:"column:op_kind;not null"`
	Payload      json.RawMessage        `gorm:"column:payload"`
	BaseVersion  int64                  `gorm:"column:base_version;not null;default:0"`
	Reason       enums.DeadLetterReason `gorm:"column:reason;not null"`
	ErrorMessage *string                `gorm:"column:error_message"`
	Attempts     int                    `gorm:"column:attempts;not null;default:0"`
	EntryCreated time.Time              `gorm:"column:entry_created_at;not null"`
	FailedAt     time.Time              `gorm:"column:failed_at;not null"`
}

func (SyncDeadLetter) TableName() string { return "sync_dead_letters" }
