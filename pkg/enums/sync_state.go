package enums

import "fmt"

// SyncState describes how a cached record relates to its canonical copy.
type SyncState string

const (
	SyncStateClean         SyncState = "clean"
	SyncStatePendingCreate SyncState = "pending_create"
	SyncStatePendingUpdate SyncState = "pending_update"
	SyncStatePendingDelete SyncState = "pending_delete"
	SyncStateConflict      SyncState = "conflict"
)

var validSyncStates = []SyncState{
	SyncStateClean,
	SyncStatePendingCreate,
	SyncStatePendingUpdate,
	SyncStatePendingDelete,
	SyncStateConflict,
}

// String returns the literal string for the state.
func (s SyncState) String() string {
	return string(s)
}

// IsValid reports whether the state is known.
func (s SyncState) IsValid() bool {
	for _, candidate := range validSyncStates {
		if candidate == s {
			return true
		}
	}
	return false
}

// IsPending reports whether the record carries an unacknowledged local change.
func (s SyncState) IsPending() bool {
	switch s {
	case SyncStatePendingCreate, SyncStatePendingUpdate, SyncStatePendingDelete:
		return true
	default:
		return false
	}
}

// ParseSyncState converts raw input into a SyncState.
func ParseSyncState(value string) (SyncState, error) {
	for _, candidate := range validSyncStates {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid sync state %q", value)
}
