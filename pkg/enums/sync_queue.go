package enums

import "fmt"

// OpKind is the mutation a queue entry replays against the remote.
type OpKind string

const (
	OpCreate OpKind = "create"
	OpUpdate OpKind = "update"
	OpDelete OpKind = "delete"
)

var validOpKinds = []OpKind{
	OpCreate,
	OpUpdate,
	OpDelete,
}

func (o OpKind) String() string {
	return string(o)
}

// IsValid reports whether the op kind is known.
func (o OpKind) IsValid() bool {
	for _, candidate := range validOpKinds {
		if candidate == o {
			return true
		}
	}
	return false
}

// PendingState maps the op kind to the sync state of the record it belongs to.
func (o OpKind) PendingState() SyncState {
	switch o {
	case OpCreate:
		return SyncStatePendingCreate
	case OpDelete:
		return SyncStatePendingDelete
	default:
		return SyncStatePendingUpdate
	}
}

// ParseOpKind converts raw input into an OpKind.
func ParseOpKind(value string) (OpKind, error) {
	for _, candidate := range validOpKinds {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid op kind %q", value)
}

// QueueStatus tracks where a sync queue entry is in its dispatch cycle.
type QueueStatus string

const (
	QueueStatusPending  QueueStatus = "pending"
	QueueStatusInFlight QueueStatus = "in_flight"
	QueueStatusFailed   QueueStatus = "failed"
)

var validQueueStatuses = []QueueStatus{
	QueueStatusPending,
	QueueStatusInFlight,
	QueueStatusFailed,
}

func (q QueueStatus) String() string {
	return string(q)
}

// IsValid reports whether the status is known.
func (q QueueStatus) IsValid() bool {
	for _, candidate := range validQueueStatuses {
		if candidate == q {
			return true
		}
	}
	return false
}

// ParseQueueStatus converts raw input into a QueueStatus.
func ParseQueueStatus(value string) (QueueStatus, error) {
	for _, candidate := range validQueueStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid queue status %q", value)
}

// DeadLetterReason explains why an entry left the queue.
type DeadLetterReason string

const (
	DeadLetterMaxAttempts     DeadLetterReason = "max_attempts"
	DeadLetterVersionConflict DeadLetterReason = "version_conflict"
)

var validDeadLetterReasons = []DeadLetterReason{
	DeadLetterMaxAttempts,
	DeadLetterVersionConflict,
}

// IsValid reports whether the reason is known.
func (r DeadLetterReason) IsValid() bool {
	for _, candidate := range validDeadLetterReasons {
		if candidate == r {
			return true
		}
	}
	return false
}

// ParseDeadLetterReason converts raw input into a DeadLetterReason.
func ParseDeadLetterReason(value string) (DeadLetterReason, error) {
	for _, candidate := range validDeadLetterReasons {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid dead letter reason %q", value)
}
