package queue

import "github.com/angelmondragon/fieldsync/pkg/enums"

// Merge folds a newer write into an existing pending operation for the same
// key. drop reports that the pair cancels out locally: a create that never
// reached the network, followed by a delete. A create that was attempted may
// have landed remotely, so its delete still has to be sent.
func Merge(existing, next enums.OpKind, attempted bool) (merged enums.OpKind, drop bool) {
	switch existing {
	case enums.OpCreate:
		if next == enums.OpDelete {
			if attempted {
				return enums.OpDelete, false
			}
			return "", true
		}
		return enums.OpCreate, false
	case enums.OpDelete:
		if next == enums.OpDelete {
			return enums.OpDelete, false
		}
		return enums.OpUpdate, false
	default:
		if next == enums.OpDelete {
			return enums.OpDelete, false
		}
		return enums.OpUpdate, false
	}
}

// SlotOp is the operation stored in the coalescing slot of an in-flight
// entry. Once the in-flight call lands the record is known remotely, so a put
// always becomes an update.
func SlotOp(next enums.OpKind) enums.OpKind {
	if next == enums.OpDelete {
		return enums.OpDelete
	}
	return enums.OpUpdate
}
