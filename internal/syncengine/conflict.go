package syncengine

import (
	"context"

	"github.com/angelmondragon/fieldsync/pkg/db/models"
	"github.com/angelmondragon/fieldsync/pkg/types"
)

// Resolution is what to do with a write the server rejected as stale.
type Resolution int

const (
	// KeepLocal rebases the local intent on the server version and resends it.
	KeepLocal Resolution = iota
	// AcceptServer adopts the server copy and drops the local intent.
	AcceptServer
	// Manual parks the record in Conflict until an operator resolves it.
	Manual
)

func (r Resolution) String() string {
	switch r {
	case KeepLocal:
		return "keep_local"
	case AcceptServer:
		return "accept_server"
	default:
		return "manual"
	}
}

// Conflict describes a rejected write.
type Conflict struct {
	Entry  models.SyncQueueEntry
	Local  models.CacheRecord
	Server types.ConflictDetails
	// HasServerState is false when the server sent no details with its 409.
	HasServerState bool
}

// ConflictResolver decides the outcome of a version conflict.
type ConflictResolver interface {
	Resolve(ctx context.Context, c Conflict) Resolution
}

// ResolverFunc adapts a function to ConflictResolver.
type ResolverFunc func(ctx context.Context, c Conflict) Resolution

func (f ResolverFunc) Resolve(ctx context.Context, c Conflict) Resolution { return f(ctx, c) }

// LastWriteWins keeps whichever side was modified last. Ties go to the server.
type LastWriteWins struct{}

func (LastWriteWins) Resolve(_ context.Context, c Conflict) Resolution {
	if !c.HasServerState {
		return Manual
	}
	if c.Local.LastModifiedAt.After(c.Server.LastModifiedAt) {
		return KeepLocal
	}
	return AcceptServer
}
