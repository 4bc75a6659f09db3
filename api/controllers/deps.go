package controllers

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/fieldsync/pkg/db/models"
	"github.com/angelmondragon/fieldsync/pkg/types"
)

// EntityStore is the canonical entity surface served under /sync/entities.
type EntityStore interface {
	PutEntity(ctx context.Context, table, key string, payload json.RawMessage, baseVersion int64) (types.EntityAck, error)
	DeleteEntity(ctx context.Context, table, key string, baseVersion int64) error
	ListTable(ctx context.Context, table string) ([]types.CanonicalRecord, error)
}

// MediaStore holds uploaded attachments.
type MediaStore interface {
	SaveMedia(ctx context.Context, m *models.RemoteMedia) error
	ListMedia(ctx context.Context, entityName, entityID string) ([]models.RemoteMedia, error)
	GetMedia(ctx context.Context, id uuid.UUID) (*models.RemoteMedia, error)
}

// Pinger is a readiness dependency.
type Pinger interface {
	Ping(ctx context.Context) error
}

const readyTimeout = 2 * time.Second
