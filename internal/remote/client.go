// Package remote defines the contract with the remote authority and its
// HTTP implementation. Every error returned by a Client is a *errors.Error
// whose code tells the caller whether to retry.
package remote

import (
	"context"
	"encoding/json"
	"io"

	"github.com/angelmondragon/fieldsync/pkg/db/models"
	"github.com/angelmondragon/fieldsync/pkg/types"
)

// Client is the remote sync surface consumed by the engine and the uploader.
type Client interface {
	CreateOrUpdateEntity(ctx context.Context, table, key string, payload json.RawMessage, version int64) (types.EntityAck, error)
	DeleteEntity(ctx context.Context, table, key string, version int64) error
	UploadMedia(ctx context.Context, asset models.MediaAsset, body io.Reader) (types.MediaUploadResponse, error)
	FetchEntityMedia(ctx context.Context, entityName, entityID string) ([]types.MediaDescriptor, error)
	FetchTable(ctx context.Context, table string) ([]types.CanonicalRecord, error)
	HealthProbe(ctx context.Context) bool
}

// TokenSource yields the bearer token for each request. Token acquisition
// itself lives outside this module.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a fixed bearer token. An empty value sends no header.
type StaticToken string

func (s StaticToken) Token(context.Context) (string, error) { return string(s), nil }

type idempotencyKeyCtx struct{}

// WithIdempotencyKey tags outgoing calls made with ctx so the server can
// discard replays of the same logical operation.
func WithIdempotencyKey(ctx context.Context, key string) context.Context {
	if key == "" {
		return ctx
	}
	return context.WithValue(ctx, idempotencyKeyCtx{}, key)
}

// IdempotencyKeyFrom returns the key set by WithIdempotencyKey.
func IdempotencyKeyFrom(ctx context.Context) string {
	if v, ok := ctx.Value(idempotencyKeyCtx{}).(string); ok {
		return v
	}
	return ""
}
