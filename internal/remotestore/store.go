// Package remotestore persists the canonical entity and media state held by
// the reference sync server.
package remotestore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/angelmondragon/fieldsync/pkg/db"
	"github.com/angelmondragon/fieldsync/pkg/db/models"
	pkgerrors "github.com/angelmondragon/fieldsync/pkg/errors"
	"github.com/angelmondragon/fieldsync/pkg/types"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type txRunner interface {
	DB() *gorm.DB
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// Store applies versioned entity writes. A write must name the version it
// was based on; a delete keeps a tombstone and bumps the version so a later
// write from a stale device still conflicts.
type Store struct {
	db  txRunner
	now func() time.Time
}

func New(conn txRunner) *Store {
	return &Store{db: conn, now: func() time.Time { return time.Now().UTC() }}
}

// AutoMigrate creates the server tables. The server schema is small and has
// to run on both Postgres and SQLite, so it is derived from the models.
func AutoMigrate(ctx context.Context, conn *gorm.DB) error {
	return conn.WithContext(ctx).AutoMigrate(&models.RemoteEntity{}, &models.RemoteMedia{})
}

func (s *Store) find(ctx context.Context, tx *gorm.DB, table, key string) (*models.RemoteEntity, error) {
	q := tx.WithContext(ctx)
	if tx.Dialector.Name() == db.DriverPostgres {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var ent models.RemoteEntity
	err := q.Where("table_name = ? AND record_key = ?", table, key).First(&ent).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ent, nil
}

// PutEntity creates or updates an entity. An existing entity, including a
// tombstone, must be at baseVersion.
func (s *Store) PutEntity(ctx context.Context, table, key string, payload json.RawMessage, baseVersion int64) (types.EntityAck, error) {
	var ack types.EntityAck
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		ent, err := s.find(ctx, tx, table, key)
		if err != nil {
			return err
		}
		now := s.now()
		if ent == nil {
			ent = &models.RemoteEntity{
				ID:             uuid.New(),
				Table:          table,
				Key:            key,
				Version:        1,
				Payload:        payload,
				LastModifiedAt: now,
			}
			if err := tx.WithContext(ctx).Create(ent).Error; err != nil {
				if db.IsUniqueViolation(err, "") {
					return pkgerrors.New(pkgerrors.CodeConflict, "entity was created concurrently")
				}
				return err
			}
			ack = types.EntityAck{RemoteID: ent.ID.String(), Version: ent.Version}
			return nil
		}
		if ent.Version != baseVersion {
			return conflict(ent)
		}
		ent.Version++
		ent.Payload = payload
		ent.Deleted = false
		ent.LastModifiedAt = now
		if err := tx.WithContext(ctx).Save(ent).Error; err != nil {
			return err
		}
		ack = types.EntityAck{RemoteID: ent.ID.String(), Version: ent.Version}
		return nil
	})
	return ack, storeError(err, "put entity")
}

// DeleteEntity tombstones an entity at baseVersion.
func (s *Store) DeleteEntity(ctx context.Context, table, key string, baseVersion int64) error {
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		ent, err := s.find(ctx, tx, table, key)
		if err != nil {
			return err
		}
		if ent == nil || ent.Deleted {
			return pkgerrors.New(pkgerrors.CodeNotFound, "entity not found").
				WithDetails(map[string]any{"table": table, "key": key})
		}
		if ent.Version != baseVersion {
			return conflict(ent)
		}
		ent.Version++
		ent.Deleted = true
		ent.LastModifiedAt = s.now()
		return tx.WithContext(ctx).Save(ent).Error
	})
	return storeError(err, "delete entity")
}

// ListTable returns the live entities of a table ordered by key.
func (s *Store) ListTable(ctx context.Context, table string) ([]types.CanonicalRecord, error) {
	var rows []models.RemoteEntity
	err := s.db.DB().WithContext(ctx).
		Where("table_name = ? AND deleted = ?", table, false).
		Order("record_key ASC").
		Find(&rows).Error
	if err != nil {
		return nil, storeError(err, "list entities")
	}
	out := make([]types.CanonicalRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, types.CanonicalRecord{
			Key:            r.Key,
			RemoteID:       r.ID.String(),
			Version:        r.Version,
			Payload:        r.Payload,
			LastModifiedAt: r.LastModifiedAt,
		})
	}
	return out, nil
}

// PurgeDeletedBefore removes tombstones last modified before cutoff.
func (s *Store) PurgeDeletedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.DB().WithContext(ctx).
		Where("deleted = ? AND last_modified_at < ?", true, cutoff).
		Delete(&models.RemoteEntity{})
	return res.RowsAffected, storeError(res.Error, "purge tombstones")
}

func (s *Store) SaveMedia(ctx context.Context, m *models.RemoteMedia) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now()
	}
	return storeError(s.db.DB().WithContext(ctx).Create(m).Error, "save media")
}

// ListMedia returns the attachments of an entity without their content.
func (s *Store) ListMedia(ctx context.Context, entityName, entityID string) ([]models.RemoteMedia, error) {
	var rows []models.RemoteMedia
	err := s.db.DB().WithContext(ctx).
		Omit("content").
		Where("entity_name = ? AND entity_id = ?", entityName, entityID).
		Order("created_at ASC").
		Find(&rows).Error
	return rows, storeError(err, "list media")
}

func (s *Store) GetMedia(ctx context.Context, id uuid.UUID) (*models.RemoteMedia, error) {
	var m models.RemoteMedia
	err := s.db.DB().WithContext(ctx).Where("id = ?", id).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "media not found")
	}
	if err != nil {
		return nil, storeError(err, "get media")
	}
	return &m, nil
}

func conflict(ent *models.RemoteEntity) error {
	return pkgerrors.New(pkgerrors.CodeConflict, "version mismatch").WithDetails(types.ConflictDetails{
		RemoteID:       ent.ID.String(),
		Version:        ent.Version,
		Payload:        ent.Payload,
		Deleted:        ent.Deleted,
		LastModifiedAt: ent.LastModifiedAt,
	})
}

func storeError(err error, message string) error {
	if err == nil || pkgerrors.As(err) != nil {
		return err
	}
	return pkgerrors.Wrap(pkgerrors.CodeInternal, err, message)
}
