package migrate

import (
	"context"
	"fmt"

	"github.com/angelmondragon/fieldsync/pkg/db"
	"github.com/angelmondragon/fieldsync/pkg/logger"
)

// EnsureDeviceSchema brings the on-device cache up to the latest schema. The
// agent calls it on every start, before any component touches the cache.
func EnsureDeviceSchema(ctx context.Context, logg *logger.Logger, client *db.Client) error {
	sqlDB, err := client.SQL()
	if err != nil {
		return fmt.Errorf("extracting sql.DB: %w", err)
	}

	if err := Up(ctx, sqlDB); err != nil {
		return fmt.Errorf("running goose up: %w", err)
	}

	version, err := Version(ctx, sqlDB)
	if err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}
	if logg != nil {
		logg.Info(logg.WithField(ctx, "schema_version", version), "device schema ready")
	}
	return nil
}
