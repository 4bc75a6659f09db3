package migrate_test

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/angelmondragon/fieldsync/pkg/db"
	"github.com/angelmondragon/fieldsync/pkg/migrate"
	"github.com/google/uuid"
)

func TestSyncTablesMigrationContainsConstraints(t *testing.T) {
	matches, err := filepath.Glob(filepath.Join("migrations", "*_create_sync_tables.sql"))
	if err != nil {
		t.Fatalf("glob migrations: %v", err)
	}
	if len(matches) == 0 {
		t.Fatalf("no sync tables migration file found")
	}

	data, err := os.ReadFile(matches[0])
	if err != nil {
		t.Fatalf("read migration file: %v", err)
	}
	content := string(data)

	checks := []string{
		"CREATE TABLE IF NOT EXISTS cache_records",
		"PRIMARY KEY (table_name, record_key)",
		"CREATE TABLE IF NOT EXISTS sync_queue",
		"UNIQUE (table_name, record_key)",
		"CREATE TABLE IF NOT EXISTS sync_dead_letters",
		"DROP TABLE IF EXISTS sync_queue",
	}

	for _, sub := range checks {
		if !strings.Contains(content, sub) {
			t.Errorf("missing expected statement %q", sub)
		}
	}
}

func TestValidateEmbedded(t *testing.T) {
	if err := migrate.ValidateEmbedded(); err != nil {
		t.Fatalf("embedded migrations invalid: %v", err)
	}
	if err := migrate.ValidateDir("migrations"); err != nil {
		t.Fatalf("migrations dir invalid: %v", err)
	}
}

func TestValidateDirRejectsBadNames(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "bad-name.sql"), []byte("-- +goose Up\n-- +goose Down\n"), fs.FileMode(0o644)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := migrate.ValidateDir(dir); err == nil {
		t.Fatal("expected invalid filename to fail validation")
	}
}

func TestValidateDirReportsEveryProblem(t *testing.T) {
	dir := t.TempDir()
	files := map[string]string{
		"20260301090000_down_first.sql":   "-- +goose Down\n-- +goose Up\n",
		"20260301091500_open_block.sql":   "-- +goose Up\n-- +goose StatementBegin\nSELECT 1;\n-- +goose Down\n",
		"20260301093000_well_formed.sql":  "-- +goose Up\nSELECT 1;\n-- +goose Down\nSELECT 1;\n",
		"20260301093000_same_version.sql": "-- +goose Up\n-- +goose Down\n",
	}
	for name, body := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), fs.FileMode(0o644)); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}

	err := migrate.ValidateDir(dir)
	if err == nil {
		t.Fatal("expected validation errors")
	}
	msg := err.Error()
	for _, want := range []string{"down_first", "open_block", "duplicate migration version 20260301093000"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("expected %q in %q", want, msg)
		}
	}
	if strings.Contains(msg, "well_formed.sql\": ") {
		t.Fatalf("well formed migration should not be reported: %q", msg)
	}
}

func TestEnsureDeviceSchemaCreatesTables(t *testing.T) {
	ctx := context.Background()
	client, err := db.OpenDevice(ctx, "file:"+uuid.NewString()+"?mode=memory&cache=shared", nil)
	if err != nil {
		t.Fatalf("open device db: %v", err)
	}
	defer client.Close()

	if err := migrate.EnsureDeviceSchema(ctx, nil, client); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	// second run is a no-op
	if err := migrate.EnsureDeviceSchema(ctx, nil, client); err != nil {
		t.Fatalf("ensure schema twice: %v", err)
	}

	for _, table := range []string{"cache_records", "sync_queue", "sync_dead_letters", "media_assets"} {
		if !client.DB().Migrator().HasTable(table) {
			t.Fatalf("expected table %s to exist", table)
		}
	}
}

func TestCreateSQLMigrationPassesValidation(t *testing.T) {
	dir := t.TempDir()
	stamp := time.Date(2026, 3, 2, 10, 30, 0, 0, time.UTC)

	path, err := migrate.CreateSQLMigration(dir, "Add media Checksum", stamp)
	if err != nil {
		t.Fatalf("create migration: %v", err)
	}
	if got := filepath.Base(path); got != "20260302103000_add_media_checksum.sql" {
		t.Fatalf("unexpected filename %q", got)
	}
	if err := migrate.ValidateDir(dir); err != nil {
		t.Fatalf("generated migration should validate: %v", err)
	}
	if _, err := migrate.CreateSQLMigration(dir, "add media checksum", stamp); err == nil {
		t.Fatal("expected duplicate migration to be rejected")
	}
	if _, err := migrate.CreateSQLMigration(dir, "!!!", stamp); err == nil {
		t.Fatal("expected empty sanitized name to be rejected")
	}
}
