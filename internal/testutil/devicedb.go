// Package testutil holds fixtures shared by package tests.
package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/angelmondragon/fieldsync/pkg/clock"
	"github.com/angelmondragon/fieldsync/pkg/db"
	"github.com/angelmondragon/fieldsync/pkg/db/models"
	"github.com/angelmondragon/fieldsync/pkg/migrate"
	"github.com/google/uuid"
)

// Epoch is the fixed start time used by manual clocks in tests.
var Epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// NewDeviceDB opens a private in-memory device cache with the full schema applied.
func NewDeviceDB(t testing.TB) *db.Client {
	t.Helper()
	ctx := context.Background()
	client, err := db.OpenDevice(ctx, "file:"+uuid.NewString()+"?mode=memory&cache=shared", nil)
	if err != nil {
		t.Fatalf("open device db: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	if err := migrate.EnsureDeviceSchema(ctx, nil, client); err != nil {
		t.Fatalf("migrate device db: %v", err)
	}
	return client
}

// NewClock returns a manual clock positioned at Epoch.
func NewClock() *clock.Manual {
	return clock.NewManual(Epoch)
}

// NewServerDB opens a private in-memory store for the reference server.
func NewServerDB(t testing.TB) *db.Client {
	t.Helper()
	ctx := context.Background()
	client, err := db.OpenDevice(ctx, "file:"+uuid.NewString()+"?mode=memory&cache=shared", nil)
	if err != nil {
		t.Fatalf("open server db: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	if err := client.DB().WithContext(ctx).AutoMigrate(&models.RemoteEntity{}, &models.RemoteMedia{}); err != nil {
		t.Fatalf("migrate server db: %v", err)
	}
	return client
}
