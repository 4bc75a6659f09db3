package db

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/angelmondragon/fieldsync/pkg/logger"
)

func TestQueryLoggerReportsFailuresAndSlowStatements(t *testing.T) {
	var buf bytes.Buffer
	logg := logger.New(logger.Options{ServiceName: "test", Level: zerolog.DebugLevel, Output: &buf})
	ql := newQueryLogger(logg, 50*time.Millisecond)
	ctx := context.Background()
	stmt := func() (string, int64) { return "UPDATE cache_records SET state = 'clean'", 1 }

	ql.Trace(ctx, time.Now(), stmt, nil)
	if buf.Len() != 0 {
		t.Fatalf("fast successful statements should not be logged, got %s", buf.String())
	}

	ql.Trace(ctx, time.Now(), stmt, gorm.ErrRecordNotFound)
	if buf.Len() != 0 {
		t.Fatalf("record not found should stay silent, got %s", buf.String())
	}

	ql.Trace(ctx, time.Now(), stmt, errors.New("database is locked"))
	if !strings.Contains(buf.String(), "db.query_failed") || !strings.Contains(buf.String(), "cache_records") {
		t.Fatalf("expected failed statement log, got %s", buf.String())
	}

	buf.Reset()
	ql.Trace(ctx, time.Now().Add(-time.Second), stmt, nil)
	if !strings.Contains(buf.String(), "db.query_slow") {
		t.Fatalf("expected slow statement log, got %s", buf.String())
	}

	buf.Reset()
	ql.LogMode(gormlogger.Silent).Trace(ctx, time.Now(), stmt, errors.New("boom"))
	if buf.Len() != 0 {
		t.Fatalf("silent mode should drop everything, got %s", buf.String())
	}
}

func TestDeviceDSN(t *testing.T) {
	if got := deviceDSN("/data/cache.db"); got != "file:/data/cache.db?"+deviceDSNParams {
		t.Fatalf("unexpected dsn %q", got)
	}
	for _, raw := range []string{":memory:", "file:x.db?mode=memory"} {
		if got := deviceDSN(raw); got != raw {
			t.Fatalf("expected %q untouched, got %q", raw, got)
		}
	}
}
