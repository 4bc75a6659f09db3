package config

import (
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned unexpected error: %v", err)
	}

	if cfg.Sync.Workers != 3 {
		t.Fatalf("expected 3 sync workers, got %d", cfg.Sync.Workers)
	}
	if cfg.Sync.MaxAttempts != 5 {
		t.Fatalf("expected 5 max attempts, got %d", cfg.Sync.MaxAttempts)
	}
	if cfg.Sync.BackoffBase != time.Second || cfg.Sync.BackoffCap != time.Minute {
		t.Fatalf("unexpected backoff bounds %v/%v", cfg.Sync.BackoffBase, cfg.Sync.BackoffCap)
	}
	if cfg.Connectivity.StabilizationWindow != 2*time.Second {
		t.Fatalf("expected 2s stabilization window, got %v", cfg.Connectivity.StabilizationWindow)
	}
	if len(cfg.Cache.Tables) != 3 || cfg.Cache.Tables[0] != "surveyItem" {
		t.Fatalf("unexpected cache tables %v", cfg.Cache.Tables)
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv(EnvAppEnv, "prod")
	t.Setenv(EnvSyncWorkers, "4")
	t.Setenv(EnvStabilization, "500ms")
	t.Setenv(EnvRemoteBaseURL, "https://sync.example.com")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned unexpected error: %v", err)
	}
	if !cfg.App.IsProd() {
		t.Fatalf("expected prod env, got %q", cfg.App.Env)
	}
	if cfg.Sync.Workers != 4 {
		t.Fatalf("expected 4 workers, got %d", cfg.Sync.Workers)
	}
	if cfg.Connectivity.StabilizationWindow != 500*time.Millisecond {
		t.Fatalf("unexpected stabilization %v", cfg.Connectivity.StabilizationWindow)
	}
	if cfg.Remote.BaseURL != "https://sync.example.com" {
		t.Fatalf("unexpected base url %q", cfg.Remote.BaseURL)
	}
}

func TestLoad_RejectsInvalidValues(t *testing.T) {
	t.Setenv(EnvSyncWorkers, "0")
	if _, err := Load(); err == nil {
		t.Fatal("expected zero workers to fail validation")
	}
}

func TestLoad_RejectsUnknownDriver(t *testing.T) {
	t.Setenv(EnvDBDriver, "mysql")
	if _, err := Load(); err == nil {
		t.Fatal("expected unknown db driver to fail validation")
	}
}

func TestAppConfigEnvHelpers(t *testing.T) {
	devConfig := AppConfig{Env: "DEV"}
	if !devConfig.IsDev() {
		t.Fatalf("expected IsDev true for %q", devConfig.Env)
	}
	if devConfig.IsProd() {
		t.Fatalf("expected IsProd false for %q", devConfig.Env)
	}
}

func TestMediaConfigMaxUploadBytes(t *testing.T) {
	if got := (MediaConfig{MaxUploadMB: 2}).MaxUploadBytes(); got != 2*1024*1024 {
		t.Fatalf("unexpected byte ceiling %d", got)
	}
	if got := (MediaConfig{}).MaxUploadBytes(); got != 0 {
		t.Fatalf("expected zero ceiling, got %d", got)
	}
}

func TestFeatureToggles(t *testing.T) {
	if (RedisConfig{}).Enabled() {
		t.Fatal("empty redis config should be disabled")
	}
	if !(RedisConfig{Address: "localhost:6379"}).Enabled() {
		t.Fatal("redis address should enable redis")
	}
	if (JWTConfig{Secret: "  "}).Enabled() {
		t.Fatal("blank secret should disable jwt")
	}
}
