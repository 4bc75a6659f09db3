package auth

import (
	"strings"
	"testing"
	"time"

	"github.com/angelmondragon/fieldsync/pkg/config"
)

func TestMintAndParseDeviceToken(t *testing.T) {
	cfg := config.JWTConfig{
		Secret:            "secret",
		Issuer:            "fieldsync",
		ExpirationMinutes: 30,
	}
	now := time.Now().UTC()

	token, err := MintDeviceToken(cfg, now, DeviceTokenPayload{DeviceID: "tablet-7", UserID: "surveyor-3"})
	if err != nil {
		t.Fatalf("mint device token: %v", err)
	}

	claims, err := ParseDeviceToken(cfg, token)
	if err != nil {
		t.Fatalf("parse device token: %v", err)
	}

	if claims.DeviceID != "tablet-7" || claims.Subject != "tablet-7" {
		t.Fatalf("device id not preserved: %+v", claims)
	}
	if claims.UserID != "surveyor-3" {
		t.Fatalf("expected user surveyor-3, got %s", claims.UserID)
	}
	if claims.ID == "" {
		t.Fatal("expected generated jti")
	}
	if claims.Issuer != cfg.Issuer {
		t.Fatalf("expected issuer %s, got %s", cfg.Issuer, claims.Issuer)
	}

	exp := now.Add(time.Duration(cfg.ExpirationMinutes) * time.Minute)
	diff := claims.ExpiresAt.Sub(exp)
	if diff < 0 {
		diff = -diff
	}
	if diff >= time.Second {
		t.Fatalf("expected exp roughly %v, got %v (diff %v)", exp.UTC(), claims.ExpiresAt.UTC(), diff)
	}
}

func TestParseDeviceTokenInvalidSignature(t *testing.T) {
	cfg := config.JWTConfig{Secret: "secret", Issuer: "fieldsync", ExpirationMinutes: 10}

	token, err := MintDeviceToken(cfg, time.Now(), DeviceTokenPayload{DeviceID: "tablet-1"})
	if err != nil {
		t.Fatalf("mint device token: %v", err)
	}

	if _, err := ParseDeviceToken(cfg, token+"x"); err == nil {
		t.Fatal("expected invalid signature error")
	}
	other := cfg
	other.Secret = "rotated"
	if _, err := ParseDeviceToken(other, token); err == nil {
		t.Fatal("expected error for a token signed with another secret")
	}
}

func TestParseDeviceTokenExpired(t *testing.T) {
	cfg := config.JWTConfig{Secret: "secret", Issuer: "fieldsync", ExpirationMinutes: 15}

	token, err := MintDeviceToken(cfg, time.Now().Add(-time.Hour), DeviceTokenPayload{DeviceID: "tablet-1"})
	if err != nil {
		t.Fatalf("mint device token: %v", err)
	}

	_, err = ParseDeviceToken(cfg, token)
	if err == nil {
		t.Fatal("expected expiration error")
	}
	if !strings.Contains(err.Error(), "expired") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestMintDeviceTokenRequiresDevice(t *testing.T) {
	cfg := config.JWTConfig{Secret: "secret", Issuer: "fieldsync", ExpirationMinutes: 5}
	if _, err := MintDeviceToken(cfg, time.Now(), DeviceTokenPayload{DeviceID: "  "}); err == nil {
		t.Fatal("expected missing device error")
	}
	if _, err := MintDeviceToken(config.JWTConfig{Issuer: "fieldsync", ExpirationMinutes: 5}, time.Now(), DeviceTokenPayload{DeviceID: "d"}); err == nil {
		t.Fatal("expected missing secret error")
	}
}
