package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.ServerPort != 3001 {
		t.Errorf("ServerPort = %d, want 3001", cfg.ServerPort)
	}
	if cfg.MaxAttemptsPerIP != 10 {
		t.Errorf("MaxAttemptsPerIP = %d, want 10", cfg.MaxAttemptsPerIP)
	}
	if cfg.MaxAttemptsPerAccount != 5 {
		t.Errorf("MaxAttemptsPerAccount = %d, want 5", cfg.MaxAttemptsPerAccount)
	}
	if cfg.LockoutDuration() != 30*time.Minute {
		t.Errorf("LockoutDuration = %v, want 30m", cfg.LockoutDuration())
	}
	if cfg.AttemptWindow() != 15*time.Minute {
		t.Errorf("AttemptWindow = %v, want 15m", cfg.AttemptWindow())
	}
	if !cfg.IsDevelopment() {
		t.Error("default env should be development")
	}
	if cfg.UseRedisCache() {
		t.Error("Redis should be off by default")
	}
	if cfg.GeoIPEnabled() {
		t.Error("GeoIP should be off by default")
	}
	if !cfg.AllowPrivateIPs {
		t.Error("private IPs should be allowed by default")
	}
	if cfg.OracleTimeout() != 3*time.Second {
		t.Errorf("OracleTimeout = %v, want 3s", cfg.OracleTimeout())
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("GK_SERVER_PORT", "8080")
	t.Setenv("WHITELIST_IPS", "10.0.0.1,10.0.0.2")
	t.Setenv("BLOCKED_COUNTRIES", "KP,IR")
	t.Setenv("ALLOWED_DAYS", "1,2,3,4,5")
	t.Setenv("GK_REDIS_URL", "redis://localhost:6379/0")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.ServerAddr() != "0.0.0.0:8080" {
		t.Errorf("ServerAddr = %q", cfg.ServerAddr())
	}
	if len(cfg.WhitelistIPs) != 2 || cfg.WhitelistIPs[0] != "10.0.0.1" {
		t.Errorf("WhitelistIPs = %v", cfg.WhitelistIPs)
	}
	if len(cfg.BlockedCountries) != 2 {
		t.Errorf("BlockedCountries = %v", cfg.BlockedCountries)
	}
	if len(cfg.AllowedDays) != 5 {
		t.Errorf("AllowedDays = %v", cfg.AllowedDays)
	}
	if !cfg.UseRedisCache() {
		t.Error("UseRedisCache should be true with GK_REDIS_URL set")
	}
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"zero ip threshold", "MAX_ATTEMPTS_PER_IP", "0"},
		{"negative account threshold", "MAX_ATTEMPTS_PER_ACCOUNT", "-1"},
		{"hour out of range", "ALLOWED_HOURS_END", "24"},
		{"day out of range", "ALLOWED_DAYS", "7"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			if _, err := Load(); err == nil {
				t.Errorf("Load accepted %s=%s", tt.key, tt.value)
			}
		})
	}
}
