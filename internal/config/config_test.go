package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"AEGIS_CONFIG", "AEGIS_HTTP_ADDR", "AEGIS_DATA_DIR", "AEGIS_DB_PATH",
		"AEGIS_RECOVERY_POLICY", "AEGIS_POLL_INTERVAL",
		"AEGIS_CHECKPOINT_RETENTION", "AEGIS_CHECKPOINT_SWEEP_INTERVAL",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTPAddr != ":8080" {
		t.Errorf("http addr: %s", cfg.HTTPAddr)
	}
	if cfg.DBPath != filepath.Join("data", "aegis.db") {
		t.Errorf("db path: %s", cfg.DBPath)
	}
	if cfg.RecoveryPolicy != "report" {
		t.Errorf("recovery policy: %s", cfg.RecoveryPolicy)
	}
	if cfg.PollInterval != time.Second || cfg.CheckpointRetention != 168*time.Hour || cfg.CheckpointSweepInterval != time.Hour {
		t.Errorf("durations: %+v", cfg)
	}
}

func TestLoadFromYAMLFile(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "aegis.yaml")
	raw := []byte(`
http_addr: ":9090"
db_path: /var/lib/aegis/aegis.db
recovery_policy: mark-failed
checkpoint_retention: 24h
`)
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("AEGIS_CONFIG", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTPAddr != ":9090" || cfg.DBPath != "/var/lib/aegis/aegis.db" {
		t.Errorf("file values not applied: %+v", cfg)
	}
	if cfg.RecoveryPolicy != "mark-failed" || cfg.CheckpointRetention != 24*time.Hour {
		t.Errorf("file values not applied: %+v", cfg)
	}
	// Unset file keys keep their defaults.
	if cfg.PollInterval != time.Second {
		t.Errorf("poll interval default lost: %v", cfg.PollInterval)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "aegis.yaml")
	if err := os.WriteFile(path, []byte("http_addr: \":9090\"\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("AEGIS_CONFIG", path)
	t.Setenv("AEGIS_HTTP_ADDR", ":7070")
	t.Setenv("AEGIS_POLL_INTERVAL", "250ms")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTPAddr != ":7070" {
		t.Errorf("env must beat file, got %s", cfg.HTTPAddr)
	}
	if cfg.PollInterval != 250*time.Millisecond {
		t.Errorf("poll interval: %v", cfg.PollInterval)
	}
}

func TestRejectsNonPositiveDurations(t *testing.T) {
	clearEnv(t)
	t.Setenv("AEGIS_POLL_INTERVAL", "0s")
	if _, err := Load(); err == nil {
		t.Fatalf("zero poll interval must be rejected")
	}

	clearEnv(t)
	t.Setenv("AEGIS_CHECKPOINT_RETENTION", "not-a-duration")
	if _, err := Load(); err == nil {
		t.Fatalf("malformed retention must be rejected")
	}
}
