package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("ENCRYPTION_KEY", "test-key")
	t.Setenv("CALSYNC_CONFIG", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Retry.MaxAttempts != 3 {
		t.Errorf("expected 3 max attempts, got %d", cfg.Retry.MaxAttempts)
	}
	if cfg.Retry.Create.BaseDelay != 30*time.Second {
		t.Errorf("create base delay mismatch: %v", cfg.Retry.Create.BaseDelay)
	}
	if cfg.Retry.Delete.Ceiling != 5*time.Minute {
		t.Errorf("delete ceiling mismatch: %v", cfg.Retry.Delete.Ceiling)
	}
	if cfg.Retry.TokenRefresh.MaxJitter != 60*time.Second {
		t.Errorf("token refresh jitter mismatch: %v", cfg.Retry.TokenRefresh.MaxJitter)
	}
	if cfg.Breaker.TokenFailureThreshold != 5 || cfg.Breaker.SyncFailureThreshold != 10 {
		t.Errorf("breaker thresholds mismatch: %+v", cfg.Breaker)
	}
	if cfg.Queue.DeleteUniqueWindow != 60*time.Second {
		t.Errorf("delete unique window mismatch: %v", cfg.Queue.DeleteUniqueWindow)
	}
	if cfg.Retention.DedupWindow != 24*time.Hour {
		t.Errorf("dedup window mismatch: %v", cfg.Retention.DedupWindow)
	}
}

func TestLoadMissingEncryptionKey(t *testing.T) {
	t.Setenv("ENCRYPTION_KEY", "")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for missing encryption key")
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("ENCRYPTION_KEY", "test-key")
	t.Setenv("PORT", "9797")
	t.Setenv("QUEUE_WORKERS", "8")
	t.Setenv("BREAKER_TOKEN_THRESHOLD", "3")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Port != 9797 {
		t.Errorf("port override not applied: %d", cfg.Server.Port)
	}
	if cfg.Queue.Workers != 8 {
		t.Errorf("worker override not applied: %d", cfg.Queue.Workers)
	}
	if cfg.Breaker.TokenFailureThreshold != 3 {
		t.Errorf("breaker override not applied: %d", cfg.Breaker.TokenFailureThreshold)
	}
}

func TestConfigFileOverlay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "calsync.yaml")

	content := `
server:
  port: 9100
retry:
  max_attempts: 5
  delete:
    base_delay: 45s
    ceiling: 10m
queue:
  update_unique_window: 240s
breaker:
  sync_failure_threshold: 20
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	t.Setenv("ENCRYPTION_KEY", "test-key")
	t.Setenv("CALSYNC_CONFIG", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Port != 9100 {
		t.Errorf("file port not applied: %d", cfg.Server.Port)
	}
	if cfg.Retry.MaxAttempts != 5 {
		t.Errorf("file max attempts not applied: %d", cfg.Retry.MaxAttempts)
	}
	if cfg.Retry.Delete.BaseDelay != 45*time.Second {
		t.Errorf("file delete base delay not applied: %v", cfg.Retry.Delete.BaseDelay)
	}
	if cfg.Retry.Delete.Ceiling != 10*time.Minute {
		t.Errorf("file delete ceiling not applied: %v", cfg.Retry.Delete.Ceiling)
	}
	if cfg.Queue.UpdateUniqueWindow != 240*time.Second {
		t.Errorf("file unique window not applied: %v", cfg.Queue.UpdateUniqueWindow)
	}
	if cfg.Breaker.SyncFailureThreshold != 20 {
		t.Errorf("file breaker threshold not applied: %d", cfg.Breaker.SyncFailureThreshold)
	}
	// Untouched values keep their defaults.
	if cfg.Retry.Create.BaseDelay != 30*time.Second {
		t.Errorf("unrelated default disturbed: %v", cfg.Retry.Create.BaseDelay)
	}
}
