package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestNew(t *testing.T) {
	cfg := New()
	if cfg == nil {
		t.Fatal("New() should return non-nil config")
	}

	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("expected default host 0.0.0.0, got %s", cfg.Server.Host)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("expected default port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Scheduler.BucketCount != 64 {
		t.Errorf("expected default bucket count 64, got %d", cfg.Scheduler.BucketCount)
	}
	if cfg.Scheduler.Interval != 5*time.Second {
		t.Errorf("expected default scheduler interval 5s, got %s", cfg.Scheduler.Interval)
	}
	if cfg.Executor.RetryMaxAttempts != 5 {
		t.Errorf("expected default retry max attempts 5, got %d", cfg.Executor.RetryMaxAttempts)
	}
	if cfg.Convergence.CycleDeadline != 2*time.Minute {
		t.Errorf("expected default cycle deadline 2m, got %s", cfg.Convergence.CycleDeadline)
	}
	if cfg.Cloud.Region != "DFW" {
		t.Errorf("expected default cloud region DFW, got %s", cfg.Cloud.Region)
	}
	if cfg.Cloud.ComputeBaseURL == "" || cfg.Cloud.CLBBaseURL == "" || cfg.Cloud.RCv3BaseURL == "" {
		t.Error("expected default cloud base URLs to be populated")
	}
	if cfg.Cloud.RequestsPerSecond != 10 {
		t.Errorf("expected default cloud requests per second 10, got %f", cfg.Cloud.RequestsPerSecond)
	}
	if cfg.Auth.ServiceID != "autoscale-controlplane" {
		t.Errorf("expected default auth service id, got %s", cfg.Auth.ServiceID)
	}
	if cfg.Auth.TokenExpiry != time.Hour {
		t.Errorf("expected default auth token expiry 1h, got %s", cfg.Auth.TokenExpiry)
	}
}

func TestLoadFile_CloudSection(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yamlContent := `
cloud:
  region: "ORD"
  catalog_path: "/etc/autoscale/catalog.json"
auth:
  service_id: "custom-service"
`
	if err := os.WriteFile(path, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile error: %v", err)
	}
	if cfg.Cloud.Region != "ORD" {
		t.Errorf("expected region ORD from file, got %s", cfg.Cloud.Region)
	}
	if cfg.Cloud.CatalogPath != "/etc/autoscale/catalog.json" {
		t.Errorf("expected catalog path from file, got %s", cfg.Cloud.CatalogPath)
	}
	if cfg.Auth.ServiceID != "custom-service" {
		t.Errorf("expected service id override from file, got %s", cfg.Auth.ServiceID)
	}
}

func TestLoadFile_ValidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yamlContent := `
server:
  host: "192.168.1.1"
  port: 9000
scheduler:
  bucket_count: 16
  batch_size: 25
coordination:
  redis_addr: "redis.internal:6379"
logging:
  level: "debug"
  format: "json"
`
	if err := os.WriteFile(path, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile error: %v", err)
	}

	if cfg.Server.Host != "192.168.1.1" {
		t.Errorf("expected host 192.168.1.1, got %s", cfg.Server.Host)
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("expected port 9000, got %d", cfg.Server.Port)
	}
	if cfg.Scheduler.BucketCount != 16 {
		t.Errorf("expected bucket_count 16, got %d", cfg.Scheduler.BucketCount)
	}
	if cfg.Coordination.RedisAddr != "redis.internal:6379" {
		t.Errorf("expected redis_addr override, got %s", cfg.Coordination.RedisAddr)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("expected log level debug, got %s", cfg.Logging.Level)
	}
}

func TestLoadFile_InvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "invalid.yaml")
	if err := os.WriteFile(path, []byte(`{not: valid: yaml:`), 0644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}

	_, err := LoadFile(path)
	if err == nil {
		t.Fatal("expected error for invalid YAML")
	}
}

func TestLoadFile_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := LoadFile("/nonexistent/config.yaml")
	if err != nil {
		t.Fatalf("LoadFile should not error on missing file: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("expected default port, got %d", cfg.Server.Port)
	}
}

func TestLoadHandlesMissingFile(t *testing.T) {
	t.Setenv("CONFIG_FILE", "non-existent.yaml")
	if _, err := Load(); err != nil {
		t.Fatalf("load should ignore missing file: %v", err)
	}
}

func TestLoad_WithEnvOverride(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("SERVER_HOST", "test.local")
	t.Setenv("SERVER_PORT", "3000")
	t.Setenv("LOG_LEVEL", "warn")
	t.Setenv("SCHEDULER_BUCKET_COUNT", "32")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}

	if cfg.Server.Host != "test.local" {
		t.Errorf("expected SERVER_HOST override test.local, got %s", cfg.Server.Host)
	}
	if cfg.Server.Port != 3000 {
		t.Errorf("expected SERVER_PORT override 3000, got %d", cfg.Server.Port)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("expected LOG_LEVEL override warn, got %s", cfg.Logging.Level)
	}
	if cfg.Scheduler.BucketCount != 32 {
		t.Errorf("expected SCHEDULER_BUCKET_COUNT override 32, got %d", cfg.Scheduler.BucketCount)
	}
}

func TestLoad_WithConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test_config.yaml")
	yamlContent := `
server:
  host: "config-file-host"
  port: 4000
`
	if err := os.WriteFile(path, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}

	t.Setenv("CONFIG_FILE", path)
	t.Setenv("SERVER_HOST", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}

	if cfg.Server.Host != "config-file-host" {
		t.Errorf("expected host from config file, got %s", cfg.Server.Host)
	}
	if cfg.Server.Port != 4000 {
		t.Errorf("expected port from config file, got %d", cfg.Server.Port)
	}
}
