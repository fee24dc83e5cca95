package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadAppliesDefaultsWithNoFile(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Scheduler.ShardCount != 1 {
		t.Fatalf("expected default shard count 1, got %d", cfg.Scheduler.ShardCount)
	}
	if cfg.Scheduler.RetryBaseDelay != 500*time.Millisecond {
		t.Fatalf("expected default retry base delay, got %s", cfg.Scheduler.RetryBaseDelay)
	}
	if cfg.HTTPAddr != ":8080" {
		t.Fatalf("expected default http addr, got %s", cfg.HTTPAddr)
	}
}

func TestLoadReadsYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "taskmesh.yaml")
	content := []byte(`
service: taskmesh-test
scheduler:
  shard_count: 4
providers:
  - id: p1
    endpoint: http://localhost:9000
    daily_token_budget: 50000
`)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Service != "taskmesh-test" {
		t.Fatalf("expected overridden service name, got %s", cfg.Service)
	}
	if cfg.Scheduler.ShardCount != 4 {
		t.Fatalf("expected overridden shard count 4, got %d", cfg.Scheduler.ShardCount)
	}
	if len(cfg.Providers) != 1 || cfg.Providers[0].ID != "p1" {
		t.Fatalf("expected provider p1 loaded, got %+v", cfg.Providers)
	}
}

func TestLoadEnvironmentOverridesDefault(t *testing.T) {
	t.Setenv("TASKMESH_HTTP_ADDR", ":9090")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTPAddr != ":9090" {
		t.Fatalf("expected env override to apply, got %s", cfg.HTTPAddr)
	}
}
