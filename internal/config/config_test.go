package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/predyx/trading-core/internal/config"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Addr != ":8080" {
		t.Errorf("addr: %s", cfg.Server.Addr)
	}
	if cfg.Storage.Backend != "memory" {
		t.Errorf("backend: %s", cfg.Storage.Backend)
	}
	if cfg.Log.Level != "info" || cfg.Log.Format != "json" {
		t.Errorf("log: %+v", cfg.Log)
	}
}

func TestLoad_YAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte(`
server:
  addr: ":9090"
storage:
  backend: postgres
  postgres_dsn: postgres://localhost/predyx
  redis_addr: localhost:6379
log:
  level: debug
  format: text
`)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Addr != ":9090" {
		t.Errorf("addr: %s", cfg.Server.Addr)
	}
	if cfg.Storage.Backend != "postgres" || cfg.Storage.RedisAddr != "localhost:6379" {
		t.Errorf("storage: %+v", cfg.Storage)
	}
	if cfg.Log.Level != "debug" || cfg.Log.Format != "text" {
		t.Errorf("log: %+v", cfg.Log)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("PORT", "7070")
	t.Setenv("DATABASE_URL", "postgres://db/predyx")
	t.Setenv("LOG_LEVEL", "warn")

	cfg, err := config.Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Addr != ":7070" {
		t.Errorf("addr: %s", cfg.Server.Addr)
	}
	// A DSN without an explicit backend selects postgres.
	if cfg.Storage.Backend != "postgres" {
		t.Errorf("backend: %s", cfg.Storage.Backend)
	}
	if cfg.Log.Level != "warn" {
		t.Errorf("level: %s", cfg.Log.Level)
	}
}

func TestLoad_MissingFileIsFine(t *testing.T) {
	if _, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml")); err != nil {
		t.Fatalf("missing file should fall back to defaults: %v", err)
	}
}
