package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.ModulesDir != "modules" {
		t.Fatalf("modules dir: %q", cfg.ModulesDir)
	}
	if cfg.Strategy != "auto" {
		t.Fatalf("strategy: %q", cfg.Strategy)
	}
	if cfg.HandshakeTimeout != 30*time.Second {
		t.Fatalf("handshake timeout: %s", cfg.HandshakeTimeout)
	}
	if cfg.CacheDir == "" {
		t.Fatal("cache dir should have a default")
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lazyproc.yml")

	body := `
modules_dir: /opt/modules
module_source: https://modules.example.com/v1
strategy: bridge
handshake_timeout: 5s
native_fallback: true
commands:
  psql:
    module: pg_shell.wasm
    interactive: true
`
	if err := os.WriteFile(path, []byte(body), os.FileMode(0644)); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.ModulesDir != "/opt/modules" {
		t.Fatalf("modules dir: %q", cfg.ModulesDir)
	}
	if cfg.ModuleSource != "https://modules.example.com/v1" {
		t.Fatalf("module source: %q", cfg.ModuleSource)
	}
	if cfg.Strategy != "bridge" {
		t.Fatalf("strategy: %q", cfg.Strategy)
	}
	if cfg.HandshakeTimeout != 5*time.Second {
		t.Fatalf("handshake timeout: %s", cfg.HandshakeTimeout)
	}
	if !cfg.NativeFallback {
		t.Fatal("native_fallback not set")
	}

	route, ok := cfg.Commands["psql"]
	if !ok || route.Module != "pg_shell.wasm" || !route.Interactive {
		t.Fatalf("psql route: %+v, %v", route, ok)
	}
}

func TestLoadKeepsDefaultsForMissingKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lazyproc.yml")

	if err := os.WriteFile(path, []byte("strategy: coop\n"), os.FileMode(0644)); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Strategy != "coop" {
		t.Fatalf("strategy: %q", cfg.Strategy)
	}
	if cfg.ModulesDir != "modules" {
		t.Fatalf("modules dir should keep its default, got %q", cfg.ModulesDir)
	}
	if cfg.HandshakeTimeout != 30*time.Second {
		t.Fatalf("handshake timeout should keep its default, got %s", cfg.HandshakeTimeout)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yml")); err == nil {
		t.Fatal("expected an error for a missing file")
	}
}
