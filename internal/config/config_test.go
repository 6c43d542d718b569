package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	t.Parallel()

	c, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.Workers.MaxActive != 10 {
		t.Fatalf("max_active = %d, want 10", c.Workers.MaxActive)
	}
	if c.MemoryLimitBytes() != 512*1024*1024 {
		t.Fatalf("memory limit = %d", c.MemoryLimitBytes())
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.toml")
	content := "listen = \"0.0.0.0:9999\"\n\n[workers]\nmax_active = 4\nwall_clock_minutes = 5\ndefault_command = [\"/usr/bin/agent\", \"--run\"]\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.Listen != "0.0.0.0:9999" {
		t.Fatalf("listen = %q", c.Listen)
	}
	if c.Workers.MaxActive != 4 {
		t.Fatalf("max_active = %d", c.Workers.MaxActive)
	}
	if len(c.Workers.DefaultCommand) != 2 {
		t.Fatalf("default_command = %v", c.Workers.DefaultCommand)
	}
	// Untouched sections keep defaults.
	if c.Messages.QueueCap != 1000 {
		t.Fatalf("queue_cap = %d", c.Messages.QueueCap)
	}
}

func TestResolvePathsHonorsHiveHome(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("HIVE_HOME", dir)

	p, err := ResolvePaths()
	if err != nil {
		t.Fatalf("ResolvePaths: %v", err)
	}
	if p.HiveHome != dir {
		t.Fatalf("home = %q", p.HiveHome)
	}
	if p.RegistryPath != filepath.Join(dir, "registry.json") {
		t.Fatalf("registry = %q", p.RegistryPath)
	}

	if err := p.EnsureHome(); err != nil {
		t.Fatalf("EnsureHome: %v", err)
	}
	if _, err := os.Stat(p.MessagesDir); err != nil {
		t.Fatalf("messages dir missing: %v", err)
	}
}

func TestLoadPersonas(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "personas.yaml")
	content := "reviewer:\n  persona: skeptic\n  temperature: 0.2\nbuilder:\n  persona: maker\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	p, err := LoadPersonas(path)
	if err != nil {
		t.Fatalf("LoadPersonas: %v", err)
	}
	if p["reviewer"]["persona"] != "skeptic" {
		t.Fatalf("personas = %+v", p)
	}

	empty, err := LoadPersonas(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil || len(empty) != 0 {
		t.Fatalf("missing catalog = %v, %v", empty, err)
	}
}
