package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_AppliesDefaultsWhenFileMissing(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.ini"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Host.Port != 9000 {
		t.Fatalf("expected default host port 9000, got %d", cfg.Host.Port)
	}
	if cfg.Balanz.MinAllocationA != 6 {
		t.Fatalf("expected default min_allocation_a 6, got %d", cfg.Balanz.MinAllocationA)
	}
	if cfg.Balanz.RunInterval != 5*time.Second {
		t.Fatalf("expected default run_interval 5s, got %s", cfg.Balanz.RunInterval)
	}
}

func TestLoad_OverridesDefaultsFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "balanz.ini")
	ini := "[host]\nport = 9100\n\n[balanz]\nmin_allocation_a = 10\nrun_interval = 10s\n\n[model]\ngroups_path = /etc/balanz/groups.csv\n"
	if err := os.WriteFile(path, []byte(ini), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Host.Port != 9100 {
		t.Fatalf("expected overridden host port 9100, got %d", cfg.Host.Port)
	}
	if cfg.Balanz.MinAllocationA != 10 {
		t.Fatalf("expected overridden min_allocation_a 10, got %d", cfg.Balanz.MinAllocationA)
	}
	if cfg.Model.GroupsPath != "/etc/balanz/groups.csv" {
		t.Fatalf("expected overridden groups_path, got %q", cfg.Model.GroupsPath)
	}
	// Untouched section keeps its default.
	if cfg.Logging.Level != "info" {
		t.Fatalf("expected untouched logging.level to keep its default, got %q", cfg.Logging.Level)
	}
}
