// Copyright 2025 James Ross
package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("nonexistent.yaml", "")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Backend != BackendSynchronous {
		t.Fatalf("expected default backend %q, got %q", BackendSynchronous, cfg.Backend)
	}
	if cfg.Redis.Addr == "" {
		t.Fatalf("expected default redis addr")
	}
	if cfg.Worker.ItemExitAfter != 1000 {
		t.Fatalf("expected default item_exit_after 1000, got %d", cfg.Worker.ItemExitAfter)
	}
}

func TestLoadMergesRecognisedExtraSettings(t *testing.T) {
	extra := filepath.Join(t.TempDir(), "extra.yaml")
	body := "LIGHTWEIGHTQUEUE_REDIS.ADDR: redis.internal:6380\nLIGHTWEIGHTQUEUE_WORKER.ITEM_EXIT_AFTER: 42\n"
	if err := os.WriteFile(extra, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load("nonexistent.yaml", extra)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Redis.Addr != "redis.internal:6380" {
		t.Fatalf("expected extra settings to override redis.addr, got %q", cfg.Redis.Addr)
	}
	if cfg.Worker.ItemExitAfter != 42 {
		t.Fatalf("expected extra settings to override worker.item_exit_after, got %d", cfg.Worker.ItemExitAfter)
	}
}

func TestLoadIgnoresUnprefixedAndWarnsOnUnknownExtraSettings(t *testing.T) {
	extra := filepath.Join(t.TempDir(), "extra.yaml")
	body := "REDIS.ADDR: should-be-ignored:1234\nLIGHTWEIGHTQUEUE_NOT_A_REAL_SETTING: oops\n"
	if err := os.WriteFile(extra, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load("nonexistent.yaml", extra)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Redis.Addr != defaultConfig().Redis.Addr {
		t.Fatalf("expected unprefixed extra setting to be ignored, got %q", cfg.Redis.Addr)
	}
}

func TestValidateFailsOnUnknownBackend(t *testing.T) {
	cfg := defaultConfig()
	cfg.Backend = "not-a-backend"
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for unknown backend")
	}
}

func TestValidateFailsOnBadWorkerSettings(t *testing.T) {
	cfg := defaultConfig()
	cfg.Worker.DequeueTimeoutSeconds = 0
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for dequeue_timeout_seconds < 1")
	}

	cfg = defaultConfig()
	cfg.Worker.ItemExitAfter = 0
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for item_exit_after < 1")
	}
}

func TestValidateFailsOnBadMachineSettings(t *testing.T) {
	cfg := defaultConfig()
	cfg.Machine.MachineNumber = 2
	cfg.Machine.MachineCount = 1
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for machine_number > machine_count")
	}
}

func TestValidateAllowsDirectlyConfiguredMachineWithNoPoolSettings(t *testing.T) {
	cfg := defaultConfig()
	cfg.Machine.DirectlyConfigured = true
	cfg.Machine.MachineCount = 0
	cfg.Machine.MachineNumber = 0
	if err := Validate(cfg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
