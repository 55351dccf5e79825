package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Scoring.Base != 100 || cfg.Scoring.FirstCompletionBonus != 50 {
		t.Fatalf("unexpected scoring defaults: %+v", cfg.Scoring)
	}
	if cfg.Simulation.Delay != 3*time.Second {
		t.Fatalf("expected 3s delay, got %s", cfg.Simulation.Delay)
	}
	if got := strings.Join(cfg.Progress.StarterInventory, ","); got != "PLA,ABS,PETG" {
		t.Fatalf("unexpected starter inventory %s", got)
	}
}

func TestFromYAMLOverlaysDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte("locale: en\nsimulation:\n  delay: 10ms\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Locale != "en" || cfg.Simulation.Delay != 10*time.Millisecond {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if cfg.Scoring.OptimalMaterialBonus != 30 {
		t.Fatalf("defaults lost: %+v", cfg.Scoring)
	}
}

func TestValidateRejectsZeroBase(t *testing.T) {
	if _, err := FromYAML([]byte("scoring:\n  base: 0\n")); err == nil {
		t.Fatalf("expected error for zero base score")
	}
}

func TestValidateRejectsEmptyBonusWindow(t *testing.T) {
	if _, err := FromYAML([]byte("scoring:\n  infill_bonus_above: 40\n  infill_bonus_below: 40\n")); err == nil {
		t.Fatalf("expected error for empty infill window")
	}
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	if err != nil {
		t.Fatalf("load optional: %v", err)
	}
	if cfg.Locale != "es" {
		t.Fatalf("expected default locale")
	}
	if err := os.WriteFile(filepath.Join(dir, "prototypia.yml"), []byte("locale: fr\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadOptional(dir); err == nil {
		t.Fatalf("expected invalid locale error")
	}
	if _, err := Load(t.TempDir()); err == nil {
		t.Fatalf("expected missing config error")
	}
}
