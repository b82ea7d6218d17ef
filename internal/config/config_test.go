package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestValidate_Defaults(t *testing.T) {
	if err := Validate(Default()); err != nil {
		t.Errorf("default config should validate, got %v", err)
	}
}

func TestValidate_InvalidPassThreshold(t *testing.T) {
	cfg := Default()
	cfg.Gates.PassThreshold = 101
	if err := Validate(cfg); err != ErrInvalidPassThreshold {
		t.Errorf("expected ErrInvalidPassThreshold, got %v", err)
	}
}

func TestValidate_InvalidMaxReviewCycles(t *testing.T) {
	cfg := Default()
	cfg.Gates.MaxReviewCycles = 0
	if err := Validate(cfg); err != ErrInvalidMaxReviewCycles {
		t.Errorf("expected ErrInvalidMaxReviewCycles, got %v", err)
	}
}

func TestValidate_InvalidMaxParallelReviews(t *testing.T) {
	for _, n := range []int{0, 7} {
		cfg := Default()
		cfg.Gates.MaxParallelReviews = n
		if err := Validate(cfg); err != ErrInvalidMaxParallelReviews {
			t.Errorf("MaxParallelReviews=%d: expected ErrInvalidMaxParallelReviews, got %v", n, err)
		}
	}
}

func TestValidate_StallThresholdOrder(t *testing.T) {
	cfg := Default()
	cfg.Health.StallKill = cfg.Health.StallNudge
	if err := Validate(cfg); err != ErrStallThresholdOrder {
		t.Errorf("expected ErrStallThresholdOrder, got %v", err)
	}

	cfg = Default()
	cfg.Health.StallFailsafe = cfg.Health.StallKill - time.Minute
	if err := Validate(cfg); err != ErrStallThresholdOrder {
		t.Errorf("expected ErrStallThresholdOrder, got %v", err)
	}
}

func TestValidate_InvalidSimilarity(t *testing.T) {
	cfg := Default()
	cfg.Health.RetryStormSimilarity = 1.5
	if err := Validate(cfg); err != ErrInvalidSimilarity {
		t.Errorf("expected ErrInvalidSimilarity, got %v", err)
	}
}

func TestValidate_InvalidSchedule(t *testing.T) {
	cfg := Default()
	cfg.AutoRun.Schedule = "not a cron"
	if err := Validate(cfg); err != ErrInvalidSchedule {
		t.Errorf("expected ErrInvalidSchedule, got %v", err)
	}

	cfg.AutoRun.Schedule = "0 2 * * *"
	if err := Validate(cfg); err != nil {
		t.Errorf("valid cron rejected: %v", err)
	}
}

func TestLoad_FileOverrides(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "foreman.yaml")
	yaml := `
gates:
  pass_threshold: 90
  max_review_cycles: 3
  max_parallel_reviews: 2
health:
  stall_nudge: 2m
  stall_kill: 4m
  stall_failsafe: 10m
`
	if err := os.WriteFile(path, []byte(yaml), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Gates.PassThreshold != 90 {
		t.Errorf("PassThreshold = %d, want 90", cfg.Gates.PassThreshold)
	}
	if cfg.Gates.MaxParallelReviews != 2 {
		t.Errorf("MaxParallelReviews = %d, want 2", cfg.Gates.MaxParallelReviews)
	}
	if cfg.Health.StallNudge != 2*time.Minute {
		t.Errorf("StallNudge = %v, want 2m", cfg.Health.StallNudge)
	}
	// Untouched sections keep defaults.
	if cfg.Heartbeat.SummaryInterval != 2*time.Minute {
		t.Errorf("SummaryInterval = %v, want default 2m", cfg.Heartbeat.SummaryInterval)
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	orig, _ := os.Getwd()
	defer os.Chdir(orig)
	_ = os.Chdir(t.TempDir())

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Gates.PassThreshold != 80 {
		t.Errorf("PassThreshold = %d, want default 80", cfg.Gates.PassThreshold)
	}
}

func TestLoad_InvalidFileRejected(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "foreman.yaml")
	if err := os.WriteFile(path, []byte("gates:\n  pass_threshold: 200\n"), 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := Load(path); err != ErrInvalidPassThreshold {
		t.Errorf("expected ErrInvalidPassThreshold, got %v", err)
	}
}
