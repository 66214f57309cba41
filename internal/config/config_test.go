package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.APIBaseURL != "https://api.eso-optimizer.com/v1" {
		t.Errorf("APIBaseURL = %q", cfg.APIBaseURL)
	}
	if cfg.UploadInterval != time.Minute {
		t.Errorf("UploadInterval = %s", cfg.UploadInterval)
	}
	if cfg.DownloadInterval != 5*time.Minute {
		t.Errorf("DownloadInterval = %s", cfg.DownloadInterval)
	}
	if cfg.FullSyncInterval != time.Hour {
		t.Errorf("FullSyncInterval = %s", cfg.FullSyncInterval)
	}
	if cfg.MaxBatchSize != 50 {
		t.Errorf("MaxBatchSize = %d", cfg.MaxBatchSize)
	}
	if cfg.RequestsPerMinute != 60 || cfg.RequestsPerHour != 1000 {
		t.Errorf("rate limits = %d/%d", cfg.RequestsPerMinute, cfg.RequestsPerHour)
	}
	if cfg.TokenRefreshBuffer != 5*time.Minute {
		t.Errorf("TokenRefreshBuffer = %s", cfg.TokenRefreshBuffer)
	}
	if cfg.AddonName != "ESOBuildOptimizer" {
		t.Errorf("AddonName = %q", cfg.AddonName)
	}
	if cfg.DataDir != dir {
		t.Errorf("DataDir = %q, want %q", cfg.DataDir, dir)
	}
	if cfg.DatabasePath() != filepath.Join(dir, "companion.db") {
		t.Errorf("DatabasePath = %q", cfg.DatabasePath())
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	content := `
api_base_url: https://staging.eso-optimizer.com/v1
upload_interval: 30s
max_batch_size: 10
addon_name: MyAddon
`
	if err := os.WriteFile(filepath.Join(dir, "companion.yaml"), []byte(content), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.APIBaseURL != "https://staging.eso-optimizer.com/v1" {
		t.Errorf("APIBaseURL = %q", cfg.APIBaseURL)
	}
	if cfg.UploadInterval != 30*time.Second {
		t.Errorf("UploadInterval = %s", cfg.UploadInterval)
	}
	if cfg.MaxBatchSize != 10 {
		t.Errorf("MaxBatchSize = %d", cfg.MaxBatchSize)
	}
	if cfg.AddonName != "MyAddon" {
		t.Errorf("AddonName = %q", cfg.AddonName)
	}
	// Unset keys keep their defaults.
	if cfg.RequestsPerMinute != 60 {
		t.Errorf("RequestsPerMinute = %d", cfg.RequestsPerMinute)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("ESO_COMPANION_MAX_BATCH_SIZE", "25")
	t.Setenv("ESO_COMPANION_API_BASE_URL", "https://env.example.com/v1")

	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MaxBatchSize != 25 {
		t.Errorf("MaxBatchSize = %d, want env override 25", cfg.MaxBatchSize)
	}
	if cfg.APIBaseURL != "https://env.example.com/v1" {
		t.Errorf("APIBaseURL = %q", cfg.APIBaseURL)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"zero batch size", "max_batch_size: 0"},
		{"zero queue size", "max_queue_size: 0"},
		{"zero retries", "max_retries: 0"},
		{"max delay below base", "max_retry_delay: 500ms"},
		{"zero id cap", "recent_id_cap: 0"},
		{"negative rate limit", "requests_per_minute: -5"},
		{"empty addon", `addon_name: ""`},
		{"empty base url", `api_base_url: ""`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			if err := os.WriteFile(filepath.Join(dir, "companion.yaml"), []byte(tt.content), 0644); err != nil {
				t.Fatalf("WriteFile: %v", err)
			}
			if _, err := Load(dir); err == nil {
				t.Error("Load accepted invalid config")
			}
		})
	}
}

func TestLoadMalformedYAML(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "companion.yaml"), []byte("max_batch_size: [oops"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := Load(dir); err == nil {
		t.Error("Load accepted malformed YAML")
	}
}
