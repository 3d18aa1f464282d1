package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	errs "github.com/sglegalhelp/offlinesync/internal/errors"
)

// isolate points every lookup location at a fresh temp dir.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, ".config"))
	return dir
}

func TestLoad_defaults(t *testing.T) {
	dir := isolate(t)

	cfg, err := Load(Options{EnvFile: filepath.Join(dir, "missing.env")})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Sync.Interval != 15*time.Minute {
		t.Errorf("Sync.Interval = %v, want 15m", cfg.Sync.Interval)
	}
	if cfg.Sync.MaxRetries != 3 {
		t.Errorf("Sync.MaxRetries = %d, want 3", cfg.Sync.MaxRetries)
	}
	if !cfg.Sync.UseLease || !cfg.Sync.OnStart {
		t.Errorf("Sync = %+v, want lease and sync on start enabled", cfg.Sync)
	}
	if cfg.API.Addr != "127.0.0.1:8090" {
		t.Errorf("API.Addr = %s, want 127.0.0.1:8090", cfg.API.Addr)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level = %s, want info", cfg.Log.Level)
	}
	if want := filepath.Join(cfg.DataDir, "snapshots"); cfg.Snapshot.Dir != want {
		t.Errorf("Snapshot.Dir = %s, want %s", cfg.Snapshot.Dir, want)
	}
	if cfg.SnapshotUploadEnabled() {
		t.Error("SnapshotUploadEnabled() = true, want false by default")
	}
}

func TestLoad_precedence(t *testing.T) {
	dir := isolate(t)

	file := filepath.Join(dir, "offlinesync.yaml")
	if err := os.WriteFile(file, []byte(`
data_dir: /var/lib/offlinesync
remote:
  base_url: https://portal.example.sg
  timeout: 10s
sync:
  interval: 5m
  max_retries: 5
log:
  level: debug
`), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	envFile := filepath.Join(dir, "test.env")
	if err := os.WriteFile(envFile, []byte("OFFLINESYNC_SYNC_MAX_RETRIES=8\nOFFLINESYNC_USER_ID=user-from-dotenv\n"), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	t.Cleanup(func() { os.Unsetenv("OFFLINESYNC_SYNC_MAX_RETRIES") })
	t.Setenv("OFFLINESYNC_SYNC_INTERVAL", "2m")
	// godotenv leaves variables that already exist untouched.
	t.Setenv("OFFLINESYNC_USER_ID", "user-from-env")

	cfg, err := Load(Options{
		ConfigFile: file,
		EnvFile:    envFile,
		Overrides:  map[string]any{"log.level": "warn"},
	})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.DataDir != "/var/lib/offlinesync" {
		t.Errorf("DataDir = %s, want value from file", cfg.DataDir)
	}
	if cfg.Remote.BaseURL != "https://portal.example.sg" || cfg.Remote.Timeout != 10*time.Second {
		t.Errorf("Remote = %+v, want values from file", cfg.Remote)
	}
	if cfg.Sync.Interval != 2*time.Minute {
		t.Errorf("Sync.Interval = %v, want env value 2m", cfg.Sync.Interval)
	}
	if cfg.Sync.MaxRetries != 8 {
		t.Errorf("Sync.MaxRetries = %d, want .env value 8", cfg.Sync.MaxRetries)
	}
	if cfg.UserID != "user-from-env" {
		t.Errorf("UserID = %s, want user-from-env", cfg.UserID)
	}
	if cfg.Log.Level != "warn" {
		t.Errorf("Log.Level = %s, want override warn", cfg.Log.Level)
	}
	if cfg.Snapshot.Dir != "/var/lib/offlinesync/snapshots" {
		t.Errorf("Snapshot.Dir = %s, want it under DataDir", cfg.Snapshot.Dir)
	}
}

func TestLoad_missingConfigFile(t *testing.T) {
	dir := isolate(t)
	_, err := Load(Options{ConfigFile: filepath.Join(dir, "nope.yaml"), EnvFile: filepath.Join(dir, "x.env")})
	if !errs.Is(err, errs.ErrInvalid) {
		t.Errorf("Load() error = %v, want INVALID_INPUT", err)
	}
}

func TestLoad_validation(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  any
	}{
		{"bad base url", "remote.base_url", "not a url"},
		{"zero retries", "sync.max_retries", 0},
		{"backoff max below base", "sync.backoff_max", "10ms"},
		{"unknown log level", "log.level", "verbose"},
		{"short passphrase", "snapshot.passphrase", "abc"},
		{"endpoint without bucket", "snapshot.endpoint", "localhost:9000"},
		{"bad api addr", "api.addr", "no-port"},
		{"bad probe url", "network.probe_url", "::"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := isolate(t)
			_, err := Load(Options{
				EnvFile:   filepath.Join(dir, "x.env"),
				Overrides: map[string]any{tt.key: tt.val},
			})
			if !errs.Is(err, errs.ErrValidation) {
				t.Errorf("Load() error = %v, want VALIDATION_ERROR", err)
			}
		})
	}
}
