package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func tempConfigPath(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	return filepath.Join(dir, "config.json")
}

func writeTestConfig(t *testing.T, path string, cfg *Config) {
	t.Helper()
	if err := Save(path, cfg); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
}

func TestLoad_WritesDefaults(t *testing.T) {
	path := tempConfigPath(t)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("defaults were not written: %v", err)
	}
	if cfg.Store != "file" {
		t.Errorf("expected store=file, got %q", cfg.Store)
	}
	if cfg.Recovery.Expiry.Std() != 15*time.Minute {
		t.Errorf("expected 15m expiry, got %v", cfg.Recovery.Expiry)
	}
	if cfg.Backup.MaxRetries != 3 {
		t.Errorf("expected max_retries=3, got %d", cfg.Backup.MaxRetries)
	}
	if !cfg.Backup.AutoBackup {
		t.Error("auto backup should default to on")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := tempConfigPath(t)
	t.Setenv("ROLLCALL_GITHUB_TOKEN", "ghp_from_env")
	t.Setenv("ROLLCALL_DATA_DIR", "/tmp/env-data")
	t.Setenv("ROLLCALL_LOG_LEVEL", "debug")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Remote.Token != "ghp_from_env" {
		t.Errorf("token not overridden: %q", cfg.Remote.Token)
	}
	if cfg.DataDir != "/tmp/env-data" {
		t.Errorf("data dir not overridden: %q", cfg.DataDir)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("log level not overridden: %q", cfg.LogLevel)
	}

	// env values are not written back to disk
	v, err := GetValue(path, "remote.token")
	if err != nil {
		t.Fatalf("GetValue failed: %v", err)
	}
	if v != "" {
		t.Errorf("env token leaked into file: %v", v)
	}
}

func TestLoad_PartialFileKeepsDefaults(t *testing.T) {
	path := tempConfigPath(t)
	if err := os.WriteFile(path, []byte(`{"store":"sqlite","recovery":{"expiry":"5m"}}`), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Store != "sqlite" {
		t.Errorf("expected store=sqlite, got %q", cfg.Store)
	}
	if cfg.Recovery.Expiry.Std() != 5*time.Minute {
		t.Errorf("expected 5m expiry, got %v", cfg.Recovery.Expiry)
	}
	if cfg.Recovery.PromptTTL.Std() != time.Hour {
		t.Errorf("prompt ttl default lost: %v", cfg.Recovery.PromptTTL)
	}
	if cfg.Remote.Branch != "main" {
		t.Errorf("branch default lost: %q", cfg.Remote.Branch)
	}
}

func TestLoad_BadDuration(t *testing.T) {
	path := tempConfigPath(t)
	if err := os.WriteFile(path, []byte(`{"recovery":{"expiry":"soon"}}`), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error for bad duration")
	}
}

func TestLoad_YAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
store: memory
remote:
  provider: memory
  owner: school
backup:
  max_retries: 5
  sync_schedule: "@every 1m"
connectivity:
  interval: 10s
`
	if err := os.WriteFile(path, []byte(data), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Store != "memory" || cfg.Remote.Provider != "memory" {
		t.Errorf("unexpected store/provider: %q/%q", cfg.Store, cfg.Remote.Provider)
	}
	if cfg.Remote.Owner != "school" {
		t.Errorf("expected owner=school, got %q", cfg.Remote.Owner)
	}
	if cfg.Backup.MaxRetries != 5 {
		t.Errorf("expected max_retries=5, got %d", cfg.Backup.MaxRetries)
	}
	if cfg.Connectivity.Interval.Std() != 10*time.Second {
		t.Errorf("expected 10s interval, got %v", cfg.Connectivity.Interval)
	}
	if cfg.Recovery.Expiry.Std() != 15*time.Minute {
		t.Errorf("expiry default lost: %v", cfg.Recovery.Expiry)
	}
}

func TestSave_YAMLRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	cfg := defaults()
	cfg.Recovery.Expiry = Duration(90 * time.Second)
	cfg.Remote.Token = "ghp_yaml"
	writeTestConfig(t, path, cfg)

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "expiry: 1m30s") {
		t.Errorf("expected duration string in yaml, got:\n%s", data)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.Recovery.Expiry.Std() != 90*time.Second {
		t.Errorf("expiry mismatch: %v", loaded.Recovery.Expiry)
	}
	if loaded.Remote.Token != "ghp_yaml" {
		t.Errorf("token mismatch: %q", loaded.Remote.Token)
	}

	if err := SetValue(path, "remote.owner", "school"); err != nil {
		t.Fatalf("SetValue failed: %v", err)
	}
	v, err := GetValue(path, "remote.owner")
	if err != nil {
		t.Fatalf("GetValue failed: %v", err)
	}
	if v != "school" {
		t.Errorf("expected remote.owner=school, got %v", v)
	}
}

func TestValidate(t *testing.T) {
	cfg := defaults()
	cfg.Store = "postgres"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for unknown store")
	}

	cfg = defaults()
	cfg.Remote.Provider = "s3"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for unknown provider")
	}

	cfg = defaults()
	cfg.Backup.MaxRetries = 0
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for zero max_retries")
	}
}

func TestSave_ReloadRoundTrip(t *testing.T) {
	path := tempConfigPath(t)

	original := &Config{
		DataDir:  "/tmp/test-data",
		LogLevel: "debug",
		Store:    "sqlite",
	}
	original.Remote.Provider = "github"
	original.Remote.Owner = "school"
	original.Remote.Repo = "attendance"
	original.Remote.Token = "ghp-round-trip"
	original.Remote.RequestsPerSecond = 2.5
	original.Recovery.Expiry = Duration(10 * time.Minute)
	original.Backup.MaxRetries = 4
	original.Backup.AutoBackup = true

	// Save
	if err := Save(path, original); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	// Verify file exists
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("config file does not exist after Save: %v", err)
	}

	// Reload
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	// Compare key fields
	if loaded.DataDir != original.DataDir {
		t.Errorf("DataDir mismatch: %v != %v", loaded.DataDir, original.DataDir)
	}
	if loaded.LogLevel != original.LogLevel {
		t.Errorf("LogLevel mismatch: %v != %v", loaded.LogLevel, original.LogLevel)
	}
	if loaded.Store != original.Store {
		t.Errorf("Store mismatch: %v != %v", loaded.Store, original.Store)
	}
	if loaded.Remote.Owner != original.Remote.Owner {
		t.Errorf("Remote.Owner mismatch: %v != %v", loaded.Remote.Owner, original.Remote.Owner)
	}
	if loaded.Remote.Token != original.Remote.Token {
		t.Errorf("Remote.Token mismatch: %v != %v", loaded.Remote.Token, original.Remote.Token)
	}
	if loaded.Remote.RequestsPerSecond != original.Remote.RequestsPerSecond {
		t.Errorf("Remote.RequestsPerSecond mismatch: %v != %v", loaded.Remote.RequestsPerSecond, original.Remote.RequestsPerSecond)
	}
	if loaded.Recovery.Expiry != original.Recovery.Expiry {
		t.Errorf("Recovery.Expiry mismatch: %v != %v", loaded.Recovery.Expiry, original.Recovery.Expiry)
	}
	if loaded.Backup.MaxRetries != original.Backup.MaxRetries {
		t.Errorf("Backup.MaxRetries mismatch: %v != %v", loaded.Backup.MaxRetries, original.Backup.MaxRetries)
	}
}

func TestSave_AtomicWrite(t *testing.T) {
	path := tempConfigPath(t)

	cfg := &Config{LogLevel: "info"}
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	// Verify no temp file left behind
	tmpPath := path + ".tmp"
	if _, err := os.Stat(tmpPath); !os.IsNotExist(err) {
		t.Errorf("temp file should not exist after successful save")
	}

	// Verify the file is valid JSON
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read saved config: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Errorf("saved file is not valid JSON: %v", err)
	}
}

func TestToMap(t *testing.T) {
	cfg := &Config{
		DataDir:  "/tmp/test",
		LogLevel: "debug",
	}
	cfg.Remote.Provider = "github"
	cfg.Remote.Branch = "main"
	cfg.Backup.MaxRetries = 3
	cfg.Recovery.Expiry = Duration(15 * time.Minute)

	m, err := ToMap(cfg)
	if err != nil {
		t.Fatalf("ToMap failed: %v", err)
	}

	if m["data_dir"] != "/tmp/test" {
		t.Errorf("expected data_dir=/tmp/test, got %v", m["data_dir"])
	}
	if m["log_level"] != "debug" {
		t.Errorf("expected log_level=debug, got %v", m["log_level"])
	}

	remote, ok := m["remote"].(map[string]any)
	if !ok {
		t.Fatalf("expected remote to be map, got %T", m["remote"])
	}
	if remote["provider"] != "github" {
		t.Errorf("expected remote.provider=github, got %v", remote["provider"])
	}
	if remote["branch"] != "main" {
		t.Errorf("expected remote.branch=main, got %v", remote["branch"])
	}

	backup := m["backup"].(map[string]any)
	// JSON numbers are float64
	if backup["max_retries"] != float64(3) {
		t.Errorf("expected backup.max_retries=3, got %v", backup["max_retries"])
	}

	recovery := m["recovery"].(map[string]any)
	if recovery["expiry"] != "15m0s" {
		t.Errorf("expected recovery.expiry=15m0s, got %v", recovery["expiry"])
	}
}

func TestListValues_NoMask(t *testing.T) {
	cfg := &Config{
		LogLevel: "info",
	}
	cfg.Remote.Token = "ghp-secret-key-1234"

	flat, err := ListValues(cfg, false)
	if err != nil {
		t.Fatalf("ListValues failed: %v", err)
	}

	// Secrets should be unmasked
	if flat["remote.token"] != "ghp-secret-key-1234" {
		t.Errorf("expected unmasked remote.token, got %v", flat["remote.token"])
	}
	if flat["log_level"] != "info" {
		t.Errorf("expected log_level=info, got %v", flat["log_level"])
	}
}

func TestListValues_WithMask(t *testing.T) {
	cfg := &Config{
		LogLevel: "info",
	}
	cfg.Remote.Token = "ghp-secret-key-1234"

	flat, err := ListValues(cfg, true)
	if err != nil {
		t.Fatalf("ListValues failed: %v", err)
	}

	// Secrets should be masked
	if flat["remote.token"] != "***1234" {
		t.Errorf("expected masked remote.token=***1234, got %v", flat["remote.token"])
	}

	// Non-secrets should be unchanged
	if flat["log_level"] != "info" {
		t.Errorf("expected log_level=info, got %v", flat["log_level"])
	}
	if _, ok := flat["backup.auto_backup"]; !ok {
		t.Error("expected backup.auto_backup in flat listing")
	}
}

func TestGetValue_ExistingKey(t *testing.T) {
	path := tempConfigPath(t)

	cfg := &Config{
		LogLevel: "debug",
	}
	cfg.Remote.Repo = "attendance"
	cfg.Backup.MaxRetries = 8
	writeTestConfig(t, path, cfg)

	v, err := GetValue(path, "log_level")
	if err != nil {
		t.Fatalf("GetValue failed: %v", err)
	}
	if v != "debug" {
		t.Errorf("expected log_level=debug, got %v", v)
	}

	v, err = GetValue(path, "remote.repo")
	if err != nil {
		t.Fatalf("GetValue failed: %v", err)
	}
	if v != "attendance" {
		t.Errorf("expected remote.repo=attendance, got %v", v)
	}

	v, err = GetValue(path, "backup.max_retries")
	if err != nil {
		t.Fatalf("GetValue failed: %v", err)
	}
	// JSON numbers are float64
	if v != float64(8) {
		t.Errorf("expected backup.max_retries=8, got %v (%T)", v, v)
	}
}

func TestGetValue_UnknownKey(t *testing.T) {
	path := tempConfigPath(t)

	cfg := &Config{LogLevel: "info"}
	writeTestConfig(t, path, cfg)

	_, err := GetValue(path, "nonexistent.key")
	if err == nil {
		t.Fatal("expected error for unknown key, got nil")
	}
	expected := "unknown config key: nonexistent.key"
	if err.Error() != expected {
		t.Errorf("expected error %q, got %q", expected, err.Error())
	}
}

func TestSetValue_String(t *testing.T) {
	path := tempConfigPath(t)

	cfg := &Config{LogLevel: "info"}
	cfg.Remote.Provider = "github"
	writeTestConfig(t, path, cfg)

	// Set a string value
	if err := SetValue(path, "log_level", "debug"); err != nil {
		t.Fatalf("SetValue failed: %v", err)
	}

	// Verify it was set
	v, err := GetValue(path, "log_level")
	if err != nil {
		t.Fatalf("GetValue failed: %v", err)
	}
	if v != "debug" {
		t.Errorf("expected log_level=debug after set, got %v", v)
	}

	// Verify other values are preserved
	v, err = GetValue(path, "remote.provider")
	if err != nil {
		t.Fatalf("GetValue failed: %v", err)
	}
	if v != "github" {
		t.Errorf("expected remote.provider=github (preserved), got %v", v)
	}
}

func TestSetValue_Numeric(t *testing.T) {
	path := tempConfigPath(t)

	cfg := &Config{}
	cfg.Backup.MaxRetries = 2
	writeTestConfig(t, path, cfg)

	// Set a numeric value (JSON parseable)
	if err := SetValue(path, "backup.max_retries", "5"); err != nil {
		t.Fatalf("SetValue failed: %v", err)
	}

	v, err := GetValue(path, "backup.max_retries")
	if err != nil {
		t.Fatalf("GetValue failed: %v", err)
	}
	if v != float64(5) {
		t.Errorf("expected backup.max_retries=5, got %v (%T)", v, v)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.Backup.MaxRetries != 5 {
		t.Errorf("expected typed MaxRetries=5, got %d", loaded.Backup.MaxRetries)
	}
}

func TestSetValue_Boolean(t *testing.T) {
	path := tempConfigPath(t)

	cfg := &Config{LogLevel: "info"}
	writeTestConfig(t, path, cfg)

	// Set a boolean value (JSON parseable)
	if err := SetValue(path, "backup.auto_backup", "false"); err != nil {
		t.Fatalf("SetValue failed: %v", err)
	}

	v, err := GetValue(path, "backup.auto_backup")
	if err != nil {
		t.Fatalf("GetValue failed: %v", err)
	}
	if v != false {
		t.Errorf("expected backup.auto_backup=false, got %v (%T)", v, v)
	}
}

func TestSetValue_Duration(t *testing.T) {
	path := tempConfigPath(t)
	writeTestConfig(t, path, defaults())

	if err := SetValue(path, "recovery.expiry", "30m"); err != nil {
		t.Fatalf("SetValue failed: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.Recovery.Expiry.Std() != 30*time.Minute {
		t.Errorf("expected 30m expiry, got %v", loaded.Recovery.Expiry)
	}
}

func TestSetValue_Float(t *testing.T) {
	path := tempConfigPath(t)

	cfg := &Config{}
	cfg.Remote.RequestsPerSecond = 5
	writeTestConfig(t, path, cfg)

	if err := SetValue(path, "remote.requests_per_second", "0.5"); err != nil {
		t.Fatalf("SetValue failed: %v", err)
	}

	v, err := GetValue(path, "remote.requests_per_second")
	if err != nil {
		t.Fatalf("GetValue failed: %v", err)
	}
	if v != 0.5 {
		t.Errorf("expected remote.requests_per_second=0.5, got %v (%T)", v, v)
	}
}

func TestSetValue_NewNestedKey(t *testing.T) {
	path := tempConfigPath(t)

	cfg := &Config{LogLevel: "info"}
	writeTestConfig(t, path, cfg)

	// Set a new nested key that doesn't exist in Config struct
	if err := SetValue(path, "custom.setting", "value"); err != nil {
		t.Fatalf("SetValue failed: %v", err)
	}

	v, err := GetValue(path, "custom.setting")
	if err != nil {
		t.Fatalf("GetValue failed: %v", err)
	}
	if v != "value" {
		t.Errorf("expected custom.setting=value, got %v", v)
	}
}

func TestSetValue_NonexistentFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "does-not-exist", "config.json")
	err := SetValue(path, "log_level", "debug")
	if err == nil {
		t.Fatal("expected error for nonexistent file, got nil")
	}
}

func TestGetValue_NonexistentFile(t *testing.T) {
	// GetValue calls Load, which writes defaults when the file is missing.
	path := tempConfigPath(t)

	v, err := GetValue(path, "log_level")
	if err != nil {
		t.Fatalf("GetValue on new config failed: %v", err)
	}
	// Default log_level is "info"
	if v != "info" {
		t.Errorf("expected default log_level=info, got %v", v)
	}
}

func TestSave_CreatesDirectory(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "subdir", "config.json")

	cfg := &Config{LogLevel: "warn"}
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save should create parent directory, got: %v", err)
	}

	if _, err := os.Stat(path); err != nil {
		t.Errorf("config file should exist: %v", err)
	}
}
