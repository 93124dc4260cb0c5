package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	DataDir  string `json:"data_dir" yaml:"data_dir"`
	LogLevel string `json:"log_level" yaml:"log_level"`
	Store    string `json:"store" yaml:"store"`
	Remote   struct {
		Provider          string  `json:"provider" yaml:"provider"`
		BaseURL           string  `json:"base_url" yaml:"base_url"`
		Owner             string  `json:"owner" yaml:"owner"`
		Repo              string  `json:"repo" yaml:"repo"`
		Branch            string  `json:"branch" yaml:"branch"`
		Path              string  `json:"path" yaml:"path"`
		Token             string  `json:"token" yaml:"token"`
		RequestsPerSecond float64 `json:"requests_per_second" yaml:"requests_per_second"`
	} `json:"remote" yaml:"remote"`
	Recovery struct {
		Expiry    Duration `json:"expiry" yaml:"expiry"`
		PromptTTL Duration `json:"prompt_ttl" yaml:"prompt_ttl"`
	} `json:"recovery" yaml:"recovery"`
	Backup struct {
		MaxRetries      int      `json:"max_retries" yaml:"max_retries"`
		ConflictRetries int      `json:"conflict_retries" yaml:"conflict_retries"`
		InitialDelay    Duration `json:"initial_delay" yaml:"initial_delay"`
		MaxDelay        Duration `json:"max_delay" yaml:"max_delay"`
		SyncSchedule    string   `json:"sync_schedule" yaml:"sync_schedule"`
		AutoBackup      bool     `json:"auto_backup" yaml:"auto_backup"`
		Uploads         int      `json:"upload_concurrency" yaml:"upload_concurrency"`
	} `json:"backup" yaml:"backup"`
	Connectivity struct {
		CheckURL string   `json:"check_url" yaml:"check_url"`
		Interval Duration `json:"interval" yaml:"interval"`
	} `json:"connectivity" yaml:"connectivity"`
	HTTP struct {
		Enabled bool   `json:"enabled" yaml:"enabled"`
		Listen  string `json:"listen" yaml:"listen"`
	} `json:"http" yaml:"http"`
}

// DefaultPath returns ~/.rollcall/config.json.
func DefaultPath() string {
	return filepath.Join(os.Getenv("HOME"), ".rollcall", "config.json")
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

func defaults() *Config {
	cfg := &Config{
		DataDir:  filepath.Join(os.Getenv("HOME"), ".rollcall"),
		LogLevel: "info",
		Store:    "file",
	}
	cfg.Remote.Provider = "github"
	cfg.Remote.BaseURL = "https://api.github.com"
	cfg.Remote.Branch = "main"
	cfg.Remote.Path = "backups"
	cfg.Remote.RequestsPerSecond = 5
	cfg.Recovery.Expiry = Duration(15 * time.Minute)
	cfg.Recovery.PromptTTL = Duration(time.Hour)
	cfg.Backup.MaxRetries = 3
	cfg.Backup.ConflictRetries = 2
	cfg.Backup.InitialDelay = Duration(time.Second)
	cfg.Backup.MaxDelay = Duration(30 * time.Second)
	cfg.Backup.SyncSchedule = "@every 15m"
	cfg.Backup.AutoBackup = true
	cfg.Backup.Uploads = 2
	cfg.Connectivity.CheckURL = "https://api.github.com"
	cfg.Connectivity.Interval = Duration(30 * time.Second)
	cfg.HTTP.Listen = "127.0.0.1:8484"
	return cfg
}

func Load(path string) (*Config, error) {
	cfg := defaults()

	// Load from file if exists, otherwise write defaults
	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := decode(path, data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	} else if os.IsNotExist(err) {
		if err := Save(path, cfg); err != nil {
			return nil, err
		}
	}

	// Override from env (highest precedence)
	if token := os.Getenv("ROLLCALL_GITHUB_TOKEN"); token != "" {
		cfg.Remote.Token = token
	}
	if dir := os.Getenv("ROLLCALL_DATA_DIR"); dir != "" {
		cfg.DataDir = dir
	}
	if level := os.Getenv("ROLLCALL_LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	return cfg, nil
}

// Validate reports settings the runtime cannot start with.
func (c *Config) Validate() error {
	switch c.Store {
	case "file", "sqlite", "memory":
	default:
		return fmt.Errorf("unknown store %q (want file, sqlite or memory)", c.Store)
	}
	switch c.Remote.Provider {
	case "github", "memory":
	default:
		return fmt.Errorf("unknown remote provider %q (want github or memory)", c.Remote.Provider)
	}
	if c.Backup.MaxRetries < 1 {
		return fmt.Errorf("backup.max_retries must be at least 1")
	}
	if c.Backup.ConflictRetries < 0 {
		return fmt.Errorf("backup.conflict_retries must not be negative")
	}
	return nil
}

func decode(path string, data []byte, v any) error {
	if isYAML(path) {
		return yaml.Unmarshal(data, v)
	}
	return json.Unmarshal(data, v)
}

func encode(path string, v any) ([]byte, error) {
	if isYAML(path) {
		return yaml.Marshal(v)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// Save writes cfg to path atomically, creating the directory if needed.
func Save(path string, cfg *Config) error {
	data, err := encode(path, cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return writeFile(path, data)
}

func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}

// ToMap converts the config to a nested map using its JSON field names.
func ToMap(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// ListValues returns the config as flat dotted keys, optionally masking
// secrets.
func ListValues(cfg *Config, mask bool) (map[string]any, error) {
	m, err := ToMap(cfg)
	if err != nil {
		return nil, err
	}
	flat := leaves(m)
	if mask {
		for k, v := range flat {
			flat[k] = MaskValue(k, v)
		}
	}
	return flat, nil
}

// readRaw returns the file's contents as a nested map, keeping keys the
// Config struct does not know.
func readRaw(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	raw := map[string]any{}
	if err := decode(path, data, &raw); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return raw, nil
}

// GetValue returns the value stored under a dotted key. The file is
// created with defaults if missing.
func GetValue(path, key string) (any, error) {
	if _, err := Load(path); err != nil {
		return nil, err
	}
	raw, err := readRaw(path)
	if err != nil {
		return nil, err
	}
	v, ok := lookup(raw, key)
	if !ok {
		return nil, fmt.Errorf("unknown config key: %s", key)
	}
	return v, nil
}

// SetValue stores value under a dotted key in an existing config file.
// Values that parse as JSON (numbers, booleans) are stored typed; anything
// else is stored as a string.
func SetValue(path, key, value string) error {
	raw, err := readRaw(path)
	if err != nil {
		return err
	}

	var typed any
	if err := json.Unmarshal([]byte(value), &typed); err != nil {
		typed = value
	}

	if err := assign(raw, key, typed); err != nil {
		return err
	}

	data, err := encode(path, raw)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return writeFile(path, data)
}
