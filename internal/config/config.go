// Package config implements the persisted application configuration named
// in spec §6: a JSON app_config.json under {base_path} carrying the
// logged-in provider's key_info, plus the {base_path} resolution itself.
// Grounded on the teacher's config.go load/save/EnsureDataDir pattern,
// adapted from its TOML TUI-provider-settings shape to the JSON
// key_info-only document this runtime persists (the richer per-provider
// endpoint/model/temperature settings the teacher loads from forge.yaml
// instead, via internal/workflow).
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// KeyInfo describes the provider credential recorded by the most recent
// login, the exact shape spec §6 names for app_config.json's key_info field.
type KeyInfo struct {
	APIKey       string `json:"api_key"`
	APIKeyName   string `json:"api_key_name"`
	APIKeyMasked string `json:"api_key_masked"`
	Email        string `json:"email,omitempty"`
	Name         string `json:"name,omitempty"`
}

// AppConfig is the root document of app_config.json.
type AppConfig struct {
	KeyInfo *KeyInfo `json:"key_info,omitempty"`
}

// BasePath returns the forge data directory, ~/.config/forge.
func BasePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("config: resolve home directory: %w", err)
	}
	return filepath.Join(home, ".config", "forge"), nil
}

// EnsureBasePath creates the data directory if it doesn't already exist.
func EnsureBasePath() (string, error) {
	dir, err := BasePath()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("config: create base path %q: %w", dir, err)
	}
	return dir, nil
}

func appConfigPath() (string, error) {
	dir, err := BasePath()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "app_config.json"), nil
}

// LoadAppConfig reads app_config.json, returning a zero-value AppConfig
// (no key_info) if the file has never been written.
func LoadAppConfig() (*AppConfig, error) {
	path, err := appConfigPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &AppConfig{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: read %q: %w", path, err)
	}
	var cfg AppConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return &cfg, nil
}

// SaveAppConfig writes cfg to app_config.json.
func SaveAppConfig(cfg *AppConfig) error {
	dir, err := EnsureBasePath()
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("config: marshal app config: %w", err)
	}
	path := filepath.Join(dir, "app_config.json")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("config: write %q: %w", path, err)
	}
	return nil
}

// MaskAPIKey renders key as the api_key_masked field: its first and last
// four characters with the middle elided, or a fixed placeholder when key
// is too short to mask meaningfully.
func MaskAPIKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "..." + key[len(key)-4:]
}
