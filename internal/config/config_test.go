// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML loading, env var expansion, duration parsing, and validation

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return configPath
}

func TestLoad_ValidConfig(t *testing.T) {
	configPath := writeConfig(t, `
client:
  id: "desk-1"
  name: "Ops Desk"
  version: "1.2.0"

database:
  path: "./desk.db"

vault:
  path: "./vault.json"

channels:
  read_timeout: "10s"
  configure_timeout: "30s"
  consent_timeout: "5m"
  reconnect_delay: "1s"
  max_reconnect_delay: "5s"
  max_reconnect_attempts: 5

notify:
  desktop: true

logging:
  level: "debug"
  format: "json"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Client.ID != "desk-1" {
		t.Errorf("Client.ID = %q", cfg.Client.ID)
	}
	if cfg.Client.Name != "Ops Desk" {
		t.Errorf("Client.Name = %q", cfg.Client.Name)
	}
	if cfg.Database.Path != "./desk.db" {
		t.Errorf("Database.Path = %q", cfg.Database.Path)
	}
	if cfg.Vault.Path != "./vault.json" {
		t.Errorf("Vault.Path = %q", cfg.Vault.Path)
	}
	if cfg.Channels.ReadTimeout != 10*time.Second {
		t.Errorf("ReadTimeout = %v", cfg.Channels.ReadTimeout)
	}
	if cfg.Channels.ConsentTimeout != 5*time.Minute {
		t.Errorf("ConsentTimeout = %v", cfg.Channels.ConsentTimeout)
	}
	if cfg.Channels.MaxReconnectAttempts != 5 {
		t.Errorf("MaxReconnectAttempts = %d", cfg.Channels.MaxReconnectAttempts)
	}
	if !cfg.Notify.Desktop {
		t.Error("Notify.Desktop = false")
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Logging.Format = %q", cfg.Logging.Format)
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("DESK_DB_PATH", "/var/lib/coven/desk.db")

	configPath := writeConfig(t, `
database:
  path: "${DESK_DB_PATH}"
vault:
  path: "./vault.json"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Database.Path != "/var/lib/coven/desk.db" {
		t.Errorf("Database.Path = %q, env var not expanded", cfg.Database.Path)
	}
}

func TestLoad_UnsetEnvVarExpandsEmpty(t *testing.T) {
	configPath := writeConfig(t, `
database:
  path: "db-${DEFINITELY_UNSET_VAR_12345}.sqlite"
vault:
  path: "./vault.json"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Database.Path != "db-.sqlite" {
		t.Errorf("Database.Path = %q", cfg.Database.Path)
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	configPath := writeConfig(t, `
database:
  path: "./desk.db"
vault:
  path: "./vault.json"
channels:
  read_timeout: "ten seconds"
`)

	_, err := Load(configPath)
	if err == nil {
		t.Fatal("Load() succeeded with invalid duration")
	}
	if !strings.Contains(err.Error(), "read_timeout") {
		t.Errorf("error does not name the bad field: %v", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/config.yaml"); err == nil {
		t.Fatal("Load() succeeded for missing file")
	}
}

func TestValidate_MissingDatabasePath(t *testing.T) {
	configPath := writeConfig(t, `
vault:
  path: "./vault.json"
`)
	if _, err := Load(configPath); err == nil || !strings.Contains(err.Error(), "database.path") {
		t.Errorf("Load() error = %v, want database.path complaint", err)
	}
}

func TestValidate_BadLogFormat(t *testing.T) {
	configPath := writeConfig(t, `
database:
  path: "./desk.db"
vault:
  path: "./vault.json"
logging:
  format: "xml"
`)
	if _, err := Load(configPath); err == nil || !strings.Contains(err.Error(), "logging.format") {
		t.Errorf("Load() error = %v, want logging.format complaint", err)
	}
}

func TestDefault(t *testing.T) {
	cfg := Default("/home/u/.local/share/coven-desk")

	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Database.Path != "/home/u/.local/share/coven-desk/desk.db" {
		t.Errorf("Database.Path = %q", cfg.Database.Path)
	}
	if cfg.Vault.Path != "/home/u/.local/share/coven-desk/vault.json" {
		t.Errorf("Vault.Path = %q", cfg.Vault.Path)
	}
}
