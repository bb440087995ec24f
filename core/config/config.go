// Package config provides configuration for the extension subsystem.
//
// Configuration loads from an optional YAML file, then environment
// variables override individual fields. A .env file in the working
// directory is honored when present.
package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/eatonphil/villagesql-server/core/errors"
	"github.com/eatonphil/villagesql-server/core/identifier"
)

// SchemaVersion is the extension-schema version exposed as a read-only
// session variable.
const SchemaVersion = "1.0.0"

// Config holds the extension subsystem settings.
type Config struct {
	// VebDir is the root directory for extension archives and their
	// content-addressed expansions.
	VebDir string `json:"veb_dir" yaml:"veb_dir"`

	// SystemTableDSN locates the backing database for the system tables.
	SystemTableDSN string `json:"system_table_dsn" yaml:"system_table_dsn"`

	// IdentifierCasing selects the database/table name casing mode:
	// sensitive, store_lower, or compare_lower.
	IdentifierCasing string `json:"identifier_casing" yaml:"identifier_casing"`

	// LogLevel is debug, info, warn, or error.
	LogLevel string `json:"log_level" yaml:"log_level"`

	// LogFormat is json or text.
	LogFormat string `json:"log_format" yaml:"log_format"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		VebDir:           "veb",
		SystemTableDSN:   filepath.Join("veb", "system.db"),
		IdentifierCasing: "store_lower",
		LogLevel:         "info",
		LogFormat:        "json",
	}
}

// Load reads configuration from path (optional; "" skips the file),
// applies environment overrides, validates, and returns the result.
func Load(path string) (*Config, error) {
	// Best-effort .env loading; a missing file is not an error.
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.NewIO("read", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.NewParse("YAML", path, err.Error())
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("VSQL_VEB_DIR"); v != "" {
		c.VebDir = v
	}
	if v := os.Getenv("VSQL_SYSTEM_TABLE_DSN"); v != "" {
		c.SystemTableDSN = v
	}
	if v := os.Getenv("VSQL_IDENTIFIER_CASING"); v != "" {
		c.IdentifierCasing = v
	}
	if v := os.Getenv("VSQL_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("VSQL_LOG_FORMAT"); v != "" {
		c.LogFormat = v
	}
}

// Validate checks field values. It fills in no defaults: an empty
// veb_dir, identifier_casing, log_level or log_format is rejected.
func (c *Config) Validate() error {
	if c.VebDir == "" {
		return errors.NewValidation("veb_dir", "is required")
	}
	if _, ok := identifier.ParseCasingMode(c.IdentifierCasing); !ok {
		return errors.NewValidation("identifier_casing",
			"must be sensitive, store_lower, or compare_lower")
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return errors.NewValidation("log_level", "must be debug, info, warn, or error")
	}
	switch strings.ToLower(c.LogFormat) {
	case "json", "text":
	default:
		return errors.NewValidation("log_format", "must be json or text")
	}
	return nil
}

// CasingMode returns the parsed identifier casing mode.
func (c *Config) CasingMode() identifier.CasingMode {
	mode, _ := identifier.ParseCasingMode(c.IdentifierCasing)
	return mode
}

// Apply installs process-global settings derived from the config.
func (c *Config) Apply() {
	identifier.SetMode(c.CasingMode())
}
