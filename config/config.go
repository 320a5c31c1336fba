// Package config provides environment-variable configuration loading,
// validation, and path resolution for the content engine's ambient
// settings (data root, schema directory, active store, log level). It does
// not load per-entity schema or per-environment content configuration —
// that lives in the Configuration Registry (package config's sibling,
// registry.go), which layers declarative config.*.yaml files on top of
// what this package resolves.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// EnvConfig provides utilities for loading configuration from environment variables
type EnvConfig struct {
	prefix string // Optional prefix for all environment variables
}

// NewEnvConfig creates a new environment configuration loader
func NewEnvConfig(prefix string) *EnvConfig {
	return &EnvConfig{
		prefix: prefix,
	}
}

// GetString retrieves a string value from environment with optional default
func (ec *EnvConfig) GetString(key, defaultValue string) string {
	fullKey := ec.buildKey(key)
	if value := os.Getenv(fullKey); value != "" {
		return value
	}
	return defaultValue
}

// MustGetString retrieves a required string value from environment or panics
func (ec *EnvConfig) MustGetString(key string) string {
	fullKey := ec.buildKey(key)
	value := os.Getenv(fullKey)
	if value == "" {
		panic(fmt.Sprintf("required environment variable %s not set", fullKey))
	}
	return value
}

// GetInt retrieves an integer value from environment with optional default
func (ec *EnvConfig) GetInt(key string, defaultValue int) int {
	fullKey := ec.buildKey(key)
	if value := os.Getenv(fullKey); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// GetBool retrieves a boolean value from environment with optional default
func (ec *EnvConfig) GetBool(key string, defaultValue bool) bool {
	fullKey := ec.buildKey(key)
	if value := os.Getenv(fullKey); value != "" {
		boolValue, err := strconv.ParseBool(value)
		if err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// GetDuration retrieves a duration value from environment with optional default
func (ec *EnvConfig) GetDuration(key string, defaultValue time.Duration) time.Duration {
	fullKey := ec.buildKey(key)
	if value := os.Getenv(fullKey); value != "" {
		duration, err := time.ParseDuration(value)
		if err == nil {
			return duration
		}
	}
	return defaultValue
}

// GetStringSlice retrieves a comma-separated string slice from environment
func (ec *EnvConfig) GetStringSlice(key string, defaultValue []string) []string {
	fullKey := ec.buildKey(key)
	if value := os.Getenv(fullKey); value != "" {
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, part := range parts {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		return result
	}
	return defaultValue
}

// buildKey builds the full environment variable key with optional prefix
func (ec *EnvConfig) buildKey(key string) string {
	if ec.prefix != "" {
		return ec.prefix + "_" + key
	}
	return key
}

// ServiceConfig identifies the running process for logging and build
// reporting; it carries no HTTP-facing fields.
type ServiceConfig struct {
	Name        string
	Version     string
	Environment string
	LogLevel    string
	LogFormat   string
}

// LoadServiceConfig loads service identity configuration from environment.
func LoadServiceConfig(prefix string) ServiceConfig {
	env := NewEnvConfig(prefix)
	return ServiceConfig{
		Name:        env.GetString("NAME", "core"),
		Version:     env.GetString("VERSION", "0.0.1"),
		Environment: env.GetString("APP_ENV", "development"),
		LogLevel:    env.GetString("LOG_LEVEL", "info"),
		LogFormat:   env.GetString("LOG_FORMAT", "text"),
	}
}

// StoreConfig describes which relational engine backs Entity Storage and
// how to reach it. Dialect selects between the embedded SQLite-class pool
// (the default) and a production Postgres-class pool; see relstore.Pool.
type StoreConfig struct {
	Dialect        string // "sqlite" or "postgres"
	DSN            string // file path for sqlite, connection string for postgres
	MaxConnections int
	Timeout        time.Duration
}

// LoadStoreConfig loads relational store configuration from environment.
// For sqlite the DSN defaults to a file under PathConfig.DataRoot, resolved
// by the caller once paths are known; LoadStoreConfig only reads explicit
// overrides.
func LoadStoreConfig(prefix string) StoreConfig {
	env := NewEnvConfig(prefix)
	return StoreConfig{
		Dialect:        env.GetString("STORE_DIALECT", "sqlite"),
		DSN:            env.GetString("STORE_DSN", ""),
		MaxConnections: env.GetInt("STORE_MAX_CONNECTIONS", 10),
		Timeout:        env.GetDuration("STORE_TIMEOUT", 30*time.Second),
	}
}

// PathConfig resolves the filesystem roots named in the layout contract:
// DATA_PATH for generated content and the relational store file,
// STATIC_PATH for files the engine serves without transformation,
// ENTITY_SCHEMA_PATH for the directory the Schema Loader watches, and
// CONFIGURATION_PATH for the directory the Configuration Registry watches.
type PathConfig struct {
	DataRoot         string
	StaticRoot       string
	EntitySchemaPath string
	ConfigurationDir string
}

// LoadPathConfig loads and normalizes filesystem roots from environment,
// falling back to layout defaults rooted at the current working directory.
// A relative path is resolved against the current working directory.
func LoadPathConfig(prefix string) (PathConfig, error) {
	env := NewEnvConfig(prefix)
	cwd, err := os.Getwd()
	if err != nil {
		return PathConfig{}, fmt.Errorf("config: resolve working directory: %w", err)
	}

	dataRoot := env.GetString("DATA_PATH", filepath.Join(cwd, "data"))
	pc := PathConfig{
		DataRoot:         dataRoot,
		StaticRoot:       env.GetString("STATIC_PATH", filepath.Join(cwd, "static")),
		EntitySchemaPath: env.GetString("ENTITY_SCHEMA_PATH", filepath.Join(cwd, "entities")),
		ConfigurationDir: env.GetString("CONFIGURATION_PATH", filepath.Join(cwd, "configuration")),
	}

	for _, p := range []*string{&pc.DataRoot, &pc.StaticRoot, &pc.EntitySchemaPath, &pc.ConfigurationDir} {
		if !filepath.IsAbs(*p) {
			*p = filepath.Join(cwd, *p)
		}
	}
	return pc, nil
}

// ContentDBPath returns the default SQLite-class store file location under
// the data root, matching the <data_root>/content/<db_file> layout.
func (pc PathConfig) ContentDBPath(dbFile string) string {
	return filepath.Join(pc.DataRoot, "content", dbFile)
}

// Validator provides configuration validation utilities
type Validator struct {
	errors []string
}

// NewValidator creates a new configuration validator
func NewValidator() *Validator {
	return &Validator{
		errors: make([]string, 0),
	}
}

// RequireString validates that a string field is not empty
func (v *Validator) RequireString(field, value string) {
	if value == "" {
		v.errors = append(v.errors, fmt.Sprintf("%s is required", field))
	}
}

// RequirePositiveInt validates that an integer field is positive
func (v *Validator) RequirePositiveInt(field string, value int) {
	if value <= 0 {
		v.errors = append(v.errors, fmt.Sprintf("%s must be positive", field))
	}
}

// RequireOneOf validates that a value is one of the allowed options
func (v *Validator) RequireOneOf(field, value string, allowed []string) {
	if value == "" {
		v.errors = append(v.errors, fmt.Sprintf("%s is required", field))
		return
	}
	for _, option := range allowed {
		if value == option {
			return
		}
	}
	v.errors = append(v.errors, fmt.Sprintf("%s must be one of: %s", field, strings.Join(allowed, ", ")))
}

// IsValid returns true if there are no validation errors
func (v *Validator) IsValid() bool {
	return len(v.errors) == 0
}

// Errors returns all validation errors
func (v *Validator) Errors() []string {
	return v.errors
}

// ErrorString returns all validation errors as a single string
func (v *Validator) ErrorString() string {
	if len(v.errors) == 0 {
		return ""
	}
	return strings.Join(v.errors, "; ")
}

// Validate runs validation and returns error if invalid
func (v *Validator) Validate() error {
	if !v.IsValid() {
		return fmt.Errorf("configuration validation failed: %s", v.ErrorString())
	}
	return nil
}

// AllConfig aggregates the ambient configuration the engine needs to boot,
// independent of any per-entity or per-environment content configuration.
type AllConfig struct {
	Service ServiceConfig
	Store   StoreConfig
	Paths   PathConfig
}

// Load loads and validates the full ambient configuration for prefix.
func Load(prefix string) (*AllConfig, error) {
	paths, err := LoadPathConfig(prefix)
	if err != nil {
		return nil, err
	}
	cfg := &AllConfig{
		Service: LoadServiceConfig(prefix),
		Store:   LoadStoreConfig(prefix),
		Paths:   paths,
	}

	validator := NewValidator()
	validator.RequireOneOf("Service.Environment", cfg.Service.Environment,
		[]string{"development", "staging", "production"})
	validator.RequireOneOf("Service.LogLevel", cfg.Service.LogLevel,
		[]string{"debug", "info", "warn", "error"})
	validator.RequireOneOf("Store.Dialect", cfg.Store.Dialect,
		[]string{"sqlite", "postgres"})
	if err := validator.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
