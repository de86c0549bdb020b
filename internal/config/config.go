// Package config loads service configuration from the environment (prefix
// TRUSTLOCK_) with an optional .env file for local development.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all service settings.
type Config struct {
	Port          int    `mapstructure:"port"`
	DataDir       string `mapstructure:"data_dir"`
	ServiceTokens string `mapstructure:"service_tokens"` // comma-separated allow-list
	MaxUploadMB   int    `mapstructure:"max_upload_mb"`

	StorageBackend string `mapstructure:"storage_backend"` // "local" or "minio"
	MinioEndpoint  string `mapstructure:"minio_endpoint"`
	MinioAccessKey string `mapstructure:"minio_access_key"`
	MinioSecretKey string `mapstructure:"minio_secret_key"`
	MinioBucket    string `mapstructure:"minio_bucket"`
	MinioUseSSL    bool   `mapstructure:"minio_use_ssl"`

	SnapshotInterval time.Duration `mapstructure:"snapshot_interval"`
	SnapshotWorkers  int           `mapstructure:"snapshot_workers"`

	LogLevel   string `mapstructure:"log_level"`
	LogFormat  string `mapstructure:"log_format"`
	CORSOrigin string `mapstructure:"cors_origin"`
}

const envPrefix = "TRUSTLOCK_"

// Load reads configuration from .env (if present) and TRUSTLOCK_-prefixed
// environment variables, applies defaults, and validates the result.
func Load() (*Config, error) {
	v := viper.New()

	v.SetDefault("port", 9000)
	v.SetDefault("data_dir", "./data")
	v.SetDefault("service_tokens", "token1")
	v.SetDefault("max_upload_mb", 10)
	v.SetDefault("storage_backend", "local")
	v.SetDefault("minio_bucket", "trustlock-objects")
	v.SetDefault("snapshot_interval", "1h")
	v.SetDefault("snapshot_workers", 4)
	v.SetDefault("log_level", "INFO")
	v.SetDefault("log_format", "json")
	v.SetDefault("cors_origin", "*")

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read .env: %w", err)
		}
	}

	// Populate viper from prefixed env vars: TRUSTLOCK_DATA_DIR -> data_dir.
	for _, envStr := range os.Environ() {
		pair := strings.SplitN(envStr, "=", 2)
		key, value := pair[0], pair[1]
		if strings.HasPrefix(key, envPrefix) {
			v.Set(strings.ToLower(strings.TrimPrefix(key, envPrefix)), value)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.StorageBackend {
	case "local":
	case "minio":
		if c.MinioEndpoint == "" {
			return fmt.Errorf("storage_backend is minio but minio_endpoint is empty")
		}
	default:
		return fmt.Errorf("unknown storage_backend %q (want local or minio)", c.StorageBackend)
	}
	if c.MaxUploadMB <= 0 {
		return fmt.Errorf("max_upload_mb must be positive, got %d", c.MaxUploadMB)
	}
	if c.SnapshotInterval <= 0 {
		return fmt.Errorf("snapshot_interval must be positive, got %s", c.SnapshotInterval)
	}
	if len(c.Tokens()) == 0 {
		return fmt.Errorf("service_tokens must list at least one token")
	}
	return nil
}

// Tokens returns the parsed service token allow-list.
func (c *Config) Tokens() []string {
	var out []string
	for _, t := range strings.Split(c.ServiceTokens, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// MaxUploadBytes returns the upload cap in bytes.
func (c *Config) MaxUploadBytes() int64 {
	return int64(c.MaxUploadMB) << 20
}
