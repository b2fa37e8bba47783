// Package config handles loading and validation of objectstore configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration.
type Config struct {
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
	Server  ServerConfig  `yaml:"server"`
	Storage StorageConfig `yaml:"storage"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is one of "debug", "info", "warn", "error".
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn warning error"`
	// Format is "text" or "json".
	Format string `yaml:"format" validate:"omitempty,oneof=text json"`
}

// MetricsConfig controls Prometheus instrumentation.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// ServerConfig holds settings for the HTTP gateway.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port" validate:"gte=0,lte=65535"`
	// ShutdownTimeout is the graceful shutdown timeout in seconds.
	ShutdownTimeout int `yaml:"shutdown_timeout" validate:"gte=0"`
	// MaxObjectSize caps upload bodies in bytes; 0 means no limit.
	MaxObjectSize int64 `yaml:"max_object_size" validate:"gte=0"`
}

// StorageConfig selects a provider and holds the settings of each.
type StorageConfig struct {
	// Provider is the registered provider name, e.g. "s3" or "swift".
	Provider string       `yaml:"provider"`
	S3       S3Config     `yaml:"s3"`
	Minio    MinioConfig  `yaml:"minio"`
	Swift    SwiftConfig  `yaml:"swift"`
	GCS      GCSConfig    `yaml:"gcs"`
	Azure    AzureConfig  `yaml:"azure"`
	SQLite   SQLiteConfig `yaml:"sqlite"`
	Local    LocalConfig  `yaml:"local"`
	Memory   MemoryConfig `yaml:"memory"`
}

// S3Config holds settings for Amazon S3 and S3-compatible endpoints such
// as IBM Cloud Object Storage.
type S3Config struct {
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Region    string `yaml:"region"`
	Bucket    string `yaml:"bucket" validate:"required"`
	// Endpoint is an optional custom endpoint URL, scheme included.
	Endpoint string `yaml:"endpoint" validate:"omitempty,url"`
	// PathStyle addresses buckets by path instead of by virtual host.
	PathStyle bool `yaml:"path_style"`
	// IdleConnTimeout closes pooled connections idle for longer than this.
	IdleConnTimeout time.Duration `yaml:"idle_conn_timeout"`
	// RequireContentType rejects uploads that carry no Content-Type.
	RequireContentType bool `yaml:"require_content_type"`
	// PageSize is the maximum number of keys per listing request.
	PageSize int32 `yaml:"page_size" validate:"gte=0,lte=1000"`
}

// MinioConfig holds settings for the MinIO client.
type MinioConfig struct {
	// Endpoint is host[:port] without a scheme.
	Endpoint  string `yaml:"endpoint" validate:"required"`
	AccessKey string `yaml:"access_key" validate:"required"`
	SecretKey string `yaml:"secret_key" validate:"required"`
	Bucket    string `yaml:"bucket" validate:"required"`
	Region    string `yaml:"region"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// SwiftConfig holds settings for OpenStack Swift. An empty AuthURL means
// credentials come from the standard OS_* environment variables.
type SwiftConfig struct {
	AuthURL   string `yaml:"auth_url" validate:"omitempty,url"`
	Username  string `yaml:"username" validate:"required_with=AuthURL"`
	Password  string `yaml:"password" validate:"required_with=AuthURL"`
	Domain    string `yaml:"domain"`
	Project   string `yaml:"project"`
	Region    string `yaml:"region"`
	Container string `yaml:"container" validate:"required"`
}

// GCSConfig holds settings for Google Cloud Storage.
type GCSConfig struct {
	Bucket  string `yaml:"bucket" validate:"required"`
	Project string `yaml:"project"`
	// CredentialsFile is an optional service account key file. When empty,
	// Application Default Credentials are used.
	CredentialsFile string `yaml:"credentials_file"`
}

// AzureConfig holds settings for Azure Blob Storage.
type AzureConfig struct {
	Container string `yaml:"container" validate:"required"`
	// Account is used to build AccountURL when AccountURL is empty.
	Account            string `yaml:"account" validate:"required_without_all=AccountURL ConnectionString"`
	AccountURL         string `yaml:"account_url" validate:"omitempty,url"`
	ConnectionString   string `yaml:"connection_string"`
	UseManagedIdentity bool   `yaml:"use_managed_identity"`
}

// SQLiteConfig holds settings for the embedded SQLite provider.
type SQLiteConfig struct {
	// Path is the database file.
	Path string `yaml:"path" validate:"required"`
	// Bucket namespaces the objects inside the database.
	Bucket string `yaml:"bucket" validate:"required"`
}

// LocalConfig holds settings for the local filesystem provider.
type LocalConfig struct {
	// Root is the directory holding every bucket.
	Root   string `yaml:"root" validate:"required"`
	Bucket string `yaml:"bucket" validate:"required"`
}

// MemoryConfig holds settings for the in-process provider.
type MemoryConfig struct {
	Bucket string `yaml:"bucket" validate:"required"`
	// MaxSizeBytes caps the total payload held; 0 means unlimited.
	MaxSizeBytes int64 `yaml:"max_size_bytes" validate:"gte=0"`
}

// Load reads a YAML configuration file from the given path and returns
// a parsed Config with defaults applied. If the primary path cannot be
// read, it falls back to objstore.example.yaml in the same or the parent
// directory.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		fallbackPaths := []string{
			filepath.Join(filepath.Dir(path), "objstore.example.yaml"),
			filepath.Join(filepath.Dir(path), "..", "objstore.example.yaml"),
		}
		var fallbackErr error
		for _, fp := range fallbackPaths {
			data, fallbackErr = os.ReadFile(fp)
			if fallbackErr == nil {
				break
			}
		}
		if fallbackErr != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyDefaults(cfg)
	return cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return defaultConfig()
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            9000,
			ShutdownTimeout: 30,
		},
		Storage: StorageConfig{
			Provider: "memory",
			S3: S3Config{
				Region:   "us-east-1",
				PageSize: 1000,
			},
			SQLite: SQLiteConfig{
				Path:   "./data/objects.db",
				Bucket: "default",
			},
			Local: LocalConfig{
				Root:   "./data/objects",
				Bucket: "default",
			},
			Memory: MemoryConfig{
				Bucket: "default",
			},
		},
	}
}

// applyDefaults fills in any fields that are still at their zero value
// after YAML unmarshaling.
func applyDefaults(cfg *Config) {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9000
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 30
	}
	if cfg.Storage.Provider == "" {
		cfg.Storage.Provider = "memory"
	}
	if cfg.Storage.S3.Region == "" {
		cfg.Storage.S3.Region = "us-east-1"
	}
	if cfg.Storage.S3.PageSize == 0 {
		cfg.Storage.S3.PageSize = 1000
	}
	if cfg.Storage.SQLite.Path == "" {
		cfg.Storage.SQLite.Path = "./data/objects.db"
	}
	if cfg.Storage.SQLite.Bucket == "" {
		cfg.Storage.SQLite.Bucket = "default"
	}
	if cfg.Storage.Local.Root == "" {
		cfg.Storage.Local.Root = "./data/objects"
	}
	if cfg.Storage.Local.Bucket == "" {
		cfg.Storage.Local.Bucket = "default"
	}
	if cfg.Storage.Memory.Bucket == "" {
		cfg.Storage.Memory.Bucket = "default"
	}
	if cfg.Storage.Azure.AccountURL == "" && cfg.Storage.Azure.Account != "" {
		cfg.Storage.Azure.AccountURL = fmt.Sprintf("https://%s.blob.core.windows.net", cfg.Storage.Azure.Account)
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the general settings and the section of the selected
// provider. Sections of other providers are not checked.
func (c *Config) Validate() error {
	if err := validate.Struct(c.Logging); err != nil {
		return fmt.Errorf("invalid logging config: %w", err)
	}
	if err := validate.Struct(c.Server); err != nil {
		return fmt.Errorf("invalid server config: %w", err)
	}

	var section any
	switch strings.ToLower(c.Storage.Provider) {
	case "s3", "ibm":
		section = c.Storage.S3
	case "minio":
		section = c.Storage.Minio
	case "swift":
		section = c.Storage.Swift
	case "gcs":
		section = c.Storage.GCS
	case "azure":
		section = c.Storage.Azure
	case "sqlite":
		section = c.Storage.SQLite
	case "local":
		section = c.Storage.Local
	case "memory":
		section = c.Storage.Memory
	default:
		return fmt.Errorf("unknown storage provider %q", c.Storage.Provider)
	}
	if err := validate.Struct(section); err != nil {
		return fmt.Errorf("invalid storage.%s config: %w", strings.ToLower(c.Storage.Provider), err)
	}
	return nil
}
