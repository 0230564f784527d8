// Package config loads storage engine configuration from a config file and
// the environment. Files are resolved viper-style: an explicit path wins,
// otherwise .brainy.yaml is searched in the home directory and the working
// directory, and BRAINY_-prefixed environment variables override any file
// value.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Adapter kinds selectable through configuration.
const (
	AdapterMemory      = "memory"
	AdapterFilesystem  = "filesystem"
	AdapterObjectStore = "object-store"
)

// OperationConfig bounds individual primitives.
type OperationConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
	Retries int           `mapstructure:"retries"`
}

// S3Config selects and authenticates the backing object-store service.
type S3Config struct {
	ServiceType     string `mapstructure:"service_type"` // s3, r2 or gcs
	BucketName      string `mapstructure:"bucket_name"`
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"`
	AccountID       string `mapstructure:"account_id"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	SessionToken    string `mapstructure:"session_token"`
}

// StorageConfig is the full option surface of the engine.
type StorageConfig struct {
	Adapter          string          `mapstructure:"adapter"`
	Root             string          `mapstructure:"root"`
	Compression      bool            `mapstructure:"compression"`
	CompressionLevel int             `mapstructure:"compression_level"`
	CacheSize        int             `mapstructure:"cache_size"`
	ReadOnly         bool            `mapstructure:"read_only"`
	Operation        OperationConfig `mapstructure:"operation"`
	S3               S3Config        `mapstructure:"s3"`
}

// DefaultStorageConfig returns the documented defaults: filesystem
// adapter, compression on at level six.
func DefaultStorageConfig() StorageConfig {
	return StorageConfig{
		Adapter:          AdapterFilesystem,
		Root:             ".brainy-data",
		Compression:      true,
		CompressionLevel: 6,
		CacheSize:        10_000,
		Operation: OperationConfig{
			Timeout: 30 * time.Second,
			Retries: 5,
		},
		S3: S3Config{
			ServiceType: "s3",
		},
	}
}

// Load reads configuration from cfgFile (or the default search path when
// empty) and the environment, over the defaults.
func Load(cfgFile string) (StorageConfig, error) {
	v := viper.New()
	cfg := DefaultStorageConfig()

	v.SetDefault("adapter", cfg.Adapter)
	v.SetDefault("root", cfg.Root)
	v.SetDefault("compression", cfg.Compression)
	v.SetDefault("compression_level", cfg.CompressionLevel)
	v.SetDefault("cache_size", cfg.CacheSize)
	v.SetDefault("read_only", cfg.ReadOnly)
	v.SetDefault("operation.timeout", cfg.Operation.Timeout)
	v.SetDefault("operation.retries", cfg.Operation.Retries)
	v.SetDefault("s3.service_type", cfg.S3.ServiceType)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		if home, err := homedir.Dir(); err == nil {
			v.AddConfigPath(home)
		}
		v.AddConfigPath(".")
		v.SetConfigType("yaml")
		v.SetConfigName(".brainy")
	}

	v.SetEnvPrefix("BRAINY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// Without an explicit file, read errors are ignored and defaults
		// plus environment apply; an explicit file that cannot be read is
		// an error.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && cfgFile != "" {
			return cfg, fmt.Errorf("failed to read config file %s: %w", cfgFile, err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects configurations the adapters would fail on later.
func Validate(cfg StorageConfig) error {
	switch cfg.Adapter {
	case AdapterMemory, AdapterFilesystem, AdapterObjectStore:
	default:
		return fmt.Errorf("unknown adapter %q", cfg.Adapter)
	}
	if cfg.CompressionLevel < 1 || cfg.CompressionLevel > 9 {
		return fmt.Errorf("compression level %d outside 1..9", cfg.CompressionLevel)
	}
	if cfg.Adapter == AdapterFilesystem && cfg.Root == "" {
		return fmt.Errorf("filesystem adapter requires a root directory")
	}
	if cfg.Adapter == AdapterObjectStore {
		if cfg.S3.BucketName == "" {
			return fmt.Errorf("object-store adapter requires a bucket name")
		}
		switch cfg.S3.ServiceType {
		case "s3", "r2", "gcs":
		default:
			return fmt.Errorf("unknown service type %q", cfg.S3.ServiceType)
		}
	}
	return nil
}
