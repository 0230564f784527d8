package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := DefaultStorageConfig()
	assert.Equal(t, AdapterFilesystem, cfg.Adapter)
	assert.True(t, cfg.Compression)
	assert.Equal(t, 6, cfg.CompressionLevel)
	assert.Equal(t, 10_000, cfg.CacheSize)
	assert.Equal(t, 30*time.Second, cfg.Operation.Timeout)
	assert.Equal(t, 5, cfg.Operation.Retries)
	require.NoError(t, Validate(cfg))
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "brainy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
adapter: object-store
compression: false
cache_size: 500
s3:
  service_type: r2
  bucket_name: graph-data
  account_id: acc-123
  access_key_id: key
  secret_access_key: secret
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, AdapterObjectStore, cfg.Adapter)
	assert.False(t, cfg.Compression)
	assert.Equal(t, 500, cfg.CacheSize)
	assert.Equal(t, "r2", cfg.S3.ServiceType)
	assert.Equal(t, "graph-data", cfg.S3.BucketName)
	assert.Equal(t, "acc-123", cfg.S3.AccountID)
}

func TestEnvironmentOverride(t *testing.T) {
	t.Setenv("BRAINY_ADAPTER", "memory")
	t.Setenv("BRAINY_COMPRESSION_LEVEL", "9")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, AdapterMemory, cfg.Adapter)
	assert.Equal(t, 9, cfg.CompressionLevel)
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*StorageConfig)
		wantErr bool
	}{
		{name: "Defaults", mutate: func(c *StorageConfig) {}},
		{name: "UnknownAdapter", mutate: func(c *StorageConfig) { c.Adapter = "tape" }, wantErr: true},
		{name: "BadCompressionLevel", mutate: func(c *StorageConfig) { c.CompressionLevel = 11 }, wantErr: true},
		{name: "FilesystemNeedsRoot", mutate: func(c *StorageConfig) { c.Root = "" }, wantErr: true},
		{name: "ObjectStoreNeedsBucket", mutate: func(c *StorageConfig) {
			c.Adapter = AdapterObjectStore
		}, wantErr: true},
		{name: "ObjectStoreBadService", mutate: func(c *StorageConfig) {
			c.Adapter = AdapterObjectStore
			c.S3.BucketName = "b"
			c.S3.ServiceType = "ftp"
		}, wantErr: true},
		{name: "ObjectStoreValid", mutate: func(c *StorageConfig) {
			c.Adapter = AdapterObjectStore
			c.S3.BucketName = "b"
			c.S3.ServiceType = "gcs"
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultStorageConfig()
			tt.mutate(&cfg)
			err := Validate(cfg)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestMissingExplicitFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
