package storage

import (
	"fmt"
	"time"

	"github.com/vitaly-z/brainy/config"
)

// NewStorageFromConfig builds the adapter selected by a loaded
// configuration, wrapped in the type-aware router. The caller owns Init
// and Close.
func NewStorageFromConfig(cfg config.StorageConfig) (*TypeAwareRouter, error) {
	var underlying Storage
	compression := cfg.Compression

	switch cfg.Adapter {
	case config.AdapterMemory:
		underlying = NewMemoryStorage(MemoryOptions{
			Compression:      compression,
			CompressionLevel: cfg.CompressionLevel,
			ReadOnly:         cfg.ReadOnly,
		})
	case config.AdapterFilesystem:
		underlying = NewFilesystemStorage(FilesystemOptions{
			Root:             cfg.Root,
			Compression:      &compression,
			CompressionLevel: cfg.CompressionLevel,
			ReadOnly:         cfg.ReadOnly,
		})
	case config.AdapterObjectStore:
		timeout := cfg.Operation.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		underlying = NewObjectStorage(ObjectStorageOptions{
			ServiceType:      cfg.S3.ServiceType,
			BucketName:       cfg.S3.BucketName,
			Region:           cfg.S3.Region,
			Endpoint:         cfg.S3.Endpoint,
			AccountID:        cfg.S3.AccountID,
			AccessKeyID:      cfg.S3.AccessKeyID,
			SecretAccessKey:  cfg.S3.SecretAccessKey,
			SessionToken:     cfg.S3.SessionToken,
			Compression:      &compression,
			CompressionLevel: cfg.CompressionLevel,
			ReadOnly:         cfg.ReadOnly,
			OperationTimeout: timeout,
		})
	default:
		return nil, newError(KindEnvironmentUnsupported, "newStorage", "",
			fmt.Errorf("unknown adapter %q", cfg.Adapter))
	}

	return NewTypeAwareRouter(underlying, RouterOptions{CacheSize: cfg.CacheSize})
}
