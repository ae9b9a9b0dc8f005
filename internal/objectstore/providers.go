package objectstore

import (
	"fmt"

	"github.com/kenneth/checkpoint-archive/internal/config"
)

// NewStore builds a Store from configuration.
func NewStore(cfg *config.StoreConfig) (Store, error) {
	switch cfg.Provider {
	case "s3":
		return NewS3Store(cfg)
	case "filesystem":
		return NewFilesystemStore(cfg.Directory)
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown object store provider: %q", cfg.Provider)
	}
}
