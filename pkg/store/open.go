package store

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/Mindburn-Labs/cap-compiler/pkg/artifacts"
	"github.com/Mindburn-Labs/cap-compiler/pkg/config"
)

// Open builds the configured store, wrapped in a Redis cache when a Redis
// URL is set.
func Open(ctx context.Context, cfg *config.Config) (Store, error) {
	var (
		s   Store
		err error
	)
	switch cfg.Store.Type {
	case config.StoreNone, "":
		return nil, ErrDisabled
	case config.StoreMemory:
		s = NewMemoryStore()
	case config.StoreSQLite:
		s, err = OpenSQLite(cfg.SQLitePath())
	case config.StorePostgres:
		s, err = OpenPostgres(ctx, cfg.Store.DSN)
	case config.StoreBlob:
		var blobs artifacts.Store
		blobs, err = artifacts.NewStoreFromConfig(ctx, cfg)
		if err == nil {
			s = NewBlobStore(blobs)
		}
	default:
		return nil, fmt.Errorf("unknown store type %q", cfg.Store.Type)
	}
	if err != nil {
		return nil, err
	}

	if cfg.Store.RedisURL == "" {
		return s, nil
	}
	opts, err := redis.ParseURL(cfg.Store.RedisURL)
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("redis: %w", err)
	}
	return NewCachedStore(s, redis.NewClient(opts), DefaultCacheTTL), nil
}
