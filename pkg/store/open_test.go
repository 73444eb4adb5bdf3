package store

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/cap-compiler/pkg/config"
)

func TestOpen(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		store config.StoreType
		want  any
	}{
		{config.StoreMemory, &MemoryStore{}},
		{config.StoreSQLite, &SQLiteStore{}},
		{config.StoreBlob, &BlobStore{}},
	}
	for _, tt := range tests {
		t.Run(string(tt.store), func(t *testing.T) {
			cfg := config.Defaults()
			cfg.DataDir = t.TempDir()
			cfg.Store.Type = tt.store

			s, err := Open(ctx, cfg)
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			assert.IsType(t, tt.want, s)
		})
	}
}

func TestOpen_Disabled(t *testing.T) {
	_, err := Open(context.Background(), config.Defaults())
	assert.ErrorIs(t, err, ErrDisabled)
}

func TestOpen_UnknownType(t *testing.T) {
	cfg := config.Defaults()
	cfg.Store.Type = "etcd"
	_, err := Open(context.Background(), cfg)
	assert.ErrorContains(t, err, "unknown store type")
}

func TestOpen_WithRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := config.Defaults()
	cfg.Store.Type = config.StoreMemory
	cfg.Store.RedisURL = "redis://" + mr.Addr() + "/0"

	s, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	assert.IsType(t, &CachedStore{}, s)

	fx := lksg(t)
	id, _, err := s.Put(context.Background(), fx.canonical, fx.policyHash)
	require.NoError(t, err)
	assert.True(t, mr.Exists(cacheKey(id)))
}

func TestOpen_BadRedisURL(t *testing.T) {
	cfg := config.Defaults()
	cfg.Store.Type = config.StoreMemory
	cfg.Store.RedisURL = "ftp://nope"
	_, err := Open(context.Background(), cfg)
	assert.ErrorContains(t, err, "redis")
}
