package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultCacheTTL bounds how long a cached record may lag a status change
// made by another process.
const DefaultCacheTTL = 10 * time.Minute

// CachedStore is a read-through, write-through Redis cache in front of
// another Store. Redis failures degrade to the backing store.
type CachedStore struct {
	next   Store
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

func NewCachedStore(next Store, client *redis.Client, ttl time.Duration) *CachedStore {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &CachedStore{
		next:   next,
		client: client,
		ttl:    ttl,
		logger: slog.Default().With("component", "store.cache"),
	}
}

func cacheKey(id string) string { return "capc:policy:" + id }

func (s *CachedStore) Put(ctx context.Context, irBytes []byte, policyHash string) (string, bool, error) {
	id, dedup, err := s.next.Put(ctx, irBytes, policyHash)
	if err != nil {
		return "", false, err
	}
	if !dedup {
		// Fill from the backing store so the cached status and timestamp match it.
		if rec, err := s.next.Get(ctx, id); err == nil {
			s.fill(ctx, rec)
		}
	}
	return id, dedup, nil
}

func (s *CachedStore) Get(ctx context.Context, id string) (*CompiledPolicy, error) {
	if err := checkID(id); err != nil {
		return nil, err
	}
	raw, err := s.client.Get(ctx, cacheKey(id)).Bytes()
	switch {
	case err == nil:
		var rec CompiledPolicy
		if jerr := json.Unmarshal(raw, &rec); jerr == nil {
			return &rec, nil
		}
		s.logger.Warn("dropping undecodable cache entry", "id", id)
	case !errors.Is(err, redis.Nil):
		s.logger.Warn("redis get failed", "id", id, "error", err)
	}

	rec, err := s.next.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	s.fill(ctx, rec)
	return rec, nil
}

func (s *CachedStore) SetStatus(ctx context.Context, id string, status Status) error {
	if err := s.next.SetStatus(ctx, id, status); err != nil {
		return err
	}
	if err := s.client.Del(ctx, cacheKey(id)).Err(); err != nil {
		s.logger.Warn("redis invalidate failed", "id", id, "error", err)
	}
	return nil
}

func (s *CachedStore) fill(ctx context.Context, rec *CompiledPolicy) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return
	}
	if err := s.client.Set(ctx, cacheKey(rec.ID), raw, s.ttl).Err(); err != nil {
		s.logger.Warn("redis set failed", "id", rec.ID, "error", err)
	}
}

func (s *CachedStore) Close() error {
	cerr := s.client.Close()
	if err := s.next.Close(); err != nil {
		return err
	}
	if cerr != nil {
		return fmt.Errorf("redis: %w", cerr)
	}
	return nil
}
