package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/Mindburn-Labs/cap-compiler/pkg/artifacts"
	"github.com/Mindburn-Labs/cap-compiler/pkg/crypto"
	"github.com/Mindburn-Labs/cap-compiler/pkg/ir"
)

// blobMeta is the mutable part of a record, kept next to the IR blob.
type blobMeta struct {
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// BlobStore keeps compiled policies in an artifacts.Store. The IR lives
// under ir/<hex>.json and is written create-only; status lives under
// meta/<hex>.json. Status updates are last-writer-wins.
type BlobStore struct {
	blobs artifacts.Store
	now   func() time.Time
}

func NewBlobStore(blobs artifacts.Store) *BlobStore {
	return &BlobStore{blobs: blobs, now: time.Now}
}

func irKey(id string) string   { return "ir/" + strings.TrimPrefix(id, crypto.DigestPrefix) + ".json" }
func metaKey(id string) string { return "meta/" + strings.TrimPrefix(id, crypto.DigestPrefix) + ".json" }

func (s *BlobStore) Put(ctx context.Context, irBytes []byte, policyHash string) (string, bool, error) {
	rec, err := prepare(irBytes, policyHash, s.now())
	if err != nil {
		return "", false, err
	}
	if err := s.blobs.Put(ctx, irKey(rec.ID), rec.IR); err != nil {
		if errors.Is(err, artifacts.ErrExists) {
			return rec.ID, true, nil
		}
		return "", false, fmt.Errorf("blob: %w", err)
	}
	meta, err := json.Marshal(blobMeta{Status: rec.Status, CreatedAt: rec.CreatedAt})
	if err != nil {
		return "", false, fmt.Errorf("blob: %w", err)
	}
	if err := s.blobs.Put(ctx, metaKey(rec.ID), meta); err != nil && !errors.Is(err, artifacts.ErrExists) {
		return "", false, fmt.Errorf("blob: %w", err)
	}
	return rec.ID, false, nil
}

// Get reads the IR blob and its metadata. A missing metadata blob (a writer
// that died between the two writes) reads as draft.
func (s *BlobStore) Get(ctx context.Context, id string) (*CompiledPolicy, error) {
	if err := checkID(id); err != nil {
		return nil, err
	}
	raw, err := s.blobs.Get(ctx, irKey(id))
	if err != nil {
		if errors.Is(err, artifacts.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("blob: %w", err)
	}
	x, err := ir.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("blob: stored IR for %s: %w", id, err)
	}
	meta, err := s.meta(ctx, id)
	if err != nil {
		return nil, err
	}
	return &CompiledPolicy{
		ID:         id,
		PolicyID:   x.PolicyID,
		PolicyHash: x.PolicyHash,
		IR:         raw,
		Status:     meta.Status,
		CreatedAt:  meta.CreatedAt.UTC(),
	}, nil
}

func (s *BlobStore) meta(ctx context.Context, id string) (blobMeta, error) {
	raw, err := s.blobs.Get(ctx, metaKey(id))
	if errors.Is(err, artifacts.ErrNotFound) {
		return blobMeta{Status: StatusDraft}, nil
	}
	if err != nil {
		return blobMeta{}, fmt.Errorf("blob: %w", err)
	}
	var m blobMeta
	if err := json.Unmarshal(raw, &m); err != nil {
		return blobMeta{}, fmt.Errorf("blob: metadata for %s: %w", id, err)
	}
	return m, nil
}

func (s *BlobStore) SetStatus(ctx context.Context, id string, status Status) error {
	if err := checkID(id); err != nil {
		return err
	}
	ok, err := s.blobs.Exists(ctx, irKey(id))
	if err != nil {
		return fmt.Errorf("blob: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	m, err := s.meta(ctx, id)
	if err != nil {
		return err
	}
	if err := checkTransition(id, m.Status, status); err != nil {
		return err
	}
	m.Status = status
	raw, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("blob: %w", err)
	}
	if err := s.blobs.Replace(ctx, metaKey(id), raw); err != nil {
		return fmt.Errorf("blob: %w", err)
	}
	return nil
}

func (s *BlobStore) Close() error {
	if c, ok := s.blobs.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
