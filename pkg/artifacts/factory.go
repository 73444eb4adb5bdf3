package artifacts

import (
	"context"
	"fmt"

	"github.com/Mindburn-Labs/cap-compiler/pkg/config"
)

// NewStoreFromConfig creates an artifact store for the configured backend.
// The filesystem store lives under <data_dir>/artifacts.
func NewStoreFromConfig(ctx context.Context, cfg *config.Config) (Store, error) {
	switch cfg.Artifacts.Type {
	case config.ArtifactFS, "":
		return NewFileStore(cfg.ArtifactDir())
	case config.ArtifactS3:
		return newS3StoreFromConfig(ctx, cfg.Artifacts)
	case config.ArtifactGCS:
		return newGCSStoreFromConfig(ctx, cfg.Artifacts)
	default:
		return nil, fmt.Errorf("unsupported artifact storage type: %s", cfg.Artifacts.Type)
	}
}

func newS3StoreFromConfig(ctx context.Context, a config.ArtifactsConfig) (Store, error) {
	if a.S3Bucket == "" {
		return nil, fmt.Errorf("ARTIFACT_S3_BUCKET is required for S3 storage")
	}
	region := a.S3Region
	if region == "" {
		region = "us-east-1"
	}
	return NewS3Store(ctx, S3StoreConfig{
		Bucket:   a.S3Bucket,
		Region:   region,
		Endpoint: a.S3Endpoint,
		Prefix:   a.S3Prefix,
	})
}
