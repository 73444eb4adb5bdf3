//go:build gcp

package artifacts

import (
	"context"
	"fmt"

	"github.com/Mindburn-Labs/cap-compiler/pkg/config"
)

func newGCSStoreFromConfig(ctx context.Context, a config.ArtifactsConfig) (Store, error) {
	if a.GCSBucket == "" {
		return nil, fmt.Errorf("ARTIFACT_GCS_BUCKET is required for GCS storage")
	}
	return NewGCSStore(ctx, GCSStoreConfig{
		Bucket: a.GCSBucket,
		Prefix: a.GCSPrefix,
	})
}
