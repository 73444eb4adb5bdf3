//go:build !gcp

package artifacts

import (
	"context"
	"fmt"

	"github.com/Mindburn-Labs/cap-compiler/pkg/config"
)

func newGCSStoreFromConfig(ctx context.Context, a config.ArtifactsConfig) (Store, error) {
	return nil, fmt.Errorf("GCS storage is not enabled in this build (use -tags gcp)")
}
