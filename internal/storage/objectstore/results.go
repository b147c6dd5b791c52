package objectstore

import (
	"context"
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"github.com/popgenlabs/slurmflow/internal/domain"
)

// ResultUploader stages the output files a pipeline declares into the
// results bucket under <prefix>/<stage>/<filename>. Missing declared outputs
// are an error: a stage that claims an output must have produced it.
type ResultUploader struct {
	Store  Store
	Bucket string
}

func (u *ResultUploader) UploadResults(ctx context.Context, spec domain.JobSpec, prefix string) ([]string, error) {
	if u == nil || u.Store == nil {
		return nil, fmt.Errorf("result uploader not initialized")
	}
	if strings.TrimSpace(u.Bucket) == "" {
		return nil, fmt.Errorf("results bucket is required")
	}
	prefix = strings.Trim(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		prefix = spec.Name
	}

	var keys []string
	for _, stage := range spec.EnabledStages() {
		for _, output := range stage.Outputs {
			key := path.Join(prefix, stage.Name, filepath.Base(output))
			if err := putFile(ctx, u.Store, u.Bucket, output, key); err != nil {
				return keys, fmt.Errorf("stage %s output %s: %w", stage.Name, output, err)
			}
			keys = append(keys, key)
		}
	}
	return keys, nil
}
