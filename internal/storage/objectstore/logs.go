package objectstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/popgenlabs/slurmflow/internal/domain"
)

// LogUploader stages the scheduler-captured stdout/stderr files into the
// logs bucket under <prefix>/<filename>. Log files the scheduler never wrote
// (a task index that did not start, for example) are skipped, but a run that
// produced no logs at all is an error.
type LogUploader struct {
	Store  Store
	Bucket string
}

// ExpandLogPaths resolves the spec's stdout/stderr path templates against a
// concrete job id. %j and %A become the job id; %a fans out over the array
// indices, so an array job yields one path per task.
func ExpandLogPaths(spec domain.JobSpec, jobID int64) ([]string, error) {
	id := strconv.FormatInt(jobID, 10)
	var paths []string
	for _, tmpl := range []string{spec.StdoutPath, spec.StderrPath} {
		tmpl = strings.TrimSpace(tmpl)
		if tmpl == "" {
			continue
		}
		tmpl = strings.ReplaceAll(tmpl, "%A", id)
		tmpl = strings.ReplaceAll(tmpl, "%j", id)
		if !strings.Contains(tmpl, "%a") {
			paths = append(paths, tmpl)
			continue
		}
		indices, err := domain.ArrayIndices(spec.ArrayRange)
		if err != nil {
			return nil, err
		}
		if len(indices) == 0 {
			return nil, fmt.Errorf("log path %q uses %%a but the spec declares no array range", tmpl)
		}
		for _, idx := range indices {
			paths = append(paths, strings.ReplaceAll(tmpl, "%a", strconv.Itoa(idx)))
		}
	}
	return paths, nil
}

func (u *LogUploader) UploadLogs(ctx context.Context, spec domain.JobSpec, jobID int64, prefix string) ([]string, error) {
	if u == nil || u.Store == nil {
		return nil, fmt.Errorf("log uploader not initialized")
	}
	if strings.TrimSpace(u.Bucket) == "" {
		return nil, fmt.Errorf("logs bucket is required")
	}
	prefix = strings.Trim(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		prefix = spec.Name
	}

	paths, err := ExpandLogPaths(spec, jobID)
	if err != nil {
		return nil, err
	}

	var keys []string
	for _, p := range paths {
		key := path.Join(prefix, filepath.Base(p))
		if err := putFile(ctx, u.Store, u.Bucket, p, key); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return keys, fmt.Errorf("log %s: %w", p, err)
		}
		keys = append(keys, key)
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("no log files found for job %d", jobID)
	}
	return keys, nil
}
