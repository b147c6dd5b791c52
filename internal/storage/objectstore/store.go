package objectstore

import (
	"context"
	"io"
	"os"
	"time"
)

// Store abstracts S3-compatible object storage for staged pipeline results
// and scheduler logs. It carries only the operations the uploaders and the
// submission service consume.
type Store interface {
	Put(ctx context.Context, bucket, key string, body io.Reader, size int64, contentType string) error
	Stat(ctx context.Context, bucket, key string) (ObjectInfo, error)
	PresignGet(ctx context.Context, bucket, key string, ttl time.Duration) (string, error)
}

type ObjectInfo struct {
	Key          string
	Size         int64
	ETag         string
	ContentType  string
	LastModified time.Time
}

// putFile uploads one local file under the given key.
func putFile(ctx context.Context, s Store, bucket, localPath, key string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	return s.Put(ctx, bucket, key, f, info.Size(), "application/octet-stream")
}
