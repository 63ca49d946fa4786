package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"

	"cloud.google.com/go/storage"
)

// GCSFetcher downloads gs://bucket/object artifacts.
type GCSFetcher struct {
	client *storage.Client
}

// NewGCSFetcher uses application default credentials.
func NewGCSFetcher(ctx context.Context) (*GCSFetcher, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("could not create GCS client: %w", err)
	}
	return &GCSFetcher{client: client}, nil
}

func (f *GCSFetcher) Fetch(ctx context.Context, u *url.URL, limit int64) (io.ReadCloser, error) {
	bucket, object, err := bucketKey(u)
	if err != nil {
		return nil, err
	}
	// Read at most limit+1 bytes so the store can still tell an oversized object apart.
	reader, err := f.client.Bucket(bucket).Object(object).NewRangeReader(ctx, 0, limit+1)
	if errors.Is(err, storage.ErrObjectNotExist) || errors.Is(err, storage.ErrBucketNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, u)
	}
	if err != nil {
		return nil, err
	}
	if size := reader.Attrs.Size; size > limit {
		reader.Close()
		return nil, tooLarge(size, limit)
	}
	return reader, nil
}

// Close releases the client.
func (f *GCSFetcher) Close() error {
	return f.client.Close()
}
