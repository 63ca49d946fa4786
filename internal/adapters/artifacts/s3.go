package artifacts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Fetcher downloads s3://bucket/key artifacts with the concurrent part downloader.
type S3Fetcher struct {
	downloader *manager.Downloader
}

// NewS3Fetcher loads credentials and region from the default AWS chain.
func NewS3Fetcher(ctx context.Context) (*S3Fetcher, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("could not load AWS config: %w", err)
	}
	return &S3Fetcher{downloader: manager.NewDownloader(s3.NewFromConfig(cfg))}, nil
}

// Fetch requests only the first limit+1 bytes of the object, so an oversized upload never
// lands in memory in full. The store rejects anything past limit.
func (f *S3Fetcher) Fetch(ctx context.Context, u *url.URL, limit int64) (io.ReadCloser, error) {
	bucket, key, err := bucketKey(u)
	if err != nil {
		return nil, err
	}
	buf := manager.NewWriteAtBuffer(nil)
	_, err = f.downloader.Download(ctx, buf, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Range:  aws.String(byteRange(limit)),
	})
	if err != nil {
		var missing *types.NoSuchKey
		if errors.As(err, &missing) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, u)
		}
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(buf.Bytes())), nil
}

// byteRange is the HTTP range covering the first limit+1 bytes.
func byteRange(limit int64) string {
	return fmt.Sprintf("bytes=0-%d", limit)
}
