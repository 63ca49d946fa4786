// Package artifacts downloads subject activity artifacts from the storage backend their
// storage path names: file, http(s), s3 or gs.
package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"
)

// DefaultMaxSize bounds a single artifact download.
const DefaultMaxSize = 16 << 20

// ErrNotFound is returned when the backend has no object at the storage path. It is not
// retried.
var ErrNotFound = errors.New("artifact not found")

// Fetcher opens the object a storage URL points at. Backends that can tell an object's
// size up front reject objects larger than limit bytes with errTooLarge, and none may
// buffer more than limit+1 bytes.
type Fetcher interface {
	Fetch(ctx context.Context, u *url.URL, limit int64) (io.ReadCloser, error)
}

// Store routes downloads to a Fetcher by URL scheme and retries transient failures.
type Store struct {
	log      zerolog.Logger
	fetchers map[string]Fetcher
	maxSize  int64
	attempts uint64
	backoff  time.Duration
}

// Option configures a Store.
type Option func(*Store)

// WithFetcher registers f for scheme.
func WithFetcher(scheme string, f Fetcher) Option {
	return func(s *Store) { s.fetchers[strings.ToLower(scheme)] = f }
}

// WithMaxSize caps artifact size in bytes.
func WithMaxSize(n int64) Option {
	return func(s *Store) { s.maxSize = n }
}

// WithRetry sets how many attempts a download gets and the initial backoff between them.
func WithRetry(attempts uint64, backoff time.Duration) Option {
	return func(s *Store) {
		if attempts == 0 {
			attempts = 1
		}
		s.attempts = attempts
		s.backoff = backoff
	}
}

// NewStore constructs a Store. Paths without a scheme are served by the "file" fetcher,
// which is only present when registered.
func NewStore(log zerolog.Logger, opts ...Option) *Store {
	s := &Store{
		log:      log.With().Str("module", "artifacts").Logger(),
		fetchers: make(map[string]Fetcher),
		maxSize:  DefaultMaxSize,
		attempts: 3,
		backoff:  500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Download implements ports.ArtifactStore.
func (s *Store) Download(ctx context.Context, subject common.Address, storagePath string) ([]byte, error) {
	u, err := parseStoragePath(storagePath)
	if err != nil {
		return nil, err
	}
	fetcher, ok := s.fetchers[u.Scheme]
	if !ok {
		return nil, fmt.Errorf("no artifact backend for scheme %q", u.Scheme)
	}

	log := s.log.With().Str("subject", subject.Hex()).Str("path", storagePath).Logger()
	var data []byte
	b := retry.WithMaxRetries(s.attempts-1, retry.NewExponential(s.backoff))
	err = retry.Do(ctx, b, func(ctx context.Context) error {
		data, err = s.fetch(ctx, fetcher, u)
		if err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, errTooLarge) || errors.Is(err, errOutsideRoot) {
			return err
		}
		log.Debug().Err(err).Msg("artifact download failed, retrying")
		return retry.RetryableError(err)
	})
	if err != nil {
		return nil, fmt.Errorf("could not download %s: %w", storagePath, err)
	}
	log.Debug().Int("bytes", len(data)).Msg("downloaded artifact")
	return data, nil
}

var (
	errTooLarge    = errors.New("artifact exceeds size limit")
	errOutsideRoot = errors.New("artifact path outside the artifact root")
)

func tooLarge(size, limit int64) error {
	return fmt.Errorf("%w: %d bytes, limit %d", errTooLarge, size, limit)
}

func (s *Store) fetch(ctx context.Context, f Fetcher, u *url.URL) ([]byte, error) {
	rc, err := f.Fetch(ctx, u, s.maxSize)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(io.LimitReader(rc, s.maxSize+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > s.maxSize {
		return nil, fmt.Errorf("%w of %d bytes", errTooLarge, s.maxSize)
	}
	return data, nil
}

func parseStoragePath(p string) (*url.URL, error) {
	p = strings.TrimSpace(p)
	if p == "" {
		return nil, errors.New("empty storage path")
	}
	if !strings.Contains(p, "://") {
		return &url.URL{Scheme: "file", Path: p}, nil
	}
	u, err := url.Parse(p)
	if err != nil {
		return nil, fmt.Errorf("invalid storage path %q: %w", p, err)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	return u, nil
}

// bucketKey splits bucket-style URLs (s3://bucket/key, gs://bucket/object).
func bucketKey(u *url.URL) (string, string, error) {
	bucket := u.Host
	key := strings.TrimPrefix(u.Path, "/")
	if bucket == "" || key == "" {
		return "", "", fmt.Errorf("storage path %q needs a bucket and an object key", u.String())
	}
	return bucket, key, nil
}
