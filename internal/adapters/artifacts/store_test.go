package artifacts

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

var subject = common.HexToAddress("0x5")

func TestStore_File(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.cbor"), []byte("hello"), 0600))
	s := NewStore(zerolog.Nop(), WithFetcher("file", FileFetcher{Root: dir}), WithRetry(1, time.Millisecond))

	data, err := s.Download(context.Background(), subject, "a.cbor")
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), data)

	data, err = s.Download(context.Background(), subject, "file://"+filepath.Join(dir, "a.cbor"))
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), data)

	_, err = s.Download(context.Background(), subject, "missing.cbor")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestStore_FileStaysInsideRoot(t *testing.T) {
	parent := t.TempDir()
	root := filepath.Join(parent, "artifacts")
	require.NoError(t, os.Mkdir(root, 0700))
	require.NoError(t, os.WriteFile(filepath.Join(parent, "secrets.db"), []byte("secret"), 0600))
	s := NewStore(zerolog.Nop(), WithFetcher("file", FileFetcher{Root: root}), WithRetry(3, time.Millisecond))

	for _, p := range []string{
		"../secrets.db",
		"file://" + filepath.Join(parent, "secrets.db"),
		"sub/../../secrets.db",
	} {
		_, err := s.Download(context.Background(), subject, p)
		require.ErrorIs(t, err, errOutsideRoot, p)
	}

	// Without a root the file backend serves nothing.
	s = NewStore(zerolog.Nop(), WithFetcher("file", FileFetcher{}), WithRetry(1, time.Millisecond))
	_, err := s.Download(context.Background(), subject, filepath.Join(parent, "secrets.db"))
	require.ErrorIs(t, err, errOutsideRoot)
}

func TestStore_NoFileBackendUnlessRegistered(t *testing.T) {
	s := NewStore(zerolog.Nop(), WithFetcher("http", NewHTTPFetcher(time.Second)))
	_, err := s.Download(context.Background(), subject, "/etc/passwd")
	require.ErrorContains(t, err, `no artifact backend for scheme "file"`)
}

func TestStore_UnknownScheme(t *testing.T) {
	s := NewStore(zerolog.Nop())
	_, err := s.Download(context.Background(), subject, "ipfs://bafy/obj")
	require.Error(t, err)
	_, err = s.Download(context.Background(), subject, " ")
	require.Error(t, err)
}

func TestStore_HTTPRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/flaky":
			if calls.Add(1) < 3 {
				w.WriteHeader(http.StatusBadGateway)
				return
			}
			_, _ = w.Write([]byte("artifact"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	s := NewStore(zerolog.Nop(), WithFetcher("http", NewHTTPFetcher(time.Second)), WithRetry(5, time.Millisecond))
	data, err := s.Download(context.Background(), subject, srv.URL+"/flaky")
	require.NoError(t, err)
	require.Equal(t, []byte("artifact"), data)
	require.EqualValues(t, 3, calls.Load())

	_, err = s.Download(context.Background(), subject, srv.URL+"/gone")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestStore_SizeLimit(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "big"), make([]byte, 64), 0600))
	s := NewStore(zerolog.Nop(), WithFetcher("file", FileFetcher{Root: dir}), WithMaxSize(16), WithRetry(3, time.Millisecond))
	_, err := s.Download(context.Background(), subject, "big")
	require.ErrorIs(t, err, errTooLarge)
}

// endlessFetcher serves an object that never ends and records the limit it was given.
type endlessFetcher struct {
	limit int64
	read  *atomic.Int64
	calls atomic.Int32
}

type zeroReader struct{ read *atomic.Int64 }

func (z zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	z.read.Add(int64(len(p)))
	return len(p), nil
}

func (f *endlessFetcher) Fetch(_ context.Context, _ *url.URL, limit int64) (io.ReadCloser, error) {
	f.calls.Add(1)
	f.limit = limit
	return io.NopCloser(zeroReader{read: f.read}), nil
}

func TestStore_OversizedObjectIsCutOff(t *testing.T) {
	f := &endlessFetcher{read: new(atomic.Int64)}
	s := NewStore(zerolog.Nop(), WithFetcher("s3", f), WithMaxSize(1024), WithRetry(3, time.Millisecond))

	_, err := s.Download(context.Background(), subject, "s3://bucket/huge.cbor")
	require.ErrorIs(t, err, errTooLarge)
	require.EqualValues(t, 1024, f.limit)
	require.LessOrEqual(t, f.read.Load(), int64(64<<10), "store kept reading past the limit")
	require.EqualValues(t, 1, f.calls.Load(), "oversized objects are not retried")
}

func TestHTTPFetcher_RejectsDeclaredOversize(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(make([]byte, 1024))
	}))
	defer srv.Close()

	u, err := url.Parse(srv.URL + "/big")
	require.NoError(t, err)
	_, err = NewHTTPFetcher(time.Second).Fetch(context.Background(), u, 100)
	require.ErrorIs(t, err, errTooLarge)
}

func TestByteRange(t *testing.T) {
	require.Equal(t, "bytes=0-16", byteRange(16))
}

func TestBucketKey(t *testing.T) {
	u, err := parseStoragePath("s3://bucket/dir/obj.cbor")
	require.NoError(t, err)
	b, k, err := bucketKey(u)
	require.NoError(t, err)
	require.Equal(t, "bucket", b)
	require.Equal(t, "dir/obj.cbor", k)

	u, err = parseStoragePath("gs://bucket")
	require.NoError(t, err)
	_, _, err = bucketKey(u)
	require.Error(t, err)
}
