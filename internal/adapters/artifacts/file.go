package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// FileFetcher reads artifacts from the local filesystem, confined to Root. Storage paths
// are chosen by subjects, so nothing outside Root is ever opened.
type FileFetcher struct {
	Root string
}

func (f FileFetcher) Fetch(_ context.Context, u *url.URL, limit int64) (io.ReadCloser, error) {
	p, err := f.resolve(u)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, p)
	}
	if err != nil {
		return nil, err
	}
	if info, err := file.Stat(); err == nil && info.Size() > limit {
		file.Close()
		return nil, tooLarge(info.Size(), limit)
	}
	return file, nil
}

func (f FileFetcher) resolve(u *url.URL) (string, error) {
	if f.Root == "" {
		return "", fmt.Errorf("%w: no artifact root configured", errOutsideRoot)
	}
	root := filepath.Clean(f.Root)
	p := u.Path
	if u.Host != "" {
		// file://relative/path
		p = filepath.Join(u.Host, p)
	}
	if !filepath.IsAbs(p) {
		p = filepath.Join(root, p)
	}
	p = filepath.Clean(p)
	rel, err := filepath.Rel(root, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", errOutsideRoot, u)
	}
	return p, nil
}
