package paste

import (
	"context"
	"errors"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/samber/oops"
	"github.com/valyala/fasthttp"
)

const (
	defaultMaxSize         = 20 << 20
	defaultDownloadTimeout = 60 * time.Second
)

// FileCache stores downloaded files under dir, named by cache key, and serves
// them from baseURL. A key that is already cached is never downloaded again.
type FileCache struct {
	dir     string
	baseURL string
	maxSize int64
	timeout time.Duration
	client  *fasthttp.Client
}

// NewFileCache creates dir when needed. maxSize <= 0 selects the 20 MiB default.
func NewFileCache(dir, baseURL string, maxSize int64) (*FileCache, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, oops.Errorf("paste cache directory is required")
	}
	if strings.TrimSpace(baseURL) == "" {
		return nil, oops.Errorf("paste base URL is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, oops.With("dir", dir, "context", "failed to create paste cache directory").Wrap(err)
	}
	if maxSize <= 0 {
		maxSize = defaultMaxSize
	}

	return &FileCache{
		dir:     dir,
		baseURL: strings.TrimRight(baseURL, "/"),
		maxSize: maxSize,
		timeout: defaultDownloadTimeout,
		client: &fasthttp.Client{
			Name:                "tgrelay-paste",
			MaxResponseBodySize: int(maxSize),
		},
	}, nil
}

func (c *FileCache) PasteURL(ctx context.Context, downloadURL, cacheKey string, size int64) (string, error) {
	if downloadURL == "" || cacheKey == "" {
		return "", ErrNoMedia
	}
	if cacheKey != filepath.Base(cacheKey) || strings.HasPrefix(cacheKey, ".") {
		return "", oops.With("cache_key", cacheKey).Errorf("invalid cache key")
	}
	if size > c.maxSize {
		return "", oops.With("cache_key", cacheKey, "size", size, "max_size", c.maxSize).Wrap(ErrTooLarge)
	}

	path := filepath.Join(c.dir, cacheKey)
	if _, err := os.Stat(path); err == nil {
		return c.link(cacheKey), nil
	}

	body, err := c.download(ctx, downloadURL)
	if err != nil {
		return "", oops.With("cache_key", cacheKey).Wrap(err)
	}
	if err := writeAtomic(c.dir, path, body); err != nil {
		return "", oops.With("cache_key", cacheKey, "path", path, "context", "failed to store cached file").Wrap(err)
	}

	return c.link(cacheKey), nil
}

func (c *FileCache) link(cacheKey string) string {
	return c.baseURL + "/" + url.PathEscape(cacheKey)
}

func (c *FileCache) download(ctx context.Context, downloadURL string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(downloadURL)
	req.Header.SetMethod(fasthttp.MethodGet)

	if err := c.client.DoDeadline(req, resp, deadline); err != nil {
		if errors.Is(err, fasthttp.ErrBodyTooLarge) {
			return nil, ErrTooLarge
		}
		return nil, oops.With("context", "download failed").Wrap(err)
	}
	if status := resp.StatusCode(); status != fasthttp.StatusOK {
		return nil, oops.With("status", status).Errorf("download returned HTTP %d", status)
	}

	body := make([]byte, len(resp.Body()))
	copy(body, resp.Body())
	return body, nil
}

func writeAtomic(dir, path string, data []byte) error {
	tmp, err := os.CreateTemp(dir, ".paste-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}

	return os.Rename(tmpName, path)
}
