package warcfetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
)

const (
	cacheFileMode = 0o400
	cacheDirMode  = 0o700
	pollInterval  = 100 * time.Millisecond
)

// Cache implements the "cached full-WARC" mode of spec §4.7: download a
// whole WARC file once, then serve ranged reads locally. Concurrent
// downloaders of the same file coalesce via a rename-based lock: a writer
// downloads to "<name>.downloading" and atomically renames on completion;
// other callers poll for the final name (spec §5).
type Cache struct {
	dir          string
	maxCacheSize int64
	originURL    string
	httpClient   *http.Client
}

// NewCache validates dir and returns a Cache rooted there. maxCacheSize
// caps which WARC files are eligible for full-file caching; larger files
// always fall back to ranged fetches.
func NewCache(dir string, maxCacheSize int64, originURL string, httpClient *http.Client) (*Cache, error) {
	if err := os.MkdirAll(dir, cacheDirMode); err != nil {
		return nil, fmt.Errorf("error creating WARC cache directory %q: %w", dir, err)
	}

	return &Cache{dir: dir, maxCacheSize: maxCacheSize, originURL: originURL, httpClient: httpClient}, nil
}

func (c *Cache) finalPath(warcFilename string) string {
	return filepath.Join(c.dir, filepath.Base(warcFilename))
}

func (c *Cache) downloadingPath(warcFilename string) string {
	return c.finalPath(warcFilename) + ".downloading"
}

// ReadRange returns (data, true, nil) if warcFilename is already fully
// cached, pulling the requested slice via pread. It returns (nil, false,
// nil) if the file is not cached and the caller should fall back to a
// ranged origin fetch.
func (c *Cache) ReadRange(warcFilename string, offset, length int64) ([]byte, bool, error) {
	f, err := os.Open(c.finalPath(warcFilename))
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	} else if err != nil {
		return nil, false, fmt.Errorf("error opening cached WARC %q: %w", warcFilename, err)
	}
	defer f.Close()

	buf := make([]byte, length)
	if _, err := f.ReadAt(buf, offset); err != nil {
		return nil, false, fmt.Errorf("error reading cached WARC %q at offset %d: %w", warcFilename, offset, err)
	}

	return buf, true, nil
}

// Ensure downloads warcFilename in full if it is not already cached and
// is within maxCacheSize, then the next ReadRange call will hit the
// cache. It is safe to call concurrently for the same file.
func (c *Cache) Ensure(ctx context.Context, warcFilename string) error {
	final := c.finalPath(warcFilename)

	if _, err := os.Stat(final); err == nil {
		return nil
	}

	downloading := c.downloadingPath(warcFilename)

	f, err := os.OpenFile(downloading, os.O_CREATE|os.O_EXCL|os.O_WRONLY, cacheFileMode)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return c.waitForDownload(ctx, final)
		}

		return fmt.Errorf("error creating download lock for %q: %w", warcFilename, err)
	}

	if err := c.download(ctx, warcFilename, f); err != nil {
		f.Close()
		os.Remove(downloading)

		return err
	}

	if err := f.Close(); err != nil {
		os.Remove(downloading)

		return fmt.Errorf("error closing downloaded WARC %q: %w", warcFilename, err)
	}

	if err := os.Rename(downloading, final); err != nil {
		os.Remove(downloading)

		return fmt.Errorf("error finalizing cached WARC %q: %w", warcFilename, err)
	}

	return os.Chmod(final, cacheFileMode)
}

func (c *Cache) download(ctx context.Context, warcFilename string, dst *os.File) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.originURL+warcFilename, nil)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrNetwork, err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrNetwork, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return ErrNotFound
	default:
		return fmt.Errorf("%w: %d", ErrUnexpectedStatus, resp.StatusCode)
	}

	if c.maxCacheSize > 0 && resp.ContentLength > c.maxCacheSize {
		return fmt.Errorf("warcfetch: %q exceeds cache size cap (%d > %d)", warcFilename, resp.ContentLength, c.maxCacheSize)
	}

	if _, err := io.Copy(dst, resp.Body); err != nil {
		return fmt.Errorf("%w: %w", ErrNetwork, err)
	}

	return nil
}

func (c *Cache) waitForDownload(ctx context.Context, final string) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		if _, err := os.Stat(final); err == nil {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			zerolog.Ctx(ctx).Debug().Str("path", final).Msg("waiting for concurrent WARC download to finish")
		}
	}
}
