// Package httpfetch implements HttpFetcher: a plain net/http GET with a
// pinned timeout, a no-less-safe redirect policy, and an atomic
// temp-then-rename write for downloads to disk.
package httpfetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/bfix/torsupervisor/torerr"
)

// Fetcher performs HTTP GETs with bounded timeouts.
type Fetcher struct {
	client *http.Client
}

// New builds a Fetcher whose redirect policy refuses to downgrade from
// https to http and caps the redirect chain at 10 hops.
func New() *Fetcher {
	return &Fetcher{
		client: &http.Client{
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 10 {
					return errors.New("stopped after 10 redirects")
				}
				if len(via) > 0 && via[0].URL.Scheme == "https" && req.URL.Scheme != "https" {
					return fmt.Errorf("refusing to redirect from https to %s", req.URL.Scheme)
				}
				return nil
			},
		},
	}
}

func (f *Fetcher) do(ctx context.Context, rawURL string, timeout time.Duration) (*http.Response, error) {
	if _, err := url.Parse(rawURL); err != nil {
		return nil, torerr.New(torerr.KindNetwork, torerr.ErrHTTPError, "invalid url %q: %v", rawURL, err)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		cancel()
		return nil, torerr.New(torerr.KindNetwork, torerr.ErrHTTPError, "%v", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		cancel()
		if ctx.Err() == context.DeadlineExceeded {
			return nil, torerr.New(torerr.KindNetwork, torerr.ErrHTTPTimeout, "%s", rawURL)
		}
		return nil, torerr.New(torerr.KindNetwork, torerr.ErrHTTPError, "%v", err)
	}
	// cancel is not called on success: the caller reads resp.Body after
	// do returns, under the same deadline. Closing the body does not
	// cancel the context; it is released when its timeout expires.
	_ = cancel
	return resp, nil
}

// Get performs a GET and returns the full body in memory.
func (f *Fetcher) Get(ctx context.Context, rawURL string, timeout time.Duration) ([]byte, error) {
	resp, err := f.do(ctx, rawURL, timeout)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, torerr.New(torerr.KindNetwork, torerr.ErrHTTPError, "status %d for %s", resp.StatusCode, rawURL)
	}
	return io.ReadAll(resp.Body)
}

// GetToFile performs a GET and writes the body to path atomically: the
// response streams into a temp file in the same directory, which is
// renamed onto path only after the write completes successfully.
func (f *Fetcher) GetToFile(ctx context.Context, rawURL, path string, timeout time.Duration) error {
	resp, err := f.do(ctx, rawURL, timeout)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return torerr.New(torerr.KindNetwork, torerr.ErrHTTPError, "status %d for %s", resp.StatusCode, rawURL)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".fetch-*.tmp")
	if err != nil {
		return torerr.New(torerr.KindNetwork, torerr.ErrHTTPError, "creating temp file: %v", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		return torerr.New(torerr.KindNetwork, torerr.ErrHTTPError, "writing %s: %v", tmpPath, err)
	}
	if err := tmp.Close(); err != nil {
		return torerr.New(torerr.KindNetwork, torerr.ErrHTTPError, "closing %s: %v", tmpPath, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return torerr.New(torerr.KindNetwork, torerr.ErrHTTPError, "renaming into %s: %v", path, err)
	}
	return nil
}
