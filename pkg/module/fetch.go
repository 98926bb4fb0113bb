package module

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"

	"github.com/schollz/progressbar/v3"
)

// Fetcher downloads modules from an http(s) base URL and caches them on
// disk. A cached module is reused forever: module files are immutable and
// versioned by name.
type Fetcher struct {
	baseURL   string
	cachePath string
	client    *http.Client
}

func NewFetcher(baseURL string, cachePath string) *Fetcher {
	return &Fetcher{
		baseURL:   baseURL,
		cachePath: cachePath,
		client:    &http.Client{},
	}
}

func (f *Fetcher) cacheFilename(name string) (string, error) {
	u, err := url.Parse(f.baseURL)
	if err != nil {
		return "", err
	}

	keyPath := filepath.Clean(u.Hostname() + "/" + name + ".cache")

	return filepath.Join(f.cachePath, keyPath), nil
}

func (f *Fetcher) Get(ctx context.Context, name string) ([]byte, error) {
	filename, err := f.cacheFilename(name)
	if err != nil {
		return nil, err
	}

	if contents, err := os.ReadFile(filename); err == nil {
		return contents, nil
	}

	if err := os.MkdirAll(filepath.Dir(filename), os.ModePerm); err != nil {
		return nil, err
	}

	target, err := url.JoinPath(f.baseURL, name)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	} else if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("http error: %s", resp.Status)
	}

	tmpFilename := filename + ".tmp"

	out, err := os.Create(tmpFilename)
	if err != nil {
		return nil, err
	}

	pb := progressbar.DefaultBytes(resp.ContentLength, fmt.Sprintf("downloading %s", name))
	defer pb.Close()

	if _, err := io.Copy(io.MultiWriter(pb, out), resp.Body); err != nil {
		out.Close()
		return nil, err
	}

	if err := out.Close(); err != nil {
		return nil, err
	}

	if err := os.Rename(tmpFilename, filename); err != nil {
		return nil, err
	}

	return os.ReadFile(filename)
}
