package module

import (
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// Store resolves module names to their raw bytes. Modules live as files
// under a directory, optionally compressed, and can fall back to an http(s)
// source when missing locally.
type Store struct {
	dir     string
	fetcher *Fetcher
}

func NewStore(dir string, fetcher *Fetcher) *Store {
	return &Store{dir: dir, fetcher: fetcher}
}

func (s *Store) Read(ctx context.Context, name string) ([]byte, error) {
	for _, suffix := range []string{"", ".gz", ".zst"} {
		filename := filepath.Join(s.dir, name+suffix)

		fh, err := os.Open(filename)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		defer fh.Close()

		return readModule(fh, suffix)
	}

	if s.fetcher != nil {
		return s.fetcher.Get(ctx, name)
	}

	return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
}

func readModule(fh *os.File, suffix string) ([]byte, error) {
	var reader io.Reader = fh

	switch suffix {
	case ".gz":
		r, err := gzip.NewReader(fh)
		if err != nil {
			return nil, err
		}
		defer r.Close()
		reader = r
	case ".zst":
		r, err := zstd.NewReader(fh)
		if err != nil {
			return nil, err
		}
		defer r.Close()
		reader = r
	}

	contents, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", fh.Name(), err)
	}

	if !strings.HasPrefix(string(contents[:min(4, len(contents))]), "\x00asm") {
		return nil, fmt.Errorf("%s is not a wasm module", fh.Name())
	}

	return contents, nil
}
