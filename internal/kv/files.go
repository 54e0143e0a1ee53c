package kv

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/circle-free/graffiti/internal/fsx"
)

// Files keeps one file per key in a single directory. Key separators are
// escaped so the directory stays flat.
type Files struct {
	dir string
}

func OpenFiles(dir string) (*Files, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create kv dir: %w", err)
	}
	return &Files{dir: dir}, nil
}

func keyFilename(key string) string {
	return url.QueryEscape(key)
}

func keyFromFilename(name string) (string, bool) {
	key, err := url.QueryUnescape(name)
	return key, err == nil
}

func (f *Files) Get(_ context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(f.dir, keyFilename(key)))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("kv get %s: %w", key, err)
	}
	return data, nil
}

func (f *Files) Put(_ context.Context, key string, value []byte) error {
	if err := fsx.WriteAtomic(filepath.Join(f.dir, keyFilename(key)), value, 0o644); err != nil {
		return fmt.Errorf("kv put %s: %w", key, err)
	}
	return nil
}

func (f *Files) Delete(_ context.Context, key string) error {
	err := os.Remove(filepath.Join(f.dir, keyFilename(key)))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("kv delete %s: %w", key, err)
	}
	return nil
}

func (f *Files) Has(_ context.Context, key string) (bool, error) {
	return fsx.Exists(filepath.Join(f.dir, keyFilename(key))), nil
}

func (f *Files) Keys(_ context.Context, prefix string) ([]string, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	var keys []string
	for _, e := range entries {
		// Skip directories and in-flight temp files.
		if e.IsDir() || strings.HasPrefix(e.Name(), ".tmp-") {
			continue
		}
		key, ok := keyFromFilename(e.Name())
		if ok && strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (f *Files) Close() error {
	return nil
}
