package blob

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/circle-free/graffiti/internal/fsx"
)

// Local keeps CID-addressed immutable objects as files in one directory.
type Local struct {
	dir string
}

func NewLocal(dir string) (*Local, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create objects dir: %w", err)
	}
	return &Local{dir: dir}, nil
}

// Put writes data and returns its content id. Existing objects are left
// untouched.
func (s *Local) Put(_ context.Context, data []byte) (string, error) {
	c, err := ComputeCID(data)
	if err != nil {
		return "", err
	}
	path := filepath.Join(s.dir, CIDToFilename(c))
	if fsx.Exists(path) {
		return c.String(), nil
	}
	if err := fsx.WriteAtomic(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write object: %w", err)
	}
	return c.String(), nil
}

// Get reads an object and checks it against its id.
func (s *Local) Get(_ context.Context, contentID string) ([]byte, error) {
	c, err := ParseContentID(contentID)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(s.dir, CIDToFilename(c)))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, contentID)
	}
	if err != nil {
		return nil, fmt.Errorf("read object %s: %w", contentID, err)
	}
	if err := Verify(c, data); err != nil {
		return nil, err
	}
	return data, nil
}

func (s *Local) Has(contentID string) bool {
	c, err := ParseContentID(contentID)
	if err != nil {
		return false
	}
	return fsx.Exists(filepath.Join(s.dir, CIDToFilename(c)))
}
