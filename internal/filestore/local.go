package filestore

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// LocalFileStore keeps content on the local filesystem, sharded by the
// first two hash characters to keep directories small.
type LocalFileStore struct {
	root string
}

func NewLocalFileStore(root string) (*LocalFileStore, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create uploads directory: %w", err)
	}
	return &LocalFileStore{root: root}, nil
}

func (s *LocalFileStore) path(hash string) string {
	if len(hash) < 2 {
		return filepath.Join(s.root, hash)
	}
	return filepath.Join(s.root, hash[:2], hash)
}

func (s *LocalFileStore) Save(r io.Reader, hash string) error {
	dst := s.path(hash)

	// Content-addressed: same hash means same bytes.
	if _, err := os.Stat(dst); err == nil {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fmt.Errorf("failed to create shard directory: %w", err)
	}

	// Write to a temp file and rename so readers never see partial content.
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".upload-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
	}()

	if _, err := io.Copy(tmp, r); err != nil {
		return fmt.Errorf("failed to write upload: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmp.Name(), dst); err != nil {
		return fmt.Errorf("failed to move upload into place: %w", err)
	}
	return nil
}

func (s *LocalFileStore) Get(hash string) (io.ReadCloser, error) {
	f, err := os.Open(s.path(hash))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("file %s not found", hash)
		}
		return nil, fmt.Errorf("failed to open file %s: %w", hash, err)
	}
	return f, nil
}
