package filestore

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
)

// FileStore stores file content addressed by its hash. Uploading the same
// bytes twice is a no-op, which is exactly what we want for avatars and
// re-sent images.
type FileStore interface {
	// Save stores the content under the given hash. Idempotent.
	Save(r io.Reader, hash string) error

	// Get returns a reader for the content stored under hash.
	Get(hash string) (io.ReadCloser, error)
}

// Hash computes the content address for a byte slice.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
