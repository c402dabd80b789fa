package store

import (
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
)

// TempFileStore is a FileStore rooted under the system temp directory,
// with a deterministic key→filename mapping so repeated opens of the
// same key (a room path, in tests and ephemeral rooms) land on the same
// file.
type TempFileStore struct {
	*FileStore
}

// OpenTempFileStore opens (creating if needed) the canonical temp file
// for key.
func OpenTempFileStore(key string, version uint64) (*TempFileStore, error) {
	path := filepath.Join(os.TempDir(), tempFileName(key))
	fs, err := Open(path, version)
	if err != nil {
		return nil, err
	}
	return &TempFileStore{FileStore: fs}, nil
}

func tempFileName(key string) string {
	sum := sha256.Sum256([]byte(key))
	return fmt.Sprintf("ysync-%x.ystore", sum[:12])
}
