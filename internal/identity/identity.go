// Package identity defines the file identity triple used to distinguish
// logical files across the queue, registry, and deletion paths.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"time"
)

// Identity pins a logical file to a specific observation: the same path
// with a different size or modification time is a different file.
type Identity struct {
	Path    string
	Size    int64
	ModTime time.Time
}

// FromFileInfo builds an Identity from a stat result for path.
func FromFileInfo(path string, info os.FileInfo) Identity {
	return Identity{
		Path:    path,
		Size:    info.Size(),
		ModTime: info.ModTime().UTC(),
	}
}

// Stat stats path and returns its current identity.
func Stat(path string) (Identity, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Identity{}, err
	}
	if info.IsDir() {
		return Identity{}, fmt.Errorf("identity: %s is a directory", path)
	}
	return FromFileInfo(path, info), nil
}

// Hash returns the stable hex digest keying this identity in the queue and
// registry. Mod time participates at nanosecond precision so a rewrite that
// preserves size still produces a new identity.
func (id Identity) Hash() string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%d|%d", id.Path, id.Size, id.ModTime.UTC().UnixNano())))
	return hex.EncodeToString(sum[:])
}

// Equal reports whether two identities describe the same logical file.
func (id Identity) Equal(other Identity) bool {
	return id.Path == other.Path &&
		id.Size == other.Size &&
		id.ModTime.UTC().Equal(other.ModTime.UTC())
}

// IsZero reports whether the identity is unset.
func (id Identity) IsZero() bool {
	return id.Path == "" && id.Size == 0 && id.ModTime.IsZero()
}
