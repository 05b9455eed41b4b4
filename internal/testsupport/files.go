package testsupport

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func filepathDir(path string) string {
	return filepath.Dir(path)
}

// WriteFileAged creates a file and backdates its modification time.
func WriteFileAged(t testing.TB, path string, contents []byte, modTime time.Time) string {
	t.Helper()

	WriteFile(t, path, contents)
	if err := os.Chtimes(path, modTime, modTime); err != nil {
		t.Fatalf("chtimes %s: %v", path, err)
	}
	return path
}
