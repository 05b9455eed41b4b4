// Package fileutil provides shared filesystem helpers.
package fileutil

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrPathEscape reports a path that resolves outside its expected root.
type ErrPathEscape struct {
	Root string
	Path string
}

func (e *ErrPathEscape) Error() string {
	return fmt.Sprintf("path %q escapes root %q", e.Path, e.Root)
}

// SafeRelPath returns path relative to root, rejecting anything that walks
// out of the root via "..". The result uses forward slashes so it can embed
// directly into a remote object key.
func SafeRelPath(root, path string) (string, error) {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return "", err
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", &ErrPathEscape{Root: root, Path: path}
	}
	return filepath.ToSlash(rel), nil
}

// IsSymlink reports whether path itself is a symbolic link.
func IsSymlink(path string) (bool, error) {
	info, err := os.Lstat(path)
	if err != nil {
		return false, err
	}
	return info.Mode()&os.ModeSymlink != 0, nil
}

// IsRegularFile reports whether path is a plain file (not a directory,
// symlink, or device).
func IsRegularFile(path string) (bool, error) {
	info, err := os.Lstat(path)
	if err != nil {
		return false, err
	}
	return info.Mode().IsRegular(), nil
}

// DirectlyIn reports whether path sits immediately inside dir, with no
// intermediate subdirectory.
func DirectlyIn(dir, path string) bool {
	return filepath.Dir(path) == filepath.Clean(dir)
}
