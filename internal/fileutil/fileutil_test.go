package fileutil_test

import (
	"os"
	"path/filepath"
	"testing"

	"logship/internal/fileutil"
)

func TestSafeRelPath(t *testing.T) {
	rel, err := fileutil.SafeRelPath("/logs/engine", "/logs/engine/2026/boot.log")
	if err != nil {
		t.Fatalf("SafeRelPath: %v", err)
	}
	if rel != "2026/boot.log" {
		t.Fatalf("unexpected rel %q", rel)
	}

	if _, err := fileutil.SafeRelPath("/logs/engine", "/logs/other/x.log"); err == nil {
		t.Fatal("expected escape error")
	}
	if _, err := fileutil.SafeRelPath("/logs/engine", "/logs"); err == nil {
		t.Fatal("expected escape error for parent")
	}
}

func TestIsSymlinkAndRegular(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "real.log")
	if err := os.WriteFile(target, []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	link := filepath.Join(dir, "link.log")
	if err := os.Symlink(target, link); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	if isLink, err := fileutil.IsSymlink(link); err != nil || !isLink {
		t.Fatalf("IsSymlink(link) = %v, %v", isLink, err)
	}
	if isLink, err := fileutil.IsSymlink(target); err != nil || isLink {
		t.Fatalf("IsSymlink(target) = %v, %v", isLink, err)
	}
	if regular, err := fileutil.IsRegularFile(link); err != nil || regular {
		t.Fatalf("IsRegularFile(link) = %v, %v", regular, err)
	}
	if regular, err := fileutil.IsRegularFile(target); err != nil || !regular {
		t.Fatalf("IsRegularFile(target) = %v, %v", regular, err)
	}
}

func TestDirectlyIn(t *testing.T) {
	if !fileutil.DirectlyIn("/logs", "/logs/a.log") {
		t.Fatal("direct child should match")
	}
	if fileutil.DirectlyIn("/logs", "/logs/sub/a.log") {
		t.Fatal("nested file should not match")
	}
}
