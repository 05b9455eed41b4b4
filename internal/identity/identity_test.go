package identity_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"logship/internal/identity"
)

func TestHashChangesWithAnyField(t *testing.T) {
	base := identity.Identity{Path: "/logs/a.log", Size: 10, ModTime: time.Unix(1700000000, 0)}

	cases := []struct {
		name  string
		other identity.Identity
	}{
		{"path", identity.Identity{Path: "/logs/b.log", Size: 10, ModTime: base.ModTime}},
		{"size", identity.Identity{Path: base.Path, Size: 11, ModTime: base.ModTime}},
		{"mtime", identity.Identity{Path: base.Path, Size: 10, ModTime: base.ModTime.Add(time.Nanosecond)}},
	}
	for _, tc := range cases {
		if tc.other.Hash() == base.Hash() {
			t.Errorf("%s change did not alter hash", tc.name)
		}
		if tc.other.Equal(base) {
			t.Errorf("%s change still compares equal", tc.name)
		}
	}

	same := identity.Identity{Path: base.Path, Size: base.Size, ModTime: base.ModTime}
	if same.Hash() != base.Hash() || !same.Equal(base) {
		t.Fatal("identical identity should hash and compare equal")
	}
}

func TestStat(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vehicle.log")
	if err := os.WriteFile(path, []byte("payload"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	id, err := identity.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if id.Path != path || id.Size != int64(len("payload")) {
		t.Fatalf("unexpected identity: %#v", id)
	}

	if _, err := identity.Stat(dir); err == nil {
		t.Fatal("expected error for directory")
	}
	if _, err := identity.Stat(filepath.Join(dir, "missing")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
