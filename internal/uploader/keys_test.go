package uploader_test

import (
	"errors"
	"testing"
	"time"

	"logship/internal/fileutil"
	"logship/internal/identity"
	"logship/internal/queue"
	"logship/internal/uploader"
)

func TestRemoteKey(t *testing.T) {
	modTime := time.Date(2026, 8, 30, 23, 59, 59, 0, time.UTC)
	entry := &queue.Entry{
		Identity: identity.Identity{
			Path:    "/var/log/vehicle/engine/2026-08-30/boot.log",
			Size:    128,
			ModTime: modTime,
		},
		Label: "engine",
		Root:  "/var/log/vehicle/engine",
	}

	key, err := uploader.RemoteKey("veh-042", entry)
	if err != nil {
		t.Fatalf("remote key: %v", err)
	}
	want := "veh-042/2026-08-30/engine/2026-08-30/boot.log"
	if key != want {
		t.Fatalf("key = %q, want %q", key, want)
	}

	// Same entry always produces the same key.
	again, err := uploader.RemoteKey("veh-042", entry)
	if err != nil {
		t.Fatalf("remote key: %v", err)
	}
	if again != key {
		t.Fatalf("key not deterministic: %q vs %q", again, key)
	}
}

func TestRemoteKeyUsesModTimeDate(t *testing.T) {
	entry := &queue.Entry{
		Identity: identity.Identity{
			Path:    "/data/logs/trace.log",
			Size:    1,
			ModTime: time.Date(2026, 1, 2, 3, 4, 5, 0, time.FixedZone("ahead", 10*3600)),
		},
		Label: "trace",
		Root:  "/data/logs",
	}

	key, err := uploader.RemoteKey("veh-1", entry)
	if err != nil {
		t.Fatalf("remote key: %v", err)
	}
	// 2026-01-02 03:04 +10:00 is 2026-01-01 in UTC.
	if want := "veh-1/2026-01-01/trace/trace.log"; key != want {
		t.Fatalf("key = %q, want %q", key, want)
	}
}

func TestRemoteKeyRejectsEscapingPath(t *testing.T) {
	entry := &queue.Entry{
		Identity: identity.Identity{
			Path:    "/var/log/other/secret.log",
			ModTime: time.Now(),
		},
		Label: "engine",
		Root:  "/var/log/vehicle",
	}

	_, err := uploader.RemoteKey("veh-1", entry)
	var escape *fileutil.ErrPathEscape
	if !errors.As(err, &escape) {
		t.Fatalf("expected path escape error, got %v", err)
	}
}
