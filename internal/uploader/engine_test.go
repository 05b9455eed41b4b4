package uploader_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"logship/internal/config"
	"logship/internal/identity"
	"logship/internal/logging"
	"logship/internal/metrics"
	"logship/internal/objectstore"
	"logship/internal/queue"
	"logship/internal/registry"
	"logship/internal/testsupport"
	"logship/internal/uploader"
)

type harness struct {
	cfg     *config.Config
	queue   *queue.Store
	ledger  *registry.Store
	remote  *objectstore.Memory
	capture *metrics.Capture
	engine  *uploader.Engine
}

func newHarness(t *testing.T, opts ...testsupport.ConfigOption) *harness {
	t.Helper()

	cfg := testsupport.NewConfig(t, opts...)
	store := testsupport.MustOpenQueue(t, cfg)
	ledger := testsupport.MustOpenRegistry(t, cfg)
	remote := objectstore.NewMemory()
	capture := metrics.NewCapture()

	return &harness{
		cfg:     cfg,
		queue:   store,
		ledger:  ledger,
		remote:  remote,
		capture: capture,
		engine:  uploader.New(cfg, store, ledger, remote, logging.NewNop(), capture),
	}
}

// enqueueFile writes contents into the watched root and enqueues its
// identity, returning the identity it captured.
func (h *harness) enqueueFile(t *testing.T, name string, contents []byte) identity.Identity {
	t.Helper()

	path := testsupport.WriteFile(t, filepath.Join(testsupport.WatchedDir(h.cfg), name), contents)
	id, err := identity.Stat(path)
	if err != nil {
		t.Fatalf("identity.Stat: %v", err)
	}
	inserted, err := h.queue.Enqueue(context.Background(), queue.Request{
		Identity: id,
		Label:    h.cfg.Watches[0].Label,
		Root:     h.cfg.Watches[0].Root,
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if !inserted {
		t.Fatalf("expected fresh enqueue for %s", name)
	}
	return id
}

func (h *harness) entryByHash(t *testing.T, hash string) *queue.Entry {
	t.Helper()
	entry, err := h.queue.GetByHash(context.Background(), hash)
	if err != nil {
		t.Fatalf("get entry: %v", err)
	}
	return entry
}

func TestDrainUploadsPendingEntry(t *testing.T) {
	h := newHarness(t)
	contents := []byte("2026-08-31 ignition on\n")
	id := h.enqueueFile(t, "engine/boot.log", contents)

	if err := h.engine.Drain(context.Background()); err != nil {
		t.Fatalf("drain: %v", err)
	}

	key := h.cfg.VehicleID + "/" + id.ModTime.UTC().Format(time.DateOnly) + "/engine/engine/boot.log"
	data, ok := h.remote.Object(key)
	if !ok {
		t.Fatalf("object %s not uploaded", key)
	}
	if !bytes.Equal(data, contents) {
		t.Fatalf("uploaded bytes differ: got %q", data)
	}

	if entry := h.entryByHash(t, id.Hash()); entry != nil {
		t.Fatalf("entry still queued with status %s", entry.Status)
	}
	skip, err := h.ledger.ShouldSkip(context.Background(), id, time.Now())
	if err != nil {
		t.Fatalf("registry lookup: %v", err)
	}
	if !skip {
		t.Fatal("identity not registered after upload")
	}
	if got := h.capture.CounterValue(metrics.FilesUploaded); got != 1 {
		t.Fatalf("files_uploaded = %v, want 1", got)
	}
	if got := h.capture.CounterValue(metrics.BytesUploaded); got != float64(len(contents)) {
		t.Fatalf("bytes_uploaded = %v, want %d", got, len(contents))
	}
}

func TestDrainSkipsRegisteredIdentity(t *testing.T) {
	h := newHarness(t)
	id := h.enqueueFile(t, "dup.log", []byte("already shipped"))

	if err := h.ledger.Record(context.Background(), id, time.Now(), time.Hour); err != nil {
		t.Fatalf("record: %v", err)
	}

	if err := h.engine.Drain(context.Background()); err != nil {
		t.Fatalf("drain: %v", err)
	}

	if h.remote.PutCalls != 0 {
		t.Fatalf("expected no remote puts, got %d", h.remote.PutCalls)
	}
	if entry := h.entryByHash(t, id.Hash()); entry != nil {
		t.Fatalf("skipped entry not removed, status %s", entry.Status)
	}
}

func TestDrainRetriesServerFailure(t *testing.T) {
	h := newHarness(t)
	id := h.enqueueFile(t, "flaky.log", []byte("payload"))

	h.remote.PutErr = func(key string) error {
		return &objectstore.StatusError{Op: "put", Key: key, StatusCode: 503}
	}

	if err := h.engine.Drain(context.Background()); err != nil {
		t.Fatalf("drain: %v", err)
	}

	entry := h.entryByHash(t, id.Hash())
	if entry == nil {
		t.Fatal("entry vanished after transient failure")
	}
	if entry.Status != queue.StatusPending {
		t.Fatalf("status = %s, want pending", entry.Status)
	}
	if entry.AttemptCount != 1 {
		t.Fatalf("attempt_count = %d, want 1", entry.AttemptCount)
	}
	if entry.LastErrorKind != uploader.KindServer {
		t.Fatalf("last_error_kind = %s, want %s", entry.LastErrorKind, uploader.KindServer)
	}
	if entry.NextAttemptAt == nil || !entry.NextAttemptAt.After(time.Now().UTC()) {
		t.Fatal("expected a future retry backoff")
	}
	if got := h.capture.CounterValue(metrics.UploadFailures, metrics.Label{Key: "kind", Value: uploader.KindServer}); got != 1 {
		t.Fatalf("upload_failures{kind=server} = %v, want 1", got)
	}
}

func TestDrainParksAuthFailure(t *testing.T) {
	h := newHarness(t)
	id := h.enqueueFile(t, "denied.log", []byte("payload"))

	h.remote.PutErr = func(key string) error {
		return &objectstore.StatusError{Op: "put", Key: key, StatusCode: 403}
	}

	if err := h.engine.Drain(context.Background()); err != nil {
		t.Fatalf("drain: %v", err)
	}

	entry := h.entryByHash(t, id.Hash())
	if entry == nil {
		t.Fatal("entry vanished after permanent failure")
	}
	if entry.Status != queue.StatusPermanentlyFailed {
		t.Fatalf("status = %s, want permanently_failed", entry.Status)
	}
	if entry.LastErrorKind != uploader.KindAuth {
		t.Fatalf("last_error_kind = %s, want %s", entry.LastErrorKind, uploader.KindAuth)
	}
}

func TestDrainParksMissingSource(t *testing.T) {
	h := newHarness(t)
	id := h.enqueueFile(t, "gone.log", []byte("payload"))

	if err := os.Remove(id.Path); err != nil {
		t.Fatalf("remove source: %v", err)
	}

	if err := h.engine.Drain(context.Background()); err != nil {
		t.Fatalf("drain: %v", err)
	}

	entry := h.entryByHash(t, id.Hash())
	if entry == nil {
		t.Fatal("entry vanished")
	}
	if entry.Status != queue.StatusPermanentlyFailed {
		t.Fatalf("status = %s, want permanently_failed", entry.Status)
	}
	if entry.LastErrorKind != uploader.KindSourceMissing {
		t.Fatalf("last_error_kind = %s, want %s", entry.LastErrorKind, uploader.KindSourceMissing)
	}
	if h.remote.PutCalls != 0 {
		t.Fatalf("expected no remote puts, got %d", h.remote.PutCalls)
	}
}

func TestDrainDropsSupersededIdentity(t *testing.T) {
	h := newHarness(t)
	id := h.enqueueFile(t, "rotated.log", []byte("original contents"))

	// The file is rewritten after enqueue; the queued identity no longer
	// matches what is on disk.
	if err := os.WriteFile(id.Path, []byte("rewritten with a different length"), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}

	if err := h.engine.Drain(context.Background()); err != nil {
		t.Fatalf("drain: %v", err)
	}

	if entry := h.entryByHash(t, id.Hash()); entry != nil {
		t.Fatalf("superseded entry not dropped, status %s", entry.Status)
	}
	if h.remote.PutCalls != 0 {
		t.Fatalf("expected no remote puts, got %d", h.remote.PutCalls)
	}
	skip, err := h.ledger.ShouldSkip(context.Background(), id, time.Now())
	if err != nil {
		t.Fatalf("registry lookup: %v", err)
	}
	if skip {
		t.Fatal("stale identity must not be registered as uploaded")
	}
}

func TestDrainMultipartUpload(t *testing.T) {
	h := newHarness(t)
	contents := bytes.Repeat([]byte("telemetry"), (6*1024*1024)/9+1)
	id := h.enqueueFile(t, "big.log", contents)

	if err := h.engine.Drain(context.Background()); err != nil {
		t.Fatalf("drain: %v", err)
	}

	key := h.cfg.VehicleID + "/" + id.ModTime.UTC().Format(time.DateOnly) + "/engine/big.log"
	data, ok := h.remote.Object(key)
	if !ok {
		t.Fatalf("object %s not uploaded", key)
	}
	if !bytes.Equal(data, contents) {
		t.Fatalf("assembled object differs: got %d bytes, want %d", len(data), len(contents))
	}
	if h.remote.PutCalls != 0 {
		t.Fatal("large file must use the multipart path")
	}
	if h.remote.PendingUploads() != 0 {
		t.Fatalf("uncommitted multipart sessions remain: %d", h.remote.PendingUploads())
	}
	if entry := h.entryByHash(t, id.Hash()); entry != nil {
		t.Fatalf("entry still queued with status %s", entry.Status)
	}
}

func TestDrainAbortsMultipartOnPartFailure(t *testing.T) {
	h := newHarness(t)
	contents := bytes.Repeat([]byte("x"), 6*1024*1024)
	id := h.enqueueFile(t, "bigflaky.log", contents)

	h.remote.PartErr = func(key string, partNumber int) error {
		if partNumber == 2 {
			return &objectstore.StatusError{Op: "upload_part", Key: key, StatusCode: 500}
		}
		return nil
	}

	if err := h.engine.Drain(context.Background()); err != nil {
		t.Fatalf("drain: %v", err)
	}

	if h.remote.AbortCalls != 1 {
		t.Fatalf("abort calls = %d, want 1", h.remote.AbortCalls)
	}
	if h.remote.PendingUploads() != 0 {
		t.Fatalf("aborted session still pending: %d", h.remote.PendingUploads())
	}
	entry := h.entryByHash(t, id.Hash())
	if entry == nil {
		t.Fatal("entry vanished after part failure")
	}
	if entry.Status != queue.StatusPending {
		t.Fatalf("status = %s, want pending", entry.Status)
	}
}

func TestDrainStopsWhenBreakerOpens(t *testing.T) {
	h := newHarness(t)
	h.cfg.Upload.Workers = 1
	h.cfg.Upload.MaxAttempts = 10
	h.engine = uploader.New(h.cfg, h.queue, h.ledger, h.remote, logging.NewNop(), h.capture)

	for i := 0; i < 6; i++ {
		h.enqueueFile(t, "burst/"+string(rune('a'+i))+".log", []byte("payload"))
	}
	h.remote.PutErr = func(key string) error {
		return &objectstore.StatusError{Op: "put", Key: key, StatusCode: 503}
	}

	if err := h.engine.Drain(context.Background()); err != nil {
		t.Fatalf("drain: %v", err)
	}

	// The breaker trips after five consecutive failures; the remaining
	// entry never reaches the remote.
	if h.remote.PutCalls != 5 {
		t.Fatalf("put calls = %d, want 5", h.remote.PutCalls)
	}
	entries, err := h.queue.List(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 6 {
		t.Fatalf("queued entries = %d, want 6", len(entries))
	}
	for _, entry := range entries {
		if entry.Status != queue.StatusPending {
			t.Fatalf("entry %s status = %s, want pending", entry.Identity.Path, entry.Status)
		}
	}
}

func TestDrainEmptyQueue(t *testing.T) {
	h := newHarness(t)
	if err := h.engine.Drain(context.Background()); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if got := h.capture.GaugeValue(metrics.QueueDepth); got != 0 {
		t.Fatalf("queue_depth = %v, want 0", got)
	}
}
