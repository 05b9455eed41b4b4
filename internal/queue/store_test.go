package queue_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"logship/internal/identity"
	"logship/internal/queue"
	"logship/internal/testsupport"
)

func newRequest(i int) queue.Request {
	return queue.Request{
		Identity: identity.Identity{
			Path:    fmt.Sprintf("/logs/engine/file-%d.log", i),
			Size:    int64(100 + i),
			ModTime: time.Unix(1700000000+int64(i), 0).UTC(),
		},
		Label: "engine",
		Root:  "/logs/engine",
	}
}

func TestEnqueueIsIdempotent(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenQueue(t, cfg)
	ctx := context.Background()

	req := newRequest(1)
	inserted, err := store.Enqueue(ctx, req)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if !inserted {
		t.Fatal("first enqueue should insert")
	}

	inserted, err = store.Enqueue(ctx, req)
	if err != nil {
		t.Fatalf("second Enqueue: %v", err)
	}
	if inserted {
		t.Fatal("duplicate enqueue must be a no-op")
	}

	// Same path with different size is a distinct identity.
	changed := req
	changed.Identity.Size++
	inserted, err = store.Enqueue(ctx, changed)
	if err != nil {
		t.Fatalf("changed Enqueue: %v", err)
	}
	if !inserted {
		t.Fatal("changed identity should insert a new entry")
	}

	entries, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
}

func TestEnqueueWhileInFlightIsNoOp(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenQueue(t, cfg)
	ctx := context.Background()

	req := newRequest(1)
	if _, err := store.Enqueue(ctx, req); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	batch, err := store.DequeueBatch(ctx, 10)
	if err != nil {
		t.Fatalf("DequeueBatch: %v", err)
	}
	if len(batch) != 1 || batch[0].Status != queue.StatusInFlight {
		t.Fatalf("unexpected batch %#v", batch)
	}

	inserted, err := store.Enqueue(ctx, req)
	if err != nil {
		t.Fatalf("re-Enqueue: %v", err)
	}
	if inserted {
		t.Fatal("enqueue of an in-flight identity must not create a duplicate")
	}
}

func TestDequeueBatchFIFOAndMarksInFlight(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenQueue(t, cfg)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := store.Enqueue(ctx, newRequest(i)); err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
	}

	batch, err := store.DequeueBatch(ctx, 3)
	if err != nil {
		t.Fatalf("DequeueBatch: %v", err)
	}
	if len(batch) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(batch))
	}
	for i, entry := range batch {
		if entry.Identity.Path != fmt.Sprintf("/logs/engine/file-%d.log", i) {
			t.Fatalf("batch not FIFO: entry %d is %s", i, entry.Identity.Path)
		}
	}

	// The second batch skips in-flight entries.
	batch, err = store.DequeueBatch(ctx, 10)
	if err != nil {
		t.Fatalf("second DequeueBatch: %v", err)
	}
	if len(batch) != 2 {
		t.Fatalf("expected remaining 2 entries, got %d", len(batch))
	}
}

func TestCompleteRemovesEntry(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenQueue(t, cfg)
	ctx := context.Background()

	req := newRequest(1)
	if _, err := store.Enqueue(ctx, req); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := store.Complete(ctx, req.Identity.Hash()); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	entry, err := store.GetByHash(ctx, req.Identity.Hash())
	if err != nil {
		t.Fatalf("GetByHash: %v", err)
	}
	if entry != nil {
		t.Fatalf("entry should be gone, got %#v", entry)
	}
}

func TestFailTransientThenPermanent(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenQueue(t, cfg)
	ctx := context.Background()

	req := newRequest(1)
	hash := req.Identity.Hash()
	if _, err := store.Enqueue(ctx, req); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	status, err := store.Fail(ctx, hash, "network", time.Minute, false, 3)
	if err != nil {
		t.Fatalf("Fail: %v", err)
	}
	if status != queue.StatusPending {
		t.Fatalf("first transient failure should re-pend, got %s", status)
	}

	entry, err := store.GetByHash(ctx, hash)
	if err != nil {
		t.Fatalf("GetByHash: %v", err)
	}
	if entry.AttemptCount != 1 || entry.LastErrorKind != "network" {
		t.Fatalf("attempt bookkeeping wrong: %#v", entry)
	}
	if entry.NextAttemptAt == nil || !entry.NextAttemptAt.After(time.Now().UTC().Add(30*time.Second)) {
		t.Fatalf("expected retry backoff in the future, got %v", entry.NextAttemptAt)
	}

	// Backoff keeps the entry out of the next batch.
	batch, err := store.DequeueBatch(ctx, 10)
	if err != nil {
		t.Fatalf("DequeueBatch: %v", err)
	}
	if len(batch) != 0 {
		t.Fatalf("backed-off entry must not dequeue, got %d entries", len(batch))
	}

	if _, err := store.Fail(ctx, hash, "network", 0, false, 3); err != nil {
		t.Fatalf("Fail 2: %v", err)
	}
	status, err = store.Fail(ctx, hash, "network", 0, false, 3)
	if err != nil {
		t.Fatalf("Fail 3: %v", err)
	}
	if status != queue.StatusPermanentlyFailed {
		t.Fatalf("attempt ceiling should park the entry, got %s", status)
	}
}

func TestFailPermanentSkipsRetry(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenQueue(t, cfg)
	ctx := context.Background()

	req := newRequest(1)
	if _, err := store.Enqueue(ctx, req); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	status, err := store.Fail(ctx, req.Identity.Hash(), "auth", time.Minute, true, 5)
	if err != nil {
		t.Fatalf("Fail: %v", err)
	}
	if status != queue.StatusPermanentlyFailed {
		t.Fatalf("permanent classification must park immediately, got %s", status)
	}
}

func TestResetInFlight(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenQueue(t, cfg)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := store.Enqueue(ctx, newRequest(i)); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	if _, err := store.DequeueBatch(ctx, 2); err != nil {
		t.Fatalf("DequeueBatch: %v", err)
	}

	count, err := store.ResetInFlight(ctx)
	if err != nil {
		t.Fatalf("ResetInFlight: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 reset, got %d", count)
	}

	health, err := store.Health(ctx)
	if err != nil {
		t.Fatalf("Health: %v", err)
	}
	if health.Pending != 3 || health.InFlight != 0 {
		t.Fatalf("unexpected health %#v", health)
	}
}

func TestQueueSurvivesReopen(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenQueue(t, cfg)
	ctx := context.Background()

	req := newRequest(1)
	if _, err := store.Enqueue(ctx, req); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := store.DequeueBatch(ctx, 1); err != nil {
		t.Fatalf("DequeueBatch: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened := testsupport.MustOpenQueue(t, cfg)
	if _, err := reopened.ResetInFlight(ctx); err != nil {
		t.Fatalf("ResetInFlight: %v", err)
	}
	entry, err := reopened.GetByHash(ctx, req.Identity.Hash())
	if err != nil {
		t.Fatalf("GetByHash: %v", err)
	}
	if entry == nil || entry.Status != queue.StatusPending {
		t.Fatalf("entry should survive reopen as pending, got %#v", entry)
	}
	if !entry.Identity.Equal(req.Identity) {
		t.Fatalf("identity lost across reopen: %#v", entry.Identity)
	}
}

func TestRetryFailedAndClearFailed(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenQueue(t, cfg)
	ctx := context.Background()

	req := newRequest(1)
	if _, err := store.Enqueue(ctx, req); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := store.Fail(ctx, req.Identity.Hash(), "auth", 0, true, 5); err != nil {
		t.Fatalf("Fail: %v", err)
	}

	count, err := store.RetryFailed(ctx)
	if err != nil {
		t.Fatalf("RetryFailed: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 retried, got %d", count)
	}
	entry, err := store.GetByHash(ctx, req.Identity.Hash())
	if err != nil {
		t.Fatalf("GetByHash: %v", err)
	}
	if entry.Status != queue.StatusPending || entry.AttemptCount != 0 {
		t.Fatalf("retry should reset entry, got %#v", entry)
	}

	if _, err := store.Fail(ctx, req.Identity.Hash(), "auth", 0, true, 5); err != nil {
		t.Fatalf("Fail again: %v", err)
	}
	cleared, err := store.ClearFailed(ctx)
	if err != nil {
		t.Fatalf("ClearFailed: %v", err)
	}
	if cleared != 1 {
		t.Fatalf("expected 1 cleared, got %d", cleared)
	}
}

func TestCheckHealth(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenQueue(t, cfg)

	health, err := store.CheckHealth(context.Background())
	if err != nil {
		t.Fatalf("CheckHealth: %v", err)
	}
	if !health.DatabaseExists || !health.DatabaseReadable || !health.TableExists || !health.IntegrityCheck {
		t.Fatalf("unexpected health %#v", health)
	}
}

func TestActiveHashes(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenQueue(t, cfg)
	ctx := context.Background()

	req := newRequest(1)
	if _, err := store.Enqueue(ctx, req); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	hashes, err := store.ActiveHashes(ctx)
	if err != nil {
		t.Fatalf("ActiveHashes: %v", err)
	}
	if _, ok := hashes[req.Identity.Hash()]; !ok {
		t.Fatalf("expected hash present, got %v", hashes)
	}
}
