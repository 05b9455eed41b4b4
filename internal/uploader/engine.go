// Package uploader drains the persistent queue and transfers file bytes to
// the remote object store, classifying failures into retry-or-park.
package uploader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"logship/internal/config"
	"logship/internal/logging"
	"logship/internal/metrics"
	"logship/internal/objectstore"
	"logship/internal/queue"
	"logship/internal/registry"
)

const (
	// MultipartThreshold is the size above which files transfer as
	// multipart uploads.
	MultipartThreshold = 5 * 1024 * 1024
	// partSize is the fixed multipart chunk size.
	partSize = 5 * 1024 * 1024

	backoffBase = 30 * time.Second
	backoffMax  = 15 * time.Minute
)

// Engine drains queue entries under the scheduler's permission.
type Engine struct {
	cfg     *config.Config
	store   *queue.Store
	ledger  *registry.Store
	client  objectstore.Client
	logger  *slog.Logger
	metrics metrics.Publisher
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
}

// New constructs an upload engine.
func New(cfg *config.Config, store *queue.Store, ledger *registry.Store, client objectstore.Client, logger *slog.Logger, publisher metrics.Publisher) *Engine {
	if publisher == nil {
		publisher = metrics.NewNop()
	}
	limit := rate.Limit(cfg.Store.RequestsPerSecond)
	if limit <= 0 {
		limit = rate.Inf
	}
	return &Engine{
		cfg:     cfg,
		store:   store,
		ledger:  ledger,
		client:  client,
		logger:  logging.NewComponentLogger(logger, "uploader"),
		metrics: publisher,
		limiter: rate.NewLimiter(limit, 1),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "objectstore",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}
}

// Drain processes pending queue entries until the queue is empty, the
// breaker opens, or ctx is cancelled. It is the only path that uploads.
func (e *Engine) Drain(ctx context.Context) error {
	batchSize := e.cfg.Upload.Workers * 4

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		batch, err := e.store.DequeueBatch(ctx, batchSize)
		if err != nil {
			return fmt.Errorf("dequeue batch: %w", err)
		}
		if len(batch) == 0 {
			e.publishDepth(ctx)
			return nil
		}

		if aborted := e.processBatch(ctx, batch); aborted {
			e.publishDepth(ctx)
			return nil
		}
	}
}

// processBatch runs the worker pool over one batch. It reports true when
// draining should stop early (breaker open or ctx cancelled).
func (e *Engine) processBatch(ctx context.Context, batch []*queue.Entry) bool {
	entryCh := make(chan *queue.Entry)
	var wg sync.WaitGroup
	var mu sync.Mutex
	abort := false

	workers := e.cfg.Upload.Workers
	if workers > len(batch) {
		workers = len(batch)
	}
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			for entry := range entryCh {
				if stop := e.processEntry(ctx, entry); stop {
					mu.Lock()
					abort = true
					mu.Unlock()
				}
			}
		}()
	}

	for _, entry := range batch {
		mu.Lock()
		stop := abort
		mu.Unlock()
		if stop || ctx.Err() != nil {
			// Give unprocessed entries back to the queue without charging
			// an attempt.
			if err := e.store.Release(context.WithoutCancel(ctx), entry.IdentityHash); err != nil {
				e.logger.Warn("return entry to pending", logging.Error(err), logging.String("path", entry.Identity.Path))
			}
			continue
		}
		entryCh <- entry
	}
	close(entryCh)
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	return abort || ctx.Err() != nil
}

// processEntry attempts one upload. It reports true when the drain pass
// should stop (breaker open or context cancelled).
func (e *Engine) processEntry(ctx context.Context, entry *queue.Entry) bool {
	logger := e.logger.With(
		logging.String("path", entry.Identity.Path),
		logging.String("label", entry.Label),
	)

	current, err := os.Stat(entry.Identity.Path)
	if errors.Is(err, os.ErrNotExist) {
		e.failEntry(ctx, entry, logger, fmt.Errorf("stat source: %w", err))
		return false
	}
	if err != nil {
		e.failEntry(ctx, entry, logger, fmt.Errorf("stat source: %w", err))
		return false
	}
	if current.Size() != entry.Identity.Size || !current.ModTime().UTC().Equal(entry.Identity.ModTime.UTC()) {
		// The queued identity no longer exists on disk; the rewritten file
		// is a new identity and will be re-detected on its own.
		logger.Info("queued identity superseded on disk; dropping entry")
		if err := e.store.Complete(ctx, entry.IdentityHash); err != nil {
			logger.Warn("drop superseded entry", logging.Error(err))
		}
		return false
	}

	skip, err := e.ledger.ShouldSkip(ctx, entry.Identity, time.Now())
	if err != nil {
		e.failEntry(ctx, entry, logger, fmt.Errorf("registry lookup: %w", err))
		return false
	}
	if skip {
		logger.Debug("identity already uploaded; skipping")
		if err := e.store.Complete(ctx, entry.IdentityHash); err != nil {
			logger.Warn("complete skipped entry", logging.Error(err))
		}
		return false
	}

	key, err := RemoteKey(e.cfg.VehicleID, entry)
	if err != nil {
		e.failEntry(ctx, entry, logger, err)
		return false
	}

	if err := e.transfer(ctx, entry, key); err != nil {
		if ctx.Err() != nil {
			// Shutdown: leave the entry in-flight; startup reconciliation
			// resets it to pending.
			return true
		}
		stop := e.failEntry(ctx, entry, logger.With(logging.String("key", key)), err)
		return stop
	}

	// Register before dequeueing: a crash between the two causes at worst
	// a redundant re-upload to the same key, never a silent loss.
	if err := e.ledger.Record(ctx, entry.Identity, time.Now(), e.cfg.RegistryRetention()); err != nil {
		e.failEntry(ctx, entry, logger, fmt.Errorf("record upload: %w", err))
		return false
	}
	if err := e.store.Complete(ctx, entry.IdentityHash); err != nil {
		logger.Warn("remove completed entry", logging.Error(err))
		return false
	}

	e.metrics.Counter(metrics.FilesUploaded, 1)
	e.metrics.Counter(metrics.BytesUploaded, float64(entry.Identity.Size))
	logger.Info("uploaded",
		logging.String("key", key),
		logging.Int64("bytes", entry.Identity.Size),
		logging.Int("attempt", entry.AttemptCount+1),
	)
	return false
}

// failEntry records the failure on the queue entry and reports whether the
// drain pass should stop.
func (e *Engine) failEntry(ctx context.Context, entry *queue.Entry, logger *slog.Logger, cause error) bool {
	classification := Classify(cause)
	retryAfter := backoffFor(entry.AttemptCount)

	status, err := e.store.Fail(ctx, entry.IdentityHash, classification.Kind, retryAfter, classification.Permanent, e.cfg.Upload.MaxAttempts)
	if err != nil {
		logger.Error("record failure", logging.Error(err))
		return false
	}

	e.metrics.Counter(metrics.UploadFailures, 1, metrics.Label{Key: "kind", Value: classification.Kind})
	attrs := logging.Args(
		logging.String("kind", classification.Kind),
		logging.String("status", string(status)),
		logging.Int("attempts", entry.AttemptCount+1),
		logging.Error(cause),
	)
	if status == queue.StatusPermanentlyFailed {
		logger.Error("upload permanently failed", attrs...)
	} else {
		logger.Warn("upload failed; will retry", attrs...)
	}
	return classification.Kind == KindBreakerOpen
}

// transfer moves the file bytes, choosing single-put or multipart by size.
func (e *Engine) transfer(ctx context.Context, entry *queue.Entry, key string) error {
	file, err := os.Open(entry.Identity.Path)
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}
	defer file.Close()

	if entry.Identity.Size > MultipartThreshold {
		return e.transferMultipart(ctx, entry, key, file)
	}

	_, err = e.remoteCall(ctx, func() (string, error) {
		return e.client.PutObject(ctx, key, file, entry.Identity.Size)
	})
	return err
}

// transferMultipart splits the file into fixed-size parts and commits them
// as one object. Any failure aborts the session so no uncommitted parts
// linger on the remote.
func (e *Engine) transferMultipart(ctx context.Context, entry *queue.Entry, key string, file *os.File) (err error) {
	uploadID, err := e.remoteCall(ctx, func() (string, error) {
		return e.client.CreateMultipart(ctx, key)
	})
	if err != nil {
		return fmt.Errorf("create multipart: %w", err)
	}
	defer func() {
		if err != nil {
			abortCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if abortErr := e.client.AbortMultipart(abortCtx, key, uploadID); abortErr != nil {
				e.logger.Warn("abort multipart", logging.Error(abortErr), logging.String("key", key))
			}
		}
	}()

	var parts []objectstore.CompletedPart
	remaining := entry.Identity.Size
	for partNumber := 1; remaining > 0; partNumber++ {
		chunk := int64(partSize)
		if remaining < chunk {
			chunk = remaining
		}
		reader := io.LimitReader(file, chunk)

		etag, partErr := e.remoteCall(ctx, func() (string, error) {
			return e.client.UploadPart(ctx, key, uploadID, partNumber, reader, chunk)
		})
		if partErr != nil {
			err = fmt.Errorf("upload part %d: %w", partNumber, partErr)
			return err
		}
		parts = append(parts, objectstore.CompletedPart{PartNumber: partNumber, ETag: etag})
		remaining -= chunk
	}

	// The commit is serialized per file even when parts parallelize.
	if _, err = e.remoteCall(ctx, func() (string, error) {
		return e.client.CompleteMultipart(ctx, key, uploadID, parts)
	}); err != nil {
		err = fmt.Errorf("complete multipart: %w", err)
		return err
	}
	return nil
}

// remoteCall applies the rate limit and circuit breaker around one remote
// store operation.
func (e *Engine) remoteCall(ctx context.Context, call func() (string, error)) (string, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return "", err
	}
	result, err := e.breaker.Execute(func() (any, error) {
		return call()
	})
	if err != nil {
		return "", err
	}
	etag, _ := result.(string)
	return etag, nil
}

func (e *Engine) publishDepth(ctx context.Context) {
	depth, err := e.store.Depth(ctx)
	if err != nil {
		e.logger.Warn("queue depth", logging.Error(err))
		return
	}
	e.metrics.Gauge(metrics.QueueDepth, float64(depth))
}

// backoffFor returns the exponential retry delay after a given number of
// prior attempts, capped at backoffMax.
func backoffFor(attempts int) time.Duration {
	delay := backoffBase
	for i := 0; i < attempts; i++ {
		delay *= 2
		if delay >= backoffMax {
			return backoffMax
		}
	}
	return delay
}
