// Package daemon wires the pipeline together and enforces single-instance
// execution. Components are constructed here and injected into each other;
// nothing reaches for shared state ambiently.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"

	"logship/internal/config"
	"logship/internal/deletion"
	"logship/internal/detector"
	"logship/internal/logging"
	"logship/internal/metrics"
	"logship/internal/objectstore"
	"logship/internal/queue"
	"logship/internal/registry"
	"logship/internal/scheduler"
	"logship/internal/uploader"
)

// stopGrace bounds how long Stop waits for in-flight work to finish.
const stopGrace = 30 * time.Second

// Daemon owns the component lifecycle for one configured run.
type Daemon struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    *queue.Store
	ledger   *registry.Store
	engine   *uploader.Engine
	deleter  *deletion.Manager
	detector *detector.Detector
	sched    *scheduler.Scheduler
	metrics  metrics.Publisher

	lockPath string
	lock     *flock.Flock

	running  atomic.Bool
	cancel   context.CancelFunc
	schedErr chan error
	wg       sync.WaitGroup
}

// Status reports daemon runtime information for the CLI.
type Status struct {
	Running      bool
	Queue        queue.HealthSummary
	RegistrySize int
	QueueDBPath  string
	LockFilePath string
}

// New opens the durable stores and builds the pipeline. An unreadable or
// corrupt store is a refusal to start, not a degraded run.
func New(cfg *config.Config, logger *slog.Logger, client objectstore.Client, publisher metrics.Publisher) (*Daemon, error) {
	if cfg == nil || logger == nil {
		return nil, errors.New("daemon requires config and logger")
	}
	if publisher == nil {
		publisher = metrics.NewLogPublisher(logger)
	}
	if client == nil {
		client = objectstore.NewHTTPStore(
			cfg.Store.Endpoint,
			cfg.Store.Bucket,
			time.Duration(cfg.Store.RequestTimeout)*time.Second,
		)
	}

	store, err := queue.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("open queue: %w", err)
	}
	ledger, err := registry.Open(cfg)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("open registry: %w", err)
	}

	d := &Daemon{
		cfg:      cfg,
		logger:   logging.NewComponentLogger(logger, "daemon"),
		store:    store,
		ledger:   ledger,
		metrics:  publisher,
		lockPath: filepath.Join(cfg.Paths.StateDir, "logship.lock"),
	}
	d.lock = flock.New(d.lockPath)

	d.engine = uploader.New(cfg, store, ledger, client, logger, publisher)
	d.deleter = deletion.NewManager(cfg, ledger, logger, publisher)
	d.detector = detector.New(cfg, logger, d.enqueue)
	d.sched = scheduler.New(cfg, logger, scheduler.Hooks{
		Drain:     d.engine.Drain,
		AgeSweep:  d.deleter.RunAgeSweep,
		Deferred:  d.deleter.RunDeferred,
		Emergency: d.deleter.RunEmergency,
		Prune:     d.pruneRegistry,
	})
	return d, nil
}

// Start acquires the instance lock, reconciles crash leftovers, and brings
// the detector and scheduler up. The queue is reconciled before the
// detector's backlog scan so re-detected files hit idempotent enqueues.
func (d *Daemon) Start(ctx context.Context) error {
	if d.running.Load() {
		return errors.New("daemon already running")
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another logship instance is already running")
	}

	reset, err := d.store.ResetInFlight(ctx)
	if err != nil {
		_ = d.lock.Unlock()
		return fmt.Errorf("reconcile in-flight entries: %w", err)
	}
	if reset > 0 {
		d.logger.Info("reset in-flight entries from prior run", logging.Int64("count", reset))
	}

	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	if err := d.detector.Start(runCtx); err != nil {
		cancel()
		_ = d.lock.Unlock()
		return fmt.Errorf("start detector: %w", err)
	}

	d.schedErr = make(chan error, 1)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		err := d.sched.Run(runCtx)
		if err != nil && !errors.Is(err, context.Canceled) {
			d.schedErr <- err
		}
		close(d.schedErr)
	}()

	d.running.Store(true)
	d.logger.Info("logship daemon started",
		logging.String("lock", d.lockPath),
		logging.String("vehicle_id", d.cfg.VehicleID),
	)
	return nil
}

// Stop cancels the scheduler, closes the detector, and waits out a bounded
// grace period for in-flight work.
func (d *Daemon) Stop() {
	if !d.running.Load() {
		return
	}
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	if err := d.detector.Close(); err != nil {
		d.logger.Warn("close detector", logging.Error(err))
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(stopGrace):
		d.logger.Warn("shutdown grace period elapsed with work still in flight")
	}

	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("release daemon lock", logging.Error(err))
	}
	d.running.Store(false)
	d.logger.Info("logship daemon stopped")
}

// Close stops the daemon and releases the durable stores.
func (d *Daemon) Close() error {
	d.Stop()
	var errs []error
	if d.store != nil {
		errs = append(errs, d.store.Close())
	}
	if d.ledger != nil {
		errs = append(errs, d.ledger.Close())
	}
	return errors.Join(errs...)
}

// Err exposes a scheduler failure after Start, if any.
func (d *Daemon) Err() <-chan error {
	return d.schedErr
}

// enqueue is the detector's emit target.
func (d *Daemon) enqueue(req queue.Request) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	inserted, err := d.store.Enqueue(ctx, req)
	if err != nil {
		d.logger.Error("enqueue stable file", logging.String("path", req.Identity.Path), logging.Error(err))
		return
	}
	if !inserted {
		return
	}
	d.metrics.Counter(metrics.FilesEnqueued, 1)
	d.logger.Info("enqueued stable file",
		logging.String("path", req.Identity.Path),
		logging.String("label", req.Label),
		logging.Int64("bytes", req.Identity.Size),
	)
}

// pruneRegistry drops expired ledger records while protecting identities
// still present in the queue.
func (d *Daemon) pruneRegistry(ctx context.Context) error {
	active, err := d.store.ActiveHashes(ctx)
	if err != nil {
		return fmt.Errorf("active hashes: %w", err)
	}
	pruned, err := d.ledger.Prune(ctx, time.Now(), active)
	if err != nil {
		return err
	}
	if pruned > 0 {
		d.logger.Info("pruned expired registry records", logging.Int64("count", pruned))
	}
	size, err := d.ledger.Size(ctx)
	if err == nil {
		d.metrics.Gauge(metrics.RegistrySize, float64(size))
	}
	return nil
}

// Status summarizes runtime state for the status command.
func (d *Daemon) Status(ctx context.Context) (Status, error) {
	health, err := d.store.Health(ctx)
	if err != nil {
		return Status{}, err
	}
	size, err := d.ledger.Size(ctx)
	if err != nil {
		return Status{}, err
	}
	return Status{
		Running:      d.running.Load(),
		Queue:        health,
		RegistrySize: size,
		QueueDBPath:  d.store.Path(),
		LockFilePath: d.lockPath,
	}, nil
}

// ListQueue returns queue entries filtered by optional statuses.
func (d *Daemon) ListQueue(ctx context.Context, statuses []queue.Status) ([]*queue.Entry, error) {
	return d.store.List(ctx, statuses...)
}

// RetryFailed returns permanently failed entries (optionally a subset) to
// pending with a fresh attempt budget.
func (d *Daemon) RetryFailed(ctx context.Context, ids []int64) (int64, error) {
	return d.store.RetryFailed(ctx, ids...)
}

// ClearFailed removes permanently failed entries.
func (d *Daemon) ClearFailed(ctx context.Context) (int64, error) {
	return d.store.ClearFailed(ctx)
}

// ClearQueue removes every queue entry.
func (d *Daemon) ClearQueue(ctx context.Context) (int64, error) {
	return d.store.Clear(ctx)
}

// ResetInFlight returns stuck in-flight entries to pending.
func (d *Daemon) ResetInFlight(ctx context.Context) (int64, error) {
	return d.store.ResetInFlight(ctx)
}

// QueueHealth returns aggregate queue counts.
func (d *Daemon) QueueHealth(ctx context.Context) (queue.HealthSummary, error) {
	return d.store.Health(ctx)
}

// DatabaseHealth returns detailed queue database diagnostics.
func (d *Daemon) DatabaseHealth(ctx context.Context) (queue.DatabaseHealth, error) {
	return d.store.CheckHealth(ctx)
}
