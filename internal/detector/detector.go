// Package detector watches configured log roots, waits for files to go
// quiet, and hands stable identities to the enqueue path. A file is stable
// once its modification time has not advanced for the configured window.
package detector

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"logship/internal/config"
	"logship/internal/fileutil"
	"logship/internal/identity"
	"logship/internal/logging"
	"logship/internal/queue"
)

// EmitFunc receives stable files as enqueue requests.
type EmitFunc func(queue.Request)

// Option customizes a Detector.
type Option func(*Detector)

// WithStableWindow overrides the configured quiet period.
func WithStableWindow(d time.Duration) Option {
	return func(det *Detector) {
		det.window = d
	}
}

// WithNow overrides the clock used for age comparisons.
func WithNow(now func() time.Time) Option {
	return func(det *Detector) {
		det.now = now
	}
}

// Detector debounces filesystem events into stability decisions.
type Detector struct {
	cfg    *config.Config
	logger *slog.Logger
	emit   EmitFunc
	window time.Duration
	now    func() time.Time

	watcher *fsnotify.Watcher
	wg      sync.WaitGroup

	mu     sync.Mutex
	timers map[string]*time.Timer
	closed bool
}

// New constructs a detector. emit is invoked from timer goroutines and must
// be safe for concurrent use.
func New(cfg *config.Config, logger *slog.Logger, emit EmitFunc, opts ...Option) *Detector {
	det := &Detector{
		cfg:    cfg,
		logger: logging.NewComponentLogger(logger, "detector"),
		emit:   emit,
		window: cfg.StableWindow(),
		now:    time.Now,
		timers: make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		opt(det)
	}
	return det
}

// Start registers watches for every configured root, scans the backlog, and
// begins processing events until ctx is cancelled.
func (d *Detector) Start(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	d.watcher = watcher

	for _, rule := range d.cfg.Watches {
		if err := d.watchRoot(rule); err != nil {
			_ = watcher.Close()
			return err
		}
	}

	// Events arriving while the backlog scan runs are buffered by the
	// watcher, so files landing mid-scan are seen either way.
	d.ScanBacklog()

	d.wg.Add(1)
	go d.loop(ctx)
	return nil
}

// Close stops event processing and cancels any timers still pending.
func (d *Detector) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	for path, timer := range d.timers {
		timer.Stop()
		delete(d.timers, path)
	}
	d.mu.Unlock()

	var err error
	if d.watcher != nil {
		err = d.watcher.Close()
	}
	d.wg.Wait()
	return err
}

func (d *Detector) watchRoot(rule config.WatchRule) error {
	if err := d.watcher.Add(rule.Root); err != nil {
		return fmt.Errorf("watch %s: %w", rule.Root, err)
	}
	if !rule.Recursive {
		return nil
	}
	return filepath.WalkDir(rule.Root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			d.logger.Warn("walk watch root", logging.String("path", path), logging.Error(err))
			return nil
		}
		if entry.IsDir() && path != rule.Root {
			if addErr := d.watcher.Add(path); addErr != nil {
				d.logger.Warn("watch subdirectory", logging.String("path", path), logging.Error(addErr))
			}
		}
		return nil
	})
}

// ScanBacklog emits files that are already stable and schedules timers for
// files still inside the quiet window. Files older than the backlog window
// are left alone; an age exactly at the boundary is still included.
func (d *Detector) ScanBacklog() {
	now := d.now()
	cutoff := now.Add(-d.cfg.BacklogWindow())

	for _, rule := range d.cfg.Watches {
		rule := rule
		err := filepath.WalkDir(rule.Root, func(path string, entry fs.DirEntry, err error) error {
			if err != nil {
				d.logger.Warn("backlog scan", logging.String("path", path), logging.Error(err))
				return nil
			}
			if entry.IsDir() {
				if path != rule.Root && !rule.Recursive {
					return filepath.SkipDir
				}
				return nil
			}
			if !d.eligible(path, rule) {
				return nil
			}
			info, statErr := entry.Info()
			if statErr != nil {
				return nil
			}
			if info.ModTime().Before(cutoff) {
				return nil
			}
			if now.Sub(info.ModTime()) < d.window {
				d.schedule(path, rule)
				return nil
			}
			d.emitStable(path, info, rule)
			return nil
		})
		if err != nil {
			d.logger.Warn("backlog scan root", logging.String("root", rule.Root), logging.Error(err))
		}
	}
}

func (d *Detector) loop(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			d.handleEvent(event)
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.logger.Warn("watcher error", logging.Error(err))
		}
	}
}

func (d *Detector) handleEvent(event fsnotify.Event) {
	path := filepath.Clean(event.Name)
	rule, ok := d.cfg.RuleForPath(path)
	if !ok {
		return
	}

	if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
		d.cancel(path)
		return
	}
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		return
	}

	info, err := os.Lstat(path)
	if err != nil {
		return
	}
	if info.IsDir() {
		if event.Has(fsnotify.Create) && rule.Recursive {
			d.watchNewDir(path, rule)
		}
		return
	}
	if !d.eligible(path, rule) {
		return
	}
	d.schedule(path, rule)
}

// watchNewDir registers a directory created after startup and sweeps files
// written into it before the watch took effect.
func (d *Detector) watchNewDir(dir string, rule config.WatchRule) {
	if err := d.watcher.Add(dir); err != nil {
		d.logger.Warn("watch new directory", logging.String("path", dir), logging.Error(err))
		return
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		path := filepath.Join(dir, entry.Name())
		if entry.IsDir() {
			d.watchNewDir(path, rule)
			continue
		}
		if d.eligible(path, rule) {
			d.schedule(path, rule)
		}
	}
}

// eligible applies the rule's shape constraints: a regular file, directly
// in the root for non-recursive rules, matching the glob.
func (d *Detector) eligible(path string, rule config.WatchRule) bool {
	regular, err := fileutil.IsRegularFile(path)
	if err != nil || !regular {
		return false
	}
	if !rule.Recursive && !fileutil.DirectlyIn(rule.Root, path) {
		return false
	}
	return rule.Matches(filepath.Base(path))
}

// schedule arms (or re-arms) the quiet-window timer for path. Every write
// observed before the timer fires pushes stability out again.
func (d *Detector) schedule(path string, rule config.WatchRule) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	if timer, ok := d.timers[path]; ok {
		timer.Reset(d.window)
		return
	}
	d.timers[path] = time.AfterFunc(d.window, func() {
		d.onQuiet(path, rule)
	})
}

func (d *Detector) cancel(path string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if timer, ok := d.timers[path]; ok {
		timer.Stop()
		delete(d.timers, path)
	}
}

// onQuiet runs when a path's timer fires. The file is re-stated before
// emitting: the timer going off proves no event arrived, not that the file
// held still.
func (d *Detector) onQuiet(path string, rule config.WatchRule) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	delete(d.timers, path)
	d.mu.Unlock()

	info, err := os.Lstat(path)
	if errors.Is(err, os.ErrNotExist) {
		return
	}
	if err != nil {
		d.logger.Warn("stat quiet file", logging.String("path", path), logging.Error(err))
		return
	}
	if !info.Mode().IsRegular() {
		return
	}
	if d.now().Sub(info.ModTime()) < d.window {
		d.schedule(path, rule)
		return
	}
	d.emitStable(path, info, rule)
}

func (d *Detector) emitStable(path string, info os.FileInfo, rule config.WatchRule) {
	id := identity.FromFileInfo(path, info)
	d.logger.Debug("file stable",
		logging.String("path", path),
		logging.String("label", rule.Label),
		logging.Int64("bytes", id.Size),
	)
	d.emit(queue.Request{Identity: id, Label: rule.Label, Root: rule.Root})
}
