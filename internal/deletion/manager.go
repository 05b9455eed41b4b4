package deletion

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"logship/internal/config"
	"logship/internal/identity"
	"logship/internal/logging"
	"logship/internal/metrics"
	"logship/internal/registry"
)

// Manager evaluates and executes the three deletion policies. Every
// ambiguity (stat failure, unknown upload state, probe error) resolves to
// keeping the file.
type Manager struct {
	cfg     *config.Config
	ledger  *registry.Store
	prober  DiskProber
	logger  *slog.Logger
	metrics metrics.Publisher
	now     func() time.Time
}

// Option customizes a Manager.
type Option func(*Manager)

// WithNow overrides the clock used for age and keep-period comparisons.
func WithNow(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// WithProber overrides the disk usage probe.
func WithProber(prober DiskProber) Option {
	return func(m *Manager) {
		m.prober = prober
	}
}

// NewManager constructs a deletion manager.
func NewManager(cfg *config.Config, ledger *registry.Store, logger *slog.Logger, publisher metrics.Publisher, opts ...Option) *Manager {
	if publisher == nil {
		publisher = metrics.NewNop()
	}
	m := &Manager{
		cfg:     cfg,
		ledger:  ledger,
		prober:  StatfsProber{},
		logger:  logging.NewComponentLogger(logger, "deletion"),
		metrics: publisher,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RunDeferred removes eligible files whose upload was confirmed at least
// keep_days ago. Files without a registry record for their current
// identity are kept: either they were never uploaded, or they changed
// since, and both cases mean the local copy is still the only one.
func (m *Manager) RunDeferred(ctx context.Context) (int, error) {
	policy := m.cfg.Deletion.AfterUpload
	if !policy.Enabled {
		return 0, nil
	}
	keep := time.Duration(policy.KeepDays) * 24 * time.Hour
	now := m.now()

	deleted := 0
	for _, rule := range m.cfg.Watches {
		m.walkRule(rule, func(path string, info os.FileInfo) {
			id := identity.FromFileInfo(path, info)
			record, err := m.ledger.Lookup(ctx, id)
			if err != nil {
				m.logger.Warn("upload status unknown; keeping file", logging.String("path", path), logging.Error(err))
				return
			}
			if record == nil {
				return
			}
			if now.Sub(record.UploadedAt) < keep {
				return
			}
			if m.remove(path, rule, "deferred") {
				deleted++
			}
		})
	}
	return deleted, nil
}

// RunAgeSweep removes eligible files at or beyond the age ceiling,
// uploaded or not. A file aged exactly max_age_days is removed.
func (m *Manager) RunAgeSweep(ctx context.Context) (int, error) {
	policy := m.cfg.Deletion.AgeBased
	if !policy.Enabled {
		return 0, nil
	}
	ceiling := time.Duration(policy.MaxAgeDays) * 24 * time.Hour
	cutoff := m.now().Add(-ceiling)

	deleted := 0
	for _, rule := range m.cfg.Watches {
		if err := ctx.Err(); err != nil {
			return deleted, err
		}
		m.walkRule(rule, func(path string, info os.FileInfo) {
			if info.ModTime().After(cutoff) {
				return
			}
			if m.remove(path, rule, "age") {
				deleted++
			}
		})
	}
	return deleted, nil
}

// RunEmergency checks live disk usage against the critical threshold and,
// when crossed, removes the oldest already-uploaded eligible files until
// usage falls below the warning threshold. Files never confirmed uploaded
// are untouchable no matter the pressure.
func (m *Manager) RunEmergency(ctx context.Context) (int, error) {
	policy := m.cfg.Deletion.Emergency
	if !policy.Enabled {
		return 0, nil
	}

	deleted := 0
	for _, rule := range m.cfg.Watches {
		usage, err := m.prober.UsagePercent(rule.Root)
		if err != nil {
			m.logger.Warn("disk usage unknown; skipping emergency pass", logging.String("root", rule.Root), logging.Error(err))
			continue
		}
		m.metrics.Gauge(metrics.DiskUsagePercent, usage, metrics.Label{Key: "root", Value: rule.Root})
		if usage < policy.CriticalPercent {
			continue
		}
		m.logger.Warn("disk usage critical; starting emergency cleanup",
			logging.String("root", rule.Root),
			logging.Float64("usage_percent", usage),
		)

		records, err := m.ledger.UploadedUnder(ctx, rule.Root)
		if err != nil {
			m.logger.Warn("cannot list uploaded files; keeping everything", logging.String("root", rule.Root), logging.Error(err))
			continue
		}
		for _, record := range records {
			if err := ctx.Err(); err != nil {
				return deleted, err
			}
			if !m.confirmCurrent(record) {
				continue
			}
			if !m.remove(record.Identity.Path, rule, "emergency") {
				continue
			}
			deleted++

			usage, err = m.prober.UsagePercent(rule.Root)
			if err != nil {
				m.logger.Warn("disk usage unknown; stopping emergency pass", logging.Error(err))
				break
			}
			if usage < policy.WarningPercent {
				break
			}
		}
	}
	return deleted, nil
}

// confirmCurrent re-stats the recorded path and verifies the file on disk
// is still the identity the registry confirmed. A changed file was never
// uploaded in its current form.
func (m *Manager) confirmCurrent(record *registry.Record) bool {
	info, err := os.Lstat(record.Identity.Path)
	if err != nil {
		return false
	}
	if !info.Mode().IsRegular() {
		return false
	}
	return identity.FromFileInfo(record.Identity.Path, info).Equal(record.Identity)
}

// walkRule visits every regular file the rule covers and that passes all
// four gates.
func (m *Manager) walkRule(rule config.WatchRule, visit func(path string, info os.FileInfo)) {
	err := filepath.WalkDir(rule.Root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				m.logger.Warn("deletion walk", logging.String("path", path), logging.Error(err))
			}
			return nil
		}
		if entry.IsDir() {
			if path != rule.Root && !rule.Recursive {
				return filepath.SkipDir
			}
			return nil
		}
		if !entry.Type().IsRegular() {
			return nil
		}
		if ok, _ := Eligible(path, rule); !ok {
			return nil
		}
		info, statErr := entry.Info()
		if statErr != nil {
			return nil
		}
		visit(path, info)
		return nil
	})
	if err != nil {
		m.logger.Warn("deletion walk root", logging.String("root", rule.Root), logging.Error(err))
	}
}

// remove deletes one file after a final gate evaluation.
func (m *Manager) remove(path string, rule config.WatchRule, policy string) bool {
	ok, reason := Eligible(path, rule)
	if !ok {
		m.logger.Debug("deletion vetoed", logging.String("path", path), logging.String("reason", reason))
		return false
	}
	if err := os.Remove(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false
		}
		m.logger.Warn("remove file", logging.String("path", path), logging.Error(err))
		return false
	}
	m.metrics.Counter(metrics.FilesDeleted, 1, metrics.Label{Key: "policy", Value: policy})
	m.logger.Info("deleted local file", logging.String("path", path), logging.String("policy", policy))
	return true
}
