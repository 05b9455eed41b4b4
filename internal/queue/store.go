package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"logship/internal/config"
	"logship/internal/identity"
)

// Store manages queue persistence backed by SQLite.
type Store struct {
	db   *sql.DB
	path string
}

// Open initializes or connects to the queue database and applies migrations.
func Open(cfg *config.Config) (*Store, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("ensure directories: %w", err)
	}
	return OpenPath(filepath.Join(cfg.Paths.StateDir, "queue.db"))
}

// OpenPath opens the queue database at an explicit location.
func OpenPath(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	store := &Store{db: db, path: dbPath}
	if err := store.applyMigrations(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Path returns the database file location.
func (s *Store) Path() string {
	return s.path
}

// Enqueue inserts a new pending entry for the request's identity. It is
// idempotent: an identity already present in any status is left untouched
// and Enqueue reports false.
func (s *Store) Enqueue(ctx context.Context, req Request) (bool, error) {
	if req.Identity.Path == "" {
		return false, errors.New("enqueue requires an identity path")
	}
	now := time.Now().UTC()
	timestamp := now.Format(time.RFC3339Nano)

	res, err := s.db.ExecContext(
		ctx,
		`INSERT INTO upload_queue (
            identity_hash, path, size_bytes, mod_time, label, root,
            status, attempt_count, enqueued_at, updated_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
        ON CONFLICT (identity_hash) DO NOTHING`,
		req.Identity.Hash(),
		req.Identity.Path,
		req.Identity.Size,
		req.Identity.ModTime.UTC().Format(time.RFC3339Nano),
		req.Label,
		req.Root,
		StatusPending,
		timestamp,
		timestamp,
	)
	if err != nil {
		return false, fmt.Errorf("enqueue: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}

// DequeueBatch returns up to n pending entries whose retry backoff has
// elapsed, oldest first, and marks them in-flight in the same transaction.
func (s *Store) DequeueBatch(ctx context.Context, n int) ([]*Entry, error) {
	if n <= 0 {
		return nil, nil
	}
	now := time.Now().UTC()
	timestamp := now.Format(time.RFC3339Nano)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin dequeue tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	rows, err := tx.QueryContext(
		ctx,
		`SELECT `+entryColumns+` FROM upload_queue
         WHERE status = ? AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
         ORDER BY enqueued_at, id LIMIT ?`,
		StatusPending,
		timestamp,
		n,
	)
	if err != nil {
		return nil, fmt.Errorf("select pending: %w", err)
	}
	entries, err := collectEntries(rows)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, tx.Commit()
	}

	for _, entry := range entries {
		if _, err := tx.ExecContext(
			ctx,
			`UPDATE upload_queue SET status = ?, updated_at = ? WHERE id = ?`,
			StatusInFlight,
			timestamp,
			entry.ID,
		); err != nil {
			return nil, fmt.Errorf("mark in-flight: %w", err)
		}
		entry.Status = StatusInFlight
		entry.UpdatedAt = now
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit dequeue: %w", err)
	}
	return entries, nil
}

// Complete removes an entry after its upload has been confirmed (or after
// the identity it describes no longer exists on disk).
func (s *Store) Complete(ctx context.Context, identityHash string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM upload_queue WHERE identity_hash = ?`, identityHash)
	if err != nil {
		return fmt.Errorf("complete entry: %w", err)
	}
	return nil
}

// Fail records a failed attempt. Transient failures return the entry to
// pending with a retry backoff; a permanent classification, or exhausting
// maxAttempts, parks it as permanently failed for operator attention.
func (s *Store) Fail(ctx context.Context, identityHash, errorKind string, retryAfter time.Duration, permanent bool, maxAttempts int) (Status, error) {
	now := time.Now().UTC()
	timestamp := now.Format(time.RFC3339Nano)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin fail tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var attempts int
	row := tx.QueryRowContext(ctx, `SELECT attempt_count FROM upload_queue WHERE identity_hash = ?`, identityHash)
	if err := row.Scan(&attempts); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("fail: entry %s not found", identityHash)
		}
		return "", fmt.Errorf("fail: scan attempts: %w", err)
	}
	attempts++

	status := StatusPending
	var nextAttempt any
	if permanent || attempts >= maxAttempts {
		status = StatusPermanentlyFailed
	} else {
		nextAttempt = now.Add(retryAfter).Format(time.RFC3339Nano)
	}

	if _, err := tx.ExecContext(
		ctx,
		`UPDATE upload_queue
         SET status = ?, attempt_count = ?, last_error_kind = ?, last_error_at = ?,
             next_attempt_at = ?, updated_at = ?
         WHERE identity_hash = ?`,
		status,
		attempts,
		errorKind,
		timestamp,
		nextAttempt,
		timestamp,
		identityHash,
	); err != nil {
		return "", fmt.Errorf("fail entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit fail: %w", err)
	}
	return status, nil
}

// Release returns a single in-flight entry to pending without charging an
// attempt, for entries dequeued but never tried.
func (s *Store) Release(ctx context.Context, identityHash string) error {
	_, err := s.db.ExecContext(
		ctx,
		`UPDATE upload_queue SET status = ?, updated_at = ?
         WHERE identity_hash = ? AND status = ?`,
		StatusPending,
		time.Now().UTC().Format(time.RFC3339Nano),
		identityHash,
		StatusInFlight,
	)
	if err != nil {
		return fmt.Errorf("release entry: %w", err)
	}
	return nil
}

// ResetInFlight returns entries left in-flight by a prior crash to pending.
// Completion status of those uploads is unknown; re-attempting is safe
// because the remote key is deterministic.
func (s *Store) ResetInFlight(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE upload_queue SET status = ?, next_attempt_at = NULL, updated_at = ?
         WHERE status = ?`,
		StatusPending,
		time.Now().UTC().Format(time.RFC3339Nano),
		StatusInFlight,
	)
	if err != nil {
		return 0, fmt.Errorf("reset in-flight: %w", err)
	}
	return res.RowsAffected()
}

// RetryFailed moves permanently failed entries (optionally a subset by id)
// back to pending with a fresh attempt budget.
func (s *Store) RetryFailed(ctx context.Context, ids ...int64) (int64, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	if len(ids) == 0 {
		res, err := s.db.ExecContext(
			ctx,
			`UPDATE upload_queue
             SET status = ?, attempt_count = 0, next_attempt_at = NULL, updated_at = ?
             WHERE status = ?`,
			StatusPending,
			now,
			StatusPermanentlyFailed,
		)
		if err != nil {
			return 0, fmt.Errorf("retry failed entries: %w", err)
		}
		return res.RowsAffected()
	}

	placeholders := makePlaceholders(len(ids))
	args := make([]any, 0, len(ids)+2)
	args = append(args, StatusPending, now)
	for _, id := range ids {
		args = append(args, id)
	}
	query := `UPDATE upload_queue
        SET status = ?, attempt_count = 0, next_attempt_at = NULL, updated_at = ?
        WHERE id IN (` + placeholders + `) AND status = '` + string(StatusPermanentlyFailed) + `'`
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("retry selected entries: %w", err)
	}
	return res.RowsAffected()
}

// List returns queue entries filtered by status set (or all entries when no
// status is provided), oldest first.
func (s *Store) List(ctx context.Context, statuses ...Status) ([]*Entry, error) {
	baseQuery := `SELECT ` + entryColumns + ` FROM upload_queue`
	orderClause := ` ORDER BY enqueued_at, id`

	var (
		rows *sql.Rows
		err  error
	)
	if len(statuses) == 0 {
		rows, err = s.db.QueryContext(ctx, baseQuery+orderClause)
	} else {
		placeholders := makePlaceholders(len(statuses))
		args := make([]any, len(statuses))
		for i, status := range statuses {
			args[i] = status
		}
		rows, err = s.db.QueryContext(ctx, baseQuery+` WHERE status IN (`+placeholders+`)`+orderClause, args...)
	}
	if err != nil {
		return nil, fmt.Errorf("list queue entries: %w", err)
	}
	return collectEntries(rows)
}

// GetByHash fetches a queue entry by identity hash.
func (s *Store) GetByHash(ctx context.Context, identityHash string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM upload_queue WHERE identity_hash = ?`, identityHash)
	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get entry: %w", err)
	}
	return entry, nil
}

// ActiveHashes returns the identity hashes of all entries still in the
// queue, used to protect matching registry records from pruning.
func (s *Store) ActiveHashes(ctx context.Context) (map[string]struct{}, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT identity_hash FROM upload_queue`)
	if err != nil {
		return nil, fmt.Errorf("active hashes: %w", err)
	}
	defer rows.Close()

	hashes := make(map[string]struct{})
	for rows.Next() {
		var hash string
		if err := rows.Scan(&hash); err != nil {
			return nil, err
		}
		hashes[hash] = struct{}{}
	}
	return hashes, rows.Err()
}

// Stats returns a count of entries grouped by status.
func (s *Store) Stats(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(1) FROM upload_queue GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[Status]int)
	for rows.Next() {
		var status Status
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats[status] = count
	}
	return stats, rows.Err()
}

// Health aggregates queue state for diagnostic output.
func (s *Store) Health(ctx context.Context) (HealthSummary, error) {
	stats, err := s.Stats(ctx)
	if err != nil {
		return HealthSummary{}, err
	}
	health := HealthSummary{}
	for status, count := range stats {
		health.Total += count
		switch status {
		case StatusPending:
			health.Pending += count
		case StatusInFlight:
			health.InFlight += count
		case StatusPermanentlyFailed:
			health.Failed += count
		}
	}
	return health, nil
}

// Depth returns the number of entries still awaiting upload.
func (s *Store) Depth(ctx context.Context) (int, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT COUNT(1) FROM upload_queue WHERE status IN (?, ?)`,
		StatusPending,
		StatusInFlight,
	)
	var depth int
	if err := row.Scan(&depth); err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return depth, nil
}

// ClearFailed removes only permanently failed entries from the queue.
func (s *Store) ClearFailed(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM upload_queue WHERE status = ?`, StatusPermanentlyFailed)
	if err != nil {
		return 0, fmt.Errorf("clear failed: %w", err)
	}
	return res.RowsAffected()
}

// Clear removes all entries from the queue.
func (s *Store) Clear(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM upload_queue`)
	if err != nil {
		return 0, fmt.Errorf("clear queue: %w", err)
	}
	return res.RowsAffected()
}

// CheckHealth returns diagnostic information about the queue database.
func (s *Store) CheckHealth(ctx context.Context) (DatabaseHealth, error) {
	health := DatabaseHealth{DBPath: s.path}

	if s.path == "" {
		return health, errors.New("queue database path is unknown")
	}

	info, err := os.Stat(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			health.DatabaseExists = false
			return health, nil
		}
		return health, fmt.Errorf("stat queue database: %w", err)
	}
	if info.IsDir() {
		return health, fmt.Errorf("queue database path %q is a directory", s.path)
	}
	health.DatabaseExists = true

	if s.db == nil {
		return health, errors.New("queue database connection unavailable")
	}

	connCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := s.db.PingContext(connCtx); err != nil {
		health.Error = err.Error()
		return health, fmt.Errorf("ping queue database: %w", err)
	}
	health.DatabaseReadable = true

	var tableName string
	row := s.db.QueryRowContext(connCtx, "SELECT name FROM sqlite_master WHERE type = 'table' AND name = 'upload_queue'")
	if err := row.Scan(&tableName); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			health.TableExists = false
		} else {
			health.Error = err.Error()
			return health, fmt.Errorf("query table info: %w", err)
		}
	} else {
		health.TableExists = true
	}

	if health.TableExists {
		row = s.db.QueryRowContext(connCtx, "SELECT COUNT(*) FROM upload_queue")
		if err := row.Scan(&health.TotalEntries); err != nil {
			health.Error = err.Error()
			return health, fmt.Errorf("count queue entries: %w", err)
		}
	}

	row = s.db.QueryRowContext(connCtx, "PRAGMA integrity_check")
	var integrityResult string
	if err := row.Scan(&integrityResult); err != nil {
		health.Error = err.Error()
		return health, fmt.Errorf("integrity check: %w", err)
	}
	health.IntegrityCheck = strings.EqualFold(integrityResult, "ok")

	return health, nil
}

const entryColumns = "id, identity_hash, path, size_bytes, mod_time, label, root, status, attempt_count, last_error_kind, last_error_at, next_attempt_at, enqueued_at, updated_at"

func collectEntries(rows *sql.Rows) ([]*Entry, error) {
	defer rows.Close()
	var entries []*Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func scanEntry(scanner interface{ Scan(dest ...any) error }) (*Entry, error) {
	var (
		id            int64
		identityHash  string
		path          string
		sizeBytes     int64
		modTimeRaw    string
		label         string
		root          string
		statusStr     string
		attemptCount  int
		lastErrorKind sql.NullString
		lastErrorRaw  sql.NullString
		nextAttempt   sql.NullString
		enqueuedRaw   string
		updatedRaw    string
	)

	if err := scanner.Scan(
		&id,
		&identityHash,
		&path,
		&sizeBytes,
		&modTimeRaw,
		&label,
		&root,
		&statusStr,
		&attemptCount,
		&lastErrorKind,
		&lastErrorRaw,
		&nextAttempt,
		&enqueuedRaw,
		&updatedRaw,
	); err != nil {
		return nil, err
	}

	entry := &Entry{
		ID:            id,
		IdentityHash:  identityHash,
		Label:         label,
		Root:          root,
		Status:        Status(statusStr),
		AttemptCount:  attemptCount,
		LastErrorKind: lastErrorKind.String,
	}

	modTime, err := parseTimeString(modTimeRaw)
	if err != nil {
		return nil, fmt.Errorf("parse mod_time %q: %w", modTimeRaw, err)
	}
	entry.Identity = identity.Identity{Path: path, Size: sizeBytes, ModTime: modTime}

	if lastErrorRaw.Valid {
		if at, err := parseTimeString(lastErrorRaw.String); err == nil {
			entry.LastErrorAt = &at
		}
	}
	if nextAttempt.Valid {
		if at, err := parseTimeString(nextAttempt.String); err == nil {
			entry.NextAttemptAt = &at
		}
	}
	if enqueued, err := parseTimeString(enqueuedRaw); err == nil {
		entry.EnqueuedAt = enqueued
	}
	if updated, err := parseTimeString(updatedRaw); err == nil {
		entry.UpdatedAt = updated
	}
	return entry, nil
}

func parseTimeString(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, errors.New("empty")
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02 15:04:05", value)
}

func makePlaceholders(count int) string {
	if count <= 0 {
		return ""
	}
	placeholders := make([]byte, 0, count*2)
	for i := 0; i < count; i++ {
		if i > 0 {
			placeholders = append(placeholders, ',')
		}
		placeholders = append(placeholders, '?')
	}
	return string(placeholders)
}
