// Package registry persists the processed-file ledger that provides the
// at-most-one-logical-upload guarantee across restarts. Records are keyed
// by the exact identity triple; a file rewritten at the same path is a new
// identity and is not suppressed.
package registry

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"logship/internal/config"
	"logship/internal/identity"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Record describes one confirmed upload.
type Record struct {
	IdentityHash string
	Identity     identity.Identity
	UploadedAt   time.Time
	ExpiresAt    time.Time
}

// Store manages registry persistence backed by SQLite.
type Store struct {
	db   *sql.DB
	path string
}

// Open initializes or connects to the registry database.
func Open(cfg *config.Config) (*Store, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("ensure directories: %w", err)
	}
	return OpenPath(filepath.Join(cfg.Paths.StateDir, "registry.db"))
}

// OpenPath opens the registry database at an explicit location.
func OpenPath(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
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

// Record inserts or refreshes the ledger entry for id. ExpiresAt is
// uploadedAt plus the configured retention.
func (s *Store) Record(ctx context.Context, id identity.Identity, uploadedAt time.Time, retention time.Duration) error {
	uploadedAt = uploadedAt.UTC()
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO processed_files (identity_hash, path, size_bytes, mod_time, uploaded_at, expires_at)
         VALUES (?, ?, ?, ?, ?, ?)
         ON CONFLICT (identity_hash) DO UPDATE SET
            uploaded_at = excluded.uploaded_at,
            expires_at = excluded.expires_at`,
		id.Hash(),
		id.Path,
		id.Size,
		id.ModTime.UTC().Format(time.RFC3339Nano),
		uploadedAt.Format(time.RFC3339Nano),
		uploadedAt.Add(retention).Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("record upload: %w", err)
	}
	return nil
}

// Lookup returns the record for id, if present.
func (s *Store) Lookup(ctx context.Context, id identity.Identity) (*Record, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT identity_hash, path, size_bytes, mod_time, uploaded_at, expires_at
         FROM processed_files WHERE identity_hash = ?`,
		id.Hash(),
	)
	record, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup record: %w", err)
	}
	return record, nil
}

// ShouldSkip reports whether a non-expired record exists for this exact
// identity, meaning the upload engine must not upload it again.
func (s *Store) ShouldSkip(ctx context.Context, id identity.Identity, now time.Time) (bool, error) {
	record, err := s.Lookup(ctx, id)
	if err != nil {
		return false, err
	}
	if record == nil {
		return false, nil
	}
	return record.ExpiresAt.After(now.UTC()), nil
}

// Prune removes expired records, except those whose identity hash is still
// present in the queue (preserve). Returns the number removed.
func (s *Store) Prune(ctx context.Context, now time.Time, preserve map[string]struct{}) (int64, error) {
	cutoff := now.UTC().Format(time.RFC3339Nano)
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT identity_hash FROM processed_files WHERE expires_at <= ?`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("select expired: %w", err)
	}
	var expired []string
	for rows.Next() {
		var hash string
		if err := rows.Scan(&hash); err != nil {
			rows.Close()
			return 0, err
		}
		if _, keep := preserve[hash]; !keep {
			expired = append(expired, hash)
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, err
	}
	rows.Close()

	if len(expired) == 0 {
		return 0, nil
	}

	placeholders := make([]string, len(expired))
	args := make([]any, len(expired))
	for i, hash := range expired {
		placeholders[i] = "?"
		args[i] = hash
	}
	res, err := s.db.ExecContext(
		ctx,
		`DELETE FROM processed_files WHERE identity_hash IN (`+strings.Join(placeholders, ",")+`)`,
		args...,
	)
	if err != nil {
		return 0, fmt.Errorf("prune records: %w", err)
	}
	return res.RowsAffected()
}

// Size returns the number of records in the ledger.
func (s *Store) Size(ctx context.Context) (int, error) {
	row := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM processed_files`)
	var count int
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("registry size: %w", err)
	}
	return count, nil
}

// UploadedUnder returns records whose file path sits under root, oldest
// modification time first. The deletion manager uses this for emergency
// cleanup ordering.
func (s *Store) UploadedUnder(ctx context.Context, root string) ([]*Record, error) {
	prefix := strings.TrimRight(root, string(filepath.Separator)) + string(filepath.Separator)
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT identity_hash, path, size_bytes, mod_time, uploaded_at, expires_at
         FROM processed_files WHERE path LIKE ? ESCAPE '\'`,
		likeEscape(prefix)+"%",
	)
	if err != nil {
		return nil, fmt.Errorf("uploaded under: %w", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].Identity.ModTime.Before(records[j].Identity.ModTime)
	})
	return records, nil
}

func likeEscape(value string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return replacer.Replace(value)
}

func scanRecord(scanner interface{ Scan(dest ...any) error }) (*Record, error) {
	var (
		hash        string
		path        string
		sizeBytes   int64
		modTimeRaw  string
		uploadedRaw string
		expiresRaw  string
	)
	if err := scanner.Scan(&hash, &path, &sizeBytes, &modTimeRaw, &uploadedRaw, &expiresRaw); err != nil {
		return nil, err
	}

	modTime, err := time.Parse(time.RFC3339Nano, modTimeRaw)
	if err != nil {
		return nil, fmt.Errorf("parse mod_time %q: %w", modTimeRaw, err)
	}
	uploadedAt, err := time.Parse(time.RFC3339Nano, uploadedRaw)
	if err != nil {
		return nil, fmt.Errorf("parse uploaded_at %q: %w", uploadedRaw, err)
	}
	expiresAt, err := time.Parse(time.RFC3339Nano, expiresRaw)
	if err != nil {
		return nil, fmt.Errorf("parse expires_at %q: %w", expiresRaw, err)
	}

	return &Record{
		IdentityHash: hash,
		Identity:     identity.Identity{Path: path, Size: sizeBytes, ModTime: modTime},
		UploadedAt:   uploadedAt,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Store) applyMigrations(ctx context.Context) error {
	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS schema_migrations (version TEXT PRIMARY KEY)"); err != nil {
		return fmt.Errorf("ensure schema_migrations: %w", err)
	}
	for _, name := range names {
		version := strings.TrimSuffix(name, ".sql")
		var count int
		row := tx.QueryRowContext(ctx, "SELECT COUNT(1) FROM schema_migrations WHERE version = ?", version)
		if err := row.Scan(&count); err != nil {
			return fmt.Errorf("scan migration version: %w", err)
		}
		if count > 0 {
			continue
		}
		data, err := migrationFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err := tx.ExecContext(ctx, string(data)); err != nil {
			return fmt.Errorf("apply migration %s: %w", version, err)
		}
		if _, err := tx.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES (?)", version); err != nil {
			return fmt.Errorf("record migration %s: %w", version, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migrations: %w", err)
	}
	return nil
}
