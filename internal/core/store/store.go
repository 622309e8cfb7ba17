package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/predmkts/predmkts/internal/config"
)

const (
	driverLibsql = "libsql"
	driverSQLite = "sqlite"
	driverRedis  = "redis"
	driverNone   = "none"
)

// ErrDisabled is returned by OpenBucketStore when persistence is turned off.
var ErrDisabled = errors.New("bucket store is disabled")

// Store wraps a SQL connection holding bucket snapshots.
type Store struct {
	DB     *sql.DB
	driver string
}

// Open initializes a SQL store using the provided configuration. The libsql
// driver needs cgo; sqlite is the pure-Go fallback for local files.
func Open(ctx context.Context, cfg config.StoreConfig) (*Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" {
		driver = driverLibsql
	}

	if ctx == nil {
		ctx = context.Background()
	}

	var (
		dsn   string
		local bool
		err   error
	)
	switch driver {
	case driverLibsql:
		dsn, local, err = buildLibsqlDSN(cfg)
	case driverSQLite:
		dsn, err = buildSQLiteDSN(cfg)
		local = true
	default:
		return nil, fmt.Errorf("unsupported store driver: %s", driver)
	}
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", driver, err)
	}
	if local {
		// One connection keeps :memory: databases shared and serializes
		// writers on local files.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s store: %w", driver, err)
	}
	if local {
		if err := configureLocal(ctx, db); err != nil {
			_ = db.Close()
			return nil, err
		}
	}

	return &Store{DB: db, driver: driver}, nil
}

// Close releases database resources.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// Driver returns the configured store driver.
func (s *Store) Driver() string {
	if s == nil {
		return ""
	}
	return s.driver
}

// OpenBucketStore opens the backend named by cfg.Driver and prepares it
// for use. SQL stores are migrated before they are returned.
func OpenBucketStore(ctx context.Context, cfg config.StoreConfig) (BucketStore, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case driverNone:
		return nil, ErrDisabled
	case driverRedis:
		return OpenRedis(ctx, cfg)
	}

	s, err := Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func configureLocal(ctx context.Context, db *sql.DB) error {
	// Both pragmas answer with a row, so they are queried rather than executed.
	var mode string
	if err := db.QueryRowContext(ctx, "PRAGMA journal_mode=WAL").Scan(&mode); err != nil {
		return fmt.Errorf("configure store journal: %w", err)
	}
	var timeout int
	if err := db.QueryRowContext(ctx, "PRAGMA busy_timeout=5000").Scan(&timeout); err != nil {
		return fmt.Errorf("configure store busy timeout: %w", err)
	}
	return nil
}

// buildLibsqlDSN returns the DSN and whether it names a local database.
func buildLibsqlDSN(cfg config.StoreConfig) (string, bool, error) {
	if dsn := strings.TrimSpace(cfg.URL); dsn != "" {
		dsn, err := addAuthToken(dsn, cfg.AuthToken)
		return dsn, false, err
	}

	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return "", false, errors.New("store path or url is required")
	}

	if strings.HasPrefix(path, "libsql:") {
		return path, false, nil
	}

	dsn, err := localDSN(path)
	return dsn, true, err
}

func buildSQLiteDSN(cfg config.StoreConfig) (string, error) {
	if strings.TrimSpace(cfg.URL) != "" {
		return "", errors.New("sqlite store does not support url; use path")
	}
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return "", errors.New("store path is required")
	}
	return localDSN(path)
}

func localDSN(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}

	if strings.HasPrefix(path, "file:") {
		localPath, err := extractFilePath(path)
		if err != nil {
			return "", err
		}
		if err := ensureStoreDir(localPath); err != nil {
			return "", err
		}
		return path, nil
	}

	if err := ensureStoreDir(path); err != nil {
		return "", err
	}
	return "file:" + filepath.Clean(path), nil
}

func addAuthToken(dsn string, token string) (string, error) {
	if strings.TrimSpace(token) == "" {
		return dsn, nil
	}

	parsed, err := url.Parse(dsn)
	if err != nil {
		return "", fmt.Errorf("invalid store url: %w", err)
	}

	query := parsed.Query()
	if query.Get("authToken") == "" {
		query.Set("authToken", token)
		parsed.RawQuery = query.Encode()
	}

	return parsed.String(), nil
}

func extractFilePath(dsn string) (string, error) {
	parsed, err := url.Parse(dsn)
	if err != nil {
		return "", fmt.Errorf("invalid store path: %w", err)
	}

	if parsed.Path != "" {
		return strings.TrimPrefix(parsed.Path, "//"), nil
	}

	return strings.TrimPrefix(parsed.Opaque, "//"), nil
}

func ensureStoreDir(path string) error {
	if strings.TrimSpace(path) == "" || path == ":memory:" {
		return nil
	}

	dir := filepath.Dir(filepath.Clean(path))
	if dir == "." || dir == string(filepath.Separator) {
		return nil
	}

	// #nosec G301 -- data directories use 0755 for multi-user access compatibility
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create store directory: %w", err)
	}
	return nil
}
