package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	apperrors "github.com/lazypower/memgraph/internal/errors"
)

// DB is the graph database: the sole owner of durable node and edge state.
// Reads run concurrently; every mutation goes through withTx, which
// serializes writers so a batch is atomic relative to other batches.
type DB struct {
	*sqlx.DB
	Path string

	writeMu sync.Mutex
	log     *zap.Logger
}

// DefaultDBPath returns the default database path: ~/.memgraph/memgraph.db
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, ".memgraph", "memgraph.db"), nil
}

// Option configures a DB at open time.
type Option func(*DB)

// WithLogger sets the store logger.
func WithLogger(l *zap.Logger) Option {
	return func(db *DB) {
		if l != nil {
			db.log = l.Named("store")
		}
	}
}

// Open opens (or creates) the SQLite database at the given path,
// configures pragmas, and runs migrations.
func Open(path string, opts ...Option) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, apperrors.Storage("open", fmt.Errorf("create db dir: %w", err))
	}

	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, apperrors.Storage("open", fmt.Errorf("open sqlite: %w", err))
	}
	sqlDB.SetMaxOpenConns(4)

	return initDB(sqlDB, path, opts)
}

// OpenMemory opens an in-memory SQLite database for testing. A single
// connection is kept so every caller sees the same database.
func OpenMemory(opts ...Option) (*DB, error) {
	sqlDB, err := sqlx.Open("sqlite", ":memory:")
	if err != nil {
		return nil, apperrors.Storage("open", fmt.Errorf("open sqlite memory: %w", err))
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetConnMaxLifetime(0)
	sqlDB.SetConnMaxIdleTime(0)

	return initDB(sqlDB, ":memory:", opts)
}

func initDB(sqlDB *sqlx.DB, path string, opts []Option) (*DB, error) {
	db := &DB{DB: sqlDB, Path: path, log: zap.NewNop()}
	for _, o := range opts {
		o(db)
	}
	if err := db.configurePragmas(); err != nil {
		sqlDB.Close()
		return nil, apperrors.Storage("open", err)
	}
	if err := db.migrate(); err != nil {
		sqlDB.Close()
		return nil, apperrors.Storage("open", fmt.Errorf("migrate: %w", err))
	}
	db.log.Debug("database ready", zap.String("path", path))
	return db, nil
}

func (db *DB) configurePragmas() error {
	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	if db.Path != ":memory:" {
		pragmas = append(pragmas,
			"PRAGMA journal_mode=WAL",
			"PRAGMA synchronous=NORMAL",
			"PRAGMA mmap_size=268435456", // 256MB
		)
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return fmt.Errorf("pragma %q: %w", p, err)
		}
	}
	return nil
}

// withTx runs fn inside a write transaction. fn's error rolls everything back.
func (db *DB) withTx(ctx context.Context, op string, fn func(tx *sqlx.Tx) error) error {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return apperrors.Storage(op, fmt.Errorf("begin: %w", err))
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return apperrors.Storage(op, fmt.Errorf("commit: %w", err))
	}
	return nil
}

// Close releases the underlying handle.
func (db *DB) Close() error {
	return db.DB.Close()
}
