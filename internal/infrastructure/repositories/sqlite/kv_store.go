package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"chatnest/internal/core/domain"
	"chatnest/internal/core/ports"

	"go.uber.org/zap"

	_ "modernc.org/sqlite"
)

const createKVTableSQL = `
CREATE TABLE IF NOT EXISTS kv (
	key        TEXT PRIMARY KEY,
	value      BLOB NOT NULL,
	updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);`

// KVStore keeps blobs in a single SQLite table.
type KVStore struct {
	db         *sql.DB
	quotaBytes int64
}

var _ ports.KeyValueStore = (*KVStore)(nil)

// Open creates the database file and table if they do not exist. A quota of
// 0 disables the size limit.
func Open(path string, quotaBytes int64, logger *zap.SugaredLogger) (*KVStore, error) {
	if dir := filepath.Dir(path); dir != "" && !strings.HasPrefix(path, "file:") {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// one writer keeps SQLITE_BUSY out of the picture
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if _, err := db.Exec(createKVTableSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create kv table: %w", err)
	}

	if logger != nil {
		logger.Infow("sqlite store initialized", "path", path)
	}
	return &KVStore{db: db, quotaBytes: quotaBytes}, nil
}

func (s *KVStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var v []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return v, true, nil
}

func (s *KVStore) Set(ctx context.Context, key string, value []byte) error {
	return s.SetMany(ctx, map[string][]byte{key: value})
}

// SetMany applies every write in one transaction. A nil value deletes its
// key. The quota is checked inside the transaction before commit.
func (s *KVStore) SetMany(ctx context.Context, values map[string][]byte) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	before, err := totalSize(ctx, tx)
	if err != nil {
		return err
	}

	for k, v := range values {
		if v == nil {
			if _, err := tx.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, k); err != nil {
				return fmt.Errorf("failed to delete %s: %w", k, err)
			}
			continue
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO kv (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
			k, v,
		)
		if err != nil {
			return fmt.Errorf("failed to write %s: %w", k, err)
		}
	}

	if s.quotaBytes > 0 {
		after, err := totalSize(ctx, tx)
		if err != nil {
			return err
		}
		if after > s.quotaBytes && after > before {
			return domain.ErrQuotaExceeded
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

func (s *KVStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

func (s *KVStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *KVStore) Close() error {
	return s.db.Close()
}

func totalSize(ctx context.Context, tx *sql.Tx) (int64, error) {
	var n sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT SUM(length(key) + length(value)) FROM kv`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to measure store: %w", err)
	}
	return n.Int64, nil
}
