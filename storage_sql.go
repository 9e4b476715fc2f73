package healthsync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	_ "github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"
)

// sqlDialect holds the statements that differ between drivers.
type sqlDialect struct {
	driver      string
	createTable string
	upsert      string
	keysLike    string
}

var (
	sqliteDialect = sqlDialect{
		driver: "sqlite",
		createTable: `CREATE TABLE IF NOT EXISTS kv (
			key        TEXT PRIMARY KEY,
			value      BLOB NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		upsert: `INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		keysLike: `SELECT key FROM kv WHERE substr(key, 1, ?) = ? ORDER BY key`,
	}

	mysqlDialect = sqlDialect{
		driver: "mysql",
		createTable: `CREATE TABLE IF NOT EXISTS healthsync_kv (
			` + "`key`" + ` VARCHAR(255) PRIMARY KEY,
			value      LONGBLOB NOT NULL,
			updated_at BIGINT NOT NULL
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_bin`,
		upsert: "INSERT INTO healthsync_kv (`key`, value, updated_at) VALUES (?, ?, ?) " +
			"ON DUPLICATE KEY UPDATE value = VALUES(value), updated_at = VALUES(updated_at)",
		keysLike: "SELECT `key` FROM healthsync_kv WHERE LEFT(`key`, ?) = ? ORDER BY `key`",
	}
)

// SQLStorage is a Storage backed by a single key-value table in SQLite or
// MySQL.
type SQLStorage struct {
	db      *sql.DB
	dialect sqlDialect
	get     string
	remove  string
}

// OpenSQLiteStorage opens (or creates) the database at path.
func OpenSQLiteStorage(ctx context.Context, path string) (*SQLStorage, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer keeps SQLITE_BUSY out of concurrent Set calls.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, `PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable wal: %w", err)
	}
	return newSQLStorage(ctx, db, sqliteDialect)
}

// OpenMySQLStorage connects with a go-sql-driver DSN such as
// "user:pass@tcp(host:3306)/healthsync" and creates the table if needed.
func OpenMySQLStorage(ctx context.Context, dsn string) (*SQLStorage, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	db.SetConnMaxLifetime(3 * time.Minute)
	db.SetMaxOpenConns(4)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping mysql: %w", err)
	}
	return newSQLStorage(ctx, db, mysqlDialect)
}

func newSQLStorage(ctx context.Context, db *sql.DB, d sqlDialect) (*SQLStorage, error) {
	if _, err := db.ExecContext(ctx, d.createTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("create kv table: %w", err)
	}
	s := &SQLStorage{db: db, dialect: d}
	switch d.driver {
	case "mysql":
		s.get = "SELECT value FROM healthsync_kv WHERE `key` = ?"
		s.remove = "DELETE FROM healthsync_kv WHERE `key` = ?"
	default:
		s.get = `SELECT value FROM kv WHERE key = ?`
		s.remove = `DELETE FROM kv WHERE key = ?`
	}
	return s, nil
}

func (s *SQLStorage) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, s.get, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get %q: %w", key, err)
	}
	return value, true, nil
}

func (s *SQLStorage) Set(ctx context.Context, key string, value []byte) error {
	if _, err := s.db.ExecContext(ctx, s.dialect.upsert, key, value, time.Now().UnixMilli()); err != nil {
		return fmt.Errorf("set %q: %w", key, err)
	}
	return nil
}

func (s *SQLStorage) Remove(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, s.remove, key); err != nil {
		return fmt.Errorf("remove %q: %w", key, err)
	}
	return nil
}

// Keys returns every stored key with the given prefix, sorted. substr and
// LEFT count characters, so the prefix length is passed in runes.
func (s *SQLStorage) Keys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.keysLike, utf8.RuneCountInString(prefix), prefix)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// Close closes the database.
func (s *SQLStorage) Close() error {
	return s.db.Close()
}
