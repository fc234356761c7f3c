// Package sqlitestore implements store.Store in a single SQLite database file
// using the pure Go modernc.org/sqlite driver.
package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/bpowers/boxedr/store"
)

// Config holds SQLite settings.
type Config struct {
	Path  string `yaml:"path" mapstructure:"path"`
	Table string `yaml:"table" mapstructure:"table"`
}

// Store keeps every file as one row keyed by its path.
type Store struct {
	db    *sql.DB
	table string
}

var (
	_ store.Store     = (*Store)(nil)
	_ store.Persister = (*Store)(nil)
)

// Open opens (creating if necessary) the database at cfg.Path.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Path == "" {
		cfg.Path = "./boxedr-cache.db"
	}
	if cfg.Table == "" {
		cfg.Table = "objects"
	}
	for _, r := range cfg.Table {
		if !(r == '_' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9') {
			return nil, fmt.Errorf("invalid table name %q", cfg.Table)
		}
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One writer at a time; SQLite serializes anyway.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA temp_store=MEMORY",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %s: %w", pragma, err)
		}
	}

	createTableSQL := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			path TEXT PRIMARY KEY,
			data BLOB NOT NULL,
			updated_at INTEGER NOT NULL
		)
	`, cfg.Table)
	if _, err := db.ExecContext(ctx, createTableSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create table: %w", err)
	}

	return &Store{db: db, table: cfg.Table}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return &store.Error{Op: "ping", Err: err}
	}
	return nil
}

func (s *Store) ReadFile(ctx context.Context, name string) ([]byte, error) {
	p, err := store.Clean(name)
	if err != nil {
		return nil, &store.Error{Op: "read", Path: name, Err: err}
	}
	var data []byte
	err = s.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT data FROM %s WHERE path = ?", s.table), p).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &store.Error{Op: "read", Path: name, Err: fmt.Errorf("%w: %s", fs.ErrNotExist, p)}
	}
	if err != nil {
		return nil, &store.Error{Op: "read", Path: name, Err: err}
	}
	if data == nil {
		data = []byte{}
	}
	return data, nil
}

func (s *Store) WriteFile(ctx context.Context, name string, data []byte) error {
	p, err := store.Clean(name)
	if err != nil || p == "" {
		if err == nil {
			err = store.ErrInvalidPath
		}
		return &store.Error{Op: "write", Path: name, Err: err}
	}
	if data == nil {
		data = []byte{}
	}
	_, err = s.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (path, data, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at
	`, s.table), p, data, time.Now().UnixMilli())
	if err != nil {
		return &store.Error{Op: "write", Path: name, Err: err}
	}
	return nil
}

// List derives directory entries from the paths under dir. The range
// [dir/, dir0) covers exactly the paths with prefix "dir/", since '0' follows
// '/' in byte order.
func (s *Store) List(ctx context.Context, dir string) ([]store.Entry, error) {
	p, err := store.Clean(dir)
	if err != nil {
		return nil, &store.Error{Op: "list", Path: dir, Err: err}
	}

	var rows *sql.Rows
	prefix := ""
	if p == "" {
		rows, err = s.db.QueryContext(ctx, fmt.Sprintf("SELECT path FROM %s", s.table))
	} else {
		prefix = p + "/"
		rows, err = s.db.QueryContext(ctx,
			fmt.Sprintf("SELECT path FROM %s WHERE path > ? AND path < ?", s.table),
			prefix, p+"0")
	}
	if err != nil {
		return nil, &store.Error{Op: "list", Path: dir, Err: err}
	}
	defer rows.Close()

	seen := make(map[string]store.Kind)
	for rows.Next() {
		var full string
		if err := rows.Scan(&full); err != nil {
			return nil, &store.Error{Op: "list", Path: dir, Err: err}
		}
		rest := strings.TrimPrefix(full, prefix)
		if name, _, isDir := strings.Cut(rest, "/"); isDir {
			seen[name] = store.KindDir
		} else if _, ok := seen[rest]; !ok {
			seen[rest] = store.KindFile
		}
	}
	if err := rows.Err(); err != nil {
		return nil, &store.Error{Op: "list", Path: dir, Err: err}
	}

	entries := make([]store.Entry, 0, len(seen))
	for name, kind := range seen {
		entries = append(entries, store.Entry{Name: name, Kind: kind})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

func (s *Store) Exists(ctx context.Context, name string) (bool, error) {
	p, err := store.Clean(name)
	if err != nil {
		return false, &store.Error{Op: "stat", Path: name, Err: err}
	}
	var n int
	err = s.db.QueryRowContext(ctx, fmt.Sprintf(
		"SELECT COUNT(*) FROM (SELECT 1 FROM %s WHERE path = ? OR (path > ? AND path < ?) LIMIT 1)", s.table),
		p, p+"/", p+"0").Scan(&n)
	if err != nil {
		return false, &store.Error{Op: "stat", Path: name, Err: err}
	}
	return n > 0, nil
}

func (s *Store) RemoveAll(ctx context.Context, name string) error {
	p, err := store.Clean(name)
	if err != nil || p == "" {
		if err == nil {
			err = store.ErrInvalidPath
		}
		return &store.Error{Op: "remove", Path: name, Err: err}
	}
	_, err = s.db.ExecContext(ctx, fmt.Sprintf(
		"DELETE FROM %s WHERE path = ? OR (path > ? AND path < ?)", s.table),
		p, p+"/", p+"0")
	if err != nil {
		return &store.Error{Op: "remove", Path: name, Err: err}
	}
	return nil
}

// Persist checkpoints the write-ahead log into the main database file.
func (s *Store) Persist(ctx context.Context) (bool, error) {
	if _, err := s.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return false, &store.Error{Op: "persist", Err: err}
	}
	return true, nil
}
