package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	_ "modernc.org/sqlite"

	"github.com/snapetech/iptvclient/internal/catalog"
	"github.com/snapetech/iptvclient/internal/logging"
)

//go:embed migrations/*.sql
var migrations embed.FS

const (
	kvCredentials = "credentials"
	kvFetchedAt   = "fetched_at"
)

// SQLiteStore keeps the catalog in a SQLite database. Item and category order is kept in
// a position column; credentials and snapshot metadata live in a key/value table.
type SQLiteStore struct {
	db  *sql.DB
	log *log.Logger
}

// OpenSQLite opens (creating if needed) the database at path and applies pending migrations.
func OpenSQLite(path string, logger *log.Logger) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("store: empty database path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, catalog.E(catalog.ErrStorage, "open store", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, catalog.E(catalog.ErrStorage, "open store", err)
	}
	// One connection: writes are serialized anyway and the pragmas below stick.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{"PRAGMA busy_timeout = 5000", "PRAGMA journal_mode = WAL", "PRAGMA synchronous = NORMAL"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, catalog.E(catalog.ErrStorage, "open store", err)
		}
	}
	s := &SQLiteStore{db: db, log: logging.OrDiscard(logger)}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, catalog.E(catalog.ErrStorage, "migrate", err)
	}
	os.Chmod(path, 0600)
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    INTEGER PRIMARY KEY,
			applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}
	entries, err := migrations.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		var version int
		if _, err := fmt.Sscanf(entry.Name(), "%d_", &version); err != nil {
			return fmt.Errorf("migration %s: bad name", entry.Name())
		}
		var applied bool
		if err := s.db.QueryRow(`SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = ?)`, version).Scan(&applied); err != nil {
			return fmt.Errorf("check migration %d: %w", version, err)
		}
		if applied {
			continue
		}
		content, err := migrations.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return err
		}
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %s: %w", entry.Name(), err)
		}
		if _, err := tx.Exec(`INSERT INTO schema_migrations (version) VALUES (?)`, version); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %s: %w", entry.Name(), err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", entry.Name(), err)
		}
		s.log.Debug("applied migration", "name", entry.Name())
	}
	return nil
}

// Save replaces every stored item and category in one transaction.
func (s *SQLiteStore) Save(ctx context.Context, snap catalog.Snapshot) error {
	if err := s.save(ctx, snap); err != nil {
		return catalog.E(catalog.ErrStorage, "save catalog", err)
	}
	s.log.Debug("catalog saved", "items", len(snap.Items), "categories", len(snap.Categories))
	return nil
}

func (s *SQLiteStore) save(ctx context.Context, snap catalog.Snapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, q := range []string{`DELETE FROM items`, `DELETE FROM categories`, `DELETE FROM kv WHERE key = '` + kvFetchedAt + `'`} {
		if _, err := tx.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	catStmt, err := tx.PrepareContext(ctx, `INSERT INTO categories (position, id, name, grp) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer catStmt.Close()
	for i, c := range snap.Categories {
		if _, err := catStmt.ExecContext(ctx, i, c.ID, c.Name, string(c.Group)); err != nil {
			return fmt.Errorf("category %s: %w", c.ID, err)
		}
	}
	itemStmt, err := tx.PrepareContext(ctx, `INSERT INTO items (position, id, name, logo, url, category_id, category_name, grp) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer itemStmt.Close()
	for i, it := range snap.Items {
		if _, err := itemStmt.ExecContext(ctx, i, it.ID, it.Name, it.Logo, it.URL, it.CategoryID, it.CategoryName, string(it.Group)); err != nil {
			return fmt.Errorf("item %s: %w", it.ID, err)
		}
	}
	if !snap.FetchedAt.IsZero() {
		if err := putKV(ctx, tx, kvFetchedAt, snap.FetchedAt.UTC().Format(time.RFC3339Nano)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) Load(ctx context.Context) catalog.Snapshot {
	snap, err := s.load(ctx)
	if err != nil {
		s.log.Warn("cached catalog unreadable, starting empty", "err", err)
		return catalog.Snapshot{}
	}
	return snap
}

func (s *SQLiteStore) load(ctx context.Context) (catalog.Snapshot, error) {
	var snap catalog.Snapshot
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, grp FROM categories ORDER BY position`)
	if err != nil {
		return snap, err
	}
	for rows.Next() {
		var c catalog.Category
		var grp string
		if err := rows.Scan(&c.ID, &c.Name, &grp); err != nil {
			rows.Close()
			return snap, err
		}
		c.Group = catalog.Group(grp)
		snap.Categories = append(snap.Categories, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return snap, err
	}

	rows, err = s.db.QueryContext(ctx, `SELECT id, name, logo, url, category_id, category_name, grp FROM items ORDER BY position`)
	if err != nil {
		return snap, err
	}
	for rows.Next() {
		var it catalog.Item
		var grp string
		if err := rows.Scan(&it.ID, &it.Name, &it.Logo, &it.URL, &it.CategoryID, &it.CategoryName, &grp); err != nil {
			rows.Close()
			return snap, err
		}
		it.Group = catalog.Group(grp)
		snap.Items = append(snap.Items, it)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return snap, err
	}

	if v, ok, err := getKV(ctx, s.db, kvFetchedAt); err != nil {
		return snap, err
	} else if ok {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			snap.FetchedAt = t
		}
	}
	return snap, nil
}

func (s *SQLiteStore) SaveCredentials(ctx context.Context, creds catalog.Credentials) error {
	data, err := json.Marshal(creds)
	if err != nil {
		return catalog.E(catalog.ErrStorage, "save credentials", err)
	}
	if err := putKV(ctx, s.db, kvCredentials, string(data)); err != nil {
		return catalog.E(catalog.ErrStorage, "save credentials", err)
	}
	return nil
}

func (s *SQLiteStore) LoadCredentials(ctx context.Context) (catalog.Credentials, bool) {
	v, ok, err := getKV(ctx, s.db, kvCredentials)
	if err != nil {
		s.log.Warn("stored credentials unreadable", "err", err)
		return catalog.Credentials{}, false
	}
	if !ok {
		return catalog.Credentials{}, false
	}
	var creds catalog.Credentials
	if err := json.Unmarshal([]byte(v), &creds); err != nil {
		s.log.Warn("stored credentials corrupt, ignoring", "err", err)
		return catalog.Credentials{}, false
	}
	return creds, creds.Valid()
}

// Clear deletes every row in one transaction.
func (s *SQLiteStore) Clear(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return catalog.E(catalog.ErrStorage, "clear", err)
	}
	defer tx.Rollback()
	for _, q := range []string{`DELETE FROM items`, `DELETE FROM categories`, `DELETE FROM kv`} {
		if _, err := tx.ExecContext(ctx, q); err != nil {
			return catalog.E(catalog.ErrStorage, "clear", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return catalog.E(catalog.ErrStorage, "clear", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func putKV(ctx context.Context, db execer, key, value string) error {
	_, err := db.ExecContext(ctx, `INSERT INTO kv (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}

func getKV(ctx context.Context, db queryRower, key string) (string, bool, error) {
	var v string
	err := db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}
