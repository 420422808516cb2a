// Package storage persists harness state in SQLite: the payload cache that
// survives between runs against the same build, and the per-run scenario
// results.
package storage

import (
	"database/sql"
	"strings"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

const cacheTable = "update_cache"

// CacheRow is one persisted payload cache entry. Base and SigningKey stay
// NULL in the database when absent so a round-trip reproduces the original
// identifier exactly.
type CacheRow struct {
	Key        string
	Target     string
	Base       string
	SigningKey string
	ForVM      bool
	CachePath  string
}

// CacheStore keeps the payload cache in a SQLite database next to the
// target image.
type CacheStore struct {
	db   *sql.DB
	stmt *sql.Stmt
}

// OpenCacheStore opens (creating if needed) the cache database at path.
func OpenCacheStore(path string) (*CacheStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open payload cache database failed")
	}
	if err := configureSQLite(db); err != nil {
		db.Close()
		return nil, err
	}
	createStmt := `CREATE TABLE IF NOT EXISTS ` + cacheTable + ` (
update_id TEXT PRIMARY KEY,
target TEXT NOT NULL,
base TEXT,
signing_key TEXT,
for_vm INTEGER NOT NULL DEFAULT 0,
cache_path TEXT NOT NULL,
updated_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
);`
	if _, err := db.Exec(createStmt); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "create payload cache table failed")
	}
	stmt, err := db.Prepare(`INSERT INTO ` + cacheTable + `
(update_id, target, base, signing_key, for_vm, cache_path, updated_at)
VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
ON CONFLICT(update_id) DO UPDATE SET
target=excluded.target, base=excluded.base, signing_key=excluded.signing_key,
for_vm=excluded.for_vm, cache_path=excluded.cache_path, updated_at=CURRENT_TIMESTAMP`)
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "prepare payload cache upsert statement failed")
	}
	return &CacheStore{db: db, stmt: stmt}, nil
}

func configureSQLite(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA temp_store=MEMORY;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			return errors.Wrapf(err, "execute sqlite pragma %s failed", stmt)
		}
	}
	db.SetMaxOpenConns(1)
	return nil
}

// Close releases sqlite resources.
func (s *CacheStore) Close() error {
	if s == nil {
		return nil
	}
	if s.stmt != nil {
		s.stmt.Close()
	}
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Save upserts every row. Stale entries from earlier builds are left in
// place; lookups key on the full identifier so they are harmless.
func (s *CacheStore) Save(rows []CacheRow) error {
	if s == nil || len(rows) == 0 {
		return nil
	}
	for _, row := range rows {
		if row.Key == "" || row.CachePath == "" {
			continue
		}
		_, err := s.stmt.Exec(
			row.Key,
			row.Target,
			nullableString(row.Base),
			nullableString(row.SigningKey),
			boolToInt(row.ForVM),
			row.CachePath,
		)
		if err != nil {
			return errors.Wrapf(err, "upsert payload cache entry %s failed", row.Key)
		}
	}
	return nil
}

// Load returns every persisted cache entry.
func (s *CacheStore) Load() ([]CacheRow, error) {
	if s == nil {
		return nil, nil
	}
	rows, err := s.db.Query(`SELECT update_id, target, base, signing_key, for_vm, cache_path FROM ` + cacheTable)
	if err != nil {
		return nil, errors.Wrap(err, "query payload cache failed")
	}
	defer rows.Close()
	var out []CacheRow
	for rows.Next() {
		var (
			row        CacheRow
			base       sql.NullString
			signingKey sql.NullString
			forVM      int
		)
		if err := rows.Scan(&row.Key, &row.Target, &base, &signingKey, &forVM, &row.CachePath); err != nil {
			return nil, errors.Wrap(err, "scan payload cache row failed")
		}
		row.Base = base.String
		row.SigningKey = signingKey.String
		row.ForVM = forVM != 0
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate payload cache failed")
	}
	return out, nil
}

func nullableString(value string) sql.NullString {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: trimmed, Valid: true}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
