package buildrec

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// IndexCache persists parsed record indexes across runs, keyed by a digest
// of the kernel release and configuration. A digest mismatch drops the
// cached index wholesale; partial reuse across configs is never safe.
type IndexCache struct {
	db *sql.DB
}

const cacheSchema = `
CREATE TABLE IF NOT EXISTS meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS record_dirs (
	dir TEXT PRIMARY KEY
);
CREATE TABLE IF NOT EXISTS records (
	dir    TEXT NOT NULL,
	object TEXT NOT NULL,
	text   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS records_dir ON records(dir);
`

// OpenIndexCache opens (or creates) the cache database at path and
// validates it against digest.
func OpenIndexCache(path, digest string) (*IndexCache, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open index cache: %w", err)
	}
	if _, err := db.Exec(cacheSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init index cache: %w", err)
	}

	c := &IndexCache{db: db}
	var stored string
	err = db.QueryRow(`SELECT value FROM meta WHERE key = 'digest'`).Scan(&stored)
	if err != nil && err != sql.ErrNoRows {
		db.Close()
		return nil, fmt.Errorf("read cache digest: %w", err)
	}
	if stored != digest {
		if err := c.reset(digest); err != nil {
			db.Close()
			return nil, err
		}
	}
	return c, nil
}

func (c *IndexCache) reset(digest string) error {
	tx, err := c.db.Begin()
	if err != nil {
		return fmt.Errorf("reset index cache: %w", err)
	}
	defer tx.Rollback()
	for _, stmt := range []string{`DELETE FROM records`, `DELETE FROM record_dirs`} {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("reset index cache: %w", err)
		}
	}
	if _, err := tx.Exec(`INSERT INTO meta(key, value) VALUES('digest', ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, digest); err != nil {
		return fmt.Errorf("reset index cache: %w", err)
	}
	return tx.Commit()
}

// Dir returns the cached records for dir, if that directory was indexed
// under the current digest.
func (c *IndexCache) Dir(dir string) ([]Record, bool) {
	var seen string
	if err := c.db.QueryRow(`SELECT dir FROM record_dirs WHERE dir = ?`, dir).Scan(&seen); err != nil {
		return nil, false
	}
	rows, err := c.db.Query(`SELECT object, text FROM records WHERE dir = ? ORDER BY object`, dir)
	if err != nil {
		return nil, false
	}
	defer rows.Close()

	var recs []Record
	for rows.Next() {
		r := Record{Dir: dir}
		if err := rows.Scan(&r.ObjectPath, &r.Text); err != nil {
			return nil, false
		}
		recs = append(recs, r)
	}
	if rows.Err() != nil {
		return nil, false
	}
	return recs, true
}

// PutDir stores the parsed records for one directory.
func (c *IndexCache) PutDir(dir string, recs []Record) error {
	tx, err := c.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`INSERT OR REPLACE INTO record_dirs(dir) VALUES(?)`, dir); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM records WHERE dir = ?`, dir); err != nil {
		return err
	}
	for _, r := range recs {
		if _, err := tx.Exec(`INSERT INTO records(dir, object, text) VALUES(?, ?, ?)`,
			dir, r.ObjectPath, r.Text); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (c *IndexCache) Close() error {
	return c.db.Close()
}
