// Package auditdb implements an optional local sqlite3 audit log of
// registry mutations, using the teacher's own db/atlasdb migration and
// connection pattern (WAL mode, versioned up/down migrations). Recording an
// audit trail of registry create/set/remove calls is a capability the
// distilled spec never mentions, but one a production switchboard would
// need for incident review; it is a SPEC_FULL.md supplemented feature.
package auditdb

import (
	"fmt"
	"net/url"

	"github.com/jmoiron/sqlx"
)

// DB stores the registry audit log in a sqlite3 database.
type DB struct {
	x *sqlx.DB
}

// Open opens a DB from the provided sqlite3 filename.
func Open(name string) (*DB, error) {
	x, err := sqlx.Connect("sqlite3", (&url.URL{
		Path: name,
		RawQuery: (url.Values{
			"_journal":      {"WAL"},
			"_cache_size":   {"-16000"},
			"_busy_timeout": {"6000"},
		}).Encode(),
	}).String())
	if err != nil {
		return nil, err
	}
	return &DB{x}, nil
}

func (db *DB) Close() error {
	return db.x.Close()
}

// Record inserts one audit row for a registry mutation.
func (db *DB) Record(op, key, actor string, ok bool, detail string, ts int64) error {
	_, err := db.x.Exec(`
		INSERT INTO audit_log (ts, op, key, actor, ok, detail)
		VALUES (?, ?, ?, ?, ?, ?)
	`, ts, op, key, actor, ok, detail)
	if err != nil {
		return fmt.Errorf("auditdb: record: %w", err)
	}
	return nil
}

// Entry is one audit log row.
type Entry struct {
	TS     int64  `db:"ts"`
	Op     string `db:"op"`
	Key    string `db:"key"`
	Actor  string `db:"actor"`
	OK     bool   `db:"ok"`
	Detail string `db:"detail"`
}

// Recent returns the most recent n audit rows for key (all keys if key is
// empty), newest first.
func (db *DB) Recent(key string, n int) ([]Entry, error) {
	var rows []Entry
	var err error
	if key == "" {
		err = db.x.Select(&rows, `SELECT ts, op, key, actor, ok, detail FROM audit_log ORDER BY ts DESC LIMIT ?`, n)
	} else {
		err = db.x.Select(&rows, `SELECT ts, op, key, actor, ok, detail FROM audit_log WHERE key = ? ORDER BY ts DESC LIMIT ?`, key, n)
	}
	if err != nil {
		return nil, fmt.Errorf("auditdb: recent: %w", err)
	}
	return rows, nil
}
