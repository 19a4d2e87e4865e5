package auditdb

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
)

func init() {
	migrate(up001, down001)
}

func up001(ctx context.Context, tx *sqlx.Tx) error {
	if _, err := tx.ExecContext(ctx, strings.ReplaceAll(`
		CREATE TABLE audit_log (
			ts     INTEGER NOT NULL,
			op     TEXT NOT NULL,
			key    TEXT NOT NULL,
			actor  TEXT NOT NULL DEFAULT '',
			ok     INTEGER NOT NULL,
			detail TEXT NOT NULL DEFAULT ''
		) STRICT;
	`, `
		`, "\n")); err != nil {
		return fmt.Errorf("create audit_log table: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `CREATE INDEX audit_log_key_idx ON audit_log(key, ts)`); err != nil {
		return fmt.Errorf("create audit_log index: %w", err)
	}
	return nil
}

func down001(ctx context.Context, tx *sqlx.Tx) error {
	if _, err := tx.ExecContext(ctx, `DROP INDEX audit_log_key_idx`); err != nil {
		return fmt.Errorf("drop audit_log_key_idx index: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DROP TABLE audit_log`); err != nil {
		return fmt.Errorf("drop audit_log table: %w", err)
	}
	return nil
}
