package sink

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	"github.com/pkg/errors"
)

type sqliteColumn struct {
	Name        string
	Type        string
	NotNull     bool
	DefaultText string
}

// migrations are applied in order; PRAGMA user_version records how many ran.
var migrations = []struct {
	label string
	stmts []string
}{
	{
		label: "initial schema",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS chat_events (
  msg_id TEXT NOT NULL DEFAULT '',
  sent_at TEXT NOT NULL,
  username TEXT NOT NULL,
  username_key TEXT NOT NULL,
  role TEXT NOT NULL DEFAULT '',
  is_sub INTEGER NOT NULL DEFAULT 0,
  content TEXT NOT NULL DEFAULT ''
);`,
			`CREATE TABLE IF NOT EXISTS overtakes (
  at TEXT NOT NULL,
  from_user TEXT NOT NULL DEFAULT '',
  to_user TEXT NOT NULL,
  count INTEGER NOT NULL
);`,
		},
	},
	{
		label: "message id uniqueness",
		stmts: []string{
			`DELETE FROM chat_events
WHERE msg_id != ''
  AND rowid NOT IN (
    SELECT MIN(rowid) FROM chat_events WHERE msg_id != '' GROUP BY msg_id
);`,
			`CREATE UNIQUE INDEX IF NOT EXISTS chat_events_uq_msg ON chat_events(msg_id) WHERE msg_id != '';`,
		},
	},
	{
		label: "history indices",
		stmts: []string{
			`CREATE INDEX IF NOT EXISTS chat_events_sent_at ON chat_events(sent_at);`,
			`CREATE INDEX IF NOT EXISTS overtakes_at ON overtakes(at);`,
		},
	},
}

func migrateSQLite(ctx context.Context, db *sql.DB) error {
	path := sqlitePath(ctx, db)
	userVersion, err := sqliteUserVersion(ctx, db)
	if err != nil {
		return errors.Wrap(err, "sqlite: user_version")
	}
	slog.Info("sink: sqlite", "path", path, "user_version", userVersion)

	for i := userVersion; i < len(migrations); i++ {
		step := migrations[i]
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return errors.Wrapf(err, "sqlite: begin %s", step.label)
		}
		for _, stmt := range step.stmts {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				_ = tx.Rollback()
				return errors.Wrapf(err, "sqlite: %s", step.label)
			}
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`PRAGMA user_version=%d;`, i+1)); err != nil {
			_ = tx.Rollback()
			return errors.Wrapf(err, "sqlite: bump user_version for %s", step.label)
		}
		if err := tx.Commit(); err != nil {
			return errors.Wrapf(err, "sqlite: commit %s", step.label)
		}
		slog.Info("sink: sqlite migrated", "step", step.label, "user_version", i+1)
	}

	columns, err := sqliteTableInfo(ctx, db, "chat_events")
	if err != nil {
		return errors.Wrap(err, "sqlite: describe chat_events")
	}
	hasIndex, err := sqliteHasIndex(ctx, db, "chat_events", "chat_events_uq_msg")
	if err != nil {
		return errors.Wrap(err, "sqlite: inspect indices")
	}
	slog.Debug("sink: sqlite schema", "chat_events_columns", len(columns), "chat_events_uq_msg", hasIndex)
	return nil
}

func sqlitePath(ctx context.Context, db *sql.DB) string {
	rows, err := db.QueryContext(ctx, `PRAGMA database_list;`)
	if err != nil {
		return "(unknown)"
	}
	defer rows.Close()

	for rows.Next() {
		var (
			seq  int
			name string
			file sql.NullString
		)
		if err := rows.Scan(&seq, &name, &file); err != nil {
			return "(unknown)"
		}
		if strings.EqualFold(strings.TrimSpace(name), "main") {
			if file.Valid && strings.TrimSpace(file.String) != "" {
				return file.String
			}
			return "(memory)"
		}
	}
	return "(unknown)"
}

func sqliteUserVersion(ctx context.Context, db *sql.DB) (int, error) {
	var v int
	if err := db.QueryRowContext(ctx, `PRAGMA user_version;`).Scan(&v); err != nil {
		return 0, err
	}
	return v, nil
}

func sqliteTableInfo(ctx context.Context, db *sql.DB, table string) (map[string]sqliteColumn, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf(`PRAGMA table_info(%s);`, table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]sqliteColumn)
	for rows.Next() {
		var (
			cid        int
			name       string
			colType    string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultVal, &pk); err != nil {
			return nil, err
		}
		out[strings.ToLower(strings.TrimSpace(name))] = sqliteColumn{
			Name:        name,
			Type:        strings.TrimSpace(colType),
			NotNull:     notNull == 1,
			DefaultText: strings.TrimSpace(defaultVal.String),
		}
	}
	return out, rows.Err()
}

func sqliteHasIndex(ctx context.Context, db *sql.DB, table, index string) (bool, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf(`PRAGMA index_list('%s');`, table))
	if err != nil {
		return false, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			seq     int
			name    string
			unique  int
			origin  string
			partial int
		)
		if err := rows.Scan(&seq, &name, &unique, &origin, &partial); err != nil {
			return false, err
		}
		if strings.EqualFold(strings.TrimSpace(name), index) {
			return true, nil
		}
	}
	return false, rows.Err()
}
