package sink

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pkg/errors"

	"github.com/you/ailicia-topchat/internal/core"
	"github.com/you/ailicia-topchat/internal/httpapi"
)

// tsLayout is fixed width so stored timestamps sort lexically.
const tsLayout = "2006-01-02T15:04:05.000000000Z"

const defaultListLimit = 100

type SQLiteSink struct {
	db *sql.DB
}

func OpenSQLite(path string) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	if _, err := db.Exec(`PRAGMA journal_mode=wal;`); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "set WAL")
	}
	ctx := context.Background()
	ApplySQLitePragmas(ctx, db)
	if err := migrateSQLite(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteSink{db: db}, nil
}

func (s *SQLiteSink) Close() error { return s.db.Close() }

func (s *SQLiteSink) Ping() error { return s.db.Ping() }

func (s *SQLiteSink) String() string {
	return fmt.Sprintf("SQLiteSink{%p}", s.db)
}

const insertChatSQL = `INSERT OR IGNORE INTO chat_events (msg_id, sent_at, username, username_key, role, is_sub, content)
VALUES (?, ?, ?, ?, ?, ?, ?);`

func chatArgs(ev core.ChatEvent) []any {
	return []any{ev.ID, formatTS(ev.SentAt), ev.Username, core.NormalizeUsername(ev.Username),
		string(ev.Role), boolInt(ev.IsSubscriber), ev.Content}
}

// WriteChat stores one chat event. Events with an id already stored are
// ignored.
func (s *SQLiteSink) WriteChat(ev core.ChatEvent) error {
	_, err := s.db.Exec(insertChatSQL, chatArgs(ev)...)
	return errors.Wrap(err, "insert chat event")
}

// WriteChats stores a batch in one transaction; either every event is
// written or none is.
func (s *SQLiteSink) WriteChats(batch []core.ChatEvent) error {
	if len(batch) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return errors.Wrap(err, "begin chat batch")
	}
	stmt, err := tx.Prepare(insertChatSQL)
	if err != nil {
		_ = tx.Rollback()
		return errors.Wrap(err, "prepare chat batch")
	}
	defer stmt.Close()
	for _, ev := range batch {
		if _, err := stmt.Exec(chatArgs(ev)...); err != nil {
			_ = tx.Rollback()
			return errors.Wrapf(err, "insert chat event %q", ev.ID)
		}
	}
	return errors.Wrap(tx.Commit(), "commit chat batch")
}

func (s *SQLiteSink) WriteOvertake(ev core.OvertakeEvent) error {
	const q = `INSERT INTO overtakes (at, from_user, to_user, count) VALUES (?, ?, ?, ?);`
	_, err := s.db.Exec(q, formatTS(ev.At), ev.From, ev.To, ev.Count)
	return errors.Wrap(err, "insert overtake")
}

func (s *SQLiteSink) CountChats(ctx context.Context, filters httpapi.Filters) (int64, error) {
	where, args := chatConditions(filters)
	var n int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM chat_events"+where+";", args...).Scan(&n); err != nil {
		return 0, errors.Wrap(err, "count")
	}
	return n, nil
}

// TopChatters ranks archived chatters by message count, earliest first
// message breaking ties.
func (s *SQLiteSink) TopChatters(ctx context.Context, filters httpapi.Filters) ([]httpapi.ChatterTotal, error) {
	where, args := chatConditions(filters)
	var b strings.Builder
	b.WriteString("SELECT MAX(username), COUNT(*), MIN(sent_at), MAX(sent_at) FROM chat_events")
	b.WriteString(where)
	b.WriteString(" GROUP BY username_key ORDER BY COUNT(*) DESC, MIN(sent_at) ASC LIMIT ?;")
	args = append(args, limitOrDefault(filters.Limit))

	rows, err := s.db.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, errors.Wrap(err, "top chatters")
	}
	defer rows.Close()

	var out []httpapi.ChatterTotal
	for rows.Next() {
		var (
			row         httpapi.ChatterTotal
			first, last string
		)
		if err := rows.Scan(&row.Username, &row.Count, &first, &last); err != nil {
			return nil, errors.Wrap(err, "scan chatter")
		}
		row.FirstSeenAt = parseTS(first)
		row.LastSeenAt = parseTS(last)
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate chatters")
	}
	return out, nil
}

func (s *SQLiteSink) ListOvertakes(ctx context.Context, filters httpapi.Filters) ([]core.OvertakeEvent, error) {
	var (
		b    strings.Builder
		args []any
	)
	b.WriteString("SELECT at, from_user, to_user, count FROM overtakes")
	if filters.Since != nil {
		b.WriteString(" WHERE at >= ?")
		args = append(args, formatTS(*filters.Since))
	}
	order := "DESC"
	if filters.Order == httpapi.OrderAsc {
		order = "ASC"
	}
	b.WriteString(" ORDER BY at " + order + ", rowid " + order + " LIMIT ?;")
	args = append(args, limitOrDefault(filters.Limit))

	rows, err := s.db.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, errors.Wrap(err, "list overtakes")
	}
	defer rows.Close()

	var out []core.OvertakeEvent
	for rows.Next() {
		var (
			ev core.OvertakeEvent
			at string
		)
		if err := rows.Scan(&at, &ev.From, &ev.To, &ev.Count); err != nil {
			return nil, errors.Wrap(err, "scan overtake")
		}
		ev.At = parseTS(at)
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate overtakes")
	}
	return out, nil
}

func chatConditions(filters httpapi.Filters) (string, []any) {
	var (
		conditions []string
		args       []any
	)
	if len(filters.Usernames) > 0 {
		ors := make([]string, 0, len(filters.Usernames))
		for _, u := range filters.Usernames {
			ors = append(ors, "username_key LIKE '%' || ? || '%'")
			args = append(args, u)
		}
		conditions = append(conditions, "("+strings.Join(ors, " OR ")+")")
	}
	if filters.Since != nil {
		conditions = append(conditions, "sent_at >= ?")
		args = append(args, formatTS(*filters.Since))
	}
	if len(conditions) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conditions, " AND "), args
}

func limitOrDefault(n int) int {
	if n <= 0 {
		return defaultListLimit
	}
	return n
}

func formatTS(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

func parseTS(raw string) time.Time {
	if t, err := time.Parse(tsLayout, raw); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t.UTC()
	}
	return time.Time{}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
