package sink

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/you/ailicia-topchat/internal/core"
	"github.com/you/ailicia-topchat/internal/httpapi"
)

func openTestSink(t *testing.T) *SQLiteSink {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "topchat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

var base = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func chat(id, user string, offset time.Duration) core.ChatEvent {
	return core.ChatEvent{ID: id, Username: user, Content: "hi", Role: core.RoleViewer, SentAt: base.Add(offset)}
}

func TestMigrationsSetUserVersion(t *testing.T) {
	s := openTestSink(t)
	ctx := context.Background()

	v, err := sqliteUserVersion(ctx, s.db)
	require.NoError(t, err)
	assert.Equal(t, len(migrations), v)

	cols, err := sqliteTableInfo(ctx, s.db, "chat_events")
	require.NoError(t, err)
	assert.Contains(t, cols, "username_key")
	assert.True(t, cols["sent_at"].NotNull)

	ok, err := sqliteHasIndex(ctx, s.db, "chat_events", "chat_events_uq_msg")
	require.NoError(t, err)
	assert.True(t, ok)

	// a second run is a no-op
	require.NoError(t, migrateSQLite(ctx, s.db))
}

func TestMigrationDedupesLegacyRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "legacy.db")
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	ctx := context.Background()
	for _, stmt := range migrations[0].stmts {
		_, err := db.ExecContext(ctx, stmt)
		require.NoError(t, err)
	}
	_, err = db.ExecContext(ctx, `PRAGMA user_version=1;`)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `INSERT INTO chat_events (msg_id, sent_at, username, username_key) VALUES
  ('dup', '2024-05-01T10:00:00.000000000Z', 'alice', 'alice'),
  ('dup', '2024-05-01T10:00:01.000000000Z', 'alice', 'alice'),
  ('', '2024-05-01T10:00:02.000000000Z', 'bob', 'bob'),
  ('', '2024-05-01T10:00:03.000000000Z', 'bob', 'bob');`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	s, err := OpenSQLite(path)
	require.NoError(t, err)
	defer s.Close()

	n, err := s.CountChats(ctx, httpapi.Filters{})
	require.NoError(t, err)
	assert.EqualValues(t, 3, n, "id duplicates collapse, id-less rows stay")
}

func TestWriteChatIgnoresDuplicateIDs(t *testing.T) {
	s := openTestSink(t)
	require.NoError(t, s.WriteChat(chat("m1", "alice", 0)))
	require.NoError(t, s.WriteChat(chat("m1", "alice", time.Second)))
	require.NoError(t, s.WriteChat(chat("", "alice", 2*time.Second)))
	require.NoError(t, s.WriteChat(chat("", "alice", 3*time.Second)))

	n, err := s.CountChats(context.Background(), httpapi.Filters{})
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)
}

func TestWriteChatsStoresBatch(t *testing.T) {
	s := openTestSink(t)
	require.NoError(t, s.WriteChats(nil))
	require.NoError(t, s.WriteChat(chat("m1", "alice", 0)))
	require.NoError(t, s.WriteChats([]core.ChatEvent{
		chat("m1", "alice", time.Second),
		chat("m2", "bob", 2*time.Second),
		chat("m2", "bob", 3*time.Second),
		chat("m3", "Alice", 4*time.Second),
	}))

	n, err := s.CountChats(context.Background(), httpapi.Filters{})
	require.NoError(t, err)
	assert.EqualValues(t, 3, n, "ids already stored or repeated in the batch are skipped")
}

func TestTopChatters(t *testing.T) {
	s := openTestSink(t)
	events := []core.ChatEvent{
		chat("1", "bob", 0),
		chat("2", "Alice", time.Second),
		chat("3", "alice", 2*time.Second),
		chat("4", "bob", 3*time.Second),
		chat("5", "carol", time.Hour),
	}
	for _, ev := range events {
		require.NoError(t, s.WriteChat(ev))
	}

	ctx := context.Background()
	top, err := s.TopChatters(ctx, httpapi.Filters{Limit: 2})
	require.NoError(t, err)
	require.Len(t, top, 2)
	assert.Equal(t, "bob", top[0].Username, "tie broken by earliest first message")
	assert.EqualValues(t, 2, top[0].Count)
	assert.Equal(t, base, top[0].FirstSeenAt)
	assert.Equal(t, base.Add(3*time.Second), top[0].LastSeenAt)
	assert.EqualValues(t, 2, top[1].Count)

	since := base.Add(30 * time.Minute)
	top, err = s.TopChatters(ctx, httpapi.Filters{Since: &since})
	require.NoError(t, err)
	require.Len(t, top, 1)
	assert.Equal(t, "carol", top[0].Username)

	top, err = s.TopChatters(ctx, httpapi.Filters{Usernames: []string{"ali"}})
	require.NoError(t, err)
	require.Len(t, top, 1)
	assert.EqualValues(t, 2, top[0].Count)
}

func TestListOvertakes(t *testing.T) {
	s := openTestSink(t)
	require.NoError(t, s.WriteOvertake(core.OvertakeEvent{From: "", To: "alice", Count: 1, At: base}))
	require.NoError(t, s.WriteOvertake(core.OvertakeEvent{From: "alice", To: "bob", Count: 3, At: base.Add(time.Minute)}))

	ctx := context.Background()
	got, err := s.ListOvertakes(ctx, httpapi.Filters{})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "bob", got[0].To)
	assert.Equal(t, base.Add(time.Minute), got[0].At)

	got, err = s.ListOvertakes(ctx, httpapi.Filters{Order: httpapi.OrderAsc, Limit: 1})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "alice", got[0].To)
}

func TestArchiveFlushesOnClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "archive.db")
	s, err := OpenSQLite(path)
	require.NoError(t, err)

	a := NewArchive(s, BufferedOptions{BatchSize: 10, FlushInterval: time.Hour})
	require.NoError(t, a.ArchiveChat(chat("1", "alice", 0)))
	require.NoError(t, a.ArchiveOvertake(core.OvertakeEvent{To: "alice", Count: 1, At: base}))
	require.NoError(t, a.Close())

	reopened, err := OpenSQLite(path)
	require.NoError(t, err)
	defer reopened.Close()
	n, err := reopened.CountChats(context.Background(), httpapi.Filters{})
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}
