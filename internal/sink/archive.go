package sink

import (
	"log/slog"

	"github.com/you/ailicia-topchat/internal/core"
)

// Archive is the session's write path into SQLite: chat events go through
// the buffered writer, overtakes are written directly. Queries go straight
// to the embedded sink.
type Archive struct {
	*SQLiteSink
	chats *BufferedWriter
}

func NewArchive(base *SQLiteSink, opts BufferedOptions) *Archive {
	return &Archive{
		SQLiteSink: base,
		chats:      NewBufferedWriter(base, opts),
	}
}

func (a *Archive) ArchiveChat(ev core.ChatEvent) error {
	return a.chats.WriteChat(ev)
}

func (a *Archive) ArchiveOvertake(ev core.OvertakeEvent) error {
	return a.SQLiteSink.WriteOvertake(ev)
}

// Close flushes buffered chat events and closes the database.
func (a *Archive) Close() error {
	flushErr := a.chats.Close()
	if flushErr != nil {
		slog.Error("sink: final flush failed", "err", flushErr)
	}
	if err := a.SQLiteSink.Close(); err != nil {
		return err
	}
	return flushErr
}
