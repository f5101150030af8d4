// Package ingesttrace follows single chat messages through the session's
// ingest path when verbose tracing is switched on.
package ingesttrace

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"strings"
	"time"

	"github.com/you/ailicia-topchat/internal/core"
)

type Stage string

const (
	StageReceived  Stage = "received"
	StageDuplicate Stage = "duplicate"
	StageCounted   Stage = "counted"
	StageArchived  Stage = "archived"

	StageDroppedPrefix = "dropped_"
)

const snippetRunes = 48

func StageDropped(reason string) Stage {
	return Stage(StageDroppedPrefix + reason)
}

// Trace records the stages one chat message passed through. A nil *Trace
// ignores every call, so callers can trace unconditionally.
type Trace struct {
	ID      string
	Channel string
	User    string
	Snippet string

	start  time.Time
	stages []Stage
}

// New starts a trace for ev seeded with StageReceived. The trace id is the
// message id, or a digest of the message when the server sent none.
func New(channel string, ev core.ChatEvent, now time.Time) *Trace {
	id := ev.ID
	if id == "" {
		id = digest(channel, ev)
	}
	return &Trace{
		ID:      id,
		Channel: channel,
		User:    ev.Username,
		Snippet: snippet(ev.Content),
		start:   now,
		stages:  []Stage{StageReceived},
	}
}

func (t *Trace) Mark(stage Stage) {
	if t == nil {
		return
	}
	t.stages = append(t.stages, stage)
}

func (t *Trace) Stages() []Stage {
	if t == nil {
		return nil
	}
	return append([]Stage(nil), t.stages...)
}

// Path renders the stages as "received>counted>archived".
func (t *Trace) Path() string {
	if t == nil {
		return ""
	}
	parts := make([]string, len(t.stages))
	for i, s := range t.stages {
		parts[i] = string(s)
	}
	return strings.Join(parts, ">")
}

// Log writes the trace at debug level.
func (t *Trace) Log(logger *slog.Logger, now time.Time) {
	if t == nil {
		return
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger.Debug("ingest: trace",
		"trace_id", t.ID,
		"channel", t.Channel,
		"user", t.User,
		"snippet", t.Snippet,
		"path", t.Path(),
		"elapsed", now.Sub(t.start),
	)
}

func snippet(content string) string {
	content = strings.Join(strings.Fields(content), " ")
	r := []rune(content)
	if len(r) <= snippetRunes {
		return content
	}
	return string(r[:snippetRunes]) + "..."
}

func digest(channel string, ev core.ChatEvent) string {
	sum := sha256.Sum256([]byte(channel + "\x1f" + ev.Username + "\x1f" + ev.Content + "\x1f" + ev.SentAt.UTC().Format(time.RFC3339Nano)))
	return hex.EncodeToString(sum[:8])
}
