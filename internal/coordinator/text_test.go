package coordinator

import (
	"fmt"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"

	"github.com/you/ailicia-topchat/internal/core"
)

func TestContextSummary(t *testing.T) {
	got := ContextSummary([]core.LeaderboardEntry{
		{Username: "alice", Count: 42},
		{Username: "bob", Count: 31},
		{Username: "carol", Count: 1},
	})
	assert.Equal(t, "Top chatters update: #1 alice (42 msgs) | #2 bob (31 msgs) | #3 carol (1 msg)", got)
}

func TestContextSummaryTruncates(t *testing.T) {
	long := strings.Repeat("é", 400)
	got := ContextSummary([]core.LeaderboardEntry{
		{Username: long, Count: 2},
		{Username: long, Count: 1},
	})
	assert.Equal(t, contextSummaryLimit, utf8.RuneCountInString(got))
	assert.True(t, utf8.ValidString(got))
}

func TestOvertakeMessage(t *testing.T) {
	got := OvertakeMessage(core.OvertakeEvent{From: "alice", To: "bob", Count: 10})
	assert.Equal(t, "bob just claimed the top chatter spot with 10 messages!", got)
}

func TestDescribeWindow(t *testing.T) {
	tests := map[time.Duration]string{
		time.Minute:       "1 minute",
		2 * time.Minute:   "2 minutes",
		90 * time.Second:  "90 seconds",
		30 * time.Second:  "30 seconds",
		time.Second:       "1 second",
		time.Millisecond:  "1 second",
		10 * time.Minute:  "10 minutes",
		121 * time.Second: "121 seconds",
	}
	for in, want := range tests {
		assert.Equal(t, want, describeWindow(in), "window %s", in)
	}
}

func TestDigestMessageFitsAll(t *testing.T) {
	msg, n := DigestMessage([]core.OvertakeEvent{
		{From: "A", To: "B", Count: 5},
		{From: "B", To: "C", Count: 1},
	}, 2*time.Minute, 300)
	assert.Equal(t, 2, n)
	assert.Equal(t, "Here are the overtakes that happened in the last 2 minutes: B over A (5 msgs) | C over B (1 msg)", msg)
}

func TestDigestMessageCapsWithRemainder(t *testing.T) {
	var events []core.OvertakeEvent
	for i := 0; i < 40; i++ {
		events = append(events, core.OvertakeEvent{
			From:  fmt.Sprintf("chatter_from_%02d", i),
			To:    fmt.Sprintf("chatter_to_%02d", i),
			Count: 100 + i,
		})
	}
	msg, n := DigestMessage(events, time.Minute, 300)

	assert.LessOrEqual(t, utf8.RuneCountInString(msg), 300)
	assert.Greater(t, n, 0)
	assert.Less(t, n, len(events))
	assert.True(t, strings.HasSuffix(msg, fmt.Sprintf("... +%d more", len(events)-n)), msg)
	assert.True(t, strings.HasPrefix(msg, "Here are the overtakes that happened in the last 1 minute: chatter_to_00 over chatter_from_00"))
}

func TestDigestMessageSingleOversizedEntry(t *testing.T) {
	events := []core.OvertakeEvent{{From: strings.Repeat("x", 400), To: "y", Count: 3}}
	msg, n := DigestMessage(events, time.Minute, 300)
	assert.Equal(t, 0, n)
	assert.Equal(t, "Here are the overtakes that happened in the last 1 minute: ... +1 more", msg)
}
