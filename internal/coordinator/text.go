package coordinator

import (
	"fmt"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/you/ailicia-topchat/internal/core"
)

const (
	contextSummaryLimit = 680
	digestLimit         = 300
	contextPrefix       = "Top chatters update: "
)

// ContextSummary renders the ranked entries as the context line sent to ai_licia.
func ContextSummary(entries []core.LeaderboardEntry) string {
	parts := make([]string, 0, len(entries))
	for i, e := range entries {
		parts = append(parts, fmt.Sprintf("#%d %s (%s)", i+1, e.Username, plural(e.Count, "msg")))
	}
	return truncateRunes(contextPrefix+strings.Join(parts, " | "), contextSummaryLimit)
}

// OvertakeMessage is the reaction prompt for a single leader change.
func OvertakeMessage(ev core.OvertakeEvent) string {
	return fmt.Sprintf("%s just claimed the top chatter spot with %d messages!", ev.To, ev.Count)
}

// DigestMessage batches overtakes into one prompt of at most limit runes. It
// returns the message and how many events made it in.
func DigestMessage(events []core.OvertakeEvent, window time.Duration, limit int) (string, int) {
	if limit <= 0 {
		limit = digestLimit
	}
	prefix := "Here are the overtakes that happened in the last " + describeWindow(window) + ": "

	parts := make([]string, 0, len(events))
	for _, ev := range events {
		part := fmt.Sprintf("%s over %s (%s)", ev.To, ev.From, plural(ev.Count, "msg"))
		candidate := prefix + strings.Join(parts, " | ")
		if len(parts) > 0 {
			candidate += " | "
		}
		candidate += part
		if utf8.RuneCountInString(candidate) > limit {
			break
		}
		parts = append(parts, part)
	}

	remaining := len(events) - len(parts)
	if remaining == 0 {
		return prefix + strings.Join(parts, " | "), len(parts)
	}
	for {
		body := strings.Join(parts, " | ")
		if body != "" {
			body += " "
		}
		msg := prefix + body + fmt.Sprintf("... +%d more", remaining)
		if utf8.RuneCountInString(msg) <= limit || len(parts) == 0 {
			return truncateRunes(msg, limit), len(parts)
		}
		parts = parts[:len(parts)-1]
		remaining++
	}
}

func describeWindow(d time.Duration) string {
	if d >= time.Minute && d%time.Minute == 0 {
		return plural(int(d/time.Minute), "minute")
	}
	secs := int(math.Round(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return plural(secs, "second")
}

func plural(n int, word string) string {
	if n == 1 {
		return fmt.Sprintf("%d %s", n, word)
	}
	return fmt.Sprintf("%d %ss", n, word)
}

func truncateRunes(s string, max int) string {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max])
}
