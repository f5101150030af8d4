package sse

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"sort"
	"strings"
	"time"
)

const (
	dropSummaryInterval = 5 * time.Second
	dropSampleMaxLen    = 96
)

var (
	bearerRe    = regexp.MustCompile(`(?i)bearer\s+[^\s",]+`)
	longTokenRe = regexp.MustCompile(`[A-Za-z0-9+/_=\-]{32,}`)
)

type dropReasonSummary struct {
	total         int
	byEvent       map[string]int
	sampleByEvent map[string]string
}

// dropLogger aggregates filtered frames so a chatty stream produces one log
// line per reason per interval.
type dropLogger struct {
	verbose  bool
	interval time.Duration
	nextEmit time.Time
	reasons  map[string]*dropReasonSummary
}

func newDropLogger(now time.Time, verbose bool, interval time.Duration) *dropLogger {
	if interval <= 0 {
		interval = dropSummaryInterval
	}
	return &dropLogger{
		verbose:  verbose,
		interval: interval,
		nextEmit: now.Add(interval),
		reasons:  make(map[string]*dropReasonSummary),
	}
}

func (d *dropLogger) note(now time.Time, reason string, f Frame) {
	if d == nil {
		return
	}
	event := f.Event
	if event == "" {
		event = defaultEvent
	}
	sample := sanitizeAndTruncate(f.Data, dropSampleMaxLen)
	if d.verbose {
		slog.Debug("sse: dropped frame", "reason", reason, "event", event, "id", f.ID, "sample", sample)
	}

	entry := d.reasons[reason]
	if entry == nil {
		entry = &dropReasonSummary{
			byEvent:       make(map[string]int),
			sampleByEvent: make(map[string]string),
		}
		d.reasons[reason] = entry
	}
	entry.total++
	entry.byEvent[event]++
	if _, ok := entry.sampleByEvent[event]; !ok {
		entry.sampleByEvent[event] = sample
	}

	if !now.Before(d.nextEmit) {
		d.flush(now)
	}
}

func (d *dropLogger) flush(now time.Time) {
	if d == nil {
		return
	}
	for _, reason := range sortedKeys(d.reasons) {
		rs := d.reasons[reason]
		if rs == nil || rs.total == 0 {
			continue
		}
		slog.Info("sse: dropped_"+reason,
			"total", rs.total,
			"events", formatEventCounts(rs.byEvent),
			"samples", formatEventSamples(rs.sampleByEvent),
		)
	}
	clear(d.reasons)
	d.nextEmit = now.Add(d.interval)
}

func sanitizeAndTruncate(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	if s == "" {
		return ""
	}
	s = bearerRe.ReplaceAllString(s, "Bearer [REDACTED]")
	s = longTokenRe.ReplaceAllString(s, "[REDACTED]")

	if max <= 0 || len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	cut := max - 3
	for cut > 0 && !isRuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }

func readDropDebugEnv() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("AILICIA_DEBUG_DROPS"))) {
	case "1", "true", "yes":
		return true
	default:
		return false
	}
}

func formatEventCounts(counts map[string]int) string {
	if len(counts) == 0 {
		return "{}"
	}
	parts := make([]string, 0, len(counts))
	for _, ev := range sortedKeys(counts) {
		parts = append(parts, fmt.Sprintf("%s:%d", ev, counts[ev]))
	}
	return "{" + strings.Join(parts, " ") + "}"
}

func formatEventSamples(samples map[string]string) string {
	if len(samples) == 0 {
		return "{}"
	}
	parts := make([]string, 0, len(samples))
	for _, ev := range sortedKeys(samples) {
		parts = append(parts, ev+":'"+samples[ev]+"'")
	}
	return "{" + strings.Join(parts, " ") + "}"
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
