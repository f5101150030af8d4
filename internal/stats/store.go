// Package stats keeps rolling per-chatter message statistics for the active
// stream session.
package stats

import (
	"cmp"
	"slices"
	"strings"
	"time"

	"github.com/you/ailicia-topchat/internal/core"
)

const (
	DefaultWindow    = 60 * time.Second
	DefaultMinSample = time.Second
	DefaultSlots     = 3
)

type Options struct {
	// Window is the trailing span used for the messages-per-minute rate.
	Window time.Duration
	// MinSample floors the span the rate is divided by so a single fresh
	// message does not read as an enormous rate.
	MinSample time.Duration
	// Slots is the number of ranked entries a snapshot returns.
	Slots int
}

type record struct {
	username    string
	role        core.Role
	total       int
	firstSeenAt time.Time
	recent      []time.Time
}

// Store is not safe for concurrent use; the session loop owns it.
type Store struct {
	window    time.Duration
	minSample time.Duration
	slots     int
	records   map[string]*record
}

func New(opts Options) *Store {
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	if opts.MinSample <= 0 {
		opts.MinSample = DefaultMinSample
	}
	if opts.MinSample > opts.Window {
		opts.MinSample = opts.Window
	}
	if opts.Slots <= 0 {
		opts.Slots = DefaultSlots
	}
	return &Store{
		window:    opts.Window,
		minSample: opts.MinSample,
		slots:     opts.Slots,
		records:   make(map[string]*record),
	}
}

// Ingest counts one message for ev.Username observed at now. Events without a
// username are ignored and reported as false.
func (s *Store) Ingest(ev core.ChatEvent, now time.Time) bool {
	key := core.NormalizeUsername(ev.Username)
	if key == "" {
		return false
	}
	rec, ok := s.records[key]
	if !ok {
		rec = &record{
			username:    strings.TrimSpace(ev.Username),
			firstSeenAt: now,
		}
		s.records[key] = rec
	}
	rec.total++
	if ev.Role != "" {
		rec.role = ev.Role
	}
	rec.recent = append(rec.recent, now)
	rec.prune(now.Add(-s.window))
	return true
}

// Prune drops window timestamps older than now-Window from every record.
// Totals are untouched and calling it again with the same now is a no-op.
func (s *Store) Prune(now time.Time) {
	cutoff := now.Add(-s.window)
	for _, rec := range s.records {
		rec.prune(cutoff)
	}
}

func (r *record) prune(cutoff time.Time) {
	i := 0
	for i < len(r.recent) && r.recent[i].Before(cutoff) {
		i++
	}
	if i == 0 {
		return
	}
	if i == len(r.recent) {
		r.recent = r.recent[:0]
		return
	}
	r.recent = append(r.recent[:0], r.recent[i:]...)
}

func (s *Store) rate(rec *record, now time.Time) float64 {
	if len(rec.recent) == 0 {
		return 0
	}
	span := now.Sub(rec.recent[0])
	if span > s.window {
		span = s.window
	}
	if span < s.minSample {
		span = s.minSample
	}
	return float64(len(rec.recent)) * float64(time.Minute) / float64(span)
}

// Snapshot prunes the window and returns the top ranked chatters that are not
// in excluded. Entries are fresh copies.
func (s *Store) Snapshot(now time.Time, excluded ExclusionSet) []core.LeaderboardEntry {
	s.Prune(now)

	entries := make([]core.LeaderboardEntry, 0, len(s.records))
	for key, rec := range s.records {
		if excluded.Has(key) {
			continue
		}
		entries = append(entries, core.LeaderboardEntry{
			Username:          rec.username,
			Role:              rec.role,
			Count:             rec.total,
			FirstSeenAt:       rec.firstSeenAt,
			MessagesPerMinute: s.rate(rec, now),
		})
	}
	SortEntries(entries)
	if len(entries) > s.slots {
		entries = entries[:s.slots]
	}
	return entries
}

// SortEntries orders by count descending, then case-insensitive username.
func SortEntries(entries []core.LeaderboardEntry) {
	slices.SortFunc(entries, func(a, b core.LeaderboardEntry) int {
		if c := cmp.Compare(b.Count, a.Count); c != 0 {
			return c
		}
		if c := cmp.Compare(strings.ToLower(a.Username), strings.ToLower(b.Username)); c != 0 {
			return c
		}
		return cmp.Compare(a.Username, b.Username)
	})
}

// Total returns the lifetime count for username.
func (s *Store) Total(username string) (int, bool) {
	rec, ok := s.records[core.NormalizeUsername(username)]
	if !ok {
		return 0, false
	}
	return rec.total, true
}

func (s *Store) Len() int { return len(s.records) }

func (s *Store) Reset() {
	clear(s.records)
}
