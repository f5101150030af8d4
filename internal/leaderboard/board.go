// Package leaderboard diffs consecutive ranking snapshots.
package leaderboard

import (
	"github.com/you/ailicia-topchat/internal/core"
)

// Equal reports whether two snapshots match pairwise on username, count, role
// and rate. Transition labels are ignored.
func Equal(a, b []core.LeaderboardEntry) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Username != b[i].Username ||
			a[i].Count != b[i].Count ||
			a[i].Role != b[i].Role ||
			a[i].MessagesPerMinute != b[i].MessagesPerMinute {
			return false
		}
	}
	return true
}

// Classify returns a copy of next with each entry labelled by how its
// occupant moved relative to prev.
func Classify(prev, next []core.LeaderboardEntry) []core.LeaderboardEntry {
	index := make(map[string]int, len(prev))
	for i, e := range prev {
		index[core.NormalizeUsername(e.Username)] = i
	}

	out := make([]core.LeaderboardEntry, len(next))
	for i, e := range next {
		prevRank, seen := index[core.NormalizeUsername(e.Username)]
		switch {
		case !seen:
			e.Transition = core.TransitionEnter
		case i < prevRank:
			e.Transition = core.TransitionPromoted
		case i > prevRank:
			e.Transition = core.TransitionDemoted
		case prev[prevRank].Count != e.Count:
			e.Transition = core.TransitionUpdate
		default:
			e.Transition = core.TransitionStable
		}
		out[i] = e
	}
	return out
}

// TotalRate sums the visible entries' messages per minute.
func TotalRate(entries []core.LeaderboardEntry) float64 {
	var total float64
	for _, e := range entries {
		total += e.MessagesPerMinute
	}
	return total
}

// Board remembers the last published snapshot.
type Board struct {
	prev []core.LeaderboardEntry
}

// Apply compares next against the last published snapshot. When nothing
// changed it returns (nil, false) and the board keeps its state; otherwise the
// classified entries become the new baseline.
func (b *Board) Apply(next []core.LeaderboardEntry) ([]core.LeaderboardEntry, bool) {
	if b.prev != nil && Equal(b.prev, next) {
		return nil, false
	}
	classified := Classify(b.prev, next)
	b.prev = classified
	return classified, true
}

// Current returns the last published snapshot.
func (b *Board) Current() []core.LeaderboardEntry {
	return append([]core.LeaderboardEntry(nil), b.prev...)
}

// Leader returns the rank-1 entry of the last published snapshot.
func (b *Board) Leader() (core.LeaderboardEntry, bool) {
	if len(b.prev) == 0 {
		return core.LeaderboardEntry{}, false
	}
	return b.prev[0], true
}

func (b *Board) Reset() {
	b.prev = nil
}
