package session

import (
	"time"

	"github.com/maypok86/otter/v2"
)

const (
	dedupeTTL      = 5 * time.Minute
	dedupeCapacity = 20_000
)

// seenIDs remembers recent message ids so frames replayed after a reconnect
// are not counted twice. Messages without an id are never deduplicated.
type seenIDs struct {
	cache *otter.Cache[string, struct{}]
}

func newSeenIDs(ttl time.Duration) *seenIDs {
	if ttl <= 0 {
		ttl = dedupeTTL
	}
	return &seenIDs{
		cache: otter.Must(&otter.Options[string, struct{}]{
			MaximumSize:      dedupeCapacity,
			InitialCapacity:  1024,
			ExpiryCalculator: otter.ExpiryWriting[string, struct{}](ttl),
		}),
	}
}

// observe reports whether id was already seen and records it otherwise.
func (s *seenIDs) observe(id string) bool {
	if id == "" {
		return false
	}
	if _, ok := s.cache.GetIfPresent(id); ok {
		return true
	}
	s.cache.Set(id, struct{}{})
	return false
}

func (s *seenIDs) reset() {
	s.cache.InvalidateAll()
}
