package stats

import (
	"slices"
	"strings"

	"github.com/you/ailicia-topchat/internal/core"
)

// ExclusionSet holds normalized usernames hidden from ranking.
type ExclusionSet map[string]struct{}

func NewExclusionSet(names []string) ExclusionSet {
	set := make(ExclusionSet, len(names))
	for _, name := range names {
		if key := core.NormalizeUsername(name); key != "" {
			set[key] = struct{}{}
		}
	}
	return set
}

// ParseExclusions splits a comma separated list such as "Nightbot, streamelements".
func ParseExclusions(raw string) ExclusionSet {
	return NewExclusionSet(strings.Split(raw, ","))
}

func (e ExclusionSet) Has(name string) bool {
	if len(e) == 0 {
		return false
	}
	_, ok := e[core.NormalizeUsername(name)]
	return ok
}

// Names returns the sorted normalized usernames.
func (e ExclusionSet) Names() []string {
	out := make([]string, 0, len(e))
	for name := range e {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}
