package browse

import (
	"sort"
	"strings"
)

// The filter/rank engine is pure: every function here derives a disposable
// view from candidate snapshots without side effects, so views can be
// recomputed at any time.

// UnresponsivePingFloor is the absolute floor (ms) for the hide-unresponsive
// threshold: a candidate is hidden once its ping exceeds
// max(2*bestPingInSet, UnresponsivePingFloor).
const UnresponsivePingFloor = 100

// FilterOptions selects which candidates a view shows
type FilterOptions struct {
	// GameMode passes everything when empty or "All", otherwise requires
	// an exact match on the declared game-mode name.
	GameMode string
	// QuickText passes everything when empty, otherwise requires a
	// case-sensitive substring match on the server name.
	QuickText string
	// HideUnresponsive hides candidates whose ping (with "no reply"
	// counting as infinitely bad) exceeds the threshold, unless they
	// currently have players.
	HideUnresponsive bool
	// GateByRank applies min/max rank gating. Hub views only.
	GateByRank     bool
	PlayerBaseRank int
}

// BestPing returns the best (lowest) successful ping across the unfiltered
// candidate superset, or PingUnknown if nothing has answered yet.
func BestPing(all []*Candidate) int {
	best := PingUnknown
	for _, c := range all {
		if c.Ping < 0 {
			continue
		}
		if best < 0 || c.Ping < best {
			best = c.Ping
		}
	}
	return best
}

// FilterServers applies the view predicate to the plain-server superset
func FilterServers(all []*Candidate, opts FilterOptions) []*Candidate {
	opts.GateByRank = false // rank gating is a hub concern
	return filter(all, opts)
}

// FilterHubs applies the view predicate to the hub superset
func FilterHubs(all []*Candidate, opts FilterOptions) []*Candidate {
	return filter(all, opts)
}

func filter(all []*Candidate, opts FilterOptions) []*Candidate {
	// Threshold is derived from the unfiltered superset, before any
	// predicate runs.
	best := BestPing(all)
	threshold := 2 * best
	if threshold < UnresponsivePingFloor {
		threshold = UnresponsivePingFloor
	}

	out := make([]*Candidate, 0, len(all))
	for _, c := range all {
		if passes(c, opts, threshold) {
			out = append(out, c)
		}
	}
	return out
}

func passes(c *Candidate, opts FilterOptions, threshold int) bool {
	if opts.GameMode != "" && opts.GameMode != "All" &&
		c.Handle.GameModeName != opts.GameMode {
		return false
	}
	if opts.QuickText != "" && !strings.Contains(c.Handle.Name, opts.QuickText) {
		return false
	}
	if opts.GateByRank && !c.IsFakeAggregate {
		min, max := c.Handle.MinRank, c.Handle.MaxRank
		if min > 0 && opts.PlayerBaseRank < min {
			return false
		}
		if max > 0 && opts.PlayerBaseRank > max {
			return false
		}
	}
	if opts.HideUnresponsive {
		// A candidate with players stays visible no matter its ping. A
		// candidate with no reply is treated like one with a very bad
		// ping.
		if c.NumPlayers() == 0 {
			if c.Ping < 0 || c.Ping > threshold {
				return false
			}
		}
	}
	return true
}

// SortColumn names the column a view is ordered by
type SortColumn int

const (
	SortByName SortColumn = iota
	SortByMap
	SortByGameMode
	SortByPlayers
	SortBySpectators
	SortByPing
)

// SortState tracks the selected column and direction. Selecting the same
// column again toggles direction; selecting a new column resets to
// ascending.
type SortState struct {
	Column     SortColumn
	Descending bool
}

// Select applies the column-toggle semantics
func (s *SortState) Select(col SortColumn) {
	if s.Column == col {
		s.Descending = !s.Descending
		return
	}
	s.Column = col
	s.Descending = false
}

// Sort orders candidates in place, stably, by the selected column and
// direction. Ping is special: a candidate that never answered sorts as
// worse than any candidate with a real ping, under either direction.
func Sort(list []*Candidate, state SortState) {
	sort.SliceStable(list, func(i, j int) bool {
		return less(list[i], list[j], state)
	})
}

func less(a, b *Candidate, state SortState) bool {
	if state.Column == SortByPing {
		aUnknown, bUnknown := a.Ping < 0, b.Ping < 0
		if aUnknown != bUnknown {
			// Unresponsive floats to the bottom regardless of direction
			return bUnknown
		}
		if aUnknown {
			return false
		}
		if state.Descending {
			return a.Ping > b.Ping
		}
		return a.Ping < b.Ping
	}

	var cmp int
	switch state.Column {
	case SortByName:
		cmp = strings.Compare(a.Handle.Name, b.Handle.Name)
	case SortByMap:
		cmp = strings.Compare(a.CurrentMap, b.CurrentMap)
	case SortByGameMode:
		cmp = strings.Compare(a.Handle.GameModeName, b.Handle.GameModeName)
	case SortByPlayers:
		cmp = compareInt(a.NumPlayers(), b.NumPlayers())
	case SortBySpectators:
		cmp = compareInt(a.Handle.NumSpectators, b.Handle.NumSpectators)
	}
	if state.Descending {
		return cmp > 0
	}
	return cmp < 0
}

func compareInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
