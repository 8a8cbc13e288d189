package browse

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/reliquary/matchbrowse/pkg/protocol"
)

func candidate(name string, ping int) *Candidate {
	c := newCandidate(SessionHandle{ID: SessionID(name), Name: name})
	c.Ping = ping
	return c
}

func TestBestPing(t *testing.T) {
	assert.Equal(t, PingUnknown, BestPing(nil))
	assert.Equal(t, PingUnknown, BestPing([]*Candidate{candidate("a", PingUnknown)}))
	assert.Equal(t, 20, BestPing([]*Candidate{
		candidate("a", 80),
		candidate("b", PingUnknown),
		candidate("c", 20),
	}))
}

func TestHideUnresponsiveThreshold(t *testing.T) {
	tests := []struct {
		name     string
		bestPing int
		ping     int
		visible  bool
	}{
		// Best ping 10 -> threshold is the floor of 100
		{"well under floor", 10, 90, true},
		{"at floor", 10, 100, true},
		{"over floor", 10, 101, false},
		// Best ping 80 -> threshold 160
		{"under doubled best", 80, 159, true},
		{"at doubled best", 80, 160, true},
		{"over doubled best", 80, 161, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			all := []*Candidate{
				candidate("best", tt.bestPing),
				candidate("subject", tt.ping),
			}
			out := FilterServers(all, FilterOptions{HideUnresponsive: true})
			names := candidateNames(out)
			if tt.visible {
				assert.Contains(t, names, "subject")
			} else {
				assert.NotContains(t, names, "subject")
			}
		})
	}
}

func TestHideUnresponsiveNeverHidesPopulatedServers(t *testing.T) {
	populated := candidate("busy", PingUnknown)
	populated.Players = []protocol.PlayerRow{{Name: "someone", PlayerID: "p"}}
	populated.LastProbe = time.Now()

	all := []*Candidate{candidate("best", 10), populated, candidate("dead", PingUnknown)}
	out := FilterServers(all, FilterOptions{HideUnresponsive: true})
	names := candidateNames(out)
	assert.Contains(t, names, "busy")
	assert.NotContains(t, names, "dead")
}

func TestThresholdComputedOverUnfilteredSuperset(t *testing.T) {
	// The best server does not match the text filter, but its ping still
	// anchors the threshold: 2*60=120, so 130 is hidden.
	all := []*Candidate{
		candidate("anchor", 60),
		candidate("laggy match", 130),
	}
	out := FilterServers(all, FilterOptions{
		QuickText:        "match",
		HideUnresponsive: true,
	})
	assert.Empty(t, out)
}

func TestQuickTextIsCaseSensitive(t *testing.T) {
	all := []*Candidate{
		candidate("DeathMatch Arena", 10),
		candidate("deathmatch arena", 10),
	}
	out := FilterServers(all, FilterOptions{QuickText: "DeathMatch"})
	require.Len(t, out, 1)
	assert.Equal(t, "DeathMatch Arena", out[0].Handle.Name)
}

func TestGameModeFilter(t *testing.T) {
	dm := candidate("dm", 10)
	dm.Handle.GameModeName = "Deathmatch"
	ctf := candidate("ctf", 10)
	ctf.Handle.GameModeName = "Capture the Flag"
	all := []*Candidate{dm, ctf}

	assert.Len(t, FilterServers(all, FilterOptions{}), 2)
	assert.Len(t, FilterServers(all, FilterOptions{GameMode: "All"}), 2)
	out := FilterServers(all, FilterOptions{GameMode: "Deathmatch"})
	require.Len(t, out, 1)
	assert.Equal(t, "dm", out[0].Handle.Name)
}

func TestRankGating(t *testing.T) {
	open := candidate("open", 10)
	gated := candidate("gated", 10)
	gated.Handle.MinRank = 100
	gated.Handle.MaxRank = 200
	agg := NewAggregateCandidate("all", "All Servers")
	all := []*Candidate{open, gated, agg}

	tests := []struct {
		name    string
		rank    int
		visible []string
	}{
		{"below minimum", 50, []string{"open", "All Servers"}},
		{"within band", 150, []string{"open", "gated", "All Servers"}},
		{"above maximum", 250, []string{"open", "All Servers"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := FilterHubs(all, FilterOptions{GateByRank: true, PlayerBaseRank: tt.rank})
			assert.ElementsMatch(t, tt.visible, candidateNames(out))
		})
	}
}

func TestRankGatingIgnoredForServerViews(t *testing.T) {
	gated := candidate("gated", 10)
	gated.Handle.MinRank = 100
	out := FilterServers([]*Candidate{gated}, FilterOptions{GateByRank: true, PlayerBaseRank: 1})
	assert.Len(t, out, 1)
}

func TestSortStateToggle(t *testing.T) {
	var s SortState
	s.Select(SortByPing)
	assert.Equal(t, SortByPing, s.Column)
	assert.False(t, s.Descending)

	s.Select(SortByPing)
	assert.True(t, s.Descending)

	s.Select(SortByName)
	assert.Equal(t, SortByName, s.Column)
	assert.False(t, s.Descending)
}

func TestPingSortSentinelAlwaysWorst(t *testing.T) {
	build := func() []*Candidate {
		return []*Candidate{
			candidate("mid", 50),
			candidate("dead", PingUnknown),
			candidate("fast", 10),
		}
	}

	asc := build()
	Sort(asc, SortState{Column: SortByPing})
	assert.Equal(t, []string{"fast", "mid", "dead"}, candidateNames(asc))

	desc := build()
	Sort(desc, SortState{Column: SortByPing, Descending: true})
	assert.Equal(t, []string{"mid", "fast", "dead"}, candidateNames(desc))
}

func TestSortByPlayersStable(t *testing.T) {
	a := candidate("a", 10)
	b := candidate("b", 10)
	c := candidate("c", 10)
	a.Handle.NumPlayers = 5
	b.Handle.NumPlayers = 5
	c.Handle.NumPlayers = 2

	list := []*Candidate{a, b, c}
	Sort(list, SortState{Column: SortByPlayers})
	// c first, then a and b in original relative order
	assert.Equal(t, []string{"c", "a", "b"}, candidateNames(list))
}

func TestPingSentinelWorstUnderEitherDirection(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 20).Draw(t, "n")
		list := make([]*Candidate, n)
		for i := range list {
			ping := rapid.IntRange(-1, 300).Draw(t, "ping")
			list[i] = candidate(string(rune('a'+i)), ping)
		}
		descending := rapid.Bool().Draw(t, "descending")

		Sort(list, SortState{Column: SortByPing, Descending: descending})

		// Once an unknown ping appears, everything after it is unknown too
		seenUnknown := false
		for _, c := range list {
			if c.Ping < 0 {
				seenUnknown = true
			} else if seenUnknown {
				t.Fatalf("responsive candidate sorted after an unresponsive one: %v", candidateNames(list))
			}
		}
	})
}

func candidateNames(list []*Candidate) []string {
	names := make([]string, 0, len(list))
	for _, c := range list {
		names = append(names, c.Handle.Name)
	}
	return names
}
