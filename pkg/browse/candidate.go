package browse

import (
	"time"

	"github.com/reliquary/matchbrowse/pkg/protocol"
)

// PingUnknown is the sentinel for "never successfully probed"
const PingUnknown = -1

// Candidate is the long-lived record the browser and quickmatch reason
// about: one session handle plus everything beacon probes have learned.
// Identity (Handle.ID) never changes after creation; only probe-derived
// fields mutate, and only through CandidateStore.
type Candidate struct {
	Handle SessionHandle

	Ping       int // milliseconds, PingUnknown until a probe succeeds
	MOTD       string
	CurrentMap string
	Players    []protocol.PlayerRow
	Rules      []protocol.RuleEntry
	Instances  []protocol.InstanceRecord // hubs only

	// IsFakeAggregate marks the synthetic "browse all individual servers"
	// pseudo-hub; it is exempt from liveness and expiry checks.
	IsFakeAggregate bool

	LastProbe time.Time // zero until the first successful probe
}

func newCandidate(h SessionHandle) *Candidate {
	return &Candidate{
		Handle: h,
		Ping:   PingUnknown,
	}
}

// NewAggregateCandidate builds the synthetic pseudo-hub that stands in for
// "browse all individual servers" in a hub list.
func NewAggregateCandidate(id SessionID, name string) *Candidate {
	c := newCandidate(SessionHandle{
		ID:           id,
		Name:         name,
		GameModePath: HubGameModePath,
	})
	c.IsFakeAggregate = true
	return c
}

// Probed reports whether any probe has ever succeeded for this candidate
func (c *Candidate) Probed() bool {
	return !c.LastProbe.IsZero()
}

// NumPlayers prefers the probed player list over the search-time count
func (c *Candidate) NumPlayers() int {
	if c.Probed() {
		return len(c.Players)
	}
	return c.Handle.NumPlayers
}

// IsHub reports whether the candidate is a hub (real or synthetic)
func (c *Candidate) IsHub() bool {
	return c.IsFakeAggregate || c.Handle.IsHub()
}
