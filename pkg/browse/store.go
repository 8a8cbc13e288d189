package browse

import (
	"net"
	"sort"
	"sync"
	"time"

	"github.com/reliquary/matchbrowse/pkg/protocol"
)

// CandidateStore owns the two mutable collections the rest of the system
// reads: plain servers and hubs, each keyed by session identity. All merge
// and expiry semantics live here; probes and searches never mutate a
// Candidate directly. A single mutex covers both maps - probe completions are
// the only writers and at most one probe is outstanding per candidate.
type CandidateStore struct {
	mu      sync.RWMutex
	servers map[SessionID]*Candidate
	hubs    map[SessionID]*Candidate
}

// NewCandidateStore creates an empty store
func NewCandidateStore() *CandidateStore {
	return &CandidateStore{
		servers: make(map[SessionID]*Candidate),
		hubs:    make(map[SessionID]*Candidate),
	}
}

// AddSyntheticAggregate inserts (or returns the existing) "browse all
// servers" pseudo-hub. It survives every reconcile.
func (s *CandidateStore) AddSyntheticAggregate(id SessionID, name string) *Candidate {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.hubs[id]; ok {
		return existing
	}
	c := NewAggregateCandidate(id, name)
	s.hubs[id] = c
	return c
}

// ReconcileServers merges a fresh search generation into the plain-server
// collection and expires candidates the new generation no longer reports.
// Returns the candidates the generation now covers, in handle order.
func (s *CandidateStore) ReconcileServers(handles []SessionHandle) []*Candidate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return reconcile(s.servers, handles)
}

// ReconcileHubs does the same for the hub collection. The synthetic
// aggregate, if present, is exempt from expiry.
func (s *CandidateStore) ReconcileHubs(handles []SessionHandle) []*Candidate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return reconcile(s.hubs, handles)
}

func reconcile(coll map[SessionID]*Candidate, handles []SessionHandle) []*Candidate {
	seen := make(map[SessionID]bool, len(handles))
	out := make([]*Candidate, 0, len(handles))

	for _, h := range handles {
		seen[h.ID] = true
		if existing, ok := coll[h.ID]; ok {
			// Known candidate: adopt the new generation's static
			// attributes, keep everything probes have learned.
			existing.Handle = h
			out = append(out, existing)
			continue
		}
		c := newCandidate(h)
		coll[h.ID] = c
		out = append(out, c)
	}

	for id, c := range coll {
		if !seen[id] && !c.IsFakeAggregate {
			delete(coll, id)
		}
	}

	return out
}

// MergeProbeSuccess replaces a candidate's probe-derived fields wholesale
// with one successful exchange's data. Merging the same result twice is a
// no-op relative to merging it once; a late arrival simply overwrites an
// earlier one's fields. Rules gain three synthetic entries: IP and Port
// split from the connect string, and the server version.
func (s *CandidateStore) MergeProbeSuccess(id SessionID, res *ProbeResult) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.lookup(id)
	if c == nil {
		return
	}

	c.Ping = res.Ping
	c.MOTD = res.MOTD
	c.CurrentMap = res.CurrentMap
	c.Players = res.Players
	c.Rules = appendSyntheticRules(res.Rules, &c.Handle)
	if c.IsHub() {
		c.Instances = res.Instances
	} else {
		c.Instances = nil
	}
	c.LastProbe = time.Now()
}

// MergeProbeFailure records a failed probe: every previously known
// attribute stays, and the ping returns to unknown.
func (s *CandidateStore) MergeProbeFailure(id SessionID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.lookup(id)
	if c == nil {
		return
	}
	c.Ping = PingUnknown
}

func (s *CandidateStore) lookup(id SessionID) *Candidate {
	if c, ok := s.servers[id]; ok {
		return c
	}
	return s.hubs[id]
}

func appendSyntheticRules(rules []protocol.RuleEntry, h *SessionHandle) []protocol.RuleEntry {
	ip, port, err := net.SplitHostPort(h.GameAddr)
	if err != nil {
		ip = h.GameAddr
		port = ""
	}
	out := make([]protocol.RuleEntry, 0, len(rules)+3)
	out = append(out, rules...)
	out = append(out,
		protocol.RuleEntry{Key: "IP", Value: ip},
		protocol.RuleEntry{Key: "Port", Value: port},
		protocol.RuleEntry{Key: "Version", Value: h.Version},
	)
	return out
}

// Server returns the plain-server candidate with the given id, or nil
func (s *CandidateStore) Server(id SessionID) *Candidate {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.servers[id]
}

// Hub returns the hub candidate with the given id, or nil
func (s *CandidateStore) Hub(id SessionID) *Candidate {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hubs[id]
}

// Servers returns a snapshot slice of all plain-server candidates,
// ordered by name for deterministic iteration
func (s *CandidateStore) Servers() []*Candidate {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return snapshot(s.servers)
}

// Hubs returns a snapshot slice of all hub candidates
func (s *CandidateStore) Hubs() []*Candidate {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return snapshot(s.hubs)
}

func snapshot(coll map[SessionID]*Candidate) []*Candidate {
	out := make([]*Candidate, 0, len(coll))
	for _, c := range coll {
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Handle.Name < out[j].Handle.Name
	})
	return out
}
