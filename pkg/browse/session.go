// Package browse implements the server discovery and matchmaking client:
// probing candidate servers over the beacon protocol, filtering and ranking
// the results, and running the quickmatch selection and join negotiation
// that end in a "travel to this address" instruction.
package browse

import "time"

// TrustLevel is a server-declared preference hint: lower is more trusted.
type TrustLevel int

const (
	TrustEpic      TrustLevel = 0
	TrustTrusted   TrustLevel = 1
	TrustUntrusted TrustLevel = 2
)

func (t TrustLevel) String() string {
	switch t {
	case TrustEpic:
		return "epic"
	case TrustTrusted:
		return "trusted"
	default:
		return "untrusted"
	}
}

// ServerFlags is the server attribute bitmask carried by the backend search
type ServerFlags uint32

const (
	FlagPasswordRequired ServerFlags = 1 << iota
	FlagRestricted
	FlagLAN
	FlagHubInstance // the session is a match instance inside a hub, not a server in its own right
)

// HubGameModePath marks a session as running the lobby/hub game mode
const HubGameModePath = "hub"

// SessionID identifies a session across search generations
type SessionID string

// SessionHandle is the immutable attribute bag one backend search returned
// for one server. A fresh search produces a new generation of handles that
// the store reconciles by ID.
type SessionHandle struct {
	ID           SessionID
	Name         string
	GameAddr     string // host:port to actually play on
	BeaconAddr   string // host:port of the beacon listener
	GameModePath string
	GameModeName string
	MapName      string

	NumPlayers    int
	MaxPlayers    int
	NumSpectators int
	MaxSpectators int

	Version        string
	Trust          TrustLevel
	TrainingGround bool
	MinRank        int
	MaxRank        int
	Flags          ServerFlags
	NumSubMatches  int // hubs only
}

// IsHub reports whether the session runs the lobby/hub game mode
func (h *SessionHandle) IsHub() bool {
	return h.GameModePath == HubGameModePath
}

// SessionFilter is the query-settings bag passed to the backend search
type SessionFilter struct {
	Version             string // exact network/game version match
	ExcludeHubInstances bool   // drop sessions that are matches inside a hub
	GameModePath        string // empty = any
	MaxResults          int
	LAN                 bool
	Timeout             time.Duration // 0 = backend default; LAN searches use a short timeout
}

// SessionSearcher is the backend ("online subsystem") boundary. Results are
// delivered asynchronously; the backend disallows overlapping searches, so a
// second FindSessions before the first completes returns an error.
// CancelFindSessions always invokes its callback, whether or not a search was
// in flight, and whether the backend cancel succeeded or failed.
type SessionSearcher interface {
	FindSessions(filter SessionFilter, onComplete func([]SessionHandle, error)) error
	CancelFindSessions(onComplete func())
}
