package browse

import (
	"errors"
	"sync"
)

// ErrSearchInFlight is returned by FindSessions while a search is running
var ErrSearchInFlight = errors.New("session search already in flight")

// StaticSearcher is a SessionSearcher over a fixed handle list. It backs
// the demo CLI (candidates given on the command line) and tests; a real
// deployment plugs the platform's session backend in behind the same
// interface.
type StaticSearcher struct {
	mu       sync.Mutex
	handles  []SessionHandle
	searchID int
	active   bool
}

// NewStaticSearcher creates a searcher answering every query from handles
func NewStaticSearcher(handles []SessionHandle) *StaticSearcher {
	return &StaticSearcher{handles: handles}
}

// SetHandles replaces the result set served to subsequent searches
func (s *StaticSearcher) SetHandles(handles []SessionHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handles = handles
}

// FindSessions applies the filter to the static handle list and delivers
// the matches asynchronously
func (s *StaticSearcher) FindSessions(filter SessionFilter, onComplete func([]SessionHandle, error)) error {
	s.mu.Lock()
	if s.active {
		s.mu.Unlock()
		return ErrSearchInFlight
	}
	s.active = true
	s.searchID++
	id := s.searchID

	var out []SessionHandle
	for _, h := range s.handles {
		if filter.Version != "" && h.Version != filter.Version {
			continue
		}
		if filter.ExcludeHubInstances && h.Flags&FlagHubInstance != 0 {
			continue
		}
		if filter.GameModePath != "" && h.GameModePath != filter.GameModePath {
			continue
		}
		if filter.LAN && h.Flags&FlagLAN == 0 {
			continue
		}
		out = append(out, h)
		if filter.MaxResults > 0 && len(out) >= filter.MaxResults {
			break
		}
	}
	s.mu.Unlock()

	go func() {
		s.mu.Lock()
		// A cancel that raced in invalidates this delivery
		stale := s.searchID != id || !s.active
		if !stale {
			s.active = false
		}
		s.mu.Unlock()
		if !stale {
			onComplete(out, nil)
		}
	}()
	return nil
}

// CancelFindSessions drops any in-flight search and always calls back
func (s *StaticSearcher) CancelFindSessions(onComplete func()) {
	s.mu.Lock()
	s.active = false
	s.searchID++
	s.mu.Unlock()
	go onComplete()
}
