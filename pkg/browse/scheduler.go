package browse

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// ProbeHandle is the scheduler's view of an in-flight probe: something it
// can tear down on cancel.
type ProbeHandle interface {
	Close()
}

// ProbeOpener starts a probe for a candidate and returns its handle. It
// must not block, and must deliver the completion on a separate goroutine.
// The default opener runs a real BeaconProbe.
type ProbeOpener func(c *Candidate, onDone func(*ProbeResult)) ProbeHandle

// PingProbeTicket is one unit of in-flight work: a candidate, its open
// probe, and when it was admitted. At most one ticket exists per candidate.
type PingProbeTicket struct {
	Candidate *Candidate
	Probe     ProbeHandle
	IssuedAt  time.Time
}

// SchedulerOptions configures a ProbeScheduler sweep driver
type SchedulerOptions struct {
	// Window bounds how many probes may be in flight at once. Hubs and
	// plain servers may use different limits, so this is never hardcoded.
	Window  int
	Opener  ProbeOpener
	Logger  *zap.Logger
	Metrics *Metrics

	// OnResult fires after each completion has been merged into the store
	OnResult func(c *Candidate, res *ProbeResult)
	// OnSettled fires exactly once per sweep, after the last completion
	OnSettled func()
}

// ProbeScheduler drains a FIFO queue of candidates through a bounded
// concurrency window and signals once when the sweep has settled (queue
// empty, nothing in flight). Completions merge into the CandidateStore
// before any callback observes them.
type ProbeScheduler struct {
	store *CandidateStore
	opts  SchedulerOptions

	// dispatchMu serializes completion handling so that OnSettled can
	// never overtake an earlier completion's OnResult.
	dispatchMu sync.Mutex

	mu        sync.Mutex
	queue     []*Candidate
	inFlight  map[SessionID]*PingProbeTicket
	enqueued  map[SessionID]bool
	sweepOpen bool
	cancelled bool
}

// NewProbeScheduler creates a scheduler writing into the given store
func NewProbeScheduler(store *CandidateStore, opts SchedulerOptions) *ProbeScheduler {
	if opts.Window <= 0 {
		opts.Window = 10
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	s := &ProbeScheduler{
		store:    store,
		opts:     opts,
		inFlight: make(map[SessionID]*PingProbeTicket),
		enqueued: make(map[SessionID]bool),
	}
	if s.opts.Opener == nil {
		s.opts.Opener = func(c *Candidate, onDone func(*ProbeResult)) ProbeHandle {
			return OpenProbe(c, ProbeConfig{Logger: opts.Logger}, onDone)
		}
	}
	return s
}

// Begin starts a new sweep over the given candidates. An empty sweep
// settles immediately. Calling Begin clears any previous cancellation.
func (s *ProbeScheduler) Begin(cands []*Candidate) {
	s.mu.Lock()
	s.cancelled = false
	s.sweepOpen = true
	for _, c := range cands {
		s.enqueueLocked(c)
	}
	s.drainLocked()
	settled := s.settleLocked()
	s.mu.Unlock()

	if settled && s.opts.OnSettled != nil {
		s.opts.OnSettled()
	}
}

// Enqueue adds a candidate to the current sweep. A candidate already
// queued or in flight is not admitted twice.
func (s *ProbeScheduler) Enqueue(c *Candidate) {
	s.mu.Lock()
	if s.cancelled {
		s.mu.Unlock()
		return
	}
	s.enqueueLocked(c)
	s.drainLocked()
	s.mu.Unlock()
}

func (s *ProbeScheduler) enqueueLocked(c *Candidate) {
	id := c.Handle.ID
	if s.enqueued[id] {
		return
	}
	if _, inflight := s.inFlight[id]; inflight {
		return
	}
	s.enqueued[id] = true
	s.queue = append(s.queue, c)
}

// drainLocked admits queued candidates while the window has room
func (s *ProbeScheduler) drainLocked() {
	for len(s.queue) > 0 && len(s.inFlight) < s.opts.Window {
		c := s.queue[0]
		s.queue = s.queue[1:]
		delete(s.enqueued, c.Handle.ID)

		ticket := &PingProbeTicket{Candidate: c, IssuedAt: time.Now()}
		s.inFlight[c.Handle.ID] = ticket

		if s.opts.Metrics != nil {
			s.opts.Metrics.ProbeIssued()
		}
		id := c.Handle.ID
		ticket.Probe = s.opts.Opener(c, func(res *ProbeResult) {
			s.complete(id, res)
		})
	}
	if s.opts.Metrics != nil {
		s.opts.Metrics.SetProbesInFlight(len(s.inFlight))
	}
}

func (s *ProbeScheduler) complete(id SessionID, res *ProbeResult) {
	s.dispatchMu.Lock()
	defer s.dispatchMu.Unlock()

	// Ticket removal and store merge share one critical section with the
	// cancelled check: once Cancel has acquired the lock, no completion
	// can mutate the store.
	s.mu.Lock()
	if s.cancelled {
		s.mu.Unlock()
		return
	}
	ticket, ok := s.inFlight[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.inFlight, id)
	cand := ticket.Candidate

	if res.Err != nil {
		s.store.MergeProbeFailure(id)
		if s.opts.Metrics != nil {
			s.opts.Metrics.ProbeFailed()
		}
	} else {
		s.store.MergeProbeSuccess(id, res)
		if s.opts.Metrics != nil {
			s.opts.Metrics.ProbeSucceeded(res.Ping)
		}
	}
	s.mu.Unlock()

	if s.opts.OnResult != nil {
		s.opts.OnResult(cand, res)
	}

	s.mu.Lock()
	if s.cancelled {
		s.mu.Unlock()
		return
	}
	s.drainLocked()
	settled := s.settleLocked()
	s.mu.Unlock()

	if settled && s.opts.OnSettled != nil {
		s.opts.OnSettled()
	}
}

// settleLocked flips the sweep closed if it just drained; the caller fires
// the event outside the lock. Edge-triggered: true at most once per sweep.
func (s *ProbeScheduler) settleLocked() bool {
	if s.sweepOpen && len(s.queue) == 0 && len(s.inFlight) == 0 {
		s.sweepOpen = false
		if s.opts.Metrics != nil {
			s.opts.Metrics.SweepSettled()
		}
		return true
	}
	return false
}

// Cancel tears down every outstanding probe connection and clears the
// queue. No completion callback mutates state after Cancel returns; the
// sweep's Settled event will not fire.
func (s *ProbeScheduler) Cancel() {
	s.mu.Lock()
	s.cancelled = true
	s.sweepOpen = false
	tickets := make([]*PingProbeTicket, 0, len(s.inFlight))
	for _, t := range s.inFlight {
		tickets = append(tickets, t)
	}
	s.inFlight = make(map[SessionID]*PingProbeTicket)
	s.queue = nil
	s.enqueued = make(map[SessionID]bool)
	s.mu.Unlock()

	for _, t := range tickets {
		if t.Probe != nil {
			t.Probe.Close()
		}
	}
	if s.opts.Metrics != nil {
		s.opts.Metrics.SetProbesInFlight(0)
	}
}

// InFlight reports the number of tickets currently outstanding
func (s *ProbeScheduler) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inFlight)
}

// QueueLen reports the number of candidates awaiting admission
func (s *ProbeScheduler) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}
