package browse

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// fakeProbe records teardown so tests can assert Cancel closed it
type fakeProbe struct {
	mu     sync.Mutex
	closed bool
}

func (f *fakeProbe) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

func (f *fakeProbe) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// fakeOpener hands out probes that complete only when the test says so
type fakeOpener struct {
	mu      sync.Mutex
	pending []func(*ProbeResult)
	ids     []SessionID
	probes  []*fakeProbe
}

func (f *fakeOpener) open(c *Candidate, onDone func(*ProbeResult)) ProbeHandle {
	f.mu.Lock()
	defer f.mu.Unlock()
	probe := &fakeProbe{}
	f.pending = append(f.pending, onDone)
	f.ids = append(f.ids, c.Handle.ID)
	f.probes = append(f.probes, probe)
	return probe
}

// completeNext fires the oldest pending completion with a success
func (f *fakeOpener) completeNext(ping int) bool {
	f.mu.Lock()
	if len(f.pending) == 0 {
		f.mu.Unlock()
		return false
	}
	onDone := f.pending[0]
	id := f.ids[0]
	f.pending = f.pending[1:]
	f.ids = f.ids[1:]
	f.probes = f.probes[1:]
	f.mu.Unlock()

	onDone(&ProbeResult{SessionID: id, Ping: ping})
	return true
}

func (f *fakeOpener) pendingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending)
}

func makeCandidates(store *CandidateStore, n int) []*Candidate {
	handles := make([]SessionHandle, n)
	for i := range handles {
		handles[i] = serverHandle(fmt.Sprintf("s%03d", i), fmt.Sprintf("Server %03d", i))
	}
	return store.ReconcileServers(handles)
}

func TestSchedulerWindowBound(t *testing.T) {
	store := NewCandidateStore()
	cands := makeCandidates(store, 25)
	opener := &fakeOpener{}

	settled := make(chan struct{})
	sched := NewProbeScheduler(store, SchedulerOptions{
		Window:    4,
		Opener:    opener.open,
		OnSettled: func() { close(settled) },
	})
	sched.Begin(cands)

	assert.Equal(t, 4, sched.InFlight())
	assert.Equal(t, 21, sched.QueueLen())

	// Every completion admits the next queued candidate; the window is
	// never exceeded.
	for i := 0; i < 25; i++ {
		require.True(t, opener.completeNext(10+i))
		assert.LessOrEqual(t, sched.InFlight(), 4)
	}

	select {
	case <-settled:
	case <-time.After(time.Second):
		t.Fatal("sweep never settled")
	}
	assert.Equal(t, 0, sched.InFlight())
	assert.Equal(t, 0, sched.QueueLen())
}

func TestSchedulerEmptySweepSettlesImmediately(t *testing.T) {
	store := NewCandidateStore()
	settledCount := 0
	sched := NewProbeScheduler(store, SchedulerOptions{
		Window:    4,
		Opener:    (&fakeOpener{}).open,
		OnSettled: func() { settledCount++ },
	})
	sched.Begin(nil)
	assert.Equal(t, 1, settledCount)
}

func TestSchedulerSettledFiresOncePerSweep(t *testing.T) {
	store := NewCandidateStore()
	cands := makeCandidates(store, 3)
	opener := &fakeOpener{}

	var mu sync.Mutex
	settledCount := 0
	sched := NewProbeScheduler(store, SchedulerOptions{
		Window: 10,
		Opener: opener.open,
		OnSettled: func() {
			mu.Lock()
			settledCount++
			mu.Unlock()
		},
	})

	sched.Begin(cands)
	for opener.completeNext(10) {
	}
	mu.Lock()
	assert.Equal(t, 1, settledCount)
	mu.Unlock()

	// A second sweep gets its own settle
	sched.Begin(makeCandidates(store, 2))
	for opener.completeNext(10) {
	}
	mu.Lock()
	assert.Equal(t, 2, settledCount)
	mu.Unlock()
}

func TestSchedulerResultsPrecedeSettled(t *testing.T) {
	store := NewCandidateStore()
	cands := makeCandidates(store, 5)
	opener := &fakeOpener{}

	var mu sync.Mutex
	var order []string
	sched := NewProbeScheduler(store, SchedulerOptions{
		Window: 2,
		Opener: opener.open,
		OnResult: func(c *Candidate, res *ProbeResult) {
			mu.Lock()
			order = append(order, "result")
			mu.Unlock()
		},
		OnSettled: func() {
			mu.Lock()
			order = append(order, "settled")
			mu.Unlock()
		},
	})

	sched.Begin(cands)
	for opener.completeNext(10) {
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, order, 6)
	assert.Equal(t, "settled", order[5])
	for _, ev := range order[:5] {
		assert.Equal(t, "result", ev)
	}
}

func TestSchedulerDeduplicatesCandidates(t *testing.T) {
	store := NewCandidateStore()
	cands := makeCandidates(store, 1)
	opener := &fakeOpener{}

	sched := NewProbeScheduler(store, SchedulerOptions{
		Window: 10,
		Opener: opener.open,
	})
	sched.Begin(cands)
	sched.Enqueue(cands[0]) // already in flight
	sched.Enqueue(cands[0])

	assert.Equal(t, 1, sched.InFlight())
	assert.Equal(t, 0, sched.QueueLen())
	assert.Equal(t, 1, opener.pendingCount())
}

func TestSchedulerMergesIntoStore(t *testing.T) {
	store := NewCandidateStore()
	cands := makeCandidates(store, 2)
	opener := &fakeOpener{}

	metrics := NewMetrics(prometheus.NewRegistry())
	sched := NewProbeScheduler(store, SchedulerOptions{
		Window:  10,
		Opener:  opener.open,
		Metrics: metrics,
	})
	sched.Begin(cands)

	opener.mu.Lock()
	first, second := opener.pending[0], opener.pending[1]
	firstID, secondID := opener.ids[0], opener.ids[1]
	opener.mu.Unlock()

	first(&ProbeResult{SessionID: firstID, Ping: 33, MOTD: "up"})
	second(&ProbeResult{SessionID: secondID, Ping: PingUnknown, Err: fmt.Errorf("boom")})

	assert.Equal(t, 33, store.Server(firstID).Ping)
	assert.Equal(t, "up", store.Server(firstID).MOTD)
	assert.Equal(t, PingUnknown, store.Server(secondID).Ping)
}

func TestSchedulerCancelSuppressesLateCompletions(t *testing.T) {
	store := NewCandidateStore()
	cands := makeCandidates(store, 6)
	opener := &fakeOpener{}

	settled := false
	sched := NewProbeScheduler(store, SchedulerOptions{
		Window:    3,
		Opener:    opener.open,
		OnSettled: func() { settled = true },
	})
	sched.Begin(cands)

	opener.mu.Lock()
	open := append([]*fakeProbe(nil), opener.probes...)
	opener.mu.Unlock()

	sched.Cancel()

	// Every open connection was torn down, the queue is gone
	for _, p := range open {
		assert.True(t, p.isClosed())
	}
	assert.Equal(t, 0, sched.InFlight())
	assert.Equal(t, 0, sched.QueueLen())

	// Late completions mutate nothing
	for opener.completeNext(7) {
	}
	for _, c := range store.Servers() {
		assert.Equal(t, PingUnknown, c.Ping)
	}
	assert.False(t, settled)
}

func TestSchedulerWindowNeverExceededRapid(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(0, 40).Draw(t, "candidates")
		window := rapid.IntRange(1, 8).Draw(t, "window")

		store := NewCandidateStore()
		cands := makeCandidates(store, n)
		opener := &fakeOpener{}

		settled := false
		sched := NewProbeScheduler(store, SchedulerOptions{
			Window:    window,
			Opener:    opener.open,
			OnSettled: func() { settled = true },
		})
		sched.Begin(cands)

		completed := 0
		for {
			inFlight := sched.InFlight()
			if inFlight > window {
				t.Fatalf("window exceeded: %d > %d", inFlight, window)
			}
			remaining := n - completed
			want := remaining
			if want > window {
				want = window
			}
			if inFlight != want {
				t.Fatalf("expected %d in flight, got %d", want, inFlight)
			}
			if !opener.completeNext(rapid.IntRange(1, 200).Draw(t, "ping")) {
				break
			}
			completed++
		}
		if !settled {
			t.Fatal("sweep did not settle")
		}
	})
}
