package browse

import (
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reliquary/matchbrowse/pkg/beacon"
	"github.com/reliquary/matchbrowse/pkg/protocol"
)

func hubCandidate(t *testing.T, host *beacon.Server, gameAddr string) *Candidate {
	t.Helper()
	h := hubHandle("hub", "Test Hub")
	h.BeaconAddr = host.Addr()
	h.GameAddr = gameAddr
	return newCandidate(h)
}

func negotiateJoin(t *testing.T, n *JoinNegotiator, hub *Candidate, instanceID uuid.UUID, spectator bool, rank int32) Disposition {
	t.Helper()
	done := make(chan Disposition, 1)
	require.NoError(t, n.JoinInstance(hub, instanceID, spectator, rank, func(d Disposition) { done <- d }))
	select {
	case d := <-done:
		return d
	case <-time.After(5 * time.Second):
		t.Fatal("negotiation never finished")
		return Disposition{}
	}
}

func TestJoinInstanceDirectly(t *testing.T) {
	instID := uuid.New()
	host := startBeacon(t, beacon.HostState{
		Name:     "Test Hub",
		IsHub:    true,
		GameAddr: "198.51.100.7:7777",
		Instances: []protocol.InstanceRecord{{
			ID:               instID,
			RuleTag:          "tdm",
			JoinableAsPlayer: true,
			MatchHasBegun:    true,
			State:            protocol.MatchStateInProgress,
		}},
	})

	n := NewJoinNegotiator(NegotiatorConfig{})
	d := negotiateJoin(t, n, hubCandidate(t, host, "198.51.100.7:7777"), instID, false, 100)

	assert.Equal(t, DispConnectDirect, d.Kind)
	assert.Equal(t, "198.51.100.7:7777", d.Address)
	assert.True(t, d.Terminal())
}

func TestJoinInstanceViaLobby(t *testing.T) {
	instID := uuid.New()
	host := startBeacon(t, beacon.HostState{
		Name:        "Lobby Hub",
		IsHub:       true,
		GameAddr:    "198.51.100.7:7777",
		LobbyParams: "?instance=42",
		Instances: []protocol.InstanceRecord{{
			ID:               instID,
			JoinableAsPlayer: true,
			State:            protocol.MatchStateCountdown,
		}},
	})

	hub := hubCandidate(t, host, "198.51.100.7:7777")
	n := NewJoinNegotiator(NegotiatorConfig{})
	d := negotiateJoin(t, n, hub, instID, false, 100)

	assert.Equal(t, DispConnectViaLobby, d.Kind)
	assert.Equal(t, "?instance=42", d.ExtraParams)
	assert.Equal(t, hub.Handle.ID, d.Session.ID)
	assert.True(t, d.Terminal())
}

func TestJoinInstanceRejections(t *testing.T) {
	instID := uuid.New()
	locked := uuid.New()
	host := startBeacon(t, beacon.HostState{
		Name:    "Strict Hub",
		IsHub:   true,
		MinRank: 50,
		MaxRank: 150,
		Instances: []protocol.InstanceRecord{
			{ID: instID, JoinableAsPlayer: true, State: protocol.MatchStateInProgress},
			{ID: locked, JoinableAsPlayer: false, State: protocol.MatchStateInProgress},
		},
	})
	hub := hubCandidate(t, host, "")

	tests := []struct {
		name   string
		target uuid.UUID
		rank   int32
		reason ReasonCode
	}{
		{"missing instance", uuid.New(), 100, ReasonMatchNoLongerExists},
		{"locked instance", locked, 100, ReasonMatchLocked},
		{"rank too low", instID, 10, ReasonMatchRankFail},
		{"rank too high", instID, 500, ReasonMatchRankFail},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := NewJoinNegotiator(NegotiatorConfig{})
			d := negotiateJoin(t, n, hub, tt.target, false, tt.rank)
			assert.Equal(t, DispRejected, d.Kind)
			assert.Equal(t, tt.reason, d.Reason)
			assert.False(t, d.Terminal())
		})
	}
}

func TestJoinAsSpectatorSkipsRankGate(t *testing.T) {
	instID := uuid.New()
	host := startBeacon(t, beacon.HostState{
		Name:     "Strict Hub",
		IsHub:    true,
		GameAddr: "198.51.100.7:7777",
		MinRank:  50,
		Instances: []protocol.InstanceRecord{
			{ID: instID, JoinableAsPlayer: true, State: protocol.MatchStateInProgress},
		},
	})

	n := NewJoinNegotiator(NegotiatorConfig{})
	d := negotiateJoin(t, n, hubCandidate(t, host, "198.51.100.7:7777"), instID, true, 1)

	assert.Equal(t, DispConnectDirect, d.Kind)
	assert.True(t, d.Spectator)
}

func TestQuickplayImmediateJoin(t *testing.T) {
	instID := uuid.New()
	host := startBeacon(t, beacon.HostState{
		Name:     "Busy Hub",
		IsHub:    true,
		GameAddr: "198.51.100.8:7777",
		Instances: []protocol.InstanceRecord{{
			ID:               instID,
			RuleTag:          "tdm",
			JoinableAsPlayer: true,
			MatchHasBegun:    true,
			State:            protocol.MatchStateInProgress,
		}},
	})
	hub := hubCandidate(t, host, "198.51.100.8:7777")

	n := NewJoinNegotiator(NegotiatorConfig{})
	done := make(chan Disposition, 1)
	require.NoError(t, n.Quickplay(hub, "tdm", 100, false, nil, func(d Disposition) { done <- d }))

	select {
	case d := <-done:
		assert.Equal(t, DispConnectDirect, d.Kind)
		assert.Equal(t, "198.51.100.8:7777", d.Address)
		assert.Equal(t, instID, d.InstanceID)
	case <-time.After(5 * time.Second):
		t.Fatal("quickplay never finished")
	}
}

func TestQuickplayWaitsForInstanceStart(t *testing.T) {
	instID := uuid.New()
	host := startBeacon(t, beacon.HostState{
		Name:     "Idle Hub",
		IsHub:    true,
		GameAddr: "198.51.100.9:7777",
		Instances: []protocol.InstanceRecord{{
			ID:               instID,
			RuleTag:          "tdm",
			JoinableAsPlayer: true,
			State:            protocol.MatchStateCountdown,
		}},
	})
	hub := hubCandidate(t, host, "198.51.100.9:7777")

	progress := make(chan QuickplayProgress, 4)
	done := make(chan Disposition, 1)
	n := NewJoinNegotiator(NegotiatorConfig{})
	require.NoError(t, n.Quickplay(hub, "tdm", 100, false,
		func(p QuickplayProgress) { progress <- p },
		func(d Disposition) { done <- d }))

	select {
	case p := <-progress:
		assert.Equal(t, "Idle Hub", p.HubName)
		assert.False(t, p.NewInstance)
	case <-time.After(5 * time.Second):
		t.Fatal("no waiting update received")
	}

	host.MarkInstanceReady(instID)

	select {
	case d := <-done:
		assert.Equal(t, DispConnectDirect, d.Kind)
		assert.Equal(t, instID, d.InstanceID)
	case <-time.After(5 * time.Second):
		t.Fatal("quickplay never joined")
	}
}

func TestQuickplayReportsNewInstance(t *testing.T) {
	host := startBeacon(t, beacon.HostState{
		Name:  "Empty Hub",
		IsHub: true,
	})
	hub := hubCandidate(t, host, "")

	progress := make(chan QuickplayProgress, 1)
	n := NewJoinNegotiator(NegotiatorConfig{})
	require.NoError(t, n.Quickplay(hub, "duel", 100, false,
		func(p QuickplayProgress) { progress <- p },
		func(Disposition) {}))

	select {
	case p := <-progress:
		// No matching instance at all: the hub has to spin one up
		assert.True(t, p.NewInstance)
	case <-time.After(5 * time.Second):
		t.Fatal("no waiting update received")
	}
	n.Cancel()
}

func TestSingleNegotiationInFlight(t *testing.T) {
	host := startBeacon(t, beacon.HostState{Name: "Idle Hub", IsHub: true})
	hub := hubCandidate(t, host, "")

	n := NewJoinNegotiator(NegotiatorConfig{})
	require.NoError(t, n.Quickplay(hub, "", 100, false, nil, func(Disposition) {}))

	err := n.JoinInstance(hub, uuid.New(), false, 100, func(Disposition) {})
	assert.ErrorIs(t, err, ErrNegotiationInFlight)
	err = n.Quickplay(hub, "", 100, false, nil, func(Disposition) {})
	assert.ErrorIs(t, err, ErrNegotiationInFlight)

	n.Cancel()
}

func TestCancelSuppressesCallback(t *testing.T) {
	host := startBeacon(t, beacon.HostState{Name: "Idle Hub", IsHub: true})
	hub := hubCandidate(t, host, "")

	fired := make(chan struct{}, 1)
	n := NewJoinNegotiator(NegotiatorConfig{})
	require.NoError(t, n.Quickplay(hub, "", 100, false, nil,
		func(Disposition) { fired <- struct{}{} }))

	// Give the exchange a moment to park as a waiter, then cancel
	time.Sleep(100 * time.Millisecond)
	n.Cancel()

	select {
	case <-fired:
		t.Fatal("callback fired after Cancel")
	case <-time.After(300 * time.Millisecond):
	}
}

func TestNegotiationTimeoutIsTyped(t *testing.T) {
	host := startBeacon(t, beacon.HostState{Name: "Idle Hub", IsHub: true})
	hub := hubCandidate(t, host, "")

	// The hub never starts an instance, so the quickplay wait runs into
	// the response deadline.
	done := make(chan Disposition, 1)
	n := NewJoinNegotiator(NegotiatorConfig{ResponseTimeout: 300 * time.Millisecond})
	require.NoError(t, n.Quickplay(hub, "", 100, false, nil, func(d Disposition) { done <- d }))

	select {
	case d := <-done:
		assert.Equal(t, DispFailed, d.Kind)
		assert.Equal(t, ReasonTimeout, d.Reason)
		assert.False(t, d.Terminal())
	case <-time.After(5 * time.Second):
		t.Fatal("negotiation never timed out")
	}
}

// brokenDeadlineConn accepts the dial but cannot arm its deadline
type brokenDeadlineConn struct {
	mu     sync.Mutex
	closed bool
}

func (c *brokenDeadlineConn) Read(p []byte) (int, error)  { return 0, io.EOF }
func (c *brokenDeadlineConn) Write(p []byte) (int, error) { return len(p), nil }

func (c *brokenDeadlineConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *brokenDeadlineConn) wasClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *brokenDeadlineConn) LocalAddr() net.Addr  { return nil }
func (c *brokenDeadlineConn) RemoteAddr() net.Addr { return nil }

func (c *brokenDeadlineConn) SetDeadline(time.Time) error      { return errors.New("deadline unsupported") }
func (c *brokenDeadlineConn) SetReadDeadline(time.Time) error  { return nil }
func (c *brokenDeadlineConn) SetWriteDeadline(time.Time) error { return nil }

func TestNegotiationClosesConnWhenDeadlineFails(t *testing.T) {
	conn := &brokenDeadlineConn{}
	n := NewJoinNegotiator(NegotiatorConfig{
		Dial: func(addr string, timeout time.Duration) (net.Conn, error) { return conn, nil },
	})

	h := hubHandle("hub", "Test Hub")
	h.BeaconAddr = "192.0.2.1:9"
	hub := newCandidate(h)

	d := negotiateJoin(t, n, hub, uuid.New(), false, 100)
	assert.Equal(t, DispFailed, d.Kind)
	assert.True(t, conn.wasClosed())

	// The slot and the stored conn are both released
	n.mu.Lock()
	assert.Nil(t, n.conn)
	assert.False(t, n.inFlight)
	n.mu.Unlock()
}
