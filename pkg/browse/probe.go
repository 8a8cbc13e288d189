package browse

import (
	"bufio"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/reliquary/matchbrowse/pkg/protocol"
)

var (
	ErrNoBeaconAddress = errors.New("candidate has no beacon address")
	ErrBadResponseType = errors.New("unexpected beacon response type")
	ErrNonceMismatch   = errors.New("beacon response nonce mismatch")
)

// DialFunc opens the low-level beacon connection. Injectable for tests;
// the default is net.DialTimeout over TCP.
type DialFunc func(addr string, timeout time.Duration) (net.Conn, error)

func defaultDial(addr string, timeout time.Duration) (net.Conn, error) {
	return net.DialTimeout("tcp", addr, timeout)
}

// ProbeConfig bounds one beacon exchange
type ProbeConfig struct {
	DialTimeout     time.Duration
	ResponseTimeout time.Duration
	Dial            DialFunc
	Logger          *zap.Logger
}

func (cfg *ProbeConfig) fill() {
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 3 * time.Second
	}
	if cfg.ResponseTimeout == 0 {
		cfg.ResponseTimeout = 5 * time.Second
	}
	if cfg.Dial == nil {
		cfg.Dial = defaultDial
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
}

// ProbeResult carries everything one beacon exchange produced. Err is nil
// on success; on failure only SessionID and Err are meaningful.
type ProbeResult struct {
	SessionID  SessionID
	Ping       int // round-trip milliseconds
	MOTD       string
	CurrentMap string
	Players    []protocol.PlayerRow
	Rules      []protocol.RuleEntry
	Instances  []protocol.InstanceRecord
	Err        error
}

// BeaconProbe is one short-lived client connection to a server's beacon
// port: it issues a single state request, measures the round trip, and
// self-destructs after delivering exactly one result. The connection is
// never reused.
type BeaconProbe struct {
	id     SessionID
	addr   string
	isHub  bool
	cfg    ProbeConfig
	onDone func(*ProbeResult)

	mu        sync.Mutex
	conn      net.Conn
	delivered bool
}

// OpenProbe starts a beacon exchange against the candidate. The callback
// fires exactly once, on a separate goroutine, with either a populated
// result or an error; an unresolvable or empty beacon address fails
// without dialing. Close tears the probe down early and suppresses the
// callback.
func OpenProbe(c *Candidate, cfg ProbeConfig, onDone func(*ProbeResult)) *BeaconProbe {
	cfg.fill()
	p := &BeaconProbe{
		id:     c.Handle.ID,
		addr:   c.Handle.BeaconAddr,
		isHub:  c.IsHub(),
		cfg:    cfg,
		onDone: onDone,
	}
	go p.run()
	return p
}

func (p *BeaconProbe) run() {
	if p.addr == "" {
		p.fail(ErrNoBeaconAddress)
		return
	}
	if _, _, err := net.SplitHostPort(p.addr); err != nil {
		p.fail(fmt.Errorf("unresolvable beacon address %q: %w", p.addr, err))
		return
	}

	conn, err := p.cfg.Dial(p.addr, p.cfg.DialTimeout)
	if err != nil {
		p.fail(fmt.Errorf("beacon dial: %w", err))
		return
	}
	defer conn.Close()

	p.mu.Lock()
	if p.delivered {
		// Torn down while dialing
		p.mu.Unlock()
		return
	}
	p.conn = conn
	p.mu.Unlock()

	req := &protocol.ServerStateRequestMessage{Nonce: rand.Uint32()}
	payload, err := req.Encode()
	if err != nil {
		p.fail(err)
		return
	}

	deadline := time.Now().Add(p.cfg.ResponseTimeout)
	if err := conn.SetDeadline(deadline); err != nil {
		p.fail(err)
		return
	}

	start := time.Now()
	w := bufio.NewWriter(conn)
	if err := protocol.EncodeFrame(w, &protocol.Frame{
		Version: protocol.ProtocolVersion,
		Type:    protocol.TypeServerStateRequest,
		Payload: payload,
	}); err != nil {
		p.fail(fmt.Errorf("beacon send: %w", err))
		return
	}

	frame, err := protocol.DecodeFrame(conn)
	if err != nil {
		p.fail(fmt.Errorf("beacon read: %w", err))
		return
	}
	rtt := time.Since(start)

	if frame.Type != protocol.TypeServerStateResponse {
		p.fail(ErrBadResponseType)
		return
	}
	resp := &protocol.ServerStateResponseMessage{}
	if err := resp.Decode(frame.Payload); err != nil {
		p.fail(fmt.Errorf("beacon decode: %w", err))
		return
	}
	if resp.Nonce != req.Nonce {
		p.fail(ErrNonceMismatch)
		return
	}

	res := &ProbeResult{
		SessionID:  p.id,
		Ping:       int(rtt.Milliseconds()),
		MOTD:       resp.MOTD,
		CurrentMap: resp.CurrentMap,
		Players:    protocol.ParsePlayerBlob(resp.PlayerBlob),
		Rules:      protocol.ParseRulesBlob(resp.RulesBlob),
	}
	if p.isHub {
		res.Instances = resp.Instances
	}
	p.deliver(res)
}

func (p *BeaconProbe) fail(err error) {
	p.cfg.Logger.Debug("beacon probe failed",
		zap.String("session", string(p.id)),
		zap.String("addr", p.addr),
		zap.Error(err))
	p.deliver(&ProbeResult{SessionID: p.id, Ping: PingUnknown, Err: err})
}

func (p *BeaconProbe) deliver(res *ProbeResult) {
	p.mu.Lock()
	if p.delivered {
		p.mu.Unlock()
		return
	}
	p.delivered = true
	p.mu.Unlock()
	p.onDone(res)
}

// Close tears down the probe's connection and guarantees the callback
// will not fire afterwards. Safe to call at any time, from any goroutine.
func (p *BeaconProbe) Close() {
	p.mu.Lock()
	p.delivered = true
	conn := p.conn
	p.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
}
