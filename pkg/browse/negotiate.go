package browse

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/reliquary/matchbrowse/pkg/protocol"
)

// ErrNegotiationInFlight is returned when a second join/quickplay request
// is issued while one is still outstanding.
var ErrNegotiationInFlight = errors.New("a negotiation is already in flight")

// DispositionKind classifies the outward instruction a negotiation ends in
type DispositionKind int

const (
	// DispConnectDirect: travel straight to Address
	DispConnectDirect DispositionKind = iota
	// DispConnectViaLobby: travel to the hub's lobby first, carrying ExtraParams
	DispConnectViaLobby
	// DispRejected: the hub turned the request down with a typed reason;
	// the caller should retry the next-best target
	DispRejected
	// DispFailed: transport failure or timeout; retry the next-best target
	DispFailed
)

// ReasonCode is the typed, user-facing reason attached to rejections and
// failures
type ReasonCode int

const (
	ReasonNone ReasonCode = iota
	ReasonMatchNoLongerExists
	ReasonMatchRankFail
	ReasonMatchLocked
	ReasonTimeout
	ReasonTransport
	ReasonNoAvailableMatches
)

func (r ReasonCode) String() string {
	switch r {
	case ReasonNone:
		return ""
	case ReasonMatchNoLongerExists:
		return "the match no longer exists"
	case ReasonMatchRankFail:
		return "your rank does not meet the match requirements"
	case ReasonMatchLocked:
		return "the match is locked"
	case ReasonTimeout:
		return "the server is not responding"
	case ReasonTransport:
		return "could not reach the server"
	case ReasonNoAvailableMatches:
		return "no available matches"
	default:
		return fmt.Sprintf("reason(%d)", int(r))
	}
}

// Disposition is the outward instruction handed to the connection layer
type Disposition struct {
	Kind        DispositionKind
	Address     string        // DispConnectDirect
	Session     SessionHandle // DispConnectViaLobby: the hub to travel through
	ExtraParams string        // DispConnectViaLobby
	InstanceID  uuid.UUID     // quickplay join target, when the hub assigned one
	Spectator   bool
	Reason      ReasonCode // DispRejected / DispFailed
}

// Terminal reports whether this disposition ends the whole attempt (a
// connect instruction) as opposed to failing only the current target.
func (d Disposition) Terminal() bool {
	return d.Kind == DispConnectDirect || d.Kind == DispConnectViaLobby
}

// NegotiatorConfig bounds one join/quickplay exchange
type NegotiatorConfig struct {
	DialTimeout     time.Duration
	ResponseTimeout time.Duration // the full window for the hub to answer
	Dial            DialFunc
	Logger          *zap.Logger
}

func (cfg *NegotiatorConfig) fill() {
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 3 * time.Second
	}
	if cfg.ResponseTimeout == 0 {
		cfg.ResponseTimeout = 15 * time.Second
	}
	if cfg.Dial == nil {
		cfg.Dial = defaultDial
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
}

// QuickplayProgress surfaces a hub's "starting a match for you" updates
type QuickplayProgress struct {
	HubName     string
	NewInstance bool
}

// JoinNegotiator performs the request/accept/deny handshake against a hub's
// beacon channel. Exactly one negotiation may be in flight at a time;
// starting a second is rejected, never silently duplicated.
type JoinNegotiator struct {
	cfg NegotiatorConfig

	mu        sync.Mutex
	inFlight  bool
	conn      net.Conn
	cancelled bool
}

// NewJoinNegotiator creates a negotiator with the given bounds
func NewJoinNegotiator(cfg NegotiatorConfig) *JoinNegotiator {
	cfg.fill()
	return &JoinNegotiator{cfg: cfg}
}

// JoinInstance asks the hub to admit the caller into a specific instance.
// The callback fires exactly once on a separate goroutine, unless Cancel
// intervenes.
func (n *JoinNegotiator) JoinInstance(hub *Candidate, instanceID uuid.UUID, wantsSpectator bool, skillRank int32, onDone func(Disposition)) error {
	if err := n.begin(); err != nil {
		return err
	}
	go n.runJoin(hub, instanceID, wantsSpectator, skillRank, onDone)
	return nil
}

// Quickplay asks the hub to place the caller into any suitable instance.
// onProgress may fire any number of times before onDone.
func (n *JoinNegotiator) Quickplay(hub *Candidate, ruleTag string, skillRank int32, isBeginner bool, onProgress func(QuickplayProgress), onDone func(Disposition)) error {
	if err := n.begin(); err != nil {
		return err
	}
	go n.runQuickplay(hub, ruleTag, skillRank, isBeginner, onProgress, onDone)
	return nil
}

func (n *JoinNegotiator) begin() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.inFlight {
		return ErrNegotiationInFlight
	}
	n.inFlight = true
	n.cancelled = false
	return nil
}

// Cancel tears down the open beacon connection, if any, and suppresses the
// pending callback.
func (n *JoinNegotiator) Cancel() {
	n.mu.Lock()
	n.cancelled = true
	conn := n.conn
	n.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (n *JoinNegotiator) runJoin(hub *Candidate, instanceID uuid.UUID, wantsSpectator bool, skillRank int32, onDone func(Disposition)) {
	conn, err := n.open(hub)
	if err != nil {
		n.finish(onDone, failureDisposition(err))
		return
	}
	defer n.teardown(conn)

	req := &protocol.JoinInstanceRequestMessage{
		InstanceID:     instanceID,
		WantsSpectator: wantsSpectator,
		SkillRank:      skillRank,
	}
	frame, err := n.exchange(conn, protocol.TypeJoinInstanceRequest, req)
	if err != nil {
		n.finish(onDone, failureDisposition(err))
		return
	}
	if frame.Type != protocol.TypeJoinInstanceResponse {
		n.finish(onDone, Disposition{Kind: DispFailed, Reason: ReasonTransport})
		return
	}

	resp := &protocol.JoinInstanceResponseMessage{}
	if err := resp.Decode(frame.Payload); err != nil {
		n.finish(onDone, Disposition{Kind: DispFailed, Reason: ReasonTransport})
		return
	}

	n.finish(onDone, mapJoinResponse(hub, resp, wantsSpectator))
}

func (n *JoinNegotiator) runQuickplay(hub *Candidate, ruleTag string, skillRank int32, isBeginner bool, onProgress func(QuickplayProgress), onDone func(Disposition)) {
	conn, err := n.open(hub)
	if err != nil {
		n.finish(onDone, failureDisposition(err))
		return
	}
	defer n.teardown(conn)

	req := &protocol.QuickplayRequestMessage{
		RuleTag:    ruleTag,
		SkillRank:  skillRank,
		IsBeginner: isBeginner,
	}
	payload, err := req.Encode()
	if err != nil {
		n.finish(onDone, failureDisposition(err))
		return
	}
	w := bufio.NewWriter(conn)
	if err := protocol.EncodeFrame(w, &protocol.Frame{
		Version: protocol.ProtocolVersion,
		Type:    protocol.TypeQuickplayRequest,
		Payload: payload,
	}); err != nil {
		n.finish(onDone, failureDisposition(err))
		return
	}

	// The hub may send any number of waiting updates before the final
	// Join; the response deadline covers the whole exchange.
	for {
		frame, err := protocol.DecodeFrame(conn)
		if err != nil {
			n.finish(onDone, failureDisposition(err))
			return
		}
		if frame.Type != protocol.TypeQuickplayResponse {
			n.finish(onDone, Disposition{Kind: DispFailed, Reason: ReasonTransport})
			return
		}
		resp := &protocol.QuickplayResponseMessage{}
		if err := resp.Decode(frame.Payload); err != nil {
			n.finish(onDone, Disposition{Kind: DispFailed, Reason: ReasonTransport})
			return
		}

		switch resp.Result {
		case protocol.QuickplayWaitingForStart, protocol.QuickplayWaitingForStartNew:
			if onProgress != nil {
				onProgress(QuickplayProgress{
					HubName:     resp.HubName,
					NewInstance: resp.Result == protocol.QuickplayWaitingForStartNew,
				})
			}
		case protocol.QuickplayJoin:
			n.finish(onDone, Disposition{
				Kind:       DispConnectDirect,
				Address:    hub.Handle.GameAddr,
				InstanceID: resp.InstanceID,
			})
			return
		default:
			n.finish(onDone, Disposition{Kind: DispFailed, Reason: ReasonTransport})
			return
		}
	}
}

func (n *JoinNegotiator) open(hub *Candidate) (net.Conn, error) {
	addr := hub.Handle.BeaconAddr
	if addr == "" {
		return nil, ErrNoBeaconAddress
	}
	conn, err := n.cfg.Dial(addr, n.cfg.DialTimeout)
	if err != nil {
		return nil, err
	}

	n.mu.Lock()
	if n.cancelled {
		n.mu.Unlock()
		conn.Close()
		return nil, ErrNegotiationCancelled
	}
	n.conn = conn
	n.mu.Unlock()

	if err := conn.SetDeadline(time.Now().Add(n.cfg.ResponseTimeout)); err != nil {
		n.mu.Lock()
		n.conn = nil
		n.mu.Unlock()
		conn.Close()
		return nil, err
	}
	return conn, nil
}

func (n *JoinNegotiator) exchange(conn net.Conn, msgType uint8, msg protocol.ProtocolMessage) (*protocol.Frame, error) {
	payload, err := msg.Encode()
	if err != nil {
		return nil, err
	}
	w := bufio.NewWriter(conn)
	if err := protocol.EncodeFrame(w, &protocol.Frame{
		Version: protocol.ProtocolVersion,
		Type:    msgType,
		Payload: payload,
	}); err != nil {
		return nil, err
	}
	return protocol.DecodeFrame(conn)
}

func (n *JoinNegotiator) teardown(conn net.Conn) {
	conn.Close()
	n.mu.Lock()
	n.conn = nil
	n.mu.Unlock()
}

// finish releases the in-flight slot and delivers the disposition, unless
// the negotiation was cancelled in the meantime.
func (n *JoinNegotiator) finish(onDone func(Disposition), d Disposition) {
	n.mu.Lock()
	cancelled := n.cancelled
	n.inFlight = false
	n.mu.Unlock()

	if cancelled {
		return
	}
	n.cfg.Logger.Debug("negotiation finished",
		zap.Int("kind", int(d.Kind)),
		zap.String("reason", d.Reason.String()))
	onDone(d)
}

// ErrNegotiationCancelled marks a negotiation torn down by Cancel
var ErrNegotiationCancelled = errors.New("negotiation cancelled")

func failureDisposition(err error) Disposition {
	reason := ReasonTransport
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		// Distinguished so callers can show "server not responding"
		reason = ReasonTimeout
	}
	return Disposition{Kind: DispFailed, Reason: reason}
}

func mapJoinResponse(hub *Candidate, resp *protocol.JoinInstanceResponseMessage, spectator bool) Disposition {
	switch resp.Result {
	case protocol.JoinDirectly:
		return Disposition{
			Kind:      DispConnectDirect,
			Address:   resp.Address,
			Spectator: spectator,
		}
	case protocol.JoinViaLobby:
		return Disposition{
			Kind:        DispConnectViaLobby,
			Session:     hub.Handle,
			ExtraParams: resp.ExtraParams,
			Spectator:   spectator,
		}
	case protocol.MatchNoLongerExists:
		return Disposition{Kind: DispRejected, Reason: ReasonMatchNoLongerExists}
	case protocol.MatchRankFail:
		return Disposition{Kind: DispRejected, Reason: ReasonMatchRankFail}
	case protocol.MatchLocked:
		return Disposition{Kind: DispRejected, Reason: ReasonMatchLocked}
	default:
		return Disposition{Kind: DispFailed, Reason: ReasonTransport}
	}
}
