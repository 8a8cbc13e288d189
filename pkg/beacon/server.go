// Package beacon implements the host side of the beacon protocol: a TCP
// listener that answers state queries and join negotiations for a single
// game server or hub. It exists to back the demo CLI and integration
// tests; a shipping game embeds the same logic in its server process.
package beacon

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/reliquary/matchbrowse/pkg/protocol"
)

// connIdleTimeout bounds how long a connection may sit between frames.
// Quickplay waiters are served pushes within this window or dropped.
const connIdleTimeout = 30 * time.Second

var ErrAlreadyStarted = errors.New("beacon server already started")

// HostState is everything the beacon reports about its server. Instances
// are meaningful only when IsHub is set.
type HostState struct {
	Name        string
	MOTD        string
	CurrentMap  string
	IsHub       bool
	GameAddr    string // address handed out on successful joins
	MinRank     int    // 0 = no lower bound
	MaxRank     int    // 0 = no upper bound
	LobbyParams string // when set, instance joins route via the hub lobby
	Players     []protocol.PlayerRow
	Rules       []protocol.RuleEntry
	Instances   []protocol.InstanceRecord
}

// Server is a beacon host listening on one TCP port
type Server struct {
	logger *zap.Logger

	mu       sync.Mutex
	state    HostState
	listener net.Listener
	shutdown chan struct{}
	waiters  map[net.Conn]string // conn -> requested rule tag
	wg       sync.WaitGroup
}

// NewServer creates a beacon host serving the given state
func NewServer(state HostState, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		logger:  logger,
		state:   state,
		waiters: make(map[net.Conn]string),
	}
}

// Start begins listening on addr ("host:port", ":0" for an ephemeral port)
func (s *Server) Start(addr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return ErrAlreadyStarted
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.listener = listener
	s.shutdown = make(chan struct{})

	s.wg.Add(1)
	go s.acceptLoop(listener, s.shutdown)
	s.logger.Info("beacon listening", zap.String("addr", listener.Addr().String()))
	return nil
}

// Addr returns the bound listen address
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop closes the listener and all open connections
func (s *Server) Stop() {
	s.mu.Lock()
	if s.listener == nil {
		s.mu.Unlock()
		return
	}
	close(s.shutdown)
	s.listener.Close()
	s.listener = nil
	for conn := range s.waiters {
		conn.Close()
	}
	s.waiters = make(map[net.Conn]string)
	s.mu.Unlock()
	s.wg.Wait()
}

// UpdateState mutates the host state under the lock
func (s *Server) UpdateState(fn func(*HostState)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.state)
}

// MarkInstanceReady flags an instance as begun and releases any quickplay
// waiters whose rule tag it satisfies
func (s *Server) MarkInstanceReady(id uuid.UUID) {
	s.mu.Lock()
	var ready *protocol.InstanceRecord
	for i := range s.state.Instances {
		if s.state.Instances[i].ID == id {
			s.state.Instances[i].MatchHasBegun = true
			if s.state.Instances[i].State == protocol.MatchStateNone {
				s.state.Instances[i].State = protocol.MatchStateCountdown
			}
			ready = &s.state.Instances[i]
			break
		}
	}
	if ready == nil {
		s.mu.Unlock()
		return
	}
	var release []net.Conn
	for conn, ruleTag := range s.waiters {
		if ruleTag == "" || ruleTag == ready.RuleTag {
			release = append(release, conn)
			delete(s.waiters, conn)
		}
	}
	instID := ready.ID
	s.mu.Unlock()

	resp := &protocol.QuickplayResponseMessage{
		Result:     protocol.QuickplayJoin,
		InstanceID: instID,
	}
	for _, conn := range release {
		if err := s.sendMessage(conn, protocol.TypeQuickplayResponse, resp); err != nil {
			conn.Close()
		}
	}
}

func (s *Server) acceptLoop(listener net.Listener, shutdown chan struct{}) {
	defer s.wg.Done()
	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-shutdown:
				return
			default:
				s.logger.Warn("accept error", zap.Error(err))
				continue
			}
		}
		s.wg.Add(1)
		go s.handleConnection(conn, shutdown)
	}
}

// handleConnection serves request frames until the peer hangs up or the
// idle deadline passes. A connection parked as a quickplay waiter is
// answered from MarkInstanceReady instead.
func (s *Server) handleConnection(conn net.Conn, shutdown chan struct{}) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		_, waiting := s.waiters[conn]
		s.mu.Unlock()
		if !waiting {
			conn.Close()
		}
	}()

	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetNoDelay(true)
	}

	for {
		conn.SetReadDeadline(time.Now().Add(connIdleTimeout))
		frame, err := protocol.DecodeFrame(conn)
		if err != nil {
			if err != io.EOF {
				s.logger.Debug("beacon read error",
					zap.String("remote", conn.RemoteAddr().String()),
					zap.Error(err))
			}
			return
		}

		select {
		case <-shutdown:
			return
		default:
		}

		park, err := s.handleFrame(conn, frame)
		if err != nil {
			s.logger.Debug("beacon handle error",
				zap.Uint8("type", frame.Type),
				zap.Error(err))
			return
		}
		if park {
			// MarkInstanceReady owns the connection now
			return
		}
	}
}

func (s *Server) handleFrame(conn net.Conn, frame *protocol.Frame) (park bool, err error) {
	switch frame.Type {
	case protocol.TypeServerStateRequest:
		return false, s.handleStateRequest(conn, frame)
	case protocol.TypeJoinInstanceRequest:
		return false, s.handleJoinInstance(conn, frame)
	case protocol.TypeQuickplayRequest:
		return s.handleQuickplay(conn, frame)
	default:
		return false, errors.New("unknown request type")
	}
}

func (s *Server) handleStateRequest(conn net.Conn, frame *protocol.Frame) error {
	req := &protocol.ServerStateRequestMessage{}
	if err := req.Decode(frame.Payload); err != nil {
		return err
	}

	s.mu.Lock()
	resp := &protocol.ServerStateResponseMessage{
		Nonce:      req.Nonce,
		MOTD:       s.state.MOTD,
		CurrentMap: s.state.CurrentMap,
		PlayerBlob: protocol.EncodePlayerBlob(s.state.Players),
		RulesBlob:  protocol.EncodeRulesBlob(s.state.Rules),
		IsHub:      s.state.IsHub,
		Instances:  append([]protocol.InstanceRecord(nil), s.state.Instances...),
	}
	s.mu.Unlock()

	return s.sendMessage(conn, protocol.TypeServerStateResponse, resp)
}

func (s *Server) handleJoinInstance(conn net.Conn, frame *protocol.Frame) error {
	req := &protocol.JoinInstanceRequestMessage{}
	if err := req.Decode(frame.Payload); err != nil {
		return err
	}

	s.mu.Lock()
	resp := s.joinDispositionLocked(req)
	s.mu.Unlock()

	return s.sendMessage(conn, protocol.TypeJoinInstanceResponse, resp)
}

func (s *Server) joinDispositionLocked(req *protocol.JoinInstanceRequestMessage) *protocol.JoinInstanceResponseMessage {
	var inst *protocol.InstanceRecord
	for i := range s.state.Instances {
		if s.state.Instances[i].ID == req.InstanceID {
			inst = &s.state.Instances[i]
			break
		}
	}
	if inst == nil {
		return &protocol.JoinInstanceResponseMessage{Result: protocol.MatchNoLongerExists}
	}
	if !inst.JoinableAsPlayer && !req.WantsSpectator {
		return &protocol.JoinInstanceResponseMessage{Result: protocol.MatchLocked}
	}
	if !req.WantsSpectator {
		rank := int(req.SkillRank)
		if (s.state.MinRank > 0 && rank < s.state.MinRank) ||
			(s.state.MaxRank > 0 && rank > s.state.MaxRank) {
			return &protocol.JoinInstanceResponseMessage{Result: protocol.MatchRankFail}
		}
	}
	if s.state.LobbyParams != "" {
		return &protocol.JoinInstanceResponseMessage{
			Result:      protocol.JoinViaLobby,
			ExtraParams: s.state.LobbyParams,
		}
	}
	return &protocol.JoinInstanceResponseMessage{
		Result:  protocol.JoinDirectly,
		Address: s.state.GameAddr,
	}
}

func (s *Server) handleQuickplay(conn net.Conn, frame *protocol.Frame) (park bool, err error) {
	req := &protocol.QuickplayRequestMessage{}
	if err := req.Decode(frame.Payload); err != nil {
		return false, err
	}

	s.mu.Lock()
	// An instance already underway that matches the requested rules can
	// be joined straight away
	for i := range s.state.Instances {
		inst := &s.state.Instances[i]
		if !inst.JoinableAsPlayer || !inst.MatchHasBegun {
			continue
		}
		if req.RuleTag != "" && inst.RuleTag != req.RuleTag {
			continue
		}
		resp := &protocol.QuickplayResponseMessage{
			Result:     protocol.QuickplayJoin,
			InstanceID: inst.ID,
		}
		s.mu.Unlock()
		return false, s.sendMessage(conn, protocol.TypeQuickplayResponse, resp)
	}

	// Otherwise the caller waits for an instance to start. A matching
	// not-yet-begun instance means they join an existing countdown;
	// without one the hub will have to spin up something new.
	result := protocol.QuickplayWaitingForStartNew
	for i := range s.state.Instances {
		inst := &s.state.Instances[i]
		if inst.JoinableAsPlayer && (req.RuleTag == "" || inst.RuleTag == req.RuleTag) {
			result = protocol.QuickplayWaitingForStart
			break
		}
	}
	s.waiters[conn] = req.RuleTag
	hubName := s.state.Name
	s.mu.Unlock()

	resp := &protocol.QuickplayResponseMessage{
		Result:  result,
		HubName: hubName,
	}
	if err := s.sendMessage(conn, protocol.TypeQuickplayResponse, resp); err != nil {
		s.mu.Lock()
		delete(s.waiters, conn)
		s.mu.Unlock()
		return false, err
	}
	return true, nil
}

func (s *Server) sendMessage(conn net.Conn, msgType uint8, msg protocol.ProtocolMessage) error {
	payload, err := msg.Encode()
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(connIdleTimeout))
	return protocol.EncodeFrame(conn, &protocol.Frame{
		Version: protocol.ProtocolVersion,
		Type:    msgType,
		Payload: payload,
	})
}
