package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
)

// ProtocolMessage interface - all beacon messages must implement this
type ProtocolMessage interface {
	// Encode serializes the message to bytes (convenience wrapper)
	Encode() ([]byte, error)
	// EncodeTo serializes the message directly to a writer (efficient)
	EncodeTo(w io.Writer) error
	// Decode deserializes the message from bytes
	Decode(payload []byte) error
}

// Message type constants (Client → Server)
const (
	TypeServerStateRequest  = 0x01
	TypeJoinInstanceRequest = 0x02
	TypeQuickplayRequest    = 0x03
)

// Message type constants (Server → Client)
const (
	TypeServerStateResponse  = 0x81
	TypeJoinInstanceResponse = 0x82
	TypeQuickplayResponse    = 0x83
)

// JoinResult is the hub's verdict on an instance-targeted join request
type JoinResult uint8

const (
	JoinDirectly JoinResult = iota // connect straight to the given address
	JoinViaLobby                   // connect through the hub's lobby first
	MatchNoLongerExists
	MatchRankFail
	MatchLocked
)

func (r JoinResult) String() string {
	switch r {
	case JoinDirectly:
		return "join_directly"
	case JoinViaLobby:
		return "join_via_lobby"
	case MatchNoLongerExists:
		return "match_no_longer_exists"
	case MatchRankFail:
		return "match_rank_fail"
	case MatchLocked:
		return "match_locked"
	default:
		return fmt.Sprintf("join_result(%d)", uint8(r))
	}
}

// QuickplayResult is the hub's answer to a quickplay request
type QuickplayResult uint8

const (
	QuickplayWaitingForStart    QuickplayResult = iota // hub is spinning up an instance, keep waiting
	QuickplayWaitingForStartNew                        // same, but the instance is freshly created
	QuickplayJoin                                      // instance is ready, connect now
)

func (r QuickplayResult) String() string {
	switch r {
	case QuickplayWaitingForStart:
		return "waiting_for_start"
	case QuickplayWaitingForStartNew:
		return "waiting_for_start_new"
	case QuickplayJoin:
		return "join"
	default:
		return fmt.Sprintf("quickplay_result(%d)", uint8(r))
	}
}

// MatchState describes where an instance is in its lifecycle. An instance
// still in the pre-game menu reports MatchStateNone.
type MatchState uint8

const (
	MatchStateNone MatchState = iota
	MatchStateCountdown
	MatchStateInProgress
	MatchStateOvertime
)

func (s MatchState) String() string {
	switch s {
	case MatchStateNone:
		return "none"
	case MatchStateCountdown:
		return "countdown"
	case MatchStateInProgress:
		return "in_progress"
	case MatchStateOvertime:
		return "overtime"
	default:
		return fmt.Sprintf("match_state(%d)", uint8(s))
	}
}

var (
	ErrTooManyInstances = errors.New("instance list exceeds maximum length")
	ErrInvalidGUID      = errors.New("invalid instance GUID")
)

// MaxInstances bounds the per-hub instance list on the wire
const MaxInstances = 255

// InstanceRecord describes one live match instance hosted by a hub
type InstanceRecord struct {
	ID               uuid.UUID
	RuleTag          string
	JoinableAsPlayer bool
	MatchHasBegun    bool
	State            MatchState
}

func writeInstance(w io.Writer, inst *InstanceRecord) error {
	if _, err := w.Write(inst.ID[:]); err != nil {
		return err
	}
	if err := WriteString(w, inst.RuleTag); err != nil {
		return err
	}
	if err := WriteBool(w, inst.JoinableAsPlayer); err != nil {
		return err
	}
	if err := WriteBool(w, inst.MatchHasBegun); err != nil {
		return err
	}
	return WriteUint8(w, uint8(inst.State))
}

func readInstance(r io.Reader) (InstanceRecord, error) {
	var inst InstanceRecord
	if _, err := io.ReadFull(r, inst.ID[:]); err != nil {
		return inst, err
	}
	tag, err := ReadString(r)
	if err != nil {
		return inst, err
	}
	inst.RuleTag = tag
	if inst.JoinableAsPlayer, err = ReadBool(r); err != nil {
		return inst, err
	}
	if inst.MatchHasBegun, err = ReadBool(r); err != nil {
		return inst, err
	}
	state, err := ReadUint8(r)
	if err != nil {
		return inst, err
	}
	inst.State = MatchState(state)
	return inst, nil
}

// ServerStateRequestMessage (0x01) - ask a server for its live state
type ServerStateRequestMessage struct {
	Nonce uint32 // echoed back in the response; pairs request and reply
}

func (m *ServerStateRequestMessage) EncodeTo(w io.Writer) error {
	return WriteUint32(w, m.Nonce)
}

func (m *ServerStateRequestMessage) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := m.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *ServerStateRequestMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	nonce, err := ReadUint32(buf)
	if err != nil {
		return err
	}
	m.Nonce = nonce
	return nil
}

// ServerStateResponseMessage (0x81) - a server's live state.
// PlayerBlob and RulesBlob use the tab-delimited formats in blobs.go.
// Instances is only populated by hub servers.
type ServerStateResponseMessage struct {
	Nonce      uint32
	MOTD       string
	CurrentMap string
	PlayerBlob string
	RulesBlob  string
	IsHub      bool
	Instances  []InstanceRecord
}

func (m *ServerStateResponseMessage) EncodeTo(w io.Writer) error {
	if len(m.Instances) > MaxInstances {
		return ErrTooManyInstances
	}
	if err := WriteUint32(w, m.Nonce); err != nil {
		return err
	}
	if err := WriteString(w, m.MOTD); err != nil {
		return err
	}
	if err := WriteString(w, m.CurrentMap); err != nil {
		return err
	}
	if err := WriteString(w, m.PlayerBlob); err != nil {
		return err
	}
	if err := WriteString(w, m.RulesBlob); err != nil {
		return err
	}
	if err := WriteBool(w, m.IsHub); err != nil {
		return err
	}
	if !m.IsHub {
		return nil
	}
	if err := WriteUint8(w, uint8(len(m.Instances))); err != nil {
		return err
	}
	for i := range m.Instances {
		if err := writeInstance(w, &m.Instances[i]); err != nil {
			return err
		}
	}
	return nil
}

func (m *ServerStateResponseMessage) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := m.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *ServerStateResponseMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	var err error
	if m.Nonce, err = ReadUint32(buf); err != nil {
		return err
	}
	if m.MOTD, err = ReadString(buf); err != nil {
		return err
	}
	if m.CurrentMap, err = ReadString(buf); err != nil {
		return err
	}
	if m.PlayerBlob, err = ReadString(buf); err != nil {
		return err
	}
	if m.RulesBlob, err = ReadString(buf); err != nil {
		return err
	}
	if m.IsHub, err = ReadBool(buf); err != nil {
		return err
	}
	m.Instances = nil
	if !m.IsHub {
		return nil
	}
	count, err := ReadUint8(buf)
	if err != nil {
		return err
	}
	if count > 0 {
		m.Instances = make([]InstanceRecord, 0, count)
		for i := 0; i < int(count); i++ {
			inst, err := readInstance(buf)
			if err != nil {
				return err
			}
			m.Instances = append(m.Instances, inst)
		}
	}
	return nil
}

// JoinInstanceRequestMessage (0x02) - ask a hub to admit the caller into a
// specific instance
type JoinInstanceRequestMessage struct {
	InstanceID     uuid.UUID
	WantsSpectator bool
	SkillRank      int32
}

func (m *JoinInstanceRequestMessage) EncodeTo(w io.Writer) error {
	if _, err := w.Write(m.InstanceID[:]); err != nil {
		return err
	}
	if err := WriteBool(w, m.WantsSpectator); err != nil {
		return err
	}
	return WriteInt32(w, m.SkillRank)
}

func (m *JoinInstanceRequestMessage) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := m.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *JoinInstanceRequestMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	if _, err := io.ReadFull(buf, m.InstanceID[:]); err != nil {
		return err
	}
	var err error
	if m.WantsSpectator, err = ReadBool(buf); err != nil {
		return err
	}
	m.SkillRank, err = ReadInt32(buf)
	return err
}

// JoinInstanceResponseMessage (0x82) - the hub's verdict.
// Address is only present for JoinDirectly; ExtraParams only for JoinViaLobby.
type JoinInstanceResponseMessage struct {
	Result      JoinResult
	Address     string
	ExtraParams string
}

func (m *JoinInstanceResponseMessage) EncodeTo(w io.Writer) error {
	if err := WriteUint8(w, uint8(m.Result)); err != nil {
		return err
	}
	switch m.Result {
	case JoinDirectly:
		return WriteString(w, m.Address)
	case JoinViaLobby:
		return WriteString(w, m.ExtraParams)
	}
	return nil
}

func (m *JoinInstanceResponseMessage) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := m.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *JoinInstanceResponseMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	result, err := ReadUint8(buf)
	if err != nil {
		return err
	}
	m.Result = JoinResult(result)
	m.Address = ""
	m.ExtraParams = ""
	switch m.Result {
	case JoinDirectly:
		m.Address, err = ReadString(buf)
	case JoinViaLobby:
		m.ExtraParams, err = ReadString(buf)
	}
	return err
}

// QuickplayRequestMessage (0x03) - ask a hub to place the caller into any
// suitable instance, creating one if necessary
type QuickplayRequestMessage struct {
	RuleTag    string
	SkillRank  int32
	IsBeginner bool
}

func (m *QuickplayRequestMessage) EncodeTo(w io.Writer) error {
	if err := WriteString(w, m.RuleTag); err != nil {
		return err
	}
	if err := WriteInt32(w, m.SkillRank); err != nil {
		return err
	}
	return WriteBool(w, m.IsBeginner)
}

func (m *QuickplayRequestMessage) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := m.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *QuickplayRequestMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	var err error
	if m.RuleTag, err = ReadString(buf); err != nil {
		return err
	}
	if m.SkillRank, err = ReadInt32(buf); err != nil {
		return err
	}
	m.IsBeginner, err = ReadBool(buf)
	return err
}

// QuickplayResponseMessage (0x83) - progress or final answer to a quickplay
// request. A hub may send any number of WaitingForStart responses before the
// final Join. InstanceID is only present for QuickplayJoin; HubName rides on
// the waiting variants so the caller can surface "hub X is starting a match".
type QuickplayResponseMessage struct {
	Result     QuickplayResult
	InstanceID uuid.UUID
	HubName    string
}

func (m *QuickplayResponseMessage) EncodeTo(w io.Writer) error {
	if err := WriteUint8(w, uint8(m.Result)); err != nil {
		return err
	}
	if m.Result == QuickplayJoin {
		_, err := w.Write(m.InstanceID[:])
		return err
	}
	return WriteString(w, m.HubName)
}

func (m *QuickplayResponseMessage) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := m.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *QuickplayResponseMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	result, err := ReadUint8(buf)
	if err != nil {
		return err
	}
	m.Result = QuickplayResult(result)
	m.InstanceID = uuid.UUID{}
	m.HubName = ""
	if m.Result == QuickplayJoin {
		_, err = io.ReadFull(buf, m.InstanceID[:])
		return err
	}
	m.HubName, err = ReadString(buf)
	return err
}
