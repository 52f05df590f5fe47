// Package protocol implements the netplay wire message catalogue: the
// inbound message handler that mutates session/roster state and emits
// status callbacks, and the outbound message builders.
package protocol

import (
	"fmt"

	"github.com/simple64/netplay-input-client/internal/controllermap"
	"github.com/simple64/netplay-input-client/internal/packet"
	"github.com/simple64/netplay-input-client/internal/queue"
)

// ProtocolVersion must match between peer and server or the session is
// closed on connect.
const ProtocolVersion uint32 = 10

// Kind is the leading byte of every framed message.
type Kind uint8

// Message kinds, matching the wire protocol table.
const (
	KindVersion Kind = iota + 1
	KindJoin
	KindPing
	KindPong
	KindLatency
	KindName
	KindQuit
	KindMessage
	KindControllers
	KindStart
	KindInputData
	KindLag
	KindAutolag
	KindFrame
)

// MaxPlayers mirrors controllermap.MaxPlayers for local readability.
const MaxPlayers = controllermap.MaxPlayers

// Controller is the admission-time controller descriptor. RawData is
// always forced false on admission; raw-data controllers are silently
// converted to cooked.
type Controller struct {
	PluginID uint8
	Present  bool
	RawData  bool
}

// Cooked returns c with RawData forced false.
func (c Controller) Cooked() Controller {
	c.RawData = false
	return c
}

// User is a roster entry: inserted on JOIN, updated on
// NAME/LATENCY/CONTROLLERS, removed on QUIT.
type User struct {
	Name        string
	Latency     uint32
	Controllers [MaxPlayers]Controller
	ControlMap  controllermap.Map
}

// Roster maps user_id to User.
type Roster struct {
	users map[uint32]*User
}

// NewRoster returns an empty roster.
func NewRoster() *Roster {
	return &Roster{users: make(map[uint32]*User)}
}

func (r *Roster) Insert(id uint32, u *User) {
	r.users[id] = u
}

func (r *Roster) Get(id uint32) (*User, bool) {
	u, ok := r.users[id]
	return u, ok
}

func (r *Roster) Remove(id uint32) {
	delete(r.users, id)
}

func (r *Roster) Clear() {
	r.users = make(map[uint32]*User)
}

// Snapshot returns a copy of the roster map, safe for a status view to
// range over without racing the reactor goroutine.
func (r *Roster) Snapshot() map[uint32]User {
	out := make(map[uint32]User, len(r.users))
	for id, u := range r.users {
		out[id] = *u
	}
	return out
}

// Sink is the (out-of-scope) status/chat/error dialog collaborator.
// Implementations must be safe to call from the reactor goroutine.
type Sink interface {
	Status(msg string)
	Error(msg string)
	Chat(from, msg string)
	RefreshRoster(snapshot map[uint32]User)
}

// Sender emits an already-built outbound packet. Implementations decide
// whether the write is flushed eagerly or coalesced.
type Sender interface {
	Send(p *packet.Packet, flush bool) error
}

// Effects bundles the mutable state a Handler needs beyond the roster:
// the per-port input queues, the authoritative netplay controller
// layout, this peer's controller map, and hooks for protocol-driven
// lifecycle transitions.
type Effects struct {
	Queues             *[MaxPlayers]*queue.Queue
	NetplayControllers *[MaxPlayers]Controller
	ControlMap         *controllermap.Map
	SetLag             func(lag uint8)
	StartGame          func()
	CloseWithError     func(msg string)
}

// Handler decodes inbound frames and applies their effects.
type Handler struct {
	roster *Roster
	sink   Sink
	fx     Effects
}

// NewHandler builds a Handler over the given roster, dialog sink, and
// session effects.
func NewHandler(roster *Roster, sink Sink, fx Effects) *Handler {
	return &Handler{roster: roster, sink: sink, fx: fx}
}

// Handle decodes and applies one payload's worth of message, dispatched
// by leading Kind byte. An empty payload is valid and is ignored by the
// caller before Handle is ever invoked.
func (h *Handler) Handle(p *packet.Packet, sender Sender) error {
	kindByte, err := p.ReadUint8()
	if err != nil {
		return fmt.Errorf("protocol: read message kind: %w", err)
	}

	switch Kind(kindByte) {
	case KindVersion:
		return h.handleVersion(p)
	case KindJoin:
		return h.handleJoin(p)
	case KindPing:
		return h.handlePing(p, sender)
	case KindLatency:
		return h.handleLatency(p)
	case KindName:
		return h.handleName(p)
	case KindQuit:
		return h.handleQuit(p)
	case KindMessage:
		return h.handleMessage(p)
	case KindControllers:
		return h.handleControllers(p)
	case KindStart:
		h.fx.StartGame()
		return nil
	case KindInputData:
		return h.handleInputData(p)
	case KindLag:
		return h.handleLag(p)
	default:
		// Unknown message kinds are ignored rather than treated as a
		// framing error: the wire format is forward-extensible.
		return nil
	}
}

func (h *Handler) handleVersion(p *packet.Packet) error {
	version, err := p.ReadUint32()
	if err != nil {
		return fmt.Errorf("protocol: read VERSION: %w", err)
	}
	if version != ProtocolVersion {
		h.fx.CloseWithError("Server protocol version does not match client protocol version")
	}
	return nil
}

func (h *Handler) handleJoin(p *packet.Packet) error {
	userID, err := p.ReadUint32()
	if err != nil {
		return fmt.Errorf("protocol: read JOIN uid: %w", err)
	}
	name, err := readPrefixedString8(p)
	if err != nil {
		return fmt.Errorf("protocol: read JOIN name: %w", err)
	}
	h.roster.Insert(userID, &User{Name: name})
	h.sink.Status(name + " has joined")
	h.sink.RefreshRoster(h.roster.Snapshot())
	return nil
}

func (h *Handler) handlePing(p *packet.Packet, sender Sender) error {
	ts, err := p.ReadUint64()
	if err != nil {
		return fmt.Errorf("protocol: read PING: %w", err)
	}
	return sender.Send(BuildPong(ts), true)
}

func (h *Handler) handleLatency(p *packet.Packet) error {
	for p.BytesRemaining() >= 8 {
		userID, err := p.ReadUint32()
		if err != nil {
			return fmt.Errorf("protocol: read LATENCY uid: %w", err)
		}
		ms, err := p.ReadUint32()
		if err != nil {
			return fmt.Errorf("protocol: read LATENCY ms: %w", err)
		}
		if u, ok := h.roster.Get(userID); ok {
			u.Latency = ms
		}
	}
	h.sink.RefreshRoster(h.roster.Snapshot())
	return nil
}

func (h *Handler) handleName(p *packet.Packet) error {
	userID, err := p.ReadUint32()
	if err != nil {
		return fmt.Errorf("protocol: read NAME uid: %w", err)
	}
	newName, err := readPrefixedString8(p)
	if err != nil {
		return fmt.Errorf("protocol: read NAME value: %w", err)
	}
	oldName := ""
	if u, ok := h.roster.Get(userID); ok {
		oldName = u.Name
		u.Name = newName
	}
	h.sink.Status(oldName + " is now " + newName)
	h.sink.RefreshRoster(h.roster.Snapshot())
	return nil
}

func (h *Handler) handleQuit(p *packet.Packet) error {
	userID, err := p.ReadUint32()
	if err != nil {
		return fmt.Errorf("protocol: read QUIT uid: %w", err)
	}
	name := ""
	if u, ok := h.roster.Get(userID); ok {
		name = u.Name
	}
	h.roster.Remove(userID)
	h.sink.Status(name + " has quit")
	h.sink.RefreshRoster(h.roster.Snapshot())
	return nil
}

func (h *Handler) handleMessage(p *packet.Packet) error {
	userID, err := p.ReadInt32()
	if err != nil {
		return fmt.Errorf("protocol: read MESSAGE uid: %w", err)
	}
	n, err := p.ReadUint16()
	if err != nil {
		return fmt.Errorf("protocol: read MESSAGE length: %w", err)
	}
	msg, err := p.ReadString(int(n))
	if err != nil {
		return fmt.Errorf("protocol: read MESSAGE body: %w", err)
	}
	h.RouteMessage(userID, msg)
	return nil
}

// RouteMessage implements the three-way chat routing: uid=-2 is an
// error, uid=-1 is a status line, anything else is named chat.
func (h *Handler) RouteMessage(userID int32, msg string) {
	switch userID {
	case -2:
		h.sink.Error(msg)
	case -1:
		h.sink.Status(msg)
	default:
		name := ""
		if u, ok := h.roster.Get(uint32(userID)); ok {
			name = u.Name
		}
		h.sink.Chat(name, msg)
	}
}

func (h *Handler) handleControllers(p *packet.Packet) error {
	userID, err := p.ReadInt32()
	if err != nil {
		return fmt.Errorf("protocol: read CONTROLLERS uid: %w", err)
	}

	var controllers [MaxPlayers]Controller
	for i := 0; i < MaxPlayers; i++ {
		plugin, err := p.ReadUint8()
		if err != nil {
			return fmt.Errorf("protocol: read CONTROLLERS plugin: %w", err)
		}
		present, err := p.ReadBool()
		if err != nil {
			return fmt.Errorf("protocol: read CONTROLLERS present: %w", err)
		}
		raw, err := p.ReadBool()
		if err != nil {
			return fmt.Errorf("protocol: read CONTROLLERS raw: %w", err)
		}
		controllers[i] = Controller{PluginID: plugin, Present: present, RawData: raw}.Cooked()
	}

	var slots [MaxPlayers]int8
	for i := 0; i < MaxPlayers; i++ {
		slot, err := p.ReadInt8()
		if err != nil {
			return fmt.Errorf("protocol: read CONTROLLERS map slot: %w", err)
		}
		slots[i] = slot
	}

	if userID == -1 {
		*h.fx.NetplayControllers = controllers
		for i := 0; i < MaxPlayers; i++ {
			h.fx.ControlMap.SetSlot(i, slots[i])
		}
		return nil
	}

	u, ok := h.roster.Get(uint32(userID))
	if !ok {
		return nil
	}
	u.Controllers = controllers
	for i := 0; i < MaxPlayers; i++ {
		u.ControlMap.SetSlot(i, slots[i])
	}
	h.sink.RefreshRoster(h.roster.Snapshot())
	return nil
}

func (h *Handler) handleInputData(p *packet.Packet) error {
	port, err := p.ReadUint8()
	if err != nil {
		return fmt.Errorf("protocol: read INPUT_DATA port: %w", err)
	}
	value, err := p.ReadUint32()
	if err != nil {
		return fmt.Errorf("protocol: read INPUT_DATA value: %w", err)
	}
	if int(port) >= MaxPlayers {
		// Swallowed: a malformed or late packet must not kill the session.
		return nil
	}
	func() {
		defer func() { _ = recover() }()
		h.fx.Queues[port].Push(queue.Buttons(value))
	}()
	return nil
}

func (h *Handler) handleLag(p *packet.Packet) error {
	lag, err := p.ReadUint8()
	if err != nil {
		return fmt.Errorf("protocol: read LAG: %w", err)
	}
	h.fx.SetLag(lag)
	return nil
}

func readPrefixedString8(p *packet.Packet) (string, error) {
	n, err := p.ReadUint8()
	if err != nil {
		return "", err
	}
	return p.ReadString(int(n))
}

// --- outbound builders ---

// BuildJoin encodes the JOIN handshake: protocol version, local name,
// and this peer's local controller descriptors.
func BuildJoin(name string, controllers [MaxPlayers]Controller) *packet.Packet {
	p := packet.New()
	p.WriteUint8(uint8(KindJoin)).WriteUint32(ProtocolVersion)
	p.WriteUint8(uint8(len(name))).WriteString(name)
	for _, c := range controllers {
		p.WriteUint8(c.PluginID).WriteBool(c.Present).WriteBool(c.RawData)
	}
	return p
}

// BuildName encodes a rename request.
func BuildName(name string) *packet.Packet {
	p := packet.New()
	p.WriteUint8(uint8(KindName))
	p.WriteUint8(uint8(len(name))).WriteString(name)
	return p
}

// BuildMessage encodes an outbound chat line.
func BuildMessage(msg string) *packet.Packet {
	p := packet.New()
	p.WriteUint8(uint8(KindMessage)).WriteUint16(uint16(len(msg))).WriteString(msg)
	return p
}

// BuildControllers encodes this peer's local controller descriptors.
func BuildControllers(controllers [MaxPlayers]Controller) *packet.Packet {
	p := packet.New()
	p.WriteUint8(uint8(KindControllers))
	for _, c := range controllers {
		p.WriteUint8(c.PluginID).WriteBool(c.Present).WriteBool(c.RawData)
	}
	return p
}

// BuildStart encodes the START request. The trailing zero byte's
// significance is undocumented in the source this protocol is derived
// from; it is mirrored verbatim here for wire compatibility.
func BuildStart() *packet.Packet {
	p := packet.New()
	p.WriteUint8(uint8(KindStart)).WriteUint8(0)
	return p
}

// BuildLag encodes a LAG directive.
func BuildLag(lag uint8) *packet.Packet {
	p := packet.New()
	p.WriteUint8(uint8(KindLag)).WriteUint8(lag)
	return p
}

// BuildAutolag encodes an AUTOLAG request.
func BuildAutolag() *packet.Packet {
	return packet.New().WriteUint8(uint8(KindAutolag))
}

// BuildInputData encodes one port's button state.
func BuildInputData(port uint8, value queue.Buttons) *packet.Packet {
	p := packet.New()
	p.WriteUint8(uint8(KindInputData)).WriteUint8(port).WriteUint32(uint32(value))
	return p
}

// BuildFrame encodes the per-frame marker sent after all of that
// frame's INPUT_DATA pushes.
func BuildFrame(frame uint32) *packet.Packet {
	p := packet.New()
	p.WriteUint8(uint8(KindFrame)).WriteUint32(frame)
	return p
}

// BuildPong echoes a PING's timestamp back to the sender.
func BuildPong(ts uint64) *packet.Packet {
	p := packet.New()
	p.WriteUint8(uint8(KindPong)).WriteUint64(ts)
	return p
}

// --- server-side outbound builders, used by the loopback relay ---

// BuildVersionAck announces the relay's protocol version to a newly
// connected peer.
func BuildVersionAck(version uint32) *packet.Packet {
	p := packet.New()
	p.WriteUint8(uint8(KindVersion)).WriteUint32(version)
	return p
}

// BuildJoinAck is the server->client JOIN shape: an assigned user id
// plus that user's name, distinct from the client->server JOIN shape
// (which additionally carries the declared protocol version and local
// controller descriptors).
func BuildJoinAck(userID uint32, name string) *packet.Packet {
	p := packet.New()
	p.WriteUint8(uint8(KindJoin)).WriteUint32(userID)
	p.WriteUint8(uint8(len(name))).WriteString(name)
	return p
}

// BuildNameAck is the server->client rename broadcast.
func BuildNameAck(userID uint32, name string) *packet.Packet {
	p := packet.New()
	p.WriteUint8(uint8(KindName)).WriteUint32(userID)
	p.WriteUint8(uint8(len(name))).WriteString(name)
	return p
}

// BuildQuit announces a peer's departure.
func BuildQuit(userID uint32) *packet.Packet {
	p := packet.New()
	p.WriteUint8(uint8(KindQuit)).WriteUint32(userID)
	return p
}

// BuildControllersAck encodes a CONTROLLERS broadcast. userID=-1 marks
// the authoritative netplay layout plus the recipient's own map;
// otherwise it describes one specific user's controllers to everyone
// else.
func BuildControllersAck(userID int32, controllers [MaxPlayers]Controller, cm *controllermap.Map) *packet.Packet {
	p := packet.New()
	p.WriteUint8(uint8(KindControllers)).WriteInt32(userID)
	for _, c := range controllers {
		p.WriteUint8(c.PluginID).WriteBool(c.Present).WriteBool(c.RawData)
	}
	for i := 0; i < MaxPlayers; i++ {
		p.WriteInt8(cm.Slot(i))
	}
	return p
}

// BuildChatFromServer rewrites a peer's outbound MESSAGE with its
// sender's user id attached, for relay to every other peer.
func BuildChatFromServer(userID int32, text string) *packet.Packet {
	p := packet.New()
	p.WriteUint8(uint8(KindMessage)).WriteInt32(userID).WriteUint16(uint16(len(text))).WriteString(text)
	return p
}
