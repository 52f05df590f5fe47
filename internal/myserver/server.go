// Package myserver implements the small in-process loopback relay that
// the "/host" command spins up: a TCP listener this same client
// process connects to on localhost. It is a minimal stand-in for the
// real server implementation, which is an external collaborator (see
// the package's role in SPEC_FULL.md's DOMAIN STACK) — it only knows
// enough of the wire protocol to bootstrap a self-hosted game and
// relay subsequent traffic between whichever peers connect to it.
package myserver

import (
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/go-logr/logr"
	"go.uber.org/multierr"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
	"golang.org/x/net/websocket"

	"github.com/simple64/netplay-input-client/internal/controllermap"
	"github.com/simple64/netplay-input-client/internal/packet"
	"github.com/simple64/netplay-input-client/internal/protocol"
	"github.com/simple64/netplay-input-client/internal/queue"
)

// Client is one TCP peer connected to the loopback relay, named and
// shaped after the teacher's gameServer.Client.
type Client struct {
	Conn   net.Conn
	ID     uint32
	Name   string
	Socket *websocket.Conn // never set: spectator connections are tracked in spectatorHub, not as Clients
}

// Server is the loopback relay spawned by /host. It tracks connected
// peers, assigns user ids, and rebroadcasts CONTROLLERS/START/
// INPUT_DATA/LAG/MESSAGE traffic between them.
type Server struct {
	Logger logr.Logger
	Lag    uint8

	listener  net.Listener
	spectator net.Listener
	udpProbe  *net.UDPConn

	mu      sync.Mutex
	clients map[uint32]*Client
	nextID  uint32
	started bool

	netplayControllers [protocol.MaxPlayers]protocol.Controller
	peerMaps           map[uint32]*controllermap.Map

	spectatorMu  sync.Mutex
	spectatorHub map[*websocket.Conn]struct{}
}

// New returns a Server ready to Open.
func New(logger logr.Logger, lag uint8) *Server {
	return &Server{
		Logger:       logger,
		Lag:          lag,
		clients:      make(map[uint32]*Client),
		peerMaps:     make(map[uint32]*controllermap.Map),
		spectatorHub: make(map[*websocket.Conn]struct{}),
	}
}

// Open binds a TCP listener on port (0 picks an ephemeral port) and
// starts accepting connections. It returns the bound port.
func (s *Server) Open(port int) (int, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return 0, fmt.Errorf("myserver: listen: %w", err)
	}
	s.listener = ln

	go s.acceptLoop()

	boundPort := ln.Addr().(*net.TCPAddr).Port
	s.Logger.Info("loopback relay listening", "port", boundPort)
	return boundPort, nil
}

// OpenLatencyProbe binds a UDP socket peers can ping for a cheap RTT
// estimate: whatever they send is echoed back verbatim. The socket is
// tagged AF31 (DSCP 26) the way the reference netplay server tags its
// input traffic, so probe packets don't get deprioritized behind bulk
// transfers sharing the same link. Returns the bound port.
func (s *Server) OpenLatencyProbe() (int, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: 0})
	if err != nil {
		return 0, fmt.Errorf("myserver: listen udp: %w", err)
	}
	if err := ipv4.NewConn(conn).SetTOS(0x68); err != nil {
		s.Logger.V(1).Info("could not set IPv4 DSCP AF31 on latency probe socket")
	}
	if err := ipv6.NewConn(conn).SetTrafficClass(0x68); err != nil {
		s.Logger.V(1).Info("could not set IPv6 traffic class on latency probe socket")
	}
	s.udpProbe = conn
	go s.serveLatencyProbe(conn)
	return conn.LocalAddr().(*net.UDPAddr).Port, nil
}

func (s *Server) serveLatencyProbe(conn *net.UDPConn) {
	buf := make([]byte, 512)
	for {
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		if _, err := conn.WriteToUDP(buf[:n], addr); err != nil {
			s.Logger.V(1).Info("latency probe echo failed", "error", err.Error())
		}
	}
}

// OpenSpectator starts an optional websocket endpoint mirroring join and
// game-start events to a browser-based status viewer. port 0 picks an
// ephemeral port. Returns the bound port.
func (s *Server) OpenSpectator(port int) (int, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return 0, fmt.Errorf("myserver: spectator listen: %w", err)
	}
	s.spectator = ln
	srv := &websocket.Server{Handler: s.handleSpectator}
	go func() {
		_ = http.Serve(ln, srv)
	}()
	return ln.Addr().(*net.TCPAddr).Port, nil
}

func (s *Server) handleSpectator(conn *websocket.Conn) {
	s.spectatorMu.Lock()
	s.spectatorHub[conn] = struct{}{}
	s.spectatorMu.Unlock()
	defer func() {
		s.spectatorMu.Lock()
		delete(s.spectatorHub, conn)
		s.spectatorMu.Unlock()
		_ = conn.Close()
	}()

	buf := make([]byte, 1)
	for {
		if _, err := conn.Read(buf); err != nil {
			return
		}
	}
}

// BroadcastSpectator sends a status line to every connected spectator.
func (s *Server) BroadcastSpectator(line string) {
	s.spectatorMu.Lock()
	defer s.spectatorMu.Unlock()
	for conn := range s.spectatorHub {
		if _, err := conn.Write([]byte(line)); err != nil {
			s.Logger.V(1).Info("spectator write failed", "error", err.Error())
		}
	}
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		if tc, ok := conn.(*net.TCPConn); ok {
			_ = tc.SetNoDelay(true)
		}
		go s.handleClient(conn)
	}
}

func (s *Server) handleClient(conn net.Conn) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	client := &Client{Conn: conn, ID: id}
	s.clients[id] = client
	s.mu.Unlock()

	defer s.removeClient(id)

	if err := s.send(client, protocol.BuildVersionAck(protocol.ProtocolVersion)); err != nil {
		return
	}

	for {
		p, err := packet.ReadFrame(conn)
		if err != nil {
			return
		}
		if p.Size() == 0 {
			continue
		}
		if err := s.dispatch(client, p); err != nil {
			s.Logger.Error(err, "error handling client packet", "clientID", id)
			return
		}
	}
}

func (s *Server) removeClient(id uint32) {
	s.mu.Lock()
	client, ok := s.clients[id]
	delete(s.clients, id)
	delete(s.peerMaps, id)
	s.mu.Unlock()
	if !ok {
		return
	}
	_ = client.Conn.Close()
	s.broadcastExcept(id, protocol.BuildQuit(id))
}

func (s *Server) dispatch(client *Client, p *packet.Packet) error {
	kindByte, err := p.ReadUint8()
	if err != nil {
		return fmt.Errorf("myserver: read kind: %w", err)
	}

	switch protocol.Kind(kindByte) {
	case protocol.KindJoin:
		return s.onJoin(client, p)
	case protocol.KindName:
		return s.onName(client, p)
	case protocol.KindControllers:
		return s.onControllers(client, p)
	case protocol.KindStart:
		return s.onStart(client)
	case protocol.KindInputData:
		return s.onInputData(client, p)
	case protocol.KindLag:
		return s.onLag(client, p)
	case protocol.KindMessage:
		return s.onMessage(client, p)
	case protocol.KindAutolag:
		return nil // no automatic-lag estimation in the loopback relay
	default:
		return nil
	}
}

func (s *Server) onJoin(client *Client, p *packet.Packet) error {
	version, err := p.ReadUint32()
	if err != nil {
		return fmt.Errorf("myserver: read JOIN version: %w", err)
	}
	if version != protocol.ProtocolVersion {
		if err := s.send(client, protocol.BuildVersionAck(protocol.ProtocolVersion)); err != nil {
			return err
		}
		return nil // the client detects the mismatch itself and closes
	}
	nameLen, err := p.ReadUint8()
	if err != nil {
		return fmt.Errorf("myserver: read JOIN name length: %w", err)
	}
	name, err := p.ReadString(int(nameLen))
	if err != nil {
		return fmt.Errorf("myserver: read JOIN name: %w", err)
	}
	client.Name = name

	if err := s.send(client, protocol.BuildJoinAck(client.ID, name)); err != nil {
		return err
	}
	s.broadcastExcept(client.ID, protocol.BuildJoinAck(client.ID, name))
	s.BroadcastSpectator(name + " has joined")
	return nil
}

func (s *Server) onName(client *Client, p *packet.Packet) error {
	nameLen, err := p.ReadUint8()
	if err != nil {
		return fmt.Errorf("myserver: read NAME length: %w", err)
	}
	name, err := p.ReadString(int(nameLen))
	if err != nil {
		return fmt.Errorf("myserver: read NAME: %w", err)
	}
	client.Name = name
	s.broadcast(protocol.BuildNameAck(client.ID, name))
	return nil
}

func (s *Server) onControllers(client *Client, p *packet.Packet) error {
	var controllers [protocol.MaxPlayers]protocol.Controller
	for i := 0; i < protocol.MaxPlayers; i++ {
		plugin, err := p.ReadUint8()
		if err != nil {
			return fmt.Errorf("myserver: read CONTROLLERS plugin: %w", err)
		}
		present, err := p.ReadBool()
		if err != nil {
			return fmt.Errorf("myserver: read CONTROLLERS present: %w", err)
		}
		raw, err := p.ReadBool()
		if err != nil {
			return fmt.Errorf("myserver: read CONTROLLERS raw: %w", err)
		}
		controllers[i] = protocol.Controller{PluginID: plugin, Present: present, RawData: raw}.Cooked()
	}

	s.mu.Lock()
	peerMap := controllermap.New()
	nextSlot := 0
	for i := 0; i < protocol.MaxPlayers; i++ {
		if !controllers[i].Present {
			continue
		}
		for nextSlot < protocol.MaxPlayers && s.netplayControllers[nextSlot].Present {
			nextSlot++
		}
		if nextSlot >= protocol.MaxPlayers {
			break
		}
		s.netplayControllers[nextSlot] = controllers[i]
		peerMap.Insert(i, nextSlot)
		nextSlot++
	}
	s.peerMaps[client.ID] = peerMap
	layout := s.netplayControllers
	s.mu.Unlock()

	if err := s.send(client, protocol.BuildControllersAck(-1, layout, peerMap)); err != nil {
		return err
	}
	s.broadcastExcept(client.ID, protocol.BuildControllersAck(int32(client.ID), controllers, peerMap))
	return nil
}

func (s *Server) onStart(client *Client) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()
	s.broadcast(protocol.BuildStart())
	s.BroadcastSpectator("game started")
	return nil
}

func (s *Server) onInputData(client *Client, p *packet.Packet) error {
	port, err := p.ReadUint8()
	if err != nil {
		return fmt.Errorf("myserver: read INPUT_DATA port: %w", err)
	}
	value, err := p.ReadUint32()
	if err != nil {
		return fmt.Errorf("myserver: read INPUT_DATA value: %w", err)
	}
	s.broadcastExcept(client.ID, protocol.BuildInputData(port, queue.Buttons(value)))
	return nil
}

func (s *Server) onLag(client *Client, p *packet.Packet) error {
	lag, err := p.ReadUint8()
	if err != nil {
		return fmt.Errorf("myserver: read LAG: %w", err)
	}
	s.mu.Lock()
	s.Lag = lag
	s.mu.Unlock()
	s.broadcastExcept(client.ID, protocol.BuildLag(lag))
	return nil
}

func (s *Server) onMessage(client *Client, p *packet.Packet) error {
	n, err := p.ReadUint16()
	if err != nil {
		return fmt.Errorf("myserver: read MESSAGE length: %w", err)
	}
	text, err := p.ReadString(int(n))
	if err != nil {
		return fmt.Errorf("myserver: read MESSAGE: %w", err)
	}
	s.broadcastExcept(client.ID, protocol.BuildChatFromServer(int32(client.ID), text))
	return nil
}

func (s *Server) send(client *Client, p *packet.Packet) error {
	if err := packet.WriteFrame(client.Conn, p); err != nil {
		return fmt.Errorf("myserver: write: %w", err)
	}
	return nil
}

func (s *Server) broadcast(p *packet.Packet) {
	s.mu.Lock()
	targets := make([]*Client, 0, len(s.clients))
	for _, c := range s.clients {
		targets = append(targets, c)
	}
	s.mu.Unlock()
	for _, c := range targets {
		_ = s.send(c, p)
	}
}

func (s *Server) broadcastExcept(exceptID uint32, p *packet.Packet) {
	s.mu.Lock()
	targets := make([]*Client, 0, len(s.clients))
	for id, c := range s.clients {
		if id != exceptID {
			targets = append(targets, c)
		}
	}
	s.mu.Unlock()
	for _, c := range targets {
		_ = s.send(c, p)
	}
}

// Close shuts down the listener and every connected client, matching
// the source's my_server->close() called from client::close(). Errors
// from the individual sockets are aggregated rather than dropped after
// the first failure.
func (s *Server) Close() {
	var err error
	if s.listener != nil {
		err = multierr.Append(err, s.listener.Close())
	}
	if s.spectator != nil {
		err = multierr.Append(err, s.spectator.Close())
	}
	if s.udpProbe != nil {
		err = multierr.Append(err, s.udpProbe.Close())
	}
	s.mu.Lock()
	clients := make([]*Client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.clients = make(map[uint32]*Client)
	s.mu.Unlock()
	for _, c := range clients {
		err = multierr.Append(err, c.Conn.Close())
	}
	if err != nil {
		s.Logger.V(1).Info("errors while closing loopback relay", "error", err.Error())
	}
}
