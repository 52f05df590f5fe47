package myserver_test

import (
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/websocket"

	"github.com/simple64/netplay-input-client/internal/myserver"
	"github.com/simple64/netplay-input-client/internal/packet"
	"github.com/simple64/netplay-input-client/internal/protocol"
)

func dialAndJoin(t *testing.T, port int, name string) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", "127.0.0.1:"+strconv.Itoa(port))
	require.NoError(t, err)

	// drain the server's proactive VERSION packet
	_, err = packet.ReadFrame(conn)
	require.NoError(t, err)

	join := protocol.BuildJoin(name, [protocol.MaxPlayers]protocol.Controller{})
	require.NoError(t, packet.WriteFrame(conn, join))
	return conn
}

func TestJoinAckAssignsID(t *testing.T) {
	s := myserver.New(logr.Discard(), 5)
	port, err := s.Open(0)
	require.NoError(t, err)
	defer s.Close()

	conn := dialAndJoin(t, port, "alice")
	defer conn.Close()

	p, err := packet.ReadFrame(conn)
	require.NoError(t, err)
	kind, err := p.ReadUint8()
	require.NoError(t, err)
	require.Equal(t, uint8(protocol.KindJoin), kind)

	uid, err := p.ReadUint32()
	require.NoError(t, err)
	require.Equal(t, uint32(0), uid)

	nameLen, err := p.ReadUint8()
	require.NoError(t, err)
	gotName, err := p.ReadString(int(nameLen))
	require.NoError(t, err)
	require.Equal(t, "alice", gotName)
}

func TestFirstClientSeesSecondJoin(t *testing.T) {
	s := myserver.New(logr.Discard(), 5)
	port, err := s.Open(0)
	require.NoError(t, err)
	defer s.Close()

	first := dialAndJoin(t, port, "alice")
	defer first.Close()
	// drain alice's own join-ack
	_, err = packet.ReadFrame(first)
	require.NoError(t, err)

	second := dialAndJoin(t, port, "bob")
	defer second.Close()
	// drain bob's own join-ack
	_, err = packet.ReadFrame(second)
	require.NoError(t, err)

	// alice should now observe bob's join broadcast
	p, err := packet.ReadFrame(first)
	require.NoError(t, err)
	kind, err := p.ReadUint8()
	require.NoError(t, err)
	require.Equal(t, uint8(protocol.KindJoin), kind)
	uid, err := p.ReadUint32()
	require.NoError(t, err)
	require.Equal(t, uint32(1), uid)
}

func TestInputDataRelayedToOtherPeersOnly(t *testing.T) {
	s := myserver.New(logr.Discard(), 5)
	port, err := s.Open(0)
	require.NoError(t, err)
	defer s.Close()

	alice := dialAndJoin(t, port, "alice")
	defer alice.Close()
	_, err = packet.ReadFrame(alice)
	require.NoError(t, err)

	bob := dialAndJoin(t, port, "bob")
	defer bob.Close()
	_, err = packet.ReadFrame(bob)
	require.NoError(t, err)
	_, err = packet.ReadFrame(alice) // alice sees bob's join
	require.NoError(t, err)

	require.NoError(t, packet.WriteFrame(alice, protocol.BuildInputData(0, 0x42)))

	bob.SetReadDeadline(time.Now().Add(2 * time.Second))
	p, err := packet.ReadFrame(bob)
	require.NoError(t, err)
	kind, err := p.ReadUint8()
	require.NoError(t, err)
	require.Equal(t, uint8(protocol.KindInputData), kind)

	// the sender must not get its own INPUT_DATA echoed back
	alice.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, err = packet.ReadFrame(alice)
	require.Error(t, err)
}

func TestLatencyProbeEchoes(t *testing.T) {
	s := myserver.New(logr.Discard(), 5)
	port, err := s.OpenLatencyProbe()
	require.NoError(t, err)
	defer s.Close()

	conn, err := net.Dial("udp", "127.0.0.1:"+strconv.Itoa(port))
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("ping"))
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 16)
	n, err := conn.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "ping", string(buf[:n]))
}

func TestSpectatorReceivesJoinBroadcast(t *testing.T) {
	s := myserver.New(logr.Discard(), 5)
	port, err := s.Open(0)
	require.NoError(t, err)
	defer s.Close()

	specPort, err := s.OpenSpectator(0)
	require.NoError(t, err)

	origin := "http://localhost/"
	url := "ws://127.0.0.1:" + strconv.Itoa(specPort) + "/"
	spectator, err := websocket.Dial(url, "", origin)
	require.NoError(t, err)
	defer spectator.Close()

	alice := dialAndJoin(t, port, "alice")
	defer alice.Close()

	spectator.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 64)
	n, err := spectator.Read(buf)
	require.NoError(t, err)
	require.Contains(t, string(buf[:n]), "alice has joined")
}
