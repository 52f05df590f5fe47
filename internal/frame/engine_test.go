package frame_test

import (
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/require"

	"github.com/simple64/netplay-input-client/internal/controllermap"
	"github.com/simple64/netplay-input-client/internal/frame"
	"github.com/simple64/netplay-input-client/internal/packet"
	"github.com/simple64/netplay-input-client/internal/protocol"
	"github.com/simple64/netplay-input-client/internal/queue"
)

type sentPacket struct {
	kind  protocol.Kind
	flush bool
}

// fakeSender implements protocol.Sender, recording each message's
// leading kind byte and whether the send was flushing.
type fakeSender struct {
	sent []sentPacket
}

func (f *fakeSender) Send(p *packet.Packet, flush bool) error {
	b := p.Bytes()
	if len(b) == 0 {
		return nil
	}
	f.sent = append(f.sent, sentPacket{kind: protocol.Kind(b[0]), flush: flush})
	return nil
}

func newEngine(t *testing.T, netplayControllers *[frame.MaxPlayers]protocol.Controller, cm *controllermap.Map, isOpen func() bool) (*frame.Engine, *fakeSender) {
	t.Helper()
	sender := &fakeSender{}
	e := frame.New(logr.Discard(), sender, cm, netplayControllers, isOpen)
	return e, sender
}

func TestLagPrime(t *testing.T) {
	var npc [frame.MaxPlayers]protocol.Controller
	npc[0].Present = true
	cm := controllermap.New()
	cm.Insert(0, 0)

	e, sender := newEngine(t, &npc, cm, func() bool { return true })
	e.SetLag(2)

	var input [frame.MaxPlayers]queue.Buttons
	input[0] = 0x10
	e.ProcessInput(input)

	require.Equal(t, 3, e.Queues()[0].Size())

	inputDataCount := 0
	frameCount := 0
	for _, s := range sender.sent {
		switch s.kind {
		case protocol.KindInputData:
			inputDataCount++
		case protocol.KindFrame:
			frameCount++
		}
	}
	require.Equal(t, 3, inputDataCount)
	require.Equal(t, 1, frameCount)
	require.Equal(t, uint32(1), e.FrameNumber())

	got := e.GetInput(0)
	require.Equal(t, queue.Buttons(0x10), got)
	require.Equal(t, 2, e.Queues()[0].Size())
}

func TestSteadyFrame(t *testing.T) {
	var npc [frame.MaxPlayers]protocol.Controller
	npc[0].Present = true
	cm := controllermap.New()
	cm.Insert(0, 0)

	e, sender := newEngine(t, &npc, cm, func() bool { return true })
	e.SetLag(2)

	var inputA [frame.MaxPlayers]queue.Buttons
	inputA[0] = 0x10
	e.ProcessInput(inputA)
	_ = e.GetInput(0) // the emulator consumes one input, leaving depth 2 for the next frame

	var inputB [frame.MaxPlayers]queue.Buttons
	inputB[0] = 0x20
	sender.sent = nil
	e.ProcessInput(inputB)

	inputDataCount := 0
	for _, s := range sender.sent {
		if s.kind == protocol.KindInputData {
			inputDataCount++
		}
	}
	require.Equal(t, 1, inputDataCount)
	require.Equal(t, 3, e.Queues()[0].Size())

	require.Equal(t, queue.Buttons(0x10), e.GetInput(0))
	require.Equal(t, 2, e.Queues()[0].Size())
}

func TestGolfDrop(t *testing.T) {
	var npc [frame.MaxPlayers]protocol.Controller
	npc[0].Present = true
	cm := controllermap.New()
	cm.Insert(0, 0)

	e, sender := newEngine(t, &npc, cm, func() bool { return true })
	e.SetLag(5)
	e.SetGolf(true)

	var input [frame.MaxPlayers]queue.Buttons
	input[0] = queue.ZTrigBit
	e.ProcessInput(input)

	require.Equal(t, uint8(0), e.Lag())
	require.Equal(t, 1, e.Queues()[0].Size())

	var lagCount, inputCount, frameCount int
	for _, s := range sender.sent {
		switch s.kind {
		case protocol.KindLag:
			lagCount++
		case protocol.KindInputData:
			inputCount++
		case protocol.KindFrame:
			frameCount++
		}
	}
	require.Equal(t, 1, lagCount)
	require.Equal(t, 1, inputCount)
	require.Equal(t, 1, frameCount)
}

func TestStandaloneOwnedPortsPrimeQueues(t *testing.T) {
	// /start in standalone mode freezes the identity map, so both
	// present ports are locally owned and go through the same publish
	// path as a connected session; it's the session's Send
	// implementation, not the engine, that is responsible for making
	// the outbound writes no-ops while the socket is closed.
	var npc [frame.MaxPlayers]protocol.Controller
	npc[0].Present = true
	npc[1].Present = true
	cm := controllermap.Identity()

	e, _ := newEngine(t, &npc, cm, func() bool { return false })
	e.SetLag(0)

	var input [frame.MaxPlayers]queue.Buttons
	input[0] = 0xAA
	input[1] = 0xBB
	e.ProcessInput(input)

	require.Equal(t, 1, e.Queues()[0].Size())
	require.Equal(t, 1, e.Queues()[1].Size())

	require.Equal(t, queue.Buttons(0xAA), e.GetInput(0))
	require.Equal(t, queue.Buttons(0xBB), e.GetInput(1))
}

func TestUnmappedPresentPortFillsNeutralWhenSocketClosed(t *testing.T) {
	var npc [frame.MaxPlayers]protocol.Controller
	npc[2].Present = true
	cm := controllermap.New() // nothing mapped

	e, sender := newEngine(t, &npc, cm, func() bool { return false })
	e.SetLag(1)

	var input [frame.MaxPlayers]queue.Buttons
	e.ProcessInput(input)

	require.Equal(t, 2, e.Queues()[2].Size())
	for _, s := range sender.sent {
		require.NotEqual(t, protocol.KindInputData, s.kind)
	}
	require.Equal(t, queue.Buttons(0), e.GetInput(2))
}
