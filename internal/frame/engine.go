// Package frame implements the per-frame input gather/publish
// discipline: the lag buffer, golf-mode lag drop, and local<->netplay
// routing invoked once per emulator tick.
package frame

import (
	"github.com/go-logr/logr"

	"github.com/simple64/netplay-input-client/internal/controllermap"
	"github.com/simple64/netplay-input-client/internal/protocol"
	"github.com/simple64/netplay-input-client/internal/queue"
)

// MaxPlayers mirrors controllermap.MaxPlayers.
const MaxPlayers = controllermap.MaxPlayers

// DefaultLag is the client's default frame-lag setting.
const DefaultLag uint8 = 5

// Engine holds the mutable per-session frame state: the lag/golf
// settings, the frame counter, the controller map, the netplay
// controller layout, and the four input queues.
type Engine struct {
	logger logr.Logger
	sender protocol.Sender

	controlMap         *controllermap.Map
	netplayControllers *[MaxPlayers]protocol.Controller
	queues             [MaxPlayers]*queue.Queue

	lag    uint8
	golf   bool
	frame  uint32
	isOpen func() bool
}

// New returns an Engine wired to the given controller map, netplay
// controller layout, and socket-openness check (standalone mode is
// detected by socket being closed).
func New(logger logr.Logger, sender protocol.Sender, controlMap *controllermap.Map, netplayControllers *[MaxPlayers]protocol.Controller, isOpen func() bool) *Engine {
	var queues [MaxPlayers]*queue.Queue
	for i := range queues {
		queues[i] = queue.New()
	}
	return &Engine{
		logger:             logger,
		sender:             sender,
		controlMap:         controlMap,
		netplayControllers: netplayControllers,
		queues:             queues,
		lag:                DefaultLag,
		isOpen:             isOpen,
	}
}

// Queues exposes the per-port queues so the protocol handler and the
// facade's GetInput can reach them directly.
func (e *Engine) Queues() *[MaxPlayers]*queue.Queue {
	return &e.queues
}

// Lag returns the current lag setting.
func (e *Engine) Lag() uint8 {
	return e.lag
}

// SetLag sets lag. Callers that need to surface the change to the user
// do so themselves; this just updates the counter the frame loop reads.
func (e *Engine) SetLag(lag uint8) {
	e.lag = lag
}

// Golf reports whether golf mode is active.
func (e *Engine) Golf() bool {
	return e.golf
}

// SetGolf sets golf mode.
func (e *Engine) SetGolf(golf bool) {
	e.golf = golf
}

// ToggleGolf flips golf mode and returns the new value.
func (e *Engine) ToggleGolf() bool {
	e.golf = !e.golf
	return e.golf
}

// FrameNumber returns the current, not-yet-sent frame counter.
func (e *Engine) FrameNumber() uint32 {
	return e.frame
}

// ProcessInput runs the per-frame gather/publish algorithm described in
// the frame engine design: for each netplay port this peer owns, prime
// or top up its queue to depth lag+1 and emit the corresponding
// INPUT_DATA packets; for ports nobody but this peer could ever supply
// (present, but socket closed - standalone mode) fill with neutral
// input; then emit FRAME and advance the counter.
func (e *Engine) ProcessInput(localInput [MaxPlayers]queue.Buttons) {
	for port := 0; port < MaxPlayers; port++ {
		local := e.controlMap.ToLocal(port)
		switch {
		case local >= 0:
			e.publishOwnedPort(port, int(local), localInput[local])
		case e.netplayControllers[port].Present && !e.isOpen():
			e.fillStandalone(port)
		}
	}

	_ = e.sender.Send(protocol.BuildFrame(e.frame), true)
	e.frame++
}

func (e *Engine) publishOwnedPort(netplayPort, localPort int, input queue.Buttons) {
	if e.golf && e.lag != 0 && input.Pressed() {
		_ = e.sender.Send(protocol.BuildLag(e.lag), true)
		e.lag = 0
	}

	// The <= is load-bearing: after this loop the queue depth is
	// exactly lag+1. On the first call the queue starts empty and this
	// primes it with lag+1 copies; every later call tops it up by one.
	for e.queues[netplayPort].Size() <= int(e.lag) {
		e.queues[netplayPort].Push(input)
		_ = e.sender.Send(protocol.BuildInputData(uint8(netplayPort), input), false)
	}
}

func (e *Engine) fillStandalone(port int) {
	for e.queues[port].Size() <= int(e.lag) {
		e.queues[port].Push(0)
	}
}

// GetInput is the emulator-facing accessor: it blocks on the port's
// queue if the port is present in the netplay layout, otherwise it
// returns neutral input immediately.
func (e *Engine) GetInput(port int) queue.Buttons {
	if e.netplayControllers[port].Present {
		return e.queues[port].Pop()
	}
	return 0
}
