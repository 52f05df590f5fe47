// Package netplay is the facade the emulator plugin talks to: a
// synchronous API backed by a reactor goroutine and a set of blocking
// input queues. Every mutating call except GetInput marshals its body
// onto the reactor and blocks until it completes; GetInput talks
// directly to the blocking queues.
package netplay

import (
	"fmt"
	"strconv"
	"sync"

	"github.com/go-logr/logr"

	"github.com/simple64/netplay-input-client/internal/command"
	"github.com/simple64/netplay-input-client/internal/controllermap"
	"github.com/simple64/netplay-input-client/internal/discovery"
	"github.com/simple64/netplay-input-client/internal/frame"
	"github.com/simple64/netplay-input-client/internal/myserver"
	"github.com/simple64/netplay-input-client/internal/packet"
	"github.com/simple64/netplay-input-client/internal/protocol"
	"github.com/simple64/netplay-input-client/internal/queue"
	"github.com/simple64/netplay-input-client/internal/session"
)

// MaxPlayers is the fixed controller-port count the core supports.
const MaxPlayers = protocol.MaxPlayers

// Controller is the plugin-facing controller descriptor. RawData is
// always forced false on admission.
type Controller = protocol.Controller

// User is one roster entry, as surfaced to the status dialog.
type User = protocol.User

// Dialog is the (out-of-scope) status/error/chat GUI collaborator.
// Implementations must tolerate being called from the reactor
// goroutine and must not block.
type Dialog interface {
	Status(msg string)
	Error(msg string)
	Chat(from, msg string)
	UpdateUserList(users map[uint32]User)
}

// NopDialog discards every callback; useful for headless embedding and
// as the safe default before a real dialog is attached.
type NopDialog struct{}

func (NopDialog) Status(string)                  {}
func (NopDialog) Error(string)                   {}
func (NopDialog) Chat(string, string)            {}
func (NopDialog) UpdateUserList(map[uint32]User) {}

// Client is the synchronous facade the plugin ABI drives.
type Client struct {
	logger logr.Logger
	dialog Dialog

	sess     *session.Session
	roster   *protocol.Roster
	handler  *protocol.Handler
	engine   *frame.Engine
	discover *discovery.Client

	controlMap         *controllermap.Map
	netplayControllers [MaxPlayers]Controller
	localControllers   [MaxPlayers]Controller

	mu      sync.Mutex
	started bool
	startCh chan struct{}

	name string

	myServer *myserver.Server
}

// New constructs a Client and starts its reactor goroutine. Call
// PostClose, then Shutdown, when the plugin unloads.
func New(logger logr.Logger, dialog Dialog, lobbyURL string) *Client {
	if dialog == nil {
		dialog = NopDialog{}
	}
	c := &Client{
		logger:     logger,
		dialog:     dialog,
		controlMap: controllermap.New(),
		startCh:    make(chan struct{}),
		discover:   discovery.New(logger, lobbyURL),
		name:       "Player",
	}

	c.roster = protocol.NewRoster()
	c.sess = session.New(logger, session.Handlers{
		OnPacket:    c.onPacket,
		OnConnected: c.onConnected,
		OnError:     c.onNetworkError,
		OnClosed:    c.onSessionClosed,
	})
	c.engine = frame.New(logger, c.sess, c.controlMap, &c.netplayControllers, c.sess.IsOpen)
	c.handler = protocol.NewHandler(c.roster, dialogSink{c}, protocol.Effects{
		Queues:             c.engine.Queues(),
		NetplayControllers: &c.netplayControllers,
		ControlMap:         c.controlMap,
		SetLag:             c.engine.SetLag,
		StartGame:          c.startGame,
		CloseWithError:     c.closeWithError,
	})

	go c.sess.Run()
	c.dialog.Status(command.Help())
	return c
}

// dialogSink adapts Client to protocol.Sink.
type dialogSink struct{ c *Client }

func (d dialogSink) Status(msg string) { d.c.dialog.Status(msg) }
func (d dialogSink) Error(msg string)  { d.c.dialog.Error(msg) }
func (d dialogSink) Chat(from, msg string) {
	d.c.dialog.Chat(from, msg)
}
func (d dialogSink) RefreshRoster(snapshot map[uint32]protocol.User) {
	d.c.dialog.UpdateUserList(snapshot)
}

func (c *Client) onPacket(p *packet.Packet) {
	if p.Size() == 0 {
		return
	}
	if err := c.handler.Handle(p, c.sess); err != nil {
		c.logger.Error(err, "protocol error, closing session")
		c.closeWithError(err.Error())
	}
}

func (c *Client) onConnected() {
	c.sendJoin()
}

func (c *Client) sendJoin() {
	_ = c.sess.Send(protocol.BuildJoin(c.name, c.localControllers), true)
}

func (c *Client) onNetworkError(msg string) {
	c.dialog.Error(msg)
}

func (c *Client) onSessionClosed() {
	for _, q := range c.engine.Queues() {
		q.PushSentinel()
	}
	c.roster.Clear()
	c.dialog.UpdateUserList(c.roster.Snapshot())
}

func (c *Client) closeWithError(msg string) {
	c.dialog.Error(msg)
	c.closeLocked()
}

// closeLocked tears the session down; must run on the reactor goroutine.
func (c *Client) closeLocked() {
	c.sess.Close()
	if c.myServer != nil {
		c.myServer.Close()
		c.myServer = nil
	}
}

// --- plugin-facing synchronous API ---

// GetName returns the local player name.
func (c *Client) GetName() string {
	done := make(chan string, 1)
	c.sess.Post(func() { done <- c.name })
	return <-done
}

// SetName sets the local player name and announces it to the status
// dialog. Does not itself send NAME on the wire (the source only sends
// NAME in response to the /name command, not from SetName).
func (c *Client) SetName(name string) {
	done := make(chan struct{})
	c.sess.Post(func() {
		c.name = name
		c.dialog.Status("Your name is " + name)
		close(done)
	})
	<-done
}

// SetLocalControllers records this peer's physical controller
// attachment. RawData is forced false on every descriptor before
// admission, matching the ABI contract.
func (c *Client) SetLocalControllers(controllers [MaxPlayers]Controller) {
	for i := range controllers {
		controllers[i] = controllers[i].Cooked()
	}
	done := make(chan struct{})
	c.sess.Post(func() {
		c.localControllers = controllers
		_ = c.sess.Send(protocol.BuildControllers(c.localControllers), true)
		close(done)
	})
	<-done
}

// SetNetplayControllers records the globally agreed post-assignment
// controller layout.
func (c *Client) SetNetplayControllers(controllers [MaxPlayers]Controller) {
	done := make(chan struct{})
	c.sess.Post(func() {
		c.netplayControllers = controllers
		close(done)
	})
	<-done
}

// ProcessInput runs one emulator frame's worth of gather/publish.
func (c *Client) ProcessInput(localInput [MaxPlayers]queue.Buttons) {
	done := make(chan struct{})
	c.sess.Post(func() {
		c.engine.ProcessInput(localInput)
		close(done)
	})
	<-done
}

// GetInput returns the netplay-agreed input for port, bypassing the
// reactor and blocking directly on that port's queue.
func (c *Client) GetInput(port int) queue.Buttons {
	return c.engine.GetInput(port)
}

// PlayerCount returns how many netplay ports are currently present.
func (c *Client) PlayerCount() int {
	done := make(chan int, 1)
	c.sess.Post(func() {
		count := 0
		for _, ctrl := range c.netplayControllers {
			if ctrl.Present {
				count++
			}
		}
		done <- count
	})
	return <-done
}

// WaitUntilStart blocks until the game has started.
func (c *Client) WaitUntilStart() {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	ch := c.startCh
	c.mu.Unlock()
	<-ch
}

// startGame is idempotent and sticky: once started, calling it again is
// a no-op. Runs on the reactor goroutine (called both by the START
// protocol handler and by the /start command).
func (c *Client) startGame() {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	close(c.startCh)
	c.mu.Unlock()
	c.dialog.Status("Starting game...")
}

// mapLocalToNetplay freezes the identity local<->netplay mapping used
// in standalone (no-server) play.
func (c *Client) mapLocalToNetplay() {
	c.netplayControllers = c.localControllers
	c.controlMap.Reset()
	for i, ctrl := range c.localControllers {
		if ctrl.Present {
			c.controlMap.Insert(i, i)
		}
	}
}

// PostClose posts the plugin window's close-button handler.
// If the game hasn't started yet, this tears the session down,
// re-freezes the identity map, and marks the game started so a
// standalone emulator instance can proceed instead of hanging. If the
// game has already started, closing the window is treated as a
// minimize: the session stays alive and nothing here fires, leaving
// that button's actual minimize behavior to the (out-of-scope) GUI
// shim.
func (c *Client) PostClose() {
	c.sess.Post(func() {
		c.mu.Lock()
		started := c.started
		c.mu.Unlock()
		if started {
			return
		}
		c.closeLocked()
		c.mapLocalToNetplay()
		c.startGame()
	})
}

// Shutdown stops the reactor goroutine. Call once, after
// PostClose has been given a chance to run (or directly, if
// the plugin never connected).
func (c *Client) Shutdown() {
	c.sess.Shutdown()
}

// Connect posts a connect request onto the reactor.
func (c *Client) Connect(host string, port int) {
	c.sess.Post(func() {
		c.dialog.Status(fmt.Sprintf("Connecting to %s:%d...", host, port))
		c.sess.Connect(host, port)
	})
}

// ProcessMessage parses and dispatches one line from the chat dialog:
// either a slash command or a plain chat line. Runs on the reactor
// goroutine.
func (c *Client) ProcessMessage(message string) {
	c.sess.Post(func() { c.processMessage(message) })
}

func (c *Client) processMessage(message string) {
	parsed := command.Parse(message)

	switch {
	case parsed.Chat != nil:
		c.dialog.Chat(c.name, parsed.Chat.Text)
		_ = c.sess.Send(protocol.BuildMessage(parsed.Chat.Text), true)
	case parsed.Command != nil:
		c.runCommand(*parsed.Command)
	default:
		c.dialog.Error("Unknown command: " + parsed.Unknown)
	}
}

func (c *Client) runCommand(cmd command.Command) {
	switch cmd.Name {
	case command.NameSetName:
		if len(cmd.Args) == 0 {
			c.dialog.Error("Missing parameter")
			return
		}
		c.name = cmd.Args[0]
		c.dialog.Status("Your name is now " + c.name)
		_ = c.sess.Send(protocol.BuildName(c.name), true)

	case command.NameHost:
		c.runHost(cmd.Args)

	case command.NameJoin:
		c.runJoin(cmd.Args)

	case command.NameStart:
		c.runStart()

	case command.NameLag:
		lag, err := command.ParseLag(cmd.Args)
		if err != nil {
			c.dialog.Error(err.Error())
			return
		}
		c.engine.SetLag(lag)
		c.dialog.Status("Your lag is set to " + strconv.Itoa(int(lag)))
		_ = c.sess.Send(protocol.BuildLag(lag), true)

	case command.NameMyLag:
		lag, err := command.ParseLag(cmd.Args)
		if err != nil {
			c.dialog.Error(err.Error())
			return
		}
		c.engine.SetLag(lag)
		c.dialog.Status("Your lag is set to " + strconv.Itoa(int(lag)))

	case command.NameYourLag:
		lag, err := command.ParseLag(cmd.Args)
		if err != nil {
			c.dialog.Error(err.Error())
			return
		}
		_ = c.sess.Send(protocol.BuildLag(lag), true)

	case command.NameAutolag:
		if !c.sess.IsOpen() {
			c.dialog.Error("Cannot toggle automatic lag unless connected to server")
			return
		}
		_ = c.sess.Send(protocol.BuildAutolag(), true)

	case command.NameGolf:
		if c.engine.ToggleGolf() {
			c.dialog.Status("Golf mode is enabled")
		} else {
			c.dialog.Status("Golf mode is disabled")
		}
	}
}

func (c *Client) runHost(args []string) {
	if c.started {
		c.dialog.Error("Game has already started")
		return
	}
	port, err := command.ParsePort(args, command.DefaultPort)
	if err != nil {
		c.dialog.Error(err.Error())
		return
	}

	c.closeLocked()

	c.myServer = myserver.New(c.logger, c.engine.Lag())
	bound, err := c.myServer.Open(port)
	if err != nil {
		c.dialog.Error(err.Error())
		c.myServer = nil
		return
	}

	c.dialog.Status(fmt.Sprintf("Server is listening on port %d...", bound))

	if probePort, err := c.myServer.OpenLatencyProbe(); err != nil {
		c.logger.V(1).Info("latency probe unavailable", "error", err.Error())
	} else {
		c.dialog.Status(fmt.Sprintf("Latency probe listening on UDP port %d", probePort))
	}
	if specPort, err := c.myServer.OpenSpectator(0); err != nil {
		c.logger.V(1).Info("spectator endpoint unavailable", "error", err.Error())
	} else {
		c.dialog.Status(fmt.Sprintf("Spectator viewer listening on port %d", specPort))
	}

	announcement := discovery.Announcement{Name: c.name, Port: bound}
	if err := c.discover.Announce(announcement); err != nil {
		c.logger.V(1).Info("lobby announcement failed", "error", err.Error())
	}
	c.sess.Connect("127.0.0.1", bound)
}

func (c *Client) runJoin(args []string) {
	if c.started {
		c.dialog.Error("Game has already started")
		return
	}
	if len(args) == 0 {
		c.dialog.Error("Missing parameter")
		return
	}
	host := args[0]
	port, err := command.ParsePort(args[1:], command.DefaultPort)
	if err != nil {
		c.dialog.Error(err.Error())
		return
	}
	c.closeLocked()
	c.sess.Connect(host, port)
}

func (c *Client) runStart() {
	if c.started {
		c.dialog.Error("Game has already started")
		return
	}
	if c.sess.IsOpen() {
		_ = c.sess.Send(protocol.BuildStart(), true)
		return
	}
	c.mapLocalToNetplay()
	c.engine.SetLag(0)
	c.startGame()
}
