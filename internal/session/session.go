// Package session owns the TCP socket lifecycle for one netplay
// connection: resolve/connect/shutdown, and the reactor read loop that
// dispatches inbound frames to the protocol handler. Everything in this
// package other than Post is meant to run on a single
// goroutine (the "reactor"), matching the source's single-threaded
// io_service model.
package session

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/go-logr/logr"
	"go.uber.org/multierr"

	"github.com/simple64/netplay-input-client/internal/packet"
)

// State is one of the five session lifecycle states.
type State int

const (
	Idle State = iota
	Resolving
	Connecting
	Connected
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Resolving:
		return "resolving"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Handlers bundles the callbacks the reactor invokes as the session's
// lifecycle progresses. All are invoked on the reactor goroutine.
type Handlers struct {
	// OnPacket is called once per framed inbound packet, including
	// empty (length-zero) frames.
	OnPacket func(p *packet.Packet)
	// OnConnected is called once TCP_NODELAY has been set on a freshly
	// connected socket, before the read loop starts.
	OnConnected func()
	// OnError reports a user-visible message for a fatal condition
	// (resolve, connect, socket-option or read failure). Not called for
	// operation-aborted errors, which are expected during close.
	OnError func(msg string)
	// OnClosed is called once the session has fully torn down, whether
	// via explicit Close or a fatal network error, but only if the
	// session had reached Connected.
	OnClosed func()
}

// Session drives one TCP connection's lifecycle plus its dedicated
// reactor goroutine. The reactor goroutine is started by Run and
// processes posted closures and inbound frames until Shutdown is called.
type Session struct {
	logger   logr.Logger
	handlers Handlers

	taskCh   chan func()
	packetCh chan *packet.Packet
	errCh    chan error
	quit     chan struct{}

	state  State
	conn   net.Conn
	writer *bufio.Writer
	cancel context.CancelFunc
}

// New returns a Session in the Idle state. Call Run to start its
// reactor goroutine.
func New(logger logr.Logger, handlers Handlers) *Session {
	return &Session{
		logger:   logger,
		handlers: handlers,
		taskCh:   make(chan func()),
		packetCh: make(chan *packet.Packet),
		errCh:    make(chan error, 1),
		quit:     make(chan struct{}),
		state:    Idle,
	}
}

// Post schedules fn to run on the reactor goroutine and returns
// immediately. Callers needing the result should close over a
// completion channel and wait on it, which is what the facade package
// does to present a synchronous API to the plugin.
func (s *Session) Post(fn func()) {
	select {
	case s.taskCh <- fn:
	case <-s.quit:
	}
}

// Run is the reactor loop. It must be started exactly once, typically
// in its own goroutine, and returns once Shutdown has been called.
// Close alone tears the connection down but leaves the reactor running.
func (s *Session) Run() {
	for {
		select {
		case fn := <-s.taskCh:
			fn()
		case p := <-s.packetCh:
			if s.handlers.OnPacket != nil {
				s.handlers.OnPacket(p)
			}
		case err := <-s.errCh:
			s.handleNetworkError(err)
		case <-s.quit:
			return
		}
	}
}

// State returns the current lifecycle state. Callers outside the
// reactor goroutine should treat this as a snapshot, not a guarantee.
func (s *Session) State() State {
	return s.state
}

// IsOpen reports whether the socket is currently connected, mirroring
// the source's socket.is_open() checks used to gate standalone-mode
// behavior and outbound sends.
func (s *Session) IsOpen() bool {
	return s.state == Connected
}

// Connect resolves host:port and connects to it, transitioning
// Idle -> Resolving -> Connecting -> Connected, or to Closed with a
// user-visible error on any failure. Must be called on the reactor
// goroutine.
func (s *Session) Connect(host string, port int) {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.state = Resolving

	addr := fmt.Sprintf("%s:%d", host, port)
	go s.dial(ctx, addr)
}

func (s *Session) dial(ctx context.Context, addr string) {
	resolved, err := net.DefaultResolver.LookupHost(ctx, hostOnly(addr))
	if err != nil {
		s.reportAsync(err)
		return
	}
	if len(resolved) == 0 {
		s.reportAsync(errors.New("no addresses found"))
		return
	}

	s.Post(func() {
		if s.state != Resolving {
			return // closed while resolving
		}
		s.state = Connecting
	})

	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		s.reportAsync(err)
		return
	}

	s.Post(func() {
		if s.state != Connecting {
			_ = conn.Close()
			return // closed while connecting
		}
		if tc, ok := conn.(*net.TCPConn); ok {
			if err := tc.SetNoDelay(true); err != nil {
				s.conn = conn
				s.writer = bufio.NewWriter(conn)
				s.handleNetworkError(err)
				return
			}
		}
		s.conn = conn
		s.writer = bufio.NewWriter(conn)
		s.state = Connected
		if s.handlers.OnConnected != nil {
			s.handlers.OnConnected()
		}
		go s.readLoop(conn)
	})
}

func hostOnly(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

// reportAsync is called from a non-reactor goroutine (the dial
// goroutine) to funnel a fatal error back onto the reactor.
func (s *Session) reportAsync(err error) {
	select {
	case s.errCh <- err:
	case <-s.quit:
	}
}

func (s *Session) readLoop(conn net.Conn) {
	for {
		p, err := packet.ReadFrame(conn)
		if err != nil {
			s.reportAsync(err)
			return
		}
		select {
		case s.packetCh <- p:
		case <-s.quit:
			return
		}
	}
}

// handleNetworkError classifies a fatal network error, surfaces it (or
// silently drops it if it was caused by our own Close), and tears the
// session down. Runs on the reactor goroutine.
func (s *Session) handleNetworkError(err error) {
	if s.state == Closed {
		return
	}
	if isOperationAborted(err) {
		return
	}

	msg := err.Error()
	if errors.Is(err, io.EOF) {
		msg = "Disconnected from server"
	}
	if s.handlers.OnError != nil {
		s.handlers.OnError(msg)
	}
	s.close()
}

func isOperationAborted(err error) bool {
	if errors.Is(err, context.Canceled) {
		return true
	}
	if errors.Is(err, net.ErrClosed) {
		return true
	}
	var netErr *net.OpError
	if errors.As(err, &netErr) && netErr.Err != nil && errors.Is(netErr.Err, net.ErrClosed) {
		return true
	}
	return false
}

// Send writes p as a length-prefixed frame. flush=false permits the
// write to be coalesced with subsequent writes (used for the
// high-frequency, non-critical INPUT_DATA path); flush=true forces the
// bytes onto the wire immediately.
func (s *Session) Send(p *packet.Packet, flush bool) error {
	if !s.IsOpen() {
		return nil
	}
	if err := packet.WriteFrame(s.writer, p); err != nil {
		return fmt.Errorf("session: write: %w", err)
	}
	if flush {
		if err := s.writer.Flush(); err != nil {
			return fmt.Errorf("session: flush: %w", err)
		}
	}
	return nil
}

// Close cancels any in-flight resolve/connect, shuts the socket down,
// and transitions to Closed. Safe to call from any state. Must be
// called on the reactor goroutine.
func (s *Session) Close() {
	s.close()
}

func (s *Session) close() {
	if s.state == Closed {
		return
	}
	wasConnected := s.state == Connected
	if s.cancel != nil {
		s.cancel()
	}
	if s.conn != nil {
		var err error
		if s.writer != nil {
			err = multierr.Append(err, s.writer.Flush())
		}
		if tc, ok := s.conn.(*net.TCPConn); ok {
			err = multierr.Append(err, tc.SetLinger(0))
		}
		err = multierr.Append(err, s.conn.Close())
		if err != nil {
			s.logger.V(1).Info("errors while tearing down connection", "error", err.Error())
		}
		s.conn = nil
	}
	s.state = Closed
	// OnClosed drives sentinel pushes into the input queues on the
	// client side; firing it for a session that never reached Connected
	// would plant a phantom neutral input ahead of the game's first
	// real frame. Only a session that was actually open has queues
	// worth unblocking.
	if wasConnected && s.handlers.OnClosed != nil {
		s.handlers.OnClosed()
	}
}

// Shutdown stops the reactor goroutine entirely. Called once, at
// facade teardown.
func (s *Session) Shutdown() {
	s.close()
	close(s.quit)
}

// DialTimeout is a bounded-latency direct TCP dial of addr that bypasses
// the session's resolve/connect state machine.
func DialTimeout(addr string, timeout time.Duration) (net.Conn, error) {
	return net.DialTimeout("tcp", addr, timeout)
}
