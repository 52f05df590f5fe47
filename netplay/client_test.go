package netplay_test

import (
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/require"

	"github.com/simple64/netplay-input-client/internal/queue"
	"github.com/simple64/netplay-input-client/netplay"
)

type fakeDialog struct {
	mu       sync.Mutex
	statuses []string
	errors   []string
	chats    []string
}

func (d *fakeDialog) Status(msg string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.statuses = append(d.statuses, msg)
}

func (d *fakeDialog) Error(msg string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.errors = append(d.errors, msg)
}

func (d *fakeDialog) Chat(from, msg string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.chats = append(d.chats, from+": "+msg)
}

func (d *fakeDialog) UpdateUserList(map[uint32]netplay.User) {}

func (d *fakeDialog) lastStatus() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.statuses) == 0 {
		return ""
	}
	return d.statuses[len(d.statuses)-1]
}

func (d *fakeDialog) lastError() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.errors) == 0 {
		return ""
	}
	return d.errors[len(d.errors)-1]
}

func waitStatusContains(t *testing.T, d *fakeDialog, substr string) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for status containing %q, got %v", substr, d.statuses)
		default:
			if s := d.lastStatus(); len(s) >= len(substr) && contains(s, substr) {
				return
			}
			time.Sleep(time.Millisecond)
		}
	}
}

func contains(haystack, needle string) bool {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return true
		}
	}
	return false
}

func TestSetNameUpdatesStatus(t *testing.T) {
	dialog := &fakeDialog{}
	c := netplay.New(logr.Discard(), dialog, "")
	defer c.Shutdown()

	c.SetName("hexagon")
	require.Equal(t, "hexagon", c.GetName())
	require.Contains(t, dialog.lastStatus(), "hexagon")
}

func TestChatLineEchoesLocally(t *testing.T) {
	dialog := &fakeDialog{}
	c := netplay.New(logr.Discard(), dialog, "")
	defer c.Shutdown()

	c.SetName("alice")
	c.ProcessMessage("hello there")

	require.Eventually(t, func() bool {
		dialog.mu.Lock()
		defer dialog.mu.Unlock()
		return len(dialog.chats) == 1
	}, 2*time.Second, time.Millisecond)
}

func TestUnknownCommandReportsError(t *testing.T) {
	dialog := &fakeDialog{}
	c := netplay.New(logr.Discard(), dialog, "")
	defer c.Shutdown()

	c.ProcessMessage("/does_not_exist")
	waitErrorContains(t, dialog, "Unknown command")
}

func waitErrorContains(t *testing.T, d *fakeDialog, substr string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return contains(d.lastError(), substr)
	}, 2*time.Second, time.Millisecond)
}

func TestStartCommandStandaloneUnblocksWaitUntilStart(t *testing.T) {
	dialog := &fakeDialog{}
	c := netplay.New(logr.Discard(), dialog, "")
	defer c.Shutdown()

	done := make(chan struct{})
	go func() {
		c.WaitUntilStart()
		close(done)
	}()

	c.ProcessMessage("/start")

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("WaitUntilStart did not unblock after /start")
	}
}

func TestStartIsIdempotent(t *testing.T) {
	dialog := &fakeDialog{}
	c := netplay.New(logr.Discard(), dialog, "")
	defer c.Shutdown()

	c.ProcessMessage("/start")
	waitStatusContains(t, dialog, "Starting game")

	// A second /start after the game has already started must be
	// rejected, not silently re-run.
	c.ProcessMessage("/start")
	waitErrorContains(t, dialog, "already started")
}

func TestPlayerCountReflectsNetplayControllers(t *testing.T) {
	dialog := &fakeDialog{}
	c := netplay.New(logr.Discard(), dialog, "")
	defer c.Shutdown()

	require.Equal(t, 0, c.PlayerCount())

	c.SetNetplayControllers([netplay.MaxPlayers]netplay.Controller{
		{Present: true},
		{Present: true},
		{},
		{},
	})
	require.Equal(t, 2, c.PlayerCount())
}

func TestGetInputReturnsNeutralForAbsentController(t *testing.T) {
	dialog := &fakeDialog{}
	c := netplay.New(logr.Discard(), dialog, "")
	defer c.Shutdown()

	require.Equal(t, queue.Buttons(0), c.GetInput(0))
}

func TestPostCloseFreezesIdentityMapAndStarts(t *testing.T) {
	dialog := &fakeDialog{}
	c := netplay.New(logr.Discard(), dialog, "")

	c.SetLocalControllers([netplay.MaxPlayers]netplay.Controller{{Present: true}, {}, {}, {}})

	done := make(chan struct{})
	go func() {
		c.WaitUntilStart()
		close(done)
	}()

	c.PostClose()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("PostClose did not unblock WaitUntilStart")
	}
	require.Equal(t, 1, c.PlayerCount())
	c.Shutdown()
}
