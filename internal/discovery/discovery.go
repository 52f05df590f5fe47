// Package discovery optionally announces a self-hosted loopback relay
// (see internal/myserver) to a LAN lobby/MOTD endpoint so other peers
// can find it without an out-of-band address exchange. It is best
// effort: a lobby that is unreachable or absent must never prevent
// /host from succeeding.
package discovery

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-logr/logr"
	"github.com/hashicorp/go-retryablehttp"
)

// Announcement is what gets registered with the lobby.
type Announcement struct {
	Name string `json:"name"`
	Port int    `json:"port"`
	Motd string `json:"motd,omitempty"`
}

// Client registers hosted games with a lobby server over HTTP, retrying
// transient DNS/connect failures.
type Client struct {
	http     *retryablehttp.Client
	lobbyURL string
}

// New returns a Client posting announcements to lobbyURL. If lobbyURL
// is empty, Announce is a no-op, since not every session wants a lobby.
func New(logger logr.Logger, lobbyURL string) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.RetryWaitMin = 200 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.Logger = retryableLogAdapter{logger}
	rc.HTTPClient.Timeout = 5 * time.Second

	return &Client{http: rc, lobbyURL: lobbyURL}
}

// Announce posts the hosted game's details to the lobby. It returns nil
// without making a request if no lobby URL was configured.
func (c *Client) Announce(a Announcement) error {
	if c.lobbyURL == "" {
		return nil
	}
	body, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("discovery: marshal announcement: %w", err)
	}

	req, err := retryablehttp.NewRequest(http.MethodPost, c.lobbyURL, body)
	if err != nil {
		return fmt.Errorf("discovery: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("discovery: announce: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("discovery: lobby returned status %d", resp.StatusCode)
	}
	return nil
}

// retryableLogAdapter adapts logr.Logger to retryablehttp's minimal
// leveled-logger interface.
type retryableLogAdapter struct {
	logger logr.Logger
}

func (a retryableLogAdapter) Error(msg string, keysAndValues ...interface{}) {
	a.logger.Error(fmt.Errorf("%s", msg), msg, keysAndValues...)
}

func (a retryableLogAdapter) Info(msg string, keysAndValues ...interface{}) {
	a.logger.V(1).Info(msg, keysAndValues...)
}

func (a retryableLogAdapter) Debug(msg string, keysAndValues ...interface{}) {
	a.logger.V(2).Info(msg, keysAndValues...)
}

func (a retryableLogAdapter) Warn(msg string, keysAndValues ...interface{}) {
	a.logger.V(0).Info(msg, keysAndValues...)
}
