// Package proxyclient speaks the control-plane protocol of the external
// routing front-end: register a user's route when their server comes up,
// unregister it when it goes down. The data plane itself — the reverse
// proxy that actually forwards browser traffic — is entirely out of
// scope; this package only ever talks to the front-end's admin API.
package proxyclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

// ErrProxy is wrapped by every error this package returns for a failed
// control-plane call, so callers can distinguish it with errors.Is from
// other failure classes (e.g. context cancellation).
var ErrProxy = errors.New("proxy error")

// registerBody is the JSON payload sent to the Proxy's register endpoint.
type registerBody struct {
	Target string `json:"target"`
	User   string `json:"user"`
}

// Client issues register/unregister calls against a routing front-end's
// admin API, authenticated with a static bearer token.
type Client struct {
	apiURL    string
	authToken string
	http      *http.Client
}

// New builds a Client targeting apiURL (the Proxy's api_server.url) with
// the given control-plane auth token. The transport is tuned the way the
// Hub tunes its own outbound connections to internal services: bounded
// dial/handshake timeouts, a modest idle-connection pool.
func New(apiURL, authToken string) *Client {
	return &Client{
		apiURL:    apiURL,
		authToken: authToken,
		http: &http.Client{
			Timeout: 15 * time.Second,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:        50,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
	}
}

// Register adds a route from userBaseURL to targetHost (a
// "scheme://host:port" string) with the Proxy, retrying once on failure
// per the commit-last discipline (a transient first failure should not
// strand a user's server unregistered).
func (c *Client) Register(ctx context.Context, userBaseURL, targetHost, username string) error {
	body, err := json.Marshal(registerBody{Target: targetHost, User: username})
	if err != nil {
		return fmt.Errorf("%w: failed to encode register body: %v", ErrProxy, err)
	}

	err = c.do(ctx, http.MethodPost, userBaseURL, body)
	if err != nil {
		// One retry: the Proxy may be mid-reload or momentarily
		// unreachable; a second attempt costs little against the
		// alternative of leaving a just-spawned server unrouted.
		err = c.do(ctx, http.MethodPost, userBaseURL, body)
	}
	return err
}

// Unregister removes the route for userBaseURL. Not retried: a failed
// unregister is logged by the caller and the stale route is left to
// self-heal on the user's next spawn.
func (c *Client) Unregister(ctx context.Context, userBaseURL string) error {
	return c.do(ctx, http.MethodDelete, userBaseURL, nil)
}

func (c *Client) do(ctx context.Context, method, userBaseURL string, body []byte) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.apiURL+userBaseURL, reader)
	if err != nil {
		return fmt.Errorf("%w: failed to build request: %v", ErrProxy, err)
	}
	req.Header.Set("Authorization", "token "+c.authToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", ErrProxy, method, userBaseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%w: %s %s returned %d: %s", ErrProxy, method, userBaseURL, resp.StatusCode, respBody)
	}
	return nil
}
