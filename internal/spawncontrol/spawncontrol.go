// Package spawncontrol implements the Hub's per-user server lifecycle state
// machine: Idle -> Spawning -> Running -> Stopping -> Idle. It is the one
// place that drives the Spawner, the Store, and the Proxy Client together,
// keeping them in the ordering spec.md requires: the proxy never learns
// about a route before the Store row backing it is durable, and the Store
// never clears a server row while the proxy might still be routing to it.
package spawncontrol

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/rjsadow/hub/internal/db"
	"github.com/rjsadow/hub/internal/proxyclient"
	"github.com/rjsadow/hub/internal/spawner"
	"github.com/rjsadow/hub/internal/tokenmint"
)

// ErrSpawnFailed is returned (wrapped) when a spawn fails at any step of the
// Idle->Spawning transition; the caller should treat the user as Idle again.
var ErrSpawnFailed = errors.New("spawncontrol: spawn failed")

// DefaultReadyTimeout bounds the readiness probe if the caller does not
// provide one, matching spec.md §4.6's "recommended default 30 seconds".
const DefaultReadyTimeout = 30 * time.Second

const readyPollInterval = 250 * time.Millisecond

// Controller drives the per-user spawn/stop state machine. One Controller
// is shared across all users of a Hub process.
type Controller struct {
	db      *db.DB
	hub     *db.Hub
	factory spawner.Factory
	cfg     spawner.Config
	proxy   *proxyclient.Client

	cookieSecret []byte
	readyTimeout time.Duration

	sf singleflight.Group

	mu       sync.Mutex
	running  map[int64]spawner.Spawner // live Spawner handles, keyed by User.ID
}

// NewController builds a Controller. cookieSecret is the Hub-wide secret
// inherited by every per-user Server row (spec.md §4.6 step 1, "inherited
// cookie_secret"). readyTimeout <= 0 uses DefaultReadyTimeout.
func NewController(database *db.DB, hub *db.Hub, factory spawner.Factory, cfg spawner.Config, proxy *proxyclient.Client, cookieSecret []byte, readyTimeout time.Duration) *Controller {
	if readyTimeout <= 0 {
		readyTimeout = DefaultReadyTimeout
	}
	return &Controller{
		db:           database,
		hub:          hub,
		factory:      factory,
		cfg:          cfg,
		proxy:        proxy,
		cookieSecret: cookieSecret,
		readyTimeout: readyTimeout,
		running:      make(map[int64]spawner.Spawner),
	}
}

// EnsureRunning returns user's running Server, spawning one if the user is
// Idle and re-spawning if the tracked process died out-of-band (spec.md
// §4.6's "Re-spawn semantics"). It is safe to call concurrently for the
// same user: only one spawn is ever in flight.
func (c *Controller) EnsureRunning(ctx context.Context, user *db.User) (*db.Server, error) {
	if user.Server != nil && c.isAlive(ctx, user) {
		return user.Server, nil
	}
	return c.Spawn(ctx, user)
}

// Spawn runs the Idle->Spawning->Running transition for user, serializing
// concurrent callers for the same username behind a single in-flight spawn
// (spec.md §4.6 "Concurrency discipline").
func (c *Controller) Spawn(ctx context.Context, user *db.User) (*db.Server, error) {
	v, err, _ := c.sf.Do(user.Name, func() (any, error) {
		return c.doSpawn(ctx, user)
	})
	if err != nil {
		return nil, err
	}
	return v.(*db.Server), nil
}

// Stop runs the Running->Stopping->Idle transition for user. Calling it for
// a user with no live Spawner is a no-op, matching spec.md's "if
// user.spawner is absent, return immediately (idempotent)".
func (c *Controller) Stop(ctx context.Context, user *db.User) error {
	_, err, _ := c.sf.Do(user.Name, func() (any, error) {
		return nil, c.doStop(ctx, user)
	})
	return err
}

func (c *Controller) doSpawn(ctx context.Context, user *db.User) (*db.Server, error) {
	srv := &db.Server{
		BaseURL:      userBaseURL(c.hub.BaseURL, user.Name),
		CookieName:   "hub-auth-" + user.Name,
		CookieSecret: c.cookieSecret,
	}

	apiTokenValue, err := tokenmint.Mint()
	if err != nil {
		return nil, fmt.Errorf("%w: mint api token: %v", ErrSpawnFailed, err)
	}

	sp, err := c.factory(user, c.hub, apiTokenValue, c.cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: construct spawner: %v", ErrSpawnFailed, err)
	}

	if err := sp.Start(ctx); err != nil {
		return nil, fmt.Errorf("%w: start: %v", ErrSpawnFailed, err)
	}

	ip, port, err := c.probeReady(ctx, sp)
	if err != nil {
		c.bestEffortStop(sp)
		return nil, fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}
	srv.IP = ip
	srv.Port = port
	srv.Proto = "http"

	if err := c.db.ReplaceUserServer(ctx, user.ID, srv); err != nil {
		c.bestEffortStop(sp)
		return nil, fmt.Errorf("%w: persist server: %v", ErrSpawnFailed, err)
	}
	if _, err := c.db.MintAPIToken(ctx, user.ID, apiTokenValue, "spawner"); err != nil {
		c.bestEffortStop(sp)
		_ = c.db.DeleteUserServer(ctx, user.ID)
		return nil, fmt.Errorf("%w: persist api token: %v", ErrSpawnFailed, err)
	}
	if err := c.db.UpdateUserState(ctx, user.ID, db.RawJSON(sp.GetState())); err != nil {
		c.bestEffortStop(sp)
		_ = c.db.DeleteUserServer(ctx, user.ID)
		_ = c.db.DeleteUserAPITokens(ctx, user.ID)
		return nil, fmt.Errorf("%w: persist state: %v", ErrSpawnFailed, err)
	}

	// The Store row is durable before the proxy learns the route, so the
	// proxy never forwards to an address nothing has recorded yet.
	if err := c.proxy.Register(ctx, srv.BaseURL, srv.URL(), user.Name); err != nil {
		c.bestEffortStop(sp)
		_ = c.db.DeleteUserServer(ctx, user.ID)
		_ = c.db.DeleteUserAPITokens(ctx, user.ID)
		return nil, fmt.Errorf("%w: register route: %v", ErrSpawnFailed, err)
	}

	c.mu.Lock()
	c.running[user.ID] = sp
	c.mu.Unlock()

	user.Server = srv
	return srv, nil
}

func (c *Controller) doStop(ctx context.Context, user *db.User) error {
	c.mu.Lock()
	sp, ok := c.running[user.ID]
	c.mu.Unlock()
	if !ok {
		return nil
	}

	if status, err := sp.Poll(ctx); err != nil {
		log.Printf("spawncontrol: poll for %s during stop: %v", user.Name, err)
	} else if status == nil {
		if err := sp.Stop(ctx); err != nil {
			log.Printf("spawncontrol: stop for %s: %v", user.Name, err)
		}
	}

	if user.Server != nil {
		if err := c.proxy.Unregister(ctx, user.Server.BaseURL); err != nil {
			// Failure here is logged, not fatal: a stale route self-heals
			// on the next register for this base_url.
			log.Printf("spawncontrol: unregister for %s: %v", user.Name, err)
		}
	}

	if err := c.db.UpdateUserState(ctx, user.ID, nil); err != nil {
		return fmt.Errorf("spawncontrol: clear state for %s: %w", user.Name, err)
	}
	if err := c.db.DeleteUserAPITokens(ctx, user.ID); err != nil {
		return fmt.Errorf("spawncontrol: delete api tokens for %s: %w", user.Name, err)
	}
	if err := c.db.DeleteUserServer(ctx, user.ID); err != nil {
		return fmt.Errorf("spawncontrol: delete server for %s: %w", user.Name, err)
	}

	c.mu.Lock()
	delete(c.running, user.ID)
	c.mu.Unlock()

	user.Server = nil
	return nil
}

// isAlive reports whether user's tracked Spawner is still running. A
// process that died out-of-band (no tracked Spawner, or Poll returns a
// non-nil exit status) is not alive, triggering the re-spawn path in
// EnsureRunning.
func (c *Controller) isAlive(ctx context.Context, user *db.User) bool {
	c.mu.Lock()
	sp, ok := c.running[user.ID]
	c.mu.Unlock()
	if !ok {
		return false
	}

	status, err := sp.Poll(ctx)
	if err != nil {
		log.Printf("spawncontrol: poll for %s failed, treating as dead: %v", user.Name, err)
		return false
	}
	return status == nil
}

// probeReady waits for sp's listen endpoint to accept a TCP connection,
// grounded on the teacher's waitForPodReady wait-then-resolve pattern, and
// returns the resolved address. sp must implement spawner.Endpointer.
func (c *Controller) probeReady(ctx context.Context, sp spawner.Spawner) (ip string, port int, err error) {
	ep, ok := sp.(spawner.Endpointer)
	if !ok {
		return "", 0, fmt.Errorf("spawner backend does not implement Endpointer")
	}

	ctx, cancel := context.WithTimeout(ctx, c.readyTimeout)
	defer cancel()

	ticker := time.NewTicker(readyPollInterval)
	defer ticker.Stop()

	for {
		ip, port = ep.Endpoint()
		if ip != "" && port != 0 {
			addr := net.JoinHostPort(ip, strconv.Itoa(port))
			conn, dialErr := (&net.Dialer{}).DialContext(ctx, "tcp", addr)
			if dialErr == nil {
				conn.Close()
				return ip, port, nil
			}
		}

		select {
		case <-ctx.Done():
			return "", 0, fmt.Errorf("readiness probe timed out after %s", c.readyTimeout)
		case <-ticker.C:
		}
	}
}

// userBaseURL derives a user's Server.base_url from the Hub's own base_url,
// per spec.md §3's "{hub_base_url}/user/{user_name}" invariant (grounded on
// the original's url_path_join(self.base_url, 'user', user.name)).
func userBaseURL(hubBaseURL, username string) string {
	return strings.TrimSuffix(hubBaseURL, "/") + "/user/" + username + "/"
}

func (c *Controller) bestEffortStop(sp spawner.Spawner) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := sp.Stop(ctx); err != nil {
		log.Printf("spawncontrol: best-effort stop after failed spawn: %v", err)
	}
}
