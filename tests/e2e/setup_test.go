package e2e

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/rjsadow/hub/internal/authprovider"
	"github.com/rjsadow/hub/internal/db"
	"github.com/rjsadow/hub/internal/db/dbtest"
	"github.com/rjsadow/hub/internal/dispatcher"
	"github.com/rjsadow/hub/internal/proxyclient"
	"github.com/rjsadow/hub/internal/refproxy"
	"github.com/rjsadow/hub/internal/session"
	"github.com/rjsadow/hub/internal/spawner"
	"github.com/rjsadow/hub/internal/spawncontrol"
)

const proxyAuthToken = "e2e-proxy-secret"

// harness wires a full Hub stack the way cmd/hub/main.go does: a real
// refproxy control plane, a per-test sqlite Store, and an in-process
// spawner factory that opens a real listener so the readiness probe has
// something to dial.
type harness struct {
	db          *db.DB
	hub         *db.Hub
	proxy       *refproxy.Proxy
	proxySrv    *httptest.Server
	hubSrv      *httptest.Server
	proxyClient *proxyclient.Client

	mu     sync.Mutex
	spawns map[string]*fakeProc
	starts int
}

// testingT is the subset of *testing.T the harness needs; GinkgoT()
// satisfies it.
type testingT interface {
	Helper()
	Cleanup(func())
	Fatalf(format string, args ...any)
	TempDir() string
}

type fakeProc struct {
	mu   sync.Mutex
	ln   net.Listener
	dead *int
}

func (f *fakeProc) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.ln = ln
	f.mu.Unlock()
	return nil
}

func (f *fakeProc) Stop(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ln != nil {
		f.ln.Close()
		f.ln = nil
	}
	return nil
}

func (f *fakeProc) Poll(ctx context.Context) (*int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dead, nil
}

func (f *fakeProc) GetState() json.RawMessage { return json.RawMessage(`{}`) }

func (f *fakeProc) Endpoint() (string, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ln == nil {
		return "", 0
	}
	addr := f.ln.Addr().(*net.TCPAddr)
	return addr.IP.String(), addr.Port
}

// kill simulates the user's process dying out-of-band, the trigger for
// spec.md §4.6's re-spawn-on-death path.
func (f *fakeProc) kill() {
	status := 1
	f.mu.Lock()
	f.dead = &status
	f.mu.Unlock()
}

// unreadyProc is a Spawner whose Start reports success but whose endpoint
// never resolves, standing in for a process that hangs before binding its
// listen socket.
type unreadyProc struct{}

func (unreadyProc) Start(ctx context.Context) error       { return nil }
func (unreadyProc) Stop(ctx context.Context) error        { return nil }
func (unreadyProc) Poll(ctx context.Context) (*int, error) { return nil, nil }
func (unreadyProc) GetState() json.RawMessage             { return json.RawMessage(`{}`) }
func (unreadyProc) Endpoint() (string, int)               { return "", 0 }

type stubAuth struct{}

func (s *stubAuth) Authenticate(ctx context.Context, cred authprovider.Credential) (string, bool, error) {
	if cred.Username == "" || cred.Password != "correct-horse" {
		return "", false, nil
	}
	return cred.Username, true, nil
}

func newHarness(t testingT) *harness {
	return newHarnessWithPrefix(t, "/")
}

// newHarnessWithPrefix builds a harness whose Hub is mounted under
// hubBaseURL instead of the default root, to exercise the Dispatcher's
// outside-the-prefix redirect branch.
func newHarnessWithPrefix(t testingT, hubBaseURL string) *harness {
	t.Helper()

	h := &harness{spawns: make(map[string]*fakeProc)}

	h.db = dbtest.NewTestDB(t)

	h.proxy = refproxy.New(proxyAuthToken)
	h.proxySrv = httptest.NewServer(h.proxy.AdminHandler())
	t.Cleanup(h.proxySrv.Close)

	h.hub = &db.Hub{IP: "127.0.0.1", Port: 8080, Proto: "http", BaseURL: hubBaseURL}
	h.proxyClient = proxyclient.New(h.proxySrv.URL, proxyAuthToken)

	factory := func(user *db.User, hub *db.Hub, apiToken string, cfg spawner.Config) (spawner.Spawner, error) {
		h.mu.Lock()
		h.starts++
		h.mu.Unlock()
		proc := &fakeProc{}
		h.mu.Lock()
		h.spawns[user.Name] = proc
		h.mu.Unlock()
		return proc, nil
	}

	ctrl := spawncontrol.NewController(h.db, h.hub, factory, spawner.Config{}, h.proxyClient, []byte("hub-cookie-secret"), 5*time.Second)
	sess := session.NewManager(h.db, "hub-auth", hubBaseURL, 14*24*time.Hour)

	app := &dispatcher.App{
		DB:         h.db,
		Session:    sess,
		SpawnCtrl:  ctrl,
		Auth:       &stubAuth{},
		Hub:        h.hub,
		HubBaseURL: hubBaseURL,
		LoginPath:  "/hub/login",
	}

	h.hubSrv = httptest.NewServer(app.Handler())
	t.Cleanup(h.hubSrv.Close)

	return h
}

// controllerWithFactory builds a standalone Controller sharing the
// harness's Store and proxy but using a caller-supplied Spawner factory
// and readiness timeout, for scenarios that need a misbehaving Spawner
// double the default harness factory doesn't produce.
func (h *harness) controllerWithFactory(factory spawner.Factory, readyTimeout time.Duration) *spawncontrol.Controller {
	return spawncontrol.NewController(h.db, h.hub, factory, spawner.Config{}, h.proxyClient, []byte("hub-cookie-secret"), readyTimeout)
}

func noRedirectClient() *http.Client {
	return &http.Client{
		CheckRedirect: func(req *http.Request, via []*http.Request) error { return http.ErrUseLastResponse },
	}
}
