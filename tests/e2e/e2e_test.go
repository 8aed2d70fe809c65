package e2e

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/rjsadow/hub/internal/db"
	"github.com/rjsadow/hub/internal/spawner"
)

func doLogin(h *harness, client *http.Client, username, password string) *http.Response {
	form := url.Values{"username": {username}, "password": {password}}
	resp, err := client.PostForm(h.hubSrv.URL+"/hub/login", form)
	Expect(err).NotTo(HaveOccurred())
	return resp
}

func cookieNamed(resp *http.Response, name string) (*http.Cookie, bool) {
	for _, c := range resp.Cookies() {
		if c.Name == name {
			return c, true
		}
	}
	return nil, false
}

var _ = Describe("Hub spawn lifecycle", func() {
	var h *harness
	var client *http.Client

	BeforeEach(func() {
		h = newHarness(GinkgoT())
		client = noRedirectClient()
	})

	It("spawns a user's server on first visit and redirects home", func() {
		loginResp := doLogin(h, client, "alice", "correct-horse")
		defer loginResp.Body.Close()
		Expect(loginResp.StatusCode).To(Equal(http.StatusFound))
		Expect(loginResp.Header.Get("Location")).To(Equal("/user/alice"))

		hubCookie, ok := cookieNamed(loginResp, "hub-auth")
		Expect(ok).To(BeTrue(), "expected a hub-auth cookie to be set on login")

		req, _ := http.NewRequest(http.MethodGet, h.hubSrv.URL+"/user/alice", nil)
		req.AddCookie(hubCookie)
		resp, err := client.Do(req)
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()

		Expect(resp.StatusCode).To(Equal(http.StatusFound))
		Expect(resp.Header.Get("Location")).To(Equal("/user/alice"))

		h.mu.Lock()
		starts := h.starts
		h.mu.Unlock()
		Expect(starts).To(Equal(1), "expected exactly one Spawner.Start for one spawn")

		user, err := h.db.GetUserByName(context.Background(), "alice")
		Expect(err).NotTo(HaveOccurred())
		Expect(user.Server).NotTo(BeNil())
		Expect(user.Server.BaseURL).To(Equal("/user/alice/"))

		// The route must be visible to the proxy once the handler has
		// returned: spec.md's commit-before-register ordering.
		target, ok := h.proxy.RouteFor(user.Server.BaseURL)
		Expect(ok).To(BeTrue(), "expected the route to be registered with the proxy")
		Expect(target).To(Equal(user.Server.URL()))
	})

	It("clears cookies and redirects to login when the cookie belongs to someone else", func() {
		ctx := context.Background()
		bob, err := h.db.GetOrCreateUser(ctx, "bob")
		Expect(err).NotTo(HaveOccurred())
		_, err = h.db.MintCookieToken(ctx, bob.ID, "bobs-cookie")
		Expect(err).NotTo(HaveOccurred())

		req, _ := http.NewRequest(http.MethodGet, h.hubSrv.URL+"/user/alice", nil)
		req.AddCookie(&http.Cookie{Name: "hub-auth", Value: "bobs-cookie"})
		resp, err := client.Do(req)
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()

		Expect(resp.StatusCode).To(Equal(http.StatusFound))
		loc, err := url.Parse(resp.Header.Get("Location"))
		Expect(err).NotTo(HaveOccurred())
		Expect(loc.Path).To(Equal("/hub/login"))
		Expect(loc.Query().Get("next")).To(Equal("/user/alice"))

		cleared, ok := cookieNamed(resp, "hub-auth")
		Expect(ok).To(BeTrue())
		Expect(cleared.MaxAge).To(BeNumerically("<", 0))

		h.mu.Lock()
		starts := h.starts
		h.mu.Unlock()
		Expect(starts).To(BeZero(), "a mismatched user must never trigger a spawn")
	})

	It("re-spawns when the process has died out-of-band", func() {
		loginResp := doLogin(h, client, "carol", "correct-horse")
		hubCookie, _ := cookieNamed(loginResp, "hub-auth")
		loginResp.Body.Close()

		req, _ := http.NewRequest(http.MethodGet, h.hubSrv.URL+"/user/carol", nil)
		req.AddCookie(hubCookie)
		resp, err := client.Do(req)
		Expect(err).NotTo(HaveOccurred())
		resp.Body.Close()

		h.mu.Lock()
		proc := h.spawns["carol"]
		h.mu.Unlock()
		Expect(proc).NotTo(BeNil())
		proc.kill()

		req2, _ := http.NewRequest(http.MethodGet, h.hubSrv.URL+"/user/carol", nil)
		req2.AddCookie(hubCookie)
		resp2, err := client.Do(req2)
		Expect(err).NotTo(HaveOccurred())
		defer resp2.Body.Close()
		Expect(resp2.StatusCode).To(Equal(http.StatusFound))

		h.mu.Lock()
		starts := h.starts
		h.mu.Unlock()
		Expect(starts).To(Equal(2), "a dead process must trigger exactly one re-spawn")
	})

	It("lets the spawned process validate a browser cookie via the authorizations API", func() {
		loginResp := doLogin(h, client, "dave", "correct-horse")
		hubCookie, _ := cookieNamed(loginResp, "hub-auth")
		loginResp.Body.Close()

		req, _ := http.NewRequest(http.MethodGet, h.hubSrv.URL+"/user/dave", nil)
		req.AddCookie(hubCookie)
		resp, err := client.Do(req)
		Expect(err).NotTo(HaveOccurred())
		resp.Body.Close()

		user, err := h.db.GetUserByName(context.Background(), "dave")
		Expect(err).NotTo(HaveOccurred())
		Expect(user.APITokens).To(HaveLen(1))
		apiToken := user.APITokens[0].Token

		authReq, _ := http.NewRequest(http.MethodGet, h.hubSrv.URL+"/api/authorizations/"+hubCookie.Value, nil)
		authReq.Header.Set("Authorization", "token "+apiToken)
		authResp, err := http.DefaultClient.Do(authReq)
		Expect(err).NotTo(HaveOccurred())
		defer authResp.Body.Close()

		Expect(authResp.StatusCode).To(Equal(http.StatusOK))
		var body struct {
			User string `json:"user"`
		}
		Expect(json.NewDecoder(authResp.Body).Decode(&body)).To(Succeed())
		Expect(body.User).To(Equal("dave"))
	})

	It("rejects an authorizations lookup for an unknown cookie", func() {
		loginResp := doLogin(h, client, "erin", "correct-horse")
		hubCookie, _ := cookieNamed(loginResp, "hub-auth")
		loginResp.Body.Close()

		req, _ := http.NewRequest(http.MethodGet, h.hubSrv.URL+"/user/erin", nil)
		req.AddCookie(hubCookie)
		resp, err := client.Do(req)
		Expect(err).NotTo(HaveOccurred())
		resp.Body.Close()

		user, err := h.db.GetUserByName(context.Background(), "erin")
		Expect(err).NotTo(HaveOccurred())
		apiToken := user.APITokens[0].Token

		authReq, _ := http.NewRequest(http.MethodGet, h.hubSrv.URL+"/api/authorizations/not-a-real-cookie", nil)
		authReq.Header.Set("Authorization", "token "+apiToken)
		authResp, err := http.DefaultClient.Do(authReq)
		Expect(err).NotTo(HaveOccurred())
		defer authResp.Body.Close()
		Expect(authResp.StatusCode).To(Equal(http.StatusNotFound))
	})

	It("clears both cookies on logout", func() {
		loginResp := doLogin(h, client, "frank", "correct-horse")
		hubCookie, _ := cookieNamed(loginResp, "hub-auth")
		loginResp.Body.Close()

		req, _ := http.NewRequest(http.MethodGet, h.hubSrv.URL+"/user/frank", nil)
		req.AddCookie(hubCookie)
		resp, err := client.Do(req)
		Expect(err).NotTo(HaveOccurred())
		userCookie, hasUserCookie := cookieNamed(resp, "hub-auth-frank")
		resp.Body.Close()
		Expect(hasUserCookie).To(BeTrue())

		logoutReq, _ := http.NewRequest(http.MethodPost, h.hubSrv.URL+"/hub/logout", nil)
		logoutReq.AddCookie(hubCookie)
		logoutReq.AddCookie(userCookie)
		logoutResp, err := client.Do(logoutReq)
		Expect(err).NotTo(HaveOccurred())
		defer logoutResp.Body.Close()

		Expect(logoutResp.StatusCode).To(Equal(http.StatusFound))
		hubCleared, ok := cookieNamed(logoutResp, "hub-auth")
		Expect(ok).To(BeTrue())
		Expect(hubCleared.MaxAge).To(BeNumerically("<", 0))
		userCleared, ok := cookieNamed(logoutResp, "hub-auth-frank")
		Expect(ok).To(BeTrue())
		Expect(userCleared.MaxAge).To(BeNumerically("<", 0))
	})

	It("rejects credentials the stub authenticator does not recognize", func() {
		resp := doLogin(h, client, "mallory", "wrong-password")
		defer resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusForbidden))
	})
})

var _ = Describe("Hub request dispatch fallbacks", func() {
	It("404s unknown paths under the root hub prefix", func() {
		h := newHarness(GinkgoT())
		client := noRedirectClient()

		resp, err := client.Get(h.hubSrv.URL + "/does-not-exist")
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
	})

	It("redirects paths outside a non-root hub prefix", func() {
		h := newHarnessWithPrefix(GinkgoT(), "/hub-mount/")
		client := noRedirectClient()

		resp, err := client.Get(h.hubSrv.URL + "/elsewhere")
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusFound))
		Expect(strings.HasPrefix(resp.Header.Get("Location"), "/hub-mount/")).To(BeTrue())
	})
})

var _ = Describe("readiness probe timeout", func() {
	It("fails the spawn and leaves the user idle when the process never becomes ready", func() {
		h := newHarness(GinkgoT())
		ctx := context.Background()
		user, err := h.db.GetOrCreateUser(ctx, "gina")
		Expect(err).NotTo(HaveOccurred())

		// A Spawner whose Start succeeds but whose endpoint never resolves
		// forces spawncontrol's readiness probe to exhaust its timeout
		// (spec.md §4.6 step 5).
		neverReady := func(u *db.User, hub *db.Hub, apiToken string, cfg spawner.Config) (spawner.Spawner, error) {
			return &unreadyProc{}, nil
		}
		ctrl := h.controllerWithFactory(neverReady, 300*time.Millisecond)

		_, err = ctrl.Spawn(context.Background(), user)
		Expect(err).To(HaveOccurred())

		fresh, err := h.db.GetUserByName(ctx, "gina")
		Expect(err).NotTo(HaveOccurred())
		Expect(fresh.Server).To(BeNil(), "a failed spawn must not leave a Server row behind")
	})
})
