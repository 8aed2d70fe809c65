// Package refproxy is an in-process stand-in for the external routing
// front-end spec.md treats as out of scope: it speaks the same
// register/unregister control-plane protocol internal/proxyclient calls,
// and forwards data-plane traffic (HTTP and WebSocket) to whichever route
// currently owns the longest matching base_url prefix. It exists so the
// module is exercisable end-to-end in tests without a real
// configurable-http-proxy process running alongside it.
package refproxy

import (
	"encoding/json"
	"io"
	"log"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// registerBody mirrors the payload internal/proxyclient.Register sends.
type registerBody struct {
	Target string `json:"target"`
	User   string `json:"user"`
}

type route struct {
	target string
	user   string
}

// Proxy holds the routing table the admin API mutates and the data plane
// reads. One Proxy stands in for one configurable-http-proxy instance.
type Proxy struct {
	authToken string
	limiter   *rateLimiter

	mu     sync.RWMutex
	routes map[string]route
}

// New builds a Proxy whose admin API requires
// "Authorization: token <authToken>", matching spec.md §6's proxy
// control-plane contract.
func New(authToken string) *Proxy {
	return &Proxy{
		authToken: authToken,
		limiter:   newRateLimiter(10, 20),
		routes:    make(map[string]route),
	}
}

// AdminHandler serves the control-plane API: POST {base_url} registers a
// route, DELETE {base_url} removes it.
func (p *Proxy) AdminHandler() http.Handler {
	return http.HandlerFunc(p.serveAdmin)
}

// RouteFor reports the currently registered target for baseURL, if any.
// It exists for tests that need to observe the routing table directly
// rather than through the data plane.
func (p *Proxy) RouteFor(baseURL string) (target string, ok bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	r, ok := p.routes[baseURL]
	return r.target, ok
}

func (p *Proxy) serveAdmin(w http.ResponseWriter, r *http.Request) {
	if !p.limiter.allow(clientIP(r)) {
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	if r.Header.Get("Authorization") != "token "+p.authToken {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	baseURL := r.URL.Path

	switch r.Method {
	case http.MethodPost:
		var body registerBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "bad request body", http.StatusBadRequest)
			return
		}
		p.mu.Lock()
		p.routes[baseURL] = route{target: body.Target, user: body.User}
		p.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
	case http.MethodDelete:
		p.mu.Lock()
		delete(p.routes, baseURL)
		p.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// DataHandler serves the reverse-proxy/WebSocket data plane.
func (p *Proxy) DataHandler() http.Handler {
	return http.HandlerFunc(p.serveData)
}

// matchRoute finds the longest registered base_url prefix containing path,
// the same "most specific route wins" rule a real configurable-http-proxy
// applies to its radix-tree route table.
func (p *Proxy) matchRoute(path string) (string, route, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var bestPrefix string
	var best route
	found := false
	for prefix, rt := range p.routes {
		if strings.HasPrefix(path, prefix) && len(prefix) >= len(bestPrefix) {
			bestPrefix, best, found = prefix, rt, true
		}
	}
	return bestPrefix, best, found
}

func (p *Proxy) serveData(w http.ResponseWriter, r *http.Request) {
	_, rt, ok := p.matchRoute(r.URL.Path)
	if !ok {
		http.NotFound(w, r)
		return
	}

	target, err := url.Parse(rt.target)
	if err != nil {
		http.Error(w, "invalid route target", http.StatusBadGateway)
		return
	}

	if isWebSocketUpgrade(r) {
		proxyWebSocket(w, r, target)
		return
	}

	proxy := httputil.NewSingleHostReverseProxy(target)
	proxy.Transport = &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        50,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}

	originalDirector := proxy.Director
	proxy.Director = func(req *http.Request) {
		originalDirector(req)
		req.Host = target.Host
		req.Header.Set("X-Forwarded-Host", r.Host)
		req.Header.Set("X-Forwarded-Proto", "http")
		req.Header.Set("X-Proxy-User", rt.user)
	}
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		log.Printf("refproxy: backend error: %v", err)
		http.Error(w, "proxy error", http.StatusBadGateway)
	}

	proxy.ServeHTTP(w, r)
}

func isWebSocketUpgrade(r *http.Request) bool {
	return strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade") &&
		strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func proxyWebSocket(w http.ResponseWriter, r *http.Request, target *url.URL) {
	clientConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("refproxy: upgrade failed: %v", err)
		return
	}
	defer clientConn.Close()

	targetURL := *target
	targetURL.Scheme = "ws"
	targetURL.Path = r.URL.Path

	dialer := websocket.Dialer{ReadBufferSize: 4096, WriteBufferSize: 4096}
	targetConn, _, err := dialer.Dial(targetURL.String(), nil)
	if err != nil {
		log.Printf("refproxy: failed to dial backend %s: %v", targetURL.String(), err)
		clientConn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "backend unreachable"))
		return
	}
	defer targetConn.Close()

	errCh := make(chan error, 2)
	go func() { errCh <- copyMessages(clientConn, targetConn) }()
	go func() { errCh <- copyMessages(targetConn, clientConn) }()

	if err := <-errCh; err != nil && !isCloseError(err) {
		log.Printf("refproxy: websocket proxy error: %v", err)
	}
}

func copyMessages(src, dst *websocket.Conn) error {
	for {
		messageType, message, err := src.ReadMessage()
		if err != nil {
			return err
		}
		if err := dst.WriteMessage(messageType, message); err != nil {
			return err
		}
	}
}

func isCloseError(err error) bool {
	if err == nil {
		return false
	}
	if err == io.EOF {
		return true
	}
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}
