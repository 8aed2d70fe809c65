// Package dispatcher is the HTTP boundary: it maps URL patterns to the
// Hub's three core operations (login, authorize a user URL, look up a
// cookie token) and leaves everything else — spawn orchestration, session
// resolution, persistence — to the collaborators it holds.
package dispatcher

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"net/url"
	"strings"

	"github.com/rjsadow/hub/internal/authprovider"
	"github.com/rjsadow/hub/internal/db"
	"github.com/rjsadow/hub/internal/middleware"
	"github.com/rjsadow/hub/internal/session"
	"github.com/rjsadow/hub/internal/spawncontrol"
)

// TemplateRenderer renders the outer HTML pages the Dispatcher never
// constructs itself (spec.md treats template rendering as out of scope).
// A nil TemplateRenderer falls back to plain-text responses.
type TemplateRenderer interface {
	NotFound(w http.ResponseWriter, r *http.Request)
	Login(w http.ResponseWriter, r *http.Request, next string, failed bool)
}

// App holds every collaborator the Dispatcher needs and builds the
// complete HTTP handler from them, the way the teacher's server.App does.
type App struct {
	DB         *db.DB
	Session    *session.Manager
	SpawnCtrl  *spawncontrol.Controller
	Auth       authprovider.Authenticator
	Hub        *db.Hub
	Templates  TemplateRenderer
	HubBaseURL string // e.g. "/"; used for the prefix-redirect fallback
	LoginPath  string // e.g. "/hub/login"
}

type handlers struct {
	app *App
}

// Handler builds and returns the Dispatcher's complete HTTP handler.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	h := &handlers{app: a}

	mux.HandleFunc("GET /user/{name}", h.handleUser)
	mux.HandleFunc("GET /api/authorizations/{token}", h.handleAuthorizations)
	mux.HandleFunc("GET "+a.loginPath(), h.handleLoginForm)
	mux.HandleFunc("POST "+a.loginPath(), h.handleLogin)
	mux.HandleFunc("POST /hub/logout", h.handleLogout)
	mux.HandleFunc("/", h.handleDefault)

	return middleware.SecurityHeaders(middleware.RequestID(mux))
}

func (a *App) loginPath() string {
	if a.LoginPath != "" {
		return a.LoginPath
	}
	return "/hub/login"
}

// handleUser implements spec.md §4.7's GET /user/{name}.
func (h *handlers) handleUser(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	user, err := h.app.Session.Resolve(w, r)
	if err != nil {
		log.Printf("dispatcher: resolve failed: %v", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	if user == nil || user.Name != name {
		if err := h.app.Session.ClearLoginCookie(w, r); err != nil {
			log.Printf("dispatcher: clear login cookie failed: %v", err)
		}
		http.Redirect(w, r, h.app.loginPath()+"?next="+url.QueryEscape(r.URL.Path), http.StatusFound)
		return
	}

	if _, err := h.app.SpawnCtrl.EnsureRunning(r.Context(), user); err != nil {
		log.Printf("dispatcher: spawn failed for %s: %v", name, err)
		http.Error(w, "failed to start server", http.StatusInternalServerError)
		return
	}

	if err := h.app.Session.SetLoginCookie(w, r, user); err != nil {
		log.Printf("dispatcher: set login cookie failed: %v", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	http.Redirect(w, r, h.app.HubBaseURL+"user/"+name, http.StatusFound)
}

// handleAuthorizations implements spec.md §4.7's GET
// /api/authorizations/{token}, the endpoint a spawned single-user server
// calls to validate a browser cookie it was just presented.
func (h *handlers) handleAuthorizations(w http.ResponseWriter, r *http.Request) {
	auth := r.Header.Get("Authorization")
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "token") || parts[1] == "" {
		http.Error(w, "missing bearer api token", http.StatusForbidden)
		return
	}
	if _, err := h.app.DB.UserByAPIToken(r.Context(), parts[1]); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			http.Error(w, "invalid api token", http.StatusForbidden)
			return
		}
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	token := r.PathValue("token")
	user, err := h.app.DB.UserByCookieToken(r.Context(), token)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			http.NotFound(w, r)
			return
		}
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"user": user.Name})
}

func (h *handlers) handleLoginForm(w http.ResponseWriter, r *http.Request) {
	next := r.URL.Query().Get("next")
	if h.app.Templates != nil {
		h.app.Templates.Login(w, r, next, false)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte("login required"))
}

// handleLogin authenticates a credential, creates the user lazily on first
// success, and issues login cookies (spec.md §4.5 set_login_cookie).
func (h *handlers) handleLogin(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	next := r.FormValue("next")

	cred := authprovider.Credential{
		Username: r.FormValue("username"),
		Password: r.FormValue("password"),
		Code:     r.FormValue("code"),
		State:    r.FormValue("state"),
	}

	username, ok, err := h.app.Auth.Authenticate(r.Context(), cred)
	if err != nil {
		log.Printf("dispatcher: authenticate error: %v", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if !ok {
		if h.app.Templates != nil {
			h.app.Templates.Login(w, r, next, true)
			return
		}
		http.Error(w, "invalid credentials", http.StatusForbidden)
		return
	}

	user, err := h.app.DB.GetOrCreateUser(r.Context(), username)
	if err != nil {
		log.Printf("dispatcher: get-or-create user %q: %v", username, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	if err := h.app.Session.SetLoginCookie(w, r, user); err != nil {
		log.Printf("dispatcher: set login cookie for %q: %v", username, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	if next == "" {
		next = h.app.HubBaseURL + "user/" + username
	}
	http.Redirect(w, r, next, http.StatusFound)
}

func (h *handlers) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := h.app.Session.ClearLoginCookie(w, r); err != nil {
		log.Printf("dispatcher: clear login cookie failed: %v", err)
	}
	http.Redirect(w, r, h.app.loginPath(), http.StatusFound)
}

// handleDefault implements spec.md §4.7's final rule: unknown paths under
// the Hub's prefix 404, paths outside it 302 to the Hub-prefixed path.
func (h *handlers) handleDefault(w http.ResponseWriter, r *http.Request) {
	if !strings.HasPrefix(r.URL.Path, h.app.HubBaseURL) {
		http.Redirect(w, r, h.app.HubBaseURL+strings.TrimPrefix(r.URL.Path, "/"), http.StatusFound)
		return
	}

	if h.app.Templates != nil {
		h.app.Templates.NotFound(w, r)
		return
	}
	http.NotFound(w, r)
}
