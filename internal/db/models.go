package db

import (
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/uptrace/bun"
)

// User is a person known to the Hub. At most one Server row is associated
// with a user at a time; State is an opaque JSON blob the Spawner backend
// may use to remember process-specific bookkeeping across Hub restarts.
type User struct {
	bun.BaseModel `bun:"table:users,alias:u"`

	ID        int64     `bun:"id,pk,autoincrement"`
	Name      string    `bun:"name,notnull,unique"`
	Admin     bool      `bun:"admin,notnull,default:false"`
	State     RawJSON   `bun:"state,type:text"`
	CreatedAt time.Time `bun:"created_at,notnull,default:current_timestamp"`
	UpdatedAt time.Time `bun:"updated_at,notnull,default:current_timestamp"`

	Server      *Server      `bun:"rel:has-one,join:id=user_id"`
	APITokens   []*APIToken  `bun:"rel:has-many,join:id=user_id"`
	CookieTokens []*CookieToken `bun:"rel:has-many,join:id=user_id"`
}

// Server is a single-user server process, whether spawned or not-yet-spawned.
// A row only exists for a user that is Spawning, Running, or Stopping;
// it is deleted (and, per ReplaceUserServer, atomically replaced) once the
// user returns to Idle.
type Server struct {
	bun.BaseModel `bun:"table:servers,alias:s"`

	ID int64 `bun:"id,pk,autoincrement"`

	// UserID is set for a user's single-user server row and left nil for
	// the two Server rows a Proxy owns (public_server, api_server), which
	// have no owning User.
	UserID       *int64 `bun:"user_id,unique"`
	IP           string `bun:"ip,notnull"`
	Port         int    `bun:"port,notnull"`
	Proto        string `bun:"proto,notnull,default:'http'"`
	BaseURL      string `bun:"base_url,notnull"`
	CookieName   string `bun:"cookie_name,notnull"`
	CookieSecret []byte `bun:"cookie_secret,notnull"`

	CreatedAt time.Time `bun:"created_at,notnull,default:current_timestamp"`
}

// URL returns the server's internal base URL, e.g. http://10.0.0.5:8888.
func (s *Server) URL() string {
	return s.Proto + "://" + s.IP + ":" + strconv.Itoa(s.Port)
}

// NewServerFromURL builds a Server (ip/port/proto only, no owning user) from
// a "scheme://host:port" URL, used to seed the Proxy's public_server and
// api_server rows from configuration.
func NewServerFromURL(raw string) (*Server, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid server url %q: %w", raw, err)
	}
	proto := u.Scheme
	if proto == "" {
		proto = "http"
	}
	port := 80
	if proto == "https" {
		port = 443
	}
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid port in %q: %w", raw, err)
		}
	}
	return &Server{IP: u.Hostname(), Port: port, Proto: proto, BaseURL: "/"}, nil
}

// Hub describes the Hub process itself, as registered with the Proxy's
// default route. A deployment has exactly one Hub row.
type Hub struct {
	bun.BaseModel `bun:"table:hubs,alias:h"`

	ID      int64  `bun:"id,pk,autoincrement"`
	IP      string `bun:"ip,notnull"`
	Port    int    `bun:"port,notnull"`
	Proto   string `bun:"proto,notnull,default:'http'"`
	BaseURL string `bun:"base_url,notnull,default:'/'"`
}

// APIURL returns the Hub's own internal API base URL.
func (h *Hub) APIURL() string {
	return h.Proto + "://" + h.IP + ":" + strconv.Itoa(h.Port) + h.BaseURL + "api"
}

// Proxy records the credentials and the two Server endpoints the Hub uses to
// administer the external routing front-end: a public-facing one traffic
// arrives on, and an api one the Hub's control-plane calls target.
type Proxy struct {
	bun.BaseModel `bun:"table:proxies,alias:p"`

	ID        int64  `bun:"id,pk,autoincrement"`
	AuthToken string `bun:"auth_token,notnull"`

	PublicServerID int64   `bun:"public_server_id,notnull"`
	PublicServer   *Server `bun:"rel:belongs-to,join:public_server_id=id"`

	APIServerID int64   `bun:"api_server_id,notnull"`
	APIServer   *Server `bun:"rel:belongs-to,join:api_server_id=id"`
}

// APIURL returns the control-plane URL the Proxy Client targets, e.g.
// http://127.0.0.1:8001.
func (p *Proxy) APIURL() string {
	return p.APIServer.URL()
}

// CookieToken binds an opaque browser cookie value to a user. Multiple
// cookie tokens may exist per user (e.g. one per browser).
type CookieToken struct {
	bun.BaseModel `bun:"table:cookie_tokens,alias:ct"`

	ID        int64     `bun:"id,pk,autoincrement"`
	UserID    int64     `bun:"user_id,notnull"`
	Token     string    `bun:"token,notnull,unique"`
	CreatedAt time.Time `bun:"created_at,notnull,default:current_timestamp"`
}

// APIToken binds a bearer API token to a user. A single-user server's own
// token lets it call back into the Hub's API on the user's behalf.
type APIToken struct {
	bun.BaseModel `bun:"table:api_tokens,alias:at"`

	ID        int64     `bun:"id,pk,autoincrement"`
	UserID    int64     `bun:"user_id,notnull"`
	Token     string    `bun:"token,notnull,unique"`
	Note      string    `bun:"note"`
	CreatedAt time.Time `bun:"created_at,notnull,default:current_timestamp"`
}

// AuditLog is an append-only record of spawn-lifecycle and auth events,
// source rows for the audit archive.
type AuditLog struct {
	bun.BaseModel `bun:"table:audit_log,alias:al"`

	ID        int64     `bun:"id,pk,autoincrement"`
	Username  string    `bun:"username,notnull"`
	Action    string    `bun:"action,notnull"` // login, logout, spawn, stop, respawn, spawn_failed
	Detail    string    `bun:"detail"`
	CreatedAt time.Time `bun:"created_at,notnull,default:current_timestamp"`
}
