// Package session resolves incoming requests to a bound user and manages
// the cookies that carry that binding across requests. It implements
// spec.md's Session Manager component: bearer-API-token resolution takes
// priority over the Hub's own browser cookie, and a cookie that no longer
// resolves to a live token is cleared rather than silently ignored.
package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rjsadow/hub/internal/db"
	"github.com/rjsadow/hub/internal/tokenmint"
)

// Manager resolves requests to users and issues/clears login cookies.
// One Manager is constructed per Hub process, scoped to that Hub's own
// cookie name and base URL (a user's own server has its own derived
// cookie name and base URL, carried on db.User.Server).
type Manager struct {
	db            *db.DB
	hubCookieName string
	hubBaseURL    string
	cookieMaxAge  time.Duration
}

// NewManager builds a Manager for the Hub identified by hubCookieName and
// hubBaseURL (its own Server's CookieName/BaseURL), minting cookies with
// the given max age.
func NewManager(database *db.DB, hubCookieName, hubBaseURL string, cookieMaxAge time.Duration) *Manager {
	return &Manager{
		db:            database,
		hubCookieName: hubCookieName,
		hubBaseURL:    hubBaseURL,
		cookieMaxAge:  cookieMaxAge,
	}
}

// Resolve identifies the user bound to r. Resolution order: the bearer
// API token in the Authorization header, then the Hub's own cookie, then
// anonymous. A present but unresolvable Hub cookie is cleared on the way
// out, matching spec.md's "on miss, clear the cookie" rule. A nil user
// with a nil error means anonymous.
func (m *Manager) Resolve(w http.ResponseWriter, r *http.Request) (*db.User, error) {
	ctx := r.Context()

	if token, ok := bearerToken(r); ok {
		user, err := m.db.UserByAPIToken(ctx, token)
		switch {
		case err == nil:
			return user, nil
		case !errors.Is(err, db.ErrNotFound):
			return nil, err
		}
		// An unrecognized bearer token does not fall back to cookie
		// resolution: a caller presenting Authorization is asserting
		// API-token auth, not browsing with a cookie.
		return nil, nil
	}

	cookie, err := r.Cookie(m.hubCookieName)
	if err != nil {
		return nil, nil
	}

	user, err := m.db.UserByCookieToken(ctx, cookie.Value)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, db.ErrNotFound) {
		return nil, err
	}

	m.clearCookie(w, m.hubCookieName, m.hubBaseURL)
	return nil, nil
}

// SetLoginCookie issues fresh cookie tokens for user following a
// successful login: a user-scoped cookie if their server is running, and
// a Hub-scoped cookie unless one already resolves to a live token.
func (m *Manager) SetLoginCookie(w http.ResponseWriter, r *http.Request, user *db.User) error {
	ctx := r.Context()

	if user.Server != nil {
		if err := m.mintAndSetCookie(ctx, w, user.ID, user.Server.CookieName, user.Server.BaseURL); err != nil {
			return err
		}
	}

	if !m.hasValidHubCookie(r) {
		if err := m.mintAndSetCookie(ctx, w, user.ID, m.hubCookieName, m.hubBaseURL); err != nil {
			return err
		}
	}
	return nil
}

// ClearLoginCookie clears the current user's cookies on logout. The
// user-scoped cookie is only cleared if the request currently resolves to
// a user with a running server; the Hub cookie is always cleared. The
// underlying CookieToken rows are left in the Store — they are simply
// unreachable once the cookie is gone, matching spec.md's lifecycle note
// that clearing a cookie need not delete its token.
func (m *Manager) ClearLoginCookie(w http.ResponseWriter, r *http.Request) error {
	user, err := m.Resolve(w, r)
	if err != nil {
		return err
	}
	if user != nil && user.Server != nil {
		m.clearCookie(w, user.Server.CookieName, user.Server.BaseURL)
	}
	m.clearCookie(w, m.hubCookieName, m.hubBaseURL)
	return nil
}

func (m *Manager) mintAndSetCookie(ctx context.Context, w http.ResponseWriter, userID int64, name, path string) error {
	token, err := tokenmint.Mint()
	if err != nil {
		return fmt.Errorf("session: failed to mint cookie token: %w", err)
	}
	if _, err := m.db.MintCookieToken(ctx, userID, token); err != nil {
		return fmt.Errorf("session: failed to persist cookie token: %w", err)
	}
	m.setCookie(w, name, token, path)
	return nil
}

// hasValidHubCookie reports whether r presents the Hub cookie and it
// resolves to a live token, mirroring get_current_user_cookie's notion of
// "already logged in to the Hub" that set_login_cookie checks before
// minting a second Hub-scoped token.
func (m *Manager) hasValidHubCookie(r *http.Request) bool {
	cookie, err := r.Cookie(m.hubCookieName)
	if err != nil {
		return false
	}
	_, err = m.db.UserByCookieToken(r.Context(), cookie.Value)
	return err == nil
}

func (m *Manager) setCookie(w http.ResponseWriter, name, value, path string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     path,
		MaxAge:   int(m.cookieMaxAge.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

func (m *Manager) clearCookie(w http.ResponseWriter, name, path string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     path,
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

// bearerToken extracts the opaque token from an "Authorization: token
// <t>" header, generalized from the teacher's Bearer-scheme parsing.
func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	if h == "" {
		return "", false
	}
	parts := strings.SplitN(h, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "token") {
		return "", false
	}
	if parts[1] == "" {
		return "", false
	}
	return parts[1], true
}
