package authprovider

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// pendingState tracks an outstanding CSRF state token between LoginURL and
// Authenticate, with an expiry so abandoned logins don't accumulate.
type pendingState struct {
	expiresAt time.Time
}

// OIDCAuthenticator implements Authenticator against an external OpenID
// Connect provider (Auth0, Keycloak, Entra ID, Okta, ...). Authenticate
// completes the authorization-code exchange begun by LoginURL and resolves
// the verified ID token to a canonical username.
//
// CSRF state is tracked in-memory rather than in the database, since
// spec.md's Authenticator is stateless with respect to storage; a
// multi-replica Hub would need to share this externally, which is out of
// scope here.
type OIDCAuthenticator struct {
	provider     *oidc.Provider
	verifier     *oidc.IDTokenVerifier
	oauth2Config oauth2.Config

	mu     sync.Mutex
	states map[string]pendingState
}

// NewOIDCAuthenticator discovers the provider's configuration and builds an
// OIDCAuthenticator. issuer, clientID, clientSecret and redirectURL are
// required; scopes defaults to openid, profile, email when empty.
func NewOIDCAuthenticator(ctx context.Context, issuer, clientID, clientSecret, redirectURL string, scopes []string) (*OIDCAuthenticator, error) {
	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("oidc: failed to discover provider at %s: %w", issuer, err)
	}

	if len(scopes) == 0 {
		scopes = []string{oidc.ScopeOpenID, "profile", "email"}
	}

	a := &OIDCAuthenticator{
		provider: provider,
		verifier: provider.Verifier(&oidc.Config{ClientID: clientID}),
		oauth2Config: oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint:     provider.Endpoint(),
			RedirectURL:  redirectURL,
			Scopes:       scopes,
		},
		states: make(map[string]pendingState),
	}
	return a, nil
}

// LoginURL returns the provider authorization URL to redirect the user's
// browser to, along with the CSRF state token embedded in it.
func (a *OIDCAuthenticator) LoginURL() (string, error) {
	state, err := generateState()
	if err != nil {
		return "", err
	}

	a.mu.Lock()
	a.states[state] = pendingState{expiresAt: time.Now().Add(10 * time.Minute)}
	a.mu.Unlock()

	return a.oauth2Config.AuthCodeURL(state), nil
}

// Authenticate exchanges cred.Code for tokens, verifies the ID token, and
// returns the provider's preferred username (falling back to email, then
// subject) as the canonical username.
func (a *OIDCAuthenticator) Authenticate(ctx context.Context, cred Credential) (string, bool, error) {
	if !a.consumeState(cred.State) {
		return "", false, nil
	}

	oauth2Token, err := a.oauth2Config.Exchange(ctx, cred.Code)
	if err != nil {
		return "", false, nil
	}

	rawIDToken, ok := oauth2Token.Extra("id_token").(string)
	if !ok {
		return "", false, nil
	}

	idToken, err := a.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return "", false, nil
	}

	var claims struct {
		Sub               string `json:"sub"`
		Email             string `json:"email"`
		PreferredUsername string `json:"preferred_username"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return "", false, nil
	}

	username := claims.PreferredUsername
	if username == "" {
		username = claims.Email
	}
	if username == "" {
		username = claims.Sub
	}
	if username == "" {
		return "", false, nil
	}

	return username, true, nil
}

// consumeState validates and removes a CSRF state token. State tokens are
// single-use: a replayed callback is rejected.
func (a *OIDCAuthenticator) consumeState(state string) bool {
	if state == "" {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	pending, ok := a.states[state]
	delete(a.states, state)
	if !ok {
		return false
	}
	return time.Now().Before(pending.expiresAt)
}

// generateState creates a cryptographically random CSRF state string.
func generateState() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return strings.TrimRight(base64.URLEncoding.EncodeToString(b), "="), nil
}

var _ Authenticator = (*OIDCAuthenticator)(nil)
