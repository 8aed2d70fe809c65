// Package authprovider defines the Hub's pluggable authentication contract
// and ships reference backends (local, oidc, noop).
package authprovider

import (
	"context"
	"errors"
)

// ErrInvalidCredentials is the only failure mode an Authenticator ever
// returns for a rejected login. It never carries the underlying reason.
var ErrInvalidCredentials = errors.New("invalid credentials")

// Credential carries whatever a backend needs to establish identity. Not
// every field is meaningful to every backend: local expects Username and
// Password; oidc expects Code and State.
type Credential struct {
	Username string
	Password string
	Code     string
	State    string
}

// Authenticator validates a credential and resolves it to a canonical
// username. It never reveals why a credential was rejected: a failed
// check and an absent account look identical to the caller.
type Authenticator interface {
	Authenticate(ctx context.Context, credential Credential) (username string, ok bool, err error)
}
