package authprovider

import "context"

// NoopAuthenticator accepts any non-empty username with no password check.
// Suitable for local development and integration tests, never for
// production use.
type NoopAuthenticator struct{}

// NewNoopAuthenticator builds a NoopAuthenticator.
func NewNoopAuthenticator() *NoopAuthenticator {
	return &NoopAuthenticator{}
}

// Authenticate implements Authenticator.
func (a *NoopAuthenticator) Authenticate(_ context.Context, cred Credential) (string, bool, error) {
	if cred.Username == "" {
		return "", false, nil
	}
	return cred.Username, true, nil
}

var _ Authenticator = (*NoopAuthenticator)(nil)
