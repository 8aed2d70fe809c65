package authprovider

import (
	"context"

	"golang.org/x/crypto/bcrypt"
)

// OSChecker performs the actual credential check a local authenticator
// delegates to (conventionally an OS-level mechanism such as PAM). It is
// an interface so the blocking work can be swapped out in tests.
type OSChecker interface {
	Check(ctx context.Context, username, password string) (bool, error)
}

// BcryptChecker is a reference OSChecker backed by a fixed table of
// username to bcrypt hash, standing in for a real native credential store.
type BcryptChecker struct {
	hashes map[string][]byte
}

// NewBcryptChecker builds a checker from plaintext username/password pairs,
// hashing each password with bcrypt at construction time.
func NewBcryptChecker(users map[string]string) (*BcryptChecker, error) {
	hashes := make(map[string][]byte, len(users))
	for username, password := range users {
		hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			return nil, err
		}
		hashes[username] = hash
	}
	return &BcryptChecker{hashes: hashes}, nil
}

// Check compares password against the stored hash for username.
func (c *BcryptChecker) Check(_ context.Context, username, password string) (bool, error) {
	hash, ok := c.hashes[username]
	if !ok {
		return false, nil
	}
	if err := bcrypt.CompareHashAndPassword(hash, []byte(password)); err != nil {
		return false, nil
	}
	return true, nil
}

// LocalAuthenticator delegates username/password credentials to an
// OSChecker, offloading the (potentially blocking) check to its own
// goroutine so the caller's goroutine is never the one parked on I/O.
//
// Non-ASCII usernames or passwords are rejected outright, without ever
// invoking the checker: this matches a documented quirk of the native
// credential check it stands in for, which treats non-ASCII input as
// always invalid.
type LocalAuthenticator struct {
	checker OSChecker
}

// NewLocalAuthenticator builds a LocalAuthenticator around the given checker.
func NewLocalAuthenticator(checker OSChecker) *LocalAuthenticator {
	return &LocalAuthenticator{checker: checker}
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] > 127 {
			return false
		}
	}
	return true
}

// Authenticate implements Authenticator.
func (a *LocalAuthenticator) Authenticate(ctx context.Context, cred Credential) (string, bool, error) {
	if !isASCII(cred.Username) || !isASCII(cred.Password) {
		return "", false, nil
	}

	type result struct {
		ok  bool
		err error
	}
	done := make(chan result, 1)
	go func() {
		ok, err := a.checker.Check(ctx, cred.Username, cred.Password)
		done <- result{ok: ok, err: err}
	}()

	select {
	case <-ctx.Done():
		return "", false, ctx.Err()
	case r := <-done:
		if r.err != nil {
			return "", false, r.err
		}
		if !r.ok {
			return "", false, nil
		}
		return cred.Username, true, nil
	}
}

var _ Authenticator = (*LocalAuthenticator)(nil)
