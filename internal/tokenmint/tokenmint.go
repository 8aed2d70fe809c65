// Package tokenmint mints and compares the opaque bearer tokens used for
// cookie and API authentication. Tokens are never signed or self-describing;
// their validity is established purely by Store lookup, so minting only
// needs to guarantee enough entropy to make guessing infeasible.
package tokenmint

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
)

// tokenBytes is the amount of randomness minted per token: 256 bits,
// comfortably over the 128-bit floor a brute-force guess must clear.
const tokenBytes = 32

// Mint returns a new opaque, URL-safe token string.
func Mint() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate random token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// MustMint mints a token and panics on failure. Only safe where a failure
// to read the system CSPRNG is itself a fatal startup condition.
func MustMint() string {
	tok, err := Mint()
	if err != nil {
		panic(err)
	}
	return tok
}

// ConstantTimeEqual reports whether a and b are equal, in time independent
// of where the first differing byte occurs. Unequal lengths still leak
// through Go's short-circuit length comparison (subtle.ConstantTimeCompare
// requires matching lengths), so callers comparing against secrets should
// prefer comparing against a fixed-length digest when length itself must
// not leak; for this package's fixed-width tokens, that is a non-issue.
func ConstantTimeEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
