package session

import "github.com/google/uuid"

// TokenSource mints opaque identity tokens.
type TokenSource interface {
	// NewToken returns a fresh token.
	//
	// Postcondition: The returned string is non-empty.
	NewToken() string
}

// uuidSource implements TokenSource with random (v4) UUIDs.
//
// Invariant: Tokens are drawn from crypto/rand via google/uuid and are
// unique with overwhelming probability.
type uuidSource struct{}

// NewUUIDTokenSource returns a TokenSource backed by random UUIDs.
func NewUUIDTokenSource() TokenSource {
	return uuidSource{}
}

// NewToken returns a random UUID string.
func (uuidSource) NewToken() string {
	return uuid.NewString()
}

// TokenFunc adapts a function to the TokenSource interface.
type TokenFunc func() string

// NewToken calls f.
func (f TokenFunc) NewToken() string { return f() }
