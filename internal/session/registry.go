// Package session tracks participant identities across connection churn:
// the process-wide token registry, the reconnect-durable Identity, and the
// transport contract an Identity delivers through.
package session

import "sync"

// Registry maps opaque identity tokens to their validity. It is the single
// source of truth for whether a token may still resume an Identity.
// All methods are safe for concurrent use.
type Registry struct {
	tokens sync.Map // token → bool (valid)
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register marks token as valid.
//
// Precondition: token must be non-empty.
// Postcondition: Returns false without mutation if token is empty or already
// valid; otherwise token reads valid until Invalidate is called.
func (r *Registry) Register(token string) bool {
	if token == "" {
		return false
	}
	for {
		prev, loaded := r.tokens.LoadOrStore(token, true)
		if !loaded {
			return true
		}
		if prev.(bool) {
			return false
		}
		if r.tokens.CompareAndSwap(token, false, true) {
			return true
		}
	}
}

// Invalidate marks token as permanently gone. Unknown tokens are recorded as
// invalid so that a later connect presenting them is answered with a reset.
//
// Postcondition: IsValid(token) is false until a later Register(token).
func (r *Registry) Invalidate(token string) {
	if token == "" {
		return
	}
	r.tokens.Store(token, false)
}

// IsValid reports whether token is registered and not invalidated.
func (r *Registry) IsValid(token string) bool {
	v, ok := r.tokens.Load(token)
	return ok && v.(bool)
}

// Seen reports whether token was ever registered or invalidated.
func (r *Registry) Seen(token string) bool {
	_, ok := r.tokens.Load(token)
	return ok
}

// Len returns the number of currently valid tokens.
func (r *Registry) Len() int {
	n := 0
	r.tokens.Range(func(_, v any) bool {
		if v.(bool) {
			n++
		}
		return true
	})
	return n
}
