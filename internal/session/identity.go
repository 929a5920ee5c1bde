package session

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"
)

// Transport is one physical client connection. Implementations must be safe
// for concurrent use; Send must not block on network I/O.
type Transport interface {
	// ID uniquely identifies the connection for the lifetime of the process.
	ID() string
	// Send enqueues a frame for delivery.
	Send(data []byte) error
	// Close terminates the connection. Safe to call more than once.
	Close() error
	// IsClosed reports whether the connection has terminated.
	IsClosed() bool
}

// Identity is a participant's persistent identity across reconnects. The
// token never changes; the transport comes and goes.
// All methods are safe for concurrent use.
type Identity struct {
	token  string
	logger *zap.Logger

	mu        sync.Mutex
	transport Transport
	groupID   string
	playerID  int
	admitted  bool
	fields    map[string]any
}

// NewIdentity creates an Identity for token with no transport attached.
//
// Precondition: token must be non-empty; logger must be non-nil.
func NewIdentity(token string, logger *zap.Logger) *Identity {
	return &Identity{
		token:  token,
		logger: logger,
		fields: make(map[string]any),
	}
}

// Token returns the immutable identity token.
func (i *Identity) Token() string {
	return i.token
}

// UpdateTransport attaches t if the current transport is absent or closed.
// This is the duplicate-tab guard.
//
// Precondition: t must be non-nil.
// Postcondition: Returns true and replaces the transport, or false with no
// mutation when a live transport is already attached.
func (i *Identity) UpdateTransport(t Transport) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.transport != nil && i.transport != t && !i.transport.IsClosed() {
		return false
	}
	i.transport = t
	return true
}

// ClearTransport detaches the current transport without destroying the Identity.
func (i *Identity) ClearTransport() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.transport = nil
}

// DetachTransport clears the transport only if it is still t, so a close
// event from a superseded connection cannot detach its replacement.
//
// Postcondition: Returns true if t was the attached transport.
func (i *Identity) DetachTransport(t Transport) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.transport != t {
		return false
	}
	i.transport = nil
	return true
}

// Transport returns the attached transport, or nil.
func (i *Identity) Transport() Transport {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.transport
}

// Connected reports whether a live transport is attached.
func (i *Identity) Connected() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.transport != nil && !i.transport.IsClosed()
}

// Send encodes msg as JSON and delivers it to the current transport.
// Delivery is best effort: failures are logged and never returned, and they
// do not change Identity state.
func (i *Identity) Send(msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		i.logger.Error("encoding outbound message",
			zap.String("token", i.token),
			zap.Error(err),
		)
		return
	}

	t := i.Transport()
	if t == nil {
		i.logger.Debug("dropping message for detached identity",
			zap.String("token", i.token),
		)
		return
	}
	if err := t.Send(data); err != nil {
		i.logger.Warn("delivering message",
			zap.String("token", i.token),
			zap.String("transport", t.ID()),
			zap.Error(err),
		)
	}
}

// GroupID returns the owning group's identifier, or "" before admission and
// after teardown.
func (i *Identity) GroupID() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.groupID
}

// PlayerID returns the engine-scoped identifier assigned on admission.
//
// Postcondition: ok is false if the identity has not been admitted.
func (i *Identity) PlayerID() (id int, ok bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.playerID, i.admitted
}

// Admit records group membership and the engine-scoped player identifier.
func (i *Identity) Admit(groupID string, playerID int) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.groupID = groupID
	i.playerID = playerID
	i.admitted = true
}

// Release forgets group membership after the group is torn down.
func (i *Identity) Release() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.groupID = ""
	i.playerID = 0
	i.admitted = false
}

// SetField records a client-supplied attribute passed to the game engine on admission.
func (i *Identity) SetField(key string, value any) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.fields[key] = value
}

// Field returns a client-supplied attribute.
func (i *Identity) Field(key string) (any, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	v, ok := i.fields[key]
	return v, ok
}

// Fields returns a copy of all client-supplied attributes.
func (i *Identity) Fields() map[string]any {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make(map[string]any, len(i.fields))
	for k, v := range i.fields {
		out[k] = v
	}
	return out
}
