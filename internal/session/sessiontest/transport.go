// Package sessiontest provides an in-memory session.Transport for tests.
package sessiontest

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/AustejaJak/tincisnotcatan/internal/protocol"
)

var nextID atomic.Int64

// ErrClosed is returned by Send after Close.
var ErrClosed = errors.New("transport closed")

// Transport records every frame sent to it.
type Transport struct {
	id string

	mu      sync.Mutex
	frames  [][]byte
	closed  bool
	failing bool
}

// NewTransport returns an open Transport with a process-unique ID.
func NewTransport() *Transport {
	return &Transport{id: fmt.Sprintf("fake-%d", nextID.Add(1))}
}

// ID implements session.Transport.
func (t *Transport) ID() string { return t.id }

// Send implements session.Transport.
func (t *Transport) Send(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	if t.failing {
		return errors.New("send failed")
	}
	t.frames = append(t.frames, append([]byte(nil), data...))
	return nil
}

// Close implements session.Transport.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

// IsClosed implements session.Transport.
func (t *Transport) IsClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// FailSends makes every subsequent Send return an error.
func (t *Transport) FailSends() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failing = true
}

// Envelopes decodes every recorded frame.
func (t *Transport) Envelopes() []protocol.Envelope {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]protocol.Envelope, 0, len(t.frames))
	for _, f := range t.frames {
		var env protocol.Envelope
		if err := json.Unmarshal(f, &env); err != nil {
			continue
		}
		out = append(out, env)
	}
	return out
}

// Count returns how many recorded frames have the given discriminator.
func (t *Transport) Count(requestType string) int {
	n := 0
	for _, env := range t.Envelopes() {
		if env.Type == requestType {
			n++
		}
	}
	return n
}

// Last returns the most recent frame with the given discriminator.
func (t *Transport) Last(requestType string) (protocol.Envelope, bool) {
	envs := t.Envelopes()
	for i := len(envs) - 1; i >= 0; i-- {
		if envs[i].Type == requestType {
			return envs[i], true
		}
	}
	return protocol.Envelope{}, false
}

// Reset forgets every recorded frame.
func (t *Transport) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.frames = nil
}
