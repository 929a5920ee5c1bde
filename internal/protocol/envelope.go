// Package protocol defines the JSON message envelope exchanged with clients
// and the reserved control messages produced by the coordination layer.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// RequestField is the discriminator key carried by every envelope.
const RequestField = "requestType"

// Reserved discriminators.
const (
	TypeError                = "ERROR"
	TypeSetCookie            = "setCookie"
	TypeDisconnectedUsers    = "disconnectedUsers"
	TypeGameReady            = "gameReady"
	TypeGameOverDisconnected = "gameOverDisconnectedUser"
	TypeGetGameState         = "getGameState"
	TypeGameOver             = "gameOver"
	TypeChat                 = "chat"
	TypeGetGameLog           = "getGameLog"
)

// Descriptions carried by TypeError envelopes.
const (
	DescriptionReset        = "RESET"
	DescriptionDuplicateTab = "DUPLICATE_TAB"
)

// ErrMissingType is returned by Decode when the discriminator is absent or not a string.
var ErrMissingType = errors.New("envelope has no requestType")

// Envelope is a discriminator plus a free-form payload. Payload never
// contains RequestField.
type Envelope struct {
	Type    string
	Payload map[string]any
}

// New builds an envelope of the given type. A nil payload is allowed.
func New(typ string, payload map[string]any) Envelope {
	p := make(map[string]any, len(payload))
	for k, v := range payload {
		if k == RequestField {
			continue
		}
		p[k] = v
	}
	return Envelope{Type: typ, Payload: p}
}

// Decode parses a raw client frame.
//
// Postcondition: Returns an envelope with a non-empty Type, or a non-nil error.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// Get returns the payload value stored under key.
func (e Envelope) Get(key string) (any, bool) {
	v, ok := e.Payload[key]
	return v, ok
}

// String returns the payload value under key when it is a string.
func (e Envelope) String(key string) (string, bool) {
	v, ok := e.Payload[key].(string)
	return v, ok
}

// With returns a copy of e with key set to value.
func (e Envelope) With(key string, value any) Envelope {
	out := New(e.Type, e.Payload)
	if key != RequestField {
		out.Payload[key] = value
	}
	return out
}

// MarshalJSON flattens the payload next to the discriminator.
func (e Envelope) MarshalJSON() ([]byte, error) {
	flat := make(map[string]any, len(e.Payload)+1)
	for k, v := range e.Payload {
		flat[k] = v
	}
	flat[RequestField] = e.Type
	return json.Marshal(flat)
}

// UnmarshalJSON reads a flat object and splits out the discriminator.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var flat map[string]any
	if err := json.Unmarshal(data, &flat); err != nil {
		return fmt.Errorf("decoding envelope: %w", err)
	}
	typ, ok := flat[RequestField].(string)
	if !ok || typ == "" {
		return ErrMissingType
	}
	delete(flat, RequestField)
	e.Type = typ
	e.Payload = flat
	return nil
}
