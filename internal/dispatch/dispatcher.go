// Package dispatch turns raw transport events into identity-level operations.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"go.uber.org/zap"

	"github.com/AustejaJak/tincisnotcatan/internal/protocol"
	"github.com/AustejaJak/tincisnotcatan/internal/session"
)

// DefaultCookieName carries the identity token when none is configured.
const DefaultCookieName = "USER_ID"

const maxMintAttempts = 8

var (
	// ErrStaleToken is returned when a client presents a token that is not valid.
	ErrStaleToken = errors.New("stale identity token")
	// ErrDuplicateTransport is returned when an identity already has a live transport.
	ErrDuplicateTransport = errors.New("identity already has a live transport")
	// ErrUnknownTransport is returned for events from a transport that never connected.
	ErrUnknownTransport = errors.New("unknown transport")
)

// Orchestrator owns group assignment for identities.
type Orchestrator interface {
	// Join places id into a group, or resumes its membership.
	Join(id *session.Identity) error
	// Message forwards msg to id's group.
	Message(id *session.Identity, msg protocol.Envelope) error
	// Leave reports that id's transport closed.
	Leave(id *session.Identity) error
}

// Attributer is implemented by transports that carry client-supplied
// attributes, such as a display name, from the connection handshake.
type Attributer interface {
	Attributes() map[string]string
}

// Config configures a Dispatcher.
type Config struct {
	CookieName   string
	Registry     *session.Registry
	Tokens       session.TokenSource
	Orchestrator Orchestrator
	Pool         *Pool
	Logger       *zap.Logger
}

// Dispatcher resolves transport events to identities and hands them to the
// orchestrator. Each event runs on the worker pool while the calling
// transport goroutine waits, so events from one connection never overlap.
type Dispatcher struct {
	cookieName string
	registry   *session.Registry
	tokens     session.TokenSource
	orch       Orchestrator
	pool       *Pool
	logger     *zap.Logger

	identities sync.Map // token -> *session.Identity
	bound      sync.Map // transport ID -> *session.Identity
	ignored    sync.Map // transport ID -> struct{}
}

// New builds a Dispatcher from cfg.
//
// Precondition: cfg.Registry, cfg.Tokens, cfg.Orchestrator and cfg.Pool must be non-nil.
func New(cfg Config) (*Dispatcher, error) {
	if cfg.Registry == nil || cfg.Tokens == nil || cfg.Orchestrator == nil || cfg.Pool == nil {
		return nil, errors.New("dispatch: registry, tokens, orchestrator and pool are required")
	}
	name := cfg.CookieName
	if name == "" {
		name = DefaultCookieName
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		cookieName: name,
		registry:   cfg.Registry,
		tokens:     cfg.Tokens,
		orch:       cfg.Orchestrator,
		pool:       cfg.Pool,
		logger:     logger,
	}, nil
}

// CookieName returns the name of the cookie that carries identity tokens.
func (d *Dispatcher) CookieName() string { return d.cookieName }

// OnConnect handles a newly opened transport.
//
// Without a token cookie a fresh identity is minted and the token is sent back
// in a setCookie message. A token that is not valid earns a RESET error. A
// valid token whose identity already has a live transport earns a
// DUPLICATE_TAB error, and h is ignored until it closes.
//
// Postcondition: Returns ErrStaleToken, ErrDuplicateTransport, the
// orchestrator's error, or nil.
func (d *Dispatcher) OnConnect(ctx context.Context, h session.Transport, cookies []*http.Cookie) error {
	return d.pool.Do(ctx, func() error { return d.connect(h, cookies) })
}

func (d *Dispatcher) connect(h session.Transport, cookies []*http.Cookie) error {
	token := d.tokenFrom(cookies)
	if token == "" {
		id, err := d.mint()
		if err != nil {
			return err
		}
		id.UpdateTransport(h)
		d.applyAttributes(id, h)
		d.bound.Store(h.ID(), id)
		d.logger.Info("identity created", zap.String("token", id.Token()), zap.String("transport", h.ID()))
		id.Send(protocol.SetCookieMessage(protocol.Cookie{Name: d.cookieName, Value: id.Token()}))
		return d.orch.Join(id)
	}

	v, known := d.identities.Load(token)
	if !d.registry.IsValid(token) || !known {
		d.identities.Delete(token)
		d.logger.Info("stale token",
			zap.String("token", token),
			zap.Bool("seen", d.registry.Seen(token)),
		)
		d.sendRaw(h, protocol.ErrorMessage(protocol.DescriptionReset))
		return ErrStaleToken
	}

	id := v.(*session.Identity)
	if !id.UpdateTransport(h) {
		d.ignored.Store(h.ID(), struct{}{})
		d.logger.Info("duplicate transport rejected",
			zap.String("token", token),
			zap.String("transport", h.ID()),
		)
		d.sendRaw(h, protocol.ErrorMessage(protocol.DescriptionDuplicateTab))
		return ErrDuplicateTransport
	}
	d.applyAttributes(id, h)
	d.bound.Store(h.ID(), id)
	d.logger.Info("identity resumed", zap.String("token", token), zap.String("transport", h.ID()))
	return d.orch.Join(id)
}

// OnMessage handles an inbound frame. Frames from ignored duplicates are dropped.
func (d *Dispatcher) OnMessage(ctx context.Context, h session.Transport, payload []byte) error {
	return d.pool.Do(ctx, func() error {
		if _, ignored := d.ignored.Load(h.ID()); ignored {
			return nil
		}
		id, ok := d.resolve(h)
		if !ok {
			d.logger.Warn("message from unknown transport", zap.String("transport", h.ID()))
			return ErrUnknownTransport
		}
		msg, err := protocol.Decode(payload)
		if err != nil {
			d.logger.Debug("malformed message", zap.String("token", id.Token()), zap.Error(err))
			return fmt.Errorf("decoding message: %w", err)
		}
		return d.orch.Message(id, msg)
	})
}

// OnClose handles a closed transport. Closing an ignored duplicate only
// forgets it; closing a stale handle that has already been replaced does not
// mark the identity away.
func (d *Dispatcher) OnClose(ctx context.Context, h session.Transport, code int, reason string) error {
	return d.pool.Do(ctx, func() error {
		if _, ignored := d.ignored.LoadAndDelete(h.ID()); ignored {
			return nil
		}
		v, ok := d.bound.LoadAndDelete(h.ID())
		if !ok {
			return ErrUnknownTransport
		}
		id := v.(*session.Identity)
		d.logger.Info("transport closed",
			zap.String("token", id.Token()),
			zap.Int("code", code),
			zap.String("reason", reason),
		)
		if !id.DetachTransport(h) {
			return nil
		}
		return d.orch.Leave(id)
	})
}

// Forget drops the identity bound to token. Called once its token has been
// invalidated.
func (d *Dispatcher) Forget(token string) {
	d.identities.Delete(token)
}

// Identity returns the live identity for token.
func (d *Dispatcher) Identity(token string) (*session.Identity, bool) {
	v, ok := d.identities.Load(token)
	if !ok {
		return nil, false
	}
	return v.(*session.Identity), true
}

// Close stops the worker pool.
func (d *Dispatcher) Close() {
	d.pool.Close()
}

func (d *Dispatcher) mint() (*session.Identity, error) {
	for i := 0; i < maxMintAttempts; i++ {
		token := d.tokens.NewToken()
		if !d.registry.Register(token) {
			continue
		}
		id := session.NewIdentity(token, d.logger)
		d.identities.Store(token, id)
		return id, nil
	}
	return nil, fmt.Errorf("minting token: %d collisions", maxMintAttempts)
}

func (d *Dispatcher) resolve(h session.Transport) (*session.Identity, bool) {
	v, ok := d.bound.Load(h.ID())
	if !ok {
		return nil, false
	}
	return v.(*session.Identity), true
}

func (d *Dispatcher) tokenFrom(cookies []*http.Cookie) string {
	for _, c := range cookies {
		if c != nil && c.Name == d.cookieName && c.Value != "" {
			return c.Value
		}
	}
	return ""
}

func (d *Dispatcher) applyAttributes(id *session.Identity, h session.Transport) {
	a, ok := h.(Attributer)
	if !ok {
		return
	}
	for k, v := range a.Attributes() {
		id.SetField(k, v)
	}
}

// sendRaw writes msg to a transport that is not attached to any identity.
func (d *Dispatcher) sendRaw(h session.Transport, msg protocol.Envelope) {
	data, err := json.Marshal(msg)
	if err != nil {
		d.logger.Error("encoding control message", zap.Error(err))
		return
	}
	if err := h.Send(data); err != nil {
		d.logger.Warn("sending control message",
			zap.String("transport", h.ID()),
			zap.Error(err),
		)
	}
}
